package launch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStartRunSendsRequestAndParsesResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/run-task-from-storage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("invalid JSON body: %v", err)
		}
		if payload["storage_path"] != "tasks/u1/demo.zip" {
			t.Errorf("unexpected storage_path %q", payload["storage_path"])
		}
		if payload["task_name"] != "demo" {
			t.Errorf("unexpected task_name %q", payload["task_name"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"started","task_id":"r1","stream_url":"/stream?user_id=u1"}`))
	}))
	defer server.Close()

	c := &Client{BaseURL: server.URL, Token: "tok-1", HTTPClient: server.Client()}
	res, err := c.StartRun(context.Background(), "tasks/u1/demo.zip", "demo")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if res.TaskID != "r1" {
		t.Fatalf("unexpected task id %q", res.TaskID)
	}
	// No run_id in the response: the run component mirrors the task id
	// and is flagged provisional so the viewer confirms it from events.
	if res.RunID != "r1" {
		t.Fatalf("unexpected run id %q", res.RunID)
	}
	if !res.RunIDProvisional {
		t.Fatalf("run id from a response without run_id must be provisional")
	}
	if res.Key() != "r1:r1" {
		t.Fatalf("unexpected key %s", res.Key())
	}
	if res.StreamURL != "/stream?user_id=u1" {
		t.Fatalf("unexpected stream url %q", res.StreamURL)
	}
}

func TestStartRunKeepsExplicitRunID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"started","task_id":"t1","run_id":"run-7","stream_url":"/stream?user_id=u1"}`))
	}))
	defer server.Close()

	c := &Client{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	res, err := c.StartRun(context.Background(), "tasks/u1/demo.zip", "demo")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if res.RunID != "run-7" || res.RunIDProvisional {
		t.Fatalf("explicit run id mishandled: id=%q provisional=%v", res.RunID, res.RunIDProvisional)
	}
	if res.Key() != "t1:run-7" {
		t.Fatalf("unexpected key %s", res.Key())
	}
}

func TestStartRunFailsFastWithoutToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request should be made without a credential")
	}))
	defer server.Close()

	c := &Client{BaseURL: server.URL, HTTPClient: server.Client()}
	if _, err := c.StartRun(context.Background(), "tasks/u1/demo.zip", "demo"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestStartRunSurfacesServerRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":{"error":"validation_failed","user_message":"Your task directory structure is incorrect."}}`))
	}))
	defer server.Close()

	c := &Client{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	res, err := c.StartRun(context.Background(), "tasks/u1/bad.zip", "bad")
	if res != nil {
		t.Fatalf("expected nil result on rejection")
	}
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got := err.Error(); !contains(got, "Your task directory structure is incorrect.") {
		t.Fatalf("error should carry the server's user message, got %q", got)
	}
}

func TestStartRunSurfacesStringDetail(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Failed to download file from storage: not found"}`))
	}))
	defer server.Close()

	c := &Client{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	_, err := c.StartRun(context.Background(), "tasks/u1/missing.zip", "demo")
	if err == nil || !contains(err.Error(), "Failed to download file from storage") {
		t.Fatalf("expected string detail in error, got %v", err)
	}
}

func TestStartRunValidatesArguments(t *testing.T) {
	t.Parallel()

	c := &Client{BaseURL: "http://example.invalid", Token: "tok"}
	if _, err := c.StartRun(context.Background(), "", "demo"); err == nil {
		t.Fatalf("expected error for empty storage path")
	}
	if _, err := c.StartRun(context.Background(), "tasks/x.zip", " "); err == nil {
		t.Fatalf("expected error for empty task name")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
