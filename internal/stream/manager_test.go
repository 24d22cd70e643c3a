package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"tbwatch/internal/event"
	"tbwatch/internal/fanout"
)

// sseHandler streams the given frames and then blocks until the client
// goes away. Each frame is "event: <name>\ndata: <payload>\n\n".
type sseFrame struct {
	name    string
	payload string
}

func sseHandler(t *testing.T, frames <-chan sseFrame, conns *atomic.Int32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if conns != nil {
			conns.Add(1)
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case f, open := <-frames:
				if !open {
					return
				}
				if f.payload == "" {
					fmt.Fprintf(w, "event: %s\ndata: {}\n\n", f.name)
				} else {
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, f.payload)
				}
				fl.Flush()
			}
		}
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s, err=%v)", want, m.State(), m.Err())
}

func newTestManager(t *testing.T, reg *fanout.Registry) *Manager {
	t.Helper()
	m, err := NewManager(Options{Registry: reg, Token: "tok"})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestSSEDeliversDataFramesAndIgnoresHeartbeats(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame, 8)
	server := httptest.NewServer(sseHandler(t, frames, nil))
	defer server.Close()

	reg := fanout.New()
	delivered := make(chan event.Event, 8)
	reg.Subscribe(event.NewKey("t1", "r1"), func(ev event.Event) { delivered <- ev })

	m := newTestManager(t, reg)
	defer m.Close()
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	frames <- sseFrame{name: "ping"}
	frames <- sseFrame{name: "task-output", payload: `{"type":"output","content":"hello\n","taskId":"t1","runId":"r1","seq":1}`}

	select {
	case ev := <-delivered:
		out, ok := ev.(event.Output)
		if !ok {
			t.Fatalf("expected Output, got %T", ev)
		}
		if out.Chunk != "hello\n" {
			t.Fatalf("unexpected chunk %q", out.Chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event delivered")
	}

	select {
	case ev := <-delivered:
		t.Fatalf("heartbeat should not be routed, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedFrameIsDroppedAndConnectionStaysOpen(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame, 8)
	server := httptest.NewServer(sseHandler(t, frames, nil))
	defer server.Close()

	reg := fanout.New()
	delivered := make(chan event.Event, 8)
	reg.Subscribe(event.NewKey("t1", "r1"), func(ev event.Event) { delivered <- ev })

	m := newTestManager(t, reg)
	defer m.Close()
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	frames <- sseFrame{name: "task-output", payload: `{"broken`}
	// A valid frame after the bad one proves the reader survived.
	frames <- sseFrame{name: "task-output", payload: `{"type":"output","content":"ok","taskId":"t1","runId":"r1","seq":2}`}

	select {
	case ev := <-delivered:
		if ev.(event.Output).Chunk != "ok" {
			t.Fatalf("unexpected delivery %#v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connection did not survive the malformed frame")
	}
	if got := m.State(); got != StateOpen {
		t.Fatalf("state %s after malformed frame, want open", got)
	}
}

func TestTransportFailureSurfacesAsErrorState(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame)
	server := httptest.NewServer(sseHandler(t, frames, nil))

	m := newTestManager(t, fanout.New())
	defer m.Close()
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	close(frames)
	server.Close()
	waitForState(t, m, StateError)
	if m.Err() == nil {
		t.Fatalf("expected a retained transport error")
	}
}

func TestOpenIsIdempotentPerUser(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame, 1)
	var conns atomic.Int32
	server := httptest.NewServer(sseHandler(t, frames, &conns))
	defer server.Close()

	m := newTestManager(t, fanout.New())
	defer m.Close()
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Fatalf("expected 1 connection, server saw %d", got)
	}
}

func TestOpenForNewUserReplacesConnection(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame, 1)
	var conns atomic.Int32
	server := httptest.NewServer(sseHandler(t, frames, &conns))
	defer server.Close()

	m := newTestManager(t, fanout.New())
	defer m.Close()
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	if err := m.Open(context.Background(), "u2", server.URL); err != nil {
		t.Fatalf("Open for u2 failed: %v", err)
	}
	waitForState(t, m, StateOpen)
	if m.UserID() != "u2" {
		t.Fatalf("manager still owned by %s", m.UserID())
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conns.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("expected 2 connections total, server saw %d", got)
	}
}

func TestCloseForcesClosedState(t *testing.T) {
	t.Parallel()

	frames := make(chan sseFrame, 1)
	server := httptest.NewServer(sseHandler(t, frames, nil))
	defer server.Close()

	m := newTestManager(t, fanout.New())
	if err := m.Open(context.Background(), "u1", server.URL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	m.Close()
	waitForState(t, m, StateClosed)
}

func TestWebsocketTransportDeliversFrames(t *testing.T) {
	t.Parallel()

	payload := `{"type":"status","content":"Starting task: demo","taskId":"t1","runId":"r1","seq":1}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ping, _ := json.Marshal(wsFrame{Type: "ping"})
		if err := conn.Write(r.Context(), websocket.MessageText, ping); err != nil {
			return
		}
		data, _ := json.Marshal(wsFrame{Type: "task-output", Data: json.RawMessage(payload)})
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
		// Keep the connection up until the client leaves.
		<-r.Context().Done()
	}))
	defer server.Close()

	reg := fanout.New()
	delivered := make(chan event.Event, 4)
	reg.Subscribe(event.NewKey("t1", "r1"), func(ev event.Event) { delivered <- ev })

	m := newTestManager(t, reg)
	defer m.Close()
	wsURL := "ws" + server.URL[len("http"):]
	if err := m.Open(context.Background(), "u1", wsURL); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, m, StateOpen)

	select {
	case ev := <-delivered:
		st, ok := ev.(event.Status)
		if !ok {
			t.Fatalf("expected Status, got %T", ev)
		}
		if st.Text != "Starting task: demo" {
			t.Fatalf("unexpected status %q", st.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no websocket event delivered")
	}
}
