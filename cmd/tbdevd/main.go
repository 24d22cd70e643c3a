// tbdevd is a development stand-in for the task backend. It serves the
// launch and stream endpoints with events scripted from a YAML scenario
// file, so the watcher can be exercised without real task infrastructure.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tbwatch/internal/runlog"
)

func main() {
	fs := flag.NewFlagSet("tbdevd", flag.ExitOnError)
	addr := fs.String("addr", ":8787", "listen address")
	token := fs.String("token", "", "bearer token required on /run-task-from-storage (empty disables auth)")
	scenarioPath := fs.String("scenario", "scenario.yaml", "path to the scenario file")
	heartbeat := fs.Duration("heartbeat", 15*time.Second, "stream heartbeat interval")
	fs.Parse(os.Args[1:])

	log := runlog.New(runlog.Options{
		Term:        os.Stderr,
		TermEnabled: true,
		TermColor:   runlog.TermColorEnabled(os.Stderr),
	})

	scenario, err := loadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	srv := &server{
		token:     *token,
		scenario:  scenario,
		heartbeat: *heartbeat,
		log:       log,
		queues:    make(map[string][]chan frame),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.HandleFunc("/run-task-from-storage", srv.handleRun)

	log.Logf(runlog.KindInfo, "tbdevd listening on %s (scenario %s)", *addr, *scenarioPath)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Scenario scripts the events one launched run emits. Delays are applied
// before each step.
type Scenario struct {
	Steps []Step `yaml:"steps"`
}

type Step struct {
	DelayMS  int    `yaml:"delay_ms"`
	Type     string `yaml:"type"`
	Content  string `yaml:"content"`
	IsError  bool   `yaml:"is_error"`
	Status   string `yaml:"status"`
	ExitCode int    `yaml:"exit_code"`
}

func loadScenario(path string) (Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultScenario(), nil
		}
		return Scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Steps) == 0 {
		return Scenario{}, fmt.Errorf("scenario %s has no steps", path)
	}
	return sc, nil
}

func defaultScenario() Scenario {
	return Scenario{Steps: []Step{
		{Type: "status", Content: "Task started"},
		{DelayMS: 200, Type: "output", Content: "hello\n"},
		{DelayMS: 200, Type: "output", Content: "world\n"},
		{DelayMS: 100, Type: "status", Content: "Task completed successfully"},
		{Type: "complete", Content: "done", Status: "success"},
	}}
}

type frame struct {
	event string
	data  []byte
}

type server struct {
	token     string
	scenario  Scenario
	heartbeat time.Duration
	log       *runlog.Logger

	mu     sync.Mutex
	queues map[string][]chan frame
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *server) subscribe(userID string) chan frame {
	ch := make(chan frame, 256)
	s.mu.Lock()
	s.queues[userID] = append(s.queues[userID], ch)
	s.mu.Unlock()
	return ch
}

func (s *server) unsubscribe(userID string, ch chan frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.queues[userID]
	for i, sub := range subs {
		if sub == ch {
			s.queues[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (s *server) publish(userID string, f frame) {
	s.mu.Lock()
	subs := append([]chan frame(nil), s.queues[userID]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- f:
		default:
			// Slow consumer; drop rather than block the run.
		}
	}
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, `{"detail":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.subscribe(userID)
	defer s.unsubscribe(userID, ch)
	s.log.Logf(runlog.KindStream, "stream open user=%s", userID)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Logf(runlog.KindStream, "stream closed user=%s", userID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case f := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			flusher.Flush()
		}
	}
}

type runRequest struct {
	StoragePath string `json:"storage_path"`
	TaskName    string `json:"task_name"`
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"detail":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			http.Error(w, `{"detail":"invalid token"}`, http.StatusUnauthorized)
			return
		}
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.StoragePath) == "" || strings.TrimSpace(req.TaskName) == "" {
		http.Error(w, `{"detail":"storage_path and task_name are required"}`, http.StatusBadRequest)
		return
	}

	// The real backend resolves user identity from the token; here every
	// launch streams to the user_id the client watches with.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "dev"
	}

	taskID := uuid.NewString()
	runID := uuid.NewString()
	s.log.Logf(runlog.KindLaunch, "launch %s task=%s run=%s", req.TaskName, taskID, runID)

	go s.playScenario(userID, taskID, runID)

	// Like the real backend, the response names only the task; the run id
	// travels on the events.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "started",
		"task_id":    taskID,
		"user_id":    userID,
		"stream_url": "/stream?user_id=" + userID,
	})
}

type wireEvent struct {
	Type      string      `json:"type"`
	Content   string      `json:"content"`
	TaskID    string      `json:"taskId"`
	RunID     string      `json:"runId"`
	Seq       int64       `json:"seq"`
	Timestamp float64     `json:"timestamp"`
	IsError   bool        `json:"isError,omitempty"`
	Result    *wireResult `json:"result,omitempty"`
}

type wireResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
}

func (s *server) playScenario(userID, taskID, runID string) {
	var seq int64
	for _, step := range s.scenario.Steps {
		if step.DelayMS > 0 {
			time.Sleep(time.Duration(step.DelayMS) * time.Millisecond)
		}
		seq++
		ev := wireEvent{
			Type:      step.Type,
			Content:   step.Content,
			TaskID:    taskID,
			RunID:     runID,
			Seq:       seq,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
			IsError:   step.IsError,
		}
		if step.Type == "complete" {
			status := step.Status
			if status == "" {
				status = "success"
			}
			ev.Result = &wireResult{Status: status, ExitCode: step.ExitCode}
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Logf(runlog.KindError, "marshal scenario event: %v", err)
			continue
		}
		s.publish(userID, frame{event: "task-output", data: data})
	}
}
