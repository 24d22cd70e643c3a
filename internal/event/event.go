// Package event defines the typed events carried on the per-user run
// stream and the run key used to route them.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Key identifies one execution instance as "taskID:runID". Immutable once
// assigned; routing matches on the exact key, never a prefix.
type Key string

func NewKey(taskID, runID string) Key {
	return Key(taskID + ":" + runID)
}

func (k Key) String() string {
	return string(k)
}

// Event is one parsed frame from the run stream. The wire carries a loose
// record with a type tag; each variant keeps only the fields that matter
// to it.
type Event interface {
	// Key is the run the event belongs to.
	Key() Key
	// Task is the task component of the key.
	Task() string
	// Run is the run component of the key.
	Run() string
	// Seq is the stream position hint. Informational only: delivery order
	// is arrival order, never seq order.
	Seq() int64
}

// Status is a human-readable progress note from the runner.
type Status struct {
	TaskID    string
	RunID     string
	Sequence  int64
	Timestamp float64
	Text      string
	IsError   bool
}

func (e Status) Key() Key     { return NewKey(e.TaskID, e.RunID) }
func (e Status) Task() string { return e.TaskID }
func (e Status) Run() string  { return e.RunID }
func (e Status) Seq() int64   { return e.Sequence }

// Output is one chunk of the run's terminal output.
type Output struct {
	TaskID    string
	RunID     string
	Sequence  int64
	Timestamp float64
	Chunk     string
}

func (e Output) Key() Key     { return NewKey(e.TaskID, e.RunID) }
func (e Output) Task() string { return e.TaskID }
func (e Output) Run() string  { return e.RunID }
func (e Output) Seq() int64   { return e.Sequence }

// Result is the final outcome carried by a Complete event.
type Result struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
}

func (r Result) Success() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "success")
}

// Complete marks the end of a run. Its result is authoritative over any
// prior status text.
type Complete struct {
	TaskID    string
	RunID     string
	Sequence  int64
	Timestamp float64
	Content   string
	Result    Result
}

func (e Complete) Key() Key     { return NewKey(e.TaskID, e.RunID) }
func (e Complete) Task() string { return e.TaskID }
func (e Complete) Run() string  { return e.RunID }
func (e Complete) Seq() int64   { return e.Sequence }

// Failure reports a run that died outside its own control (runner crash,
// infrastructure error).
type Failure struct {
	TaskID    string
	RunID     string
	Sequence  int64
	Timestamp float64
	Message   string
}

func (e Failure) Key() Key     { return NewKey(e.TaskID, e.RunID) }
func (e Failure) Task() string { return e.TaskID }
func (e Failure) Run() string  { return e.RunID }
func (e Failure) Seq() int64   { return e.Sequence }

// wire mirrors the backend's message shape.
type wire struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	TaskID    string  `json:"taskId"`
	RunID     string  `json:"runId"`
	Seq       int64   `json:"seq"`
	Timestamp float64 `json:"timestamp"`
	IsError   bool    `json:"isError"`
	Result    *Result `json:"result"`
}

var ErrUnroutable = errors.New("event has no taskId/runId")

// Decode parses one data-frame payload into its typed variant. Callers drop
// (and log) the frame on error; a bad payload never tears the stream down.
func Decode(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(w.TaskID) == "" || strings.TrimSpace(w.RunID) == "" {
		return nil, ErrUnroutable
	}
	switch strings.TrimSpace(w.Type) {
	case "status":
		return Status{
			TaskID:    w.TaskID,
			RunID:     w.RunID,
			Sequence:  w.Seq,
			Timestamp: w.Timestamp,
			Text:      w.Content,
			IsError:   w.IsError,
		}, nil
	case "output":
		return Output{
			TaskID:    w.TaskID,
			RunID:     w.RunID,
			Sequence:  w.Seq,
			Timestamp: w.Timestamp,
			Chunk:     w.Content,
		}, nil
	case "complete":
		if w.Result == nil {
			return nil, fmt.Errorf("complete event for %s:%s has no result", w.TaskID, w.RunID)
		}
		return Complete{
			TaskID:    w.TaskID,
			RunID:     w.RunID,
			Sequence:  w.Seq,
			Timestamp: w.Timestamp,
			Content:   w.Content,
			Result:    *w.Result,
		}, nil
	case "error":
		msg := strings.TrimSpace(w.Content)
		if msg == "" {
			msg = "run failed"
		}
		return Failure{
			TaskID:    w.TaskID,
			RunID:     w.RunID,
			Sequence:  w.Seq,
			Timestamp: w.Timestamp,
			Message:   msg,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", w.Type)
	}
}
