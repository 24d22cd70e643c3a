package viewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tbwatch/internal/event"
	"tbwatch/internal/fanout"
	"tbwatch/internal/launch"
)

// RunState is the per-tab state machine value.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateStarting  RunState = "starting"
	StateStreaming RunState = "streaming"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// RunRecord describes the run a controller owns. Mutated only by that
// controller, never shared across controllers.
type RunRecord struct {
	TaskID    string
	RunID     string
	Status    RunState
	StartedAt time.Time
}

func (r RunRecord) Key() event.Key {
	return event.NewKey(r.TaskID, r.RunID)
}

// Launcher is the slice of the launch client a controller needs.
type Launcher interface {
	StartRun(ctx context.Context, storagePath, taskName string) (*launch.StartResult, error)
}

// Controller orchestrates one run: launch (or attach), subscribe, feed the
// sink, and tear down. One instance per visible tab.
type Controller struct {
	launcher Launcher
	registry *fanout.Registry
	sink     *Sink

	// notify, when set, is poked after every handled event so a host UI can
	// redraw. Must not block.
	notify func()

	mu         sync.Mutex
	state      RunState
	statusLine string
	record     RunRecord
	unsub      func()
	closed     bool
}

func NewController(launcher Launcher, registry *fanout.Registry, sink *Sink, notify func()) *Controller {
	if sink == nil {
		sink = NewSink(0, 0)
	}
	return &Controller{
		launcher: launcher,
		registry: registry,
		sink:     sink,
		notify:   notify,
		state:    StateIdle,
	}
}

func (c *Controller) Sink() *Sink { return c.sink }

// Snapshot returns the current state, status line and run record.
func (c *Controller) Snapshot() (RunState, string, RunRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.statusLine, c.record
}

// Start launches the run and subscribes on success. It blocks on the
// launch request, so hosts call it off their render path. Single-flight is
// enforced here: a controller that has left idle refuses another Start.
func (c *Controller) Start(ctx context.Context, storagePath, taskName string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is torn down")
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("run already %s", state)
	}
	c.state = StateStarting
	c.statusLine = "starting " + taskName
	c.mu.Unlock()
	c.poke()

	res, err := c.launcher.StartRun(ctx, storagePath, taskName)

	c.mu.Lock()
	if c.closed {
		// Torn down while the request was in flight; the resolution is
		// ignored rather than mutating a dead tab.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.state = StateFailed
		c.statusLine = err.Error()
		c.mu.Unlock()
		c.poke()
		return err
	}
	c.record = RunRecord{
		TaskID:    res.TaskID,
		RunID:     res.RunID,
		Status:    StateStreaming,
		StartedAt: time.Now().UTC(),
	}
	c.state = StateStreaming
	if res.RunIDProvisional {
		// The response named no run id; the runner stamps the real one on
		// every event. Watch the whole task until the first event confirms
		// the key, then move to an exact subscription.
		c.statusLine = "streaming (awaiting run id)"
		c.unsub = c.registry.SubscribeTask(res.TaskID, c.confirmRun)
	} else {
		c.statusLine = "streaming"
		c.unsub = c.registry.Subscribe(res.Key(), c.handleEvent)
	}
	c.mu.Unlock()
	c.poke()
	return nil
}

// confirmRun receives task-scoped events while the run id is unconfirmed.
// The first event fixes the record's run component and replaces the task
// watcher with the exact-key subscription, then is handled normally. The
// backend refuses a second concurrent run of the same task, so the first
// event for the task belongs to this launch.
func (c *Controller) confirmRun(ev event.Event) {
	c.mu.Lock()
	if c.closed || c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.record.RunID = ev.Run()
	c.statusLine = "streaming"
	if c.unsub != nil {
		unsub := c.unsub
		c.unsub = nil
		unsub()
	}
	c.unsub = c.registry.Subscribe(ev.Key(), c.handleEvent)
	c.mu.Unlock()

	// The exact subscription was created during this dispatch and sees
	// only later events, so the confirming event is handled here.
	c.handleEvent(ev)
}

// Attach binds the controller to a run that is already executing,
// discovered through a run-state lookup. Goes straight to streaming. An
// empty runID, or one that merely mirrors the task id, may be a
// provisional record from a launch response without run_id; those watch
// the task and confirm the key from the first event, converging on the
// exact subscription either way.
func (c *Controller) Attach(taskID, runID string) error {
	taskID = strings.TrimSpace(taskID)
	runID = strings.TrimSpace(runID)
	if taskID == "" {
		return errors.New("attach requires a task id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is torn down")
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("run already %s", state)
	}
	c.record = RunRecord{
		TaskID:    taskID,
		RunID:     runID,
		Status:    StateStreaming,
		StartedAt: time.Now().UTC(),
	}
	c.state = StateStreaming
	c.statusLine = "attached"
	if runID == "" || runID == taskID {
		c.record.RunID = taskID
		c.unsub = c.registry.SubscribeTask(taskID, c.confirmRun)
	} else {
		c.unsub = c.registry.Subscribe(event.NewKey(taskID, runID), c.handleEvent)
	}
	c.mu.Unlock()
	c.poke()
	return nil
}

// Close tears the tab down. The unsubscribe capability fires exactly once;
// nothing reaches the sink afterwards regardless of what still arrives on
// the shared connection.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (c *Controller) handleEvent(ev event.Event) {
	c.mu.Lock()
	if c.closed || c.state != StateStreaming {
		c.mu.Unlock()
		return
	}

	switch ev := ev.(type) {
	case event.Output:
		// Written under the controller lock so a concurrent Close cannot
		// interleave a late write after teardown.
		c.sink.Write(ev.Chunk)
		c.mu.Unlock()
	case event.Status:
		c.statusLine = strings.TrimSpace(ev.Text)
		if final, ok := statusOutcome(ev); ok {
			c.finishLocked(final)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	case event.Complete:
		// Authoritative over any prior status text.
		if ev.Result.Success() {
			c.statusLine = fmt.Sprintf("completed (exit %d)", ev.Result.ExitCode)
			c.finishLocked(StateCompleted)
		} else {
			c.statusLine = fmt.Sprintf("failed (exit %d)", ev.Result.ExitCode)
			c.finishLocked(StateFailed)
		}
		c.mu.Unlock()
	case event.Failure:
		c.statusLine = ev.Message
		c.finishLocked(StateFailed)
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
	c.poke()
}

// finishLocked moves to a terminal state and drops the subscription. The
// registry tolerates a sink unsubscribing from inside its own dispatch, so
// the capability can fire synchronously here.
func (c *Controller) finishLocked(final RunState) {
	c.state = final
	c.record.Status = final
	if c.unsub != nil {
		unsub := c.unsub
		c.unsub = nil
		unsub()
	}
}

func (c *Controller) poke() {
	if c.notify != nil {
		c.notify()
	}
}

// statusOutcome inspects a status event's text for the runner's terminal
// phrases ("Task completed successfully", "Task failed with exit code N").
func statusOutcome(ev event.Status) (RunState, bool) {
	text := strings.ToLower(ev.Text)
	switch {
	case strings.Contains(text, "completed successfully"):
		return StateCompleted, true
	case ev.IsError, strings.Contains(text, "failed with exit code"):
		return StateFailed, true
	default:
		return "", false
	}
}
