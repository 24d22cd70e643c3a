// Package fanout delivers stream events to the viewers watching each run.
package fanout

import (
	"sync"
	"sync/atomic"

	"tbwatch/internal/event"
)

// Sink receives every event dispatched for the key it was subscribed under.
type Sink func(ev event.Event)

type subscriber struct {
	sink   Sink
	closed atomic.Bool
}

// Registry is an exact-key publish/subscribe map from run keys to sinks.
// Events for a key reach only the sinks registered under precisely that
// key; events with no subscribers are dropped, never buffered.
//
// Alongside the run-key sinks, the registry carries task watchers: sinks
// that receive every event for a task regardless of run. Launch responses
// can omit the run id, so the viewer watches the task until the first
// event names the real run, then moves to an exact-key subscription.
type Registry struct {
	mu       sync.Mutex
	subs     map[event.Key][]*subscriber
	taskSubs map[string][]*subscriber
}

func New() *Registry {
	return &Registry{
		subs:     make(map[event.Key][]*subscriber),
		taskSubs: make(map[string][]*subscriber),
	}
}

// Subscribe registers sink under key and returns the capability that
// removes exactly that sink. Calling the returned function more than once
// is a no-op.
func (r *Registry) Subscribe(key event.Key, sink Sink) (unsubscribe func()) {
	sub := &subscriber{sink: sink}

	r.mu.Lock()
	r.subs[key] = append(r.subs[key], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)
			r.remove(key, sub)
		})
	}
}

// SubscribeTask registers sink for every event whose task component is
// taskID, whatever run it belongs to. Same capability contract as
// Subscribe: the returned function removes exactly this sink and is a
// no-op after the first call.
func (r *Registry) SubscribeTask(taskID string, sink Sink) (unsubscribe func()) {
	sub := &subscriber{sink: sink}

	r.mu.Lock()
	r.taskSubs[taskID] = append(r.taskSubs[taskID], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)
			r.removeTask(taskID, sub)
		})
	}
}

func (r *Registry) remove(key event.Key, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[key]
	for i, s := range subs {
		if s == sub {
			r.subs[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[key]) == 0 {
		delete(r.subs, key)
	}
}

func (r *Registry) removeTask(taskID string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.taskSubs[taskID]
	for i, s := range subs {
		if s == sub {
			r.taskSubs[taskID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.taskSubs[taskID]) == 0 {
		delete(r.taskSubs, taskID)
	}
}

// Dispatch invokes the sinks registered for ev's key in registration
// order, then any watchers of ev's task. Iteration runs over snapshots, so
// a sink unsubscribing itself inside its own invocation neither corrupts
// the walk nor skips its siblings. Sinks already unsubscribed receive
// nothing; a subscription made during dispatch sees only later events.
func (r *Registry) Dispatch(ev event.Event) {
	key := ev.Key()

	r.mu.Lock()
	snapshot := append([]*subscriber(nil), r.subs[key]...)
	watchers := append([]*subscriber(nil), r.taskSubs[ev.Task()]...)
	r.mu.Unlock()

	for _, sub := range snapshot {
		if sub.closed.Load() {
			continue
		}
		sub.sink(ev)
	}
	for _, sub := range watchers {
		if sub.closed.Load() {
			continue
		}
		sub.sink(ev)
	}
}

// Subscribers reports how many sinks are registered under key.
func (r *Registry) Subscribers(key event.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}
