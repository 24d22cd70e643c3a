// Package stream owns the single inbound event connection per user and
// feeds parsed events to the fan-out registry.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"tbwatch/internal/event"
	"tbwatch/internal/fanout"
	"tbwatch/internal/runlog"
)

// State is the connection lifecycle value exposed to viewers. A transport
// failure parks the manager in StateError; recovery is the caller's
// decision, the manager never retries on its own.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Frame kind names on the wire. Heartbeats confirm liveness and are never
// routed to subscribers.
const (
	frameHeartbeat = "ping"
	frameData      = "task-output"
)

type Options struct {
	Registry *fanout.Registry

	// Token is attached as a bearer credential when non-empty.
	Token string

	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	MaxFrameBytes    int64

	Log *runlog.Logger

	// OnState observes every state transition. Called outside the manager
	// lock; implementations must be cheap or hand off.
	OnState func(State)
}

// Manager maintains exactly one live event connection for one user
// identity. Opening for a different user tears the previous connection
// down first; opening again for the same user while connected is a no-op.
type Manager struct {
	registry         *fanout.Registry
	token            string
	httpClient       *http.Client
	handshakeTimeout time.Duration
	maxFrameBytes    int64
	log              *runlog.Logger
	onState          func(State)

	mu      sync.Mutex
	userID  string
	state   State
	lastErr error
	cancel  context.CancelFunc
	gen     int
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("stream manager requires a registry")
	}
	hs := opts.HandshakeTimeout
	if hs <= 0 {
		hs = 15 * time.Second
	}
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 4 << 20
	}
	client := opts.HTTPClient
	if client == nil {
		// The stream request is long-lived; the shared default client has no
		// global timeout and is safe here.
		client = http.DefaultClient
	}
	return &Manager{
		registry:         opts.Registry,
		token:            strings.TrimSpace(opts.Token),
		httpClient:       client,
		handshakeTimeout: hs,
		maxFrameBytes:    maxFrame,
		log:              opts.Log,
		onState:          opts.OnState,
		state:            StateClosed,
	}, nil
}

// Open (re)establishes the event channel for userID at streamURL. A ws://
// or wss:// URL selects the websocket transport; anything else is treated
// as an SSE endpoint. Idempotent per user: while a connection for the same
// user is connecting or open, Open returns immediately.
func (m *Manager) Open(ctx context.Context, userID, streamURL string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id is required")
	}
	streamURL = strings.TrimSpace(streamURL)
	if streamURL == "" {
		return errors.New("stream url is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.userID == userID && (m.state == StateConnecting || m.state == StateOpen) {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	gen := m.gen
	m.userID = userID
	m.lastErr = nil
	connCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(gen, StateConnecting, nil)
	m.log.Logf(runlog.KindStream, "connecting user=%s url=%s", userID, streamURL)

	go m.run(connCtx, gen, streamURL)
	return nil
}

func (m *Manager) run(ctx context.Context, gen int, streamURL string) {
	var err error
	lower := strings.ToLower(streamURL)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		err = m.runWebsocket(ctx, gen, streamURL)
	} else {
		err = m.runSSE(ctx, gen, streamURL)
	}

	if ctx.Err() != nil {
		m.setState(gen, StateClosed, nil)
		return
	}
	if err == nil {
		err = errors.New("stream ended")
	}
	m.log.Logf(runlog.KindStream, "disconnected: %v", err)
	m.setState(gen, StateError, err)
}

// Close tears the connection down and forces the closed state.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.setState(gen, StateClosed, nil)
}

// SetOnState replaces the state observer. Hosts that construct the
// manager before their UI exists wire the observer in here.
func (m *Manager) SetOnState(cb func(State)) {
	m.mu.Lock()
	m.onState = cb
	m.mu.Unlock()
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err reports the transport error behind a StateError, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// UserID reports the identity the current connection belongs to.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// setState applies a transition if gen still names the live connection.
// Stale goroutines from a torn-down connection fall through silently.
func (m *Manager) setState(gen int, s State, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = s
	if err != nil {
		m.lastErr = err
	}
	cb := m.onState
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// handleFrame routes one named frame. Heartbeats confirm liveness only;
// data frames are decoded and dispatched; anything malformed is logged and
// dropped without touching the connection.
func (m *Manager) handleFrame(name string, payload []byte) {
	switch name {
	case frameHeartbeat:
		return
	case frameData:
		ev, err := event.Decode(payload)
		if err != nil {
			m.log.Logf(runlog.KindWarn, "discarding malformed frame: %v payload=%s", err, runlog.Preview(string(payload), 160))
			return
		}
		m.registry.Dispatch(ev)
	default:
		m.log.Logf(runlog.KindDebug, "ignoring frame kind %q", name)
	}
}
