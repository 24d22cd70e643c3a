// Package viewer holds the per-tab run machinery: the terminal sink a run
// renders into and the controller that drives launch, subscribe, render
// and teardown for one run.
package viewer

import (
	"strings"
	"sync"
)

const (
	defaultMaxLines = 2000
	defaultMaxBytes = 1 << 20
)

// Sink is a bounded, append-only scrollback buffer. Chunks render in
// arrival order; when the line or byte budget is exceeded, the oldest
// chunks are evicted first. Each sink is owned by exactly one viewer.
type Sink struct {
	mu sync.Mutex

	chunks    []string
	lineCount int
	byteCount int

	maxLines int
	maxBytes int
}

func NewSink(maxLines, maxBytes int) *Sink {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Sink{maxLines: maxLines, maxBytes: maxBytes}
}

// Write appends chunk to the scrollback, evicting from the front until the
// buffer fits its budgets again.
func (s *Sink) Write(chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = append(s.chunks, chunk)
	s.lineCount += strings.Count(chunk, "\n")
	s.byteCount += len(chunk)

	for len(s.chunks) > 1 && (s.lineCount > s.maxLines || s.byteCount > s.maxBytes) {
		oldest := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.lineCount -= strings.Count(oldest, "\n")
		s.byteCount -= len(oldest)
	}
}

// Contents returns the buffered text in arrival order.
func (s *Sink) Contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

// Len reports the buffered byte count.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byteCount
}
