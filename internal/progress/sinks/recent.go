package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

const defaultRecentSize = 200

// RecentSink keeps the last N events in a ring buffer for the status API.
type RecentSink struct {
	mu   sync.RWMutex
	buf  []progress.Event
	next int
	full bool
}

// NewRecentSink allocates a ring holding up to size events.
func NewRecentSink(size int) *RecentSink {
	if size <= 0 {
		size = defaultRecentSize
	}
	return &RecentSink{buf: make([]progress.Event, size)}
}

// Consume appends batch, overwriting the oldest events when full.
func (s *RecentSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.buf[s.next] = evt
		s.next = (s.next + 1) % len(s.buf)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Snapshot returns up to limit events, newest last. limit <= 0 returns all.
func (s *RecentSink) Snapshot(limit int) []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ordered []progress.Event
	if s.full {
		ordered = append(ordered, s.buf[s.next:]...)
	}
	ordered = append(ordered, s.buf[:s.next]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Close implements progress.Sink.
func (s *RecentSink) Close(context.Context) error {
	return nil
}
