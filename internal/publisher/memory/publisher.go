// Package memory records archive notifications in memory for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []json.RawMessage
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the JSON encoding of payload and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.messages = append(p.messages, data)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded payloads.
func (p *Publisher) Messages() []json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]json.RawMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
