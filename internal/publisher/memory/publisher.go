// Package memory records harvest notifications in-process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded notification. Data holds the JSON payload as it
// would be sent on the wire.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Publisher keeps published notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload and records it under event.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Event: event, Data: data})
	return id, nil
}

// Messages returns the recorded notifications in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
