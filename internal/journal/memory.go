// Package journal keeps the history of recording events.
package journal

import (
	"context"
	"sync"

	"streamvault/internal/domain"
)

// DefaultCapacity bounds the in-memory journal.
const DefaultCapacity = 1000

// Memory is a bounded in-memory journal used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	events   []domain.Event
	capacity int
}

// NewMemory creates an in-memory journal keeping at most capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity}
}

// Record appends ev, dropping the oldest event once full.
func (m *Memory) Record(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) >= m.capacity {
		copy(m.events, m.events[1:])
		m.events = m.events[:len(m.events)-1]
	}
	m.events = append(m.events, ev)
	return nil
}

// List returns up to limit events for streamID, newest first.
func (m *Memory) List(_ context.Context, streamID string, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.Event{}
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if streamID != "" && ev.StreamID != streamID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ domain.Journal = (*Memory)(nil)
