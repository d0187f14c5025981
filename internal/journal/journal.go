// Package journal is the durable persistence boundary: an append-only
// per-match event log plus a snapshot of current state. State-changing
// operations append before they are acknowledged, and replay after a
// crash is idempotent because every event carries a unique ID.
package journal

import (
	"context"
	"sync"
	"time"
)

// Event is one durable record in a match's log.
type Event struct {
	ID      string    `json:"id"`
	MatchID string    `json:"match_id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Data    []byte    `json:"data,omitempty"`
}

// Journal is the storage contract. Append must be durable (at least
// once) before the caller acknowledges anything to a client.
type Journal interface {
	Append(ctx context.Context, event Event) error
	Events(ctx context.Context, matchID string) ([]Event, error)
	SaveSnapshot(ctx context.Context, matchID string, snapshot []byte) error
	LoadSnapshot(ctx context.Context, matchID string) ([]byte, error)
}

// Memory is an in-process journal for tests and simulation.
type Memory struct {
	mu        sync.Mutex
	events    map[string][]Event
	seen      map[string]bool
	snapshots map[string][]byte
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string][]Event),
		seen:      make(map[string]bool),
		snapshots: make(map[string][]byte),
	}
}

// Append records the event. Re-appending an event ID already seen is a
// no-op, which makes crash-recovery replay safe.
func (m *Memory) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID != "" && m.seen[event.ID] {
		return nil
	}
	m.seen[event.ID] = true
	m.events[event.MatchID] = append(m.events[event.MatchID], event)
	return nil
}

// Events returns a copy of the match's log in append order.
func (m *Memory) Events(_ context.Context, matchID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[matchID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

// SaveSnapshot stores the latest state snapshot for the match.
func (m *Memory) SaveSnapshot(_ context.Context, matchID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(snapshot))
	copy(buf, snapshot)
	m.snapshots[matchID] = buf
	return nil
}

// LoadSnapshot returns the stored snapshot, nil if none exists.
func (m *Memory) LoadSnapshot(_ context.Context, matchID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[matchID], nil
}
