package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is an append-only fraud record consumed by the external
// enforcement collaborator.
type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MatchID   string    `json:"match_id"`
	Sequence  uint64    `json:"sequence"`
	Score     int       `json:"score"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAlert builds an alert for a scored move.
func NewAlert(userID, matchID string, sequence uint64, score int, severity Severity) Alert {
	return Alert{
		ID:        uuid.NewString(),
		UserID:    userID,
		MatchID:   matchID,
		Sequence:  sequence,
		Score:     score,
		Severity:  severity,
		CreatedAt: time.Now(),
	}
}

// Publisher delivers alerts to the enforcement collaborator.
type Publisher interface {
	Publish(ctx context.Context, alert Alert) error
}

// NopPublisher drops alerts. Used when no alert sink is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Alert) error { return nil }

// MemoryPublisher retains alerts in memory, for tests and simulation.
type MemoryPublisher struct {
	mu     sync.Mutex
	alerts []Alert
}

func (p *MemoryPublisher) Publish(_ context.Context, alert Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

// Alerts returns a copy of the published alerts in order.
func (p *MemoryPublisher) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Alert, len(p.alerts))
	copy(out, p.alerts)
	return out
}
