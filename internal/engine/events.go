package engine

import (
	"sync"
	"time"

	"strikeclash/internal/fraud"
)

// EventType identifies an engine event.
type EventType string

const (
	EventTypeMatchCreated   EventType = "match_created"
	EventTypePlayerJoined   EventType = "player_joined"
	EventTypeMatchStarted   EventType = "match_started"
	EventTypeMovePlayed     EventType = "move_played"
	EventTypeTurnTimeout    EventType = "turn_timeout"
	EventTypeMatchFinished  EventType = "match_finished"
	EventTypeMatchForfeited EventType = "match_forfeited"
	EventTypeMatchCancelled EventType = "match_cancelled"
	EventTypeFraudAlerted   EventType = "fraud_alerted"
	EventTypeSettled        EventType = "settlement_completed"
)

func (et EventType) String() string { return string(et) }

// Event is anything the engine can announce to subscribers.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
}

// MatchCreatedEvent announces a new match accepting participants.
type MatchCreatedEvent struct {
	MatchID   string
	Mode      string
	Stake     int64
	timestamp time.Time
}

func (e MatchCreatedEvent) EventType() EventType { return EventTypeMatchCreated }
func (e MatchCreatedEvent) Timestamp() time.Time { return e.timestamp }

// PlayerJoinedEvent announces an admitted participant whose stake is
// escrowed.
type PlayerJoinedEvent struct {
	MatchID   string
	UserID    string
	Role      Role
	Locked    int64
	timestamp time.Time
}

func (e PlayerJoinedEvent) EventType() EventType { return EventTypePlayerJoined }
func (e PlayerJoinedEvent) Timestamp() time.Time { return e.timestamp }

// MatchStartedEvent announces the transition to running.
type MatchStartedEvent struct {
	MatchID      string
	Participants []string
	PrizePool    int64
	FirstTurn    string
	timestamp    time.Time
}

func (e MatchStartedEvent) EventType() EventType { return EventTypeMatchStarted }
func (e MatchStartedEvent) Timestamp() time.Time { return e.timestamp }

// MovePlayedEvent announces an applied move.
type MovePlayedEvent struct {
	MatchID    string
	UserID     string
	Sequence   int64
	Result     MoveResult
	Points     int
	FraudScore int
	NextTurn   string
	timestamp  time.Time
}

func (e MovePlayedEvent) EventType() EventType { return EventTypeMovePlayed }
func (e MovePlayedEvent) Timestamp() time.Time { return e.timestamp }

// TurnTimeoutEvent announces an expired turn applied as a synthetic
// timeout move.
type TurnTimeoutEvent struct {
	MatchID   string
	UserID    string
	Sequence  int64
	Count     int // consecutive timeouts for this participant
	timestamp time.Time
}

func (e TurnTimeoutEvent) EventType() EventType { return EventTypeTurnTimeout }
func (e TurnTimeoutEvent) Timestamp() time.Time { return e.timestamp }

// MatchFinishedEvent announces a decided match.
type MatchFinishedEvent struct {
	MatchID    string
	WinnerID   string
	WinningSeq int64
	timestamp  time.Time
}

func (e MatchFinishedEvent) EventType() EventType { return EventTypeMatchFinished }
func (e MatchFinishedEvent) Timestamp() time.Time { return e.timestamp }

// MatchForfeitedEvent announces a forfeit and the resulting winner.
type MatchForfeitedEvent struct {
	MatchID     string
	ForfeitedID string
	WinnerID    string
	Reason      string
	timestamp   time.Time
}

func (e MatchForfeitedEvent) EventType() EventType { return EventTypeMatchForfeited }
func (e MatchForfeitedEvent) Timestamp() time.Time { return e.timestamp }

// MatchCancelledEvent announces a cancelled match. NeedsReview marks
// aborts whose refund policy requires operator resolution.
type MatchCancelledEvent struct {
	MatchID     string
	Reason      string
	NeedsReview bool
	timestamp   time.Time
}

func (e MatchCancelledEvent) EventType() EventType { return EventTypeMatchCancelled }
func (e MatchCancelledEvent) Timestamp() time.Time { return e.timestamp }

// FraudAlertedEvent carries a produced fraud alert.
type FraudAlertedEvent struct {
	Alert     fraud.Alert
	timestamp time.Time
}

func (e FraudAlertedEvent) EventType() EventType { return EventTypeFraudAlerted }
func (e FraudAlertedEvent) Timestamp() time.Time { return e.timestamp }

// SettlementCompletedEvent announces that a match's funds have been
// durably disbursed.
type SettlementCompletedEvent struct {
	MatchID   string
	WinnerID  string
	Payout    int64
	Cancelled bool
	timestamp time.Time
}

func (e SettlementCompletedEvent) EventType() EventType { return EventTypeSettled }
func (e SettlementCompletedEvent) Timestamp() time.Time { return e.timestamp }

// Subscriber receives engine events.
type Subscriber interface {
	OnEvent(Event)
}

// Bus fans events out to subscribers. Publishing never blocks match
// processing on a subscriber's work beyond the callback itself.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for all events.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish delivers the event to every subscriber in order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.OnEvent(event)
	}
}
