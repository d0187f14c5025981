package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventsKeyPrefix   = "strikeclash:journal:"
	seenKeyPrefix     = "strikeclash:journal:seen:"
	snapshotKeyPrefix = "strikeclash:snapshot:"
)

// Redis is a journal backed by a Redis list per match plus a snapshot
// key. Event IDs are tracked so a replayed append is a no-op.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Append RPUSHes the event onto the match's log.
func (r *Redis) Append(ctx context.Context, event Event) error {
	if event.ID != "" {
		// SETNX guards replayed appends; the marker outlives any
		// realistic crash-recovery window.
		ok, err := r.client.SetNX(ctx, seenKeyPrefix+event.ID, 1, 24*time.Hour).Result()
		if err != nil {
			return fmt.Errorf("failed to mark event seen: %w", err)
		}
		if !ok {
			return nil
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.RPush(ctx, eventsKeyPrefix+event.MatchID, payload).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the match's full log in append order.
func (r *Redis) Events(ctx context.Context, matchID string) ([]Event, error) {
	raw, err := r.client.LRange(ctx, eventsKeyPrefix+matchID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// SaveSnapshot overwrites the match's state snapshot.
func (r *Redis) SaveSnapshot(ctx context.Context, matchID string, snapshot []byte) error {
	if err := r.client.Set(ctx, snapshotKeyPrefix+matchID, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, nil if none exists.
func (r *Redis) LoadSnapshot(ctx context.Context, matchID string) ([]byte, error) {
	val, err := r.client.Get(ctx, snapshotKeyPrefix+matchID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return val, nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
