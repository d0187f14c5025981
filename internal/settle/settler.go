// Package settle pays out finished matches exactly once.
//
// Settlement is the sole authority over wallet balances once a match has
// a definitive outcome. Every sub-operation (payout credit, lock
// release) is idempotent, so a failed settlement is retried as a whole
// unit until it durably completes; a partial settlement is never
// observable.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"strikeclash/internal/journal"
	"strikeclash/internal/wallet"
)

var (
	// ErrMissingWinner means a non-cancellation settlement arrived with
	// no winner. Must never occur under correct operation; the match is
	// left for operator review.
	ErrMissingWinner = errors.New("settlement requires a winner")
	// ErrConflict means a second settlement for the same match named a
	// different outcome. Refused rather than retried.
	ErrConflict = errors.New("conflicting settlement for match")
)

// Job is everything settlement needs to know about a decided match.
type Job struct {
	MatchID      string
	WinnerID     string // empty only when Cancelled
	Payout       int64
	Participants []string
	Cancelled    bool // release locks only, no payout

	// Confiscate is the operator-resolved no-refund outcome of an
	// aborted match: stakes are released and then debited to the
	// platform instead of being returned.
	Confiscate bool
	Stake      int64 // per-participant stake, used only for confiscation
}

func (j Job) fingerprint() string {
	switch {
	case j.Confiscate:
		return "confiscated"
	case j.Cancelled:
		return "cancelled"
	default:
		return "winner:" + j.WinnerID
	}
}

// Settler executes settlement jobs with exactly-once effective
// semantics: at most one payout per match, retried until complete.
type Settler struct {
	ledger  *wallet.Ledger
	journal journal.Journal
	clock   quartz.Clock
	logger  *log.Logger

	retryInterval time.Duration

	mu     sync.Mutex
	done   map[string]string // matchID -> outcome fingerprint
	onDone func(Job)
	closed bool
}

// New creates a settler. A zero retryInterval defaults to two seconds.
func New(ledger *wallet.Ledger, jnl journal.Journal, clock quartz.Clock, logger *log.Logger, retryInterval time.Duration) *Settler {
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}
	return &Settler{
		ledger:        ledger,
		journal:       jnl,
		clock:         clock,
		logger:        logger.WithPrefix("settle"),
		retryInterval: retryInterval,
		done:          make(map[string]string),
	}
}

// OnComplete registers a callback invoked once per match after its
// settlement has durably completed. Must be set before any jobs run.
func (s *Settler) OnComplete(fn func(Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDone = fn
}

// Settle runs the job to completion. Safe to call repeatedly and
// concurrently: only the first invocation for a match has any effect.
func (s *Settler) Settle(ctx context.Context, job Job) error {
	if !job.Cancelled && !job.Confiscate && job.WinnerID == "" {
		return ErrMissingWinner
	}

	// The done map is the settled flag: checking and claiming it under
	// one lock is what makes concurrent and repeated invocations no-ops.
	s.mu.Lock()
	if prev, ok := s.done[job.MatchID]; ok {
		s.mu.Unlock()
		if prev != job.fingerprint() {
			return fmt.Errorf("%w %s: %s vs %s", ErrConflict, job.MatchID, prev, job.fingerprint())
		}
		return nil
	}
	s.done[job.MatchID] = job.fingerprint()
	s.mu.Unlock()

	if err := s.execute(ctx, job); err != nil {
		// Release the claim so a retry can run the job again. The wallet
		// operations already applied are idempotent, so re-running cannot
		// double-pay.
		s.mu.Lock()
		delete(s.done, job.MatchID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	fn := s.onDone
	s.mu.Unlock()
	if fn != nil {
		fn(job)
	}
	return nil
}

func (s *Settler) execute(ctx context.Context, job Job) error {
	if !job.Cancelled && !job.Confiscate && job.Payout > 0 {
		ref := "settlement:" + job.MatchID
		if err := s.ledger.Credit(job.WinnerID, job.Payout, "match_payout", ref); err != nil {
			return fmt.Errorf("failed to credit winner %s: %w", job.WinnerID, err)
		}
	}

	// Winner and losers alike get their original stake lock back; the
	// payout above is a separate credit.
	for _, userID := range job.Participants {
		if err := s.ledger.Release(userID, job.MatchID); err != nil {
			return fmt.Errorf("failed to release lock for %s: %w", userID, err)
		}
		if job.Confiscate {
			ref := "confiscation:" + job.MatchID + ":" + userID
			if err := s.ledger.Debit(userID, job.Stake, "abort_confiscation", ref); err != nil {
				return fmt.Errorf("failed to confiscate stake from %s: %w", userID, err)
			}
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode settlement: %w", err)
	}
	if err := s.journal.Append(ctx, journal.Event{
		ID:      uuid.NewString(),
		MatchID: job.MatchID,
		Type:    "settlement_completed",
		At:      time.Now(),
		Data:    data,
	}); err != nil {
		return fmt.Errorf("failed to journal settlement: %w", err)
	}

	s.logger.Info("Match settled",
		"match", job.MatchID,
		"winner", job.WinnerID,
		"payout", job.Payout,
		"cancelled", job.Cancelled)
	return nil
}

// Enqueue attempts the job now and schedules retries until it completes.
// Non-retryable refusals (missing winner, conflicting outcome) are
// logged and surfaced for operator review instead of being retried.
func (s *Settler) Enqueue(job Job) {
	s.attempt(job, 1)
}

func (s *Settler) attempt(job Job, attempt int) {
	err := s.Settle(context.Background(), job)
	if err == nil {
		return
	}
	if errors.Is(err, ErrMissingWinner) || errors.Is(err, ErrConflict) {
		s.logger.Error("Settlement refused, match needs operator review",
			"match", job.MatchID, "error", err)
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.logger.Error("Settler closed with settlement incomplete", "match", job.MatchID, "error", err)
		return
	}

	s.logger.Warn("Settlement failed, scheduling retry",
		"match", job.MatchID, "attempt", attempt, "error", err)
	s.clock.AfterFunc(s.retryInterval, func() {
		s.attempt(job, attempt+1)
	})
}

// Settled reports whether the match has completed settlement.
func (s *Settler) Settled(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[matchID]
	return ok
}

// Close stops scheduling further retries.
func (s *Settler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
