// Package engine runs competitive coin-strike matches.
//
// Each match is owned by a single goroutine that applies joins, moves,
// timer expiries and forfeits in one total order. The engine is the
// registry in front of those runners: it creates matches, routes calls
// to the owning runner, and wires in the wallet ledger, journal, fraud
// scorer and settler.
package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"strikeclash/internal/fraud"
	"strikeclash/internal/journal"
	"strikeclash/internal/matchid"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source. Tests use a mock clock.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithResolver replaces the strike physics collaborator.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithFraudConfig replaces the scoring thresholds.
func WithFraudConfig(cfg fraud.Config) Option {
	return func(e *Engine) { e.fraudCfg = cfg }
}

// WithAlertPublisher sets where fraud alerts are delivered.
func WithAlertPublisher(p fraud.Publisher) Option {
	return func(e *Engine) { e.alerts = p }
}

// WithModes replaces the rule sets matches can be created under.
func WithModes(modes map[string]Rules) Option {
	return func(e *Engine) { e.modes = modes }
}

// WithBehaviorSignal sets the external behavioral-consistency
// collaborator consulted during fraud scoring.
func WithBehaviorSignal(fn func(userID string) int) Option {
	return func(e *Engine) { e.signal = fn }
}

// Engine is the match registry and the single entry point for all
// match operations.
type Engine struct {
	ledger   *wallet.Ledger
	journal  journal.Journal
	settler  *settle.Settler
	alerts   fraud.Publisher
	fraudCfg fraud.Config
	signal   func(userID string) int
	pipeline *Pipeline
	resolver Resolver
	modes    map[string]Rules
	clock    quartz.Clock
	logger   *log.Logger
	bus      *Bus
	rng      *rand.Rand

	mu      sync.RWMutex
	runners map[string]*runner
	closed  bool
}

// New creates an engine over the given collaborators.
func New(ledger *wallet.Ledger, jnl journal.Journal, settler *settle.Settler, logger *log.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:   ledger,
		journal:  jnl,
		settler:  settler,
		alerts:   fraud.NopPublisher{},
		fraudCfg: fraud.DefaultConfig(),
		pipeline: NewMovePipeline(),
		resolver: PocketResolver{},
		modes:    map[string]Rules{"classic": DefaultRules()},
		clock:    quartz.NewReal(),
		logger:   logger.WithPrefix("engine"),
		bus:      NewBus(),
		rng:      rand.New(rand.NewSource(rand.Int63())),
		runners:  make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(e)
	}
	settler.OnComplete(func(job settle.Job) {
		e.bus.Publish(SettlementCompletedEvent{
			MatchID:   job.MatchID,
			WinnerID:  job.WinnerID,
			Payout:    job.Payout,
			Cancelled: job.Cancelled || job.Confiscate,
			timestamp: e.clock.Now(),
		})
	})
	return e
}

// behavior is the externally configured behavioral signal for a user,
// zero when none is wired in. The runner adds the participant's
// accumulated protocol violations on top before scoring.
func (e *Engine) behavior(userID string) int {
	sig := 0
	if e.signal != nil {
		sig = e.signal(userID)
	}
	return sig
}

// Subscribe registers a subscriber for all engine events.
func (e *Engine) Subscribe(sub Subscriber) {
	e.bus.Subscribe(sub)
}

// CreateMatch registers a new match in the given mode and returns its
// starting snapshot. The creator joins separately.
func (e *Engine) CreateMatch(ctx context.Context, mode string, stake int64) (MatchSnapshot, error) {
	rules, ok := e.modes[mode]
	if !ok {
		return MatchSnapshot{}, newError(KindValidation, CodeUnknownMode, "unknown mode %q", mode)
	}
	if stake < rules.StakeMin || stake > rules.StakeMax {
		return MatchSnapshot{}, newError(KindValidation, CodeStakeOutOfRange,
			"stake %d outside [%d,%d] for mode %q", stake, rules.StakeMin, rules.StakeMax, mode)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MatchSnapshot{}, newError(KindTransient, CodeEngineClosed, "engine is shut down")
	}
	seed := e.rng.Int63()
	e.mu.Unlock()

	id := matchid.New()
	now := e.clock.Now()
	m := newMatch(id, rules, stake, seed, now)

	data := map[string]any{"mode": mode, "stake": stake, "seed": seed}
	r := newRunner(m, e)
	if err := r.appendJournal("match_created", data); err != nil {
		return MatchSnapshot{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MatchSnapshot{}, newError(KindTransient, CodeEngineClosed, "engine is shut down")
	}
	e.runners[id] = r
	e.mu.Unlock()
	r.start()

	e.logger.Info("Match created", "match", id, "mode", mode, "stake", stake)
	e.bus.Publish(MatchCreatedEvent{MatchID: id, Mode: mode, Stake: stake, timestamp: now})
	return m.snapshot(now), nil
}

func (e *Engine) runner(matchID string) (*runner, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[matchID]
	if !ok {
		return nil, newError(KindValidation, CodeMatchNotFound, "no match %s", matchID)
	}
	return r, nil
}

// Join admits userID to the match, escrowing the stake. Idempotent
// rejections leave the wallet untouched.
func (e *Engine) Join(ctx context.Context, matchID, userID string) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdJoin, userID: userID})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// SubmitMove validates, scores and applies one move.
func (e *Engine) SubmitMove(ctx context.Context, matchID, userID string, sequence int64, shot Shot) (MoveOutcome, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MoveOutcome{}, err
	}
	rep, err := r.call(ctx, command{
		kind: cmdMove,
		move: ProposedMove{UserID: userID, Sequence: sequence, Shot: shot},
	})
	if err != nil {
		return MoveOutcome{}, err
	}
	return rep.outcome, nil
}

// ForceTimeoutCheck applies a pending turn expiry, if any. Harmless when
// the turn is still within budget.
func (e *Engine) ForceTimeoutCheck(ctx context.Context, matchID string) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdTimeoutCheck})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// Forfeit removes userID from the match: before start this cancels the
// match, during play it concedes to the remaining participant.
func (e *Engine) Forfeit(ctx context.Context, matchID, userID, reason string) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdForfeit, userID: userID, reason: reason})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// Abort cancels the match administratively. Aborting a running match
// flags it for operator review instead of settling automatically.
func (e *Engine) Abort(ctx context.Context, matchID, reason string) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdAbort, reason: reason})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// ResolveAborted is the operator decision for a review-flagged abort:
// refund releases the stakes, no-refund confiscates them.
func (e *Engine) ResolveAborted(ctx context.Context, matchID string, refund bool) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdResolveAbort, refund: refund})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// Snapshot returns a consistent read of match state.
func (e *Engine) Snapshot(ctx context.Context, matchID string) (MatchSnapshot, error) {
	r, err := e.runner(matchID)
	if err != nil {
		return MatchSnapshot{}, err
	}
	rep, err := r.call(ctx, command{kind: cmdSnapshot})
	if err != nil {
		return MatchSnapshot{}, err
	}
	return rep.snap, nil
}

// Recover rebuilds a match's state from the durable journal. A live
// match answers from its runner; otherwise the stored snapshot is
// decoded, falling back to folding the event log when no snapshot
// survived. Used after a restart, when the in-memory registry is empty
// but the journal is not.
func (e *Engine) Recover(ctx context.Context, matchID string) (MatchSnapshot, error) {
	e.mu.Lock()
	r, ok := e.runners[matchID]
	e.mu.Unlock()
	if ok {
		rep, err := r.call(ctx, command{kind: cmdSnapshot})
		if err != nil {
			return MatchSnapshot{}, err
		}
		return rep.snap, nil
	}

	data, err := e.journal.LoadSnapshot(ctx, matchID)
	if err != nil {
		return MatchSnapshot{}, wrapError(KindTransient, CodeServiceUnavailable, err,
			"snapshot read failed for match %s", matchID)
	}
	if len(data) > 0 {
		var snap MatchSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return MatchSnapshot{}, wrapError(KindConsistency, CodeServiceUnavailable, err,
				"stored snapshot for match %s is corrupt", matchID)
		}
		return snap, nil
	}
	return e.replayEvents(ctx, matchID)
}

// replayEvents folds the match's event log into a snapshot. The journal
// already drops re-delivered event IDs, so the fold sees each event
// once and replay is idempotent.
func (e *Engine) replayEvents(ctx context.Context, matchID string) (MatchSnapshot, error) {
	events, err := e.journal.Events(ctx, matchID)
	if err != nil {
		return MatchSnapshot{}, wrapError(KindTransient, CodeServiceUnavailable, err,
			"journal read failed for match %s", matchID)
	}
	if len(events) == 0 {
		return MatchSnapshot{}, newError(KindValidation, CodeMatchNotFound,
			"no record of match %s", matchID)
	}

	snap := MatchSnapshot{ID: matchID, Status: StatusWaiting, Sequence: -1}
	active := func(userID string) *ParticipantSnapshot {
		for i := range snap.Participants {
			if snap.Participants[i].UserID == userID {
				return &snap.Participants[i]
			}
		}
		return nil
	}
	for _, ev := range events {
		var payload map[string]any
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return MatchSnapshot{}, wrapError(KindConsistency, CodeServiceUnavailable, err,
					"corrupt %s event for match %s", ev.Type, matchID)
			}
		}
		switch ev.Type {
		case "match_created":
			snap.Mode, _ = payload["mode"].(string)
			if v, ok := payload["stake"].(float64); ok {
				snap.Stake = int64(v)
			}
			snap.CreatedAt = ev.At
		case "player_joined":
			userID, _ := payload["user_id"].(string)
			role := RoleJoiner
			if len(snap.Participants) == 0 {
				role = RoleHost
			}
			snap.Participants = append(snap.Participants, ParticipantSnapshot{
				UserID: userID,
				Role:   role,
				Active: true,
			})
		case "match_started":
			snap.Status = StatusRunning
			if v, ok := payload["prize_pool"].(float64); ok {
				snap.PrizePool = int64(v)
			}
			at := ev.At
			snap.StartedAt = &at
		case "move_played", "turn_timeout":
			snap.Sequence++
			snap.TurnCount++
			snap.MoveCount++
			userID, _ := payload["UserID"].(string)
			if p := active(userID); p != nil {
				if v, ok := payload["PointsAwarded"].(float64); ok {
					p.Score += int(v)
				}
				if ev.Type == "turn_timeout" {
					p.Timeouts++
				} else {
					p.Timeouts = 0
				}
			}
		case "participant_forfeited":
			userID, _ := payload["user_id"].(string)
			if p := active(userID); p != nil {
				p.Active = false
			}
			remaining := ""
			count := 0
			for _, p := range snap.Participants {
				if p.Active {
					remaining = p.UserID
					count++
				}
			}
			if count == 1 && snap.Status == StatusRunning {
				snap.Status = StatusForfeited
				snap.WinnerID = remaining
				at := ev.At
				snap.EndedAt = &at
			}
		case "match_finished":
			snap.Status = StatusFinished
			snap.WinnerID, _ = payload["winner_id"].(string)
			at := ev.At
			snap.EndedAt = &at
		case "match_cancelled":
			snap.Status = StatusCancelled
			snap.NeedsReview, _ = payload["needs_review"].(bool)
			at := ev.At
			snap.EndedAt = &at
		case "abort_resolved":
			snap.NeedsReview = false
		}
	}
	return snap, nil
}

// Matches lists a snapshot of every registered match, for lobby views.
func (e *Engine) Matches(ctx context.Context) []MatchSnapshot {
	e.mu.RLock()
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.RUnlock()

	snaps := make([]MatchSnapshot, 0, len(runners))
	for _, r := range runners {
		rep, err := r.call(ctx, command{kind: cmdSnapshot})
		if err != nil {
			continue
		}
		snaps = append(snaps, rep.snap)
	}
	return snaps
}

// Close stops every runner. In-flight settlements already enqueued keep
// retrying on the settler until it is closed separately.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	e.logger.Info("Engine closed", "matches", len(runners))
}
