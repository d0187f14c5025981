package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"strikeclash/internal/fraud"
	"strikeclash/internal/journal"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

// MoveOutcome is what a caller gets back for an accepted or converted
// move submission.
type MoveOutcome struct {
	Accepted   bool
	TimedOut   bool // move arrived after the turn budget, converted to a timeout
	Forfeited  bool // move's author was forfeited by the fraud decision
	Move       Move
	FraudScore int
	Snapshot   MatchSnapshot
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdMove
	cmdDeadline
	cmdTimeoutCheck
	cmdBegin
	cmdFillExpire
	cmdForfeit
	cmdAbort
	cmdResolveAbort
	cmdSnapshot
)

type command struct {
	kind   cmdKind
	userID string
	move   ProposedMove
	reason string
	refund bool

	// turnCount stamps deadline commands so a timer that fired for an
	// already-completed turn is discarded instead of charging the wrong
	// player.
	turnCount int

	reply chan reply
}

type reply struct {
	outcome MoveOutcome
	snap    MatchSnapshot
	err     error
}

// runner owns one match. Every mutation flows through its mailbox, so
// concurrent submissions, timer expiries and forfeits are applied in a
// single total order with no locks on match state.
type runner struct {
	match    *Match
	ledger   *wallet.Ledger
	journal  journal.Journal
	settler  *settle.Settler
	alerts   fraud.Publisher
	fraudCfg fraud.Config
	behavior func(userID string) int
	pipeline *Pipeline
	resolver Resolver
	bus      *Bus
	clock    quartz.Clock
	logger   *log.Logger

	mailbox chan command
	stopped chan struct{}

	fillTimer      *quartz.Timer
	countdownTimer *quartz.Timer
	turnTimer      *quartz.Timer

	lastPersist persistMark
}

// persistMark fingerprints the match state captured by the last saved
// snapshot. Every mutating path changes at least one field.
type persistMark struct {
	status       Status
	sequence     int64
	turnCount    int
	participants int
	active       int
	needsReview  bool
}

func (r *runner) mark() persistMark {
	m := r.match
	return persistMark{
		status:       m.Status,
		sequence:     m.Sequence,
		turnCount:    m.TurnCount,
		participants: len(m.Participants),
		active:       m.activeCount(),
		needsReview:  m.NeedsReview,
	}
}

// persistSnapshot stores the current state for crash recovery. The
// event log is the authoritative record; a failed save is retried on
// the next state change rather than failing the operation.
func (r *runner) persistSnapshot() {
	mark := r.mark()
	if mark == r.lastPersist {
		return
	}
	data, err := json.Marshal(r.match.snapshot(r.clock.Now()))
	if err != nil {
		r.logger.Error("Failed to encode snapshot", "error", err)
		return
	}
	if err := r.journal.SaveSnapshot(context.Background(), r.match.ID, data); err != nil {
		r.logger.Warn("Failed to save snapshot", "error", err)
		return
	}
	r.lastPersist = mark
}

func newRunner(m *Match, e *Engine) *runner {
	return &runner{
		match:    m,
		ledger:   e.ledger,
		journal:  e.journal,
		settler:  e.settler,
		alerts:   e.alerts,
		fraudCfg: e.fraudCfg,
		behavior: e.behavior,
		pipeline: e.pipeline,
		resolver: e.resolver,
		bus:      e.bus,
		clock:    e.clock,
		logger:   e.logger.With("match", m.ID),
		mailbox:  make(chan command, 64),
		stopped:  make(chan struct{}),
	}
}

func (r *runner) start() {
	r.persistSnapshot()
	if r.match.Rules.FillTimeout > 0 {
		r.fillTimer = r.clock.AfterFunc(r.match.Rules.FillTimeout, func() {
			r.post(command{kind: cmdFillExpire})
		})
	}
	go r.loop()
}

func (r *runner) stop() {
	select {
	case <-r.stopped:
	default:
		close(r.stopped)
	}
}

func (r *runner) loop() {
	for {
		select {
		case cmd := <-r.mailbox:
			r.dispatch(cmd)
		case <-r.stopped:
			r.stopTimers()
			return
		}
	}
}

// post delivers a timer-originated command; dropped if the runner has
// stopped.
func (r *runner) post(cmd command) {
	select {
	case r.mailbox <- cmd:
	case <-r.stopped:
	}
}

// call delivers a caller-originated command and waits for the reply.
func (r *runner) call(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case r.mailbox <- cmd:
	case <-r.stopped:
		return reply{}, newError(KindTransient, CodeEngineClosed, "match %s is shut down", r.match.ID)
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case rep := <-cmd.reply:
		return rep, rep.err
	case <-r.stopped:
		return reply{}, newError(KindTransient, CodeEngineClosed, "match %s is shut down", r.match.ID)
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (r *runner) dispatch(cmd command) {
	var rep reply
	switch cmd.kind {
	case cmdJoin:
		rep = r.handleJoin(cmd)
	case cmdMove:
		rep = r.handleMove(cmd)
	case cmdDeadline:
		r.handleDeadline(cmd)
	case cmdTimeoutCheck:
		rep = r.handleTimeoutCheck()
	case cmdBegin:
		r.handleBegin()
	case cmdFillExpire:
		r.handleFillExpire()
	case cmdForfeit:
		rep = r.handleForfeit(cmd)
	case cmdAbort:
		rep = r.handleAbort(cmd)
	case cmdResolveAbort:
		rep = r.handleResolveAbort(cmd)
	case cmdSnapshot:
		rep = reply{snap: r.match.snapshot(r.clock.Now())}
	}
	if cmd.kind != cmdSnapshot {
		r.persistSnapshot()
	}
	if cmd.reply != nil {
		cmd.reply <- rep
	}
}

func (r *runner) stopTimers() {
	if r.fillTimer != nil {
		r.fillTimer.Stop()
	}
	if r.countdownTimer != nil {
		r.countdownTimer.Stop()
	}
	if r.turnTimer != nil {
		r.turnTimer.Stop()
	}
}

func (r *runner) armTurnTimer() {
	if r.turnTimer != nil {
		r.turnTimer.Stop()
	}
	if r.match.Rules.TurnBudget <= 0 {
		return
	}
	count := r.match.TurnCount
	r.turnTimer = r.clock.AfterFunc(r.match.Rules.TurnBudget, func() {
		r.post(command{kind: cmdDeadline, turnCount: count})
	})
}

// appendJournal writes one durable event. Every state change journals
// before it is applied or acknowledged.
func (r *runner) appendJournal(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return wrapError(KindConsistency, CodeServiceUnavailable, err, "failed to encode %s event", eventType)
	}
	err = r.journal.Append(context.Background(), journal.Event{
		ID:      uuid.NewString(),
		MatchID: r.match.ID,
		Type:    eventType,
		At:      r.clock.Now(),
		Data:    data,
	})
	if err != nil {
		return wrapError(KindTransient, CodeServiceUnavailable, err, "journal write failed")
	}
	return nil
}

func (r *runner) handleJoin(cmd command) reply {
	m := r.match
	now := r.clock.Now()

	if m.Status != StatusWaiting {
		return reply{err: newError(KindProtocol, CodeMatchNotActive,
			"match %s is %s, not accepting participants", m.ID, m.Status)}
	}
	if m.participant(cmd.userID) != nil {
		return reply{err: newError(KindValidation, CodeAlreadyJoined,
			"%s already joined match %s", cmd.userID, m.ID)}
	}
	if len(m.Participants) >= m.Rules.Capacity {
		return reply{err: newError(KindResource, CodeMatchFull,
			"match %s already has %d participants", m.ID, m.Rules.Capacity)}
	}

	if err := r.ledger.Lock(cmd.userID, m.ID, m.Stake); err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			return reply{err: wrapError(KindResource, CodeInsufficientFunds, err,
				"%s cannot cover stake %d", cmd.userID, m.Stake)}
		case errors.Is(err, wallet.ErrDuplicateLockConflict):
			return reply{err: wrapError(KindResource, CodeLockConflict, err,
				"%s holds a conflicting lock for match %s", cmd.userID, m.ID)}
		case errors.Is(err, wallet.ErrUnknownWallet):
			return reply{err: wrapError(KindResource, CodeInsufficientFunds, err,
				"%s has no wallet", cmd.userID)}
		default:
			return reply{err: wrapError(KindTransient, CodeServiceUnavailable, err,
				"stake lock failed for %s", cmd.userID)}
		}
	}

	if err := r.appendJournal("player_joined", map[string]any{
		"user_id": cmd.userID,
		"stake":   m.Stake,
	}); err != nil {
		// Admission was not made durable; undo the escrow so the caller
		// can retry cleanly.
		if relErr := r.ledger.Release(cmd.userID, m.ID); relErr != nil {
			r.logger.Error("Failed to roll back stake lock", "user", cmd.userID, "error", relErr)
		}
		return reply{err: err}
	}

	role := RoleJoiner
	if len(m.Participants) == 0 {
		role = RoleHost
	}
	m.Participants = append(m.Participants, &Participant{
		UserID:       cmd.userID,
		Role:         role,
		Active:       true,
		thresholdSeq: -1,
	})

	r.logger.Info("Player joined", "user", cmd.userID, "role", role, "count", len(m.Participants))
	r.bus.Publish(PlayerJoinedEvent{
		MatchID:   m.ID,
		UserID:    cmd.userID,
		Role:      role,
		Locked:    m.Stake,
		timestamp: now,
	})

	if len(m.Participants) == m.Rules.Capacity {
		m.Status = StatusStarting
		m.fill()
		if r.fillTimer != nil {
			r.fillTimer.Stop()
		}
		if m.Rules.Countdown > 0 {
			r.countdownTimer = r.clock.AfterFunc(m.Rules.Countdown, func() {
				r.post(command{kind: cmdBegin})
			})
		} else {
			r.handleBegin()
		}
	}

	return reply{snap: m.snapshot(now)}
}

func (r *runner) handleBegin() {
	m := r.match
	if m.Status != StatusStarting {
		return
	}

	// Durability before mutation: if the journal is down the countdown
	// is retried rather than starting an unrecorded match.
	first := m.Participants[0].UserID
	if err := r.appendJournal("match_started", map[string]any{
		"prize_pool": m.PrizePool,
		"first_turn": first,
		"seed":       m.Seed,
	}); err != nil {
		r.logger.Warn("Failed to journal match start, retrying", "error", err)
		r.countdownTimer = r.clock.AfterFunc(time.Second, func() {
			r.post(command{kind: cmdBegin})
		})
		return
	}

	now := r.clock.Now()
	m.initBoard()
	m.TurnIndex = 0
	m.TurnCount = 0
	m.Status = StatusRunning
	m.StartedAt = &now
	m.TurnStartedAt = now

	participants := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		participants = append(participants, p.UserID)
	}

	r.logger.Info("Match started", "pool", m.PrizePool, "first", first)
	r.bus.Publish(MatchStartedEvent{
		MatchID:      m.ID,
		Participants: participants,
		PrizePool:    m.PrizePool,
		FirstTurn:    first,
		timestamp:    now,
	})
	r.armTurnTimer()
}

func (r *runner) handleFillExpire() {
	m := r.match
	if m.Status != StatusWaiting {
		return
	}
	if err := r.cancel("fill_timeout", false); err != nil {
		r.logger.Warn("Failed to cancel unfilled match, retrying", "error", err)
		r.fillTimer = r.clock.AfterFunc(time.Second, func() {
			r.post(command{kind: cmdFillExpire})
		})
	}
}

func (r *runner) handleMove(cmd command) reply {
	m := r.match
	pm := cmd.move
	pm.ReceivedAt = r.clock.Now()

	res := r.pipeline.Run(m, pm)
	switch res.Verdict {
	case VerdictReject:
		if res.Err.Kind == KindProtocol {
			if p := m.participant(pm.UserID); p != nil {
				p.Misbehavior++
			}
		}
		return reply{err: res.Err}
	case VerdictTimeout:
		// The turn expired before this move arrived. Charge the expiry,
		// not the move.
		if err := r.applyTimeout(); err != nil {
			return reply{err: err}
		}
		return reply{outcome: MoveOutcome{TimedOut: true, Snapshot: m.snapshot(pm.ReceivedAt)}}
	}

	striker := m.participant(pm.UserID)
	outcome := r.resolver.Resolve(m, striker, pm.Shot)

	fmove := fraud.Move{
		PlayedAt: pm.ReceivedAt,
		Force:    pm.Shot.Force,
		Angle:    pm.Shot.Angle,
		Success:  outcome.Result == ResultSuccess,
	}
	// Accumulated protocol violations feed the behavioral signal, capped
	// so misbehavior alone cannot trip the forfeit threshold.
	signal := r.behavior(striker.UserID) + min(striker.Misbehavior*5, 25)
	score := fraud.Score(r.fraudCfg, fmove, r.fraudHistory(striker), signal)
	decision := fraud.Decide(r.fraudCfg, score)

	seq := m.Sequence + 1
	if decision.Action == fraud.Forfeit {
		r.publishAlert(striker.UserID, seq, score, decision.Severity)
		if err := r.forfeit(striker, "fraud"); err != nil {
			return reply{err: err}
		}
		return reply{outcome: MoveOutcome{
			Forfeited:  true,
			FraudScore: score,
			Snapshot:   m.snapshot(pm.ReceivedAt),
		}}
	}

	mv := Move{
		MatchID:       m.ID,
		UserID:        striker.UserID,
		Sequence:      seq,
		Shot:          pm.Shot,
		Result:        outcome.Result,
		PointsAwarded: outcome.Points,
		CoinPocketed:  outcome.CoinID,
		PlayedAt:      pm.ReceivedAt,
		FraudScore:    score,
		Valid:         true,
	}
	if err := r.appendJournal("move_played", mv); err != nil {
		return reply{err: err}
	}

	m.Sequence = seq
	m.Moves = append(m.Moves, mv)
	m.TurnCount++
	striker.LastMoveAt = pm.ReceivedAt
	striker.ConsecutiveTimeouts = 0
	if outcome.Result == ResultSuccess {
		striker.Score += outcome.Points
		striker.removeCoin(outcome.CoinID)
	}
	if outcome.OpponentCoinID >= 0 {
		// A fouled strike can sink an opponent coin, scoring for the
		// opponent on the striker's move.
		if opp := m.nextActiveAfter(striker); opp != nil {
			opp.Score += outcome.OpponentPoints
			opp.removeCoin(outcome.OpponentCoinID)
			if m.metWinCondition(opp) && opp.thresholdSeq < 0 {
				opp.thresholdSeq = seq
			}
		}
	}
	if m.metWinCondition(striker) && striker.thresholdSeq < 0 {
		striker.thresholdSeq = seq
	}

	if decision.Action == fraud.Review {
		r.publishAlert(striker.UserID, seq, score, decision.Severity)
	}

	if winner := m.decideWinner(striker); winner != nil {
		if err := r.finish(winner, seq); err != nil {
			return reply{err: err}
		}
		return reply{outcome: MoveOutcome{
			Accepted:   true,
			Move:       mv,
			FraudScore: score,
			Snapshot:   m.snapshot(pm.ReceivedAt),
		}}
	}

	// A pocket earns another strike; anything else passes the turn.
	if outcome.Result != ResultSuccess {
		m.advanceTurn()
	}
	m.TurnStartedAt = pm.ReceivedAt
	r.armTurnTimer()

	next := ""
	if holder := m.turnHolder(); holder != nil {
		next = holder.UserID
	}
	r.bus.Publish(MovePlayedEvent{
		MatchID:    m.ID,
		UserID:     striker.UserID,
		Sequence:   seq,
		Result:     outcome.Result,
		Points:     outcome.Points,
		FraudScore: score,
		NextTurn:   next,
		timestamp:  pm.ReceivedAt,
	})

	return reply{outcome: MoveOutcome{
		Accepted:   true,
		Move:       mv,
		FraudScore: score,
		Snapshot:   m.snapshot(pm.ReceivedAt),
	}}
}

// fraudHistory projects the striker's recent real moves into the
// scorer's shape, oldest first.
func (r *runner) fraudHistory(striker *Participant) []fraud.Move {
	window := r.fraudCfg.TimingWindow
	if window <= 0 {
		window = 20
	}
	var history []fraud.Move
	for i := len(r.match.Moves) - 1; i >= 0 && len(history) < window; i-- {
		mv := r.match.Moves[i]
		if mv.UserID != striker.UserID || mv.Synthetic {
			continue
		}
		history = append(history, fraud.Move{
			PlayedAt: mv.PlayedAt,
			Force:    mv.Shot.Force,
			Angle:    mv.Shot.Angle,
			Success:  mv.Result == ResultSuccess,
		})
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history
}

func (r *runner) publishAlert(userID string, seq int64, score int, severity fraud.Severity) {
	alert := fraud.NewAlert(userID, r.match.ID, uint64(seq), score, severity)
	if err := r.alerts.Publish(context.Background(), alert); err != nil {
		// Alerts are advisory; a down broker never blocks a match.
		r.logger.Warn("Failed to publish fraud alert", "user", userID, "error", err)
	}
	r.bus.Publish(FraudAlertedEvent{Alert: alert, timestamp: r.clock.Now()})
}

func (r *runner) handleDeadline(cmd command) {
	m := r.match
	// A deadline stamped with an older turn count raced with a move that
	// already completed that turn.
	if m.Status != StatusRunning || cmd.turnCount != m.TurnCount {
		return
	}
	if err := r.applyTimeout(); err != nil {
		r.logger.Warn("Failed to apply turn timeout, retrying", "error", err)
		count := m.TurnCount
		r.turnTimer = r.clock.AfterFunc(time.Second, func() {
			r.post(command{kind: cmdDeadline, turnCount: count})
		})
	}
}

func (r *runner) handleTimeoutCheck() reply {
	m := r.match
	if m.Status != StatusRunning {
		return reply{snap: m.snapshot(r.clock.Now())}
	}
	if m.Rules.TurnBudget <= 0 || r.clock.Now().Sub(m.TurnStartedAt) <= m.Rules.TurnBudget {
		return reply{snap: m.snapshot(r.clock.Now())}
	}
	if err := r.applyTimeout(); err != nil {
		return reply{err: err}
	}
	return reply{snap: m.snapshot(r.clock.Now())}
}

// applyTimeout records a synthetic timeout move against the turn holder
// and advances or forfeits.
func (r *runner) applyTimeout() error {
	m := r.match
	holder := m.turnHolder()
	if holder == nil {
		return newError(KindConsistency, CodeMatchNotActive, "match %s has no turn holder", m.ID)
	}

	now := r.clock.Now()
	seq := m.Sequence + 1
	mv := Move{
		MatchID:      m.ID,
		UserID:       holder.UserID,
		Sequence:     seq,
		Result:       ResultTimeout,
		CoinPocketed: -1,
		PlayedAt:     now,
		Valid:        true,
		Synthetic:    true,
	}
	if err := r.appendJournal("turn_timeout", mv); err != nil {
		return err
	}

	m.Sequence = seq
	m.Moves = append(m.Moves, mv)
	m.TurnCount++
	holder.ConsecutiveTimeouts++

	r.logger.Info("Turn timed out", "user", holder.UserID, "consecutive", holder.ConsecutiveTimeouts)
	r.bus.Publish(TurnTimeoutEvent{
		MatchID:   m.ID,
		UserID:    holder.UserID,
		Sequence:  seq,
		Count:     holder.ConsecutiveTimeouts,
		timestamp: now,
	})

	if m.Rules.MaxTimeouts > 0 && holder.ConsecutiveTimeouts >= m.Rules.MaxTimeouts {
		return r.forfeit(holder, "timeout_limit")
	}

	m.advanceTurn()
	m.TurnStartedAt = now
	r.armTurnTimer()
	return nil
}

func (r *runner) handleForfeit(cmd command) reply {
	m := r.match
	p := m.participant(cmd.userID)
	if p == nil {
		return reply{err: newError(KindValidation, CodeNotParticipant,
			"%s is not in match %s", cmd.userID, m.ID)}
	}
	switch m.Status {
	case StatusWaiting, StatusStarting:
		// Losing a participant before the match runs cancels it; nobody
		// has played for a win yet.
		if err := r.cancel("participant_left:"+cmd.userID, false); err != nil {
			return reply{err: err}
		}
		return reply{snap: m.snapshot(r.clock.Now())}
	case StatusRunning:
		if !p.Active {
			return reply{err: newError(KindProtocol, CodeMatchNotActive,
				"%s already inactive in match %s", cmd.userID, m.ID)}
		}
		if err := r.forfeit(p, cmd.reason); err != nil {
			return reply{err: err}
		}
		return reply{snap: m.snapshot(r.clock.Now())}
	default:
		return reply{err: newError(KindProtocol, CodeMatchNotActive,
			"match %s is already %s", m.ID, m.Status)}
	}
}

// forfeit deactivates p and, when one active participant remains,
// decides the match in their favor.
func (r *runner) forfeit(p *Participant, reason string) error {
	m := r.match
	if err := r.appendJournal("participant_forfeited", map[string]any{
		"user_id": p.UserID,
		"reason":  reason,
	}); err != nil {
		return err
	}

	now := r.clock.Now()
	p.Active = false
	wasTurn := m.turnHolder() == p

	if m.activeCount() == 1 {
		var winner *Participant
		for _, q := range m.Participants {
			if q.Active {
				winner = q
				break
			}
		}
		m.Status = StatusForfeited
		m.WinnerID = winner.UserID
		m.EndedAt = &now
		r.stopTimers()

		r.logger.Info("Match forfeited", "forfeited", p.UserID, "winner", winner.UserID, "reason", reason)
		r.bus.Publish(MatchForfeitedEvent{
			MatchID:     m.ID,
			ForfeitedID: p.UserID,
			WinnerID:    winner.UserID,
			Reason:      reason,
			timestamp:   now,
		})
		r.enqueueSettlement()
		return nil
	}

	r.bus.Publish(MatchForfeitedEvent{
		MatchID:     m.ID,
		ForfeitedID: p.UserID,
		Reason:      reason,
		timestamp:   now,
	})
	if wasTurn {
		m.advanceTurn()
		m.TurnStartedAt = now
		r.armTurnTimer()
	}
	return nil
}

// finish closes a decided match and hands the money to settlement.
func (r *runner) finish(winner *Participant, winningSeq int64) error {
	m := r.match
	if err := r.appendJournal("match_finished", map[string]any{
		"winner_id":   winner.UserID,
		"winning_seq": winningSeq,
		"payout":      m.payout(),
	}); err != nil {
		return err
	}

	now := r.clock.Now()
	m.Status = StatusFinished
	m.WinnerID = winner.UserID
	m.EndedAt = &now
	r.stopTimers()

	r.logger.Info("Match finished", "winner", winner.UserID, "seq", winningSeq, "payout", m.payout())
	r.bus.Publish(MatchFinishedEvent{
		MatchID:    m.ID,
		WinnerID:   winner.UserID,
		WinningSeq: winningSeq,
		timestamp:  now,
	})
	r.enqueueSettlement()
	return nil
}

func (r *runner) handleAbort(cmd command) reply {
	m := r.match
	switch m.Status {
	case StatusWaiting, StatusStarting:
		if err := r.cancel(cmd.reason, false); err != nil {
			return reply{err: err}
		}
	case StatusRunning:
		// Money is already escrowed against moves that were played, so
		// the refund decision is an operator's, not the engine's.
		if err := r.cancel(cmd.reason, true); err != nil {
			return reply{err: err}
		}
	default:
		return reply{err: newError(KindProtocol, CodeMatchNotActive,
			"match %s is already %s", m.ID, m.Status)}
	}
	return reply{snap: m.snapshot(r.clock.Now())}
}

// cancel moves the match to cancelled. Unless review is required the
// escrowed stakes are released through settlement.
func (r *runner) cancel(reason string, needsReview bool) error {
	m := r.match
	if err := r.appendJournal("match_cancelled", map[string]any{
		"reason":       reason,
		"needs_review": needsReview,
	}); err != nil {
		return err
	}

	now := r.clock.Now()
	m.Status = StatusCancelled
	m.NeedsReview = needsReview
	m.EndedAt = &now
	r.stopTimers()

	r.logger.Info("Match cancelled", "reason", reason, "needs_review", needsReview)
	r.bus.Publish(MatchCancelledEvent{
		MatchID:     m.ID,
		Reason:      reason,
		NeedsReview: needsReview,
		timestamp:   now,
	})
	if !needsReview {
		r.enqueueSettlement()
	}
	return nil
}

func (r *runner) handleResolveAbort(cmd command) reply {
	m := r.match
	if m.Status != StatusCancelled || !m.NeedsReview {
		return reply{err: newError(KindValidation, CodeNeedsReview,
			"match %s is not awaiting abort resolution", m.ID)}
	}
	if err := r.appendJournal("abort_resolved", map[string]any{
		"refund": cmd.refund,
	}); err != nil {
		return reply{err: err}
	}
	m.NeedsReview = false

	job := settle.Job{
		MatchID:      m.ID,
		Participants: r.participantIDs(),
		Cancelled:    cmd.refund,
		Confiscate:   !cmd.refund,
		Stake:        m.Stake,
	}
	r.settler.Enqueue(job)
	return reply{snap: m.snapshot(r.clock.Now())}
}

func (r *runner) participantIDs() []string {
	ids := make([]string, 0, len(r.match.Participants))
	for _, p := range r.match.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r *runner) enqueueSettlement() {
	m := r.match
	job := settle.Job{
		MatchID:      m.ID,
		Participants: r.participantIDs(),
	}
	if m.Status == StatusCancelled {
		job.Cancelled = true
	} else {
		job.WinnerID = m.WinnerID
		job.Payout = m.payout()
	}
	r.settler.Enqueue(job)
}
