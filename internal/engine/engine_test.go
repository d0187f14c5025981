package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strikeclash/internal/fraud"
	"strikeclash/internal/journal"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

func testRules() Rules {
	r := DefaultRules()
	r.Countdown = 0
	r.MinMoveInterval = 0
	return r
}

type testEnv struct {
	engine  *Engine
	ledger  *wallet.Ledger
	journal *journal.Memory
	settler *settle.Settler
	clock   *quartz.Mock
	alerts  *fraud.MemoryPublisher
}

func newTestEnv(t *testing.T, rules Rules, opts ...Option) *testEnv {
	t.Helper()
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)

	ledger := wallet.NewLedger()
	jnl := journal.NewMemory()
	clock := quartz.NewMock(t)
	settler := settle.New(ledger, jnl, clock, logger, time.Second)
	alerts := &fraud.MemoryPublisher{}

	options := append([]Option{
		WithClock(clock),
		WithAlertPublisher(alerts),
		WithModes(map[string]Rules{rules.Mode: rules}),
	}, opts...)
	eng := New(ledger, jnl, settler, logger, options...)
	t.Cleanup(eng.Close)

	return &testEnv{
		engine:  eng,
		ledger:  ledger,
		journal: jnl,
		settler: settler,
		clock:   clock,
		alerts:  alerts,
	}
}

func (env *testEnv) open(t *testing.T, balance int64, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, env.ledger.Open(u, balance))
	}
}

// startMatch creates a match and fills it with alice and bob. With a
// zero countdown the match is running when the second join returns.
func (env *testEnv) startMatch(t *testing.T, stake int64) string {
	t.Helper()
	ctx := context.Background()
	snap, err := env.engine.CreateMatch(ctx, "classic", stake)
	require.NoError(t, err)

	_, err = env.engine.Join(ctx, snap.ID, "alice")
	require.NoError(t, err)
	snap2, err := env.engine.Join(ctx, snap.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, snap2.Status)
	return snap.ID
}

// playUntilDone drives the match with whoever holds the turn until it
// reaches a terminal state, spacing moves irregularly so timing never
// looks suspicious.
func (env *testEnv) playUntilDone(t *testing.T, matchID string) MatchSnapshot {
	t.Helper()
	ctx := context.Background()
	gaps := []time.Duration{3 * time.Second, 7 * time.Second, 2 * time.Second, 5 * time.Second}
	for i := 0; i < 100; i++ {
		snap, err := env.engine.Snapshot(ctx, matchID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		env.clock.Advance(gaps[i%len(gaps)]).MustWait(ctx)
		_, err = env.engine.SubmitMove(ctx, matchID, snap.TurnHolder, snap.Sequence+1, Shot{X: 10, Y: 20, Angle: 45, Force: 30})
		require.NoError(t, err)
	}
	t.Fatal("match did not finish within 100 moves")
	return MatchSnapshot{}
}

func TestCreateMatchUnknownMode(t *testing.T) {
	env := newTestEnv(t, testRules())
	_, err := env.engine.CreateMatch(context.Background(), "blitz", 100)
	require.Error(t, err)
	assert.Equal(t, CodeUnknownMode, CodeOf(err))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCreateMatchStakeBounds(t *testing.T) {
	rules := testRules()
	env := newTestEnv(t, rules)
	ctx := context.Background()

	for _, stake := range []int64{rules.StakeMin, rules.StakeMax} {
		_, err := env.engine.CreateMatch(ctx, "classic", stake)
		assert.NoError(t, err, "stake %d is inside the allowed range", stake)
	}
	for _, stake := range []int64{rules.StakeMin - 1, rules.StakeMax + 1, 0, -5} {
		_, err := env.engine.CreateMatch(ctx, "classic", stake)
		require.Error(t, err, "stake %d is outside the allowed range", stake)
		assert.Equal(t, CodeStakeOutOfRange, CodeOf(err))
	}
}

func TestJoinEscrowsStake(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice")
	ctx := context.Background()

	snap, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, snap.ID, "alice")
	require.NoError(t, err)

	bal, err := env.ledger.BalanceOf("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal.Available)
	assert.Equal(t, int64(100), bal.Locked)
}

func TestJoinRejections(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob", "carol")
	env.open(t, 50, "poorguy")
	ctx := context.Background()

	snap, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)

	_, err = env.engine.Join(ctx, snap.ID, "alice")
	require.NoError(t, err)

	_, err = env.engine.Join(ctx, snap.ID, "alice")
	assert.Equal(t, CodeAlreadyJoined, CodeOf(err))

	_, err = env.engine.Join(ctx, snap.ID, "poorguy")
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
	bal, err := env.ledger.BalanceOf("poorguy")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Available, "a refused join must not move money")

	_, err = env.engine.Join(ctx, snap.ID, "bob")
	require.NoError(t, err)

	_, err = env.engine.Join(ctx, snap.ID, "carol")
	assert.Equal(t, CodeMatchNotActive, CodeOf(err), "a full match stops accepting participants")

	_, err = env.engine.Join(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAA", "carol")
	assert.Equal(t, CodeMatchNotFound, CodeOf(err))
}

func TestConcurrentJoinsAdmitExactlyCapacity(t *testing.T) {
	env := newTestEnv(t, testRules())
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	env.open(t, 1000, users...)

	snap, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := env.engine.Join(ctx, snap.ID, u); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 2, admitted)

	locked := int64(0)
	for _, u := range users {
		bal, err := env.ledger.BalanceOf(u)
		require.NoError(t, err)
		locked += bal.Locked
	}
	assert.Equal(t, int64(200), locked, "only admitted participants hold escrow")
}

func TestFullMatchPaysWinner(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)

	final := env.playUntilDone(t, matchID)
	require.Equal(t, StatusFinished, final.Status)
	require.NotEmpty(t, final.WinnerID)
	assert.True(t, env.settler.Settled(matchID))

	// 200 staked, 10% fee leaves a 180 pool, 90% share pays 162.
	winner, err := env.ledger.BalanceOf(final.WinnerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1162), winner.Available)
	assert.Zero(t, winner.Locked)

	loserID := "alice"
	if final.WinnerID == "alice" {
		loserID = "bob"
	}
	loser, err := env.ledger.BalanceOf(loserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), loser.Available, "the loser's escrow is restored")
	assert.Zero(t, loser.Locked)
}

func TestMoveSequenceContiguity(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	holder := snap.TurnHolder

	// A gap and a replay are both protocol rejections with no state
	// change.
	_, err = env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+2, Shot{Force: 10})
	assert.Equal(t, CodeSequenceGap, CodeOf(err))
	assert.Equal(t, KindProtocol, KindOf(err))
	_, err = env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence, Shot{Force: 10})
	assert.Equal(t, CodeSequenceGap, CodeOf(err))

	after, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, snap.Sequence, after.Sequence)
	assert.Equal(t, snap.MoveCount, after.MoveCount)

	out, err := env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	require.True(t, out.Accepted)
	assert.Equal(t, snap.Sequence+1, out.Move.Sequence)
	// Applied sequence tracks the move count exactly: 0..n-1 with no
	// holes.
	assert.Equal(t, out.Snapshot.Sequence, int64(out.Snapshot.MoveCount)-1)
}

func TestMoveRejections(t *testing.T) {
	rules := testRules()
	rules.MinMoveInterval = 250 * time.Millisecond
	env := newTestEnv(t, rules)
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	holder := snap.TurnHolder
	other := "bob"
	if holder == "bob" {
		other = "alice"
	}

	_, err = env.engine.SubmitMove(ctx, matchID, other, snap.Sequence+1, Shot{Force: 10})
	assert.Equal(t, CodeNotYourTurn, CodeOf(err))

	_, err = env.engine.SubmitMove(ctx, matchID, "stranger", snap.Sequence+1, Shot{Force: 10})
	assert.Equal(t, CodeNotYourTurn, CodeOf(err))

	_, err = env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: rules.MaxForce + 1})
	assert.Equal(t, CodeInvalidPayload, CodeOf(err))
	_, err = env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: 10, Angle: rules.MaxAngle + 1})
	assert.Equal(t, CodeInvalidPayload, CodeOf(err))
	_, err = env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: -1})
	assert.Equal(t, CodeInvalidPayload, CodeOf(err))

	// First valid move, then an immediate follow-up inside the minimum
	// interval.
	out, err := env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	require.True(t, out.Accepted)
	_, err = env.engine.SubmitMove(ctx, matchID, holder, out.Move.Sequence+1, Shot{Force: 10})
	assert.Equal(t, CodeRateLimited, CodeOf(err))
}

func TestProtocolViolationsFeedFraudSignal(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	holder := snap.TurnHolder

	for i := 0; i < 4; i++ {
		_, err := env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+5, Shot{Force: 10})
		require.Error(t, err)
	}

	out, err := env.engine.SubmitMove(ctx, matchID, holder, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	assert.Equal(t, 20, out.FraudScore, "four violations add twenty to the behavioral signal")
}

func TestTurnTimeoutsForfeitAfterLimit(t *testing.T) {
	rules := testRules()
	missResolver := ResolverFunc(func(_ *Match, _ *Participant, _ Shot) Outcome {
		return Outcome{Result: ResultMiss, CoinID: -1, OpponentCoinID: -1}
	})
	env := newTestEnv(t, rules, WithResolver(missResolver))
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	idler := snap.TurnHolder
	survivor := "bob"
	if idler == "bob" {
		survivor = "alice"
	}

	// The idler never moves; the survivor misses promptly, handing the
	// turn straight back, so only the idler accumulates timeouts.
	for i := 0; i < rules.MaxTimeouts; i++ {
		env.clock.Advance(rules.TurnBudget).MustWait(ctx)
		env.clock.Advance(time.Millisecond).MustWait(ctx)
		snap, err = env.engine.Snapshot(ctx, matchID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			break
		}
		if snap.TurnHolder == survivor {
			out, err := env.engine.SubmitMove(ctx, matchID, survivor, snap.Sequence+1, Shot{Force: 10})
			require.NoError(t, err)
			require.True(t, out.Accepted)
		}
	}

	final, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	require.Equal(t, StatusForfeited, final.Status)
	assert.Equal(t, survivor, final.WinnerID)
	assert.True(t, env.settler.Settled(matchID))

	winBal, err := env.ledger.BalanceOf(survivor)
	require.NoError(t, err)
	assert.Equal(t, int64(1162), winBal.Available)
	loseBal, err := env.ledger.BalanceOf(idler)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), loseBal.Available)
}

func TestLateMoveAfterExpiryIsNotTheHoldersTurn(t *testing.T) {
	rules := testRules()
	env := newTestEnv(t, rules)
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	holder := snap.TurnHolder

	env.clock.Advance(rules.TurnBudget).MustWait(ctx)
	env.clock.Advance(time.Millisecond).MustWait(ctx)

	// The expiry was applied first, so the holder's late move finds the
	// turn already passed. Exactly one synthetic timeout was recorded.
	after, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, snap.MoveCount+1, after.MoveCount)
	assert.NotEqual(t, holder, after.TurnHolder)

	_, err = env.engine.SubmitMove(ctx, matchID, holder, after.Sequence+1, Shot{Force: 10})
	assert.Equal(t, CodeNotYourTurn, CodeOf(err))
}

func TestForceTimeoutCheckIsIdempotent(t *testing.T) {
	rules := testRules()
	env := newTestEnv(t, rules)
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	before, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)

	// Within budget nothing happens, however often it is asked.
	for i := 0; i < 3; i++ {
		snap, err := env.engine.ForceTimeoutCheck(ctx, matchID)
		require.NoError(t, err)
		assert.Equal(t, before.MoveCount, snap.MoveCount)
		assert.Equal(t, before.TurnHolder, snap.TurnHolder)
	}
}

func TestForfeitConcedesToRemaining(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Forfeit(ctx, matchID, "alice", "rage_quit")
	require.NoError(t, err)
	assert.Equal(t, StatusForfeited, snap.Status)
	assert.Equal(t, "bob", snap.WinnerID)
	assert.True(t, env.settler.Settled(matchID))

	bob, err := env.ledger.BalanceOf("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1162), bob.Available)
	alice, err := env.ledger.BalanceOf("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), alice.Available)

	_, err = env.engine.SubmitMove(ctx, matchID, "bob", snap.Sequence+1, Shot{Force: 10})
	assert.Equal(t, CodeMatchNotActive, CodeOf(err))
}

func TestForfeitBeforeStartCancelsAndRefunds(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice")
	ctx := context.Background()

	created, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, created.ID, "alice")
	require.NoError(t, err)

	snap, err := env.engine.Forfeit(ctx, created.ID, "alice", "changed_mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.False(t, snap.NeedsReview)

	bal, err := env.ledger.BalanceOf("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Zero(t, bal.Locked)
}

func TestFillTimeoutCancels(t *testing.T) {
	rules := testRules()
	env := newTestEnv(t, rules)
	env.open(t, 1000, "alice")
	ctx := context.Background()

	created, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, created.ID, "alice")
	require.NoError(t, err)

	env.clock.Advance(rules.FillTimeout).MustWait(ctx)
	env.clock.Advance(time.Millisecond).MustWait(ctx)

	snap, err := env.engine.Snapshot(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)

	bal, err := env.ledger.BalanceOf("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Zero(t, bal.Locked)
}

func TestAbortRunningMatchNeedsReview(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Abort(ctx, matchID, "operator_abort")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.True(t, snap.NeedsReview)
	assert.False(t, env.settler.Settled(matchID), "review-flagged aborts are never auto-settled")

	// Stakes stay escrowed until an operator decides.
	for _, u := range []string{"alice", "bob"} {
		bal, err := env.ledger.BalanceOf(u)
		require.NoError(t, err)
		assert.Equal(t, int64(100), bal.Locked)
	}
}

func TestResolveAbortedRefund(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	_, err := env.engine.Abort(ctx, matchID, "operator_abort")
	require.NoError(t, err)

	snap, err := env.engine.ResolveAborted(ctx, matchID, true)
	require.NoError(t, err)
	assert.False(t, snap.NeedsReview)

	for _, u := range []string{"alice", "bob"} {
		bal, err := env.ledger.BalanceOf(u)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), bal.Available)
		assert.Zero(t, bal.Locked)
	}
}

func TestResolveAbortedConfiscates(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	_, err := env.engine.Abort(ctx, matchID, "collusion_suspected")
	require.NoError(t, err)

	_, err = env.engine.ResolveAborted(ctx, matchID, false)
	require.NoError(t, err)

	for _, u := range []string{"alice", "bob"} {
		bal, err := env.ledger.BalanceOf(u)
		require.NoError(t, err)
		assert.Equal(t, int64(900), bal.Available)
		assert.Zero(t, bal.Locked)
	}
}

func TestResolveAbortedRequiresReviewState(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	_, err := env.engine.ResolveAborted(ctx, matchID, true)
	assert.Equal(t, CodeNeedsReview, CodeOf(err))
}

func TestFraudForfeitDisqualifiesStriker(t *testing.T) {
	env := newTestEnv(t, testRules(), WithBehaviorSignal(func(string) int { return 100 }))
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	cheat := snap.TurnHolder
	honest := "bob"
	if cheat == "bob" {
		honest = "alice"
	}

	out, err := env.engine.SubmitMove(ctx, matchID, cheat, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	assert.True(t, out.Forfeited)
	assert.False(t, out.Accepted)
	assert.Equal(t, StatusForfeited, out.Snapshot.Status)
	assert.Equal(t, honest, out.Snapshot.WinnerID)

	alerts := env.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, cheat, alerts[0].UserID)
	assert.Equal(t, fraud.SeverityHigh, alerts[0].Severity)

	// The flagged move is not in the log.
	assert.Equal(t, snap.MoveCount, out.Snapshot.MoveCount)
}

func TestSimultaneousThresholdFavorsStriker(t *testing.T) {
	rules := testRules()
	rules.WinScore = 2
	// One strike pockets a striker coin and knocks an opponent coin in,
	// pushing both across the threshold on the same move.
	resolver := ResolverFunc(func(_ *Match, striker *Participant, _ Shot) Outcome {
		return Outcome{
			Result:         ResultSuccess,
			CoinID:         striker.Coins[0].ID,
			Points:         2,
			OpponentCoinID: striker.Coins[0].ID,
			OpponentPoints: 2,
		}
	})
	env := newTestEnv(t, rules, WithResolver(resolver))
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	striker := snap.TurnHolder

	out, err := env.engine.SubmitMove(ctx, matchID, striker, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, out.Snapshot.Status)
	assert.Equal(t, striker, out.Snapshot.WinnerID, "the mover wins a same-move tie")
}

func TestFouledStrikeCanDecideForOpponent(t *testing.T) {
	rules := testRules()
	rules.WinScore = 2
	// The strike fouls: it knocks an opponent coin in without the
	// striker scoring, so only the opponent crosses the threshold.
	resolver := ResolverFunc(func(_ *Match, _ *Participant, _ Shot) Outcome {
		return Outcome{Result: ResultFoul, CoinID: -1, OpponentCoinID: 0, OpponentPoints: 2}
	})
	env := newTestEnv(t, rules, WithResolver(resolver))
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	first := snap.TurnHolder

	// The foul pushes the opponent across the threshold, which decides
	// the match immediately in their favor.
	out, err := env.engine.SubmitMove(ctx, matchID, first, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, out.Snapshot.Status)
	assert.NotEqual(t, first, out.Snapshot.WinnerID)
}

func TestMissPassesTurn(t *testing.T) {
	resolver := ResolverFunc(func(_ *Match, _ *Participant, _ Shot) Outcome {
		return Outcome{Result: ResultMiss, CoinID: -1, OpponentCoinID: -1}
	})
	env := newTestEnv(t, testRules(), WithResolver(resolver))
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	first := snap.TurnHolder

	out, err := env.engine.SubmitMove(ctx, matchID, first, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	require.True(t, out.Accepted)
	assert.NotEqual(t, first, out.Snapshot.TurnHolder)
}

func TestPocketRetainsTurn(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	first := snap.TurnHolder

	out, err := env.engine.SubmitMove(ctx, matchID, first, snap.Sequence+1, Shot{Force: 10})
	require.NoError(t, err)
	require.True(t, out.Accepted)
	assert.Equal(t, ResultSuccess, out.Move.Result)
	assert.Equal(t, first, out.Snapshot.TurnHolder)
}

func TestCountdownDelaysStart(t *testing.T) {
	rules := testRules()
	rules.Countdown = 3 * time.Second
	env := newTestEnv(t, rules)
	env.open(t, 1000, "alice", "bob")
	ctx := context.Background()

	created, err := env.engine.CreateMatch(ctx, "classic", 100)
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, created.ID, "alice")
	require.NoError(t, err)
	snap, err := env.engine.Join(ctx, created.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, snap.Status)

	env.clock.Advance(rules.Countdown).MustWait(ctx)

	snap, err = env.engine.Snapshot(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.NotEmpty(t, snap.TurnHolder)
	assert.Equal(t, int64(180), snap.PrizePool)
}

func TestJournalRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	final := env.playUntilDone(t, matchID)
	require.Equal(t, StatusFinished, final.Status)

	events, err := env.journal.Events(ctx, matchID)
	require.NoError(t, err)

	types := make(map[string]int)
	for _, ev := range events {
		types[ev.Type]++
	}
	assert.Equal(t, 1, types["match_created"])
	assert.Equal(t, 2, types["player_joined"])
	assert.Equal(t, 1, types["match_started"])
	assert.Equal(t, final.MoveCount, types["move_played"])
	assert.Equal(t, 1, types["match_finished"])
	assert.Equal(t, 1, types["settlement_completed"])
}

func TestBoardIsSymmetricAtStart(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)

	snap, err := env.engine.Snapshot(context.Background(), matchID)
	require.NoError(t, err)
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, snap.Participants[0].CoinsRemaining, snap.Participants[1].CoinsRemaining)
	assert.Equal(t, testRules().CoinsPerPlayer, snap.Participants[0].CoinsRemaining)
	assert.Zero(t, snap.Participants[0].Score)
	assert.Zero(t, snap.Participants[1].Score)
}

func TestMoveBeforeDeadlineDiscardsStaleTimer(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	ctx := context.Background()

	out, err := env.engine.SubmitMove(ctx, matchID, "alice", 0, Shot{X: 10, Y: 20, Angle: 45, Force: 30})
	require.NoError(t, err)
	require.True(t, out.Accepted)

	// A deadline stamped for the turn alice just completed, as when the
	// timer fires an instant before her move drains from the mailbox.
	env.engine.mu.Lock()
	r := env.engine.runners[matchID]
	env.engine.mu.Unlock()
	r.post(command{kind: cmdDeadline, turnCount: 0})

	// The snapshot request queues behind the stale deadline, so by the
	// time it answers the deadline has been dispatched and discarded.
	snap, err := env.engine.Snapshot(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, out.Move.Sequence, snap.Sequence, "no synthetic timeout appended")
	assert.Equal(t, 1, snap.MoveCount)
	for _, p := range snap.Participants {
		assert.Zero(t, p.Timeouts)
	}
}

func TestRecoverFromStoredSnapshotAfterRestart(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	final := env.playUntilDone(t, matchID)
	require.Equal(t, StatusFinished, final.Status)

	// A fresh engine over the same journal, as after a process restart:
	// the registry is empty but the durable state is not.
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)
	ledger := wallet.NewLedger()
	settler := settle.New(ledger, env.journal, quartz.NewReal(), logger, time.Second)
	restarted := New(ledger, env.journal, settler, logger)
	t.Cleanup(restarted.Close)

	ctx := context.Background()
	_, err := restarted.Snapshot(ctx, matchID)
	require.Error(t, err)
	assert.Equal(t, CodeMatchNotFound, CodeOf(err))

	snap, err := restarted.Recover(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, snap.Status)
	assert.Equal(t, final.WinnerID, snap.WinnerID)
	assert.Equal(t, final.PrizePool, snap.PrizePool)
	assert.Equal(t, final.MoveCount, snap.MoveCount)
	assert.Equal(t, final.Sequence, snap.Sequence)
}

func TestRecoverFoldsEventLogWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t, testRules())
	env.open(t, 1000, "alice", "bob")
	matchID := env.startMatch(t, 100)
	final := env.playUntilDone(t, matchID)
	require.Equal(t, StatusFinished, final.Status)

	// A journal that kept the event log but lost its snapshot.
	ctx := context.Background()
	events, err := env.journal.Events(ctx, matchID)
	require.NoError(t, err)
	logOnly := journal.NewMemory()
	for _, ev := range events {
		require.NoError(t, logOnly.Append(ctx, ev))
	}

	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)
	ledger := wallet.NewLedger()
	settler := settle.New(ledger, logOnly, quartz.NewReal(), logger, time.Second)
	restarted := New(ledger, logOnly, settler, logger)
	t.Cleanup(restarted.Close)

	snap, err := restarted.Recover(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, snap.Status)
	assert.Equal(t, final.WinnerID, snap.WinnerID)
	assert.Equal(t, final.PrizePool, snap.PrizePool)
	assert.Equal(t, final.MoveCount, snap.MoveCount)
	assert.Equal(t, final.Sequence, snap.Sequence)
	require.Len(t, snap.Participants, 2)
	for i, p := range final.Participants {
		assert.Equal(t, p.UserID, snap.Participants[i].UserID)
		assert.Equal(t, p.Score, snap.Participants[i].Score)
	}

	_, err = restarted.Recover(ctx, "gone")
	require.Error(t, err)
	assert.Equal(t, CodeMatchNotFound, CodeOf(err))
}
