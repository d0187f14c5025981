// Command strikeclash-simulate drives scripted matches against
// in-process engines and reports outcome and wallet statistics. Useful
// for sanity-checking rule changes before deployment.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"strikeclash/internal/engine"
	"strikeclash/internal/journal"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

type CLI struct {
	Matches int   `default:"1000" help:"Number of matches to simulate"`
	Workers int   `default:"0" help:"Parallel workers (0 for NumCPU)"`
	Stake   int64 `default:"100" help:"Stake per participant"`
	Balance int64 `default:"100000" help:"Opening balance per player"`
	Seed    int64 `default:"0" help:"RNG seed (0 for random)"`
	MissPct int   `default:"40" help:"Percent chance a strike misses"`
	Verbose bool  `short:"v" help:"Verbose logging"`
}

// workerResult holds the aggregate outcome of one worker's matches.
type workerResult struct {
	matches      int
	finished     int
	forfeited    int
	winsByHost   int
	moves        int
	maxMoves     int
	availTotal   int64
	lockedTotal  int64
	openingTotal int64
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli)

	logger := log.New(os.Stderr)
	if cli.Verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}

	seed := cli.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	workers := cli.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > cli.Matches {
		workers = cli.Matches
	}
	if workers < 1 {
		workers = 1
	}
	perWorker := cli.Matches / workers
	remainder := cli.Matches % workers

	rules := engine.DefaultRules()
	rules.StakeMax = cli.Stake * 10
	rules.Countdown = 0
	rules.MinMoveInterval = 0
	rules.TurnBudget = 0 // scripted players never idle

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	results := make(chan workerResult, workers)

	// Each worker runs its own engine with an independent RNG so
	// workers never contend on shared state.
	for w := 0; w < workers; w++ {
		count := perWorker
		if w < remainder {
			count++
		}
		workerSeed := rng.Int63()

		g.Go(func() error {
			result, err := runWorker(ctx, cli, rules, count, workerSeed, logger)
			if err != nil {
				return err
			}
			select {
			case results <- result:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	go func() {
		defer close(results)
		g.Wait()
	}()

	var total workerResult
	for r := range results {
		total.matches += r.matches
		total.finished += r.finished
		total.forfeited += r.forfeited
		total.winsByHost += r.winsByHost
		total.moves += r.moves
		if r.maxMoves > total.maxMoves {
			total.maxMoves = r.maxMoves
		}
		total.availTotal += r.availTotal
		total.lockedTotal += r.lockedTotal
		total.openingTotal += r.openingTotal
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("Error: %v\n", err)
		kctx.Exit(1)
	}
	elapsed := time.Since(start)

	// Every decided match disburses exactly one payout from the fee'd
	// pool; escrows are restored in full.
	pot := 2 * cli.Stake
	pool := pot - pot*rules.FeePercent/100
	payout := pool * rules.WinnerSharePercent / 100
	decided := total.finished + total.forfeited
	expected := total.openingTotal + payout*int64(decided)

	fmt.Printf("Simulated %d matches across %d workers in %s (seed %d)\n",
		total.matches, workers, elapsed.Round(time.Millisecond), seed)
	fmt.Printf("  finished:   %d\n", total.finished)
	fmt.Printf("  forfeited:  %d\n", total.forfeited)
	fmt.Printf("  host wins:  %d (%.1f%%)\n", total.winsByHost, 100*float64(total.winsByHost)/float64(total.matches))
	fmt.Printf("  avg moves:  %.1f (max %d)\n", float64(total.moves)/float64(total.matches), total.maxMoves)
	fmt.Printf("  payouts:    %d x %d\n", decided, payout)

	if total.lockedTotal != 0 {
		fmt.Printf("LEAK: %d locked funds remain after settlement\n", total.lockedTotal)
		kctx.Exit(1)
	}
	if total.availTotal != expected {
		fmt.Printf("LEAK: player total %d, expected %d\n", total.availTotal, expected)
		kctx.Exit(1)
	}
}

// runWorker plays count matches between a host/joiner pair on a private
// engine and returns the aggregated statistics.
func runWorker(ctx context.Context, cli CLI, rules engine.Rules, count int, seed int64, logger *log.Logger) (workerResult, error) {
	rng := rand.New(rand.NewSource(seed))

	// A resolver with a configurable miss rate exercises turn passing.
	resolver := engine.ResolverFunc(func(_ *engine.Match, striker *engine.Participant, _ engine.Shot) engine.Outcome {
		if len(striker.Coins) == 0 || rng.Intn(100) < cli.MissPct {
			return engine.Outcome{Result: engine.ResultMiss, CoinID: -1, OpponentCoinID: -1}
		}
		coin := striker.Coins[0]
		return engine.Outcome{Result: engine.ResultSuccess, CoinID: coin.ID, Points: coin.Value, OpponentCoinID: -1}
	})

	ledger := wallet.NewLedger()
	jnl := journal.NewMemory()
	settler := settle.New(ledger, jnl, quartz.NewReal(), logger, 0)
	eng := engine.New(ledger, jnl, settler, logger,
		engine.WithModes(map[string]engine.Rules{rules.Mode: rules}),
		engine.WithResolver(resolver),
	)
	defer eng.Close()

	for _, u := range []string{"host", "joiner"} {
		if err := ledger.Open(u, cli.Balance); err != nil {
			return workerResult{}, fmt.Errorf("opening wallet: %w", err)
		}
	}

	result := workerResult{openingTotal: 2 * cli.Balance}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return workerResult{}, err
		}
		snap, err := eng.CreateMatch(ctx, rules.Mode, cli.Stake)
		if err != nil {
			return workerResult{}, fmt.Errorf("creating match %d: %w", i, err)
		}
		if _, err := eng.Join(ctx, snap.ID, "host"); err != nil {
			return workerResult{}, fmt.Errorf("joining match %d: %w", i, err)
		}
		if _, err := eng.Join(ctx, snap.ID, "joiner"); err != nil {
			return workerResult{}, fmt.Errorf("joining match %d: %w", i, err)
		}

		final, moves, err := playOut(ctx, eng, snap.ID)
		if err != nil {
			return workerResult{}, fmt.Errorf("playing match %d: %w", i, err)
		}

		result.matches++
		result.moves += moves
		if moves > result.maxMoves {
			result.maxMoves = moves
		}
		switch final.Status {
		case engine.StatusFinished:
			result.finished++
		case engine.StatusForfeited:
			result.forfeited++
		}
		if final.WinnerID == "host" {
			result.winsByHost++
		}
		logger.Debug("Match complete", "n", i, "winner", final.WinnerID, "moves", moves)
	}

	hostBal, _ := ledger.BalanceOf("host")
	joinerBal, _ := ledger.BalanceOf("joiner")
	result.availTotal = hostBal.Available + joinerBal.Available
	result.lockedTotal = hostBal.Locked + joinerBal.Locked
	return result, nil
}

// playOut submits turn-holder moves until the match ends.
func playOut(ctx context.Context, eng *engine.Engine, matchID string) (engine.MatchSnapshot, int, error) {
	moves := 0
	for {
		snap, err := eng.Snapshot(ctx, matchID)
		if err != nil {
			return engine.MatchSnapshot{}, moves, err
		}
		if snap.Status.Terminal() {
			return snap, moves, nil
		}
		shot := engine.Shot{X: 50, Y: 50, Angle: 180, Force: 40}
		if _, err := eng.SubmitMove(ctx, matchID, snap.TurnHolder, snap.Sequence+1, shot); err != nil {
			return engine.MatchSnapshot{}, moves, err
		}
		moves++
	}
}
