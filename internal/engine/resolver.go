package engine

// Outcome is the physical effect of a strike as computed by the
// resolver. A foul can also knock one of the opponent's coins in,
// scoring for the opponent on the striker's move.
type Outcome struct {
	Result MoveResult
	CoinID int // striker's pocketed coin, -1 if none
	Points int

	OpponentCoinID int // opponent coin knocked in, -1 if none
	OpponentPoints int
}

// Resolver is the pluggable physics collaborator. The engine never
// simulates trajectories itself; it applies whatever effect the resolver
// reports for an already-validated shot.
type Resolver interface {
	Resolve(m *Match, striker *Participant, shot Shot) Outcome
}

// PocketResolver is the placeholder collaborator used until a real
// simulator is plugged in: every validated strike pockets the striker's
// next remaining coin. Deterministic, so matches stay reproducible from
// the move log alone.
type PocketResolver struct{}

func (PocketResolver) Resolve(_ *Match, striker *Participant, _ Shot) Outcome {
	if len(striker.Coins) == 0 {
		return Outcome{Result: ResultMiss, CoinID: -1, OpponentCoinID: -1}
	}
	coin := striker.Coins[0]
	return Outcome{Result: ResultSuccess, CoinID: coin.ID, Points: coin.Value, OpponentCoinID: -1}
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(m *Match, striker *Participant, shot Shot) Outcome

func (f ResolverFunc) Resolve(m *Match, striker *Participant, shot Shot) Outcome {
	return f(m, striker, shot)
}
