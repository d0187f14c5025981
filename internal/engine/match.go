package engine

import (
	"math/rand"
	"time"
)

// Status is the match lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusForfeited Status = "forfeited"
)

// Terminal reports whether no further moves or participant changes are
// accepted.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusForfeited
}

// Rules is the per-mode ruleset a match is created with. Fee and winner
// share are configuration, never constants.
type Rules struct {
	Mode               string
	Capacity           int
	StakeMin           int64
	StakeMax           int64
	FeePercent         int64
	WinnerSharePercent int64
	WinScore           int
	CoinsPerPlayer     int
	TurnBudget         time.Duration
	FillTimeout        time.Duration
	Countdown          time.Duration
	MaxTimeouts        int // consecutive timeouts before forfeit
	MinMoveInterval    time.Duration
	MaxForce           float64
	MaxAngle           float64
}

// DefaultRules returns the classic two-player ruleset.
func DefaultRules() Rules {
	return Rules{
		Mode:               "classic",
		Capacity:           2,
		StakeMin:           10,
		StakeMax:           2000,
		FeePercent:         10,
		WinnerSharePercent: 90,
		WinScore:           15,
		CoinsPerPlayer:     9,
		TurnBudget:         30 * time.Second,
		FillTimeout:        2 * time.Minute,
		Countdown:          3 * time.Second,
		MaxTimeouts:        3,
		MinMoveInterval:    250 * time.Millisecond,
		MaxForce:           100,
		MaxAngle:           360,
	}
}

// Validate checks the ruleset is internally coherent.
func (r Rules) Validate() error {
	if r.Capacity < 2 {
		return newError(KindValidation, CodeUnknownMode, "mode %q capacity must be at least 2", r.Mode)
	}
	if r.StakeMin <= 0 || r.StakeMax < r.StakeMin {
		return newError(KindValidation, CodeUnknownMode, "mode %q has invalid stake range [%d,%d]", r.Mode, r.StakeMin, r.StakeMax)
	}
	if r.FeePercent < 0 || r.FeePercent > 100 {
		return newError(KindValidation, CodeUnknownMode, "mode %q fee percent %d out of range", r.Mode, r.FeePercent)
	}
	if r.WinnerSharePercent < 0 || r.WinnerSharePercent > 100 {
		return newError(KindValidation, CodeUnknownMode, "mode %q winner share %d out of range", r.Mode, r.WinnerSharePercent)
	}
	if r.WinScore <= 0 || r.CoinsPerPlayer <= 0 {
		return newError(KindValidation, CodeUnknownMode, "mode %q requires positive win score and coin count", r.Mode)
	}
	return nil
}

// Role distinguishes the match creator's side from later joiners.
type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// Coin is a pocketable board resource assigned to one participant.
type Coin struct {
	ID    int
	Value int
}

// Participant is one player's state within a match. Owned exclusively by
// the match; never shared across matches.
type Participant struct {
	UserID string
	Role   Role
	Coins  []Coin // remaining, in strike order
	Score  int
	Ready  bool
	Active bool // false after disconnect or forfeit

	ConsecutiveTimeouts int
	Misbehavior         int // protocol violations, feeds fraud scoring
	LastMoveAt          time.Time

	// thresholdSeq is the sequence number of the move that first met the
	// win condition, -1 until then. Lower wins the tie-break.
	thresholdSeq int64
}

// removeCoin takes the identified coin off the participant's board.
func (p *Participant) removeCoin(coinID int) {
	for i, c := range p.Coins {
		if c.ID == coinID {
			p.Coins = append(p.Coins[:i], p.Coins[i+1:]...)
			return
		}
	}
}

// MoveResult is the computed effect of a strike.
type MoveResult string

const (
	ResultSuccess MoveResult = "success"
	ResultMiss    MoveResult = "miss"
	ResultFoul    MoveResult = "foul"
	ResultTimeout MoveResult = "timeout"
)

// Shot is the player-supplied action descriptor.
type Shot struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
	Force float64 `json:"force"`
}

// Move is one entry in a match's append-only move log. Moves are never
// edited or removed once appended.
type Move struct {
	MatchID       string
	UserID        string
	Sequence      int64
	Shot          Shot
	Result        MoveResult
	PointsAwarded int
	CoinPocketed  int // coin ID, -1 if none
	PlayedAt      time.Time
	FraudScore    int
	Valid         bool
	Synthetic     bool // true for engine-generated timeout moves
}

// Match is the authoritative record of one match. All mutation is
// serialized through the match's runner.
type Match struct {
	ID        string
	Rules     Rules
	Stake     int64
	PrizePool int64 // fixed at fill time, never recomputed
	Status    Status

	Participants  []*Participant
	TurnIndex     int
	TurnCount     int
	Sequence      int64 // last applied sequence, -1 before the first move
	TurnStartedAt time.Time

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	WinnerID string
	Moves    []Move

	// NeedsReview marks a match whose money movement requires manual
	// operator resolution instead of automatic settlement.
	NeedsReview bool

	Seed int64
}

func newMatch(id string, rules Rules, stake, seed int64, now time.Time) *Match {
	return &Match{
		ID:        id,
		Rules:     rules,
		Stake:     stake,
		Status:    StatusWaiting,
		Sequence:  -1,
		CreatedAt: now,
		Seed:      seed,
	}
}

func (m *Match) participant(userID string) *Participant {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (m *Match) turnHolder() *Participant {
	if m.TurnIndex < 0 || m.TurnIndex >= len(m.Participants) {
		return nil
	}
	return m.Participants[m.TurnIndex]
}

func (m *Match) activeCount() int {
	n := 0
	for _, p := range m.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// nextActiveAfter returns the next active participant after p in turn
// order, or nil when p is the only one left.
func (m *Match) nextActiveAfter(p *Participant) *Participant {
	idx := -1
	for i, q := range m.Participants {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for i := 1; i < len(m.Participants); i++ {
		q := m.Participants[(idx+i)%len(m.Participants)]
		if q.Active {
			return q
		}
	}
	return nil
}

// advanceTurn moves the turn to the next active participant.
func (m *Match) advanceTurn() {
	if len(m.Participants) == 0 {
		return
	}
	for i := 1; i <= len(m.Participants); i++ {
		idx := (m.TurnIndex + i) % len(m.Participants)
		if m.Participants[idx].Active {
			m.TurnIndex = idx
			return
		}
	}
}

// fill fixes the prize pool from the locked stakes minus the platform
// fee. Called exactly once, when capacity is reached.
func (m *Match) fill() {
	total := m.Stake * int64(len(m.Participants))
	fee := total * m.Rules.FeePercent / 100
	m.PrizePool = total - fee
}

// payout is the winner's share of the prize pool.
func (m *Match) payout() int64 {
	return m.PrizePool * m.Rules.WinnerSharePercent / 100
}

// initBoard deals every participant an identical, seeded coin set so
// starting resources are symmetric.
func (m *Match) initBoard() {
	rng := rand.New(rand.NewSource(m.Seed))

	base := make([]Coin, m.Rules.CoinsPerPlayer)
	for i := range base {
		base[i] = Coin{ID: i, Value: 1 + i%3}
	}
	rng.Shuffle(len(base), func(i, j int) {
		base[i], base[j] = base[j], base[i]
	})

	for _, p := range m.Participants {
		coins := make([]Coin, len(base))
		copy(coins, base)
		p.Coins = coins
		p.Score = 0
		p.thresholdSeq = -1
		p.Ready = true
	}
}

// metWinCondition reports whether p has reached the score threshold or
// exhausted their own coins.
func (m *Match) metWinCondition(p *Participant) bool {
	return p.Score >= m.Rules.WinScore || len(p.Coins) == 0
}

// decideWinner picks the active participant who met the win condition
// first, by the sequence number of the move that crossed the threshold.
// When two participants crossed on the same move, the striker of that
// move wins as the proximate cause.
func (m *Match) decideWinner(striker *Participant) *Participant {
	var best *Participant
	for _, p := range m.Participants {
		if !p.Active || p.thresholdSeq < 0 {
			continue
		}
		switch {
		case best == nil:
			best = p
		case p.thresholdSeq < best.thresholdSeq:
			best = p
		case p.thresholdSeq == best.thresholdSeq && p == striker:
			best = p
		}
	}
	return best
}

// ParticipantSnapshot is a read-only participant view.
type ParticipantSnapshot struct {
	UserID         string
	Role           Role
	Score          int
	CoinsRemaining int
	Active         bool
	Timeouts       int
}

// MatchSnapshot is an immutable copy of match state for reads and
// broadcast. Safe to retain across goroutines.
type MatchSnapshot struct {
	ID            string
	Mode          string
	Status        Status
	Stake         int64
	PrizePool     int64
	Participants  []ParticipantSnapshot
	TurnHolder    string
	TurnCount     int
	Sequence      int64
	TurnRemaining time.Duration
	WinnerID      string
	NeedsReview   bool
	MoveCount     int
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
}

func (m *Match) snapshot(now time.Time) MatchSnapshot {
	snap := MatchSnapshot{
		ID:          m.ID,
		Mode:        m.Rules.Mode,
		Status:      m.Status,
		Stake:       m.Stake,
		PrizePool:   m.PrizePool,
		TurnCount:   m.TurnCount,
		Sequence:    m.Sequence,
		WinnerID:    m.WinnerID,
		NeedsReview: m.NeedsReview,
		MoveCount:   len(m.Moves),
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
	}
	for _, p := range m.Participants {
		snap.Participants = append(snap.Participants, ParticipantSnapshot{
			UserID:         p.UserID,
			Role:           p.Role,
			Score:          p.Score,
			CoinsRemaining: len(p.Coins),
			Active:         p.Active,
			Timeouts:       p.ConsecutiveTimeouts,
		})
	}
	if m.Status == StatusRunning {
		if holder := m.turnHolder(); holder != nil {
			snap.TurnHolder = holder.UserID
		}
		remaining := m.Rules.TurnBudget - now.Sub(m.TurnStartedAt)
		if remaining < 0 {
			remaining = 0
		}
		snap.TurnRemaining = remaining
	}
	return snap
}
