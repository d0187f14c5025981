// Package fraud scores moves for suspicious play patterns.
//
// Scoring is a pure function of the move being played, a bounded window
// of the player's recent moves, and an optional behavioral signal from an
// external collaborator. The score feeds a three-way decision: forfeit,
// flag for review, or accept.
package fraud

import (
	"time"
)

// Config holds the scoring thresholds. Zero physical bounds mean the
// plausibility check is not configured and always passes.
type Config struct {
	TimingWindow      int     // max trailing moves considered for timing
	MinTimingSamples  int     // minimum inter-move intervals required
	VarianceThreshold float64 // ms^2, below which timing is "too regular"
	FastMean          float64 // ms, regular-and-fast threshold
	VeryFastMean      float64 // ms, inhumanly fast threshold

	AccuracyWindow      int     // minimum trailing results for accuracy
	HighSuccessRate     float64 // above this, +50
	ElevatedSuccessRate float64 // above this, +30

	MaxForce float64 // physical plausibility bound, 0 = unconfigured
	MaxAngle float64

	ForfeitScore int // strictly above forfeits the player
	ReviewScore  int // strictly above emits a review alert
}

// DefaultConfig returns the standard scoring thresholds.
func DefaultConfig() Config {
	return Config{
		TimingWindow:        20,
		MinTimingSamples:    3,
		VarianceThreshold:   10000, // stddev under 100ms between moves
		FastMean:            2000,
		VeryFastMean:        500,
		AccuracyWindow:      10,
		HighSuccessRate:     0.95,
		ElevatedSuccessRate: 0.85,
		ForfeitScore:        75,
		ReviewScore:         50,
	}
}

// Move is the scorer's view of a played move.
type Move struct {
	PlayedAt time.Time
	Force    float64
	Angle    float64
	Success  bool
}

// Score computes the 0-100 suspicion score for mv given the player's
// recent history (oldest first) and an external behavioral signal.
func Score(cfg Config, mv Move, history []Move, behaviorSignal int) int {
	score := timingComponent(cfg, mv, history)
	score += accuracyComponent(cfg, mv, history)
	score += plausibilityComponent(cfg, mv)
	score += behaviorSignal

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// timingComponent flags machine-regular or inhumanly fast move cadence.
func timingComponent(cfg Config, mv Move, history []Move) int {
	window := history
	if cfg.TimingWindow > 0 && len(window) > cfg.TimingWindow {
		window = window[len(window)-cfg.TimingWindow:]
	}

	moves := append(append([]Move{}, window...), mv)
	intervals := make([]float64, 0, len(moves)-1)
	for i := 1; i < len(moves); i++ {
		d := moves[i].PlayedAt.Sub(moves[i-1].PlayedAt)
		if d < 0 {
			d = 0
		}
		intervals = append(intervals, float64(d.Milliseconds()))
	}
	if len(intervals) < cfg.MinTimingSamples {
		return 0
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	// The very-fast case supersedes the regularity case; the two are
	// mutually exclusive.
	if mean < cfg.VeryFastMean {
		return 60
	}
	if variance < cfg.VarianceThreshold && mean < cfg.FastMean {
		return 40
	}
	return 0
}

// accuracyComponent flags implausibly high success rates.
func accuracyComponent(cfg Config, mv Move, history []Move) int {
	results := append(append([]Move{}, history...), mv)
	if len(results) < cfg.AccuracyWindow {
		return 0
	}

	successes := 0
	for _, m := range results {
		if m.Success {
			successes++
		}
	}
	rate := float64(successes) / float64(len(results))

	switch {
	case rate > cfg.HighSuccessRate:
		return 50
	case rate > cfg.ElevatedSuccessRate:
		return 30
	default:
		return 0
	}
}

// plausibilityComponent rejects shots outside configured physical bounds.
// Unconfigured bounds always pass; the real simulator is an external
// collaborator.
func plausibilityComponent(cfg Config, mv Move) int {
	if cfg.MaxForce > 0 && mv.Force > cfg.MaxForce {
		return 100
	}
	if cfg.MaxAngle > 0 && mv.Angle > cfg.MaxAngle {
		return 100
	}
	return 0
}

// Severity classifies how an alert should be handled downstream.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)

// Action is the consequence the match engine applies for a score.
type Action int

const (
	// Accept applies the move with no alert.
	Accept Action = iota
	// Review applies the move but emits a medium alert for async review.
	Review
	// Forfeit disqualifies the move's author immediately.
	Forfeit
)

// Decision pairs the action with the alert severity, if any.
type Decision struct {
	Action   Action
	Severity Severity
}

// Decide maps a score to the decision policy consumed by the engine.
func Decide(cfg Config, score int) Decision {
	switch {
	case score > cfg.ForfeitScore:
		return Decision{Action: Forfeit, Severity: SeverityHigh}
	case score > cfg.ReviewScore:
		return Decision{Action: Review, Severity: SeverityMedium}
	default:
		return Decision{Action: Accept}
	}
}
