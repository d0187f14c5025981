package engine

import "time"

// ProposedMove is an incoming, not-yet-validated move.
type ProposedMove struct {
	UserID     string
	Sequence   int64 // client's claimed sequence number
	Shot       Shot
	ReceivedAt time.Time
}

// Verdict is a stage's conclusion about a proposed move.
type Verdict int

const (
	// VerdictContinue passes the move to the next stage.
	VerdictContinue Verdict = iota
	// VerdictReject refuses the move with no state change.
	VerdictReject
	// VerdictTimeout converts the move into a synthetic timeout instead
	// of rejecting it: the turn budget expired before it arrived.
	VerdictTimeout
)

// CheckResult carries a stage's verdict and, for rejections, the error
// reported to the caller.
type CheckResult struct {
	Verdict Verdict
	Err     *Error
}

var checkContinue = CheckResult{Verdict: VerdictContinue}

func checkReject(err *Error) CheckResult {
	return CheckResult{Verdict: VerdictReject, Err: err}
}

// Stage is one named validation step. Stages are pure checks; the runner
// applies all consequences.
type Stage interface {
	Name() string
	Check(m *Match, pm ProposedMove) CheckResult
}

// Pipeline runs stages in a fixed order, short-circuiting on the first
// non-continue verdict.
type Pipeline struct {
	stages []Stage
}

// NewMovePipeline builds the standard validation order: match status,
// turn ownership, sequence contiguity, rate limit, payload bounds, then
// the turn deadline.
func NewMovePipeline() *Pipeline {
	return &Pipeline{stages: []Stage{
		statusStage{},
		turnStage{},
		sequenceStage{},
		rateLimitStage{},
		payloadStage{},
		deadlineStage{},
	}}
}

// Run checks pm against m, returning the first terminal result.
func (p *Pipeline) Run(m *Match, pm ProposedMove) CheckResult {
	for _, stage := range p.stages {
		if res := stage.Check(m, pm); res.Verdict != VerdictContinue {
			return res
		}
	}
	return checkContinue
}

// statusStage refuses moves unless the match is running.
type statusStage struct{}

func (statusStage) Name() string { return "status" }

func (statusStage) Check(m *Match, _ ProposedMove) CheckResult {
	if m.Status != StatusRunning {
		return checkReject(newError(KindProtocol, CodeMatchNotActive,
			"match %s is %s, not running", m.ID, m.Status))
	}
	return checkContinue
}

// turnStage refuses moves from anyone but the turn holder.
type turnStage struct{}

func (turnStage) Name() string { return "turn" }

func (turnStage) Check(m *Match, pm ProposedMove) CheckResult {
	holder := m.turnHolder()
	if holder == nil || holder.UserID != pm.UserID {
		return checkReject(newError(KindProtocol, CodeNotYourTurn,
			"it is not %s's turn", pm.UserID))
	}
	return checkContinue
}

// sequenceStage protects against replayed or reordered submissions: the
// claimed sequence must be exactly one past the last applied move.
type sequenceStage struct{}

func (sequenceStage) Name() string { return "sequence" }

func (sequenceStage) Check(m *Match, pm ProposedMove) CheckResult {
	want := m.Sequence + 1
	if pm.Sequence != want {
		return checkReject(newError(KindProtocol, CodeSequenceGap,
			"expected sequence %d, got %d", want, pm.Sequence))
	}
	return checkContinue
}

// rateLimitStage enforces a minimum interval between one player's moves.
type rateLimitStage struct{}

func (rateLimitStage) Name() string { return "rate-limit" }

func (rateLimitStage) Check(m *Match, pm ProposedMove) CheckResult {
	if m.Rules.MinMoveInterval <= 0 {
		return checkContinue
	}
	p := m.participant(pm.UserID)
	if p == nil || p.LastMoveAt.IsZero() {
		return checkContinue
	}
	if pm.ReceivedAt.Sub(p.LastMoveAt) < m.Rules.MinMoveInterval {
		return checkReject(newError(KindProtocol, CodeRateLimited,
			"moves arriving faster than %s", m.Rules.MinMoveInterval))
	}
	return checkContinue
}

// payloadStage checks the action descriptor's numeric bounds.
type payloadStage struct{}

func (payloadStage) Name() string { return "payload" }

func (payloadStage) Check(m *Match, pm ProposedMove) CheckResult {
	s := pm.Shot
	if s.Force < 0 || (m.Rules.MaxForce > 0 && s.Force > m.Rules.MaxForce) {
		return checkReject(newError(KindValidation, CodeInvalidPayload,
			"force %.2f outside [0,%.0f]", s.Force, m.Rules.MaxForce))
	}
	if s.Angle < 0 || (m.Rules.MaxAngle > 0 && s.Angle > m.Rules.MaxAngle) {
		return checkReject(newError(KindValidation, CodeInvalidPayload,
			"angle %.2f outside [0,%.0f]", s.Angle, m.Rules.MaxAngle))
	}
	return checkContinue
}

// deadlineStage converts a move that arrived after the turn budget
// expired into a synthetic timeout.
type deadlineStage struct{}

func (deadlineStage) Name() string { return "deadline" }

func (deadlineStage) Check(m *Match, pm ProposedMove) CheckResult {
	if m.Rules.TurnBudget > 0 && pm.ReceivedAt.Sub(m.TurnStartedAt) > m.Rules.TurnBudget {
		return CheckResult{Verdict: VerdictTimeout}
	}
	return checkContinue
}
