package engine

import (
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// CompleteTurn increments the turn counter and stamps cap crossings.
// Stamps are written once; later turns leave them untouched. The fallback
// agent is re-asserted on every turn past the hard cap or at a streak
// threshold.
func CompleteTurn(s *domain.Session, now time.Time) {
	s.TurnCount++
	if s.SoftCap != nil && s.SoftCappedAt == nil && s.TurnCount >= *s.SoftCap {
		s.SoftCappedAt = domain.TimePtr(now)
	}
	if s.HardCap != nil && s.HardCappedAt == nil && s.TurnCount >= *s.HardCap {
		s.HardCappedAt = domain.TimePtr(now)
	}
	if FallbackHeld(s) {
		s.CurrentAgent = domain.AgentFallback
	}
}

// RecordResponse notes that the runtime answered.
func RecordResponse(s *domain.Session) {
	s.TimeoutStreak = 0
}

// RecordTimeout notes that the runtime did not answer in time.
func RecordTimeout(s *domain.Session) {
	s.TimeoutStreak++
	if reached(s.TimeoutStreak, s.Thresholds.Timeout) {
		s.CurrentAgent = domain.AgentFallback
	}
}

// RecordReview applies a reviewer verdict to the review streak.
func RecordReview(s *domain.Session, passed bool) {
	if passed {
		s.ReviewFailStreak = 0
		return
	}
	s.ReviewFailStreak++
	if reached(s.ReviewFailStreak, s.Thresholds.ReviewFail) {
		s.CurrentAgent = domain.AgentFallback
	}
}

// RecordExtraction applies a todo outcome to the extraction streak.
func RecordExtraction(s *domain.Session, status domain.TodoStatus) {
	switch status {
	case domain.TodoNeedsClarification:
		s.ExtractionFailStreak++
		if reached(s.ExtractionFailStreak, s.Thresholds.ExtractionFail) {
			s.CurrentAgent = domain.AgentFallback
		}
	case domain.TodoDone, domain.TodoManualInput:
		s.ExtractionFailStreak = 0
	}
}

// SignalFallback records the runtime's fallback request from its latest
// response.
func SignalFallback(s *domain.Session, signaled bool) {
	s.FallbackSignaled = signaled
	if signaled {
		s.CurrentAgent = domain.AgentFallback
	}
}

// Handoff passes control to another agent. While the hard cap or a streak
// threshold holds, fallback is the only permitted target.
func Handoff(s *domain.Session, to domain.Agent) error {
	if to == s.CurrentAgent {
		return nil
	}
	if to != domain.AgentFallback && FallbackHeld(s) {
		return &domain.Error{
			Kind:      domain.KindInvalidTransition,
			Op:        "engine.handoff",
			SessionID: s.ID,
			Msg:       "cannot hand off to " + string(to) + " while fallback is forced",
		}
	}
	if !domain.CanHandoff(s.CurrentAgent, to) {
		return &domain.Error{
			Kind:      domain.KindInvalidTransition,
			Op:        "engine.handoff",
			SessionID: s.ID,
			Msg:       "cannot hand off from " + string(s.CurrentAgent) + " to " + string(to),
		}
	}
	s.CurrentAgent = to
	return nil
}

// ShouldFallback reports whether the runtime must run the fallback agent.
func ShouldFallback(s *domain.Session) bool {
	return FallbackHeld(s) || s.FallbackSignaled
}

// Notices returns the non-fatal conditions to surface with a turn result.
func Notices(s *domain.Session) []domain.ErrorKind {
	var out []domain.ErrorKind
	if s.HardCappedAt != nil {
		out = append(out, domain.KindCapExceeded)
	}
	if streakReached(s) {
		out = append(out, domain.KindStreakThresholdReached)
	}
	return out
}

// FallbackHeld reports whether the hard cap or a streak threshold pins the
// session to the fallback agent. A runtime fallback signal does not.
func FallbackHeld(s *domain.Session) bool {
	return s.HardCappedAt != nil || streakReached(s)
}

func streakReached(s *domain.Session) bool {
	return reached(s.ReviewFailStreak, s.Thresholds.ReviewFail) ||
		reached(s.ExtractionFailStreak, s.Thresholds.ExtractionFail) ||
		reached(s.TimeoutStreak, s.Thresholds.Timeout)
}

func reached(streak, threshold int) bool {
	return threshold > 0 && streak >= threshold
}
