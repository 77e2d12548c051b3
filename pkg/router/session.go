package router

import "github.com/avi3tal/dagpipe/pkg/llm"

// Session carries the escalation cursor for one task's retry loop. It is not
// safe for concurrent use; the budgets it draws from are.
type Session struct {
	r          *Router
	complexity float64
	cursor     int // index into the ladder, -1 before the first route
}

// NewSession starts a routing session for a task of the given complexity.
func (r *Router) NewSession(complexity float64) *Session {
	return &Session{r: r, complexity: complexity, cursor: -1}
}

// Route returns a slot for the next attempt. The first call routes by
// complexity; later calls stay at the tier reached so far until Escalate.
func (s *Session) Route() (Decision, error) {
	if s.cursor < 0 {
		d, err := s.r.Route(s.complexity)
		if err != nil {
			return Decision{}, err
		}
		s.cursor = s.r.ladderIndex(d.Tier)
		return d, nil
	}

	d, err := s.r.take(s.r.ladder[s.cursor])
	if err != nil {
		return Decision{}, err
	}
	if d.BudgetForced {
		s.cursor = s.r.ladderIndex(d.Tier)
	}
	return d, nil
}

// Escalate moves the next Route one step up the ladder. At the top it stays put.
func (s *Session) Escalate() Tier {
	if s.cursor < 0 {
		s.cursor = s.r.ladderIndex(s.r.Preferred(s.complexity))
	}
	if s.cursor < len(s.r.ladder)-1 {
		s.cursor++
	}
	return s.r.ladder[s.cursor]
}

// SkipToFallback sends the next Route straight to the fallback tier.
func (s *Session) SkipToFallback() {
	s.cursor = s.r.ladderIndex(TierFallback)
}

// EscalateAfter adjusts the cursor after a failed attempt: provider-side
// failures jump straight to the fallback tier, anything else escalates one step.
func (s *Session) EscalateAfter(err error) Tier {
	if llm.IsProviderUnavailable(err) {
		s.SkipToFallback()
		return TierFallback
	}
	return s.Escalate()
}

// Current returns the tier the next Route targets.
func (s *Session) Current() Tier {
	if s.cursor < 0 {
		return s.r.Preferred(s.complexity)
	}
	return s.r.ladder[s.cursor]
}

// Retry prepares the session for the given attempt number after err failed
// the previous one. The second attempt stays on the current tier; from the
// third on the session escalates. Provider-side failures go to the fallback
// tier on any retry.
func (s *Session) Retry(attempt int, err error) Tier {
	if attempt >= 3 || llm.IsProviderUnavailable(err) {
		return s.EscalateAfter(err)
	}
	return s.Current()
}
