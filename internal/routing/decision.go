package routing

import (
	"time"
)

// Decision is a point-in-time explanation of a routing choice, exposed
// for observability; the forwarding path itself only needs Best.
type Decision struct {
	// The selected provider name, empty when nothing is eligible.
	SelectedProvider string `json:"selected_provider,omitempty"`

	// Score of the selected provider; lower is better.
	Score float64 `json:"score,omitempty"`

	// Per-provider evaluation, in declared registry order.
	Candidates []CandidateScore `json:"candidates"`

	// Decision timestamp
	Timestamp time.Time `json:"timestamp"`
}

// CandidateScore records how one provider fared during selection.
type CandidateScore struct {
	Name         string  `json:"name"`
	Eligible     bool    `json:"eligible"`
	Reason       string  `json:"reason,omitempty"`
	Score        float64 `json:"score"`
	Online       bool    `json:"online"`
	SuccessRate  float64 `json:"success_rate"`
	ResponseTime float64 `json:"response_time"`
}

// Decide evaluates every provider and returns the full decision record.
func (r *Router) Decide() Decision {
	decision := Decision{Timestamp: time.Now()}

	var bestScore float64
	for _, p := range r.registry.Providers() {
		c := CandidateScore{Name: p.Name}

		if !p.Configured() {
			c.Reason = "credential not configured"
			decision.Candidates = append(decision.Candidates, c)
			continue
		}

		s, ok := r.store.Snapshot(p.Name)
		if !ok {
			c.Reason = "no statistics"
			decision.Candidates = append(decision.Candidates, c)
			continue
		}

		c.Online = s.Online
		c.SuccessRate = s.SuccessRate
		c.ResponseTime = s.ResponseTime
		c.Score = Score(s)

		switch {
		case !s.Online:
			c.Reason = "offline"
		case s.SuccessRate <= MinSuccessRate:
			c.Reason = "success rate below threshold"
		default:
			c.Eligible = true
			if decision.SelectedProvider == "" || c.Score < bestScore {
				decision.SelectedProvider = p.Name
				decision.Score = c.Score
				bestScore = c.Score
			}
		}

		decision.Candidates = append(decision.Candidates, c)
	}

	return decision
}
