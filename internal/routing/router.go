// Package routing selects the best upstream provider from observed
// health and latency statistics.
package routing

import (
	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/stats"
)

const (
	// MinSuccessRate is the candidacy floor: providers at or below it
	// are never selected.
	MinSuccessRate = 0.70

	responseTimeWeight = 0.6
	failureRateWeight  = 0.4
)

// Router scores providers over statistics snapshots. It never mutates
// state and never blocks.
type Router struct {
	registry *registry.Registry
	store    *stats.Store
	logger   *logrus.Logger
}

// NewRouter creates a router over the given registry and statistics store.
func NewRouter(reg *registry.Registry, store *stats.Store, logger *logrus.Logger) *Router {
	return &Router{
		registry: reg,
		store:    store,
		logger:   logger,
	}
}

// Score computes the routing score for one provider snapshot. Lower is
// better.
func Score(s stats.ProviderStats) float64 {
	return s.ResponseTime*responseTimeWeight + (1-s.SuccessRate)*failureRateWeight
}

// Best returns the preferred provider, or false when no provider is
// eligible. Candidates must be configured, online, and above the success
// rate floor; the lowest score wins, with declared registry order
// breaking ties.
func (r *Router) Best() (registry.Provider, bool) {
	var (
		best      registry.Provider
		bestScore float64
		found     bool
	)

	for _, p := range r.registry.Providers() {
		if !p.Configured() {
			continue
		}
		s, ok := r.store.Snapshot(p.Name)
		if !ok || !s.Online || s.SuccessRate <= MinSuccessRate {
			continue
		}
		score := Score(s)
		if !found || score < bestScore {
			best = p
			bestScore = score
			found = true
		}
	}

	if found {
		r.logger.WithFields(logrus.Fields{
			"provider": best.Name,
			"score":    bestScore,
		}).Debug("Best provider selected")
	}

	return best, found
}
