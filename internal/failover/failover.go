// Package failover re-dispatches failed forwards to alternate providers
// in declared registry order.
package failover

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/forward"
	"github.com/lemonhall/ai-gateway/internal/metrics"
	"github.com/lemonhall/ai-gateway/internal/registry"
)

// Coordinator drives the forward-then-fall-back loop for one request.
type Coordinator struct {
	registry  *registry.Registry
	forwarder *forward.Forwarder
	logger    *logrus.Logger
}

// NewCoordinator creates a coordinator over the registry and forwarder.
func NewCoordinator(reg *registry.Registry, fwd *forward.Forwarder, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		registry:  reg,
		forwarder: fwd,
		logger:    logger,
	}
}

// Execute forwards to the primary provider and, on failure, tries every
// other configured provider in declared order. The alternate list is
// deliberately not filtered by router candidacy: the selection metric may
// lag, so even a provider currently marked offline gets a chance. If all
// alternates fail, the primary's original error is returned.
func (c *Coordinator) Execute(ctx context.Context, primary registry.Provider, body []byte) (*forward.Result, error) {
	result, primaryErr := c.forwarder.Forward(ctx, primary, body)
	if primaryErr == nil {
		return result, nil
	}

	c.logger.WithFields(logrus.Fields{
		"provider": primary.Name,
		"error":    primaryErr.Error(),
	}).Warn("Primary provider failed, trying alternates")

	for _, alt := range c.registry.Providers() {
		if alt.Name == primary.Name || !alt.Configured() {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		result, err := c.forwarder.Forward(ctx, alt, body)
		if err == nil {
			metrics.FailoverAttempts.WithLabelValues(alt.Name, "success").Inc()
			c.logger.WithFields(logrus.Fields{
				"primary":  primary.Name,
				"provider": alt.Name,
			}).Info("Failover succeeded")
			return result, nil
		}

		metrics.FailoverAttempts.WithLabelValues(alt.Name, "failure").Inc()
		c.logger.WithFields(logrus.Fields{
			"provider": alt.Name,
			"error":    err.Error(),
		}).Warn("Failover attempt failed")
	}

	return nil, primaryErr
}
