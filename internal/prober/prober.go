// Package prober runs the periodic background health checks that feed
// the statistics store.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lemonhall/ai-gateway/internal/metrics"
	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/routing"
	"github.com/lemonhall/ai-gateway/internal/stats"
)

const (
	// failurePenaltyMS is the latency charged to a provider for any
	// failed probe or forward.
	failurePenaltyMS = 30000

	probeMaxTokens   = 5
	probeTemperature = 0.1
)

// errInvalidResponse marks a 2xx probe whose body carried no usable
// completion content.
var errInvalidResponse = errors.New("Invalid API response")

// Result is the outcome of a single provider probe, delivered to sinks.
type Result struct {
	Provider       string    `json:"provider"`
	Online         bool      `json:"online"`
	ResponseTimeMS float64   `json:"response_time"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sink receives probe outcomes for publication or persistence. Sinks
// must not block the probe cycle for long.
type Sink interface {
	RecordProbe(Result)
}

// Config carries the prober's scheduling parameters.
type Config struct {
	Interval      time.Duration // cadence between normal cycles
	ErrorInterval time.Duration // shortened sleep after a failed cycle
	Timeout       time.Duration // per-probe request timeout
}

// Prober issues a minimal chat completion against every configured
// provider on a fixed cadence and records the outcomes.
type Prober struct {
	registry *registry.Registry
	store    *stats.Store
	router   *routing.Router
	logger   *logrus.Logger
	config   Config
	sinks    []Sink
}

// New creates a prober. The router is consulted after each cycle purely
// for observability.
func New(reg *registry.Registry, store *stats.Store, router *routing.Router, config Config, logger *logrus.Logger) *Prober {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.ErrorInterval <= 0 {
		config.ErrorInterval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Prober{
		registry: reg,
		store:    store,
		router:   router,
		logger:   logger,
		config:   config,
	}
}

// AddSink registers an additional consumer of probe results. Must be
// called before Run.
func (p *Prober) AddSink(sink Sink) {
	p.sinks = append(p.sinks, sink)
}

// Run executes probe cycles until the context is cancelled. It returns
// only on cancellation.
func (p *Prober) Run(ctx context.Context) {
	p.logger.WithField("interval", p.config.Interval).Info("Health prober started")

	for {
		interval := p.config.Interval
		if err := p.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Health prober stopped")
				return
			}
			p.logger.WithError(err).Error("Health check cycle failed")
			interval = p.config.ErrorInterval
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return
		case <-time.After(interval):
		}
	}
}

// runCycle probes all configured providers in parallel, then logs the
// current best provider.
func (p *Prober) runCycle(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, prov := range p.registry.Providers() {
		if !prov.Configured() {
			continue
		}
		prov := prov
		g.Go(func() error {
			p.checkProvider(ctx, prov)
			return ctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	metrics.ProbeCycles.Inc()

	if best, ok := p.router.Best(); ok {
		p.logger.WithField("provider", best.Name).Info("Best provider after health check")
	} else {
		p.logger.Warn("No available providers after health check")
	}
	return nil
}

// checkProvider sends one minimal chat completion and records the
// outcome. Probe failures never propagate; they only update statistics.
func (p *Prober) checkProvider(ctx context.Context, prov registry.Provider) {
	cfg := openai.DefaultConfig(prov.APIKey())
	cfg.BaseURL = prov.BaseURL
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: prov.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens:   probeMaxTokens,
		Temperature: probeTemperature,
	})
	latency := float64(time.Since(start).Milliseconds())

	if err == nil && (len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "") {
		err = errInvalidResponse
	}

	if err != nil {
		diagnostic := formatProbeError(err)
		p.store.Record(prov.Name, false, failurePenaltyMS)
		p.store.NoteProbeError(prov.Name, diagnostic)
		metrics.ProbeFailures.WithLabelValues(prov.Name).Inc()

		p.logger.WithFields(logrus.Fields{
			"provider": prov.Name,
			"error":    diagnostic,
		}).Warn("Provider probe failed")
		p.emit(Result{
			Provider:       prov.Name,
			Online:         false,
			ResponseTimeMS: failurePenaltyMS,
			Error:          diagnostic,
			Timestamp:      time.Now(),
		})
		return
	}

	p.store.Record(prov.Name, true, latency)
	p.store.ClearProbeError(prov.Name)

	p.logger.WithFields(logrus.Fields{
		"provider":   prov.Name,
		"latency_ms": latency,
	}).Debug("Provider probe succeeded")
	p.emit(Result{
		Provider:       prov.Name,
		Online:         true,
		ResponseTimeMS: latency,
		Timestamp:      time.Now(),
	})
}

func (p *Prober) emit(res Result) {
	for _, sink := range p.sinks {
		sink.RecordProbe(res)
	}
}

// formatProbeError renders an error into the diagnostic stored as
// last_error.
func formatProbeError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("API error: %d %s", apiErr.HTTPStatusCode, apiErr.Message)
	}

	if errors.Is(err, errInvalidResponse) {
		return err.Error()
	}

	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.As(err, &urlErr):
		return fmt.Sprintf("Connection error: %v", urlErr.Err)
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Connection error: %v", err)
	}

	return fmt.Sprintf("%T: %v", err, err)
}
