// Package forward translates client chat-completion requests into
// upstream calls and relays buffered or streaming responses.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lemonhall/ai-gateway/internal/metrics"
	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/stats"
)

// failurePenaltyMS is the latency charged for any failed forward.
const failurePenaltyMS = 30000

// maxErrorBodyBytes bounds how much of an upstream error body is kept
// for diagnostics.
const maxErrorBodyBytes = 64 << 10

// ErrUnconfigured marks a forward against a provider whose credential is
// missing from the environment.
var ErrUnconfigured = errors.New("provider credential not configured")

// UpstreamError carries a non-2xx upstream response through failover to
// the client.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Result is a completed forward: either a fully buffered body or a live
// stream handle, never both.
type Result struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     *StreamHandle
}

// Streaming reports whether the result must be relayed chunk by chunk.
func (r *Result) Streaming() bool {
	return r.Stream != nil
}

// StreamHandle owns a live upstream response body. The caller must drain
// it or call Close; Close also releases the upstream connection.
type StreamHandle struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Read returns the next chunk of upstream bytes, in arrival order.
func (h *StreamHandle) Read(p []byte) (int, error) {
	return h.body.Read(p)
}

// Close releases the upstream connection.
func (h *StreamHandle) Close() error {
	err := h.body.Close()
	h.cancel()
	return err
}

// Forwarder performs single upstream calls. It never retries; retry
// across providers is the failover coordinator's responsibility.
type Forwarder struct {
	store   *stats.Store
	logger  *logrus.Logger
	client  *http.Client
	timeout time.Duration
}

// New creates a forwarder. The timeout covers connect, request and
// response headers; a streaming body read is not bounded by it.
func New(store *stats.Store, timeout time.Duration, logger *logrus.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Forwarder{
		store:   store,
		logger:  logger,
		client:  &http.Client{Transport: transport},
		timeout: timeout,
	}
}

// Forward sends the client body to the provider with only the model
// field substituted. The stream flag in the body decides whether the
// response is buffered or returned as a live handle.
func (f *Forwarder) Forward(ctx context.Context, prov registry.Provider, body []byte) (*Result, error) {
	apiKey := prov.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", prov.Name, ErrUnconfigured)
	}

	upstream, err := sjson.SetBytes(body, "model", prov.Model)
	if err != nil {
		return nil, fmt.Errorf("rewrite model field: %w", err)
	}
	streaming := gjson.GetBytes(upstream, "stream").Bool()

	// The buffered path is bounded end to end; the streaming path is
	// only bounded to response headers, with cancellation handed to the
	// stream handle.
	var cancel context.CancelFunc
	if streaming {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prov.BaseURL+"/chat/completions", bytes.NewReader(upstream))
	if err != nil {
		if streaming {
			cancel()
		}
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if streaming {
			cancel()
		}
		f.recordFailure(prov.Name)
		return nil, fmt.Errorf("connection error: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		if streaming {
			cancel()
		}
		f.recordFailure(prov.Name)
		return nil, &UpstreamError{
			Provider:   prov.Name,
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	f.store.Record(prov.Name, true, float64(elapsed.Milliseconds()))
	metrics.ForwardRequests.WithLabelValues(prov.Name, "success").Inc()
	metrics.ForwardDuration.WithLabelValues(prov.Name).Observe(elapsed.Seconds())

	f.logger.WithFields(logrus.Fields{
		"provider":   prov.Name,
		"status":     resp.StatusCode,
		"latency_ms": elapsed.Milliseconds(),
		"stream":     streaming,
	}).Info("Request forwarded")

	result := &Result{
		Provider:   prov.Name,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	if streaming {
		result.Stream = &StreamHandle{body: resp.Body, cancel: cancel}
		return result, nil
	}

	full, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	result.Body = full
	return result, nil
}

func (f *Forwarder) recordFailure(name string) {
	f.store.Record(name, false, failurePenaltyMS)
	metrics.ForwardRequests.WithLabelValues(name, "failure").Inc()
}
