package prober

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/routing"
	"github.com/lemonhall/ai-gateway/internal/stats"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// completionResponse renders a minimal OpenAI chat-completion body.
func completionResponse(content string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"m",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"` + content + `"},"finish_reason":"stop"}]}`
}

func newTestProber(t *testing.T, baseURL string) (*Prober, *stats.Store) {
	t.Helper()
	t.Setenv("PROBER_TEST_KEY", "probe-secret")

	reg, err := registry.New([]registry.Provider{
		{Name: "upstream", EnvVar: "PROBER_TEST_KEY", BaseURL: baseURL, Model: "probe-model"},
	})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	logger := testLogger()
	store := stats.NewStore(reg.Names())
	router := routing.NewRouter(reg, store, logger)
	p := New(reg, store, router, Config{
		Interval:      10 * time.Millisecond,
		ErrorInterval: 10 * time.Millisecond,
		Timeout:       2 * time.Second,
	}, logger)
	return p, store
}

func TestProber_SuccessfulProbe(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("Unexpected probe path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("pong")))
	}))
	defer ts.Close()

	p, store := newTestProber(t, ts.URL)
	p.checkProvider(context.Background(), p.registry.Providers()[0])

	snap, _ := store.Snapshot("upstream")
	if !snap.Online {
		t.Error("Provider should be online after a successful probe")
	}
	if snap.TotalRequests != 1 || snap.FailedRequests != 0 {
		t.Errorf("Unexpected counters: %+v", snap)
	}
	if snap.LastError != "" || snap.RetryCount != 0 {
		t.Errorf("Probe error state should be clear: %+v", snap)
	}

	if gotBody["model"] != "probe-model" {
		t.Errorf("Probe must use the provider's model, got %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(5) {
		t.Errorf("Probe must cap max_tokens at 5, got %v", gotBody["max_tokens"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("Probe must send exactly one message, got %v", gotBody["messages"])
	}
	msg := msgs[0].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "ping" {
		t.Errorf("Unexpected probe message: %v", msg)
	}
}

func TestProber_EmptyContentIsInvalid(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("")))
	}))
	defer ts.Close()

	p, store := newTestProber(t, ts.URL)
	p.checkProvider(context.Background(), p.registry.Providers()[0])

	snap, _ := store.Snapshot("upstream")
	if snap.Online {
		t.Error("Empty completion content must count as a failed probe")
	}
	if snap.LastError != "Invalid API response" {
		t.Errorf("Expected 'Invalid API response', got %q", snap.LastError)
	}
	if snap.ResponseTime != 30000 {
		t.Errorf("Expected 30000ms penalty, got %f", snap.ResponseTime)
	}
	if snap.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", snap.RetryCount)
	}
}

func TestProber_HTTPErrorDiagnostic(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"backend exploded","type":"server_error"}}`))
	}))
	defer ts.Close()

	p, store := newTestProber(t, ts.URL)
	p.checkProvider(context.Background(), p.registry.Providers()[0])

	snap, _ := store.Snapshot("upstream")
	if snap.Online {
		t.Error("HTTP error must count as a failed probe")
	}
	if !strings.HasPrefix(snap.LastError, "API error: 500") {
		t.Errorf("Expected an API error diagnostic, got %q", snap.LastError)
	}
}

func TestProber_ConnectionErrorDiagnostic(t *testing.T) {
	p, store := newTestProber(t, "http://127.0.0.1:1")
	p.checkProvider(context.Background(), p.registry.Providers()[0])

	snap, _ := store.Snapshot("upstream")
	if snap.Online {
		t.Error("Connection failure must count as a failed probe")
	}
	if !strings.HasPrefix(snap.LastError, "Connection error:") {
		t.Errorf("Expected a connection diagnostic, got %q", snap.LastError)
	}
}

func TestProber_SuccessAfterFailureClearsState(t *testing.T) {
	var failing bool
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := failing
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("pong")))
	}))
	defer ts.Close()

	p, store := newTestProber(t, ts.URL)
	prov := p.registry.Providers()[0]

	mu.Lock()
	failing = true
	mu.Unlock()
	p.checkProvider(context.Background(), prov)
	p.checkProvider(context.Background(), prov)

	snap, _ := store.Snapshot("upstream")
	if snap.RetryCount != 2 || snap.LastError == "" {
		t.Fatalf("Expected accumulated probe failures, got %+v", snap)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	p.checkProvider(context.Background(), prov)

	snap, _ = store.Snapshot("upstream")
	if !snap.Online || snap.RetryCount != 0 || snap.LastError != "" {
		t.Errorf("Successful probe must clear error state: %+v", snap)
	}
	if snap.FailedRequests != 2 || snap.TotalRequests != 3 {
		t.Errorf("Counters must be preserved across recovery: %+v", snap)
	}
}

func TestProber_RepeatedSuccessConverges(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("pong")))
	}))
	defer ts.Close()

	p, store := newTestProber(t, ts.URL)
	prov := p.registry.Providers()[0]

	for i := 0; i < 5; i++ {
		p.checkProvider(context.Background(), prov)
	}

	snap, _ := store.Snapshot("upstream")
	if snap.FailedRequests != 0 {
		t.Errorf("Repeated successes must not add failures: %+v", snap)
	}
	if !snap.Online {
		t.Error("Provider should remain online")
	}
}

func TestProber_SkipsUnconfigured(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	reg, err := registry.New([]registry.Provider{
		{Name: "ghost", EnvVar: "PROBER_TEST_UNSET_KEY", BaseURL: ts.URL, Model: "m"},
	})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	logger := testLogger()
	store := stats.NewStore(reg.Names())
	router := routing.NewRouter(reg, store, logger)
	p := New(reg, store, router, Config{Timeout: time.Second}, logger)

	if err := p.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}
	if called {
		t.Error("Unconfigured provider must not be probed")
	}

	snap, _ := store.Snapshot("ghost")
	if snap.TotalRequests != 0 {
		t.Error("Skipped probes must not touch statistics")
	}
}

func TestProber_SinksReceiveResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("pong")))
	}))
	defer ts.Close()

	p, _ := newTestProber(t, ts.URL)

	var mu sync.Mutex
	var results []Result
	p.AddSink(sinkFunc(func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}))

	p.checkProvider(context.Background(), p.registry.Providers()[0])

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("Expected 1 sink delivery, got %d", len(results))
	}
	if results[0].Provider != "upstream" || !results[0].Online {
		t.Errorf("Unexpected sink result: %+v", results[0])
	}
}

type sinkFunc func(Result)

func (f sinkFunc) RecordProbe(res Result) { f(res) }

func TestProber_RunStopsPromptly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("pong")))
	}))
	defer ts.Close()

	p, _ := newTestProber(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	// Let at least one cycle happen, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Prober did not observe cancellation promptly")
	}
}

func TestFormatProbeError_Unexpected(t *testing.T) {
	err := &customError{}
	got := formatProbeError(err)
	if !strings.Contains(got, "customError") || !strings.Contains(got, "something odd") {
		t.Errorf("Unexpected diagnostic: %q", got)
	}
}

type customError struct{}

func (e *customError) Error() string { return "something odd" }
