package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"relaygate/internal/config"
	"relaygate/internal/metrics"
	"relaygate/internal/model"
)

func breakerConfig(threshold int) *config.Config {
	cfg := testConfig(5)
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:     true,
		Threshold:   threshold,
		OpenSeconds: 60,
	}
	return cfg
}

func TestBreaker_DisabledByDefault(t *testing.T) {
	c := newTestClient(testConfig(5))
	if c.breaker != nil {
		t.Error("breaker configured without circuit_breaker.enabled")
	}
}

func TestBreaker_OpensAfterConsecutiveServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	c := NewUpstreamClient(breakerConfig(2), logger, m)

	for i := range 2 {
		f := c.Invoke(context.Background(), outbound(t, srv.URL, false)).Failure()
		if f == nil || f.Kind != model.UpstreamNonSuccess || f.UpstreamStatus != http.StatusServiceUnavailable {
			t.Fatalf("call %d: failure = %v, want upstream 503", i, f)
		}
	}

	f := c.Invoke(context.Background(), outbound(t, srv.URL, false)).Failure()
	if f == nil || f.Kind != model.Transport {
		t.Fatalf("failure = %v, want transport failure while open", f)
	}
	if !strings.Contains(f.Message, "circuit open") {
		t.Errorf("message = %q, want circuit open", f.Message)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "relaygate_upstream_circuit_state" {
			if v := fam.GetMetric()[0].GetGauge().GetValue(); v != 2 {
				t.Errorf("circuit state = %v, want 2 (open)", v)
			}
		}
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(breakerConfig(1))
	for i := range 3 {
		f := c.Invoke(context.Background(), outbound(t, srv.URL, false)).Failure()
		if f == nil || f.Kind != model.UpstreamNonSuccess {
			t.Fatalf("call %d: failure = %v, want upstream 404", i, f)
		}
	}
}

func TestBreaker_CanceledCallsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(breakerConfig(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if f := c.Invoke(ctx, outbound(t, srv.URL, false)).Failure(); f == nil {
		t.Fatal("Invoke() with canceled context succeeded")
	}

	o := c.Invoke(context.Background(), outbound(t, srv.URL, false))
	defer o.Close()
	if o.Success() == nil {
		t.Errorf("failure = %v, want success after a canceled call", o.Failure())
	}
}
