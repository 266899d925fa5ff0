package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"relaygate/internal/config"
	"relaygate/internal/metrics"
)

// errUpstreamServerError marks a 5xx answer as a breaker failure. The
// response itself is still returned and classified normally.
var errUpstreamServerError = errors.New("upstream server error")

// newBreaker returns nil when the circuit breaker is disabled.
func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	open := time.Duration(cfg.OpenSeconds) * time.Second
	if open <= 0 {
		open = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) //nolint:gosec // threshold is positive
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.CircuitState.Set(float64(to))
			}
		},
	})
}

// send runs one upstream call through the breaker when one is configured.
// Transport errors and 5xx answers count as failures; while the breaker is
// open the call is not attempted and gobreaker.ErrOpenState is returned.
func (c *UpstreamClient) send(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.Do(req)
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errUpstreamServerError
		}
		return resp, nil
	})

	resp, _ := v.(*http.Response)
	if errors.Is(err, errUpstreamServerError) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
