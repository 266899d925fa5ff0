package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"relaygate/internal/client"
	"relaygate/internal/metrics"
	"relaygate/internal/model"
)

// Invoker performs one upstream call and classifies the result.
type Invoker interface {
	Invoke(ctx context.Context, out *model.OutboundRequest) model.Outcome
}

// GatewayService runs translator, invoker and normalizer for one request.
type GatewayService struct {
	translator *Translator
	invoker    Invoker
	normalizer *Normalizer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGatewayService creates a GatewayService.
// The metrics parameter is optional; pass nil to disable failure counting.
func NewGatewayService(t *Translator, c *client.UpstreamClient, n *Normalizer, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	return newGatewayService(t, c, n, logger, m)
}

func newGatewayService(t *Translator, inv Invoker, n *Normalizer, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	return &GatewayService{
		translator: t,
		invoker:    inv,
		normalizer: n,
		logger:     logger.With("component", "gateway_service"),
		metrics:    m,
	}
}

// Forward handles one inbound call of route r and returns the response to
// write. Upstream failures are part of the returned response, never an
// error; the error return is reserved for configuration problems and path
// parameters rejected with ErrInvalidParameter.
//
// A relayed response carries the upstream body; the caller must close it.
func (s *GatewayService) Forward(ctx context.Context, r *Route, params map[string]string, query url.Values) (*model.NormalizedResponse, error) {
	out, err := s.translator.Build(r, params, query)
	if err != nil {
		return nil, fmt.Errorf("translate %s: %w", r.Name, err)
	}

	s.logger.Debug("forwarding request",
		"route", r.Name,
		"target", out.Redacted(),
		"decode", out.Decode,
	)

	outcome := s.invoker.Invoke(ctx, out)
	if f := outcome.Failure(); f != nil && s.metrics != nil {
		s.metrics.FailuresTotal.WithLabelValues(r.Path, f.Kind.String()).Inc()
	}

	return s.normalizer.Normalize(outcome), nil
}
