// Package client provides the upstream HTTP client of the gateway.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"relaygate/internal/config"
	"relaygate/internal/metrics"
	"relaygate/internal/model"
)

const userAgent = "relaygate/1.0"

// errHeaderTimeout is the cancellation cause when the upstream does not
// answer with response headers within the configured timeout.
var errHeaderTimeout = fmt.Errorf("no response headers before timeout: %w", context.DeadlineExceeded)

// UpstreamClient sends gateway requests to the configured upstream and
// classifies what comes back.
type UpstreamClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	redactor     *Redactor
	breaker      *gobreaker.CircuitBreaker
	timeout      time.Duration
	errorBodyMax int64
	decodeMax    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Relayed bodies must be the upstream's bytes, not a transparently
		// decompressed copy.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	errorBodyMax := cfg.Upstream.ErrorBodyMaxBytes
	if errorBodyMax <= 0 {
		errorBodyMax = 4 * 1024
	}
	decodeMax := cfg.Upstream.DecodeMaxBytes
	if decodeMax <= 0 {
		decodeMax = 10 * 1024 * 1024
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &UpstreamClient{
		// No Client.Timeout: it would also cover the body and cut relayed
		// streams short. Invoke bounds the wait for response headers instead.
		httpClient: &http.Client{
			Transport: transport,
			// Each invocation is exactly one upstream call, and the credential
			// must never be replayed to a host named in a Location header.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      timeout,
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
		redactor:     NewRedactor(cfg.Credential),
		breaker:      newBreaker(cfg.Upstream.CircuitBreaker, logger, m),
		errorBodyMax: errorBodyMax,
		decodeMax:    decodeMax,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()
	if err != nil && errors.Is(context.Cause(req.Context()), errHeaderTimeout) {
		err = errHeaderTimeout
	}

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// Invoke performs exactly one upstream call for out and classifies the result.
//
// The context controls the whole exchange, including reading a relayed body:
// when it is canceled (e.g. the caller disconnects) the upstream connection is
// released. The configured timeout only bounds the wait for response headers,
// so a long relayed stream is not cut off. For a relay success the caller owns
// Success.Body and must close it.
func (c *UpstreamClient) Invoke(ctx context.Context, out *model.OutboundRequest) model.Outcome {
	ctx, cancel := context.WithCancelCause(ctx)
	keep := false
	defer func() {
		if !keep {
			cancel(nil)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL(), http.NoBody)
	if err != nil {
		return c.fail(out, model.Transport, "build request: "+c.redactor.RedactError(err), 0)
	}
	for k, vals := range out.Header {
		req.Header[k] = vals
	}
	req.Header.Set("User-Agent", userAgent)
	if out.Decode {
		req.Header.Set("Accept", "application/json")
	}

	timer := time.AfterFunc(c.timeout, func() { cancel(errHeaderTimeout) })
	resp, err := c.send(req)
	if !timer.Stop() && err == nil {
		// Headers arrived as the timer fired; the body is already unusable.
		_ = resp.Body.Close()
		err = errHeaderTimeout
	}
	if err != nil {
		return c.fail(out, model.Transport, c.describeTransportError(err), 0)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return c.fail(out, model.UpstreamNonSuccess, c.readDetail(resp), resp.StatusCode)
	}

	header := FilterResponseHeaders(resp.Header)
	if !out.Decode {
		keep = true
		return model.NewSuccess(resp.StatusCode, header, &cancelOnClose{ReadCloser: resp.Body, cancel: cancel})
	}

	defer func() { _ = resp.Body.Close() }()
	return c.decode(out, resp, header)
}

// cancelOnClose releases the per-call context once the relayed body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

func (c *UpstreamClient) decode(out *model.OutboundRequest, resp *http.Response, header http.Header) model.Outcome {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.decodeMax+1))
	if err != nil {
		// The upstream accepted the call but the body did not arrive.
		return c.fail(out, model.Transport, "reading body: "+c.describeTransportError(err), 0)
	}
	if int64(len(data)) > c.decodeMax {
		return c.fail(out, model.DecodeError, fmt.Sprintf("body exceeds %d bytes", c.decodeMax), 0)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return c.fail(out, model.DecodeError, "invalid JSON: "+c.redactor.RedactError(err), 0)
	}
	return model.NewDecoded(resp.StatusCode, header, raw)
}

// readDetail reads a bounded prefix of a non-success body as diagnostic text.
func (c *UpstreamClient) readDetail(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.errorBodyMax))
	if err != nil {
		c.logger.Debug("reading upstream error body", "err", c.redactor.RedactError(err))
	}
	detail := strings.TrimSpace(strings.ToValidUTF8(string(data), string(utf8.RuneError)))
	detail = strings.Join(strings.Fields(detail), " ")
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	if detail == "" {
		detail = "empty response body"
	}
	return c.redactor.Redact(detail)
}

// describeTransportError names the class of a transport failure followed by
// its innermost cause. The request URL is never included since it may carry
// the credential.
func (c *UpstreamClient) describeTransportError(err error) string {
	var class string

	var netErr net.Error
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var opErr *net.OpError

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		class = "upstream circuit open"
	case errors.Is(err, context.Canceled):
		class = "request canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		class = "upstream request timed out"
	case errors.As(err, &dnsErr):
		class = "upstream host unreachable"
	case errors.As(err, &certErr), errors.As(err, &unknownAuthErr):
		class = "TLS handshake failed"
	case errors.As(err, &opErr):
		class = "upstream connection failed"
	default:
		class = "upstream request failed"
	}

	return class + " (" + c.redactor.Redact(rootCause(err).Error()) + ")"
}

// rootCause unwraps to the innermost error, skipping *url.Error wrappers that
// embed the request URL.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func (c *UpstreamClient) fail(out *model.OutboundRequest, kind model.FailureKind, detail string, status int) model.Outcome {
	msg := c.redactor.Redact(out.Redacted() + ": " + detail)
	c.logger.Warn("upstream call failed",
		"route", out.Route,
		"kind", kind.String(),
		"upstream_status", status,
		"detail", msg,
	)
	return model.NewFailure(kind, msg, status)
}
