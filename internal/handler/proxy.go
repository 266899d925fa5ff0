package handler

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relaygate/internal/model"
	"relaygate/internal/service"
)

const streamBufferSize = 32 * 1024

// ProxyHandler forwards gateway routes to the upstream API.
type ProxyHandler struct {
	service *service.GatewayService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.GatewayService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Route returns the echo handler for one configured route.
func (h *ProxyHandler) Route(r *service.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		params, err := pathParams(c)
		if err != nil {
			return h.fail(c, r, err)
		}

		resp, err := h.service.Forward(c.Request().Context(), r, params, c.QueryParams())
		if err != nil {
			return h.fail(c, r, err)
		}

		return h.write(c, r, resp)
	}
}

// fail answers a call that never reached the upstream.
func (h *ProxyHandler) fail(c echo.Context, r *service.Route, err error) error {
	if errors.Is(err, service.ErrInvalidParameter) {
		h.logger.Debug("rejected path parameter", "route", r.Name, "err", err)
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{
			Error: model.ErrorDetail{Message: service.ErrInvalidParameter.Error()},
		})
	}

	h.logger.Error("gateway misconfigured", "route", r.Name, "err", err)
	return c.JSON(http.StatusInternalServerError, model.ErrorEnvelope{
		Error: model.ErrorDetail{Message: "gateway is misconfigured"},
	})
}

// pathParams returns the decoded route parameters of c. Echo matches on the
// escaped path when the request carries encoded characters such as %2F, and
// its parameter values are then still escaped.
func pathParams(c echo.Context) (map[string]string, error) {
	escaped := c.Request().URL.RawPath != ""
	names, values := c.ParamNames(), c.ParamValues()
	params := make(map[string]string, len(names))
	for i, name := range names {
		if i >= len(values) {
			break
		}
		v := values[i]
		if escaped {
			var err error
			if v, err = url.PathUnescape(v); err != nil {
				return nil, fmt.Errorf("%w %s: %w", service.ErrInvalidParameter, name, err)
			}
		}
		params[name] = v
	}
	return params, nil
}

func (h *ProxyHandler) write(c echo.Context, r *service.Route, resp *model.NormalizedResponse) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	if resp.Body == nil {
		return c.JSON(resp.StatusCode, resp.Payload)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failure mid-stream can only truncate
	// the response. A caller disconnect cancels the request context, which
	// aborts the upstream read and releases the connection.
	if _, err := stream(c.Response(), resp.Body); err != nil {
		if errors.Is(err, context.Canceled) || c.Request().Context().Err() != nil {
			h.logger.Debug("caller disconnected during streaming", "route", r.Name)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"route", r.Name,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

// stream copies src to the response, flushing after every chunk so the
// caller sees bytes as the upstream produces them.
func stream(w *echo.Response, src io.Reader) (int64, error) {
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
