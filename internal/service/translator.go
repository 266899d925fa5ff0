// Package service implements the gateway's request pipeline: translation of
// inbound parameters, the upstream call and response normalization.
package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fasttemplate"

	"relaygate/internal/config"
	"relaygate/internal/model"
)

// ErrInvalidParameter reports a path parameter that cannot be placed in the
// upstream path.
var ErrInvalidParameter = errors.New("invalid path parameter")

// Route is a configured inbound route, compiled for translation.
type Route struct {
	Name string
	Path string
	Mode string

	upstreamPath *fasttemplate.Template
	forwardQuery []string
	staticQuery  []model.QueryParam
}

// Translator builds outbound requests from inbound route parameters. It does
// no I/O and holds only read-only state.
type Translator struct {
	baseURL *url.URL
	cred    config.CredentialConfig
	routes  []*Route
}

// NewTranslator compiles the configured routes. It fails with a
// *config.ConfigurationError when the credential or base URL is unusable, so
// a misconfigured gateway never gets as far as serving.
func NewTranslator(cfg *config.Config) (*Translator, error) {
	cred := cfg.Credential.WithDefaults()
	if cred.Value == "" {
		return nil, config.NewConfigurationError("credential.value", "is required")
	}

	base, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, config.NewConfigurationError("upstream.base_url", fmt.Sprintf("is not an absolute URL: %q", cfg.Upstream.BaseURL))
	}

	t := &Translator{baseURL: base, cred: cred}
	for _, rc := range cfg.Routes {
		tmpl, err := fasttemplate.NewTemplate(rc.UpstreamPath, "{", "}")
		if err != nil {
			return nil, config.NewConfigurationError("routes.upstream_path", err.Error())
		}
		if _, err := url.PathUnescape(tmpl.ExecuteString(nil)); err != nil {
			return nil, config.NewConfigurationError("routes.upstream_path", err.Error())
		}

		r := &Route{
			Name:         rc.Name,
			Path:         rc.Path,
			Mode:         rc.Mode,
			upstreamPath: tmpl,
			forwardQuery: rc.ForwardQuery,
		}
		if r.Name == "" {
			r.Name = rc.Path
		}
		if r.Mode == "" {
			r.Mode = config.ModeRelay
		}
		for _, q := range rc.Query {
			r.staticQuery = append(r.staticQuery, model.QueryParam{Key: q.Key, Value: q.Value})
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Routes returns the compiled routes in configuration order.
func (t *Translator) Routes() []*Route {
	return t.routes
}

// Build returns the outbound request for one inbound call of route r.
//
// Path parameters are decoded values. Each fills its {name} placeholder as a
// single escaped segment; empty values and dot segments fail with
// ErrInvalidParameter. Only inbound query parameters named in the route's
// forward_query list are passed on, after the route's static parameters.
func (t *Translator) Build(r *Route, params map[string]string, query url.Values) (*model.OutboundRequest, error) {
	if t.cred.Value == "" {
		return nil, config.NewConfigurationError("credential.value", "is required")
	}

	escaped, err := r.upstreamPath.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		v := params[tag]
		switch v {
		case "", ".", "..":
			return 0, fmt.Errorf("%w %s: %q", ErrInvalidParameter, tag, v)
		}
		return io.WriteString(w, url.PathEscape(v))
	})
	if err != nil {
		return nil, err
	}

	target := *t.baseURL
	target.RawQuery = ""
	target.Fragment = ""
	rawPath := strings.TrimSuffix(t.baseURL.EscapedPath(), "/") + escaped
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("build upstream path for %s: %w", r.Name, err)
	}
	target.Path = path
	target.RawPath = rawPath

	q := make([]model.QueryParam, 0, len(r.staticQuery)+len(r.forwardQuery)+1)
	q = append(q, r.staticQuery...)
	for _, key := range r.forwardQuery {
		for _, v := range query[key] {
			q = append(q, model.QueryParam{Key: key, Value: v})
		}
	}

	var header http.Header
	switch t.cred.Placement {
	case config.PlacementHeader:
		header = http.Header{}
		header.Set(t.cred.Name, t.cred.Prefix+t.cred.Value)
	default:
		q = append(q, model.QueryParam{Key: t.cred.Name, Value: t.cred.Value})
	}

	return &model.OutboundRequest{
		Route:     r.Name,
		Method:    http.MethodGet,
		TargetURL: &target,
		Query:     q,
		Header:    header,
		Decode:    r.Mode == config.ModeWrap,
	}, nil
}
