package client

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HopByHopHeaders are meaningful for a single connection only and are never
// forwarded by the gateway in either direction.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// multiValueHeaders keep every value; all other headers keep only the last one.
var multiValueHeaders = map[string]bool{
	"Accept-Ranges":    true,
	"Allow":            true,
	"Cache-Control":    true,
	"Link":             true,
	"Set-Cookie":       true,
	"Vary":             true,
	"Via":              true,
	"Warning":          true,
	"Www-Authenticate": true,
}

// FilterResponseHeaders returns the upstream headers that may be relayed to
// the caller. Hop-by-hop headers, headers listed in Connection, and names or
// values that are not valid HTTP/1.1 field syntax are dropped silently.
func FilterResponseHeaders(src http.Header) http.Header {
	drop := make(map[string]bool, len(HopByHopHeaders))
	for _, h := range HopByHopHeaders {
		drop[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				drop[http.CanonicalHeaderKey(token)] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !httpguts.ValidHeaderFieldName(key) {
			continue
		}
		ck := http.CanonicalHeaderKey(key)
		if drop[ck] {
			continue
		}

		valid := make([]string, 0, len(vals))
		for _, v := range vals {
			if httpguts.ValidHeaderFieldValue(v) {
				valid = append(valid, v)
			}
		}
		if len(valid) == 0 {
			continue
		}

		if multiValueHeaders[ck] {
			dst[ck] = append(dst[ck], valid...)
		} else {
			dst[ck] = []string{valid[len(valid)-1]}
		}
	}
	return dst
}
