// Package model defines shared types for the gateway.
package model

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
)

// QueryParam is one ordered query key/value pair.
type QueryParam struct {
	Key   string
	Value string
}

// OutboundRequest describes the single upstream call made for one inbound request.
// It is built by the translator and not modified afterwards.
type OutboundRequest struct {
	Route     string
	Method    string
	TargetURL *url.URL // scheme, host and path; the query lives in Query
	Query     []QueryParam
	Header    http.Header // at most the credential header, nil otherwise
	Decode    bool        // interpret the 2xx body as JSON instead of relaying it
}

// URL renders the full upstream URL, preserving query parameter order.
func (r *OutboundRequest) URL() string {
	u := *r.TargetURL
	u.RawQuery = encodeQuery(r.Query)
	return u.String()
}

// Redacted renders the upstream target without its query string, safe for
// logs and error messages.
func (r *OutboundRequest) Redacted() string {
	u := *r.TargetURL
	u.RawQuery = ""
	u.User = nil
	return r.Method + " " + u.String()
}

func encodeQuery(params []QueryParam) string {
	var buf []byte
	for _, p := range params {
		if len(buf) > 0 {
			buf = append(buf, '&')
		}
		buf = append(buf, url.QueryEscape(p.Key)...)
		buf = append(buf, '=')
		buf = append(buf, url.QueryEscape(p.Value)...)
	}
	return string(buf)
}

// Success is a completed 2xx upstream call.
// Exactly one of Body or Data is set: Body for relayed responses, Data when
// the request asked for decoding.
type Success struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser // lazy, single consumption; the consumer must close it
	Data       json.RawMessage
}

// Failure is an upstream call that did not produce a usable response.
type Failure struct {
	Kind           FailureKind
	Message        string
	UpstreamStatus int // 0 when no upstream status is available
}

// Error implements the error interface so failures can be logged and wrapped.
func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.Message
}

// Outcome is the result of one upstream invocation: a Success or a Failure,
// never both. Use NewSuccess, NewDecoded or NewFailure to build one.
type Outcome struct {
	success *Success
	failure *Failure
}

// NewSuccess returns a relay outcome carrying the lazy upstream body.
func NewSuccess(status int, header http.Header, body io.ReadCloser) Outcome {
	if body == nil {
		body = http.NoBody
	}
	return Outcome{success: &Success{StatusCode: status, Header: header, Body: body}}
}

// NewDecoded returns a success outcome carrying a decoded JSON document.
func NewDecoded(status int, header http.Header, data json.RawMessage) Outcome {
	return Outcome{success: &Success{StatusCode: status, Header: header, Data: data}}
}

// NewFailure returns a failure outcome.
func NewFailure(kind FailureKind, message string, upstreamStatus int) Outcome {
	return Outcome{failure: &Failure{Kind: kind, Message: message, UpstreamStatus: upstreamStatus}}
}

// Success returns the success variant, or nil for a failure.
func (o Outcome) Success() *Success { return o.success }

// Failure returns the failure variant, or nil for a success.
func (o Outcome) Failure() *Failure { return o.failure }

// Close releases the upstream body of a relay success that will not be consumed.
func (o Outcome) Close() error {
	if o.success != nil && o.success.Body != nil {
		return o.success.Body.Close()
	}
	return nil
}

// NormalizedResponse is the response handed back to the inbound caller.
// Body is set in relay mode; Payload otherwise, to be written as JSON.
type NormalizedResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Payload    any
}

// ErrorEnvelope is the JSON body of every failure response.
type ErrorEnvelope struct {
	Error   ErrorDetail `json:"error"`
	Success bool        `json:"success"`
}

// ErrorDetail carries the human-readable failure message.
type ErrorDetail struct {
	Message string `json:"message"`
}

// DataEnvelope wraps a decoded upstream document.
type DataEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}
