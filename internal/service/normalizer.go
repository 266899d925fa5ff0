package service

import (
	"net/http"

	"relaygate/internal/model"
	"relaygate/internal/policy"
)

// bodyHeaders describe the upstream body and are not relayed once the body
// is replaced by an envelope.
var bodyHeaders = []string{"Content-Length", "Content-Type", "Content-Encoding", "Etag", "Content-Md5"}

// Normalizer turns an upstream outcome into the response for the caller.
type Normalizer struct {
	policy *policy.Table
}

// NewNormalizer creates a Normalizer backed by the given policy table.
func NewNormalizer(p *policy.Table) *Normalizer {
	return &Normalizer{policy: p}
}

// Normalize produces exactly one response for o.
//
// A relay success keeps the upstream status, the filtered headers and the
// unread body. A decoded success is wrapped in a data envelope. A failure
// becomes an error envelope whose status comes from the policy table only.
func (n *Normalizer) Normalize(o model.Outcome) *model.NormalizedResponse {
	if f := o.Failure(); f != nil {
		return n.failure(f)
	}

	s := o.Success()
	if s == nil {
		// Zero Outcome: treat as a transport failure rather than a success.
		return n.failure(&model.Failure{Kind: model.Transport, Message: "no upstream outcome"})
	}

	if s.Body == nil {
		header := s.Header.Clone()
		if header == nil {
			header = http.Header{}
		}
		for _, h := range bodyHeaders {
			header.Del(h)
		}
		return &model.NormalizedResponse{
			StatusCode: s.StatusCode,
			Header:     header,
			Payload:    model.DataEnvelope{Data: s.Data, Success: true},
		}
	}

	return &model.NormalizedResponse{
		StatusCode: s.StatusCode,
		Header:     s.Header,
		Body:       s.Body,
	}
}

func (n *Normalizer) failure(f *model.Failure) *model.NormalizedResponse {
	status, msg := n.policy.Resolve(f)
	return &model.NormalizedResponse{
		StatusCode: status,
		Header:     http.Header{},
		Payload: model.ErrorEnvelope{
			Error:   model.ErrorDetail{Message: msg},
			Success: false,
		},
	}
}
