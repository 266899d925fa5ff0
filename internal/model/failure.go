package model

// FailureKind classifies why an upstream call failed. The set is closed.
type FailureKind int

const (
	// Transport means no HTTP response was obtained: DNS, connect, TLS,
	// timeout or cancellation.
	Transport FailureKind = iota + 1
	// UpstreamNonSuccess means the upstream answered outside 200–299.
	UpstreamNonSuccess
	// DecodeError means the upstream answered 2xx but the body was not the
	// expected JSON.
	DecodeError
)

// FailureKinds lists every kind, in declaration order.
var FailureKinds = []FailureKind{Transport, UpstreamNonSuccess, DecodeError}

// String returns the snake_case name used in logs, metrics and config keys.
func (k FailureKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case UpstreamNonSuccess:
		return "upstream_non_success"
	case DecodeError:
		return "decode_error"
	default:
		return "unknown"
	}
}
