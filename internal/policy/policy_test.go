package policy

import (
	"errors"
	"net/http"
	"testing"

	"relaygate/internal/config"
	"relaygate/internal/model"
)

func mustDefault(t *testing.T) *Table {
	t.Helper()
	tbl, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tbl
}

func TestStatus(t *testing.T) {
	tbl := mustDefault(t)

	tests := []struct {
		name     string
		kind     model.FailureKind
		upstream int
		want     int
	}{
		{"transport has no upstream status", model.Transport, 0, http.StatusInternalServerError},
		{"transport ignores upstream status", model.Transport, http.StatusNotFound, http.StatusInternalServerError},
		{"decode error is bad gateway", model.DecodeError, http.StatusOK, http.StatusBadGateway},
		{"404 relayed", model.UpstreamNonSuccess, http.StatusNotFound, http.StatusNotFound},
		{"401 relayed", model.UpstreamNonSuccess, http.StatusUnauthorized, http.StatusUnauthorized},
		{"429 relayed", model.UpstreamNonSuccess, http.StatusTooManyRequests, http.StatusTooManyRequests},
		{"503 relayed", model.UpstreamNonSuccess, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"500 relayed", model.UpstreamNonSuccess, http.StatusInternalServerError, http.StatusInternalServerError},
		{"304 falls back to 400", model.UpstreamNonSuccess, http.StatusNotModified, http.StatusBadRequest},
		{"101 falls back to 400", model.UpstreamNonSuccess, http.StatusSwitchingProtocols, http.StatusBadRequest},
		{"unknown kind falls back to 500", model.FailureKind(99), 0, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tbl.Status(tt.kind, tt.upstream); got != tt.want {
				t.Errorf("Status(%s, %d) = %d, want %d", tt.kind, tt.upstream, got, tt.want)
			}
		})
	}
}

func TestStatus_NeverSuccess(t *testing.T) {
	tbl := mustDefault(t)
	for _, kind := range model.FailureKinds {
		for upstream := 0; upstream < 600; upstream++ {
			if got := tbl.Status(kind, upstream); got < 400 || got > 599 {
				t.Fatalf("Status(%s, %d) = %d, want 4xx/5xx", kind, upstream, got)
			}
		}
	}
}

func TestMessage(t *testing.T) {
	tbl := mustDefault(t)

	tests := []struct {
		name    string
		failure model.Failure
		want    string
	}{
		{
			name:    "transport",
			failure: model.Failure{Kind: model.Transport, Message: "GET https://swapi.dev/api/people/1/: host unreachable"},
			want:    "upstream request failed: GET https://swapi.dev/api/people/1/: host unreachable",
		},
		{
			name:    "non-success carries status",
			failure: model.Failure{Kind: model.UpstreamNonSuccess, Message: "Not Found", UpstreamStatus: 404},
			want:    "upstream returned status 404: Not Found",
		},
		{
			name:    "decode",
			failure: model.Failure{Kind: model.DecodeError, Message: "invalid JSON"},
			want:    "upstream response could not be decoded: invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tbl.Message(&tt.failure); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_Overrides(t *testing.T) {
	tbl, err := New(map[model.FailureKind]Entry{
		model.Transport:          {Status: http.StatusGatewayTimeout},
		model.UpstreamNonSuccess: {Template: "{kind} ({status}): {detail}"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := tbl.Status(model.Transport, 0); got != http.StatusGatewayTimeout {
		t.Errorf("transport status = %d, want %d", got, http.StatusGatewayTimeout)
	}
	// Template kept from defaults.
	if got := tbl.Message(&model.Failure{Kind: model.Transport, Message: "x"}); got != "upstream request failed: x" {
		t.Errorf("transport message = %q", got)
	}

	status, msg := tbl.Resolve(&model.Failure{Kind: model.UpstreamNonSuccess, Message: "gone", UpstreamStatus: 410})
	if status != http.StatusGone {
		t.Errorf("status = %d, want %d", status, http.StatusGone)
	}
	if msg != "upstream_non_success (410): gone" {
		t.Errorf("message = %q", msg)
	}
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"2xx status", Entry{Status: http.StatusOK}},
		{"3xx status", Entry{Status: http.StatusFound}},
		{"status above 599", Entry{Status: 600}},
		{"unknown tag", Entry{Template: "failed: {secret}"}},
		{"unclosed tag", Entry{Template: "failed: {detail"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(map[model.FailureKind]Entry{model.DecodeError: tt.entry}); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		Policy: config.PolicyConfig{
			DecodeError: config.PolicyEntryConfig{Status: http.StatusUnprocessableEntity, Message: "bad shape: {detail}"},
		},
	}
	tbl, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}

	status, msg := tbl.Resolve(&model.Failure{Kind: model.DecodeError, Message: "EOF"})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", status, http.StatusUnprocessableEntity)
	}
	if msg != "bad shape: EOF" {
		t.Errorf("message = %q", msg)
	}
	if got := tbl.Status(model.Transport, 0); got != http.StatusInternalServerError {
		t.Errorf("transport status = %d, want default %d", got, http.StatusInternalServerError)
	}
}

func TestNewFromConfig_UnknownTagIsConfigurationError(t *testing.T) {
	cfg := &config.Config{
		Policy: config.PolicyConfig{
			Transport: config.PolicyEntryConfig{Message: "failed: {reason}"},
		},
	}
	_, err := NewFromConfig(cfg)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("NewFromConfig() error = %v, want ErrConfiguration", err)
	}
}
