package client

import (
	"errors"
	"testing"

	"relaygate/internal/config"
)

func TestRedactor_Redact(t *testing.T) {
	tests := []struct {
		name string
		cred config.CredentialConfig
		in   string
		want string
	}{
		{
			name: "redacts query parameter in URL",
			cred: config.CredentialConfig{Placement: config.PlacementQuery, Name: "key", Value: "abc123"},
			in:   `Get "https://api.example.com/v1/current.json?q=Paris&key=abc123": EOF`,
			want: `Get "https://api.example.com/v1/current.json?q=Paris&key=[REDACTED]": EOF`,
		},
		{
			name: "redacts parameter case-insensitively",
			cred: config.CredentialConfig{Placement: config.PlacementQuery, Name: "apiKey", Value: "abc123"},
			in:   "https://host/x?APIKEY=other-value",
			want: "https://host/x?APIKEY=[REDACTED]",
		},
		{
			name: "redacts bare secret",
			cred: config.CredentialConfig{Placement: config.PlacementHeader, Name: "Authorization", Value: "abc123"},
			in:   "upstream said: token abc123 is invalid",
			want: "upstream said: token [REDACTED] is invalid",
		},
		{
			name: "redacts query-escaped secret",
			cred: config.CredentialConfig{Placement: config.PlacementHeader, Name: "X-Key", Value: "a b&c"},
			in:   "echo: a+b%26c",
			want: "echo: [REDACTED]",
		},
		{
			name: "no secret unchanged",
			cred: config.CredentialConfig{Placement: config.PlacementQuery, Name: "key", Value: "abc123"},
			in:   "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRedactor(tt.cred)
			if got := r.Redact(tt.in); got != tt.want {
				t.Errorf("Redact() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactor_NilAndError(t *testing.T) {
	var r *Redactor
	if got := r.Redact("abc"); got != "abc" {
		t.Errorf("nil Redact() = %q, want %q", got, "abc")
	}

	r = NewRedactor(config.CredentialConfig{Value: "abc"})
	if got := r.RedactError(errors.New("bad abc")); got != "bad [REDACTED]" {
		t.Errorf("RedactError() = %q", got)
	}
	if got := r.RedactError(nil); got != "" {
		t.Errorf("RedactError(nil) = %q, want empty", got)
	}
}
