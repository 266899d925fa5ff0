package client

import (
	"net/url"
	"regexp"
	"strings"

	"relaygate/internal/config"
)

const redacted = "[REDACTED]"

// Redactor removes the upstream credential from text that may reach logs or callers.
type Redactor struct {
	secrets []string
	param   *regexp.Regexp
}

// NewRedactor builds a Redactor for the configured credential.
func NewRedactor(cred config.CredentialConfig) *Redactor {
	cred = cred.WithDefaults()
	r := &Redactor{}
	if cred.Value != "" {
		r.secrets = append(r.secrets, cred.Value)
		if esc := url.QueryEscape(cred.Value); esc != cred.Value {
			r.secrets = append(r.secrets, esc)
		}
		if esc := url.PathEscape(cred.Value); esc != cred.Value && esc != url.QueryEscape(cred.Value) {
			r.secrets = append(r.secrets, esc)
		}
	}
	if cred.Placement == config.PlacementQuery {
		r.param = regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(cred.Name) + `=)[^&\s"]+`)
	}
	return r
}

// Redact returns s with every occurrence of the credential replaced.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	if r.param != nil {
		s = r.param.ReplaceAllString(s, "${1}"+redacted)
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// RedactError is Redact applied to err.Error().
func (r *Redactor) RedactError(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
