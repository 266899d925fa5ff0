// Package policy maps upstream failure kinds to outbound status codes and
// messages. It is the only place where failure statuses are decided.
package policy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/fasttemplate"

	"relaygate/internal/config"
	"relaygate/internal/model"
)

// Template tags available in message templates.
const (
	TagDetail = "detail"
	TagStatus = "status"
	TagKind   = "kind"
)

// Entry is the policy for one failure kind.
type Entry struct {
	Status   int    // outbound status, 400–599
	Template string // fasttemplate with {detail}, {status}, {kind}
}

// Defaults returns the built-in policy entries.
func Defaults() map[model.FailureKind]Entry {
	return map[model.FailureKind]Entry{
		model.Transport: {
			Status:   http.StatusInternalServerError,
			Template: "upstream request failed: {detail}",
		},
		model.UpstreamNonSuccess: {
			Status:   http.StatusBadRequest,
			Template: "upstream returned status {status}: {detail}",
		},
		model.DecodeError: {
			Status:   http.StatusBadGateway,
			Template: "upstream response could not be decoded: {detail}",
		},
	}
}

type compiledEntry struct {
	status int
	tmpl   *fasttemplate.Template
}

// Table is the read-only failure policy. It is safe for concurrent use.
type Table struct {
	entries  map[model.FailureKind]compiledEntry
	fallback compiledEntry
}

// New builds a Table from the defaults with overrides applied. Override
// fields left at their zero value keep the default.
func New(overrides map[model.FailureKind]Entry) (*Table, error) {
	t := &Table{entries: make(map[model.FailureKind]compiledEntry, len(model.FailureKinds))}

	defaults := Defaults()
	for _, kind := range model.FailureKinds {
		e := defaults[kind]
		if o, ok := overrides[kind]; ok {
			if o.Status != 0 {
				e.Status = o.Status
			}
			if o.Template != "" {
				e.Template = o.Template
			}
		}
		ce, err := compile(e)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", kind, err)
		}
		t.entries[kind] = ce
	}

	fb, err := compile(Entry{Status: http.StatusInternalServerError, Template: "upstream request failed: {detail}"})
	if err != nil {
		return nil, err
	}
	t.fallback = fb
	return t, nil
}

// NewFromConfig builds the Table from the [policy] section.
func NewFromConfig(cfg *config.Config) (*Table, error) {
	p := cfg.Policy
	t, err := New(map[model.FailureKind]Entry{
		model.Transport:          {Status: p.Transport.Status, Template: p.Transport.Message},
		model.UpstreamNonSuccess: {Status: p.UpstreamNonSuccess.Status, Template: p.UpstreamNonSuccess.Message},
		model.DecodeError:        {Status: p.DecodeError.Status, Template: p.DecodeError.Message},
	})
	if err != nil {
		return nil, config.NewConfigurationError("policy", err.Error())
	}
	return t, nil
}

func compile(e Entry) (compiledEntry, error) {
	if e.Status < 400 || e.Status > 599 {
		return compiledEntry{}, fmt.Errorf("status %d is not an error status", e.Status)
	}
	tmpl, err := fasttemplate.NewTemplate(e.Template, "{", "}")
	if err != nil {
		return compiledEntry{}, fmt.Errorf("template %q: %w", e.Template, err)
	}
	// Reject unknown tags up front instead of rendering them as empty strings.
	_, err = tmpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		switch tag {
		case TagDetail, TagStatus, TagKind:
			return 0, nil
		}
		return 0, fmt.Errorf("unknown tag {%s} in template %q", tag, e.Template)
	})
	if err != nil {
		return compiledEntry{}, err
	}
	return compiledEntry{status: e.Status, tmpl: tmpl}, nil
}

func (t *Table) entry(kind model.FailureKind) compiledEntry {
	if e, ok := t.entries[kind]; ok {
		return e
	}
	return t.fallback
}

// Status returns the outbound status for a failure.
//
// An upstream non-success status in the 4xx or 5xx range is relayed as is;
// anything else (1xx, unfollowed 3xx) gets the entry's status. Every other
// kind always gets its entry's status, whatever the upstream said.
func (t *Table) Status(kind model.FailureKind, upstreamStatus int) int {
	if kind == model.UpstreamNonSuccess && upstreamStatus >= 400 && upstreamStatus <= 599 {
		return upstreamStatus
	}
	return t.entry(kind).status
}

// Message renders the entry template for a failure.
func (t *Table) Message(f *model.Failure) string {
	status := "none"
	if f.UpstreamStatus > 0 {
		status = strconv.Itoa(f.UpstreamStatus)
	}
	return t.entry(f.Kind).tmpl.ExecuteString(map[string]any{
		TagDetail: f.Message,
		TagStatus: status,
		TagKind:   f.Kind.String(),
	})
}

// Resolve returns the outbound status and message for a failure.
func (t *Table) Resolve(f *model.Failure) (int, string) {
	return t.Status(f.Kind, f.UpstreamStatus), t.Message(f)
}
