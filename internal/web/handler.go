// Package web provides HTTP handlers for the wafpolicy status page and API.
package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/compiler"
	"github.com/ppiankov/wafpolicy/internal/diag"
)

//go:embed templates/status.html
var templateFS embed.FS

var statusTmpl = template.Must(template.ParseFS(templateFS, "templates/status.html"))

// ResultFunc returns a pass result, or nil when none has run.
type ResultFunc func() *compiler.Result

// PassView is the JSON form of a pass result.
type PassView struct {
	Started     time.Time    `json:"started"`
	DurationMs  int64        `json:"durationMs"`
	Outcome     string       `json:"outcome"`
	Policies    []string     `json:"policies"`
	Failed      []string     `json:"failed,omitempty"`
	Digest      string       `json:"digest,omitempty"`
	Error       string       `json:"error,omitempty"`
	Diagnostics []diag.Entry `json:"diagnostics"`
	Proxy       *ProxyView   `json:"proxy,omitempty"`
}

// ProxyView is the JSON form of a proxy synthesis report.
type ProxyView struct {
	Hosts     []string      `json:"hosts"`
	Files     []string      `json:"files"`
	Failures  []FailureView `json:"failures,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Validated bool          `json:"validated"`
	Reloaded  bool          `json:"reloaded"`
	Error     string        `json:"error,omitempty"`
}

// FailureView is one host that could not be rendered.
type FailureView struct {
	Host     string `json:"host"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error"`
}

// NewPassView converts a result for encoding.
func NewPassView(r *compiler.Result) PassView {
	v := PassView{
		Started:     r.Started,
		DurationMs:  r.Duration.Milliseconds(),
		Outcome:     string(r.Outcome),
		Policies:    r.Policies,
		Failed:      r.Failed,
		Digest:      r.Digest,
		Diagnostics: r.Diagnostics,
	}
	if v.Policies == nil {
		v.Policies = []string{}
	}
	if v.Diagnostics == nil {
		v.Diagnostics = []diag.Entry{}
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	if p := r.Proxy; p != nil {
		pv := &ProxyView{
			Hosts:     p.Hosts,
			Files:     p.Files,
			Warnings:  p.Warnings,
			Validated: p.Validated,
			Reloaded:  p.Reloaded,
		}
		for _, f := range p.Failures {
			pv.Failures = append(pv.Failures, FailureView{Host: f.Host, Location: f.Location, Error: f.Err.Error()})
		}
		if r.ProxyErr != nil {
			pv.Error = r.ProxyErr.Error()
		}
		v.Proxy = pv
	}
	return v
}

// StatusHandler serves the status page for the last pass.
func StatusHandler(last ResultFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data := pageData{}
		if r := last(); r != nil {
			v := NewPassView(r)
			data = pageData{
				Ran:         true,
				Outcome:     v.Outcome,
				Started:     v.Started.Format(time.RFC3339),
				Duration:    r.Duration.Round(time.Millisecond).String(),
				Policies:    v.Policies,
				Failed:      v.Failed,
				Digest:      v.Digest,
				Error:       v.Error,
				Diagnostics: v.Diagnostics,
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := statusTmpl.Execute(w, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// PassHandler returns the last pass as JSON, or 404 before the first pass.
func PassHandler(last ResultFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := last()
		if r == nil {
			http.Error(w, "no pass has run yet", http.StatusNotFound)
			return
		}
		writeJSON(w, NewPassView(r))
	}
}

// HealthzHandler returns 200 with body "ok" while the last good pass is
// younger than maxAge. Zero maxAge disables the staleness check.
func HealthzHandler(lastGood ResultFunc, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := lastGood()
		if r == nil {
			http.Error(w, "no policy compiled yet", http.StatusServiceUnavailable)
			return
		}
		if maxAge > 0 && time.Since(r.Started) > maxAge {
			http.Error(w, "last compiled policy is stale", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok")) //nolint:errcheck // best-effort response
	}
}

type pageData struct {
	Ran         bool
	Outcome     string
	Started     string
	Duration    string
	Policies    []string
	Failed      []string
	Digest      string
	Error       string
	Diagnostics []diag.Entry
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
