// Package diag collects per-pass compilation diagnostics.
package diag

import (
	"fmt"
	"log/slog"
	"sync"
)

// Severity classifies how a diagnostic affected the pass.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Entry is a single downgrade decision or failure recorded during a pass.
type Entry struct {
	Severity  Severity `json:"severity"`
	Component string   `json:"component"`
	Subject   string   `json:"subject,omitempty"`
	Message   string   `json:"message"`
}

func (e Entry) String() string {
	if e.Subject == "" {
		return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Severity, e.Component, e.Subject, e.Message)
}

// List is safe for concurrent use; reference fetches append from several goroutines.
type List struct {
	mu      sync.Mutex
	entries []Entry
	quiet   bool
}

// New returns an empty list that mirrors every entry to slog.
func New() *List {
	return &List{}
}

// Quiet returns a list that does not log. Used when parsing inside validation commands.
func Quiet() *List {
	return &List{quiet: true}
}

// Warn records a recoverable downgrade.
func (l *List) Warn(component, subject, format string, args ...any) {
	l.add(Entry{Severity: SeverityWarn, Component: component, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// Error records a failure that dropped a resource, host or artifact.
func (l *List) Error(component, subject, format string, args ...any) {
	l.add(Entry{Severity: SeverityError, Component: component, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

func (l *List) add(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if l.quiet {
		return
	}
	switch e.Severity {
	case SeverityError:
		slog.Error(e.Message, "component", e.Component, "subject", e.Subject)
	default:
		slog.Warn(e.Message, "component", e.Component, "subject", e.Subject)
	}
}

// Merge appends every entry of other without logging them again.
func (l *List) Merge(other *List) {
	if l == nil || other == nil {
		return
	}
	entries := other.Entries()
	l.mu.Lock()
	l.entries = append(l.entries, entries...)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries in insertion order.
func (l *List) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count returns the number of entries with the given severity.
func (l *List) Count(sev Severity) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

// Len returns the total number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
