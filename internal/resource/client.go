// Package resource fetches openappsec.io policy resources from a cluster or a local file.
package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

// Group is the API group of every policy resource.
const Group = "openappsec.io"

// Client returns raw resource objects of shape {metadata, spec}.
type Client interface {
	Get(ctx context.Context, version schema.Version, plural, name string) (map[string]any, error)
	List(ctx context.Context, version schema.Version, plural string) ([]map[string]any, error)
}

// NotFoundError reports a resource that could not be retrieved.
// Any non-2xx API status is reported this way; Err keeps the cause.
type NotFoundError struct {
	Version schema.Version
	Plural  string
	Name    string
	Err     error
}

func (e *NotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s/%s/%s %q not found", Group, e.Version, e.Plural, e.Name)
	}
	return fmt.Sprintf("%s/%s/%s %q not found: %v", Group, e.Version, e.Plural, e.Name, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ParseError reports a local policy file that is not valid YAML or JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing policy file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func wrap(name string, spec any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{"name": name},
		"spec":     spec,
	}
}
