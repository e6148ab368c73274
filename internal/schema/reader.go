package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ppiankov/wafpolicy/internal/diag"
)

// FieldError reports a missing mandatory field or a field of the wrong type.
// It aborts parsing of one resource only.
type FieldError struct {
	Resource string
	Field    string
	Reason   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q %s", e.Resource, e.Field, e.Reason)
}

// IsFieldError reports whether err wraps a *FieldError.
func IsFieldError(err error) bool {
	var fe *FieldError
	return errors.As(err, &fe)
}

// reader walks one JSON object, applying defaults and collecting the first
// structural error. Every accessor is safe to call after an error.
type reader struct {
	res  string
	path string
	m    map[string]any
	d    *diag.List
	err  *error
}

func newReader(res string, m map[string]any, d *diag.List) *reader {
	var err error
	return &reader{res: res, m: m, d: d, err: &err}
}

func (r *reader) Err() error {
	return *r.err
}

func (r *reader) field(key string) string {
	if r.path == "" {
		return key
	}
	return r.path + "." + key
}

func (r *reader) fail(key, reason string) {
	if *r.err == nil {
		*r.err = &FieldError{Resource: r.res, Field: r.field(key), Reason: reason}
	}
}

func (r *reader) warn(format string, args ...any) {
	r.d.Warn("schema", r.res, format, args...)
}

func (r *reader) has(key string) bool {
	if r.m == nil {
		return false
	}
	v, ok := r.m[key]
	return ok && v != nil
}

func (r *reader) str(key, def string) string {
	if !r.has(key) {
		return def
	}
	s, ok := r.m[key].(string)
	if !ok {
		r.fail(key, "must be a string")
		return def
	}
	return s
}

// mandatoryStr records a FieldError when key is absent.
func (r *reader) mandatoryStr(key string) string {
	if !r.has(key) {
		r.fail(key, "is mandatory")
		return ""
	}
	return r.str(key, "")
}

// enum returns the value of key when it is one of valid, else warns and returns def.
func (r *reader) enum(key, def string, valid ...string) string {
	if !r.has(key) {
		return def
	}
	v := r.str(key, def)
	for _, ok := range valid {
		if v == ok {
			return v
		}
	}
	r.warn("%s invalid: %q, using %q", r.field(key), v, def)
	return def
}

func (r *reader) integer(key string, def int) int {
	if !r.has(key) {
		return def
	}
	n, ok := toInt(r.m[key])
	if !ok {
		r.fail(key, "must be an integer")
		return def
	}
	return n
}

func (r *reader) uint64(key string, def uint64) uint64 {
	n := r.integer(key, int(def))
	if n < 0 {
		r.warn("%s must not be negative, using %d", r.field(key), def)
		return def
	}
	return uint64(n)
}

func (r *reader) boolean(key string, def bool) bool {
	if !r.has(key) {
		return def
	}
	switch v := r.m[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	r.fail(key, "must be a boolean")
	return def
}

func (r *reader) strings(key string) []string {
	if !r.has(key) {
		return nil
	}
	raw, ok := r.m[key].([]any)
	if !ok {
		if s, isStr := r.m[key].(string); isStr {
			return []string{s}
		}
		r.fail(key, "must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			r.fail(key, "must be a list of strings")
			return nil
		}
		out = append(out, s)
	}
	return out
}

// child returns a reader for a nested object. A missing child yields an empty
// reader so every field takes its default.
func (r *reader) child(key string) *reader {
	c := &reader{res: r.res, path: r.field(key), d: r.d, err: r.err}
	if !r.has(key) {
		return c
	}
	m, ok := r.m[key].(map[string]any)
	if !ok {
		r.fail(key, "must be an object")
		return c
	}
	c.m = m
	return c
}

func (r *reader) mandatoryChild(key string) *reader {
	if !r.has(key) {
		r.fail(key, "is mandatory")
	}
	return r.child(key)
}

func (r *reader) list(key string) []*reader {
	if !r.has(key) {
		return nil
	}
	raw, ok := r.m[key].([]any)
	if !ok {
		r.fail(key, "must be a list of objects")
		return nil
	}
	out := make([]*reader, 0, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			r.fail(fmt.Sprintf("%s[%d]", key, i), "must be an object")
			return nil
		}
		out = append(out, &reader{res: r.res, path: fmt.Sprintf("%s[%d]", r.field(key), i), m: m, d: r.d, err: r.err})
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// extractMap returns obj[key] as an object, or nil.
func extractMap(obj map[string]any, key string) map[string]any {
	val, ok := obj[key].(map[string]any)
	if !ok {
		return nil
	}
	return val
}

func extractString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	val, ok := m[key].(string)
	if !ok {
		return ""
	}
	return val
}

// ObjectName returns metadata.name of a resource object.
func ObjectName(obj map[string]any) string {
	return extractString(extractMap(obj, "metadata"), "name")
}

// Annotations returns metadata.annotations of a resource object.
func Annotations(obj map[string]any) map[string]string {
	raw := extractMap(extractMap(obj, "metadata"), "annotations")
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// specOf returns the spec object, or a FieldError when it is absent.
func specOf(res string, obj map[string]any) (map[string]any, error) {
	spec := extractMap(obj, "spec")
	if spec == nil {
		return nil, &FieldError{Resource: res, Field: "spec", Reason: "is mandatory"}
	}
	return spec, nil
}
