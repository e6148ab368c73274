// Package resolver chooses the schema revision of a policy and resolves its references.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/refs"
	"github.com/ppiankov/wafpolicy/internal/resource"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

// ErrClassMismatch is returned when a policy belongs to another class.
var ErrClassMismatch = errors.New("unmatched class name")

var errNoRevisionAnnotation = errors.New("no annotation names v1beta1")

// VersionError reports that a policy could not be read under either revision.
type VersionError struct {
	Policy  string
	V1Beta1 error
	V1Beta2 error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("policy %q: v1beta1: %v; v1beta2: %v", e.Policy, e.V1Beta1, e.V1Beta2)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *VersionError) Unwrap() []error {
	return []error{e.V1Beta1, e.V1Beta2}
}

// Compiled is a policy with every referenced fragment resolved under one schema.
type Compiled struct {
	Schema        *schema.Schema
	Policy        *schema.Policy
	Fragments     map[schema.Kind][]schema.Fragment
	RPSettings    map[string]schema.RPSettings
	SyslogAddress string
	SyslogPort    int
}

// Version returns the schema revision the policy was compiled with.
func (c *Compiled) Version() schema.Version {
	return c.Schema.Version
}

// Fragment looks up a resolved fragment by kind and name.
func (c *Compiled) Fragment(kind schema.Kind, name string) (schema.Fragment, bool) {
	for _, f := range c.Fragments[kind] {
		if f.FragmentName() == name {
			return f, true
		}
	}
	return nil, false
}

// Settings returns the named reverse-proxy settings, or the defaults.
func (c *Compiled) Settings(name string) schema.RPSettings {
	if s, ok := c.RPSettings[name]; ok {
		return s
	}
	return schema.DefaultRPSettings()
}

// Request is one policy to resolve, with the ingress context that bound it.
type Request struct {
	Name          string
	Mode          string
	SyslogAddress string
	SyslogPort    int
	Extra         []schema.Rule
}

// Resolver resolves policies against a resource client. One Resolver serves one pass.
type Resolver struct {
	client      resource.Client
	class       string
	concurrency int
	diag        *diag.List
	tracer      trace.Tracer
	observe     func(kind schema.Kind, result string)
}

// New creates a resolver. class scopes newer-revision policies and fragments.
func New(client resource.Client, class string, d *diag.List, opts ...func(*Resolver)) *Resolver {
	r := &Resolver{
		client: client,
		class:  class,
		diag:   d,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// WithConcurrency bounds concurrent fragment fetches.
func WithConcurrency(n int) func(*Resolver) {
	return func(r *Resolver) {
		r.concurrency = n
	}
}

// WithTracer records a span per resolved policy.
func WithTracer(t trace.Tracer) func(*Resolver) {
	return func(r *Resolver) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithFetchObserver reports each fragment fetch outcome, e.g. to metrics.
func WithFetchObserver(fn func(kind schema.Kind, result string)) func(*Resolver) {
	return func(r *Resolver) {
		r.observe = fn
	}
}

// Resolve compiles the named cluster policy, merging extra ingress-derived rules.
func (r *Resolver) Resolve(ctx context.Context, name string, extra []schema.Rule) (*Compiled, error) {
	return r.ResolveRequest(ctx, Request{Name: name, Extra: extra})
}

// ResolveRequest compiles a cluster policy. The older revision wins only when it
// can be read and one of its annotations names v1beta1.
func (r *Resolver) ResolveRequest(ctx context.Context, req Request) (*Compiled, error) {
	ctx, span := r.tracer.Start(ctx, "resolve", trace.WithAttributes(attribute.String("policy", req.Name)))
	defer span.End()

	obj, err1 := r.client.Get(ctx, schema.V1Beta1, resource.PoliciesPlural, req.Name)
	if err1 == nil && !mentionsRevision(obj, string(schema.V1Beta1)) {
		err1 = errNoRevisionAnnotation
	}
	s := schema.V1Beta1Schema
	if err1 != nil {
		slog.Debug("v1beta1 policy unavailable, trying v1beta2", "policy", req.Name, "err", err1)
		var err2 error
		obj, err2 = r.client.Get(ctx, schema.V1Beta2, resource.PoliciesPlural, req.Name)
		if err2 != nil {
			verr := &VersionError{Policy: req.Name, V1Beta1: err1, V1Beta2: err2}
			span.RecordError(verr)
			span.SetStatus(codes.Error, "no readable revision")
			return nil, verr
		}
		s = schema.V1Beta2Schema
	}
	span.SetAttributes(attribute.String("version", string(s.Version)))

	c, err := r.compile(ctx, s, req, obj)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("specific_rules", len(c.Policy.SpecificRules)))
	return c, nil
}

// ResolveFile compiles the single policy of a local file, trying the newer revision first.
func ResolveFile(ctx context.Context, path, class string, d *diag.List, opts ...func(*Resolver)) (*Compiled, error) {
	fc, err := resource.LoadFile(path)
	if err != nil {
		return nil, err
	}
	r := New(fc, class, d, opts...)
	req := Request{Name: fc.PolicyName()}

	ctx, span := r.tracer.Start(ctx, "resolve", trace.WithAttributes(
		attribute.String("policy", req.Name),
		attribute.String("file", path),
	))
	defer span.End()

	c, err2 := r.compileVersion(ctx, schema.V1Beta2Schema, req)
	if err2 == nil {
		return c, nil
	}
	slog.Info("policy file is not v1beta2, trying v1beta1", "path", path, "err", err2)
	c, err1 := r.compileVersion(ctx, schema.V1Beta1Schema, req)
	if err1 != nil {
		verr := &VersionError{Policy: req.Name, V1Beta1: err1, V1Beta2: err2}
		span.RecordError(verr)
		span.SetStatus(codes.Error, "no readable revision")
		return nil, verr
	}
	return c, nil
}

func (r *Resolver) compileVersion(ctx context.Context, s *schema.Schema, req Request) (*Compiled, error) {
	obj, err := r.client.Get(ctx, s.Version, resource.PoliciesPlural, req.Name)
	if err != nil {
		return nil, err
	}
	return r.compile(ctx, s, req, obj)
}

// compile parses the policy object with s, merges ingress rules and resolves references.
func (r *Resolver) compile(ctx context.Context, s *schema.Schema, req Request, obj map[string]any) (*Compiled, error) {
	policy, err := s.DecodePolicy(req.Name, obj, r.diag)
	if err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", req.Name, err)
	}
	if s.SupportsClassName && r.class != "" && policy.ClassName != r.class {
		return nil, fmt.Errorf("policy %s has class %q: %w", req.Name, policy.ClassName, ErrClassMismatch)
	}

	policy.ApplyIngressMode(req.Mode)
	for _, rule := range req.Extra {
		if !policy.AddSpecificRule(rule) {
			slog.Debug("ingress rule already defined by policy", "policy", req.Name, "host", rule.Host)
		}
	}

	set := refs.Collect(s, policy.Default, policy.SpecificRules)
	f := &refs.Fetcher{
		Fetch:       r.fetchFunc(s),
		Class:       r.class,
		Concurrency: r.concurrency,
		Diag:        r.diag,
		Observe:     r.observe,
	}
	if _, ok := r.client.(*resource.FileClient); ok {
		f.List = r.listFunc(s)
	}
	return &Compiled{
		Schema:        s,
		Policy:        policy,
		Fragments:     f.Resolve(ctx, s, set),
		RPSettings:    r.rpSettings(ctx, s, policy),
		SyslogAddress: req.SyslogAddress,
		SyslogPort:    req.SyslogPort,
	}, nil
}

func (r *Resolver) fetchFunc(s *schema.Schema) refs.FetchFunc {
	return func(ctx context.Context, kind schema.Kind, name string) (schema.Fragment, error) {
		ks, ok := s.Kind(kind)
		if !ok {
			return nil, fmt.Errorf("kind %s is not part of %s", kind, s.Version)
		}
		obj, err := r.client.Get(ctx, s.Version, ks.Plural, name)
		if err != nil {
			return nil, err
		}
		return ks.Decode(name, obj, r.diag)
	}
}

func (r *Resolver) listFunc(s *schema.Schema) refs.ListFunc {
	return func(ctx context.Context, kind schema.Kind) ([]schema.Fragment, error) {
		ks, ok := s.Kind(kind)
		if !ok {
			return nil, fmt.Errorf("kind %s is not part of %s", kind, s.Version)
		}
		objs, err := r.client.List(ctx, s.Version, ks.Plural)
		if err != nil {
			return nil, err
		}
		frags := make([]schema.Fragment, 0, len(objs))
		for _, obj := range objs {
			name := schema.ObjectName(obj)
			frag, err := ks.Decode(name, obj, r.diag)
			if err != nil {
				r.diag.Warn("resolver", string(kind)+"/"+name, "decode failed, skipping: %v", err)
				continue
			}
			if frag.FragmentName() == "" {
				frag.SetName(name)
			}
			frags = append(frags, frag)
		}
		return frags, nil
	}
}

// rpSettings loads the reverse-proxy settings named by rules that carry an upstream.
func (r *Resolver) rpSettings(ctx context.Context, s *schema.Schema, p *schema.Policy) map[string]schema.RPSettings {
	out := make(map[string]schema.RPSettings)
	for _, rule := range p.SpecificRules {
		name := rule.RPSettings
		if name == "" || rule.Upstream == "" {
			continue
		}
		if _, done := out[name]; done {
			continue
		}
		obj, err := r.client.Get(ctx, s.Version, schema.RPSettingsPlural, name)
		if err != nil {
			r.diag.Warn("resolver", "rpSettings/"+name, "not found, using defaults: %v", err)
			out[name] = schema.DefaultRPSettings()
			continue
		}
		settings, err := schema.DecodeRPSettings(name, obj, r.diag)
		if err != nil {
			r.diag.Warn("resolver", "rpSettings/"+name, "decode failed, using defaults: %v", err)
			settings = schema.DefaultRPSettings()
		}
		out[name] = settings
	}
	return out
}

// mentionsRevision reports whether any annotation value contains version.
func mentionsRevision(obj map[string]any, version string) bool {
	for _, v := range schema.Annotations(obj) {
		if strings.Contains(v, version) {
			return true
		}
	}
	return false
}
