// Package compiler runs compilation passes: it gathers policy bindings,
// resolves each policy, writes the bundle and optionally renders the proxy.
// Passes are serialized; a second caller waits for the running pass.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/client-go/kubernetes"

	"github.com/ppiankov/wafpolicy/internal/assembler"
	"github.com/ppiankov/wafpolicy/internal/config"
	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/history"
	"github.com/ppiankov/wafpolicy/internal/ingress"
	"github.com/ppiankov/wafpolicy/internal/metrics"
	"github.com/ppiankov/wafpolicy/internal/notify"
	"github.com/ppiankov/wafpolicy/internal/proxy"
	"github.com/ppiankov/wafpolicy/internal/resolver"
	"github.com/ppiankov/wafpolicy/internal/resource"
)

// ErrNoCluster is returned by a kubernetes-sourced pass without cluster clients.
var ErrNoCluster = errors.New("kubernetes source configured without cluster clients")

// Outcome summarizes a pass.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Result is the outcome of one pass.
type Result struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Outcome     Outcome       `json:"outcome"`
	Policies    []string      `json:"policies"`
	Failed      []string      `json:"failed,omitempty"`
	Digest      string        `json:"digest,omitempty"`
	Diagnostics []diag.Entry  `json:"diagnostics"`
	Proxy       *proxy.Report `json:"proxy,omitempty"`
	ProxyErr    error         `json:"-"`
	Err         error         `json:"-"`
}

// Warnings returns the number of warning diagnostics.
func (r *Result) Warnings() int {
	return r.count(diag.SeverityWarn)
}

// Errors returns the number of error diagnostics.
func (r *Result) Errors() int {
	return r.count(diag.SeverityError)
}

func (r *Result) count(sev diag.Severity) int {
	n := 0
	for _, e := range r.Diagnostics {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

// Compiler owns the pass lock and the collaborators of every pass.
type Compiler struct {
	mu sync.Mutex

	cfg       *config.Config
	kube      kubernetes.Interface
	resources resource.Client
	synth     *proxy.Synthesizer
	tracer    trace.Tracer
	metrics   *metrics.Collector
	history   *history.Store
	notifier  *notify.Notifier
	now       func() time.Time

	lastMu   sync.RWMutex
	last     *Result
	lastGood *Result
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCluster sets the clients used by kubernetes-sourced passes.
func WithCluster(kube kubernetes.Interface, resources resource.Client) Option {
	return func(c *Compiler) {
		c.kube = kube
		c.resources = resources
	}
}

// WithSynthesizer replaces the proxy synthesizer built from the configuration.
func WithSynthesizer(s *proxy.Synthesizer) Option {
	return func(c *Compiler) {
		c.synth = s
	}
}

// WithTracer records a span per pass and passes the tracer down.
func WithTracer(t trace.Tracer) Option {
	return func(c *Compiler) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithMetrics records pass and fetch metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Compiler) {
		c.metrics = m
	}
}

// WithHistory stores every pass.
func WithHistory(h *history.Store) Option {
	return func(c *Compiler) {
		c.history = h
	}
}

// WithNotifier alerts when a pass fails or drops a policy, and when that clears.
func WithNotifier(n *notify.Notifier) Option {
	return func(c *Compiler) {
		c.notifier = n
	}
}

// New creates a compiler. The proxy synthesizer is built from cfg when
// the proxy is enabled and none was supplied.
func New(cfg *config.Config, opts ...Option) *Compiler {
	c := &Compiler{
		cfg:    cfg,
		tracer: noop.NewTracerProvider().Tracer(""),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.synth == nil && cfg.Proxy.Enabled {
		c.synth = proxy.New(proxy.Options{
			ConfDir:     cfg.Proxy.ConfDir,
			CertDir:     cfg.Proxy.CertDir,
			TemplateDir: cfg.Proxy.TemplateDir,
			Binary:      cfg.Proxy.Binary,
		}, nil, proxy.WithTracer(c.tracer))
	}
	return c
}

// Run executes one pass under the configured timeout. The returned error is
// set only for pass-fatal failures; the previous artifacts stay in place then.
func (c *Compiler) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PassTimeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "compile.pass", trace.WithAttributes(attribute.String("source", c.cfg.Source)))
	defer span.End()

	res := &Result{Started: c.now()}
	d := diag.New()
	err := c.pass(ctx, d, res)
	res.Duration = c.now().Sub(res.Started)
	res.Diagnostics = d.Entries()
	res.Err = err
	res.Outcome = outcome(res)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("policies", len(res.Policies)),
		attribute.Int("warnings", res.Warnings()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pass failed")
	}
	c.record(res)
	return res, err
}

func (c *Compiler) pass(ctx context.Context, d *diag.List, res *Result) error {
	compiled, err := c.resolve(ctx, d, res)
	if err != nil {
		return err
	}

	bundle, ad := assembler.Assemble(compiled, assembler.Options{})
	d.Merge(ad)
	if err := bundle.Write(c.cfg.OutputPath, c.cfg.SettingsPath); err != nil {
		d.Error("assembler", c.cfg.OutputPath, "policy not written: %v", err)
		return fmt.Errorf("writing policy: %w", err)
	}
	digest, err := bundle.Digest()
	if err != nil {
		return fmt.Errorf("digesting policy: %w", err)
	}
	res.Digest = digest

	if c.synth != nil {
		c.synthesize(ctx, d, res, compiled)
	}
	return nil
}

// resolve gathers the policies of the pass. A policy that fails to compile is
// dropped; the pass fails only when every requested policy failed.
func (c *Compiler) resolve(ctx context.Context, d *diag.List, res *Result) ([]*resolver.Compiled, error) {
	opts := []func(*resolver.Resolver){
		resolver.WithConcurrency(c.cfg.FetchConcurrency),
		resolver.WithTracer(c.tracer),
	}
	if c.metrics != nil {
		opts = append(opts, resolver.WithFetchObserver(c.metrics.ObserveFetch))
	}

	if c.cfg.Source == config.SourceFile {
		name := resource.PolicyName(c.cfg.PolicyFile)
		cp, err := resolver.ResolveFile(ctx, c.cfg.PolicyFile, c.cfg.ClassName, d, opts...)
		if err != nil {
			res.Failed = append(res.Failed, name)
			d.Error("resolver", name, "policy dropped: %v", err)
			return nil, fmt.Errorf("compiling %s: %w", c.cfg.PolicyFile, err)
		}
		res.Policies = append(res.Policies, cp.Policy.Name)
		return []*resolver.Compiled{cp}, nil
	}

	if c.kube == nil || c.resources == nil {
		return nil, ErrNoCluster
	}
	bindings, err := ingress.NewExtractor(c.kube,
		ingress.WithNamespaces(c.cfg.Namespaces),
		ingress.WithDiagnostics(d),
	).Extract(ctx)
	if err != nil {
		return nil, err
	}

	groups := ingress.GroupByPolicy(bindings)
	names := ingress.PolicyNames(groups)
	r := resolver.New(c.resources, c.cfg.ClassName, d, opts...)
	var out []*resolver.Compiled
	for _, name := range names {
		group := groups[name]
		addr, port := ingress.Syslog(group)
		cp, err := r.ResolveRequest(ctx, resolver.Request{
			Name:          name,
			Mode:          ingress.Mode(group),
			SyslogAddress: addr,
			SyslogPort:    port,
			Extra:         ingress.Rules(group),
		})
		if err != nil {
			res.Failed = append(res.Failed, name)
			d.Error("resolver", name, "policy dropped: %v", err)
			continue
		}
		res.Policies = append(res.Policies, name)
		out = append(out, cp)
	}
	if len(names) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("no policy compiled out of %d", len(names))
	}
	return out, nil
}

func (c *Compiler) synthesize(ctx context.Context, d *diag.List, res *Result, compiled []*resolver.Compiled) {
	var servers []proxy.Server
	for _, cp := range compiled {
		servers = append(servers, proxy.ServersFromPolicy(cp)...)
	}
	report, err := c.synth.Run(ctx, servers)
	res.Proxy = report
	res.ProxyErr = err
	for _, w := range report.Warnings {
		d.Warn("proxy", "", "%s", w)
	}
	for _, f := range report.Failures {
		d.Error("proxy", f.Host+f.Location, "%v", f.Err)
	}
	if err != nil {
		d.Error("proxy", "", "%v", err)
	}
}

func outcome(res *Result) Outcome {
	switch {
	case res.Err != nil:
		return OutcomeFailure
	case len(res.Failed) > 0, res.ProxyErr != nil:
		return OutcomePartial
	case res.Proxy != nil && len(res.Proxy.Failures) > 0:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

func (c *Compiler) record(res *Result) {
	c.lastMu.Lock()
	prev := c.last
	c.last = res
	if res.Outcome != OutcomeFailure {
		c.lastGood = res
	}
	c.lastMu.Unlock()

	var hosts, failures int
	if res.Proxy != nil {
		hosts, failures = len(res.Proxy.Hosts), len(res.Proxy.Failures)
	}
	if c.metrics != nil {
		c.metrics.ObservePass(string(res.Outcome), res.Duration, res.Warnings(), res.Started)
		if res.Proxy != nil {
			c.metrics.SetProxyHosts(hosts, failures)
		}
	}
	if c.history != nil {
		pass := history.Pass{
			At:            res.Started,
			Result:        string(res.Outcome),
			WarnCount:     res.Warnings(),
			ErrorCount:    res.Errors(),
			Digest:        res.Digest,
			Duration:      res.Duration,
			ProxyHosts:    hosts,
			ProxyFailures: failures,
		}
		if res.Err != nil {
			pass.Error = res.Err.Error()
		}
		for _, name := range res.Policies {
			pass.Policies = append(pass.Policies, history.PolicyOutcome{Name: name, Compiled: true})
		}
		for _, name := range res.Failed {
			pass.Policies = append(pass.Policies, history.PolicyOutcome{Name: name})
		}
		if err := c.history.Save(pass); err != nil {
			slog.Error("saving pass history", "err", err)
		}
	}
	if c.notifier != nil {
		c.notifier.Notify(alertStatus(prev), alertStatus(res))
	}
}

func alertStatus(res *Result) notify.Status {
	var s notify.Status
	if res == nil {
		return s
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	s.Dropped = res.Failed
	if res.Proxy != nil {
		seen := make(map[string]bool)
		for _, f := range res.Proxy.Failures {
			if !seen[f.Host] {
				seen[f.Host] = true
				s.ProxyFailures = append(s.ProxyFailures, f.Host)
			}
		}
	}
	return s
}

// Last returns the most recent pass result, or nil before the first pass.
func (c *Compiler) Last() *Result {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.last
}

// LastGood returns the most recent pass that wrote a policy.
func (c *Compiler) LastGood() *Result {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.lastGood
}
