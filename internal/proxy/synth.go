// Package proxy renders nginx server and location blocks for policy rules,
// selecting TLS certificates from disk, then validates and reloads nginx.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/wafpolicy/internal/assembler"
	"github.com/ppiankov/wafpolicy/internal/atomicfile"
	"github.com/ppiankov/wafpolicy/internal/resolver"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

// Defaults for Options fields.
const (
	DefaultConfDir     = "/etc/cp/conf/openappsec-nginx-servers"
	DefaultCertDir     = "/etc/certs"
	DefaultTemplateDir = "/etc/nginx/nginx-templates"
	DefaultBinary      = "nginx"
)

// CertMatchError reports a host no paired certificate covers.
type CertMatchError struct {
	Host string
}

func (e *CertMatchError) Error() string {
	return fmt.Sprintf("no certificate with a matching key covers host %q", e.Host)
}

// ValidateError reports a failed syntax check. Output is the check's combined output.
type ValidateError struct {
	Output string
	Err    error
}

func (e *ValidateError) Error() string {
	return fmt.Sprintf("nginx configuration invalid: %v: %s", e.Err, strings.TrimSpace(e.Output))
}

func (e *ValidateError) Unwrap() error { return e.Err }

// Server is one rule served by the proxy: a host, a location and its upstream.
type Server struct {
	Host     string
	Location string
	Upstream string
	TLS      bool
	Settings schema.RPSettings
}

// ServersFromPolicy lists the proxied specific rules of a compiled policy.
// Rules without a host or an upstream are not proxied.
func ServersFromPolicy(c *resolver.Compiled) []Server {
	var out []Server
	for _, r := range c.Policy.SpecificRules {
		host, _, uri := assembler.SplitHostName(r.Host)
		if host == "" || host == assembler.AnyAsset || r.Upstream == "" {
			continue
		}
		if uri == "" {
			uri = "/"
		}
		out = append(out, Server{
			Host:     host,
			Location: uri,
			Upstream: r.Upstream,
			TLS:      r.SSL,
			Settings: c.Settings(r.RPSettings),
		})
	}
	return out
}

// Options locate the proxy's files and binary.
type Options struct {
	ConfDir     string
	CertDir     string
	TemplateDir string
	Binary      string
}

func (o Options) withDefaults() Options {
	if o.ConfDir == "" {
		o.ConfDir = DefaultConfDir
	}
	if o.CertDir == "" {
		o.CertDir = DefaultCertDir
	}
	if o.TemplateDir == "" {
		o.TemplateDir = DefaultTemplateDir
	}
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	return o
}

// HostFailure is a host or location that could not be rendered.
type HostFailure struct {
	Host     string
	Location string
	Err      error
}

// Report is the outcome of one synthesis run.
type Report struct {
	Files     []string
	Hosts     []string
	Failures  []HostFailure
	Warnings  []string
	Validated bool
	Reloaded  bool
	Output    string
}

// FullSuccess reports that every host rendered and nginx reloaded.
func (r *Report) FullSuccess() bool {
	return len(r.Failures) == 0 && r.Reloaded
}

// PartialSuccess reports that nginx reloaded with at least one rendered host.
func (r *Report) PartialSuccess() bool {
	return r.Reloaded && len(r.Hosts) > 0
}

// Synthesizer renders proxy configuration. It is not safe for concurrent runs.
type Synthesizer struct {
	opts   Options
	runner Runner
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a synthesizer. A nil runner uses ExecRunner.
func New(opts Options, runner Runner, o ...func(*Synthesizer)) *Synthesizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	s := &Synthesizer{
		opts:   opts.withDefaults(),
		runner: runner,
		tracer: noop.NewTracerProvider().Tracer(""),
		now:    time.Now,
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// WithTracer records a span per run.
func WithTracer(t trace.Tracer) func(*Synthesizer) {
	return func(s *Synthesizer) {
		if t != nil {
			s.tracer = t
		}
	}
}

type hostState struct {
	port   string
	failed bool
}

// Run recreates the configuration directory, renders every server, validates
// the result and reloads nginx. Host failures are collected in the report; the
// returned error is set only when the run as a whole failed.
func (s *Synthesizer) Run(ctx context.Context, servers []Server) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.synthesize", trace.WithAttributes(attribute.Int("servers", len(servers))))
	defer span.End()

	report := &Report{}
	if err := s.resetConfDir(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	idx, err := BuildCertIndex(s.opts.CertDir)
	if err != nil {
		slog.Warn("certificate index unavailable", "dir", s.opts.CertDir, "err", err)
		idx = &CertIndex{}
	}
	for _, path := range idx.Unpaired {
		report.Warnings = append(report.Warnings, path+": no matching private key")
	}

	hosts := make(map[string]*hostState)
	for _, srv := range servers {
		if srv.Host == "" || srv.Upstream == "" {
			continue
		}
		st, seen := hosts[srv.Host]
		if !seen {
			st = &hostState{}
			hosts[srv.Host] = st
			port, file, err := s.renderServer(idx, srv, report)
			if err != nil {
				st.failed = true
				report.Failures = append(report.Failures, HostFailure{Host: srv.Host, Location: srv.Location, Err: err})
				slog.Warn("proxy server skipped", "host", srv.Host, "err", err)
				continue
			}
			st.port = port
			report.Files = append(report.Files, file)
			report.Hosts = append(report.Hosts, srv.Host)
		}
		if st.failed {
			continue
		}
		file, err := s.renderLocation(st.port, srv)
		if err != nil {
			report.Failures = append(report.Failures, HostFailure{Host: srv.Host, Location: srv.Location, Err: err})
			slog.Warn("proxy location skipped", "host", srv.Host, "location", srv.Location, "err", err)
			continue
		}
		report.Files = append(report.Files, file)
	}

	out, err := s.runner.Run(ctx, s.opts.Binary, "-t")
	report.Output = string(out)
	if err != nil {
		verr := &ValidateError{Output: string(out), Err: err}
		span.SetStatus(codes.Error, verr.Error())
		return report, verr
	}
	report.Validated = true

	out, err = s.runner.Run(ctx, s.opts.Binary, "-s", "reload")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("reloading nginx: %w: %s", err, strings.TrimSpace(string(out)))
	}
	report.Reloaded = true
	slog.Info("proxy configuration reloaded", "hosts", len(report.Hosts), "failures", len(report.Failures))
	return report, nil
}

func (s *Synthesizer) resetConfDir() error {
	if err := os.RemoveAll(s.opts.ConfDir); err != nil {
		return fmt.Errorf("removing %s: %w", s.opts.ConfDir, err)
	}
	if err := os.MkdirAll(s.opts.ConfDir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", s.opts.ConfDir, err)
	}
	return nil
}

// renderServer writes the server block for a host and returns its port.
func (s *Synthesizer) renderServer(idx *CertIndex, srv Server, report *Report) (string, string, error) {
	values := map[string]string{
		"host":         srv.Host,
		"host-header":  srv.Settings.HostHeader,
		"dns-resolver": srv.Settings.DNSResolver,
		"conf-dir":     s.opts.ConfDir,
	}
	fillSettingDefaults(values)

	pair, ok := idx.SelectCert(srv.Host)
	var port, tmplName string
	switch {
	case ok:
		port, tmplName = "443", TemplateSSLServer
		values["certificate"] = pair.CertPath
		values["private-key"] = pair.KeyPath
		report.Warnings = append(report.Warnings, certWarnings(pair, srv.Host, s.now())...)
	case !srv.TLS:
		port, tmplName = "80", TemplateHTTPServer
	default:
		return "", "", &CertMatchError{Host: srv.Host}
	}

	tmpl, err := loadTemplate(s.opts.TemplateDir, tmplName)
	if err != nil {
		return "", "", err
	}
	path := filepath.Join(s.opts.ConfDir, port+"_"+srv.Host+".conf")
	if err := atomicfile.Write(path, []byte(substitute(tmpl, values)), 0o644); err != nil {
		return "", "", err
	}
	return port, path, nil
}

func (s *Synthesizer) renderLocation(port string, srv Server) (string, error) {
	location := srv.Location
	name := "root_location.conf"
	if strings.Trim(location, "/") == "" {
		location = "/"
	} else {
		name = strings.ReplaceAll(strings.TrimPrefix(location, "/"), "/", "_") + "_location.conf"
	}
	tmpl, err := loadTemplate(s.opts.TemplateDir, TemplateLocation)
	if err != nil {
		return "", err
	}
	values := map[string]string{
		"host":         srv.Host,
		"location":     location,
		"upstream":     srv.Upstream,
		"host-header":  srv.Settings.HostHeader,
		"dns-resolver": srv.Settings.DNSResolver,
	}
	fillSettingDefaults(values)
	path := filepath.Join(s.opts.ConfDir, port+"_"+srv.Host+"_locations", name)
	if err := atomicfile.Write(path, []byte(substitute(tmpl, values)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func fillSettingDefaults(values map[string]string) {
	if values["host-header"] == "" {
		values["host-header"] = schema.DefaultHostHeader
	}
	if values["dns-resolver"] == "" {
		values["dns-resolver"] = schema.DefaultDNSResolver
	}
}

// IsCertMatch reports whether err is a certificate match failure.
func IsCertMatch(err error) bool {
	var cm *CertMatchError
	return errors.As(err, &cm)
}
