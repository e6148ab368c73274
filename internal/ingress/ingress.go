// Package ingress extracts policy bindings from annotated Ingress objects.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

// Annotation keys recognized on Ingress objects.
const (
	AnnotationPrefix = "openappsec.io/"
	AnnotationPolicy = AnnotationPrefix + "policy"
	AnnotationMode   = AnnotationPrefix + "mode"
	AnnotationSyslog = AnnotationPrefix + "syslog"

	DefaultSyslogPort = 514
)

// Binding ties one ingress host and path to a named policy.
type Binding struct {
	Policy        string
	Mode          string
	SyslogAddress string
	SyslogPort    int
	Namespace     string
	Ingress       string
	Host          string
	Path          string
	Upstream      string
	TLS           bool
}

// Key is the host+path key under which the binding becomes a specific rule.
func (b Binding) Key() string {
	return b.Host + b.Path
}

// Rule converts the binding to a specific rule.
func (b Binding) Rule() schema.Rule {
	return schema.Rule{
		Host:     b.Key(),
		Mode:     b.Mode,
		Upstream: b.Upstream,
		SSL:      b.TLS,
	}
}

// Extractor lists Ingresses and turns policy annotations into bindings.
type Extractor struct {
	client     kubernetes.Interface
	namespaces []string
	diag       *diag.List
}

// NewExtractor creates an extractor over all namespaces unless restricted by options.
func NewExtractor(client kubernetes.Interface, opts ...func(*Extractor)) *Extractor {
	e := &Extractor{client: client}
	for _, o := range opts {
		o(e)
	}
	return e
}

// WithNamespaces restricts extraction to the given namespaces.
func WithNamespaces(ns []string) func(*Extractor) {
	return func(e *Extractor) {
		e.namespaces = ns
	}
}

// WithDiagnostics records annotation downgrades in d.
func WithDiagnostics(d *diag.List) func(*Extractor) {
	return func(e *Extractor) {
		e.diag = d
	}
}

// Extract returns one binding per annotated ingress host and path.
func (e *Extractor) Extract(ctx context.Context) ([]Binding, error) {
	namespaces := e.namespaces
	if len(namespaces) > 0 {
		namespaces = FilterAccessible(ctx, e.client, namespaces)
		if len(namespaces) == 0 {
			e.diag.Warn("ingress", "", "no configured namespace allows listing ingresses")
			return nil, nil
		}
	}

	var bindings []Binding
	for _, ns := range namespacesOrAll(namespaces) {
		ingresses, err := e.client.NetworkingV1().Ingresses(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("listing ingresses: %w", err)
		}
		for i := range ingresses.Items {
			bindings = append(bindings, e.bindingsFromIngress(&ingresses.Items[i])...)
		}
	}
	slog.Debug("extracted ingress bindings", "count", len(bindings))
	return bindings, nil
}

func (e *Extractor) bindingsFromIngress(ing *networkingv1.Ingress) []Binding {
	subject := ing.Namespace + "/" + ing.Name
	ann := ing.Annotations
	policy := strings.TrimSpace(ann[AnnotationPolicy])
	if policy == "" {
		slog.Debug("ingress without policy annotation skipped", "ingress", subject)
		return nil
	}

	base := Binding{
		Policy:    policy,
		Namespace: ing.Namespace,
		Ingress:   ing.Name,
	}
	if mode, ok := ann[AnnotationMode]; ok {
		if schema.ValidMode(mode) {
			base.Mode = mode
		} else {
			e.diag.Warn("ingress", subject, "mode annotation invalid: %q, ignoring", mode)
		}
	}
	if syslog, ok := ann[AnnotationSyslog]; ok {
		base.SyslogAddress, base.SyslogPort = e.parseSyslog(subject, syslog)
	}

	tlsHosts := map[string]bool{}
	for _, tls := range ing.Spec.TLS {
		for _, h := range tls.Hosts {
			tlsHosts[h] = true
		}
	}

	var out []Binding
	for _, rule := range ing.Spec.Rules {
		if rule.Host == "" {
			e.diag.Warn("ingress", subject, "rule without host skipped")
			continue
		}
		if rule.HTTP == nil {
			continue
		}
		for _, p := range rule.HTTP.Paths {
			b := base
			b.Host = rule.Host
			b.Path = p.Path
			b.TLS = tlsHosts[rule.Host]
			up, ok := upstream(ing.Namespace, p.Backend)
			if !ok {
				e.diag.Warn("ingress", subject, "backend of %s has no numeric port, skipped", b.Key())
				continue
			}
			b.Upstream = up
			out = append(out, b)
		}
	}
	return out
}

// parseSyslog splits "address[:port]". A missing or invalid port falls back to the default.
func (e *Extractor) parseSyslog(subject, value string) (string, int) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return strings.TrimSuffix(value, ":"), DefaultSyslogPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		e.diag.Warn("ingress", subject, "syslog port invalid: %q, using %d", portStr, DefaultSyslogPort)
		return host, DefaultSyslogPort
	}
	return host, port
}

// upstream renders the in-cluster URL of a service backend. It reports false
// for a named port, which cannot be resolved without reading the Service.
func upstream(namespace string, backend networkingv1.IngressBackend) (string, bool) {
	svc := backend.Service
	if svc == nil {
		return "", true
	}
	if svc.Port.Number == 0 {
		return "", false
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", svc.Name, namespace, svc.Port.Number), true
}

// GroupByPolicy groups bindings by policy name. Each group is sorted by key.
func GroupByPolicy(bindings []Binding) map[string][]Binding {
	groups := make(map[string][]Binding)
	for _, b := range bindings {
		groups[b.Policy] = append(groups[b.Policy], b)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].Key() < g[j].Key()
		})
	}
	return groups
}

// PolicyNames returns the group names in sorted order.
func PolicyNames(groups map[string][]Binding) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mode returns the first mode annotation set in a sorted group.
func Mode(group []Binding) string {
	for _, b := range group {
		if b.Mode != "" {
			return b.Mode
		}
	}
	return ""
}

// Syslog returns the first syslog destination set in a sorted group.
func Syslog(group []Binding) (string, int) {
	for _, b := range group {
		if b.SyslogAddress != "" {
			return b.SyslogAddress, b.SyslogPort
		}
	}
	return "", 0
}

// Rules converts a group to specific rules, skipping duplicate keys.
func Rules(group []Binding) []schema.Rule {
	seen := make(map[string]bool, len(group))
	rules := make([]schema.Rule, 0, len(group))
	for _, b := range group {
		if seen[b.Key()] {
			continue
		}
		seen[b.Key()] = true
		rules = append(rules, b.Rule())
	}
	return rules
}

// namespacesOrAll returns the given namespaces, or a single empty-string entry
// to list across all namespaces.
func namespacesOrAll(ns []string) []string {
	if len(ns) == 0 {
		return []string{""}
	}
	return ns
}
