package ingress

import (
	"context"
	"testing"

	authv1 "k8s.io/api/authorization/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/ppiankov/wafpolicy/internal/diag"
)

func makeIngress(ns, name string, ann map[string]string, hosts map[string][]string) *networkingv1.Ingress {
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Annotations: ann},
	}
	for host, paths := range hosts {
		rule := networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{},
			},
		}
		for _, p := range paths {
			rule.HTTP.Paths = append(rule.HTTP.Paths, networkingv1.HTTPIngressPath{
				Path: p,
				Backend: networkingv1.IngressBackend{
					Service: &networkingv1.IngressServiceBackend{
						Name: "web",
						Port: networkingv1.ServiceBackendPort{Number: 8080},
					},
				},
			})
		}
		ing.Spec.Rules = append(ing.Spec.Rules, rule)
	}
	return ing
}

func allowAll(cs *fake.Clientset) {
	cs.PrependReactor("create", "selfsubjectaccessreviews",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			review := action.(k8stesting.CreateAction).GetObject().(*authv1.SelfSubjectAccessReview)
			review.Status.Allowed = review.Spec.ResourceAttributes.Namespace != "denied"
			return true, review, nil
		})
}

func TestExtract_NoIngresses(t *testing.T) {
	e := NewExtractor(fake.NewClientset())
	bindings, err := e.Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("expected 0 bindings, got %d", len(bindings))
	}
}

func TestExtract_AnnotatedIngress(t *testing.T) {
	ing := makeIngress("shop", "storefront", map[string]string{
		AnnotationPolicy: "shop-policy",
		AnnotationMode:   "prevent",
		AnnotationSyslog: "10.0.0.5:1514",
	}, map[string][]string{"shop.example.com": {"/", "/checkout"}})
	ing.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{"shop.example.com"}, SecretName: "shop-tls"}}

	e := NewExtractor(fake.NewClientset(ing))
	bindings, err := e.Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	b := bindings[1]
	if b.Policy != "shop-policy" || b.Mode != "prevent" {
		t.Errorf("unexpected binding %+v", b)
	}
	if b.Key() != "shop.example.com/checkout" {
		t.Errorf("expected key shop.example.com/checkout, got %q", b.Key())
	}
	if b.Upstream != "http://web.shop.svc.cluster.local:8080" {
		t.Errorf("unexpected upstream %q", b.Upstream)
	}
	if b.SyslogAddress != "10.0.0.5" || b.SyslogPort != 1514 {
		t.Errorf("unexpected syslog %s:%d", b.SyslogAddress, b.SyslogPort)
	}
	if !b.TLS {
		t.Error("expected TLS host")
	}
}

func TestExtract_NamedPortSkipped(t *testing.T) {
	ing := makeIngress("shop", "storefront", map[string]string{AnnotationPolicy: "shop-policy"},
		map[string][]string{"shop.example.com": {"/", "/checkout"}})
	ing.Spec.Rules[0].HTTP.Paths[1].Backend.Service.Port = networkingv1.ServiceBackendPort{Name: "http"}
	d := diag.Quiet()

	bindings, err := NewExtractor(fake.NewClientset(ing), WithDiagnostics(d)).Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 1 || bindings[0].Path != "/" {
		t.Fatalf("expected only the numeric-port binding, got %+v", bindings)
	}
	if bindings[0].Upstream != "http://web.shop.svc.cluster.local:8080" {
		t.Errorf("unexpected upstream %q", bindings[0].Upstream)
	}
	if d.Count(diag.SeverityWarn) != 1 {
		t.Errorf("expected 1 warning, got %d", d.Count(diag.SeverityWarn))
	}
}

func TestExtract_SkipsUnannotated(t *testing.T) {
	cs := fake.NewClientset(
		makeIngress("default", "plain", nil, map[string][]string{"a.com": {"/"}}),
		makeIngress("default", "other", map[string]string{"example.com/policy": "x"}, map[string][]string{"b.com": {"/"}}),
	)
	bindings, err := NewExtractor(cs).Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("expected 0 bindings, got %d", len(bindings))
	}
}

func TestExtract_InvalidAnnotationsWarn(t *testing.T) {
	cs := fake.NewClientset(makeIngress("default", "ing", map[string]string{
		AnnotationPolicy: "p",
		AnnotationMode:   "aggressive",
		AnnotationSyslog: "syslog.local:notaport",
	}, map[string][]string{"a.com": {"/"}}))
	d := diag.Quiet()

	bindings, err := NewExtractor(cs, WithDiagnostics(d)).Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(bindings))
	}
	if bindings[0].Mode != "" {
		t.Errorf("expected invalid mode to be ignored, got %q", bindings[0].Mode)
	}
	if bindings[0].SyslogAddress != "syslog.local" || bindings[0].SyslogPort != DefaultSyslogPort {
		t.Errorf("unexpected syslog %s:%d", bindings[0].SyslogAddress, bindings[0].SyslogPort)
	}
	if d.Count(diag.SeverityWarn) != 2 {
		t.Errorf("expected 2 warnings, got %d", d.Count(diag.SeverityWarn))
	}
}

func TestExtract_SyslogWithoutPort(t *testing.T) {
	cs := fake.NewClientset(makeIngress("default", "ing", map[string]string{
		AnnotationPolicy: "p",
		AnnotationSyslog: "syslog.local",
	}, map[string][]string{"a.com": {"/"}}))

	bindings, err := NewExtractor(cs).Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bindings[0].SyslogAddress != "syslog.local" || bindings[0].SyslogPort != DefaultSyslogPort {
		t.Errorf("unexpected syslog %s:%d", bindings[0].SyslogAddress, bindings[0].SyslogPort)
	}
}

func TestExtract_NamespacesFiltered(t *testing.T) {
	cs := fake.NewClientset(
		makeIngress("allowed", "a", map[string]string{AnnotationPolicy: "p"}, map[string][]string{"a.com": {"/"}}),
		makeIngress("denied", "b", map[string]string{AnnotationPolicy: "p"}, map[string][]string{"b.com": {"/"}}),
		makeIngress("ignored", "c", map[string]string{AnnotationPolicy: "p"}, map[string][]string{"c.com": {"/"}}),
	)
	allowAll(cs)

	bindings, err := NewExtractor(cs, WithNamespaces([]string{"allowed", "denied"})).Extract(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 1 || bindings[0].Host != "a.com" {
		t.Errorf("expected only a.com binding, got %+v", bindings)
	}
}

func TestGroupByPolicy(t *testing.T) {
	bindings := []Binding{
		{Policy: "b", Host: "z.com", Path: "/"},
		{Policy: "a", Host: "y.com", Path: "/api", Mode: "detect"},
		{Policy: "a", Host: "x.com", Path: "/"},
		{Policy: "a", Host: "x.com", Path: "/", Mode: "prevent", SyslogAddress: "1.2.3.4", SyslogPort: 514},
	}
	groups := GroupByPolicy(bindings)
	names := PolicyNames(groups)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected policy names %v", names)
	}
	a := groups["a"]
	if a[0].Host != "x.com" || a[2].Host != "y.com" {
		t.Errorf("expected sorted group, got %+v", a)
	}
	if got := Mode(a); got != "prevent" {
		t.Errorf("expected prevent, got %q", got)
	}
	if addr, port := Syslog(a); addr != "1.2.3.4" || port != 514 {
		t.Errorf("unexpected syslog %s:%d", addr, port)
	}
	rules := Rules(a)
	if len(rules) != 2 {
		t.Fatalf("expected duplicate key to be skipped, got %d rules", len(rules))
	}
	if rules[1].Host != "y.com/api" || rules[1].Mode != "detect" {
		t.Errorf("unexpected rule %+v", rules[1])
	}
}

func TestFilterAccessible_APIErrorAssumesAllowed(t *testing.T) {
	cs := fake.NewClientset()
	cs.PrependReactor("create", "selfsubjectaccessreviews",
		func(_ k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, context.DeadlineExceeded
		})

	result := FilterAccessible(context.Background(), cs, []string{"ns1", "ns2"})
	if len(result) != 2 {
		t.Errorf("expected 2 namespaces (assume allowed on error), got %d: %v", len(result), result)
	}
}

func TestNamespacesOrAll_Empty(t *testing.T) {
	result := namespacesOrAll(nil)
	if len(result) != 1 || result[0] != "" {
		t.Errorf("expected [\"\"], got %v", result)
	}
}
