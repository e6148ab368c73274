package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

const v1File = `
policies:
  default:
    mode: detect-learn
    practices: [webapp-practice]
    triggers: [log-all]
  specific-rules:
    - host: shop.example.com/checkout
      upstream: http://checkout:8080
      rp-settings: rp
practices:
  - name: webapp-practice
    web-attacks:
      override-mode: prevent-learn
log-triggers:
  - name: log-all
    appsec-logging:
      all-web-requests: true
rp-settings:
  - name: rp
    host-header: shop.example.com
`

const v2File = `
policies:
  default:
    mode: prevent
    threatPreventionPractices: [tp]
    accessControlPractices: [p1]
  specificRules: []
accessControlPractices:
  - name: p1
    rateLimit:
      overrideMode: prevent
      rules:
        - uri: /checkout
          limit: 100
          unit: minute
autoUpgrade:
  name: nightly
  upgradeMode: automatic
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_V1(t *testing.T) {
	c, err := LoadFile(writeFile(t, "shop.policy.yaml", v1File))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PolicyName() != "shop" {
		t.Errorf("expected policy name shop, got %q", c.PolicyName())
	}

	ctx := context.Background()
	p, err := c.Get(ctx, schema.V1Beta1, PoliciesPlural, "shop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec, _ := p["spec"].(map[string]any)
	if _, ok := spec["default"]; !ok {
		t.Error("expected policy spec with default rule")
	}

	pr, err := c.Get(ctx, schema.V1Beta1, "practices", "webapp-practice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema.ObjectName(pr) != "webapp-practice" {
		t.Errorf("expected wrapped name, got %q", schema.ObjectName(pr))
	}

	if _, err := c.Get(ctx, schema.V1Beta1, "logtriggers", "log-all"); err != nil {
		t.Errorf("expected log trigger, got %v", err)
	}
	if _, err := c.Get(ctx, schema.V1Beta1, schema.RPSettingsPlural, "rp"); err != nil {
		t.Errorf("expected rp settings, got %v", err)
	}
	if _, err := c.Get(ctx, schema.V1Beta1, "practices", "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestLoadFile_RevisionDetection(t *testing.T) {
	ctx := context.Background()

	v1, err := LoadFile(writeFile(t, "a.yaml", v1File))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v1.Get(ctx, schema.V1Beta2, PoliciesPlural, "a"); !IsNotFound(err) {
		t.Errorf("expected older file to be unreadable as v1beta2, got %v", err)
	}

	v2, err := LoadFile(writeFile(t, "b.yaml", v2File))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Get(ctx, schema.V1Beta2, PoliciesPlural, "b"); err != nil {
		t.Errorf("expected v1beta2 policy, got %v", err)
	}
	if _, err := v2.Get(ctx, schema.V1Beta1, PoliciesPlural, "b"); !IsNotFound(err) {
		t.Errorf("expected newer file to be unreadable as v1beta1, got %v", err)
	}
}

func TestLoadFile_ListSingleObject(t *testing.T) {
	c, err := LoadFile(writeFile(t, "b.yaml", v2File))
	if err != nil {
		t.Fatal(err)
	}
	objs, err := c.List(context.Background(), schema.V1Beta2, "autoupgrade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objs) != 1 || schema.ObjectName(objs[0]) != "nightly" {
		t.Fatalf("expected single nightly schedule, got %v", objs)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	c, err := LoadFile(writeFile(t, "j.json", `{"policies":{"default":{"mode":"prevent"},"specificRules":[]}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Get(context.Background(), schema.V1Beta2, PoliciesPlural, "j"); err != nil {
		t.Errorf("expected policy, got %v", err)
	}
}

func TestLoadFile_ParseError(t *testing.T) {
	_, err := LoadFile(writeFile(t, "bad.yaml", "policies: [unterminated"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		t.Error("missing file must not be a ParseError")
	}
}

func TestPolicyName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/etc/policies/shop.yaml", "shop"},
		{"shop.policy.yml", "shop"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := PolicyName(tt.path); got != tt.want {
			t.Errorf("PolicyName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
