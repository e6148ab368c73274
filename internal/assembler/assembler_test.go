package assembler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/resolver"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

func compiledV2(policy *schema.Policy, fragments ...schema.Fragment) *resolver.Compiled {
	c := &resolver.Compiled{
		Schema:    schema.V1Beta2Schema,
		Policy:    policy,
		Fragments: map[schema.Kind][]schema.Fragment{},
	}
	for _, f := range fragments {
		c.Fragments[f.FragmentKind()] = append(c.Fragments[f.FragmentKind()], f)
	}
	return c
}

func compiledV1(policy *schema.Policy, fragments ...schema.Fragment) *resolver.Compiled {
	c := compiledV2(policy, fragments...)
	c.Schema = schema.V1Beta1Schema
	return c
}

func logTrigger(name string) *schema.LogTrigger {
	t := &schema.LogTrigger{Verbosity: "Standard", PreventEvents: true, SyslogPort: 514}
	t.Name = name
	return t
}

func webPractice(name string, confidence string) *schema.Practice {
	p := &schema.Practice{Revision: schema.V1Beta1}
	p.Name = name
	p.WebAttacks = schema.WebAttacks{MinimumConfidence: confidence, MaxBodySizeKB: 1000000, MaxObjectDepth: 40}
	return p
}

func shopPolicy() *resolver.Compiled {
	p := &schema.Policy{
		Name:    "shop",
		Version: schema.V1Beta1,
		Default: schema.Rule{Host: "*", Mode: "detect-learn", Practices: []string{"web"}, Triggers: []string{"log"}},
	}
	p.AddSpecificRule(schema.Rule{Host: "shop.example.com/", Mode: "prevent"})
	p.AddSpecificRule(schema.Rule{Host: "shop.example.com/api", Mode: "prevent"})
	return compiledV1(p, webPractice("web", "high"), logTrigger("log"))
}

func TestAssemble_EveryTopLevelKeyPresent(t *testing.T) {
	b, _ := Assemble(nil, Options{})
	data, err := Encode(b.Policy)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"accessControlV2", "waap", "triggers", "rules", "ips", "exceptions", "snort", "fileSecurity", "version"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("missing top-level key %s", key)
		}
	}
	if bytes.Contains(data, []byte("null")) {
		t.Errorf("empty bundle contains null:\n%s", data)
	}
	if doc["version"] != DefaultVersion {
		t.Errorf("expected default version, got %v", doc["version"])
	}
}

func TestAssemble_SpecificityOrder(t *testing.T) {
	b, d := Assemble([]*resolver.Compiled{shopPolicy()}, Options{})
	if d.Len() != 0 {
		t.Errorf("unexpected diagnostics: %v", d.Entries())
	}
	rules := b.Policy.Rules.Rulebase.RulesConfig
	var got []string
	for _, r := range rules {
		got = append(got, r.AssetName)
	}
	want := []string{"shop.example.com/api", "shop.example.com/", "Any"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if rules[2].Context != "All()" || rules[2].AssetID != "Any" {
		t.Errorf("unexpected default rule %+v", rules[2])
	}
	web := b.Policy.WAAP.WAAP.WebApplicationSecurity
	if len(web) != 3 || web[0].AssetName != "shop.example.com/api" || web[2].AssetName != "Any" {
		t.Fatalf("unexpected waap order %+v", web)
	}
	if web[2].ApplicationURLs != "http://*:*" {
		t.Errorf("expected default application url, got %s", web[2].ApplicationURLs)
	}
}

func TestAssemble_WebAppModes(t *testing.T) {
	b, _ := Assemble([]*resolver.Compiled{shopPolicy()}, Options{})
	web := b.Policy.WAAP.WAAP.WebApplicationSecurity
	api, def := web[0], web[2]
	if api.WebAttackMitigationMode != "Prevent" || api.WebAttackMitigationAction != "balanced" || !api.WebAttackMitigation {
		t.Errorf("unexpected prevent section %+v", api)
	}
	if def.WebAttackMitigationMode != "Learn" || def.WebAttackMitigationAction != "Transparent" {
		t.Errorf("unexpected learn section %+v", def)
	}
	if len(api.Triggers) != 1 || api.Triggers[0].Name != "shop/log" || api.Triggers[0].Log == nil {
		t.Errorf("expected log trigger on waap section, got %+v", api.Triggers)
	}
	if api.PracticeName != "shop/web" {
		t.Errorf("expected prefixed practice name, got %s", api.PracticeName)
	}
}

func TestAssemble_InactivePracticeDisablesMitigation(t *testing.T) {
	c := shopPolicy()
	c.Fragments[schema.KindPractice][0].(*schema.Practice).WebAttacks.OverrideMode = "inactive"
	b, _ := Assemble([]*resolver.Compiled{c}, Options{})
	for _, s := range b.Policy.WAAP.WAAP.WebApplicationSecurity {
		if s.WebAttackMitigation || s.WebAttackMitigationMode != "Disabled" {
			t.Errorf("expected disabled mitigation for %s, got %+v", s.AssetName, s)
		}
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	first, _ := Assemble([]*resolver.Compiled{shopPolicy()}, Options{})
	second, _ := Assemble([]*resolver.Compiled{shopPolicy()}, Options{})
	a, err := Encode(first.Policy)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(second.Policy)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical input produced different bundles")
	}
	da, _ := first.Digest()
	db, _ := second.Digest()
	if da != db || len(da) != 64 {
		t.Errorf("unexpected digests %s %s", da, db)
	}
}

func TestAssemble_AssetClaimedByFirstPolicy(t *testing.T) {
	other := shopPolicy()
	other.Policy.Name = "other"
	b, d := Assemble([]*resolver.Compiled{shopPolicy(), other}, Options{})
	if n := len(b.Policy.Rules.Rulebase.RulesConfig); n != 3 {
		t.Errorf("expected 3 rules, got %d", n)
	}
	if d.Count(diag.SeverityWarn) != 3 {
		t.Errorf("expected a warning per colliding asset, got %v", d.Entries())
	}
	for _, r := range b.Policy.Rules.Rulebase.RulesConfig {
		for _, p := range r.Practices {
			if !strings.HasPrefix(p.PracticeName, "shop/") {
				t.Errorf("asset %s taken by %s", r.AssetName, p.PracticeName)
			}
		}
	}
}

func TestAssemble_MissingPracticeWarns(t *testing.T) {
	p := &schema.Policy{Name: "shop", Default: schema.Rule{Host: "*", Mode: "prevent", Practices: []string{"gone"}}}
	b, d := Assemble([]*resolver.Compiled{compiledV1(p)}, Options{})
	if d.Count(diag.SeverityWarn) != 1 {
		t.Errorf("expected one warning, got %v", d.Entries())
	}
	if len(b.Policy.WAAP.WAAP.WebApplicationSecurity) != 0 {
		t.Error("expected no waap section without a practice")
	}
	if len(b.Policy.Rules.Rulebase.RulesConfig) != 1 {
		t.Error("expected the rule entry to remain")
	}
}

func TestAssemble_Exceptions(t *testing.T) {
	set := &schema.ExceptionSet{Exceptions: []schema.Exception{
		{Action: "skip", Match: map[string][]string{"url": {"/health"}}},
		{Action: "suppressLog", Match: map[string][]string{"sourceIp": {"10.0.0.1", "10.0.0.2"}, "url": {"/x"}}},
	}}
	set.Name = "exc"
	p := &schema.Policy{Name: "shop", Default: schema.Rule{Host: "*", Mode: "prevent", Practices: []string{"web"}, Exceptions: []string{"exc"}}}
	b, _ := Assemble([]*resolver.Compiled{compiledV1(p, webPractice("web", "critical"), set)}, Options{})

	sections := b.Policy.Exceptions.Rulebase.Exception
	if len(sections) != 1 || len(sections[0].Exceptions) != 2 {
		t.Fatalf("expected one section with two exceptions, got %+v", sections)
	}
	first, second := sections[0].Exceptions[0], sections[0].Exceptions[1]
	if first.Behavior.Key != "action" || first.Behavior.Value != "ignore" {
		t.Errorf("unexpected behavior %+v", first.Behavior)
	}
	if first.Match.Type != "condition" || first.Match.Key != "url" || first.Match.Value[0] != "/health" {
		t.Errorf("unexpected single match %+v", first.Match)
	}
	if second.Behavior.Key != "log" {
		t.Errorf("expected log behavior for suppressLog, got %+v", second.Behavior)
	}
	if second.Match.Op != "and" || len(second.Match.Items) != 2 || second.Match.Items[0].Op != "or" {
		t.Errorf("unexpected compound match %+v", second.Match)
	}
	want := "Any(parameterId(" + first.Behavior.ID + "), parameterId(" + second.Behavior.ID + "))"
	if sections[0].Context != want {
		t.Errorf("expected context %s, got %s", want, sections[0].Context)
	}

	rule := b.Policy.Rules.Rulebase.RulesConfig[0]
	if len(rule.Parameters) != 2 || rule.Parameters[0].ParameterID != first.Behavior.ID {
		t.Errorf("unexpected rule parameters %+v", rule.Parameters)
	}
	web := b.Policy.WAAP.WAAP.WebApplicationSecurity[0]
	if len(web.Overrides) != 2 || web.Overrides[0].ParsedMatch["operator"] != "basic" {
		t.Errorf("unexpected overrides %+v", web.Overrides)
	}
	if web.WebAttackMitigationAction != "low" {
		t.Errorf("expected low action for critical confidence, got %s", web.WebAttackMitigationAction)
	}
}

func TestAssemble_SyslogFallsBackToIngress(t *testing.T) {
	trig := logTrigger("log")
	p := &schema.Policy{Name: "shop", Default: schema.Rule{Host: "*", Mode: "prevent", Triggers: []string{"log"}}}
	c := compiledV1(p, trig)
	c.SyslogAddress = "10.1.1.1"
	c.SyslogPort = 1514
	b, _ := Assemble([]*resolver.Compiled{c}, Options{})
	logs := b.Policy.Triggers.Rulebase.Log
	if len(logs) != 1 {
		t.Fatalf("expected one log trigger, got %d", len(logs))
	}
	if !logs[0].LogToSyslog || logs[0].URLForSyslog != "10.1.1.1:1514" {
		t.Errorf("expected ingress syslog, got %+v", logs[0])
	}
	if logs[0].LogToCef || logs[0].URLForCef != ":0" {
		t.Errorf("expected cef off, got %+v", logs[0])
	}
	if !strings.HasPrefix(logs[0].Context, "triggerId(") {
		t.Errorf("unexpected trigger context %s", logs[0].Context)
	}
}

func TestAssemble_UserIdentifiersAndTrustedSources(t *testing.T) {
	ids := &schema.SourceIdentifierSet{Identifiers: []schema.SourceIdentifier{
		{Identifier: "JWTKey", Values: []string{"sub"}},
		{Identifier: "sourceip"},
	}}
	ids.Name = "ids"
	trusted := &schema.TrustedSourceSet{MinNumOfSources: 3, SourcesIdentifiers: []string{"10.0.0.0/8"}}
	trusted.Name = "trusted"
	p := &schema.Policy{Name: "shop", Default: schema.Rule{
		Host: "*", Mode: "prevent", Practices: []string{"web"},
		SourceIdentifiers: "ids", TrustedSources: "trusted",
	}}
	b, _ := Assemble([]*resolver.Compiled{compiledV1(p, webPractice("web", "high"), ids, trusted)}, Options{})

	users := b.Policy.Rules.Rulebase.UsersIdentifiers
	if len(users) != 1 {
		t.Fatalf("expected one users identifiers section, got %d", len(users))
	}
	u := users[0]
	if u.SourceIdentifier != "JWTKey" || u.SourceIdentifiers[0].SourceIdentifier != "authorization" || u.Context != "All()" {
		t.Errorf("unexpected users identifiers %+v", u)
	}
	web := b.Policy.WAAP.WAAP.WebApplicationSecurity[0]
	if len(web.TrustedSources) != 1 {
		t.Fatalf("expected trusted sources, got %+v", web.TrustedSources)
	}
	ts := web.TrustedSources[0]
	if ts.NumOfSources != 3 || len(ts.SourcesIdentifiers) != 2 {
		t.Errorf("unexpected trusted sources %+v", ts)
	}
	if ts.SourcesIdentifiers[0].SourceIdentifier != "JWTKey:sub" || ts.SourcesIdentifiers[1].SourceIdentifier != "sourceip" {
		t.Errorf("unexpected identifiers %+v", ts.SourcesIdentifiers)
	}
	if len(web.Overrides) != 1 || web.Overrides[0].ParsedBehavior[0]["httpSourceId"] != "authorization" {
		t.Errorf("unexpected trusted source override %+v", web.Overrides)
	}
}

func TestAssemble_ThreatPrevention(t *testing.T) {
	practice := &schema.Practice{
		Revision: schema.V1Beta2,
		Mode:     "inherited",
		WebAttacks: schema.WebAttacks{
			OverrideMode:      "as-top-level",
			MinimumConfidence: "medium",
		},
		Snort: schema.SnortSignatures{OverrideMode: "detect", Files: []string{"local.rules"}},
		IPS: &schema.IntrusionPrevention{
			OverrideMode:              "as-top-level",
			MaxPerformanceImpact:      "medium",
			MinSeverityLevel:          "high",
			HighConfidenceEventAction: "inherited",
			MediumConfidenceAction:    "detect",
			LowConfidenceEventAction:  "inactive",
			MinCVEYear:                2016,
		},
		FileSecurity: &schema.FileSecurity{
			OverrideMode:             "prevent",
			MinSeverityLevel:         "medium",
			HighConfidenceAction:     "inherited",
			MediumConfidenceAction:   "inherited",
			LowConfidenceAction:      "detect",
			UnnamedFilesAction:       "prevent",
			FileSizeLimit:            10,
			FileSizeLimitUnit:        "MB",
			FilesExceedingSizeAction: "detect",
			ScanMaxFileSize:          1,
			ScanMaxFileSizeUnit:      "KB",
			ArchivedFilesWithinAct:   "inherited",
			ArchivedFilesWhereAct:    "detect",
		},
	}
	practice.Name = "tp"
	p := &schema.Policy{Name: "shop", Version: schema.V1Beta2, Default: schema.Rule{Host: "*", Mode: "prevent", Practices: []string{"tp"}}}
	b, _ := Assemble([]*resolver.Compiled{compiledV2(p, practice)}, Options{})

	web := b.Policy.WAAP.WAAP.WebApplicationSecurity
	if len(web) != 1 || web[0].WebAttackMitigationMode != "Prevent" || web[0].WebAttackMitigationAction != "high" {
		t.Fatalf("unexpected waap %+v", web)
	}
	ips := b.Policy.IPS.IPS.IPSProtections
	if len(ips) != 1 {
		t.Fatalf("expected ips section, got %d", len(ips))
	}
	if ips[0].DefaultAction != "Prevent" {
		t.Errorf("expected Prevent default action, got %s", ips[0].DefaultAction)
	}
	actions := []string{ips[0].Rules[0].Action, ips[0].Rules[1].Action, ips[0].Rules[2].Action}
	if strings.Join(actions, ",") != "Prevent,Detect,Inactive" {
		t.Errorf("unexpected ips actions %v", actions)
	}
	if ips[0].Rules[0].PerformanceImpact != "Medium or lower" || ips[0].Rules[0].SeverityLevel != "High or above" {
		t.Errorf("unexpected ips rule %+v", ips[0].Rules[0])
	}
	snort := b.Policy.Snort.IPSSnortSigs
	if snort.VersionID != "LocalVersion" || len(snort.SnortProtections) != 1 || snort.SnortProtections[0].Mode != "Detect" {
		t.Errorf("unexpected snort %+v", snort)
	}
	files := b.Policy.FileSecurity.FileSecurity.FileSecurityProtections
	if len(files) != 1 {
		t.Fatalf("expected file security section, got %d", len(files))
	}
	fs := files[0]
	if fs.Action != "Prevent" || fs.HighConfidence != "Prevent" || fs.LowConfidence != "Detect" {
		t.Errorf("unexpected file security actions %+v", fs)
	}
	if !fs.AllowFilesWithoutName || fs.RequiredFileSizeLimit {
		t.Errorf("unexpected file security flags %+v", fs)
	}
	if fs.FileSizeLimit != 10*1048576 || fs.ArchiveFileSizeLimit != 1024 {
		t.Errorf("unexpected sizes %d %d", fs.FileSizeLimit, fs.ArchiveFileSizeLimit)
	}
	if fs.Context != "All()" {
		t.Errorf("expected All() context for the default asset, got %s", fs.Context)
	}
}

func TestAssemble_Settings(t *testing.T) {
	u := &schema.UpgradeSchedule{Mode: "scheduled", Time: "13:00", DurationHours: 6, Days: []string{"Monday"}}
	u.Name = "nightly"
	p := &schema.Policy{Name: "shop", Default: schema.Rule{Host: "*", Mode: "prevent", UpgradeSchedule: "nightly"}}
	b, _ := Assemble([]*resolver.Compiled{compiledV2(p, u)}, Options{})
	if b.Settings.UpgradeSchedule.UpgradeMode != "scheduled" || b.Settings.UpgradeSchedule.UpgradeDurationHours != 6 {
		t.Errorf("unexpected upgrade schedule %+v", b.Settings.UpgradeSchedule)
	}
	if len(b.Settings.AgentSettings) != 1 || b.Settings.AgentSettings[0].Key != "agent.test.policy" {
		t.Errorf("unexpected agent settings %+v", b.Settings.AgentSettings)
	}

	empty, _ := Assemble(nil, Options{})
	if empty.Settings.UpgradeSchedule.UpgradeMode != "manual" {
		t.Errorf("expected manual upgrades by default, got %+v", empty.Settings.UpgradeSchedule)
	}
}

const rateLimitPolicy = `
policies:
  default:
    mode: prevent
    accessControlPractices: [p1]
  specificRules:
    - host: shop.example.com/checkout
accessControlPractices:
  - name: p1
    rateLimit:
      overrideMode: prevent
      rules:
        - uri: /checkout
          limit: 100
          unit: minute
`

func TestEndToEnd_RateLimit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "shop.yaml")
	if err := os.WriteFile(src, []byte(rateLimitPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := resolver.ResolveFile(context.Background(), src, "", diag.Quiet())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := Assemble([]*resolver.Compiled{c}, Options{})
	out := filepath.Join(dir, "out", "local_appsec.policy")
	if err := b.Write(out, ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		AccessControl struct {
			Rulebase struct {
				RateLimit []struct {
					Context string `json:"context"`
					Mode    string `json:"mode"`
					Rules   []struct {
						URI   string `json:"URI"`
						Scope string `json:"scope"`
						Limit int    `json:"limit"`
					} `json:"rules"`
				} `json:"rateLimit"`
			} `json:"rulebase"`
		} `json:"accessControlV2"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("bundle is not json: %v", err)
	}
	rl := doc.AccessControl.Rulebase.RateLimit
	if len(rl) != 1 {
		t.Fatalf("expected one rate limit section, got %d", len(rl))
	}
	if rl[0].Context != "assetId(shop.example.com/checkout)" || rl[0].Mode != "Active" {
		t.Errorf("unexpected section %+v", rl[0])
	}
	if len(rl[0].Rules) != 1 || rl[0].Rules[0].Limit != 100 || rl[0].Rules[0].Scope != "Minute" || rl[0].Rules[0].URI != "/checkout" {
		t.Errorf("unexpected rules %+v", rl[0].Rules)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "settings.json")); !os.IsNotExist(err) {
		t.Error("settings written without a settings path")
	}
}

type failingValue struct{}

func (failingValue) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func TestWriteAtomic_SerializationErrorLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy")
	err := WriteAtomic(path, map[string]any{"bad": failingValue{}})
	if err == nil {
		t.Fatal("expected serialization error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d entries", len(entries))
	}
}

func TestWriteAtomic_KeepsOldFileOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy")
	if err := WriteAtomic(path, map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)
	if err := WriteAtomic(path, failingValue{}); err == nil {
		t.Fatal("expected serialization error")
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("previous artifact modified by a failed write")
	}
}
