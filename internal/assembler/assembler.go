// Package assembler turns compiled policies into the enforcement-policy bundle.
package assembler

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/resolver"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

// DefaultVersion is written when Options.Version is empty.
const DefaultVersion = "1.0"

const (
	practiceTypeWebApp    = "WebApplication"
	practiceTypeRateLimit = "RateLimit"
	triggerTypeLog        = "log"
	triggerTypeResponse   = "WebUserResponse"
	parameterException    = "Exception"
	parameterTrusted      = "TrustedSource"
	jwtIdentifier         = "JWTKey"
	defaultSyslogPort     = 514
)

// Options control assembly.
type Options struct {
	// Version is the bundle version key.
	Version string
}

// Bundle is the output of one assembly: the policy document and the agent settings.
type Bundle struct {
	Policy   *PolicyDocument
	Settings *SettingsDocument
}

// Assemble builds one bundle from every compiled policy. Rules are processed
// specific first, then the default rule; the first policy to claim an asset keeps it.
func Assemble(policies []*resolver.Compiled, opts Options) (*Bundle, *diag.List) {
	d := diag.New()
	b := newBuilder(d)
	for _, c := range policies {
		if c == nil || c.Policy == nil {
			continue
		}
		b.addPolicy(c)
	}
	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	return &Bundle{Policy: b.policyDocument(version), Settings: b.settingsDocument()}, d
}

type builder struct {
	diag *diag.List

	// assets maps an asset name to the policy that claimed it.
	assets map[string]string

	rules      map[string]*RuleConfigSection
	users      map[string]*UsersIdentifiersSection
	webApps    map[string]*WebAppSection
	ips        map[string]*IPSProtectionSection
	snort      map[string]*SnortProtectionSection
	files      map[string]*FileSecurityProtectionSection
	rateLimits map[string]*RateLimitSection
	logs       map[string]*LogTriggerSection
	responses  map[string]*WebUserResponseSection
	trusted    map[string]*TrustedSourcesSection
	exceptions map[string][]InnerException
	excOrder   []string

	upgrade *schema.UpgradeSchedule
}

func newBuilder(d *diag.List) *builder {
	return &builder{
		diag:       d,
		assets:     make(map[string]string),
		rules:      make(map[string]*RuleConfigSection),
		users:      make(map[string]*UsersIdentifiersSection),
		webApps:    make(map[string]*WebAppSection),
		ips:        make(map[string]*IPSProtectionSection),
		snort:      make(map[string]*SnortProtectionSection),
		files:      make(map[string]*FileSecurityProtectionSection),
		rateLimits: make(map[string]*RateLimitSection),
		logs:       make(map[string]*LogTriggerSection),
		responses:  make(map[string]*WebUserResponseSection),
		trusted:    make(map[string]*TrustedSourcesSection),
		exceptions: make(map[string][]InnerException),
	}
}

// references are the fragment names one rule uses, unprefixed.
type references struct {
	practice       string
	accessControl  string
	trigger        string
	exception      string
	response       string
	identifiers    string
	trustedSources string
}

func first(own, def []string) string {
	for _, list := range [][]string{own, def} {
		if len(list) > 0 && list[0] != "" {
			return list[0]
		}
	}
	return ""
}

func either(own, def string) string {
	if own != "" {
		return own
	}
	return def
}

func ruleRefs(r, def schema.Rule) references {
	return references{
		practice:       first(r.Practices, def.Practices),
		accessControl:  first(r.AccessControlPractices, def.AccessControlPractices),
		trigger:        first(r.Triggers, def.Triggers),
		exception:      first(r.Exceptions, def.Exceptions),
		response:       either(r.CustomResponse, def.CustomResponse),
		identifiers:    either(r.SourceIdentifiers, def.SourceIdentifiers),
		trustedSources: either(r.TrustedSources, def.TrustedSources),
	}
}

// policyScope carries one compiled policy through its rules.
type policyScope struct {
	c    *resolver.Compiled
	name string
}

func (p policyScope) section(ref string) string {
	if ref == "" {
		return ""
	}
	return p.name + "/" + ref
}

func (b *builder) addPolicy(c *resolver.Compiled) {
	p := policyScope{c: c, name: c.Policy.Name}
	rules := make([]schema.Rule, 0, len(c.Policy.SpecificRules)+1)
	rules = append(rules, c.Policy.SpecificRules...)
	rules = append(rules, c.Policy.Default)
	for _, r := range rules {
		b.addRule(p, r, c.Policy.Default)
	}
	if b.upgrade == nil {
		if f, ok := c.Fragment(schema.KindUpgradeSchedule, c.Policy.Default.UpgradeSchedule); ok {
			b.upgrade = f.(*schema.UpgradeSchedule)
		}
	}
}

func (b *builder) addRule(p policyScope, r, def schema.Rule) {
	asset := AssetName(r.Host)
	if owner, ok := b.assets[asset]; ok {
		if owner != p.name {
			b.diag.Warn("assembler", asset, "asset already defined by policy %s, rule of %s skipped", owner, p.name)
		}
		return
	}
	b.assets[asset] = p.name

	ref := ruleRefs(r, def)
	url, port, uri := SplitHostName(r.Host)
	id := assetID(asset, url, uri)
	ctx := ruleContext(asset, url, port, uri)

	logTrigger := b.logTrigger(p, ref.trigger)
	response := b.webUserResponse(p, ref.response)
	params := b.exceptionParameters(p, ref.exception)

	rc := &RuleConfigSection{
		AssetID:    id,
		AssetName:  asset,
		RuleID:     id,
		RuleName:   asset,
		Context:    ctx,
		Priority:   1,
		Parameters: params,
		Practices:  []RulePractice{},
		Triggers:   []RuleTrigger{},
	}
	if logTrigger != nil {
		rc.Triggers = append(rc.Triggers, RuleTrigger{TriggerID: logTrigger.id, TriggerName: logTrigger.TriggerName, TriggerType: triggerTypeLog})
	}
	if response != nil {
		rc.Triggers = append(rc.Triggers, RuleTrigger{TriggerID: response.id, TriggerName: response.TriggerName, TriggerType: triggerTypeResponse})
	}

	var identifier string
	if ref.identifiers != "" {
		if u := b.userIdentifiers(p, ref.identifiers, ctx); u != nil {
			identifier = u.SourceIdentifier
			if len(u.SourceIdentifiers) > 0 {
				identifier = u.SourceIdentifiers[0].SourceIdentifier
			}
		}
	}

	if p.c.Version() == schema.V1Beta2 && ref.accessControl != "" {
		if rl := b.rateLimit(p, ref.accessControl, asset, id, logTrigger); rl != nil {
			rc.Practices = append(rc.Practices, RulePractice{PracticeID: rl.PracticeID, PracticeName: rl.Name, PracticeType: practiceTypeRateLimit})
		}
	}

	if ref.practice != "" {
		practice := b.practice(p, ref.practice)
		if practice != nil {
			practiceName := p.section(ref.practice)
			practiceID := newID("practice", asset, practiceName)
			rc.Practices = append([]RulePractice{{PracticeID: practiceID, PracticeName: practiceName, PracticeType: practiceTypeWebApp}}, rc.Practices...)
			a := assetRef{name: asset, id: id, context: ctx, practiceID: practiceID, practiceName: practiceName, identifier: identifier}
			b.webApp(p, r, ref, practice, a, logTrigger)
			if practice.Revision == schema.V1Beta2 {
				b.threatPrevention(r, practice, a)
			}
		}
	}
	b.rules[asset] = rc
}

// assetRef carries the identity of the asset a practice section is built for.
type assetRef struct {
	name         string
	id           string
	context      string
	practiceID   string
	practiceName string
	identifier   string
}

func (b *builder) practice(p policyScope, name string) *schema.Practice {
	kind := schema.KindPractice
	if p.c.Version() == schema.V1Beta2 {
		kind = schema.KindThreatPrevention
	}
	f, ok := p.c.Fragment(kind, name)
	if !ok {
		b.diag.Warn("assembler", p.section(name), "practice not resolved, practice sections skipped")
		return nil
	}
	return f.(*schema.Practice)
}

func (b *builder) logTrigger(p policyScope, name string) *LogTriggerSection {
	if name == "" {
		return nil
	}
	sectionName := p.section(name)
	if s, ok := b.logs[sectionName]; ok {
		return s
	}
	f, ok := p.c.Fragment(schema.KindTrigger, name)
	if !ok {
		return nil
	}
	t := f.(*schema.LogTrigger)
	id := newID("log", sectionName)

	syslogAddr, syslogPort := t.SyslogAddress, t.SyslogPort
	if syslogAddr == "" && p.c.SyslogAddress != "" {
		syslogAddr, syslogPort = p.c.SyslogAddress, p.c.SyslogPort
	}
	if syslogPort == 0 {
		syslogPort = defaultSyslogPort
	}
	cefPort := t.CEFPort
	if t.CEFAddress == "" {
		cefPort = 0
	}
	verbosity := t.Verbosity
	if verbosity == "" {
		verbosity = "Standard"
	}

	s := &LogTriggerSection{
		Context:                  "triggerId(" + id + ")",
		TriggerName:              sectionName,
		TriggerType:              triggerTypeLog,
		Verbosity:                verbosity,
		ACAllow:                  t.ACAllow,
		ACDrop:                   t.ACDrop,
		ExtendLoggingMinSeverity: t.ExtendLoggingMinSev,
		ExtendLogging:            t.ExtendLogging,
		LogToAgent:               t.LogToAgent,
		LogToCef:                 t.CEFAddress != "",
		LogToCloud:               t.LogToCloud,
		LogToK8sService:          t.LogToK8sService,
		LogToSyslog:              syslogAddr != "",
		ResponseBody:             t.ResponseBody,
		TPDetect:                 t.DetectEvents,
		TPPrevent:                t.PreventEvents,
		WebBody:                  t.RequestBody,
		WebHeaders:               t.HTTPHeaders,
		WebRequests:              t.AllWebRequests,
		WebURLPath:               t.URLPath,
		WebURLQuery:              t.URLQuery,
		URLForSyslog:             syslogAddr + ":" + strconv.Itoa(syslogPort),
		URLForCef:                t.CEFAddress + ":" + strconv.Itoa(cefPort),
		FormatLoggingOutput:      t.BeautifyLogs,
		id:                       id,
	}
	b.logs[sectionName] = s
	return s
}

func (b *builder) webUserResponse(p policyScope, name string) *WebUserResponseSection {
	if name == "" {
		return nil
	}
	sectionName := p.section(name)
	if s, ok := b.responses[sectionName]; ok {
		return s
	}
	f, ok := p.c.Fragment(schema.KindCustomResponse, name)
	if !ok {
		return nil
	}
	cr := f.(*schema.CustomResponse)
	id := newID("webUserResponse", sectionName)
	s := &WebUserResponseSection{
		Context:       "triggerId(" + id + ")",
		TriggerName:   sectionName,
		DetailsLevel:  cr.Mode,
		ResponseBody:  cr.MessageBody,
		ResponseCode:  cr.HTTPResponseCode,
		ResponseTitle: cr.MessageTitle,
		id:            id,
	}
	b.responses[sectionName] = s
	return s
}

// exceptionParameters returns one rule parameter per exception of the named set.
func (b *builder) exceptionParameters(p policyScope, name string) []RuleParameter {
	params := []RuleParameter{}
	for _, e := range b.innerExceptions(p, name) {
		params = append(params, RuleParameter{
			ParameterID:   e.Behavior.ID,
			ParameterName: p.section(name),
			ParameterType: parameterException,
		})
	}
	return params
}

func (b *builder) innerExceptions(p policyScope, name string) []InnerException {
	if name == "" {
		return nil
	}
	sectionName := p.section(name)
	if ex, ok := b.exceptions[sectionName]; ok {
		return ex
	}
	f, ok := p.c.Fragment(schema.KindException, name)
	if !ok {
		return nil
	}
	set := f.(*schema.ExceptionSet)
	var out []InnerException
	for i, e := range set.Exceptions {
		key, value := schema.ExceptionBehavior(e.Action)
		out = append(out, InnerException{
			Behavior: ExceptionBehavior{Key: key, Value: value, ID: newID("exception", sectionName, strconv.Itoa(i))},
			Match:    exceptionMatch(e.Match),
		})
	}
	b.exceptions[sectionName] = out
	b.excOrder = append(b.excOrder, sectionName)
	return out
}

// exceptionMatch builds the match tree: values of one key are or-ed, keys are and-ed.
func exceptionMatch(m map[string][]string) ExceptionMatch {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]ExceptionMatch, 0, len(keys))
	for _, k := range keys {
		values := m[k]
		if len(values) == 1 {
			items = append(items, condition(k, values[0]))
			continue
		}
		or := ExceptionMatch{Type: "operator", Op: "or"}
		for _, v := range values {
			or.Items = append(or.Items, condition(k, v))
		}
		items = append(items, or)
	}
	if len(items) == 1 {
		return items[0]
	}
	return ExceptionMatch{Type: "operator", Op: "and", Items: items}
}

func condition(key, value string) ExceptionMatch {
	return ExceptionMatch{Type: "condition", Op: "equals", Key: key, Value: []string{value}}
}

// parsedMatch renders a match tree in the engine's override form.
func parsedMatch(m ExceptionMatch) map[string]any {
	if m.Type == "condition" {
		value := ""
		if len(m.Value) > 0 {
			value = m.Value[0]
		}
		return map[string]any{"operator": "basic", "tag": m.Key, "value": value}
	}
	out := map[string]any{"operator": m.Op}
	for i, item := range m.Items {
		out["operand"+strconv.Itoa(i+1)] = parsedMatch(item)
	}
	return out
}

func (b *builder) sourceIdentifiers(p policyScope, name string) *schema.SourceIdentifierSet {
	f, ok := p.c.Fragment(schema.KindSourceIdentifier, name)
	if !ok {
		return nil
	}
	return f.(*schema.SourceIdentifierSet)
}

func (b *builder) userIdentifiers(p policyScope, name, ctx string) *UsersIdentifiersSection {
	sectionName := p.section(name)
	if u, ok := b.users[sectionName]; ok {
		return u
	}
	set := b.sourceIdentifiers(p, name)
	if set == nil {
		return nil
	}
	u := &UsersIdentifiersSection{
		Context:           ctx,
		IdentifierValues:  []string{},
		SourceIdentifiers: []UserIdentifier{},
	}
	for _, si := range set.Identifiers {
		values := si.Values
		if values == nil {
			values = []string{}
		}
		ident := si.Identifier
		if ident == jwtIdentifier {
			u.SourceIdentifier = jwtIdentifier
			u.IdentifierValues = append(u.IdentifierValues, values...)
			ident = "authorization"
		}
		u.SourceIdentifiers = append(u.SourceIdentifiers, UserIdentifier{SourceIdentifier: ident, IdentifierValues: values})
	}
	b.users[sectionName] = u
	return u
}

func (b *builder) trustedSources(p policyScope, ref references) *TrustedSourcesSection {
	if ref.trustedSources == "" || ref.identifiers == "" {
		return nil
	}
	sectionName := p.section(ref.trustedSources)
	if t, ok := b.trusted[sectionName]; ok {
		return t
	}
	f, ok := p.c.Fragment(schema.KindTrustedSource, ref.trustedSources)
	if !ok {
		return nil
	}
	ts := f.(*schema.TrustedSourceSet)
	set := b.sourceIdentifiers(p, ref.identifiers)
	if set == nil {
		return nil
	}
	t := &TrustedSourcesSection{
		ID:                 newID("trustedSources", sectionName),
		Name:               sectionName,
		NumOfSources:       ts.MinNumOfSources,
		SourcesIdentifiers: []TrustedSourceIdentifier{},
		ParameterType:      parameterTrusted,
	}
	for _, si := range set.Identifiers {
		for _, trusted := range ts.SourcesIdentifiers {
			if len(si.Values) == 0 {
				t.SourcesIdentifiers = append(t.SourcesIdentifiers, TrustedSourceIdentifier{SourceIdentifier: si.Identifier, Value: trusted})
				continue
			}
			for _, v := range si.Values {
				t.SourcesIdentifiers = append(t.SourcesIdentifiers, TrustedSourceIdentifier{SourceIdentifier: si.Identifier + ":" + v, Value: trusted})
			}
		}
	}
	b.trusted[sectionName] = t
	return t
}

func (b *builder) rateLimit(p policyScope, name, asset, id string, logTrigger *LogTriggerSection) *RateLimitSection {
	sectionName := p.section(name)
	if rl, ok := b.rateLimits[sectionName]; ok {
		return rl
	}
	f, ok := p.c.Fragment(schema.KindAccessControl, name)
	if !ok {
		b.diag.Warn("assembler", sectionName, "access control practice not resolved, rate limit skipped")
		return nil
	}
	ac := f.(*schema.AccessControlPractice)
	practiceID := newID("rateLimit", sectionName)
	rl := &RateLimitSection{
		Context:    assetContext(id),
		Mode:       ac.RateLimitMode,
		PracticeID: practiceID,
		Name:       sectionName,
		Rules:      []RateLimitRule{},
		assetName:  asset,
	}
	for i, rr := range ac.RateLimit {
		scope, ok := schema.RateLimitScope(rr.Unit)
		if !ok {
			b.diag.Warn("assembler", sectionName, "rate limit rule %s has unknown unit %q", rr.URI, rr.Unit)
		}
		triggers := []RateLimitTrigger{}
		if logTrigger != nil && (len(rr.Triggers) == 0 || contains(rr.Triggers, strings.TrimPrefix(logTrigger.TriggerName, p.name+"/"))) {
			triggers = append(triggers, RateLimitTrigger{ID: logTrigger.id, Name: logTrigger.TriggerName, Type: "Trigger"})
		}
		rl.Rules = append(rl.Rules, RateLimitRule{
			ID:       newID("rateLimitRule", sectionName, strconv.Itoa(i)),
			URI:      rr.URI,
			Scope:    scope,
			Triggers: triggers,
			Limit:    rr.Limit,
		})
	}
	b.rateLimits[sectionName] = rl
	return rl
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isInherited(mode string) bool {
	return mode == "as-top-level" || mode == "inherited"
}

// topLevelMode is the mode a newer-revision practice's engines defer to.
func topLevelMode(practice *schema.Practice, ruleMode string) string {
	if practice.Mode != "" && !isInherited(practice.Mode) {
		return practice.Mode
	}
	return ruleMode
}

func webAttackMode(r schema.Rule, practice *schema.Practice) string {
	if practice.Revision != schema.V1Beta2 {
		return schema.WebAttackMode(practice.WebAttacks.OverrideMode, r.Mode)
	}
	override := practice.WebAttacks.OverrideMode
	if isInherited(override) {
		override = ""
	}
	return schema.WebAttackMode(override, topLevelMode(practice, r.Mode))
}

// mitigationAction maps the minimum confidence to the engine's action level.
func mitigationAction(mode, confidence string) string {
	if mode != "Prevent" {
		return "Transparent"
	}
	switch confidence {
	case "critical":
		return "low"
	case "high":
		return "balanced"
	case "medium":
		return "high"
	}
	return "Transparent"
}

// protectionMode resolves a protection toggle; inherited toggles follow the web attack mode.
func protectionMode(setting, waMode string) string {
	if isInherited(setting) {
		return waMode
	}
	return schema.WebAttackMode(setting, "inactive")
}

func (b *builder) webApp(p policyScope, r schema.Rule, ref references, practice *schema.Practice, a assetRef, logTrigger *LogTriggerSection) {
	if _, ok := b.webApps[a.name]; ok {
		return
	}
	mode := webAttackMode(r, practice)
	wa := practice.WebAttacks
	illegalMethods := 0
	if wa.NonValidHTTPMethods {
		illegalMethods = 1
	}
	appURL := a.name
	if a.name == AnyAsset {
		appURL = defaultAppURL
	}
	s := &WebAppSection{
		Context:                     a.context,
		WebAttackMitigation:         mode != "Disabled",
		WebAttackMitigationSeverity: wa.MinimumConfidence,
		WebAttackMitigationAction:   mitigationAction(mode, wa.MinimumConfidence),
		WebAttackMitigationMode:     mode,
		PracticeAdvancedConfig: AdvancedConfig{
			HTTPHeaderMaxSize:         wa.MaxHeaderSizeBytes,
			HTTPIllegalMethodsAllowed: illegalMethods,
			HTTPRequestBodyMaxSize:    wa.MaxBodySizeKB,
			JSONMaxObjectDepth:        wa.MaxObjectDepth,
			URLMaxSize:                wa.MaxURLSizeBytes,
		},
		CSRFProtection:     protectionMode(wa.CSRFProtection, mode),
		OpenRedirect:       protectionMode(wa.OpenRedirect, mode),
		ErrorDisclosure:    protectionMode(wa.ErrorDisclosure, mode),
		PracticeID:         a.practiceID,
		PracticeName:       a.practiceName,
		AssetID:            a.id,
		AssetName:          a.name,
		RuleID:             a.id,
		RuleName:           a.name,
		SchemaValidation:   false,
		SchemaValidationV2: "Disabled",
		OAS:                []string{},
		Triggers:           []WAAPTrigger{},
		ApplicationURLs:    appURL,
		Overrides:          []Override{},
		TrustedSources:     []*TrustedSourcesSection{},
		WAAPParameters:     []string{},
		BotProtection:      false,
		AntiBot: AntiBotSection{
			Injected:  nonNil(practice.AntiBot.InjectedURIs),
			Validated: nonNil(practice.AntiBot.ValidatedURIs),
		},
		BotProtectionV2: "Detect",
	}
	if logTrigger != nil {
		s.Triggers = append(s.Triggers, WAAPTrigger{TriggerType: triggerTypeLog, ID: logTrigger.id, Name: logTrigger.TriggerName, Log: logTrigger})
	}
	if ts := b.trustedSources(p, ref); ts != nil {
		s.TrustedSources = append(s.TrustedSources, ts)
		if a.identifier != "" {
			s.Overrides = append(s.Overrides, Override{
				ParsedBehavior: []map[string]string{{"httpSourceId": a.identifier}},
				ParsedMatch:    map[string]any{"operator": "BASIC", "tag": "sourceip", "value": "0.0.0.0/0"},
			})
		}
	}
	for _, e := range b.innerExceptions(p, ref.exception) {
		s.Overrides = append(s.Overrides, Override{
			ID:             e.Behavior.ID,
			ParsedBehavior: []map[string]string{{e.Behavior.Key: e.Behavior.Value}},
			ParsedMatch:    parsedMatch(e.Match),
		})
	}
	b.webApps[a.name] = s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// threatPrevention adds the IPS, snort and file security sections of a newer-revision practice.
func (b *builder) threatPrevention(r schema.Rule, practice *schema.Practice, a assetRef) {
	top := topLevelMode(practice, r.Mode)
	if practice.IPS != nil {
		b.addIPS(practice.IPS, top, a)
	}
	if practice.Snort.OverrideMode != "inactive" && len(practice.Snort.Files) > 0 {
		b.snort[a.name] = &SnortProtectionSection{
			Context:          "practiceId(" + a.practiceID + ")",
			Mode:             schema.ThreatMode(practice.Snort.OverrideMode, top),
			Files:            practice.Snort.Files,
			AssetName:        a.name,
			AssetID:          a.id,
			PracticeName:     a.practiceName,
			PracticeID:       a.practiceID,
			SourceIdentifier: a.identifier,
		}
	}
	if practice.FileSecurity != nil {
		b.addFileSecurity(practice.FileSecurity, top, a)
	}
}

var ipsConfidences = []string{"High", "Medium", "Low"}

func (b *builder) addIPS(ips *schema.IntrusionPrevention, top string, a assetRef) {
	defaultAction := schema.ThreatMode(ips.OverrideMode, top)
	actions := []string{ips.HighConfidenceEventAction, ips.MediumConfidenceAction, ips.LowConfidenceEventAction}
	s := &IPSProtectionSection{
		Context:          a.context,
		RuleName:         a.name,
		AssetName:        a.name,
		AssetID:          a.id,
		PracticeName:     a.practiceName,
		PracticeID:       a.practiceID,
		SourceIdentifier: a.identifier,
		DefaultAction:    defaultAction,
	}
	for i, level := range ipsConfidences {
		action := defaultAction
		if !isInherited(actions[i]) {
			action = schema.ThreatMode(actions[i], "")
		}
		s.Rules = append(s.Rules, IPSRule{
			Action:              action,
			ConfidenceLevel:     level,
			ClientProtections:   true,
			ServerProtections:   true,
			ProtectionTags:      []string{},
			ProtectionIDs:       []string{},
			PerformanceImpact:   schema.PerformanceImpact(ips.MaxPerformanceImpact),
			SeverityLevel:       schema.SeverityLevel(ips.MinSeverityLevel),
			ProtectionsFromYear: ips.MinCVEYear,
		})
	}
	b.ips[a.name] = s
}

func (b *builder) addFileSecurity(fs *schema.FileSecurity, top string, a assetRef) {
	practiceAction := schema.ThreatMode(fs.OverrideMode, top)
	act := func(setting string) string {
		if isInherited(setting) {
			return practiceAction
		}
		return schema.ThreatMode(setting, "")
	}
	unnamed := act(fs.UnnamedFilesAction)
	large := act(fs.FilesExceedingSizeAction)
	b.files[a.name] = &FileSecurityProtectionSection{
		Context:                   assetContext(a.id),
		RuleName:                  a.name,
		AssetName:                 a.name,
		AssetID:                   a.id,
		PracticeName:              a.practiceName,
		PracticeID:                a.practiceID,
		Action:                    practiceAction,
		FilesWithoutNameAction:    unnamed,
		AllowFilesWithoutName:     unnamed == "Prevent",
		HighConfidence:            act(fs.HighConfidenceAction),
		MediumConfidence:          act(fs.MediumConfidenceAction),
		LowConfidence:             act(fs.LowConfidenceAction),
		SeverityLevel:             schema.SeverityLevel(fs.MinSeverityLevel),
		FileSizeLimitAction:       large,
		FileSizeLimit:             schema.SizeInBytes(fs.FileSizeLimit, fs.FileSizeLimitUnit),
		RequiredFileSizeLimit:     large == "Prevent",
		RequiredArchiveExtraction: fs.ExtractArchiveFiles,
		ArchiveFileSizeLimit:      schema.SizeInBytes(fs.ScanMaxFileSize, fs.ScanMaxFileSizeUnit),
		MultiLevelArchiveAction:   act(fs.ArchivedFilesWithinAct),
		UnopenedArchiveAction:     act(fs.ArchivedFilesWhereAct),
	}
}

// sortedByAsset returns map values ordered by asset specificity.
func sortedByAsset[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// sortedByName returns map values ordered by key.
func sortedByName[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func (b *builder) policyDocument(version string) *PolicyDocument {
	rateLimits := sortedByName(b.rateLimits)
	sort.SliceStable(rateLimits, func(i, j int) bool { return Less(rateLimits[i].assetName, rateLimits[j].assetName) })

	exceptions := []*ExceptionsSection{}
	if len(b.excOrder) > 0 {
		sort.Strings(b.excOrder)
		var ids []string
		var inner []InnerException
		for _, name := range b.excOrder {
			for _, e := range b.exceptions[name] {
				ids = append(ids, "parameterId("+e.Behavior.ID+")")
				inner = append(inner, e)
			}
		}
		if len(inner) > 0 {
			exceptions = append(exceptions, &ExceptionsSection{
				Context:    "Any(" + strings.Join(ids, ", ") + ")",
				Exceptions: inner,
			})
		}
	}

	return &PolicyDocument{
		AccessControl: AccessControlWrapper{Rulebase: AccessControlRulebase{
			AccessControl:       []string{},
			TraditionalFirewall: []string{},
			L4Firewall:          []string{},
			RateLimit:           rateLimits,
		}},
		WAAP: WAAPWrapper{WAAP: WAAPRulebase{
			WebAPISecurity:         []*WebAppSection{},
			WebApplicationSecurity: sortedByAsset(b.webApps),
		}},
		Triggers: TriggersWrapper{Rulebase: TriggersRulebase{
			Log:             sortedByName(b.logs),
			WebUserResponse: sortedByName(b.responses),
		}},
		Rules: RulesWrapper{Rulebase: RulesRulebase{
			RulesConfig:      sortedByAsset(b.rules),
			UsersIdentifiers: sortedByName(b.users),
		}},
		IPS:          IPSWrapper{IPS: IPSSection{IPSProtections: sortedByAsset(b.ips)}},
		Exceptions:   ExceptionsWrapper{Rulebase: ExceptionsRulebase{Exception: exceptions}},
		Snort:        SnortWrapper{IPSSnortSigs: SnortSection{VersionID: "LocalVersion", SnortProtections: sortedByAsset(b.snort), Protections: []any{}}},
		FileSecurity: FileSecurityWrapper{FileSecurity: FileSecuritySection{FileSecurityProtections: sortedByAsset(b.files)}},
		Version:      version,
	}
}

func (b *builder) settingsDocument() *SettingsDocument {
	s := &SettingsDocument{
		AgentSettings: []AgentSetting{{
			ID:    newID("agentSetting", "agent.test.policy"),
			Key:   "agent.test.policy",
			Value: "local policy",
		}},
		UpgradeSchedule: UpgradeSettings{UpgradeMode: "manual"},
	}
	if u := b.upgrade; u != nil {
		s.UpgradeSchedule = UpgradeSettings{
			UpgradeMode:          u.Mode,
			UpgradeTime:          u.Time,
			UpgradeDurationHours: u.DurationHours,
			UpgradeDays:          u.Days,
		}
	}
	return s
}
