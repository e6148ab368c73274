package schema

import (
	"github.com/ppiankov/wafpolicy/internal/diag"
)

const (
	defaultMaxBodySizeKB      = 1000000
	defaultMaxHeaderSizeBytes = 102400
	defaultMaxObjectDepth     = 40
	defaultMaxURLSizeBytes    = 32768
	defaultResponseCode       = 403
	defaultSyslogPort         = 514
	defaultMinNumOfSources    = 3
	defaultMessageTitle       = "Attack blocked by web application protection"
	defaultMessageBody        = "Openappsec's <b>Application Security</b> has detected an attack and blocked it."
)

// V1Beta1Schema describes the older policy revision.
var V1Beta1Schema = &Schema{
	Version:      V1Beta1,
	PolicyPlural: "policies",
	Kinds: map[Kind]KindSpec{
		KindPractice:         {Plural: "practices", Decode: decodePracticeV1},
		KindTrigger:          {Plural: "logtriggers", Decode: decodeTriggerV1},
		KindCustomResponse:   {Plural: "customresponses", Decode: decodeCustomResponseV1},
		KindException:        {Plural: "exceptions", Decode: decodeExceptionsV1},
		KindSourceIdentifier: {Plural: "sourcesidentifiers", Decode: decodeSourceIdentifiersV1},
		KindTrustedSource:    {Plural: "trustedsources", Decode: decodeTrustedSourcesV1},
	},
	Order: []Kind{
		KindPractice, KindTrigger, KindCustomResponse, KindException,
		KindSourceIdentifier, KindTrustedSource,
	},
	DecodePolicy: decodePolicyV1,
	RuleRefs: func(r Rule) map[Kind][]string {
		return map[Kind][]string{
			KindPractice:         r.Practices,
			KindTrigger:          r.Triggers,
			KindException:        r.Exceptions,
			KindCustomResponse:   singleton(r.CustomResponse),
			KindSourceIdentifier: singleton(r.SourceIdentifiers),
			KindTrustedSource:    singleton(r.TrustedSources),
		}
	},
}

func decodePolicyV1(name string, obj map[string]any, d *diag.List) (*Policy, error) {
	res := "policy/" + name
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	p := &Policy{Name: name, Version: V1Beta1}
	def := r.mandatoryChild("default")
	p.Default = ruleV1(def, "")
	p.Default.Host = "*"
	for _, sr := range r.list("specific-rules") {
		rule := ruleV1(sr, p.Default.Mode)
		if rule.Host == "" {
			d.Warn("schema", res, "specific rule without host skipped")
			continue
		}
		if !p.AddSpecificRule(rule) {
			d.Warn("schema", res, "duplicate specific rule for %s skipped", rule.Host)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// ruleV1 parses a rule; inherit is the default rule's mode, empty for the default rule itself.
func ruleV1(r *reader, inherit string) Rule {
	rule := Rule{
		Host:              r.str("host", ""),
		Practices:         r.strings("practices"),
		Exceptions:        r.strings("exceptions"),
		Triggers:          r.strings("triggers"),
		CustomResponse:    r.str("custom-response", ""),
		SourceIdentifiers: r.str("source-identifiers", ""),
		TrustedSources:    r.str("trusted-sources", ""),
		Upstream:          r.str("upstream", ""),
		RPSettings:        r.str("rp-settings", ""),
		SSL:               r.boolean("ssl", false),
	}
	rule.Mode = ruleMode(r, "mode", inherit, validModes)
	return rule
}

// ruleMode returns the rule's mode. An absent or invalid mode inherits, which
// for the default rule means unset until ApplyIngressMode runs.
func ruleMode(r *reader, key, inherit string, valid []string) string {
	if !r.has(key) {
		return inherit
	}
	return r.enum(key, inherit, valid...)
}

func decodePracticeV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindPractice, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	p := &Practice{Revision: V1Beta1}
	p.Name = r.str("name", "")

	wa := r.child("web-attacks")
	p.WebAttacks = webAttacks(wa, "override-mode", "minimum-confidence", validModes)
	p.WebAttacks.MaxBodySizeKB = wa.integer("max-body-size-kb", defaultMaxBodySizeKB)
	p.WebAttacks.MaxHeaderSizeBytes = wa.integer("max-header-size-bytes", defaultMaxHeaderSizeBytes)
	p.WebAttacks.MaxObjectDepth = wa.integer("max-object-depth", defaultMaxObjectDepth)
	p.WebAttacks.MaxURLSizeBytes = wa.integer("max-url-size-bytes", defaultMaxURLSizeBytes)
	prot := wa.child("protections")
	p.WebAttacks.CSRFProtection = prot.enum("csrf-enabled", "inactive", validModes...)
	p.WebAttacks.ErrorDisclosure = prot.enum("error-disclosure-enabled", "inactive", validModes...)
	p.WebAttacks.OpenRedirect = prot.enum("open-redirect-enabled", "inactive", validModes...)
	p.WebAttacks.NonValidHTTPMethods = prot.boolean("non-valid-http-methods", false)

	ab := r.child("anti-bot")
	p.AntiBot.OverrideMode = ab.enum("override-mode", "inactive", validModes...)
	for _, u := range ab.list("injected-URIs") {
		p.AntiBot.InjectedURIs = append(p.AntiBot.InjectedURIs, u.str("uri", ""))
	}
	for _, u := range ab.list("validated-URIs") {
		p.AntiBot.ValidatedURIs = append(p.AntiBot.ValidatedURIs, u.str("uri", ""))
	}

	sn := r.child("snort-signatures")
	p.Snort.OverrideMode = sn.enum("override-mode", "inactive", validModes...)
	p.Snort.ConfigMap = sn.strings("configmap")
	p.Snort.Files = sn.strings("files")

	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// webAttacks parses the override mode and minimum confidence shared by both revisions.
// An absent override keeps the empty string so the rule mode applies later;
// an invalid one becomes inactive.
func webAttacks(r *reader, modeKey, confKey string, valid []string) WebAttacks {
	var wa WebAttacks
	if r.has(modeKey) {
		wa.OverrideMode = r.enum(modeKey, "inactive", valid...)
	}
	if wa.OverrideMode == "" || PracticeMode(wa.OverrideMode) == "Prevent" {
		wa.MinimumConfidence = r.enum(confKey, "critical", validConfidences...)
	} else {
		wa.MinimumConfidence = "Transparent"
	}
	return wa
}

func decodeTriggerV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindTrigger, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	t := &LogTrigger{Verbosity: "Standard"}
	t.Name = r.str("name", "")

	ac := r.child("access-control-logging")
	t.ACAllow = ac.boolean("allow-events", false)
	t.ACDrop = ac.boolean("drop-events", false)

	sus := r.child("additional-suspicious-events-logging")
	t.ExtendLogging = sus.boolean("enabled", true)
	t.ResponseBody = sus.boolean("response-body", false)
	t.ExtendLoggingMinSev = sus.enum("minimum-severity", "high", validTriggerSev...)

	al := r.child("appsec-logging")
	t.AllWebRequests = al.boolean("all-web-requests", false)
	t.DetectEvents = al.boolean("detect-events", false)
	t.PreventEvents = al.boolean("prevent-events", true)

	ext := r.child("extended-logging")
	t.HTTPHeaders = ext.boolean("http-headers", false)
	t.RequestBody = ext.boolean("request-body", false)
	t.URLPath = ext.boolean("url-path", false)
	t.URLQuery = ext.boolean("url-query", false)

	logDestination(t, r.child("log-destination"), "syslog-service", "cef-service")

	if err := r.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func logDestination(t *LogTrigger, dst *reader, syslogKey, cefKey string) {
	t.LogToCloud = dst.boolean("cloud", false)
	t.LogToK8sService = dst.boolean("k8s-service", false)
	if dst.has("stdout") {
		format := dst.child("stdout").enum("format", "json", validFormats...)
		t.LogToAgent = true
		t.BeautifyLogs = format == "json-formatted"
	}
	sys := dst.child(syslogKey)
	t.SyslogAddress = sys.str("address", "")
	t.SyslogPort = sys.integer("port", defaultSyslogPort)
	if sys.has("proto") {
		sys.enum("proto", "udp", validProtocols...)
	}
	cef := dst.child(cefKey)
	t.CEFAddress = cef.str("address", "")
	t.CEFPort = cef.integer("port", defaultSyslogPort)
	if cef.has("proto") {
		cef.enum("proto", "udp", validProtocols...)
	}
}

func decodeCustomResponseV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindCustomResponse, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	c := &CustomResponse{}
	c.Name = r.str("name", "")
	c.HTTPResponseCode = r.integer("http-response-code", defaultResponseCode)
	c.Mode = r.enum("mode", "block-page", "block-page", "response-code-only")
	if c.Mode == "block-page" {
		c.MessageBody = r.str("message-body", defaultMessageBody)
		c.MessageTitle = r.str("message-title", defaultMessageTitle)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

var exceptionMatchKeys = []string{
	"countryCode", "countryName", "hostName", "paramName", "paramValue",
	"protectionName", "sourceIdentifier", "sourceIp", "url",
}

func decodeExceptionsV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindException, name)
	set := &ExceptionSet{}
	var items []*reader
	switch spec := obj["spec"].(type) {
	case []any:
		r := newReader(res, map[string]any{"items": spec}, d)
		items = r.list("items")
		if err := r.Err(); err != nil {
			return nil, err
		}
	case map[string]any:
		r := newReader(res, spec, d)
		set.Name = r.str("name", "")
		switch {
		case r.has("exception_spec"):
			items = r.list("exception_spec")
		case r.has("exceptions"):
			items = r.list("exceptions")
		default:
			items = []*reader{r}
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
	default:
		return nil, &FieldError{Resource: res, Field: "spec", Reason: "is mandatory"}
	}

	for _, it := range items {
		e := Exception{
			Action: it.enum("action", "accept", validExcActions...),
			Match:  map[string][]string{},
		}
		for _, k := range exceptionMatchKeys {
			if vals := it.strings(k); len(vals) > 0 {
				e.Match[k] = vals
			}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		if len(e.Match) == 0 {
			d.Warn("schema", res, "exception without match conditions skipped")
			continue
		}
		set.Exceptions = append(set.Exceptions, e)
	}
	return set, nil
}

func decodeSourceIdentifiersV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindSourceIdentifier, name)
	set := &SourceIdentifierSet{}
	var items []*reader
	var r *reader
	switch spec := obj["spec"].(type) {
	case []any:
		r = newReader(res, map[string]any{"identifiers": spec}, d)
	case map[string]any:
		r = newReader(res, spec, d)
		set.Name = r.str("name", "")
	default:
		return nil, &FieldError{Resource: res, Field: "spec", Reason: "is mandatory"}
	}
	items = r.list("identifiers")
	for _, it := range items {
		set.Identifiers = append(set.Identifiers, SourceIdentifier{
			Identifier: it.enum("sourceIdentifier", "sourceip", "headerkey", "JWTKey", "cookie", "sourceip", "x-forwarded-for"),
			Values:     it.strings("value"),
		})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func decodeTrustedSourcesV1(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindTrustedSource, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	t := &TrustedSourceSet{}
	t.Name = r.str("name", "")
	t.MinNumOfSources = r.integer("minNumOfSources", defaultMinNumOfSources)
	t.SourcesIdentifiers = r.strings("sources-identifiers")
	if t.SourcesIdentifiers == nil {
		t.SourcesIdentifiers = r.strings("sourcesIdentifiers")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
