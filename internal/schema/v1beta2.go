package schema

import (
	"regexp"

	"github.com/ppiankov/wafpolicy/internal/diag"
)

const (
	defaultMinCVEYear       = 2016
	defaultFileSize         = 10
	defaultUpgradeDuration  = 4
	upgradePlural           = "autoupgrade"
	accessControlPlural     = "accesscontrolpractice"
	threatPreventionPlural  = "threatpreventionpractices"
	sourceIdentifiersPlural = "sourcesidentifiers"
)

var upgradeTimeRE = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// V1Beta2Schema describes the newer policy revision. It adds class name scoping,
// access control practices and the upgrade schedule.
var V1Beta2Schema = &Schema{
	Version:           V1Beta2,
	PolicyPlural:      "policies",
	SupportsClassName: true,
	Kinds: map[Kind]KindSpec{
		KindThreatPrevention: {Plural: threatPreventionPlural, Decode: decodeThreatPreventionV2},
		KindAccessControl:    {Plural: accessControlPlural, Decode: decodeAccessControlV2},
		KindTrigger:          {Plural: "logtriggers", Decode: decodeTriggerV2},
		KindCustomResponse:   {Plural: "customresponses", Decode: decodeCustomResponseV2},
		KindException:        {Plural: "exceptions", Decode: decodeExceptionV2},
		KindSourceIdentifier: {Plural: sourceIdentifiersPlural, Decode: decodeSourceIdentifiersV2},
		KindTrustedSource:    {Plural: "trustedsources", Decode: decodeTrustedSourcesV2},
		KindUpgradeSchedule:  {Plural: upgradePlural, Decode: decodeUpgradeV2, Listed: true},
	},
	Order: []Kind{
		KindThreatPrevention, KindAccessControl, KindTrigger, KindCustomResponse,
		KindException, KindSourceIdentifier, KindTrustedSource, KindUpgradeSchedule,
	},
	DecodePolicy: decodePolicyV2,
	RuleRefs: func(r Rule) map[Kind][]string {
		return map[Kind][]string{
			KindThreatPrevention: r.Practices,
			KindAccessControl:    r.AccessControlPractices,
			KindTrigger:          r.Triggers,
			KindException:        r.Exceptions,
			KindCustomResponse:   singleton(r.CustomResponse),
			KindSourceIdentifier: singleton(r.SourceIdentifiers),
			KindTrustedSource:    singleton(r.TrustedSources),
			KindUpgradeSchedule:  singleton(r.UpgradeSchedule),
		}
	},
}

func decodePolicyV2(name string, obj map[string]any, d *diag.List) (*Policy, error) {
	res := "policy/" + name
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	p := &Policy{Name: name, Version: V1Beta2}
	p.ClassName = r.str("appsecClassName", "")
	p.Default = ruleV2(r.mandatoryChild("default"), "")
	p.Default.Host = "*"
	for _, sr := range r.list("specificRules") {
		rule := ruleV2(sr, p.Default.Mode)
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

func ruleV2(r *reader, inherit string) Rule {
	rule := Rule{
		Host:                   r.str("host", ""),
		Practices:              r.strings("threatPreventionPractices"),
		AccessControlPractices: r.strings("accessControlPractices"),
		Exceptions:             r.strings("exceptions"),
		Triggers:               r.strings("triggers"),
		CustomResponse:         r.str("customResponse", ""),
		SourceIdentifiers:      r.str("sourceIdentifiers", ""),
		TrustedSources:         r.str("trustedSources", ""),
		UpgradeSchedule:        r.str("autoUpgrade", ""),
		Upstream:               r.str("upstream", ""),
		RPSettings:             r.str("rpSettings", ""),
		SSL:                    r.boolean("ssl", false),
	}
	rule.Mode = ruleMode(r, "mode", inherit, validModes)
	return rule
}

// overrideMode reads a mandatory override mode; invalid values become inactive.
func overrideMode(r *reader) string {
	if !r.has("overrideMode") {
		r.fail("overrideMode", "is mandatory")
		return "inactive"
	}
	return r.enum("overrideMode", "inactive", validModesV2...)
}

func decodeThreatPreventionV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindThreatPrevention, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	p := &Practice{Revision: V1Beta2}
	p.Name = r.str("name", "")
	p.ClassName = r.str("appsecClassName", "")
	p.Mode = r.enum("practiceMode", "inherited", validModesV2...)

	wa := r.mandatoryChild("webAttacks")
	p.WebAttacks.OverrideMode = overrideMode(wa)
	if ThreatMode(p.WebAttacks.OverrideMode, "inactive") == "Prevent" || p.WebAttacks.OverrideMode == "as-top-level" || p.WebAttacks.OverrideMode == "inherited" {
		p.WebAttacks.MinimumConfidence = wa.enum("minimumConfidence", "critical", validConfidences...)
	} else {
		p.WebAttacks.MinimumConfidence = "Transparent"
	}
	p.WebAttacks.MaxBodySizeKB = wa.integer("maxBodySizeKb", defaultMaxBodySizeKB)
	p.WebAttacks.MaxHeaderSizeBytes = wa.integer("maxHeaderSizeBytes", defaultMaxHeaderSizeBytes)
	p.WebAttacks.MaxObjectDepth = wa.integer("maxObjectDepth", defaultMaxObjectDepth)
	p.WebAttacks.MaxURLSizeBytes = wa.integer("maxUrlSizeBytes", defaultMaxURLSizeBytes)
	prot := wa.child("protections")
	p.WebAttacks.CSRFProtection = prot.enum("csrfProtection", "inactive", validModesV2...)
	p.WebAttacks.ErrorDisclosure = prot.enum("errorDisclosure", "inactive", validModesV2...)
	p.WebAttacks.OpenRedirect = prot.enum("openRedirect", "inactive", validModesV2...)
	p.WebAttacks.NonValidHTTPMethods = prot.boolean("nonValidHttpMethods", false)

	ab := r.child("antiBot")
	p.AntiBot.OverrideMode = ab.enum("overrideMode", "inactive", validModesV2...)
	p.AntiBot.InjectedURIs = ab.strings("injectedUris")
	p.AntiBot.ValidatedURIs = ab.strings("validatedUris")

	sn := r.mandatoryChild("snortSignatures")
	p.Snort.OverrideMode = overrideMode(sn)
	p.Snort.ConfigMap = sn.strings("configmap")
	p.Snort.Files = sn.strings("files")

	ips := r.mandatoryChild("intrusionPrevention")
	p.IPS = &IntrusionPrevention{
		OverrideMode:              overrideMode(ips),
		MaxPerformanceImpact:      ips.enum("maxPerformanceImpact", "medium", validImpacts...),
		MinSeverityLevel:          ips.enum("minSeverityLevel", "medium", validSeverities...),
		HighConfidenceEventAction: ips.enum("highConfidenceEventAction", "inherited", validConfActions...),
		MediumConfidenceAction:    ips.enum("mediumConfidenceEventAction", "inherited", validConfActions...),
		LowConfidenceEventAction:  ips.enum("lowConfidenceEventAction", "detect", validConfActions...),
		MinCVEYear:                ips.integer("minCveYear", defaultMinCVEYear),
	}

	fs := r.mandatoryChild("fileSecurity")
	p.FileSecurity = &FileSecurity{
		OverrideMode:           overrideMode(fs),
		MinSeverityLevel:       fs.enum("minSeverityLevel", "medium", validSeverities...),
		HighConfidenceAction:   fs.enum("highConfidenceEventAction", "inherited", validConfActions...),
		MediumConfidenceAction: fs.enum("mediumConfidenceEventAction", "inherited", validConfActions...),
		LowConfidenceAction:    fs.enum("lowConfidenceEventAction", "detect", validConfActions...),
		UnnamedFilesAction:     fs.enum("unnamedFilesAction", "detect", validConfActions...),
		ThreatEmulationEnabled: fs.boolean("threatEmulationEnabled", false),
	}
	arch := fs.child("archiveInspection")
	p.FileSecurity.ExtractArchiveFiles = arch.boolean("extractArchiveFiles", false)
	p.FileSecurity.ScanMaxFileSize = arch.uint64("scanMaxFileSize", defaultFileSize)
	p.FileSecurity.ScanMaxFileSizeUnit = arch.enum("scanMaxFileSizeUnit", "MB", validSizeUnits...)
	p.FileSecurity.ArchivedFilesWithinAct = arch.enum("archivedFilesWithinArchivedFiles", "detect", validConfActions...)
	p.FileSecurity.ArchivedFilesWhereAct = arch.enum("archivedFilesWhereContentExtractionFailed", "detect", validConfActions...)
	large := fs.child("largeFileInspection")
	p.FileSecurity.FileSizeLimit = large.uint64("fileSizeLimit", defaultFileSize)
	p.FileSecurity.FileSizeLimitUnit = large.enum("fileSizeLimitUnit", "MB", validSizeUnits...)
	p.FileSecurity.FilesExceedingSizeAction = large.enum("filesExceedingSizeLimitAction", "detect", validConfActions...)

	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAccessControlV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindAccessControl, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	a := &AccessControlPractice{}
	a.Name = r.str("name", "")
	a.ClassName = r.str("appsecClassName", "")
	rl := r.child("rateLimit")
	a.RateLimitMode = rateLimitModes[rl.enum("overrideMode", "inactive", validRateModes...)]
	for _, rr := range rl.list("rules") {
		rule := RateLimitRule{
			URI:      rr.str("uri", ""),
			Limit:    rr.integer("limit", 0),
			Unit:     rr.str("unit", "minute"),
			Comment:  rr.str("comment", ""),
			Triggers: rr.strings("triggers"),
		}
		if _, ok := RateLimitScope(rule.Unit); !ok {
			d.Warn("schema", res, "rate limit unit invalid: %q", rule.Unit)
		}
		a.RateLimit = append(a.RateLimit, rule)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeTriggerV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindTrigger, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	t := &LogTrigger{Verbosity: "Standard"}
	t.Name = r.str("name", "")
	t.ClassName = r.str("appsecClassName", "")

	ac := r.child("accessControlLogging")
	t.ACAllow = ac.boolean("allowEvents", false)
	t.ACDrop = ac.boolean("dropEvents", false)

	sus := r.child("additionalSuspiciousEventsLogging")
	t.ExtendLogging = sus.boolean("enabled", true)
	t.ResponseBody = sus.boolean("responseBody", false)
	t.ResponseCode = sus.boolean("responseCode", true)
	t.ExtendLoggingMinSev = sus.enum("minSeverity", "high", validTriggerSev...)

	al := r.child("appsecLogging")
	t.DetectEvents = al.boolean("detectEvents", false)
	t.PreventEvents = al.boolean("preventEvents", true)
	t.AllWebRequests = al.boolean("allWebRequests", false)

	ext := r.child("extendedLogging")
	t.HTTPHeaders = ext.boolean("httpHeaders", false)
	t.RequestBody = ext.boolean("requestBody", false)
	t.URLPath = ext.boolean("urlPath", false)
	t.URLQuery = ext.boolean("urlQuery", false)

	logDestination(t, r.child("logDestination"), "syslogService", "cefService")

	if err := r.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeCustomResponseV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindCustomResponse, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	c := &CustomResponse{}
	c.Name = r.str("name", "")
	c.ClassName = r.str("appsecClassName", "")
	c.HTTPResponseCode = r.integer("httpResponseCode", defaultResponseCode)
	c.Mode = r.enum("mode", "block-page", "block-page", "response-code-only", "redirect")
	switch c.Mode {
	case "block-page":
		c.MessageBody = r.str("messageBody", defaultMessageBody)
		c.MessageTitle = r.str("messageTitle", defaultMessageTitle)
	case "redirect":
		c.RedirectURL = r.str("redirectUrl", "")
		if c.RedirectURL == "" {
			d.Warn("schema", res, "redirect mode without redirectUrl")
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeExceptionV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindException, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	set := &ExceptionSet{}
	set.Name = r.str("name", "")
	set.ClassName = r.str("appsecClassName", "")
	e := Exception{
		Action: r.enum("action", "accept", validExcActions...),
		Match:  map[string][]string{},
	}
	for _, c := range r.list("condition") {
		key := c.str("key", "")
		if key == "" {
			d.Warn("schema", res, "exception condition without key skipped")
			continue
		}
		e.Match[key] = append(e.Match[key], c.str("value", ""))
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(e.Match) > 0 {
		set.Exceptions = []Exception{e}
	} else {
		d.Warn("schema", res, "exception without conditions ignored")
	}
	return set, nil
}

func decodeSourceIdentifiersV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindSourceIdentifier, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	set := &SourceIdentifierSet{}
	set.Name = r.str("name", "")
	set.ClassName = r.str("appsecClassName", "")
	for _, it := range r.list("sourcesIdentifiers") {
		set.Identifiers = append(set.Identifiers, SourceIdentifier{
			Identifier: it.enum("identifier", "sourceip", "headerkey", "JWTKey", "cookie", "sourceip", "x-forwarded-for"),
			Values:     it.strings("value"),
		})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func decodeTrustedSourcesV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindTrustedSource, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	t := &TrustedSourceSet{}
	t.Name = r.str("name", "")
	t.ClassName = r.str("appsecClassName", "")
	t.MinNumOfSources = r.integer("minNumOfSources", defaultMinNumOfSources)
	t.SourcesIdentifiers = r.strings("sourcesIdentifiers")
	if err := r.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeUpgradeV2(name string, obj map[string]any, d *diag.List) (Fragment, error) {
	res := resLabel(KindUpgradeSchedule, name)
	spec, err := specOf(res, obj)
	if err != nil {
		return nil, err
	}
	r := newReader(res, spec, d)
	u := &UpgradeSchedule{}
	u.Name = r.str("name", "")
	u.ClassName = r.str("appsecClassName", "")
	u.Mode = r.enum("upgradeMode", "manual", validUpgrade...)
	if u.Mode == "scheduled" {
		u.Time = r.str("upgradeTime", "")
		if !upgradeTimeRE.MatchString(u.Time) {
			d.Warn("schema", res, "upgradeTime invalid: %q, using manual upgrades", u.Time)
			u.Mode = "manual"
			u.Time = ""
		}
		u.DurationHours = r.integer("upgradeDurationHours", defaultUpgradeDuration)
		u.Days = r.strings("upgradeDays")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return u, nil
}
