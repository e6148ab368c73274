// Package schema decodes openappsec.io policy resources of both supported
// revisions into one typed model.
package schema

// Version is a policy schema revision.
type Version string

const (
	V1Beta1 Version = "v1beta1"
	V1Beta2 Version = "v1beta2"
)

// Kind identifies a fragment kind. Identity of a fragment is its name within its kind.
type Kind string

const (
	KindPractice         Kind = "practice"
	KindThreatPrevention Kind = "threatPreventionPractice"
	KindAccessControl    Kind = "accessControlPractice"
	KindTrigger          Kind = "logTrigger"
	KindCustomResponse   Kind = "customResponse"
	KindException        Kind = "exception"
	KindSourceIdentifier Kind = "sourceIdentifier"
	KindTrustedSource    Kind = "trustedSource"
	KindUpgradeSchedule  Kind = "upgradeSchedule"
)

// Fragment is a named, independently stored piece of policy.
type Fragment interface {
	FragmentKind() Kind
	FragmentName() string
	SetName(name string)
	Class() string
}

// Meta carries the identity shared by every fragment.
type Meta struct {
	Name      string `json:"name"`
	ClassName string `json:"appsecClassName,omitempty"`
}

// FragmentName returns the fragment's own name.
func (m *Meta) FragmentName() string { return m.Name }

// SetName overrides the fragment's name.
func (m *Meta) SetName(name string) { m.Name = name }

// Class returns the fragment's class name scope.
func (m *Meta) Class() string { return m.ClassName }

// Rule binds a host/path to an enforcement mode and a set of fragment references.
type Rule struct {
	Host                   string   `json:"host"`
	Mode                   string   `json:"mode"`
	Practices              []string `json:"practices,omitempty"`
	AccessControlPractices []string `json:"accessControlPractices,omitempty"`
	Exceptions             []string `json:"exceptions,omitempty"`
	Triggers               []string `json:"triggers,omitempty"`
	CustomResponse         string   `json:"customResponse,omitempty"`
	SourceIdentifiers      string   `json:"sourceIdentifiers,omitempty"`
	TrustedSources         string   `json:"trustedSources,omitempty"`
	UpgradeSchedule        string   `json:"autoUpgrade,omitempty"`
	Upstream               string   `json:"upstream,omitempty"`
	RPSettings             string   `json:"rpSettings,omitempty"`
	SSL                    bool     `json:"ssl,omitempty"`
}

// Policy is a parsed policy resource: one default rule plus specific rules.
type Policy struct {
	Name          string  `json:"name"`
	Version       Version `json:"version"`
	ClassName     string  `json:"appsecClassName,omitempty"`
	Default       Rule    `json:"default"`
	SpecificRules []Rule  `json:"specificRules"`
}

// AddSpecificRule appends r unless a specific rule with the same host already exists.
// Rule hosts carry their path, so the host is the host+path key.
func (p *Policy) AddSpecificRule(r Rule) bool {
	for i := range p.SpecificRules {
		if p.SpecificRules[i].Host == r.Host {
			return false
		}
	}
	if r.Mode == "" {
		r.Mode = p.Default.Mode
	}
	p.SpecificRules = append(p.SpecificRules, r)
	return true
}

// ApplyIngressMode gives an unset default mode the ingress annotation's mode,
// falling back to inactive, then lets specific rules without a mode inherit it.
func (p *Policy) ApplyIngressMode(mode string) {
	if p.Default.Mode == "" {
		p.Default.Mode = mode
	}
	if p.Default.Mode == "" {
		p.Default.Mode = "inactive"
	}
	for i := range p.SpecificRules {
		if p.SpecificRules[i].Mode == "" {
			p.SpecificRules[i].Mode = p.Default.Mode
		}
	}
}

// WebAttacks configures the WAAP engine of a practice.
type WebAttacks struct {
	OverrideMode        string
	MinimumConfidence   string
	MaxBodySizeKB       int
	MaxHeaderSizeBytes  int
	MaxObjectDepth      int
	MaxURLSizeBytes     int
	CSRFProtection      string
	ErrorDisclosure     string
	OpenRedirect        string
	NonValidHTTPMethods bool
}

// AntiBot lists URIs where bot detection scripts are injected and validated.
type AntiBot struct {
	OverrideMode  string
	InjectedURIs  []string
	ValidatedURIs []string
}

// SnortSignatures references snort rule files.
type SnortSignatures struct {
	OverrideMode string
	ConfigMap    []string
	Files        []string
}

// IntrusionPrevention configures the IPS engine. Only the newer revision carries it.
type IntrusionPrevention struct {
	OverrideMode              string
	MaxPerformanceImpact      string
	MinSeverityLevel          string
	HighConfidenceEventAction string
	MediumConfidenceAction    string
	LowConfidenceEventAction  string
	MinCVEYear                int
}

// FileSecurity configures file inspection. Only the newer revision carries it.
type FileSecurity struct {
	OverrideMode             string
	MinSeverityLevel         string
	HighConfidenceAction     string
	MediumConfidenceAction   string
	LowConfidenceAction      string
	UnnamedFilesAction       string
	ThreatEmulationEnabled   bool
	ExtractArchiveFiles      bool
	ScanMaxFileSize          uint64
	ScanMaxFileSizeUnit      string
	ArchivedFilesWithinAct   string
	ArchivedFilesWhereAct    string
	FileSizeLimit            uint64
	FileSizeLimitUnit        string
	FilesExceedingSizeAction string
}

// Practice is a threat prevention practice. The older revision calls it a practice.
type Practice struct {
	Meta
	Revision     Version
	Mode         string
	WebAttacks   WebAttacks
	AntiBot      AntiBot
	Snort        SnortSignatures
	IPS          *IntrusionPrevention
	FileSecurity *FileSecurity
}

// FragmentKind reports the revision-specific kind.
func (p *Practice) FragmentKind() Kind {
	if p.Revision == V1Beta2 {
		return KindThreatPrevention
	}
	return KindPractice
}

// RateLimitRule limits requests to one URI.
type RateLimitRule struct {
	URI      string
	Limit    int
	Unit     string
	Comment  string
	Triggers []string
}

// AccessControlPractice carries the rate limit configuration.
type AccessControlPractice struct {
	Meta
	RateLimitMode string
	RateLimit     []RateLimitRule
}

// FragmentKind implements Fragment.
func (*AccessControlPractice) FragmentKind() Kind { return KindAccessControl }

// LogTrigger configures what is logged and where.
type LogTrigger struct {
	Meta
	ACAllow             bool
	ACDrop              bool
	ExtendLogging       bool
	ExtendLoggingMinSev string
	ResponseBody        bool
	ResponseCode        bool
	AllWebRequests      bool
	DetectEvents        bool
	PreventEvents       bool
	HTTPHeaders         bool
	RequestBody         bool
	URLPath             bool
	URLQuery            bool
	LogToCloud          bool
	LogToK8sService     bool
	LogToAgent          bool
	BeautifyLogs        bool
	SyslogAddress       string
	SyslogPort          int
	CEFAddress          string
	CEFPort             int
	Verbosity           string
}

// FragmentKind implements Fragment.
func (*LogTrigger) FragmentKind() Kind { return KindTrigger }

// CustomResponse is the response sent to a blocked client.
type CustomResponse struct {
	Meta
	Mode             string
	HTTPResponseCode int
	MessageTitle     string
	MessageBody      string
	RedirectURL      string
}

// FragmentKind implements Fragment.
func (*CustomResponse) FragmentKind() Kind { return KindCustomResponse }

// Exception matches requests and overrides the engine decision for them.
type Exception struct {
	Action string
	// Match maps a match key such as "url" or "sourceIp" to accepted values.
	Match map[string][]string
}

// ExceptionSet is a named group of exceptions.
type ExceptionSet struct {
	Meta
	Exceptions []Exception
}

// FragmentKind implements Fragment.
func (*ExceptionSet) FragmentKind() Kind { return KindException }

// SourceIdentifier tells the engine how to identify a request source.
type SourceIdentifier struct {
	Identifier string
	Values     []string
}

// SourceIdentifierSet is a named group of source identifiers.
type SourceIdentifierSet struct {
	Meta
	Identifiers []SourceIdentifier
}

// FragmentKind implements Fragment.
func (*SourceIdentifierSet) FragmentKind() Kind { return KindSourceIdentifier }

// TrustedSourceSet lists source values considered trusted for learning.
type TrustedSourceSet struct {
	Meta
	MinNumOfSources    int
	SourcesIdentifiers []string
}

// FragmentKind implements Fragment.
func (*TrustedSourceSet) FragmentKind() Kind { return KindTrustedSource }

// UpgradeSchedule controls agent self-upgrade.
type UpgradeSchedule struct {
	Meta
	Mode          string
	Time          string
	DurationHours int
	Days          []string
}

// FragmentKind implements Fragment.
func (*UpgradeSchedule) FragmentKind() Kind { return KindUpgradeSchedule }

// RPSettings overrides reverse-proxy rendering for rules that name it.
type RPSettings struct {
	Name        string
	HostHeader  string
	DNSResolver string
}
