package assembler

// PolicyDocument is the enforcement-policy bundle read by the inspection engine.
// Every top-level key is always present.
type PolicyDocument struct {
	AccessControl AccessControlWrapper `json:"accessControlV2"`
	WAAP          WAAPWrapper          `json:"waap"`
	Triggers      TriggersWrapper      `json:"triggers"`
	Rules         RulesWrapper         `json:"rules"`
	IPS           IPSWrapper           `json:"ips"`
	Exceptions    ExceptionsWrapper    `json:"exceptions"`
	Snort         SnortWrapper         `json:"snort"`
	FileSecurity  FileSecurityWrapper  `json:"fileSecurity"`
	Version       string               `json:"version"`
}

type AccessControlWrapper struct {
	Rulebase AccessControlRulebase `json:"rulebase"`
}

type AccessControlRulebase struct {
	AccessControl       []string            `json:"accessControl"`
	TraditionalFirewall []string            `json:"traditionalFirewall"`
	L4Firewall          []string            `json:"l4firewall"`
	RateLimit           []*RateLimitSection `json:"rateLimit"`
}

// RateLimitSection is one access control practice applied to one asset.
type RateLimitSection struct {
	Context    string          `json:"context"`
	Mode       string          `json:"mode"`
	PracticeID string          `json:"practiceId"`
	Name       string          `json:"name"`
	Rules      []RateLimitRule `json:"rules"`

	assetName string
}

type RateLimitRule struct {
	ID       string             `json:"id"`
	URI      string             `json:"URI"`
	Scope    string             `json:"scope"`
	Triggers []RateLimitTrigger `json:"triggers"`
	Limit    int                `json:"limit"`
}

type RateLimitTrigger struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type WAAPWrapper struct {
	WAAP WAAPRulebase `json:"WAAP"`
}

type WAAPRulebase struct {
	WebAPISecurity         []*WebAppSection `json:"WebAPISecurity"`
	WebApplicationSecurity []*WebAppSection `json:"WebApplicationSecurity"`
}

// WebAppSection configures the web application engine for one asset.
type WebAppSection struct {
	Context                     string                   `json:"context"`
	WebAttackMitigation         bool                     `json:"webAttackMitigation"`
	WebAttackMitigationSeverity string                   `json:"webAttackMitigationSeverity"`
	WebAttackMitigationAction   string                   `json:"webAttackMitigationAction"`
	WebAttackMitigationMode     string                   `json:"webAttackMitigationMode"`
	PracticeAdvancedConfig      AdvancedConfig           `json:"practiceAdvancedConfig"`
	CSRFProtection              string                   `json:"csrfProtection"`
	OpenRedirect                string                   `json:"openRedirect"`
	ErrorDisclosure             string                   `json:"errorDisclosure"`
	PracticeID                  string                   `json:"practiceId"`
	PracticeName                string                   `json:"practiceName"`
	AssetID                     string                   `json:"assetId"`
	AssetName                   string                   `json:"assetName"`
	RuleID                      string                   `json:"ruleId"`
	RuleName                    string                   `json:"ruleName"`
	SchemaValidation            bool                     `json:"schemaValidation"`
	SchemaValidationV2          string                   `json:"schemaValidation_v2"`
	OAS                         []string                 `json:"oas"`
	Triggers                    []WAAPTrigger            `json:"triggers"`
	ApplicationURLs             string                   `json:"applicationUrls"`
	Overrides                   []Override               `json:"overrides"`
	TrustedSources              []*TrustedSourcesSection `json:"trustedSources"`
	WAAPParameters              []string                 `json:"waapParameters"`
	BotProtection               bool                     `json:"botProtection"`
	AntiBot                     AntiBotSection           `json:"antiBot"`
	BotProtectionV2             string                   `json:"botProtection_v2"`
}

type AdvancedConfig struct {
	HTTPHeaderMaxSize         int `json:"httpHeaderMaxSize"`
	HTTPIllegalMethodsAllowed int `json:"httpIllegalMethodsAllowed"`
	HTTPRequestBodyMaxSize    int `json:"httpRequestBodyMaxSize"`
	JSONMaxObjectDepth        int `json:"jsonMaxObjectDepth"`
	URLMaxSize                int `json:"urlMaxSize"`
}

type AntiBotSection struct {
	Injected  []string `json:"injected"`
	Validated []string `json:"validated"`
}

type WAAPTrigger struct {
	TriggerType string             `json:"$triggerType"`
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Log         *LogTriggerSection `json:"log"`
}

// Override changes the engine behavior for matching requests.
type Override struct {
	ID             string              `json:"id,omitempty"`
	ParsedBehavior []map[string]string `json:"parsedBehavior"`
	ParsedMatch    map[string]any      `json:"parsedMatch"`
}

type TrustedSourcesSection struct {
	ID                 string                    `json:"id"`
	Name               string                    `json:"name"`
	NumOfSources       int                       `json:"numOfSources"`
	SourcesIdentifiers []TrustedSourceIdentifier `json:"sourcesIdentifiers"`
	ParameterType      string                    `json:"parameterType"`
}

type TrustedSourceIdentifier struct {
	SourceIdentifier string `json:"sourceIdentifier"`
	Value            string `json:"value"`
}

type TriggersWrapper struct {
	Rulebase TriggersRulebase `json:"rulebase"`
}

type TriggersRulebase struct {
	Log             []*LogTriggerSection      `json:"log"`
	WebUserResponse []*WebUserResponseSection `json:"webUserResponse"`
}

// LogTriggerSection tells the engine what to log and where to send it.
type LogTriggerSection struct {
	Context                  string `json:"context"`
	TriggerName              string `json:"triggerName"`
	TriggerType              string `json:"triggerType"`
	Verbosity                string `json:"verbosity"`
	ACAllow                  bool   `json:"acAllow"`
	ACDrop                   bool   `json:"acDrop"`
	ComplianceViolations     bool   `json:"complianceViolations"`
	ComplianceWarnings       bool   `json:"complianceWarnings"`
	ExtendLoggingMinSeverity string `json:"extendloggingMinSeverity"`
	ExtendLogging            bool   `json:"extendlogging"`
	LogToAgent               bool   `json:"logToAgent"`
	LogToCef                 bool   `json:"logToCef"`
	LogToCloud               bool   `json:"logToCloud"`
	LogToK8sService          bool   `json:"logToK8sService"`
	LogToSyslog              bool   `json:"logToSyslog"`
	ResponseBody             bool   `json:"responseBody"`
	ResponseCode             bool   `json:"responseCode"`
	TPDetect                 bool   `json:"tpDetect"`
	TPPrevent                bool   `json:"tpPrevent"`
	WebBody                  bool   `json:"webBody"`
	WebHeaders               bool   `json:"webHeaders"`
	WebRequests              bool   `json:"webRequests"`
	WebURLPath               bool   `json:"webUrlPath"`
	WebURLQuery              bool   `json:"webUrlQuery"`
	URLForSyslog             string `json:"urlForSyslog"`
	URLForCef                string `json:"urlForCef"`
	FormatLoggingOutput      bool   `json:"formatLoggingOutput"`

	id string
}

// WebUserResponseSection is the page or status code returned to a blocked client.
type WebUserResponseSection struct {
	Context       string `json:"context"`
	TriggerName   string `json:"triggerName"`
	DetailsLevel  string `json:"details level"`
	ResponseBody  string `json:"response body"`
	ResponseCode  int    `json:"response code"`
	ResponseTitle string `json:"response title"`

	id string
}

type RulesWrapper struct {
	Rulebase RulesRulebase `json:"rulebase"`
}

type RulesRulebase struct {
	RulesConfig      []*RuleConfigSection       `json:"rulesConfig"`
	UsersIdentifiers []*UsersIdentifiersSection `json:"usersIdentifiers"`
}

// RuleConfigSection binds an asset to its practices, parameters and triggers.
type RuleConfigSection struct {
	AssetID    string          `json:"assetId"`
	AssetName  string          `json:"assetName"`
	RuleID     string          `json:"ruleId"`
	RuleName   string          `json:"ruleName"`
	Context    string          `json:"context"`
	Priority   int             `json:"priority"`
	IsCleanup  bool            `json:"isCleanup"`
	Parameters []RuleParameter `json:"parameters"`
	Practices  []RulePractice  `json:"practices"`
	Triggers   []RuleTrigger   `json:"triggers"`
	ZoneID     string          `json:"zoneId"`
	ZoneName   string          `json:"zoneName"`
}

type RuleParameter struct {
	ParameterID   string `json:"parameterId"`
	ParameterName string `json:"parameterName"`
	ParameterType string `json:"parameterType"`
}

type RulePractice struct {
	PracticeID   string `json:"practiceId"`
	PracticeName string `json:"practiceName"`
	PracticeType string `json:"practiceType"`
}

type RuleTrigger struct {
	TriggerID   string `json:"triggerId"`
	TriggerName string `json:"triggerName"`
	TriggerType string `json:"triggerType"`
}

type UsersIdentifiersSection struct {
	Context           string           `json:"context"`
	SourceIdentifier  string           `json:"sourceIdentifier"`
	IdentifierValues  []string         `json:"identifierValues"`
	SourceIdentifiers []UserIdentifier `json:"sourceIdentifiers"`
}

type UserIdentifier struct {
	SourceIdentifier string   `json:"sourceIdentifier"`
	IdentifierValues []string `json:"identifierValues"`
}

type IPSWrapper struct {
	IPS IPSSection `json:"IPS"`
}

type IPSSection struct {
	IPSProtections []*IPSProtectionSection `json:"IpsProtections"`
}

type IPSProtectionSection struct {
	Context          string    `json:"context"`
	RuleName         string    `json:"ruleName"`
	AssetName        string    `json:"assetName"`
	AssetID          string    `json:"assetId"`
	PracticeName     string    `json:"practiceName"`
	PracticeID       string    `json:"practiceId"`
	SourceIdentifier string    `json:"sourceIdentifier"`
	DefaultAction    string    `json:"defaultAction"`
	Rules            []IPSRule `json:"rules"`
}

type IPSRule struct {
	Action              string   `json:"action"`
	ConfidenceLevel     string   `json:"confidenceLevel"`
	ClientProtections   bool     `json:"clientProtections"`
	ServerProtections   bool     `json:"serverProtections"`
	ProtectionTags      []string `json:"protectionTags"`
	ProtectionIDs       []string `json:"protectionIds"`
	PerformanceImpact   string   `json:"performanceImpact"`
	SeverityLevel       string   `json:"severityLevel"`
	ProtectionsFromYear int      `json:"protectionsFromYear"`
}

type ExceptionsWrapper struct {
	Rulebase ExceptionsRulebase `json:"rulebase"`
}

type ExceptionsRulebase struct {
	Exception []*ExceptionsSection `json:"exception"`
}

type ExceptionsSection struct {
	Context    string           `json:"context"`
	Exceptions []InnerException `json:"exceptions"`
}

type InnerException struct {
	Behavior ExceptionBehavior `json:"behavior"`
	Match    ExceptionMatch    `json:"match"`
}

type ExceptionBehavior struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	ID    string `json:"id"`
}

// ExceptionMatch is either a condition (key, op, value) or an operator over items.
type ExceptionMatch struct {
	Type  string           `json:"type"`
	Op    string           `json:"op"`
	Key   string           `json:"key,omitempty"`
	Value []string         `json:"value,omitempty"`
	Items []ExceptionMatch `json:"items,omitempty"`
}

type SnortWrapper struct {
	IPSSnortSigs SnortSection `json:"IPSSnortSigs"`
}

type SnortSection struct {
	VersionID        string                    `json:"VersionId"`
	SnortProtections []*SnortProtectionSection `json:"SnortProtections"`
	Protections      []any                     `json:"protections"`
}

type SnortProtectionSection struct {
	Context          string   `json:"context"`
	Mode             string   `json:"mode"`
	Files            []string `json:"files"`
	AssetName        string   `json:"assetName"`
	AssetID          string   `json:"assetId"`
	PracticeName     string   `json:"practiceName"`
	PracticeID       string   `json:"practiceId"`
	SourceIdentifier string   `json:"sourceIdentifier"`
}

type FileSecurityWrapper struct {
	FileSecurity FileSecuritySection `json:"FileSecurity"`
}

type FileSecuritySection struct {
	FileSecurityProtections []*FileSecurityProtectionSection `json:"FileSecurityProtections"`
}

type FileSecurityProtectionSection struct {
	Context                   string `json:"context"`
	RuleName                  string `json:"ruleName"`
	AssetName                 string `json:"assetName"`
	AssetID                   string `json:"assetId"`
	PracticeName              string `json:"practiceName"`
	PracticeID                string `json:"practiceId"`
	Action                    string `json:"action"`
	FilesWithoutNameAction    string `json:"filesWithoutNameAction"`
	AllowFilesWithoutName     bool   `json:"allowFilesWithoutName"`
	HighConfidence            string `json:"highConfidence"`
	MediumConfidence          string `json:"mediumConfidence"`
	LowConfidence             string `json:"lowConfidence"`
	SeverityLevel             string `json:"severityLevel"`
	FileSizeLimitAction       string `json:"fileSizeLimitAction"`
	FileSizeLimit             uint64 `json:"fileSizeLimit"`
	RequiredFileSizeLimit     bool   `json:"requiredFileSizeLimit"`
	RequiredArchiveExtraction bool   `json:"requiredArchiveExtraction"`
	ArchiveFileSizeLimit      uint64 `json:"archiveFileSizeLimit"`
	MultiLevelArchiveAction   string `json:"MultiLevelArchiveAction"`
	UnopenedArchiveAction     string `json:"UnopenedArchiveAction"`
}

// SettingsDocument carries agent settings next to the policy bundle.
type SettingsDocument struct {
	AgentSettings   []AgentSetting  `json:"agentSettings"`
	UpgradeSchedule UpgradeSettings `json:"upgradeSchedule"`
}

type AgentSetting struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UpgradeSettings struct {
	UpgradeMode          string   `json:"upgradeMode"`
	UpgradeTime          string   `json:"upgradeTime,omitempty"`
	UpgradeDurationHours int      `json:"upgradeDurationHours,omitempty"`
	UpgradeDays          []string `json:"upgradeDays,omitempty"`
}
