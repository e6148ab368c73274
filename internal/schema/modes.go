package schema

import "math"

// Translation tables from declarative values to engine values. Read-only.
var (
	validModes       = []string{"prevent-learn", "detect-learn", "prevent", "detect", "inactive"}
	validModesV2     = []string{"prevent-learn", "detect-learn", "prevent", "detect", "inactive", "as-top-level", "inherited"}
	validConfidences = []string{"medium", "high", "critical"}
	validSeverities  = []string{"low", "medium", "high", "critical"}
	validImpacts     = []string{"low", "medium", "high"}
	validSizeUnits   = []string{"bytes", "KB", "MB", "GB"}
	validConfActions = []string{"prevent", "detect", "inactive", "as-top-level", "inherited"}
	validRateModes   = []string{"prevent", "detect", "inactive"}
	validRateUnits   = []string{"minute", "second"}
	validProtocols   = []string{"tcp", "udp"}
	validFormats     = []string{"json", "json-formatted"}
	validTriggerSev  = []string{"high", "critical"}
	validUpgrade     = []string{"manual", "automatic", "scheduled"}
	validExcActions  = []string{"accept", "drop", "skip", "suppressLog"}

	// practiceModes maps a rule or practice mode to the engine mode.
	practiceModes = map[string]string{
		"prevent-learn": "Prevent",
		"detect-learn":  "Learn",
		"prevent":       "Prevent",
		"detect":        "Detect",
		"inactive":      "Inactive",
	}

	// webAttackModes is practiceModes with inactive meaning the engine is off.
	webAttackModes = map[string]string{
		"prevent-learn": "Prevent",
		"detect-learn":  "Learn",
		"prevent":       "Prevent",
		"detect":        "Detect",
		"inactive":      "Disabled",
	}

	// threatModes is the newer revision's table, where learning is not a separate mode.
	threatModes = map[string]string{
		"prevent-learn": "Prevent",
		"detect-learn":  "Detect",
		"prevent":       "Prevent",
		"detect":        "Detect",
		"inactive":      "Inactive",
	}

	rateLimitModes = map[string]string{
		"prevent":  "Active",
		"detect":   "Detect",
		"inactive": "Inactive",
	}

	rateLimitUnits = map[string]string{
		"second": "Second",
		"minute": "Minute",
	}

	performanceImpacts = map[string]string{
		"low":    "Low or lower",
		"medium": "Medium or lower",
		"high":   "High or lower",
	}

	severityLevels = map[string]string{
		"low":      "Low or above",
		"medium":   "Medium or above",
		"high":     "High or above",
		"critical": "Critical",
	}

	sizeUnits = map[string]uint64{
		"bytes": 1,
		"KB":    1024,
		"MB":    1048576,
		"GB":    1073741824,
	}

	exceptionActions = map[string]string{
		"accept":      "accept",
		"drop":        "reject",
		"skip":        "ignore",
		"suppressLog": "ignore",
	}
)

// PracticeMode translates a rule mode to the engine mode. Unknown modes are Inactive.
func PracticeMode(mode string) string {
	if v, ok := practiceModes[mode]; ok {
		return v
	}
	return "Inactive"
}

// WebAttackMode resolves a practice's web-attack override against the rule mode.
// An unset or unknown override inherits the rule mode.
func WebAttackMode(override, ruleMode string) string {
	if v, ok := webAttackModes[override]; ok {
		return v
	}
	if v, ok := webAttackModes[ruleMode]; ok {
		return v
	}
	return "Disabled"
}

// ThreatMode resolves a newer-revision override that may defer to the top-level mode.
func ThreatMode(override, topLevel string) string {
	if override == "as-top-level" || override == "inherited" {
		if v, ok := threatModes[topLevel]; ok {
			return v
		}
	}
	if v, ok := threatModes[override]; ok {
		return v
	}
	return "Inactive"
}

// RateLimitScope translates a rate limit unit. ok is false for unknown units.
func RateLimitScope(unit string) (string, bool) {
	v, ok := rateLimitUnits[unit]
	return v, ok
}

// PerformanceImpact translates an IPS performance impact level.
func PerformanceImpact(level string) string {
	return performanceImpacts[level]
}

// SeverityLevel translates a minimum severity level.
func SeverityLevel(level string) string {
	return severityLevels[level]
}

// SizeInBytes converts a size and unit to bytes. Unknown units count as bytes.
// Results past the uint64 range are clamped to math.MaxUint64.
func SizeInBytes(size uint64, unit string) uint64 {
	mult, ok := sizeUnits[unit]
	if !ok {
		return size
	}
	if size > math.MaxUint64/mult {
		return math.MaxUint64
	}
	return size * mult
}

// ExceptionBehavior returns the behavior key and value for an exception action.
func ExceptionBehavior(action string) (key, value string) {
	key = "action"
	if action == "suppressLog" {
		key = "log"
	}
	value, ok := exceptionActions[action]
	if !ok {
		value = "accept"
	}
	return key, value
}

// ValidMode reports whether mode is a rule mode.
func ValidMode(mode string) bool {
	_, ok := practiceModes[mode]
	return ok
}
