package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

// PoliciesPlural is the plural of the policy resource in both revisions.
const PoliciesPlural = "policies"

var errRevisionAbsent = errors.New("file does not use this policy revision")

// fileKeys maps a resource plural to the top-level keys of a local policy file.
var fileKeys = map[schema.Version]map[string][]string{
	schema.V1Beta1: {
		"practices":             {"practices"},
		"logtriggers":           {"log-triggers"},
		"customresponses":       {"custom-responses"},
		"exceptions":            {"exceptions"},
		"sourcesidentifiers":    {"source-identifiers", "source-identifier"},
		"trustedsources":        {"trusted-sources"},
		schema.RPSettingsPlural: {"rp-settings"},
	},
	schema.V1Beta2: {
		"threatpreventionpractices": {"threatPreventionPractices"},
		"accesscontrolpractice":     {"accessControlPractices"},
		"logtriggers":               {"logTriggers"},
		"customresponses":           {"customResponses"},
		"exceptions":                {"exceptions"},
		"sourcesidentifiers":        {"sourcesIdentifiers"},
		"trustedsources":            {"trustedSources"},
		"autoupgrade":               {"autoUpgrade"},
		schema.RPSettingsPlural:     {"rpSettings"},
	},
}

// Keys that only one revision uses, at the top level or inside a rule.
var (
	v1Markers = []string{
		"practices", "log-triggers", "custom-responses", "trusted-sources",
		"source-identifiers", "source-identifier", "rp-settings",
		"specific-rules", "custom-response",
	}
	v2Markers = []string{
		"threatPreventionPractices", "accessControlPractices", "logTriggers",
		"customResponses", "trustedSources", "sourcesIdentifiers", "autoUpgrade",
		"rpSettings", "specificRules", "customResponse", "sourceIdentifiers",
	}
)

// FileClient serves policy resources from one local declarative file.
type FileClient struct {
	path      string
	name      string
	doc       map[string]any
	revisions map[schema.Version]bool
}

// LoadFile reads and parses a YAML or JSON policy file.
func LoadFile(path string) (*FileClient, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided policy file path
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParseFile(path, data)
}

// ParseFile parses policy file contents; path names the policy.
func ParseFile(path string, data []byte) (*FileClient, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if doc == nil {
		return nil, &ParseError{Path: path, Err: errors.New("empty document")}
	}
	return &FileClient{
		path:      path,
		name:      PolicyName(path),
		doc:       doc,
		revisions: detectRevisions(doc),
	}, nil
}

// PolicyName derives the policy name from a file path: the base name up to its first dot.
func PolicyName(path string) string {
	base := filepath.Base(path)
	if name, _, ok := strings.Cut(base, "."); ok && name != "" {
		return name
	}
	return base
}

// PolicyName returns the name of the single policy the file holds.
func (c *FileClient) PolicyName() string { return c.name }

// Path returns the file the client was loaded from.
func (c *FileClient) Path() string { return c.path }

// detectRevisions reports which revisions the file can be read as.
// A file with no revision-specific key is readable as both.
func detectRevisions(doc map[string]any) map[schema.Version]bool {
	scopes := []map[string]any{doc}
	if p, ok := doc[PoliciesPlural].(map[string]any); ok {
		scopes = append(scopes, p)
		if def, ok := p["default"].(map[string]any); ok {
			scopes = append(scopes, def)
		}
	}
	v1 := hasAny(scopes, v1Markers)
	v2 := hasAny(scopes, v2Markers)
	if v1 == v2 {
		return map[schema.Version]bool{schema.V1Beta1: true, schema.V1Beta2: true}
	}
	return map[schema.Version]bool{schema.V1Beta1: v1, schema.V1Beta2: v2}
}

func hasAny(scopes []map[string]any, keys []string) bool {
	for _, m := range scopes {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				return true
			}
		}
	}
	return false
}

// Get returns the named element of plural wrapped as {metadata, spec}.
func (c *FileClient) Get(_ context.Context, version schema.Version, plural, name string) (map[string]any, error) {
	if !c.revisions[version] {
		return nil, &NotFoundError{Version: version, Plural: plural, Name: name, Err: errRevisionAbsent}
	}
	if plural == PoliciesPlural {
		p, ok := c.doc[PoliciesPlural].(map[string]any)
		if !ok || name != c.name {
			return nil, &NotFoundError{Version: version, Plural: plural, Name: name}
		}
		return wrap(name, p), nil
	}
	for _, elem := range c.elements(version, plural) {
		if extractName(elem) == name {
			return wrap(name, elem), nil
		}
	}
	return nil, &NotFoundError{Version: version, Plural: plural, Name: name}
}

// List returns every element of plural, sorted by name.
func (c *FileClient) List(_ context.Context, version schema.Version, plural string) ([]map[string]any, error) {
	if !c.revisions[version] {
		return nil, nil
	}
	elems := c.elements(version, plural)
	out := make([]map[string]any, 0, len(elems))
	for _, elem := range elems {
		out = append(out, wrap(extractName(elem), elem))
	}
	sortByName(out)
	return out, nil
}

// elements returns the list under plural's file key. A single object counts as a one-element list.
func (c *FileClient) elements(version schema.Version, plural string) []map[string]any {
	var out []map[string]any
	for _, key := range fileKeys[version][plural] {
		switch v := c.doc[key].(type) {
		case []any:
			for _, raw := range v {
				if m, ok := raw.(map[string]any); ok {
					out = append(out, m)
				}
			}
		case map[string]any:
			out = append(out, v)
		}
	}
	return out
}

func extractName(m map[string]any) string {
	s, _ := m["name"].(string)
	return s
}

func sortByName(objs []map[string]any) {
	sort.SliceStable(objs, func(i, j int) bool {
		return schema.ObjectName(objs[i]) < schema.ObjectName(objs[j])
	})
}
