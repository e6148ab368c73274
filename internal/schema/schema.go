package schema

import (
	"fmt"

	"github.com/ppiankov/wafpolicy/internal/diag"
)

// Decoder turns one resource object ({metadata, spec}) into a typed fragment.
// name labels diagnostics; the fragment keeps its own spec name, which may be empty.
type Decoder func(name string, obj map[string]any, d *diag.List) (Fragment, error)

// KindSpec describes how one fragment kind is stored and decoded.
type KindSpec struct {
	Plural string
	Decode Decoder
	// Listed kinds are singletons. A cluster serves them by name; a local
	// file may hold one without a name, so file mode lists them.
	Listed bool
}

// Schema parameterizes one instance of the compilation pipeline.
type Schema struct {
	Version           Version
	PolicyPlural      string
	SupportsClassName bool
	Kinds             map[Kind]KindSpec
	// Order lists Kinds in a fixed order for deterministic resolution.
	Order        []Kind
	DecodePolicy func(name string, obj map[string]any, d *diag.List) (*Policy, error)
	// RuleRefs returns the names a rule references, per kind.
	RuleRefs func(r Rule) map[Kind][]string
}

// Kind returns the KindSpec for k, or false when this revision does not know k.
func (s *Schema) Kind(k Kind) (KindSpec, bool) {
	ks, ok := s.Kinds[k]
	return ks, ok
}

// Decode decodes obj as a fragment of kind k.
func (s *Schema) Decode(k Kind, name string, obj map[string]any, d *diag.List) (Fragment, error) {
	ks, ok := s.Kinds[k]
	if !ok {
		return nil, fmt.Errorf("kind %s is not part of schema %s", k, s.Version)
	}
	return ks.Decode(name, obj, d)
}

func singleton(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}

func resLabel(kind Kind, name string) string {
	return string(kind) + "/" + name
}
