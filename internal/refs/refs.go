// Package refs collects the fragment names a policy references and fetches each once.
package refs

import (
	"context"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

// DefaultConcurrency bounds concurrent fetches when no limit is configured.
const DefaultConcurrency = 8

// Set holds the distinct names referenced per kind.
type Set map[schema.Kind]map[string]struct{}

// Add records name under kind. Empty names are ignored.
func (s Set) Add(kind schema.Kind, name string) {
	if name == "" {
		return
	}
	if s[kind] == nil {
		s[kind] = make(map[string]struct{})
	}
	s[kind][name] = struct{}{}
}

// Names returns the names referenced for kind in sorted order.
func (s Set) Names(kind schema.Kind) []string {
	names := make([]string, 0, len(s[kind]))
	for n := range s[kind] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of distinct (kind, name) pairs.
func (s Set) Len() int {
	n := 0
	for _, names := range s {
		n += len(names)
	}
	return n
}

// Collect unions the references of the default rule and every specific rule.
func Collect(s *schema.Schema, def schema.Rule, specific []schema.Rule) Set {
	set := make(Set)
	for _, r := range append([]schema.Rule{def}, specific...) {
		for kind, names := range s.RuleRefs(r) {
			for _, n := range names {
				set.Add(kind, n)
			}
		}
	}
	return set
}

// FetchFunc retrieves and decodes one named fragment.
type FetchFunc func(ctx context.Context, kind schema.Kind, name string) (schema.Fragment, error)

// ListFunc retrieves and decodes every fragment of a listed kind.
type ListFunc func(ctx context.Context, kind schema.Kind) ([]schema.Fragment, error)

// Fetcher resolves references against a backing store.
type Fetcher struct {
	Fetch FetchFunc
	// List serves kinds the schema marks as listed, for stores that keep a
	// singleton without a name. Nil fetches them by name like any other kind.
	List        ListFunc
	Class       string
	Concurrency int
	Diag        *diag.List
	// Observe, when set, is called once per fetch with "ok", "error" or "filtered".
	Observe func(kind schema.Kind, result string)
}

// FetchAll fetches every distinct name of kind concurrently with the default limit.
func FetchAll(ctx context.Context, s *schema.Schema, kind schema.Kind, names []string, fetch FetchFunc, class string, d *diag.List) []schema.Fragment {
	f := &Fetcher{Fetch: fetch, Class: class, Diag: d}
	return f.FetchAll(ctx, s, kind, names)
}

// Resolve fetches every kind of set with the default limit.
func Resolve(ctx context.Context, s *schema.Schema, set Set, fetch FetchFunc, class string, d *diag.List) map[schema.Kind][]schema.Fragment {
	f := &Fetcher{Fetch: fetch, Class: class, Diag: d}
	return f.Resolve(ctx, s, set)
}

// Resolve calls FetchAll once per kind of s, in schema order.
func (f *Fetcher) Resolve(ctx context.Context, s *schema.Schema, set Set) map[schema.Kind][]schema.Fragment {
	out := make(map[schema.Kind][]schema.Fragment, len(s.Order))
	for _, kind := range s.Order {
		names := set.Names(kind)
		if len(names) == 0 {
			continue
		}
		ks, _ := s.Kind(kind)
		switch {
		case ks.Listed && f.List != nil:
			out[kind] = f.listOne(ctx, s, kind, names)
		case ks.Listed:
			frags := f.FetchAll(ctx, s, kind, names)
			if len(frags) > 1 {
				f.Diag.Warn("refs", string(kind), "%d definitions referenced, one expected", len(frags))
			}
			out[kind] = frags
		default:
			out[kind] = f.FetchAll(ctx, s, kind, names)
		}
	}
	return out
}

// FetchAll fetches each distinct name once. Failed fetches and fragments of
// another class are skipped with a warning. The result is sorted by name.
func (f *Fetcher) FetchAll(ctx context.Context, s *schema.Schema, kind schema.Kind, names []string) []schema.Fragment {
	names = distinct(names)
	results := make([]schema.Fragment, len(names))

	limit := f.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, name := range names {
		g.Go(func() error {
			frag, err := f.Fetch(ctx, kind, name)
			if err != nil {
				f.Diag.Warn("refs", string(kind)+"/"+name, "fetch failed, skipping: %v", err)
				f.observe(kind, "error")
				return nil
			}
			results[i] = frag
			return nil
		})
	}
	_ = g.Wait()

	out := make([]schema.Fragment, 0, len(results))
	for i, frag := range results {
		if frag == nil {
			continue
		}
		if !f.accept(s, kind, names[i], frag) {
			continue
		}
		out = append(out, frag)
	}
	sortFragments(out)
	return out
}

// listOne returns a single listed fragment. A fragment carrying a referenced
// name wins over the rest; an unnamed one takes the first referenced name.
func (f *Fetcher) listOne(ctx context.Context, s *schema.Schema, kind schema.Kind, names []string) []schema.Fragment {
	frags, err := f.List(ctx, kind)
	if err != nil {
		f.Diag.Warn("refs", string(kind), "list failed, skipping: %v", err)
		f.observe(kind, "error")
		return nil
	}
	names = distinct(names)
	var fallback string
	if len(names) > 0 {
		fallback = names[0]
	}
	var kept []schema.Fragment
	for _, frag := range frags {
		key := frag.FragmentName()
		if key == "" {
			key = fallback
		}
		if f.accept(s, kind, key, frag) {
			kept = append(kept, frag)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	sortFragments(kept)
	pick := kept[0]
	for _, frag := range kept {
		if slices.Contains(names, frag.FragmentName()) {
			pick = frag
			break
		}
	}
	if len(kept) > 1 {
		f.Diag.Warn("refs", string(kind), "%d definitions found, using %s", len(kept), pick.FragmentName())
	}
	return []schema.Fragment{pick}
}

// accept fills an empty name from the lookup key and applies the class filter.
func (f *Fetcher) accept(s *schema.Schema, kind schema.Kind, key string, frag schema.Fragment) bool {
	if frag.FragmentName() == "" {
		frag.SetName(key)
	}
	if s.SupportsClassName && f.Class != "" && frag.Class() != f.Class {
		f.Diag.Warn("refs", string(kind)+"/"+key, "unmatched class name %q", frag.Class())
		f.observe(kind, "filtered")
		return false
	}
	f.observe(kind, "ok")
	return true
}

func (f *Fetcher) observe(kind schema.Kind, result string) {
	if f.Observe != nil {
		f.Observe(kind, result)
	}
}

func distinct(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sortFragments(frags []schema.Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		return frags[i].FragmentName() < frags[j].FragmentName()
	})
}
