// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package feed

import (
	"github.com/anchornet/anchord/internal/event"
)

// Resolver answers the author-set queries needed to compile scope and
// web-of-trust leaves into concrete filters.
type Resolver interface {
	// PubkeysForScope returns the public keys belonging to the scope.
	PubkeysForScope(scope Scope) []string

	// PubkeysForRange returns the public keys whose trust score falls
	// within the given range of fractions of the maximum observed score.
	PubkeysForRange(min, max float64) []string
}

// Compile lowers a feed expression tree into a set of concrete
// subscription filters.  The result is a union: an event qualifies when it
// matches any returned filter.  An empty result means the tree matches
// nothing, which happens when a scope or trust range resolves to an empty
// author set.
func Compile(node Node, resolver Resolver) []event.Filter {
	switch n := node.(type) {
	case KindNode:
		return []event.Filter{{Kinds: append([]int(nil), n.Kinds...)}}

	case SinceNode:
		return []event.Filter{{Since: n.Since}}

	case ScopeNode:
		var authors []string
		seen := make(map[string]struct{})
		for _, scope := range n.Scopes {
			for _, pubkey := range resolver.PubkeysForScope(scope) {
				if _, ok := seen[pubkey]; ok {
					continue
				}
				seen[pubkey] = struct{}{}
				authors = append(authors, pubkey)
			}
		}
		if len(authors) == 0 {
			return nil
		}
		return []event.Filter{{Authors: authors}}

	case WOTNode:
		authors := resolver.PubkeysForRange(n.Min, n.Max)
		if len(authors) == 0 {
			return nil
		}
		return []event.Filter{{Authors: authors}}

	case UnionNode:
		var filters []event.Filter
		for _, child := range n.Children {
			filters = append(filters, Compile(child, resolver)...)
		}
		return filters

	case IntersectionNode:
		acc := []event.Filter{{}}
		for _, child := range n.Children {
			alternatives := Compile(child, resolver)
			if len(alternatives) == 0 {
				return nil
			}
			var next []event.Filter
			for _, a := range acc {
				for _, b := range alternatives {
					if merged, ok := mergeFilters(a, b); ok {
						next = append(next, merged)
					}
				}
			}
			if len(next) == 0 {
				return nil
			}
			acc = next
		}
		return acc
	}

	return nil
}

// mergeFilters combines the constraints of two filters into one.  The
// second return is false when the combined constraints are unsatisfiable.
func mergeFilters(a, b event.Filter) (event.Filter, bool) {
	merged := a

	if len(b.Kinds) > 0 {
		if len(merged.Kinds) == 0 {
			merged.Kinds = b.Kinds
		} else {
			merged.Kinds = intersectInts(merged.Kinds, b.Kinds)
			if len(merged.Kinds) == 0 {
				return event.Filter{}, false
			}
		}
	}

	if len(b.Authors) > 0 {
		if len(merged.Authors) == 0 {
			merged.Authors = b.Authors
		} else {
			merged.Authors = intersectStrings(merged.Authors, b.Authors)
			if len(merged.Authors) == 0 {
				return event.Filter{}, false
			}
		}
	}

	if b.Since > merged.Since {
		merged.Since = b.Since
	}
	if b.Until != 0 && (merged.Until == 0 || b.Until < merged.Until) {
		merged.Until = b.Until
	}
	if merged.Until != 0 && merged.Since > merged.Until {
		return event.Filter{}, false
	}

	return merged, true
}

func intersectInts(a, b []int) []int {
	var out []int
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
