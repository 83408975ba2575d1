// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Filter describes a set of events.  Zero-valued fields impose no
// constraint.  Tag constraints are keyed by the single-letter tag name
// without the wire-level "#" prefix.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   int64
	Until   int64
	Limit   int
	Tags    map[string][]string
}

// filterJSON is the wire representation of a filter.  Tag constraints use
// "#"-prefixed keys, which cannot be expressed with struct tags alone.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Until   int64    `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface.
func (f Filter) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(filterJSON{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}

	// Splice the tag constraints into the base object with deterministic
	// key order.
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(string(base[:len(base)-1]))
	for _, name := range names {
		values, err := json.Marshal(f.Tags[name])
		if err != nil {
			return nil, err
		}
		if b.Len() > 1 {
			b.WriteByte(',')
		}
		key, err := json.Marshal("#" + name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(values)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var base filterJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{
		IDs:     base.IDs,
		Authors: base.Authors,
		Kinds:   base.Kinds,
		Since:   base.Since,
		Until:   base.Until,
		Limit:   base.Limit,
	}
	for key, value := range raw {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return err
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}

// Matches returns whether the passed event satisfies every constraint of
// the filter.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, kind := range f.Kinds {
			if kind == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		matched := false
		for _, have := range e.TagValues(name) {
			if containsString(wanted, have) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchesAny returns whether the event satisfies at least one of the
// passed filters.
func MatchesAny(filters []Filter, e *Event) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}

// Fingerprint returns a deterministic identifier for the filter's
// constraint content.  Two filters describing the same constraints always
// produce the same fingerprint regardless of how they were constructed,
// which makes the fingerprint suitable as a wire-level subscription id
// shared by every logical subscriber interested in the same filter.
func (f *Filter) Fingerprint() string {
	// Sort the sets so equivalent filters serialize identically.  The
	// receiver is not modified.
	canon := Filter{
		IDs:     sortedCopy(f.IDs),
		Authors: sortedCopy(f.Authors),
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	}
	if len(f.Kinds) > 0 {
		canon.Kinds = append([]int(nil), f.Kinds...)
		sort.Ints(canon.Kinds)
	}
	if len(f.Tags) > 0 {
		canon.Tags = make(map[string][]string, len(f.Tags))
		for name, values := range f.Tags {
			canon.Tags[name] = sortedCopy(values)
		}
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		// Filters are built from plain strings and integers, so
		// serialization cannot fail.
		panic(err)
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	dup := append([]string(nil), values...)
	sort.Strings(dup)
	return dup
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
