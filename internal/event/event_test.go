// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package event

import (
	"encoding/json"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// testPrivKey returns a deterministic private key for use throughout the
// package tests.
func testPrivKey(t *testing.T, fill byte) *secp256k1.PrivateKey {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	return secp256k1.PrivKeyFromBytes(seed)
}

// TestSignVerify ensures signing populates the id, pubkey, and signature
// and that verification accepts the result and rejects tampered copies.
func TestSignVerify(t *testing.T) {
	priv := testPrivKey(t, 0x01)
	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      KindNote,
		Tags:      []Tag{{"d", "slug"}},
		Content:   "hello",
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ev.ID == "" || ev.Sig == "" || ev.Pubkey == "" {
		t.Fatalf("Sign left fields unset: %+v", ev)
	}
	if !ev.Verify() {
		t.Fatal("signed event failed verification")
	}

	tampered := *ev
	tampered.Content = "hullo"
	if tampered.Verify() {
		t.Fatal("tampered content passed verification")
	}

	tampered = *ev
	tampered.Pubkey = PubkeyOf(testPrivKey(t, 0x02))
	if tampered.Verify() {
		t.Fatal("swapped pubkey passed verification")
	}
}

// TestSignVerifyKeyParity ensures signing works regardless of the y parity
// of the signing key's public point.  The x-only pubkey encoding implies an
// even y coordinate, so odd-y keys must sign with the negated key or their
// events never verify.
func TestSignVerifyKeyParity(t *testing.T) {
	var even, odd []byte
	for fill := byte(0x01); fill <= 0x08; fill++ {
		priv := testPrivKey(t, fill)
		parity := priv.PubKey().SerializeCompressed()[0]
		if parity == secp256k1.PubKeyFormatCompressedOdd {
			odd = append(odd, fill)
		} else {
			even = append(even, fill)
		}
	}
	if len(even) == 0 || len(odd) == 0 {
		t.Fatalf("key fills cover only one parity: even %v, odd %v",
			even, odd)
	}

	for _, fill := range append(even, odd...) {
		priv := testPrivKey(t, fill)
		ev := &Event{
			CreatedAt: 1700000000,
			Kind:      KindNote,
			Content:   "parity",
		}
		if err := ev.Sign(priv); err != nil {
			t.Fatalf("Sign with fill %#x: %v", fill, err)
		}
		if ev.Pubkey != PubkeyOf(priv) {
			t.Errorf("fill %#x: pubkey %q does not match key",
				fill, ev.Pubkey)
		}
		if !ev.Verify() {
			t.Errorf("fill %#x: signed event failed verification",
				fill)
		}
	}
}

// TestAddress ensures the replaceable-record address is derived from the
// kind, pubkey, and d tag.
func TestAddress(t *testing.T) {
	ev := &Event{Kind: KindAlertEmail, Pubkey: "ab", Tags: []Tag{{"d", "x"}}}
	if addr := ev.Address(); addr != "32830:ab:x" {
		t.Fatalf("Address: got %q", addr)
	}
	ev.Tags = nil
	if addr := ev.Address(); addr != "32830:ab:" {
		t.Fatalf("Address without d tag: got %q", addr)
	}
}

// TestFilterMatches exercises each filter constraint individually.
func TestFilterMatches(t *testing.T) {
	ev := &Event{
		ID:        "id1",
		Pubkey:    "pk1",
		CreatedAt: 500,
		Kind:      KindNote,
		Tags:      []Tag{{"p", "pk2"}, {"e", "id0"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{{
		name:   "empty filter matches",
		filter: Filter{},
		want:   true,
	}, {
		name:   "id match",
		filter: Filter{IDs: []string{"id1"}},
		want:   true,
	}, {
		name:   "id mismatch",
		filter: Filter{IDs: []string{"id9"}},
		want:   false,
	}, {
		name:   "author match",
		filter: Filter{Authors: []string{"pk0", "pk1"}},
		want:   true,
	}, {
		name:   "kind mismatch",
		filter: Filter{Kinds: []int{KindComment}},
		want:   false,
	}, {
		name:   "since inclusive",
		filter: Filter{Since: 500},
		want:   true,
	}, {
		name:   "since excludes older",
		filter: Filter{Since: 501},
		want:   false,
	}, {
		name:   "until excludes newer",
		filter: Filter{Until: 499},
		want:   false,
	}, {
		name:   "tag match",
		filter: Filter{Tags: map[string][]string{"p": {"pk2"}}},
		want:   true,
	}, {
		name:   "tag mismatch",
		filter: Filter{Tags: map[string][]string{"p": {"pk9"}}},
		want:   false,
	}}

	for _, test := range tests {
		if got := test.filter.Matches(ev); got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, got, test.want)
		}
	}
}

// TestFilterFingerprint ensures fingerprints are insensitive to element
// order and sensitive to constraint content.
func TestFilterFingerprint(t *testing.T) {
	a := Filter{Authors: []string{"x", "y"}, Kinds: []int{3, 1}}
	b := Filter{Authors: []string{"y", "x"}, Kinds: []int{1, 3}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("reordered filters produced different fingerprints")
	}

	c := Filter{Authors: []string{"x", "y"}, Kinds: []int{1, 3}, Since: 10}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("distinct filters produced identical fingerprints")
	}
}

// TestFilterJSON ensures tag constraints round trip through the wire
// representation with their "#" prefixed keys.
func TestFilterJSON(t *testing.T) {
	f := Filter{
		Kinds: []int{1},
		Since: 99,
		Tags:  map[string][]string{"e": {"id0"}, "p": {"pk1"}},
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Filter
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Fingerprint() != f.Fingerprint() {
		t.Fatalf("round trip changed filter: %s decoded as %+v", raw, decoded)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Unmarshal generic: %v", err)
	}
	if _, ok := generic["#e"]; !ok {
		t.Fatalf("wire filter missing #e key: %s", raw)
	}
}
