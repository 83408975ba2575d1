// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	// pubKeyLen is the length of a serialized x-only public key in bytes.
	pubKeyLen = 32

	// idLen is the length of an event id in bytes.
	idLen = sha256.Size
)

// Event is a single signed record on the notification network.  The ID and
// Sig fields are hex encoded, the Pubkey field is a hex-encoded x-only
// public key, and CreatedAt is a unix timestamp in seconds.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tag is a single event tag.  The first element names the tag and the
// remainder are its values.
type Tag []string

// serialize returns the canonical serialization that the event id commits
// to.  It is a JSON array of the form [0, pubkey, created_at, kind, tags,
// content] with no insignificant whitespace.
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	return json.Marshal([]interface{}{0, e.Pubkey, e.CreatedAt, e.Kind,
		tags, e.Content})
}

// computeID returns the hex-encoded sha256 hash of the event's canonical
// serialization.
func (e *Event) computeID() (string, [idLen]byte, error) {
	raw, err := e.serialize()
	if err != nil {
		return "", [idLen]byte{}, err
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:]), hash, nil
}

// ParsePubkey decodes a hex-encoded x-only public key into a usable public
// key.  Keys on the network imply an even y coordinate.
func ParsePubkey(pubkey string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("malformed pubkey %q: %w", pubkey, err)
	}
	if len(raw) != pubKeyLen {
		return nil, fmt.Errorf("malformed pubkey %q: %d bytes, want %d",
			pubkey, len(raw), pubKeyLen)
	}
	compressed := make([]byte, 0, pubKeyLen+1)
	compressed = append(compressed, secp256k1.PubKeyFormatCompressedEven)
	compressed = append(compressed, raw...)
	return secp256k1.ParsePubKey(compressed)
}

// PubkeyOf returns the hex-encoded x-only public key associated with the
// provided private key.
func PubkeyOf(priv *secp256k1.PrivateKey) string {
	compressed := priv.PubKey().SerializeCompressed()
	return hex.EncodeToString(compressed[1:])
}

// Sign populates the ID, Pubkey, and Sig fields of the event using the
// provided private key.  All other fields must already be set.
//
// The x-only pubkey encoding implies an even y coordinate, so when the
// private key corresponds to an odd-y point the signature is made with the
// negated key.  Its public key is the even-y point with the same x
// coordinate, which is what verifiers reconstruct.
func (e *Event) Sign(priv *secp256k1.PrivateKey) error {
	if priv.PubKey().SerializeCompressed()[0] ==
		secp256k1.PubKeyFormatCompressedOdd {

		var negated secp256k1.ModNScalar
		negated.NegateVal(&priv.Key)
		priv = secp256k1.NewPrivateKey(&negated)
	}

	e.Pubkey = PubkeyOf(priv)
	id, hash, err := e.computeID()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		return err
	}
	e.ID = id
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event id matches the canonical serialization and
// that the signature is a valid signature over that id by the event's
// public key.
func (e *Event) Verify() bool {
	id, hash, err := e.computeID()
	if err != nil || id != e.ID {
		return false
	}
	pub, err := ParsePubkey(e.Pubkey)
	if err != nil {
		return false
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return false
	}
	return sig.Verify(hash[:], pub)
}

// Address returns the stable replaceable-record address of the event in
// the form kind:pubkey:d-tag.  Events without a d tag use an empty slug.
func (e *Event) Address() string {
	return fmt.Sprintf("%d:%s:%s", e.Kind, e.Pubkey, e.TagValue("d"))
}

// TagValue returns the first value of the first tag with the given name,
// or an empty string when no such tag exists.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the first value of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// TagValue is the detached-list counterpart of Event.TagValue for tag
// arrays that do not belong to an event, such as decrypted alert
// parameter payloads.
func TagValue(tags []Tag, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the first value of every tag with the given name from
// a detached tag list.
func TagValues(tags []Tag, name string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
