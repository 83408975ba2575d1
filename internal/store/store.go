// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store defines the alert persistence interface and its SQLite
// implementation.
package store

import (
	"context"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
)

// Store is the interface for alert persistence.  Mutators are idempotent
// and return the post-mutation record, or nil without error when the
// mutation's precondition does not hold.
type Store interface {
	// Create inserts an alert for the passed submission and decrypted
	// parameter tags, generating a fresh token.  Resubmitting to an
	// existing address replaces the record and clears its confirmation
	// and failure state, so the owner must confirm again.
	Create(ctx context.Context, ev event.Event, tags []event.Tag) (*alert.Alert, error)

	// ByAddress returns the alert at the passed address, or nil when
	// none exists.
	ByAddress(ctx context.Context, address string) (*alert.Alert, error)

	// ByToken returns the alert holding the passed token, or nil when
	// none exists.
	ByToken(ctx context.Context, token string) (*alert.Alert, error)

	// ForOwner returns every alert owned by the passed pubkey.
	ForOwner(ctx context.Context, pubkey string) ([]*alert.Alert, error)

	// AllActive returns every active alert.
	AllActive(ctx context.Context) ([]*alert.Alert, error)

	// MarkConfirmed sets the confirmation timestamp.  It has no effect
	// on an alert that is already confirmed.
	MarkConfirmed(ctx context.Context, address string, ts int64) (*alert.Alert, error)

	// MarkUnsubscribed sets the unsubscribe timestamp.
	MarkUnsubscribed(ctx context.Context, address string, ts int64) (*alert.Alert, error)

	// MarkDeleted tombstones the alert, but only when the record was
	// created at or before the passed timestamp, so a delete racing a
	// newer resubmission leaves the newer record alone.
	MarkDeleted(ctx context.Context, address string, ts int64) (*alert.Alert, error)

	// MarkFailed records a permanent delivery failure.
	MarkFailed(ctx context.Context, address string, ts int64, reason string) (*alert.Alert, error)

	Close() error
}
