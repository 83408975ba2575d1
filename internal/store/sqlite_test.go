// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anchornet/anchord/internal/event"
)

// newTestStore returns a store backed by a throwaway database file.
func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// submission returns an alert submission event for the passed owner and
// creation time.
func submission(owner string, createdAt int64) event.Event {
	return event.Event{
		ID:        "id-" + owner,
		Pubkey:    owner,
		CreatedAt: createdAt,
		Kind:      event.KindAlertEmail,
		Tags:      []event.Tag{{"d", "default"}},
	}
}

var paramTags = []event.Tag{
	{"cron", "0 0 * * *"},
	{"email", "user@example.com"},
	{"feed", `["kind",1]`},
}

func TestCreateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, submission("owner", 100), paramTags)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Token == "" {
		t.Fatal("created alert has no token")
	}

	got, err := s.ByAddress(ctx, created.Address)
	if err != nil {
		t.Fatalf("ByAddress: %v", err)
	}
	if diff := cmp.Diff(created, got); diff != "" {
		t.Fatalf("round trip mismatch (-created +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(paramTags, got.Tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}

	byToken, err := s.ByToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("ByToken: %v", err)
	}
	if byToken == nil || byToken.Address != created.Address {
		t.Fatalf("ByToken returned %+v", byToken)
	}

	missing, err := s.ByAddress(ctx, "32830:nobody:default")
	if err != nil || missing != nil {
		t.Fatalf("missing address: got %+v, %v", missing, err)
	}
}

// TestResubmission ensures replacing an alert at the same address resets
// its confirmation and failure state and rotates the token.
func TestResubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, submission("owner", 100), paramTags)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.MarkConfirmed(ctx, first.Address, 110); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	if _, err := s.MarkFailed(ctx, first.Address, 120, "bad endpoint"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	second, err := s.Create(ctx, submission("owner", 200), paramTags)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Address != first.Address {
		t.Fatalf("address changed on resubmit: %s != %s", second.Address,
			first.Address)
	}
	if second.ConfirmedAt != 0 || second.FailedAt != 0 || second.FailedReason != "" {
		t.Fatalf("resubmission did not reset lifecycle: %+v", second)
	}
	if second.CreatedAt != 200 {
		t.Fatalf("created_at not replaced: %d", second.CreatedAt)
	}
	if second.Token == first.Token {
		t.Fatal("token not rotated on resubmit")
	}
}

// TestMarkConfirmedOnce ensures confirmation is set at most once.
func TestMarkConfirmedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, submission("owner", 100), paramTags)
	confirmed, err := s.MarkConfirmed(ctx, created.Address, 110)
	if err != nil || confirmed == nil || confirmed.ConfirmedAt != 110 {
		t.Fatalf("first confirm: %+v, %v", confirmed, err)
	}

	again, err := s.MarkConfirmed(ctx, created.Address, 120)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if again != nil {
		t.Fatalf("second confirm mutated the record: %+v", again)
	}
	got, _ := s.ByAddress(ctx, created.Address)
	if got.ConfirmedAt != 110 {
		t.Fatalf("confirmation timestamp moved to %d", got.ConfirmedAt)
	}
}

// TestTombstoneRule ensures a delete only affects records created at or
// before the delete timestamp.
func TestTombstoneRule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, submission("owner", 100), paramTags)

	deleted, err := s.MarkDeleted(ctx, created.Address, 150)
	if err != nil || deleted == nil || deleted.DeletedAt != 150 {
		t.Fatalf("delete at 150: %+v, %v", deleted, err)
	}

	// A newer record at the same address survives an older delete.
	newer, _ := s.Create(ctx, submission("owner", 200), paramTags)
	survived, err := s.MarkDeleted(ctx, newer.Address, 150)
	if err != nil {
		t.Fatalf("stale delete: %v", err)
	}
	if survived != nil {
		t.Fatalf("stale delete tombstoned a newer record: %+v", survived)
	}
}

// TestAllActive checks the activity invariant at the query level.
func TestAllActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unconfirmed.
	s.Create(ctx, submission("pending", 100), paramTags)

	// Confirmed and active.
	active, _ := s.Create(ctx, submission("active", 100), paramTags)
	s.MarkConfirmed(ctx, active.Address, 110)

	// Confirmed then unsubscribed.
	unsub, _ := s.Create(ctx, submission("unsub", 100), paramTags)
	s.MarkConfirmed(ctx, unsub.Address, 110)
	s.MarkUnsubscribed(ctx, unsub.Address, 120)

	// Confirmed then permanently failed.
	failed, _ := s.Create(ctx, submission("failed", 100), paramTags)
	s.MarkConfirmed(ctx, failed.Address, 110)
	s.MarkFailed(ctx, failed.Address, 120, "gone")

	got, err := s.AllActive(ctx)
	if err != nil {
		t.Fatalf("AllActive: %v", err)
	}
	if len(got) != 1 || got[0].Pubkey != "active" {
		t.Fatalf("AllActive returned %d alerts, want only the active one",
			len(got))
	}
	for _, a := range got {
		if !a.Active() {
			t.Fatalf("AllActive returned inactive alert %+v", a)
		}
	}

	owned, err := s.ForOwner(ctx, "unsub")
	if err != nil || len(owned) != 1 {
		t.Fatalf("ForOwner: %v, %d alerts", err, len(owned))
	}
}
