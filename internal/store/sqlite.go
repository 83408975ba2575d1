// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/crypto/rand"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/store/migrations"
)

// activeWhere is the SQL form of the alert activity invariant.
const activeWhere = `confirmed_at IS NOT NULL
	AND confirmed_at > COALESCE(unsubscribed_at, 0)
	AND confirmed_at > COALESCE(deleted_at, 0)
	AND failed_at IS NULL`

// alertColumns is the column list every alert query selects.
const alertColumns = `address, pubkey, event, tags, token, created_at,
	confirmed_at, unsubscribed_at, deleted_at, failed_at, failed_reason`

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debugf("Alert store open at %s", dsn)
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert decodes one alert row.
func scanAlert(row scanner) (*alert.Alert, error) {
	var a alert.Alert
	var rawEvent, rawTags []byte
	var confirmed, unsubscribed, deleted, failed sql.NullInt64
	var failedReason sql.NullString
	err := row.Scan(&a.Address, &a.Pubkey, &rawEvent, &rawTags, &a.Token,
		&a.CreatedAt, &confirmed, &unsubscribed, &deleted, &failed,
		&failedReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawEvent, &a.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := json.Unmarshal(rawTags, &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	a.ConfirmedAt = confirmed.Int64
	a.UnsubscribedAt = unsubscribed.Int64
	a.DeletedAt = deleted.Int64
	a.FailedAt = failed.Int64
	a.FailedReason = failedReason.String
	return &a, nil
}

// newToken returns a fresh confirm/unsubscribe token.
func newToken() string {
	var buf [32]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// Create inserts or replaces the alert at the submission's address.  A
// replacement clears the confirmation and failure columns, so the owner
// must confirm the new parameters before delivery resumes.
func (s *SQLite) Create(ctx context.Context, ev event.Event, tags []event.Tag) (*alert.Alert, error) {
	rawEvent, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	address := ev.Address()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (address, pubkey, event, tags, token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			pubkey=excluded.pubkey,
			event=excluded.event,
			tags=excluded.tags,
			token=excluded.token,
			created_at=excluded.created_at,
			confirmed_at=NULL,
			failed_at=NULL,
			failed_reason=NULL`,
		address, ev.Pubkey, rawEvent, rawTags, newToken(), ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return s.ByAddress(ctx, address)
}

// ByAddress returns the alert at the passed address, or nil when none
// exists.
func (s *SQLite) ByAddress(ctx context.Context, address string) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE address = ?`, address)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ByToken returns the alert holding the passed token, or nil when none
// exists.
func (s *SQLite) ByToken(ctx context.Context, token string) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE token = ?`, token)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// queryAlerts runs a multi-row alert query.
func (s *SQLite) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ForOwner returns every alert owned by the passed pubkey.
func (s *SQLite) ForOwner(ctx context.Context, pubkey string) ([]*alert.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE pubkey = ? ORDER BY created_at`,
		pubkey)
}

// AllActive returns every active alert.
func (s *SQLite) AllActive(ctx context.Context) ([]*alert.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE `+activeWhere)
}

// mark runs one lifecycle update and returns the post-mutation record, or
// nil when the guarded update matched no row and the address is absent or
// the precondition does not hold.
func (s *SQLite) mark(ctx context.Context, address, set, where string, args ...interface{}) (*alert.Alert, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET `+set+` WHERE address = ?`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.ByAddress(ctx, address)
}

// MarkConfirmed sets the confirmation timestamp unless already set.
func (s *SQLite) MarkConfirmed(ctx context.Context, address string, ts int64) (*alert.Alert, error) {
	return s.mark(ctx, address, `confirmed_at = ?`, ` AND confirmed_at IS NULL`,
		ts, address)
}

// MarkUnsubscribed sets the unsubscribe timestamp.
func (s *SQLite) MarkUnsubscribed(ctx context.Context, address string, ts int64) (*alert.Alert, error) {
	return s.mark(ctx, address, `unsubscribed_at = ?`, ``, ts, address)
}

// MarkDeleted tombstones the alert when it was created at or before the
// delete timestamp.  A record created after the timestamp survives, which
// makes deletes idempotent against racing resubmissions.
func (s *SQLite) MarkDeleted(ctx context.Context, address string, ts int64) (*alert.Alert, error) {
	return s.mark(ctx, address, `deleted_at = ?`, ` AND created_at <= ?`,
		ts, address, ts)
}

// MarkFailed records a permanent delivery failure.
func (s *SQLite) MarkFailed(ctx context.Context, address string, ts int64, reason string) (*alert.Alert, error) {
	return s.mark(ctx, address, `failed_at = ?, failed_reason = ?`, ``,
		ts, reason, address)
}
