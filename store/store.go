// Package store persists snapshot cache entries across process
// restarts. Entries are keyed "incidents_<center>" and garbage
// collected at startup once they exceed a maximum age.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/retry"
	_ "modernc.org/sqlite"

	"github.com/chpwatch/chpwatch/snapcache"
)

// DefaultMaxAge is how long a persisted entry survives without being
// refreshed before startup GC discards it.
const DefaultMaxAge = 24 * time.Hour

// openAttempts bounds how often Open retries schema creation against a
// locked database file.
const openAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS incident_snapshots (
	key         TEXT PRIMARY KEY,
	center      TEXT NOT NULL,
	payload     BLOB NOT NULL,
	received_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed persistence layer for cache entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite %q: %w", path, err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent puts.
	db.SetMaxOpenConns(1)
	// A previous instance shutting down may still hold the file lock,
	// so schema creation gets a few attempts before giving up.
	r := retry.New(50*time.Millisecond, time.Second)
	for attempts := 1; ; attempts++ {
		_, err = db.ExecContext(ctx, schema)
		if err == nil {
			break
		}
		if attempts >= openAttempts || !r.Wait(ctx) {
			_ = db.Close()
			return nil, xerrors.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(center string) string {
	return "incidents_" + center
}

// Put upserts the entry for its center.
func (s *Store) Put(ctx context.Context, entry snapcache.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Errorf("marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incident_snapshots (key, center, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			payload = excluded.payload,
			received_at = excluded.received_at
	`, key(entry.Center), entry.Center, payload, entry.ReceivedAt.UnixMilli())
	if err != nil {
		return xerrors.Errorf("upsert %q: %w", key(entry.Center), err)
	}
	return nil
}

// Delete removes the persisted entry for a center, if any.
func (s *Store) Delete(ctx context.Context, center string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM incident_snapshots WHERE key = ?`, key(center))
	if err != nil {
		return xerrors.Errorf("delete %q: %w", key(center), err)
	}
	return nil
}

// LoadAll returns every persisted entry.
func (s *Store) LoadAll(ctx context.Context) ([]snapcache.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM incident_snapshots ORDER BY center`)
	if err != nil {
		return nil, xerrors.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []snapcache.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Errorf("scan entry: %w", err)
		}
		var entry snapcache.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, xerrors.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// GC discards entries received before now-maxAge and returns how many
// were dropped. Run it at startup before LoadAll.
func (s *Store) GC(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM incident_snapshots WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, xerrors.Errorf("gc entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Errorf("gc rows affected: %w", err)
	}
	return n, nil
}
