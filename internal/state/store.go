// Package state manages the SQLite database that makes calendar syncs
// incremental: one change token per (account, calendar) pair and one mapping
// row per mirrored event.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id   TEXT NOT NULL,
    calendar_id  TEXT NOT NULL,
    change_token TEXT,
    last_sync    TEXT NOT NULL DEFAULT '',
    UNIQUE (account_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS event_mappings (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id       TEXT NOT NULL,
    calendar_id      TEXT NOT NULL,
    foreign_event_id TEXT NOT NULL,
    local_event_id   TEXT NOT NULL,
    content_hash     TEXT NOT NULL DEFAULT '',
    last_modified    TEXT NOT NULL DEFAULT '',
    UNIQUE (account_id, calendar_id, foreign_event_id)
);

CREATE INDEX IF NOT EXISTS idx_mappings_local ON event_mappings (account_id, calendar_id, local_event_id);
`

// SyncState is the per-calendar sync bookkeeping row.
type SyncState struct {
	AccountID  string
	CalendarID string
	// ChangeToken is empty when the next fetch must be a full windowed one.
	ChangeToken string
	LastSync    time.Time
}

// EventMapping joins a cloud event to its local copy. The triple
// (AccountID, CalendarID, ForeignEventID) is unique.
type EventMapping struct {
	AccountID      string
	CalendarID     string
	ForeignEventID string
	LocalEventID   string
	ContentHash    string
	// LastModified is the cloud event's modification time when the pair was
	// last written.
	LastModified time.Time
}

// CalendarRef identifies one registered sync pair.
type CalendarRef struct {
	AccountID  string
	CalendarID string
}

// Store is the SQLite-backed state repository. Every method holds mu for its
// full duration, so callers on different goroutines observe operations one
// at a time.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/calrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- sync state --------------------------------------------------------------

// RegisterCalendar records a newly selected calendar with no change token.
// An existing row is left untouched.
func (s *Store) RegisterCalendar(ctx context.Context, accountID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO sync_state (account_id, calendar_id, change_token, last_sync)
		VALUES (?, ?, NULL, '')
		ON CONFLICT(account_id, calendar_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, accountID, calendarID); err != nil {
		return fmt.Errorf("registering calendar %s/%s: %w", accountID, calendarID, err)
	}
	return nil
}

// GetChangeToken returns the stored token, or "" when none is stored.
func (s *Store) GetChangeToken(ctx context.Context, accountID, calendarID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT change_token FROM sync_state WHERE account_id = ? AND calendar_id = ?`
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, q, accountID, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading change token for %s/%s: %w", accountID, calendarID, err)
	}
	return token.String, nil
}

// SaveChangeToken stores token (last write wins) and stamps the sync time.
// An empty token is stored as NULL and forces a full fetch next run.
func (s *Store) SaveChangeToken(ctx context.Context, accountID, calendarID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO sync_state (account_id, calendar_id, change_token, last_sync)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
		    change_token = excluded.change_token,
		    last_sync    = excluded.last_sync`

	var tok sql.NullString
	if token != "" {
		tok = sql.NullString{String: token, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, q, accountID, calendarID, tok, formatTime(time.Now())); err != nil {
		return fmt.Errorf("saving change token for %s/%s: %w", accountID, calendarID, err)
	}
	return nil
}

// GetSyncState returns the row for a pair, or (nil, nil) if it is not registered.
func (s *Store) GetSyncState(ctx context.Context, accountID, calendarID string) (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		SELECT account_id, calendar_id, change_token, last_sync
		FROM sync_state WHERE account_id = ? AND calendar_id = ?`
	return scanSyncState(s.db.QueryRowContext(ctx, q, accountID, calendarID))
}

// ListSyncStates returns every registered pair in registration order.
func (s *Store) ListSyncStates(ctx context.Context) ([]*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT account_id, calendar_id, change_token, last_sync FROM sync_state ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ListAccounts returns the distinct account IDs with at least one registered
// calendar, in first-registration order.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT account_id FROM sync_state GROUP BY account_id ORDER BY MIN(id)`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

// ListCalendars returns every registered pair in registration order.
func (s *Store) ListCalendars(ctx context.Context) ([]CalendarRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT account_id, calendar_id FROM sync_state ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []CalendarRef
	for rows.Next() {
		var ref CalendarRef
		if err := rows.Scan(&ref.AccountID, &ref.CalendarID); err != nil {
			return nil, fmt.Errorf("scanning calendar row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// RemoveCalendar deletes one pair's sync state and mappings.
func (s *Store) RemoveCalendar(ctx context.Context, accountID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_mappings WHERE account_id = ? AND calendar_id = ?`, accountID, calendarID); err != nil {
			return fmt.Errorf("deleting mappings for %s/%s: %w", accountID, calendarID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_state WHERE account_id = ? AND calendar_id = ?`, accountID, calendarID); err != nil {
			return fmt.Errorf("deleting sync state for %s/%s: %w", accountID, calendarID, err)
		}
		return nil
	})
}

// RemoveAccount deletes all sync state and mappings of an account.
func (s *Store) RemoveAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("deleting mappings for %s: %w", accountID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("deleting sync state for %s: %w", accountID, err)
		}
		return nil
	})
}

// --- event mappings ----------------------------------------------------------

// GetMapping returns the mapping for a cloud event, or (nil, nil) if none exists.
func (s *Store) GetMapping(ctx context.Context, accountID, calendarID, foreignEventID string) (*EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		SELECT account_id, calendar_id, foreign_event_id, local_event_id, content_hash, last_modified
		FROM event_mappings
		WHERE account_id = ? AND calendar_id = ? AND foreign_event_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, accountID, calendarID, foreignEventID))
}

// SaveMapping inserts or replaces the mapping keyed by its triple.
func (s *Store) SaveMapping(ctx context.Context, m *EventMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO event_mappings
		    (account_id, calendar_id, foreign_event_id, local_event_id, content_hash, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id, foreign_event_id) DO UPDATE SET
		    local_event_id = excluded.local_event_id,
		    content_hash   = excluded.content_hash,
		    last_modified  = excluded.last_modified`

	_, err := s.db.ExecContext(ctx, q,
		m.AccountID,
		m.CalendarID,
		m.ForeignEventID,
		m.LocalEventID,
		m.ContentHash,
		formatTime(m.LastModified),
	)
	if err != nil {
		return fmt.Errorf("saving mapping for %q: %w", m.ForeignEventID, err)
	}
	return nil
}

// ListMappings returns all mappings of one pair.
func (s *Store) ListMappings(ctx context.Context, accountID, calendarID string) ([]*EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		SELECT account_id, calendar_id, foreign_event_id, local_event_id, content_hash, last_modified
		FROM event_mappings
		WHERE account_id = ? AND calendar_id = ?
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, accountID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings for %s/%s: %w", accountID, calendarID, err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// DeleteMapping removes the mapping for a cloud event. Missing rows are not an error.
func (s *Store) DeleteMapping(ctx context.Context, accountID, calendarID, foreignEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `DELETE FROM event_mappings WHERE account_id = ? AND calendar_id = ? AND foreign_event_id = ?`
	if _, err := s.db.ExecContext(ctx, q, accountID, calendarID, foreignEventID); err != nil {
		return fmt.Errorf("deleting mapping for %q: %w", foreignEventID, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// inTx runs fn inside a transaction. Callers must hold s.mu.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSyncState(s scanner) (*SyncState, error) {
	var st SyncState
	var token sql.NullString
	var lastSync string

	err := s.Scan(&st.AccountID, &st.CalendarID, &token, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync state row: %w", err)
	}
	st.ChangeToken = token.String
	st.LastSync, _ = parseTime(lastSync)
	return &st, nil
}

func scanMapping(s scanner) (*EventMapping, error) {
	var m EventMapping
	var lastMod string

	err := s.Scan(&m.AccountID, &m.CalendarID, &m.ForeignEventID, &m.LocalEventID, &m.ContentHash, &lastMod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping row: %w", err)
	}
	m.LastModified, _ = parseTime(lastMod)
	return &m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
