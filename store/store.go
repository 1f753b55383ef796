// Package store provides SQLite-backed persistence for callwall: allow and
// deny lists, the call log, complaint registry reports and the device
// session registry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/screening"
)

// ErrNoNumber is returned when a list write has no usable number.
var ErrNoNumber = errors.New("no number")

// Store provides access to the callwall SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Timestamps are stored as unix nanoseconds so range queries compare numbers.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS list_entries (
		number TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		soft INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS call_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		number TEXT NOT NULL,
		withheld INTEGER NOT NULL DEFAULT 0,
		action TEXT NOT NULL,
		risk REAL NOT NULL,
		confidence REAL NOT NULL,
		reasons TEXT,
		cached INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS registry_reports (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		source TEXT NOT NULL,
		note TEXT,
		reported_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		session_id TEXT PRIMARY KEY,
		authorized INTEGER NOT NULL,
		note TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_call_log_number_at ON call_log(number, at);
	CREATE INDEX IF NOT EXISTS idx_call_log_at ON call_log(at);
	CREATE INDEX IF NOT EXISTS idx_registry_reports_number ON registry_reports(number);
	`

	_, err := s.db.Exec(schema)
	return err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// --- List Operations ---

func (s *Store) putEntry(ctx context.Context, e screening.ListEntry) error {
	e.Number = cache.NormalizeNumber(e.Number)
	if e.Number == "" {
		return ErrNoNumber
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO list_entries (number, kind, soft, expires_at, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET kind = excluded.kind, soft = excluded.soft,
			expires_at = excluded.expires_at, reason = excluded.reason, created_at = excluded.created_at`,
		e.Number, string(e.Kind), e.Soft, unixNano(e.ExpiresAt), e.Reason, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert list entry: %w", err)
	}
	return nil
}

// Allow permanently allows number.
func (s *Store) Allow(ctx context.Context, number, reason string) error {
	return s.putEntry(ctx, screening.ListEntry{Number: number, Kind: screening.ListAllow, Reason: reason})
}

// AllowUntil allows number until the given time.
func (s *Store) AllowUntil(ctx context.Context, number string, until time.Time) error {
	return s.putEntry(ctx, screening.ListEntry{Number: number, Kind: screening.ListAllow, ExpiresAt: until, Reason: "challenge passed"})
}

// Deny blocks number. A soft deny challenges instead.
func (s *Store) Deny(ctx context.Context, number string, soft bool, reason string) error {
	return s.putEntry(ctx, screening.ListEntry{Number: number, Kind: screening.ListDeny, Soft: soft, Reason: reason})
}

// Remove deletes the entry for number. Removing an unlisted number is not an error.
func (s *Store) Remove(ctx context.Context, number string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM list_entries WHERE number = ?`, cache.NormalizeNumber(number))
	if err != nil {
		return fmt.Errorf("delete list entry: %w", err)
	}
	return nil
}

// Lookup implements screening.Lists.
func (s *Store) Lookup(ctx context.Context, number string, now time.Time) (screening.ListEntry, bool, error) {
	var e screening.ListEntry
	var kind string
	var reason sql.NullString
	var expires, created int64

	err := s.db.QueryRowContext(ctx,
		`SELECT number, kind, soft, expires_at, reason, created_at FROM list_entries WHERE number = ?`,
		cache.NormalizeNumber(number),
	).Scan(&e.Number, &kind, &e.Soft, &expires, &reason, &created)
	if err == sql.ErrNoRows {
		return screening.ListEntry{}, false, nil
	}
	if err != nil {
		return screening.ListEntry{}, false, fmt.Errorf("query list entry: %w", err)
	}
	e.Kind = screening.ListKind(kind)
	e.Reason = reason.String
	e.ExpiresAt = fromUnixNano(expires)
	e.CreatedAt = fromUnixNano(created)
	if !e.Active(now) {
		return screening.ListEntry{}, false, nil
	}
	return e, true, nil
}

// Entries returns every list entry, expired temporary allows included,
// ordered by number.
func (s *Store) Entries(ctx context.Context) ([]screening.ListEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, kind, soft, expires_at, reason, created_at FROM list_entries ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query list entries: %w", err)
	}
	defer rows.Close()

	var entries []screening.ListEntry
	for rows.Next() {
		var e screening.ListEntry
		var kind string
		var reason sql.NullString
		var expires, created int64
		if err := rows.Scan(&e.Number, &kind, &e.Soft, &expires, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan list entry: %w", err)
		}
		e.Kind = screening.ListKind(kind)
		e.Reason = reason.String
		e.ExpiresAt = fromUnixNano(expires)
		e.CreatedAt = fromUnixNano(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeExpired deletes temporary allows that lapsed before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM list_entries WHERE expires_at != 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge list entries: %w", err)
	}
	return res.RowsAffected()
}

// --- Call Log Operations ---

// CallRecord is one screened call.
type CallRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Number     string    `json:"number"`
	Withheld   bool      `json:"withheld"`
	Action     string    `json:"action"`
	RiskScore  float64   `json:"risk_score"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons,omitempty"`
	Cached     bool      `json:"cached"`
	At         time.Time `json:"at"`
}

// LogCall appends a call to the log, filling ID and At when empty.
func (s *Store) LogCall(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_log (id, session_id, number, withheld, action, risk, confidence, reasons, cached, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, cache.NormalizeNumber(rec.Number), rec.Withheld, rec.Action,
		rec.RiskScore, rec.Confidence, string(reasons), rec.Cached, rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// RecentCalls returns up to limit calls, newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, number, withheld, action, risk, confidence, reasons, cached, at
		FROM call_log ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var calls []CallRecord
	for rows.Next() {
		var rec CallRecord
		var reasons sql.NullString
		var at int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Number, &rec.Withheld, &rec.Action,
			&rec.RiskScore, &rec.Confidence, &reasons, &rec.Cached, &at); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if reasons.Valid && reasons.String != "" {
			if err := json.Unmarshal([]byte(reasons.String), &rec.Reasons); err != nil {
				return nil, fmt.Errorf("unmarshal reasons: %w", err)
			}
		}
		rec.At = fromUnixNano(at)
		calls = append(calls, rec)
	}
	return calls, rows.Err()
}

// CallCount counts calls from number at or after since.
func (s *Store) CallCount(ctx context.Context, number string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_log WHERE number = ? AND at >= ?`,
		cache.NormalizeNumber(number), since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// --- Registry Operations ---

// Report is a complaint filed against a number.
type Report struct {
	ID         string
	Number     string
	Source     string
	Note       string
	ReportedAt time.Time
}

// AddReport records a complaint against number.
func (s *Store) AddReport(ctx context.Context, number, source, note string) (*Report, error) {
	r := &Report{
		ID:         uuid.New().String(),
		Number:     cache.NormalizeNumber(number),
		Source:     source,
		Note:       note,
		ReportedAt: s.now().UTC(),
	}
	if r.Number == "" {
		return nil, ErrNoNumber
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registry_reports (id, number, source, note, reported_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Number, r.Source, r.Note, r.ReportedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// ReportCount counts the complaints filed against number.
func (s *Store) ReportCount(ctx context.Context, number string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registry_reports WHERE number = ?`, cache.NormalizeNumber(number),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

// --- Device Operations ---

// Device is a registered modem session.
type Device struct {
	SessionID  string
	Authorized bool
	Note       string
	UpdatedAt  time.Time
}

// Authorize registers sessionID as authorized or revoked.
func (s *Store) Authorize(ctx context.Context, sessionID string, authorized bool, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (session_id, authorized, note, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET authorized = excluded.authorized, note = excluded.note, updated_at = excluded.updated_at`,
		sessionID, authorized, note, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// IsSessionAuthorized reports whether calls on sessionID may be screened.
// The registry only records exceptions: unknown sessions are authorized.
func (s *Store) IsSessionAuthorized(ctx context.Context, sessionID string) (bool, error) {
	var authorized bool
	err := s.db.QueryRowContext(ctx,
		`SELECT authorized FROM devices WHERE session_id = ?`, sessionID,
	).Scan(&authorized)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query device: %w", err)
	}
	return authorized, nil
}

// Devices returns every registered session ordered by ID.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, authorized, note, updated_at FROM devices ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var note sql.NullString
		var updated int64
		if err := rows.Scan(&d.SessionID, &d.Authorized, &note, &updated); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Note = note.String
		d.UpdatedAt = fromUnixNano(updated)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
