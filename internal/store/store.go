// Package store persists recordings in an embedded SQLite database.
//
// The store is the local record collection the sync engine reconciles
// against: one integer-keyed, auto-incrementing table of recordings. It runs
// in WAL mode so the daemon and one-off CLI commands can share the file.
//
// Writes notify subscribers (see Subscribe) after they commit, which is how
// the scheduler learns that the record set changed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

var (
	// ErrNotFound is returned when a recording id does not exist.
	ErrNotFound = errors.New("recording not found")

	// ErrClaimed is returned by ClaimUpload while another process holds
	// the recording's upload claim.
	ErrClaimed = errors.New("recording is being uploaded by another process")
)

// UploadClaimTTL bounds how long an upload claim blocks passes. A claim left
// by a crashed process expires after it.
const UploadClaimTTL = 15 * time.Minute

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite connection holding the recordings table.
type Store struct {
	conn *sql.DB
	path string

	now func() time.Time

	mu        sync.Mutex
	listeners []func()
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// per-connection pragmas go in the DSN so every pooled connection has them
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, now: time.Now}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the recordings table if it does not exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema, honoring ctx.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			bst_category TEXT,
			data BLOB,
			mime_type TEXT,
			duration REAL NOT NULL DEFAULT 0,
			freesound_id INTEGER,
			sync_status TEXT,
			sync_error TEXT,
			last_synced_at TEXT,
			moderation_status TEXT,
			pending_edit INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_freesound_id
			ON recordings(freesound_id) WHERE freesound_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_sync_status ON recordings(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at)`,
		`CREATE TABLE IF NOT EXISTS upload_claims (
			recording_id INTEGER PRIMARY KEY REFERENCES recordings(id) ON DELETE CASCADE,
			claimed_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Subscribe registers fn to be called after every committed write.
// Listeners run synchronously on the writing goroutine and must not block.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

const recordingColumns = `id, name, description, bst_category, data, mime_type, duration,
	freesound_id, sync_status, sync_error, last_synced_at, moderation_status,
	pending_edit, created_at`

// Filter narrows ListRecordingsFiltered.
type Filter struct {
	Since      time.Time            // created at or after (zero = no bound)
	SyncStatus recording.SyncStatus // exact match (empty = any)
	SkipData   bool                 // do not load audio payloads
	Limit      int                  // 0 = unlimited
}

// ListRecordings returns every recording, oldest first.
func (s *Store) ListRecordings(ctx context.Context) ([]*recording.Recording, error) {
	return s.ListRecordingsFiltered(ctx, Filter{})
}

// ListRecordingsFiltered returns recordings matching f, oldest first.
func (s *Store) ListRecordingsFiltered(ctx context.Context, f Filter) ([]*recording.Recording, error) {
	cols := recordingColumns
	if f.SkipData {
		cols = strings.Replace(cols, "data,", "NULL AS data,", 1)
	}

	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if f.SyncStatus != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(f.SyncStatus))
	}

	query := "SELECT " + cols + " FROM recordings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []*recording.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recordings: %w", err)
	}
	return out, nil
}

// GetRecording returns one recording or ErrNotFound.
func (s *Store) GetRecording(ctx context.Context, id int64) (*recording.Recording, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT "+recordingColumns+" FROM recordings WHERE id = ?", id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AddRecording inserts r and returns the assigned id. r.ID is ignored.
func (s *Store) AddRecording(ctx context.Context, r *recording.Recording) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("invalid recording: %w", err)
	}

	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO recordings (
			name, description, bst_category, data, mime_type, duration,
			freesound_id, sync_status, sync_error, last_synced_at, moderation_status,
			pending_edit, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name,
		r.Description,
		nullString(r.BSTCategory),
		r.Data,
		nullString(r.MimeType),
		r.Duration,
		nullInt(r.FreesoundID),
		nullString(string(r.SyncStatus)),
		nullString(r.SyncError),
		timeToNullString(r.LastSyncedAt),
		nullString(string(r.ModerationStatus)),
		r.PendingEdit,
		created.UTC().Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read recording id: %w", err)
	}

	s.notify()
	return id, nil
}

// UpdateRecording writes the set and cleared fields of p. An empty patch is
// a no-op.
func (s *Store) UpdateRecording(ctx context.Context, id int64, p recording.Patch) error {
	if p.IsEmpty() {
		return nil
	}

	u := &updater{}
	addField(u, "name", p.Name, func(v string) any { return v })
	addField(u, "description", p.Description, func(v string) any { return v })
	addField(u, "bst_category", p.BSTCategory, func(v string) any { return nullString(v) })
	addField(u, "freesound_id", p.FreesoundID, func(v int64) any { return nullInt(v) })
	addField(u, "sync_status", p.SyncStatus, func(v recording.SyncStatus) any { return nullString(string(v)) })
	addField(u, "sync_error", p.SyncError, func(v string) any { return nullString(v) })
	addField(u, "last_synced_at", p.LastSyncedAt, func(v time.Time) any {
		if v.IsZero() {
			return nil
		}
		return v.UTC().Format(timeLayout)
	})
	addField(u, "moderation_status", p.ModerationStatus, func(v recording.ModerationStatus) any {
		return nullString(string(v))
	})
	addField(u, "pending_edit", p.PendingEdit, func(v bool) any { return v })

	if p.SyncStatus.IsSet() && !p.SyncStatus.Value().Valid() {
		return fmt.Errorf("unknown sync status %q", p.SyncStatus.Value())
	}
	if p.ModerationStatus.IsSet() && !p.ModerationStatus.Value().Valid() {
		return fmt.Errorf("unknown moderation status %q", p.ModerationStatus.Value())
	}

	u.sets = append(u.sets, "updated_at = ?")
	u.args = append(u.args, time.Now().UTC().Format(timeLayout), id)

	query := "UPDATE recordings SET " + strings.Join(u.sets, ", ") + " WHERE id = ?"
	res, err := s.conn.ExecContext(ctx, query, u.args...)
	if err != nil {
		return fmt.Errorf("failed to update recording %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update recording %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	s.notify()
	return nil
}

// DeleteRecording removes a recording. Deleting a missing id is not an error.
func (s *Store) DeleteRecording(ctx context.Context, id int64) error {
	if err := s.ReleaseUpload(ctx, id); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, "DELETE FROM recordings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete recording %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

// ClaimUpload takes the upload claim on id for this process. It fails with
// ErrClaimed while another unexpired claim exists.
func (s *Store) ClaimUpload(ctx context.Context, id int64) error {
	var exists int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM recordings WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to claim recording %d: %w", id, err)
	}

	now := s.now().UTC()
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO upload_claims (recording_id, claimed_at) VALUES (?, ?)
		ON CONFLICT(recording_id) DO UPDATE SET claimed_at = excluded.claimed_at
		WHERE upload_claims.claimed_at < ?`,
		id, now.Format(timeLayout), now.Add(-UploadClaimTTL).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to claim recording %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrClaimed, id)
	}
	return nil
}

// ReleaseUpload drops the upload claim on id. Releasing an unclaimed id is
// not an error.
func (s *Store) ReleaseUpload(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM upload_claims WHERE recording_id = ?", id); err != nil {
		return fmt.Errorf("failed to release recording %d: %w", id, err)
	}
	return nil
}

// UploadClaimed reports whether id has an unexpired upload claim.
func (s *Store) UploadClaimed(ctx context.Context, id int64) (bool, error) {
	cutoff := s.now().UTC().Add(-UploadClaimTTL).Format(timeLayout)
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM upload_claims WHERE recording_id = ? AND claimed_at >= ?", id, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check upload claim on recording %d: %w", id, err)
	}
	return n > 0, nil
}

// StatusCounts tallies recordings by sync and moderation status. Records
// with no status are counted under the empty key.
type StatusCounts struct {
	Total        int
	Sync         map[recording.SyncStatus]int
	Moderation   map[recording.ModerationStatus]int
	PendingEdits int
}

// CountByStatus returns the current StatusCounts.
func (s *Store) CountByStatus(ctx context.Context) (*StatusCounts, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT COALESCE(sync_status, ''), COALESCE(moderation_status, ''), pending_edit, COUNT(*)
		FROM recordings
		GROUP BY 1, 2, 3`)
	if err != nil {
		return nil, fmt.Errorf("failed to count recordings: %w", err)
	}
	defer rows.Close()

	counts := &StatusCounts{
		Sync:       make(map[recording.SyncStatus]int),
		Moderation: make(map[recording.ModerationStatus]int),
	}
	for rows.Next() {
		var (
			syncStatus, modStatus string
			pendingEdit           bool
			n                     int
		)
		if err := rows.Scan(&syncStatus, &modStatus, &pendingEdit, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts: %w", err)
		}
		counts.Total += n
		counts.Sync[recording.SyncStatus(syncStatus)] += n
		counts.Moderation[recording.ModerationStatus(modStatus)] += n
		if pendingEdit {
			counts.PendingEdits += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

type updater struct {
	sets []string
	args []any
}

func addField[T any](u *updater, col string, f recording.Field[T], conv func(T) any) {
	switch {
	case f.IsSet():
		u.sets = append(u.sets, col+" = ?")
		u.args = append(u.args, conv(f.Value()))
	case f.IsCleared():
		var zero T
		u.sets = append(u.sets, col+" = ?")
		u.args = append(u.args, conv(zero))
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*recording.Recording, error) {
	var (
		r                                         recording.Recording
		bstCategory, mimeType, syncStatus         sql.NullString
		syncError, lastSyncedAt, moderationStatus sql.NullString
		freesoundID                               sql.NullInt64
		createdAt                                 string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &bstCategory, &r.Data, &mimeType, &r.Duration,
		&freesoundID, &syncStatus, &syncError, &lastSyncedAt, &moderationStatus,
		&r.PendingEdit, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan recording: %w", err)
	}

	r.BSTCategory = bstCategory.String
	r.MimeType = mimeType.String
	r.FreesoundID = freesoundID.Int64
	r.SyncStatus = recording.SyncStatus(syncStatus.String)
	r.SyncError = syncError.String
	r.LastSyncedAt = nullStringToTime(lastSyncedAt)
	r.ModerationStatus = recording.ModerationStatus(moderationStatus.String)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
