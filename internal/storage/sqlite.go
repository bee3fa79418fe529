package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding session material, the notes cache and
// the transcription history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "notebuddy.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Key/value ---

// PutValues writes all pairs in one transaction.
func (s *Store) PutValues(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning put transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if _, err := tx.Exec(`
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("writing %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// GetValue returns the value stored under key, or ErrNotFound.
func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// DeleteValues removes all keys in one transaction. Missing keys are ignored.
func (s *Store) DeleteValues(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec("DELETE FROM kv WHERE key = ?", k); err != nil {
			return fmt.Errorf("deleting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// --- Notes cache ---

// ReplaceNotes swaps the cached notes of owner for notes.
func (s *Store) ReplaceNotes(owner string, notes []Note) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning notes transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM notes WHERE owner = ?", owner); err != nil {
		return fmt.Errorf("clearing notes: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, n := range notes {
		if _, err := tx.Exec(`
			INSERT INTO notes (id, owner, position, title, content, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, owner, i, n.Title, n.Content, now,
		); err != nil {
			return fmt.Errorf("caching note %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// ListNotes returns the cached notes of owner in backend order.
func (s *Store) ListNotes(owner string) ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, fetched_at FROM notes
		WHERE owner = ? ORDER BY position ASC`, owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Note
	for rows.Next() {
		var n Note
		var fetchedAt string
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &fetchedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		n.FetchedAt = t
		results = append(results, n)
	}
	return results, rows.Err()
}

// DeleteNote drops one cached note. Returns ErrNotFound if it was not cached.
func (s *Store) DeleteNote(owner, id string) error {
	res, err := s.db.Exec("DELETE FROM notes WHERE owner = ? AND id = ?", owner, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Transcriptions ---

// SaveTranscription inserts or updates a transcription record.
func (s *Store) SaveTranscription(t Transcription) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO transcriptions (id, status, transcript, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			transcript = excluded.transcript,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		t.ID, t.Status, t.Transcript, t.Attempts, t.LastError,
		t.CreatedAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// GetTranscription returns one transcription record.
func (s *Store) GetTranscription(id string) (Transcription, error) {
	var t Transcription
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, status, transcript, attempts, last_error, created_at, updated_at
		FROM transcriptions WHERE id = ?`, id,
	).Scan(&t.ID, &t.Status, &t.Transcript, &t.Attempts, &t.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Transcription{}, ErrNotFound
	}
	if err != nil {
		return Transcription{}, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Transcription{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Transcription{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

// RecentTranscriptions returns the newest records first.
func (s *Store) RecentTranscriptions(limit int) ([]Transcription, error) {
	rows, err := s.db.Query(`
		SELECT id, status, transcript, attempts, last_error, created_at, updated_at
		FROM transcriptions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Transcription
	for rows.Next() {
		var t Transcription
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.Status, &t.Transcript, &t.Attempts, &t.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}
