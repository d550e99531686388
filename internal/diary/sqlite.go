package diary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. Parent
// directories are created as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating diary directory %s: %w", dir, err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// AddEntry appends a diary entry under the given date.
func (s *SQLiteStore) AddEntry(ctx context.Context, date, text string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid diary date %q: %w", date, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty diary entry for %s", date)
	}

	const query = `
		INSERT INTO diary_entries (id, entry_date, body, created_at)
		VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, uuid.NewString(), date, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting diary entry: %w", err)
	}
	return nil
}

// EntriesBetween returns all entries within the inclusive date range.
func (s *SQLiteStore) EntriesBetween(ctx context.Context, start, end string) ([]Entry, error) {
	const query = `
		SELECT id, entry_date, body, created_at
		FROM diary_entries
		WHERE entry_date >= ? AND entry_date <= ?
		ORDER BY entry_date ASC, created_at ASC`

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, start, end); err != nil {
		return nil, fmt.Errorf("querying diary entries %s..%s: %w", start, end, err)
	}
	return entries, nil
}

// GenerateReport assembles the stored entries of the range into a
// plain-text weekly report.
func (s *SQLiteStore) GenerateReport(ctx context.Context, start, end string) (string, error) {
	entries, err := s.EntriesBetween(ctx, start, end)
	if err != nil {
		return "", err
	}
	return buildReport(start, end, entries), nil
}
