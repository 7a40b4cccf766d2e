package pii

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string // "postgres" or "sqlite"
	Path         string // SQLite database file
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// RunRecord is the audit entry for one anonymization run. It holds counts
// and metadata only, never document text.
type RunRecord struct {
	ID            string    `json:"id"`
	Document      string    `json:"document"`
	Detector      string    `json:"detector"`
	Mode          string    `json:"placeholder_mode"`
	TokenCount    int       `json:"token_count"`
	RedactedCount int       `json:"redacted_count"`
	EntityMatches int       `json:"entity_matches"`
	CustomMatches int       `json:"custom_matches"`
	FuzzyMatches  int       `json:"fuzzy_matches"`
	RegexMatches  int       `json:"regex_matches"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

func newRunRecord(document string, r Result) RunRecord {
	return RunRecord{
		ID:            r.RunID,
		Document:      document,
		Detector:      r.Detector,
		Mode:          string(r.Mode),
		TokenCount:    r.TokenCount,
		RedactedCount: r.RedactedCount,
		EntityMatches: r.SourceCounts[SourceEntity.String()],
		CustomMatches: r.SourceCounts[SourceCustomWord.String()],
		FuzzyMatches:  r.SourceCounts[SourceFuzzy.String()],
		RegexMatches:  r.SourceCounts[SourceRegex.String()],
		DurationMS:    r.Duration.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
}

// RunStore defines the interface for audit storage
type RunStore interface {
	// RecordRun stores one run
	RecordRun(ctx context.Context, record RunRecord) error

	// ListRuns returns the most recent runs, newest first
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// CleanupOldRuns removes runs older than the given duration
	CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close closes the underlying connection
	Close() error
}

// NewRunStore opens the store for config.Driver.
func NewRunStore(ctx context.Context, config DatabaseConfig) (RunStore, error) {
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		return NewPostgresRunStore(ctx, config)
	case "sqlite", "":
		return NewSQLiteRunStore(ctx, config)
	case "memory":
		return NewInMemoryRunStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfiguration, config.Driver)
	}
}

// SQLRunStore implements RunStore on database/sql for PostgreSQL and SQLite.
type SQLRunStore struct {
	db       *sql.DB
	postgres bool
}

// NewPostgresRunStore creates a PostgreSQL audit store
func NewPostgresRunStore(ctx context.Context, config DatabaseConfig) (*SQLRunStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	return openSQLRunStore(ctx, db, true)
}

// NewSQLiteRunStore creates a SQLite audit store, creating parent directories
// as needed. An empty path defaults to "yaak-anon.db".
func NewSQLiteRunStore(ctx context.Context, config DatabaseConfig) (*SQLRunStore, error) {
	dbPath := config.Path
	if dbPath == "" {
		dbPath = "yaak-anon.db"
	}

	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)

	return openSQLRunStore(ctx, db, false)
}

func openSQLRunStore(ctx context.Context, db *sql.DB, postgres bool) (*SQLRunStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLRunStore{db: db, postgres: postgres}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// bind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLRunStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLRunStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS anonymization_runs (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL DEFAULT '',
			detector TEXT NOT NULL DEFAULT '',
			placeholder_mode TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			redacted_count INTEGER NOT NULL DEFAULT 0,
			entity_matches INTEGER NOT NULL DEFAULT 0,
			custom_matches INTEGER NOT NULL DEFAULT 0,
			fuzzy_matches INTEGER NOT NULL DEFAULT 0,
			regex_matches INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anonymization_runs_created_at ON anonymization_runs(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}
	return nil
}

// RecordRun stores one run
func (s *SQLRunStore) RecordRun(ctx context.Context, r RunRecord) error {
	query := s.bind(`
	INSERT INTO anonymization_runs (id, document, detector, placeholder_mode, token_count, redacted_count,
		entity_matches, custom_matches, fuzzy_matches, regex_matches, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query, r.ID, r.Document, r.Detector, r.Mode, r.TokenCount, r.RedactedCount,
		r.EntityMatches, r.CustomMatches, r.FuzzyMatches, r.RegexMatches, r.DurationMS, r.CreatedAt.UnixMilli())
	return err
}

// ListRuns returns the most recent runs, newest first
func (s *SQLRunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.bind(`
	SELECT id, document, detector, placeholder_mode, token_count, redacted_count,
		entity_matches, custom_matches, fuzzy_matches, regex_matches, duration_ms, created_at
	FROM anonymization_runs
	ORDER BY created_at DESC, id
	LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	runs := []RunRecord{}
	for rows.Next() {
		var r RunRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.Document, &r.Detector, &r.Mode, &r.TokenCount, &r.RedactedCount,
			&r.EntityMatches, &r.CustomMatches, &r.FuzzyMatches, &r.RegexMatches, &r.DurationMS, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CleanupOldRuns removes runs older than the given duration
func (s *SQLRunStore) CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM anonymization_runs WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (s *SQLRunStore) Close() error {
	return s.db.Close()
}

// InMemoryRunStore implements RunStore in process memory (fallback)
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs []RunRecord
}

// NewInMemoryRunStore creates a new in-memory audit store
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{}
}

// RecordRun stores one run
func (m *InMemoryRunStore) RecordRun(ctx context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

// ListRuns returns the most recent runs, newest first
func (m *InMemoryRunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	runs := make([]RunRecord, len(m.runs))
	copy(runs, m.runs)
	m.mu.RUnlock()

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CleanupOldRuns removes runs older than the given duration
func (m *InMemoryRunStore) CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.runs[:0]
	var removed int64
	for _, r := range m.runs {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return removed, nil
}

// Close is a no-op for in-memory storage
func (m *InMemoryRunStore) Close() error {
	return nil
}
