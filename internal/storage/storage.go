// Package storage provides SQLite-backed persistence for quakescope.
// It keeps three kinds of data: cached earthquake batches fetched from the
// USGS, the timing summary of every analysis run, and the set of dangerous
// events that have already been announced.
//
// Batches are stored as snappy-compressed JSON blobs under versioned cache
// keys so a format change simply misses the old entries. Runs are rotated to
// a configured maximum to prevent unbounded growth.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/rewired-gh/quakescope/internal/models"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

var (
	// ErrCacheMiss is returned when no batch exists under a key.
	ErrCacheMiss = errors.New("cache miss")
	// ErrCacheExpired is returned together with the stale batch when it is older than the allowed age.
	ErrCacheExpired = errors.New("cached batch expired")
)

const memoryPath = ":memory:"

// Storage provides persistence on top of a single SQLite database
type Storage struct {
	db      *sql.DB
	maxRuns int
	now     func() time.Time
}

// Batch is a cached set of earthquake records
type Batch struct {
	Key     string
	Records []models.Earthquake
	SavedAt time.Time
}

// New opens (or creates) the database at dbPath and prepares the schema.
// dbPath may be ":memory:" for an ephemeral database.
func New(maxRuns int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "quakescope", "quakescope.db")
	}
	if dbPath != memoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One connection serialises writes and keeps a :memory: database shared.
	db.SetMaxOpenConns(1)

	s := &Storage{
		db:      db,
		maxRuns: maxRuns,
		now:     time.Now,
	}

	if err := s.initSchema(dbPath != memoryPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close releases the database
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initSchema(onDisk bool) error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if onDisk {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS batches (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			record_count INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			iterative_seconds REAL NOT NULL,
			recursive_seconds REAL,
			recursive_error TEXT NOT NULL DEFAULT '',
			dangerous_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
		CREATE INDEX IF NOT EXISTS idx_runs_size ON runs(size, created_at);

		CREATE TABLE IF NOT EXISTS notified (
			id TEXT PRIMARY KEY,
			notified_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CacheKey builds the versioned key a batch is stored under, e.g. all_20000_v9.
func CacheKey(scope string, size int, version string) string {
	return fmt.Sprintf("%s_%d_%s", scope, size, version)
}

// SaveBatch stores records under key, replacing any previous batch
func (s *Storage) SaveBatch(key string, records []models.Earthquake) error {
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("invalid record %q: %w", records[i].ID, err)
		}
	}

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO batches (key, payload, record_count, saved_at) VALUES (?, ?, ?, ?)`,
		key, payload, len(records), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", key, err)
	}
	return nil
}

// LoadBatch returns the batch stored under key. When the batch is older than
// maxAge it is still returned, together with ErrCacheExpired, so callers can
// fall back to it. A maxAge of zero disables expiry.
func (s *Storage) LoadBatch(key string, maxAge time.Duration) (*Batch, error) {
	var payload []byte
	var savedAt int64
	err := s.db.QueryRow(`SELECT payload, saved_at FROM batches WHERE key = ?`, key).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", key, err)
	}

	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch %s: %w", key, err)
	}

	batch := &Batch{Key: key, SavedAt: time.Unix(0, savedAt)}
	if err := json.Unmarshal(raw, &batch.Records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch %s: %w", key, err)
	}

	if maxAge > 0 && s.now().Sub(batch.SavedAt) > maxAge {
		return batch, ErrCacheExpired
	}
	return batch, nil
}

// CleanupBatches deletes batches saved more than olderThan ago and returns how many were removed
func (s *Storage) CleanupBatches(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec(`DELETE FROM batches WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up batches: %w", err)
	}
	return res.RowsAffected()
}

// AddRun persists an analysis run
func (s *Storage) AddRun(run models.AnalysisRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	var recursive sql.NullFloat64
	if run.RecursiveSeconds != nil {
		recursive = sql.NullFloat64{Float64: *run.RecursiveSeconds, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, size, iterative_seconds, recursive_seconds, recursive_error, dangerous_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Size, run.IterativeSeconds, recursive, run.RecursiveError, run.DangerousCount, run.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, size, iterative_seconds, recursive_seconds, recursive_error, dangerous_count, created_at`

// RecentRuns returns up to limit runs, newest first
func (s *Storage) RecentRuns(limit int) ([]models.AnalysisRun, error) {
	if limit <= 0 {
		return []models.AnalysisRun{}, nil
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return scanRuns(rows)
}

// RunsBySize returns the latest run for every distinct size, smallest size first
func (s *Storage) RunsBySize() ([]models.AnalysisRun, error) {
	rows, err := s.db.Query(`
		SELECT ` + runColumns + ` FROM runs r
		WHERE created_at = (SELECT MAX(created_at) FROM runs WHERE size = r.size)
		GROUP BY size
		ORDER BY size ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by size: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]models.AnalysisRun, error) {
	defer rows.Close()

	runs := make([]models.AnalysisRun, 0)
	for rows.Next() {
		var run models.AnalysisRun
		var recursive sql.NullFloat64
		var createdAt int64
		if err := rows.Scan(&run.ID, &run.Size, &run.IterativeSeconds, &recursive,
			&run.RecursiveError, &run.DangerousCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if recursive.Valid {
			secs := recursive.Float64
			run.RecursiveSeconds = &secs
		}
		run.CreatedAt = time.Unix(0, createdAt)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// RotateRuns keeps only the newest maxRuns runs and returns how many were removed
func (s *Storage) RotateRuns() (int64, error) {
	if s.maxRuns <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY created_at DESC LIMIT ?
		)`, s.maxRuns)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate runs: %w", err)
	}
	return res.RowsAffected()
}

// MarkNotified records that the given events have been announced
func (s *Storage) MarkNotified(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO notified (id, notified_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id, at.UnixNano()); err != nil {
			return fmt.Errorf("failed to mark %s notified: %w", id, err)
		}
	}
	return tx.Commit()
}

// notifiedChunk keeps IN lists well under SQLite's host parameter limit.
const notifiedChunk = 500

// FilterUnnotified returns the subset of ids not yet announced, preserving order
func (s *Storage) FilterUnnotified(ids []string) ([]string, error) {
	done := make(map[string]bool)
	for start := 0; start < len(ids); start += notifiedChunk {
		end := min(start+notifiedChunk, len(ids))
		if err := s.collectNotified(ids[start:end], done); err != nil {
			return nil, err
		}
	}

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

func (s *Storage) collectNotified(ids []string, done map[string]bool) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`SELECT id FROM notified WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to query notified events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan notified event: %w", err)
		}
		done[id] = true
	}
	return rows.Err()
}

// PruneNotified forgets announcements older than olderThan
func (s *Storage) PruneNotified(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec(`DELETE FROM notified WHERE notified_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notified events: %w", err)
	}
	return res.RowsAffected()
}
