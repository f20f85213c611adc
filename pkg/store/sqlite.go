// Package store persists conversion records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// Record is the persisted outcome of converting one saved query. QueryID is
// opaque to the store.
type Record struct {
	QueryID      string
	OriginalSQL  string
	ConvertedSQL string
	Report       *rewrite.ConversionReport
	// Usable marks the converted text as safe to deploy. A record whose
	// report failed can never be usable.
	Usable    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config holds SQLite settings.
type Config struct {
	// Path to the database file. ":memory:" keeps everything in memory.
	Path string

	MaxOpenConns int
	MaxIdleConns int

	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // OFF, NORMAL, FULL, EXTRA
	CacheSize   int    // pages, negative = KB
	BusyTimeout int    // milliseconds
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		JournalMode:  "WAL",
		Synchronous:  "NORMAL",
		CacheSize:    -2000,
		BusyTimeout:  5000,
	}
}

// DSN builds the go-sqlite3 connection string.
func (c Config) DSN() string {
	var opts []string
	if c.CacheSize != 0 {
		opts = append(opts, fmt.Sprintf("_cache_size=%d", c.CacheSize))
	}
	if c.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		opts = append(opts, "_journal_mode="+c.JournalMode)
	}
	if c.Synchronous != "" {
		opts = append(opts, "_synchronous="+c.Synchronous)
	}
	opts = append(opts, "_foreign_keys=ON")
	return c.Path + "?" + strings.Join(opts, "&")
}

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	query_id      TEXT PRIMARY KEY,
	original_sql  TEXT NOT NULL,
	converted_sql TEXT NOT NULL,
	report        TEXT NOT NULL,
	success       INTEGER NOT NULL,
	usable        INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS conversions_success ON conversions(success);
`

// SQLiteStore stores conversion records.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *log.Logger
}

// Open opens (creating if needed) a record store.
func Open(cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageConnect, "open record store").
			WithField("path", cfg.Path).Err()
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageConnect, "ping record store").
			WithField("path", cfg.Path).Err()
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageExec, "create record schema").Err()
	}
	return &SQLiteStore{db: db, path: cfg.Path, now: time.Now, logger: log.Default()}, nil
}

// OpenInMemory opens a store that lives as long as the process.
func OpenInMemory() (*SQLiteStore, error) {
	return Open(DefaultConfig())
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetLogger sets where usable-record changes are audited. nil restores the
// default logger.
func (s *SQLiteStore) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.Default()
	}
	s.logger = l
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Save inserts or replaces a record. CreatedAt is kept from the first save.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.QueryID == "" {
		return shifterrors.New(shifterrors.ErrCodeStorageExec, "record has no query id").Err()
	}
	if rec.Report == nil {
		rec.Report = rewrite.NewReport()
	}
	if rec.Usable && !rec.Report.Success {
		s.logger.Audit().ForQuery(rec.QueryID).Warn("usable save refused", "path", s.path)
		return refuseUsable(rec.QueryID, rec.Report)
	}

	report, err := json.Marshal(rec.Report)
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeInternal, "encode report").Err()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversions (query_id, original_sql, converted_sql, report, success, usable, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(query_id) DO UPDATE SET
	original_sql = excluded.original_sql,
	converted_sql = excluded.converted_sql,
	report = excluded.report,
	success = excluded.success,
	usable = excluded.usable,
	updated_at = excluded.updated_at`,
		rec.QueryID, rec.OriginalSQL, rec.ConvertedSQL, string(report),
		rec.Report.Success, rec.Usable,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeStorageExec, "save record").
			WithField("query_id", rec.QueryID).Err()
	}
	if rec.Usable {
		s.logger.Audit().ForQuery(rec.QueryID).Info("record saved as usable", "path", s.path)
	}
	return nil
}

const selectColumns = `SELECT query_id, original_sql, converted_sql, report, usable, created_at, updated_at FROM conversions`

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, queryID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE query_id = ?`, queryID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shifterrors.NotFound("record", queryID).Err()
	}
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageQuery, "load record").
			WithField("query_id", queryID).Err()
	}
	return rec, nil
}

// Filter selects records for List.
type Filter struct {
	// Failed selects only records whose conversion failed.
	Failed bool
	// Usable selects only records marked usable.
	Usable bool
	Limit  int
}

// List returns records ordered by query id.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	query := selectColumns
	var where []string
	if f.Failed {
		where = append(where, "success = 0")
	}
	if f.Usable {
		where = append(where, "usable = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY query_id"
	var args []interface{}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageQuery, "list records").Err()
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageQuery, "scan record").Err()
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeStorageQuery, "list records").Err()
	}
	return out, nil
}

// MarkUsable flags a stored record as deployable. Records whose conversion
// lost placeholders are refused.
func (s *SQLiteStore) MarkUsable(ctx context.Context, queryID string) error {
	rec, err := s.Get(ctx, queryID)
	if err != nil {
		return err
	}
	if !rec.Report.Success {
		s.logger.Audit().ForQuery(queryID).Warn("mark usable refused", "path", s.path)
		return refuseUsable(queryID, rec.Report)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversions SET usable = 1, updated_at = ? WHERE query_id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), queryID)
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeStorageExec, "mark record usable").
			WithField("query_id", queryID).Err()
	}
	s.logger.Audit().ForQuery(queryID).Info("record marked usable", "path", s.path)
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, queryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversions WHERE query_id = ?`, queryID); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeStorageExec, "delete record").
			WithField("query_id", queryID).Err()
	}
	return nil
}

// Stats summarizes the store.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	Usable    int
}

// Stats counts records by outcome.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(success), 0),
       COALESCE(SUM(1 - success), 0),
       COALESCE(SUM(usable), 0)
FROM conversions`).Scan(&st.Total, &st.Succeeded, &st.Failed, &st.Usable)
	if err != nil {
		return Stats{}, shifterrors.Wrap(err, shifterrors.ErrCodeStorageQuery, "count records").Err()
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec              Record
		report           string
		created, updated string
	)
	if err := row.Scan(&rec.QueryID, &rec.OriginalSQL, &rec.ConvertedSQL, &report, &rec.Usable, &created, &updated); err != nil {
		return nil, err
	}
	rec.Report = rewrite.NewReport()
	if err := json.Unmarshal([]byte(report), rec.Report); err != nil {
		return nil, err
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, err
	}
	return &rec, nil
}

func refuseUsable(queryID string, report *rewrite.ConversionReport) error {
	var missing []string
	for _, f := range report.Findings {
		if f.Kind == rewrite.PlaceholderLoss {
			missing = append(missing, f.Subject)
		}
	}
	return shifterrors.PlaceholderLoss(queryID, missing).
		WithOp("mark usable").Err()
}
