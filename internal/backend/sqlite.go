package backend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - rows and row_index tables
// 1 - lookup index on row_index(tbl, idx, v)
const currentSchemaVersion = 1

// SQLite is the atomic backend. Every Apply runs in one transaction, so a
// generation's rows and its watermark either all land or none do.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with:
//   - WAL mode so reads do not block the flusher
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement (index rows cascade with their row)
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// One writer. The cache is single-writer by construction and a second
	// connection would only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_row_index_lookup
			ON row_index(tbl, idx, v)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Name implements Backend.
func (s *SQLite) Name() string { return "sqlite" }

// Atomic implements Backend.
func (s *SQLite) Atomic() bool { return true }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close implements Backend.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Apply implements Backend. All batches commit in one transaction.
func (s *SQLite) Apply(ctx context.Context, batches []Batch) error {
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback() // no-op after commit

	for _, b := range batches {
		for _, w := range b.Writes {
			if err := applyWrite(ctx, tx, b.Table, w); err != nil {
				return classify("apply "+b.Table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, table string, w Write) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM row_index WHERE tbl = ? AND k = ?`, table, w.Row.Key); err != nil {
		return err
	}

	switch w.Op {
	case OpDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE tbl = ? AND k = ?`, table, w.Row.Key)
		return err

	case OpPut:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rows (tbl, k, v) VALUES (?, ?, ?)
			ON CONFLICT(tbl, k) DO UPDATE SET v = excluded.v
		`, table, w.Row.Key, w.Row.Value); err != nil {
			return err
		}
		for idx, v := range w.Row.Index {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO row_index (tbl, k, idx, v) VALUES (?, ?, ?, ?)`,
				table, w.Row.Key, idx, v); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown op %d", w.Op)
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, table, key string) (Row, bool, error) {
	if s.db == nil {
		return Row{}, false, ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM rows WHERE tbl = ? AND k = ?`, table, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, classify("get", err)
	}
	rows, err := s.attachIndexes(ctx, table, []Row{{Key: key, Value: v}})
	if err != nil {
		return Row{}, false, err
	}
	return rows[0], true, nil
}

// Scan implements Backend. Rows come back in insertion order.
func (s *SQLite) Scan(ctx context.Context, table string) ([]Row, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.queryRows(ctx, table,
		`SELECT k, v FROM rows WHERE tbl = ? ORDER BY rowid`, table)
}

// ScanIndex implements Backend.
func (s *SQLite) ScanIndex(ctx context.Context, table, index string, values []string) ([]Row, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if len(values) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, 0, len(values)+2)
	args = append(args, table, index)
	for _, v := range values {
		args = append(args, v)
	}
	query := fmt.Sprintf(`
		SELECT r.k, r.v FROM rows r
		JOIN row_index i ON i.tbl = r.tbl AND i.k = r.k
		WHERE r.tbl = ? AND i.idx = ? AND i.v IN (%s)
		ORDER BY r.rowid
	`, placeholders)
	return s.queryRows(ctx, table, query, args...)
}

func (s *SQLite) queryRows(ctx context.Context, table, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("scan", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, classify("scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return s.attachIndexes(ctx, table, out)
}

func (s *SQLite) attachIndexes(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	pos := make(map[string]int, len(rows))
	for i, r := range rows {
		pos[r.Key] = i
	}

	q, err := s.db.QueryContext(ctx, `SELECT k, idx, v FROM row_index WHERE tbl = ?`, table)
	if err != nil {
		return nil, classify("scan index", err)
	}
	defer q.Close()

	for q.Next() {
		var k, idx, v string
		if err := q.Scan(&k, &idx, &v); err != nil {
			return nil, classify("scan index", err)
		}
		i, ok := pos[k]
		if !ok {
			continue
		}
		if rows[i].Index == nil {
			rows[i].Index = make(map[string]string)
		}
		rows[i].Index[idx] = v
	}
	return rows, classify("scan index", q.Err())
}

// Clear implements Backend.
func (s *SQLite) Clear(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("clear", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM row_index`); err != nil {
		return classify("clear", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rows`); err != nil {
		return classify("clear", err)
	}
	return classify("clear", tx.Commit())
}

// classify wraps SQLite errors with the shared sentinels so the cache can
// decide between retrying and escalating.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return fmt.Errorf("sqlite %s: %w: %v", op, ErrTransient, err)
		case sqlite3.ErrReadonly:
			return fmt.Errorf("sqlite %s: %w: %v", op, ErrReadOnly, err)
		}
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}
