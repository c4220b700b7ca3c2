// Package store implements the SQLite persistence layer behind the
// policy engine, stream registry and sync queue. All components reach
// storage through this package; table names are resolved through a
// logical-name map so the same code runs against a prefixed or bare
// schema.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// logicalTables lists every logical table name the schema defines.
var logicalTables = []string{
	"agents", "repos", "maintainers", "repo_access", "branch_rules",
	"streams", "stream_commits", "stream_reviews", "merges",
	"stabilizations", "promotions", "sync_queue", "stage_history",
	"activity_log", "plugin_executions", "tasks", "schema_migrations",
}

// Store wraps the SQLite database.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
	tables map[string]string
}

// Option configures the store.
type Option func(*Store)

// WithTablePrefix resolves logical table names against a prefixed schema
// (e.g. "gitswarm_" yields gitswarm_streams).
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		for _, name := range logicalTables {
			s.tables[name] = prefix + name
		}
	}
}

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations.
func Open(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath: dbPath,
		tables: make(map[string]string, len(logicalTables)),
	}
	for _, name := range logicalTables {
		s.tables[name] = name
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM " + s.T("schema_migrations")).Scan(&version)
	if err != nil {
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(s.resolveTables(migrationV1)); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// T resolves a logical table name to its physical name.
func (s *Store) T(logical string) string {
	if physical, ok := s.tables[logical]; ok {
		return physical
	}
	return logical
}

var tableToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// resolveTables replaces {{table}} tokens with physical names. The
// migration file ships unprefixed, so for prefixed schemas every known
// bare table name is also rewritten.
func (s *Store) resolveTables(query string) string {
	out := tableToken.ReplaceAllStringFunc(query, func(tok string) string {
		return s.T(strings.Trim(tok, "{}"))
	})
	for _, logical := range logicalTables {
		physical := s.tables[logical]
		if physical == logical {
			continue
		}
		re := regexp.MustCompile(`\b` + logical + `\b`)
		out = re.ReplaceAllString(out, physical)
	}
	return out
}

// Row is one result row keyed by column name.
type Row map[string]interface{}

// QueryResult is the single ergonomic result wrapper all generic reads
// and writes return.
type QueryResult struct {
	Rows    []Row
	Changes int
}

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind converts $N placeholders to ? and reorders parameters into
// sequential bind order. Queries already using ? pass through untouched.
func rebind(query string, args []interface{}) (string, []interface{}, error) {
	matches := dollarParam.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return query, args, nil
	}

	reordered := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(args) {
			return "", nil, fmt.Errorf("parameter $%s out of range (have %d args)", m[1], len(args))
		}
		reordered = append(reordered, args[n-1])
	}
	return dollarParam.ReplaceAllString(query, "?"), reordered, nil
}

// Query executes a statement with positional parameters ($N or ?) and
// returns rows for SELECTs or the change count for writes. Table names
// may be written as {{logical}} tokens.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	query = s.resolveTables(query)
	query, args, err := rebind(query, args)
	if err != nil {
		return nil, err
	}

	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	changes, _ := res.RowsAffected()
	return &QueryResult{Changes: int(changes)}, nil
}

func scanRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Rows: make([]Row, 0)}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// WithTx runs fn inside a transaction. Any error rolls back the whole
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AsInt coerces a stored value to int, treating NULL and unparseable
// values as 0.
func AsInt(v interface{}) int {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return int(x)
	case int:
		return x
	case float64:
		return int(x)
	case []byte:
		n, _ := strconv.Atoi(string(x))
		return n
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

// AsString coerces a stored value to string, treating NULL as "".
func AsString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
