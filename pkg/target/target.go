// Package target runs translated statements against a real database
// through database/sql. It is how a profile is checked end to end: the
// statement is translated, sent to the target driver and the result set
// scanned back.
package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
)

// Config holds target connection settings.
type Config struct {
	// Driver is sqlite, postgres or sqlserver (aliases accepted).
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	// SQLite-specific options, ignored by other drivers.
	JournalMode string `yaml:"journal_mode,omitempty"` // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string `yaml:"synchronous,omitempty"`  // OFF, NORMAL, FULL, EXTRA
	CacheSize   int    `yaml:"cache_size,omitempty"`   // Number of pages (negative = KB)
	BusyTimeout int    `yaml:"busy_timeout,omitempty"` // Milliseconds
}

// DefaultSQLiteConfig returns an in-memory SQLite target.
func DefaultSQLiteConfig() Config {
	return Config{
		Driver:       "sqlite3",
		DSN:          ":memory:",
		MaxOpenConns: 1, // one connection keeps a single in-memory database
		MaxIdleConns: 1,
		JournalMode:  "WAL",
		Synchronous:  "NORMAL",
		CacheSize:    -2000,
		BusyTimeout:  5000,
	}
}

// DriverName maps a driver alias to the registered database/sql name.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	default:
		return "", errors.Newf(errors.ErrCodeTargetDriver, "unknown target driver: %q", driver).
			WithOp("target.DriverName").
			Err()
	}
}

// PresetFor returns the function preset matching a driver.
func PresetFor(driver string) (string, error) {
	name, err := DriverName(driver)
	if err != nil {
		return "", err
	}
	switch name {
	case "pgx":
		return "postgres", nil
	case "sqlserver":
		return "sqlserver", nil
	default:
		return "sqlite", nil
	}
}

// PlaceholdersFor returns the bind parameter style a driver expects.
func PlaceholdersFor(driver string) (dialect.Placeholder, error) {
	name, err := DriverName(driver)
	if err != nil {
		return dialect.PlaceholderQuestion, err
	}
	switch name {
	case "pgx":
		return dialect.PlaceholderDollar, nil
	case "sqlserver":
		return dialect.PlaceholderAt, nil
	default:
		return dialect.PlaceholderQuestion, nil
	}
}

// Translator turns source SQL into target SQL.
type Translator interface {
	Translate(sqlText string) (string, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(string) (string, error)

// Translate calls f.
func (f TranslatorFunc) Translate(sqlText string) (string, error) {
	return f(sqlText)
}

// Column describes one result column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Ordinal  int
}

// ResultSet is a fully scanned query result.
type ResultSet struct {
	Columns []Column
	Rows    [][]any
}

// Target executes translated statements on one database.
type Target struct {
	mu     sync.RWMutex
	db     *sql.DB
	driver string
	tr     Translator
	logger *log.Logger
	log    *log.FieldLogger
	closed bool
}

// Option configures a Target.
type Option func(*Target)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Target) {
		t.logger = l
	}
}

// Open connects to the target and pings it. tr may be nil, in which case
// statements are sent as given.
func Open(ctx context.Context, cfg Config, tr Translator, opts ...Option) (*Target, error) {
	driver, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	t := &Target{driver: driver, tr: tr, logger: log.Default()}
	for _, opt := range opts {
		opt(t)
	}

	t.log = t.logger.Target().WithFields("driver", driver)

	dsn := cfg.DSN
	if driver == "sqlite3" {
		dsn = sqliteDSN(cfg)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, connectError(err, driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, connectError(err, driver)
	}
	t.db = db

	t.log.Info("target connected")
	return t, nil
}

func sqliteDSN(cfg Config) string {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	var opts []string
	if cfg.CacheSize != 0 {
		opts = append(opts, fmt.Sprintf("_cache_size=%d", cfg.CacheSize))
	}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	if cfg.JournalMode != "" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		opts = append(opts, fmt.Sprintf("_synchronous=%s", cfg.Synchronous))
	}
	if len(opts) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(opts, "&")
}

func connectError(err error, driver string) error {
	return errors.Wrap(err, errors.ErrCodeTargetConnect, "cannot connect to target").
		WithField("driver", driver).
		WithOp("target.Open").
		Err()
}

// Driver is the database/sql driver name in use.
func (t *Target) Driver() string {
	return t.driver
}

// DB returns the underlying connection pool.
func (t *Target) DB() *sql.DB {
	return t.db
}

// Translate runs sqlText through the target's translator, if any.
func (t *Target) Translate(sqlText string) (string, error) {
	if t.tr == nil {
		return sqlText, nil
	}
	return t.tr.Translate(sqlText)
}

// Query translates and runs a query and scans every row.
func (t *Target) Query(ctx context.Context, sqlText string, args ...any) (*ResultSet, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, closedError("Target.Query")
	}

	stmt, err := t.Translate(sqlText)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := t.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, t.statementError(err, errors.ErrCodeTargetQuery, "query failed", stmt, "Target.Query")
	}
	defer rows.Close()

	rs, err := scanResultSet(rows)
	if err != nil {
		return nil, t.statementError(err, errors.ErrCodeTargetQuery, "cannot scan result", stmt, "Target.Query")
	}

	t.log.Debug("query executed",
		"rows", len(rs.Rows),
		"duration_us", time.Since(start).Microseconds(),
	)
	return rs, nil
}

// QueryRow runs a query expecting a single row. A query with no rows
// returns nil.
func (t *Target) QueryRow(ctx context.Context, sqlText string, args ...any) ([]any, error) {
	rs, err := t.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, nil
	}
	return rs.Rows[0], nil
}

// Exec translates and runs a statement and returns rows affected.
func (t *Target) Exec(ctx context.Context, sqlText string, args ...any) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, closedError("Target.Exec")
	}

	stmt, err := t.Translate(sqlText)
	if err != nil {
		return 0, err
	}

	result, err := t.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, t.statementError(err, errors.ErrCodeTargetExec, "exec failed", stmt, "Target.Exec")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, t.statementError(err, errors.ErrCodeTargetExec, "rows affected unavailable", stmt, "Target.Exec")
	}
	t.log.Debug("statement executed", "rows_affected", n)
	return n, nil
}

func (t *Target) statementError(err error, code errors.Code, msg, stmt, op string) error {
	t.log.Error(msg, err)
	return errors.Wrap(err, code, msg).
		WithField("driver", t.driver).
		WithField("sql", stmt).
		WithOp(op).
		Err()
}

func closedError(op string) error {
	return errors.New(errors.ErrCodeTargetDriver, "target is closed").WithOp(op).Err()
}

// Close closes the connection pool. Later calls are no-ops.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.log.Info("target closed")
	return t.db.Close()
}

func scanResultSet(rows *sql.Rows) (*ResultSet, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: make([]Column, len(colTypes))}
	exact := make([]bool, len(colTypes))
	for i, ct := range colTypes {
		typ := strings.ToUpper(ct.DatabaseTypeName())
		rs.Columns[i] = Column{Name: ct.Name(), Type: typ, Ordinal: i}
		if nullable, ok := ct.Nullable(); ok {
			rs.Columns[i].Nullable = nullable
		}
		exact[i] = isExactNumeric(typ)
	}

	for rows.Next() {
		values := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if exact[i] {
				values[i] = toDecimal(v)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	return rs, rows.Err()
}

func isExactNumeric(typ string) bool {
	if i := strings.IndexByte(typ, '('); i >= 0 {
		typ = typ[:i]
	}
	switch strings.TrimSpace(typ) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return true
	}
	return false
}

// toDecimal converts a driver value of an exact numeric column. Values the
// driver returns in another shape are left alone.
func toDecimal(v any) any {
	switch x := v.(type) {
	case []byte:
		if d, err := decimal.NewFromString(string(x)); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(x)
	case int64:
		return decimal.NewFromInt(x)
	}
	return v
}
