package target

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
	"github.com/ha1tch/sqlconv/pkg/profile"
	"github.com/ha1tch/sqlconv/pkg/translate"
)

func sqliteTranslator(t *testing.T) *translate.Translator {
	t.Helper()
	p, err := profile.NewBuilder("lite", dialect.NormCommon).
		Quoting(dialect.QuoteNone).
		OwnerOfTableDefault("main").
		KeywordTranslatorWith("double").
		Preset("sqlite").
		Build()
	require.NoError(t, err)
	tr, err := translate.New(p, translate.WithLogger(log.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func openSQLite(t *testing.T, tr Translator) *Target {
	t.Helper()
	tgt, err := Open(context.Background(), DefaultSQLiteConfig(), tr, WithLogger(log.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { tgt.Close() })

	_, err = tgt.DB().Exec(`CREATE TABLE items (
		id    INTEGER PRIMARY KEY,
		label TEXT NOT NULL,
		date  TEXT,
		price DECIMAL(10,2)
	)`)
	require.NoError(t, err)
	return tgt
}

func TestTarget_TranslatedRoundTrip(t *testing.T) {
	ctx := context.Background()
	tgt := openSQLite(t, sqliteTranslator(t))
	assert.Equal(t, "sqlite3", tgt.Driver())

	n, err := tgt.Exec(ctx, "insert into items(id, label, date, price) values (?, ?, ?, ?)", 1, "first", "2024-01-01", "12.50")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = tgt.Exec(ctx, "insert into items(id, label, date, price) values (2, 'second', '2024-02-01', 3)")
	require.NoError(t, err)

	rs, err := tgt.Query(ctx, "select id, label, date, price from items where id = ?", 1)
	require.NoError(t, err)
	require.Len(t, rs.Columns, 4)
	assert.Equal(t, "id", rs.Columns[0].Name)
	assert.Equal(t, "date", rs.Columns[2].Name)
	assert.Equal(t, "DECIMAL(10,2)", rs.Columns[3].Type)
	assert.Equal(t, 3, rs.Columns[3].Ordinal)

	require.Len(t, rs.Rows, 1)
	row := rs.Rows[0]
	assert.Equal(t, int64(1), row[0])
	assert.Equal(t, "2024-01-01", row[2])
	price, ok := row[3].(decimal.Decimal)
	require.True(t, ok, "exact numeric columns scan as decimal, got %T", row[3])
	assert.True(t, price.Equal(decimal.New(1250, -2)), price.String())

	n, err = tgt.Exec(ctx, "update items set date = '2025-01-01' where id > 0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	row, err = tgt.QueryRow(ctx, "select locate('c', label) from items where id = 2")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, row)

	row, err = tgt.QueryRow(ctx, "select id from items where id = 99")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestTarget_NoTranslator(t *testing.T) {
	tgt := openSQLite(t, nil)

	out, err := tgt.Translate("SELECT 1 FROM main.items")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FROM main.items", out)

	row, err := tgt.QueryRow(context.Background(), "SELECT count(*) FROM items")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0)}, row)
}

func TestTarget_Errors(t *testing.T) {
	ctx := context.Background()
	tgt := openSQLite(t, sqliteTranslator(t))

	_, err := tgt.Query(ctx, "select x from missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTargetQuery))
	assert.Equal(t, "SELECT x FROM main.missing", errors.GetFields(err)["sql"])

	_, err = tgt.Exec(ctx, "insert into missing(a) values (1)")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTargetExec))

	_, err = tgt.Query(ctx, "selec x frm t")
	assert.True(t, translate.IsParseError(err), "translation errors pass through")

	stub := TranslatorFunc(func(string) (string, error) {
		return "", errors.Unsupported("SHOW").Err()
	})
	other := openSQLite(t, stub)
	_, err = other.Exec(ctx, "show tables")
	assert.True(t, translate.IsUnsupported(err))

	require.NoError(t, tgt.Close())
	require.NoError(t, tgt.Close())
	_, err = tgt.Query(ctx, "select 1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTargetDriver))
	_, err = tgt.Exec(ctx, "delete from items")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTargetDriver))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil, WithLogger(log.Nop()))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTargetDriver))
}

func TestDriverMapping(t *testing.T) {
	tests := []struct {
		driver       string
		name         string
		preset       string
		placeholders dialect.Placeholder
	}{
		{"sqlite", "sqlite3", "sqlite", dialect.PlaceholderQuestion},
		{"SQLite3", "sqlite3", "sqlite", dialect.PlaceholderQuestion},
		{"postgres", "pgx", "postgres", dialect.PlaceholderDollar},
		{"pgx", "pgx", "postgres", dialect.PlaceholderDollar},
		{"mssql", "sqlserver", "sqlserver", dialect.PlaceholderAt},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			name, err := DriverName(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)

			preset, err := PresetFor(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.preset, preset)

			ph, err := PlaceholdersFor(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.placeholders, ph)
		})
	}

	_, err := PresetFor("db2")
	assert.Error(t, err)
	_, err = PlaceholdersFor("db2")
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(Config{}))
	assert.Equal(t, "file.db?_busy_timeout=100", sqliteDSN(Config{DSN: "file.db", BusyTimeout: 100}))
	assert.Equal(t, "file:x?mode=memory&_journal_mode=WAL",
		sqliteDSN(Config{DSN: "file:x?mode=memory", JournalMode: "WAL"}))
}

func TestToDecimal(t *testing.T) {
	assert.True(t, decimal.New(105, -1).Equal(toDecimal([]byte("10.5")).(decimal.Decimal)))
	assert.True(t, decimal.New(7, 0).Equal(toDecimal(int64(7)).(decimal.Decimal)))
	assert.True(t, decimal.New(25, -1).Equal(toDecimal("2.5").(decimal.Decimal)))
	assert.Nil(t, toDecimal(nil))
	assert.Equal(t, "n/a", toDecimal("n/a"))
}
