package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

const profileYAML = `
default: dm
profiles:
  - name: dm
    norm: dm
    owner: SYS
    keywords:
      enabled: true
  - name: lite
    preset: sqlite
    quoting: none
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))
	return path
}

func TestRun_HelpAndVersion(t *testing.T) {
	code, out, _ := runCLI(t, "", "-h")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Usage:")

	code, out, _ = runCLI(t, "", "--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "sqlconv version ")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus"}},
		{"watch without config", []string{"-w"}},
		{"driver without dsn", []string{"--exec-driver", "sqlite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, "", tt.args...)
			assert.Equal(t, 2, code)
		})
	}
}

func TestRun_InlineProfileFromStdin(t *testing.T) {
	code, out, errOut := runCLI(t,
		"select name, date from user;\ndelete from t",
		"--norm", "dm", "--owner", "SYS", "--keywords",
	)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "SELECT name, 'date' FROM SYS.user;\nDELETE FROM SYS.t;\n", out)
}

func TestRun_ExtraKeywordsAndEscape(t *testing.T) {
	code, out, errOut := runCLI(t, "",
		"--norm", "dm", "--keywords", "--keyword-escape", "double", "--extra-keywords", "name, label",
		"select name, label, id from t",
	)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "SELECT \"name\", \"label\", id FROM t;\n", out)
}

func TestRun_ProfileFile(t *testing.T) {
	path := writeProfiles(t)

	code, out, errOut := runCLI(t, "", "-c", path, "select locate('a', b), date from t")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "SELECT locate('a', b), 'date' FROM SYS.t;\n", out)

	code, out, errOut = runCLI(t, "", "--config", path, "--profile", "lite", "select locate('a', b) from t")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "SELECT INSTR(b, 'a') FROM t;\n", out)

	code, _, errOut = runCLI(t, "", "-c", path, "-p", "nope", "select 1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "profile not found")

	code, _, errOut = runCLI(t, "", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error:")
}

func TestRun_FailuresDoNotStopTheScript(t *testing.T) {
	code, out, errOut := runCLI(t, "delete from a; selec x; delete from b", "--quoting", "none")
	assert.Equal(t, 1, code)
	assert.Equal(t, "DELETE FROM a;\nDELETE FROM b;\n", out)
	assert.Contains(t, errOut, "cannot parse SQL")
}

func TestRun_UnsupportedIsAWarning(t *testing.T) {
	code, out, errOut := runCLI(t, "delete from a; drop table b; delete from c", "--quoting", "none")
	assert.Equal(t, 1, code)
	assert.Equal(t, "DELETE FROM a;\nDELETE FROM c;\n", out)
	assert.Contains(t, errOut, "warning: ")
	assert.Contains(t, errOut, "unsupported statement kind: DROP")
}

func TestRun_Placeholders(t *testing.T) {
	code, out, errOut := runCLI(t, "", "--placeholders", "dollar", "select a from t where b = ? and c = ?")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2;\n", out)
}

func TestRun_WatchReadsLines(t *testing.T) {
	path := writeProfiles(t)
	code, out, errOut := runCLI(t, "delete\nfrom t;\ndelete from u", "-c", path, "-w")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "DELETE FROM SYS.t;\nDELETE FROM SYS.u;\n", out)
}

func TestRun_ExecOnSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, out, errOut := runCLI(t,
		"insert into items(id, label) values (1, 'one'); select id, instr(label, 'n') as pos from items",
		"--exec-driver", "sqlite", "--exec-dsn", dbPath,
	)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "(1 rows affected)\nid\tpos\n1\t2\n(1 rows)\n", out)

	code, _, errOut = runCLI(t, "delete from missing", "--exec-driver", "sqlite", "--exec-dsn", dbPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "exec failed")
}
