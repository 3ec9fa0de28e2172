package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LevelsAndEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		DefaultLevel:   LevelInfo,
		CategoryLevels: map[Category]Level{CategoryPerformance: LevelOff},
		Output:         &buf,
	})

	assert.True(t, l.Enabled(CategoryTranslate, LevelInfo))
	assert.False(t, l.Enabled(CategoryTranslate, LevelDebug))
	assert.False(t, l.Enabled(CategoryPerformance, LevelError))

	l.Translate().Debug("hidden")
	l.Performance().Info("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(CategoryPerformance, LevelDebug)
	assert.True(t, l.Enabled(CategoryPerformance, LevelDebug))
	l.Performance().Debug("statement timing", "duration_us", 12)
	assert.Contains(t, buf.String(), "[performance] statement timing duration_us=12")

	logged, dropped := l.Stats()
	assert.Equal(t, int64(1), logged)
	assert.Zero(t, dropped)
}

func TestFieldLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf})
	fl := l.Target().WithFields("driver", "sqlite3")

	fl.Info("target connected")
	fl.Debug("statement executed", "rows_affected", 2)
	fl.Error("exec failed", errors.New("no such table"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "INFO  [target] target connected driver=sqlite3")
	assert.Contains(t, lines[1], "driver=sqlite3 rows_affected=2")
	assert.Contains(t, lines[2], `exec failed error="no such table" driver=sqlite3`)
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatJSON})
	l.Translate().WithFields("profile", "dm").Debug("statement translated", "kind", "SELECT")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "translate", entry["category"])
	assert.Equal(t, map[string]any{"profile": "dm", "kind": "SELECT"}, entry["fields"])
}

func TestLogger_AsyncFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf, AsyncBuffer: 16})
	for i := 0; i < 5; i++ {
		l.System().Info("tick", "i", i)
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Equal(t, 5, strings.Count(buf.String(), "tick"))
	logged, dropped := l.Stats()
	assert.Equal(t, int64(5), logged+dropped)
}

func TestParseLevelAndFormat(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)
	_, err = ParseLevel("loud")
	assert.Error(t, err)

	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
