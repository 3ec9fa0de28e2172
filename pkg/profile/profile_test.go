package profile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/sqlconv/pkg/cache"
	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
	"github.com/ha1tch/sqlconv/pkg/rules"
)

const sampleFile = `
default: dm
log:
  level: debug
  format: json
profiles:
  - name: dm
    norm: dameng
    owner: SYS
    keywords:
      enabled: true
      extra: [NAME]
    functions:
      - name: ifnull
        rename: NVL
    cache:
      enabled: true
      expired_time: 168h
      buffer_time: 24h
      min_use_threshold: 100
  - name: lite
    norm: common
    quoting: double
    preset: sqlite
    functions:
      - name: locate
        rename: INSTR
        args: [2, 1]
`

func TestBuilder_DMDefaults(t *testing.T) {
	p, err := NewDM().
		OwnerOfTableDefault("SYS").
		KeywordTranslatorDefault("NAME").
		EnableSQLCache().
		Build()
	require.NoError(t, err)

	assert.Equal(t, "dm", p.Name)
	assert.Equal(t, dialect.NormDM, p.Norm)
	assert.Equal(t, "SYS", p.Owner)
	assert.Equal(t, '.', p.LinkerRune())

	q, err := p.QuotingMode()
	require.NoError(t, err)
	assert.Equal(t, dialect.QuoteNone, q)

	assert.True(t, p.Keywords.Enabled)
	assert.Equal(t, "single", p.Keywords.Escape)
	assert.Equal(t, []string{"NAME"}, p.Keywords.Extra)

	assert.True(t, p.Cache.Enabled)
	cfg := p.Cache.Config()
	assert.Equal(t, 7*24*time.Hour, cfg.ExpiredTime)
	assert.Equal(t, 24*time.Hour, cfg.BufferTime)
	assert.Equal(t, int64(100), cfg.MinUseThreshold)
	assert.Equal(t, cache.DefaultConfig().MandatoryCleanThreshold, cfg.MandatoryCleanThreshold)
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"blank owner", NewDM().OwnerOfTableDefault("")},
		{"bad escape", NewDM().KeywordTranslatorWith("curly")},
		{"bad preset", NewDM().Preset("oracle")},
		{"function without shape", NewDM().Function(FunctionSpec{Name: "f"})},
		{"function without name", NewDM().Function(FunctionSpec{Rename: "g"})},
		{"zero arg position", NewDM().Function(FunctionSpec{Name: "f", Args: []int{0}})},
		{"blank name", NewDM().Name("")},
		{"bad norm", NewBuilder("x", dialect.Norm("oracle"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
		})
	}
}

func TestBuilder_BuildReturnsCopy(t *testing.T) {
	b := NewDM().Function(FunctionSpec{Name: "f", Rename: "g"})
	p1, err := b.Build()
	require.NoError(t, err)

	b.Function(FunctionSpec{Name: "h", Rename: "i"})
	p2, err := b.Build()
	require.NoError(t, err)

	assert.Len(t, p1.Functions, 1)
	assert.Len(t, p2.Functions, 2)
}

func TestProfile_Rules(t *testing.T) {
	p, err := NewDM().
		OwnerOfTable("SYS", '_').
		KeywordTranslatorWith("double", "name").
		Preset("dm").
		Function(FunctionSpec{Name: "ifnull", Template: "COALESCE($1, $2)"}).
		Build()
	require.NoError(t, err)

	base, fns, err := p.Rules()
	require.NoError(t, err)

	owner, ok := base[0].(*rules.OwnerOfTable)
	require.True(t, ok)
	assert.Equal(t, "SYS", owner.Owner)
	assert.Equal(t, '_', owner.Linker)

	kw, ok := base[1].(*rules.KeywordEscaper)
	require.True(t, ok)
	assert.True(t, kw.IsKeyword("name"))
	assert.True(t, kw.IsKeyword("date"))

	assert.Greater(t, len(base), 2, "preset rules follow the built-ins")
	require.Len(t, fns, 1)
	assert.Equal(t, "IFNULL", fns[0].Key())
	assert.NotNil(t, fns[0].Custom)
}

func TestProfile_KeywordsOnly(t *testing.T) {
	p := &Profile{
		Name:     "x",
		Keywords: KeywordSpec{Enabled: true, Only: []string{"foo"}},
	}
	require.NoError(t, p.Validate())

	base, _, err := p.Rules()
	require.NoError(t, err)
	kw := base[0].(*rules.KeywordEscaper)
	assert.Equal(t, []string{"FOO"}, kw.Keywords())
}

func TestFunctionSpec_Rule(t *testing.T) {
	fr, err := FunctionSpec{Name: "locate", Rename: "INSTR", Args: []int{2, 1}}.Rule()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, fr.Simple([]string{"a", "b"}))
	assert.Equal(t, "INSTR", fr.TargetName("locate"))

	fr, err = FunctionSpec{Name: "ifnull", Rename: "NVL"}.Rule()
	require.NoError(t, err)
	assert.Equal(t, "NVL", fr.TargetName("ifnull"))

	fr, err = FunctionSpec{Name: "f", Rename: "ignored", Template: "g($1)"}.Rule()
	require.NoError(t, err)
	out, ok := fr.Custom([]string{"x"})
	require.True(t, ok)
	assert.Equal(t, "g(x)", out)
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleFile))
	require.NoError(t, err)

	assert.Equal(t, "dm", f.Default)
	assert.Equal(t, LogSpec{Level: "debug", Format: "json"}, f.Log)
	assert.Equal(t, []string{"dm", "lite"}, f.Names())

	dm, err := f.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, dialect.NormDM, dm.Norm)
	assert.Equal(t, 168*time.Hour, dm.Cache.ExpiredTime)
	assert.Equal(t, 24*time.Hour, dm.Cache.BufferTime)

	lite, err := f.Lookup("LITE")
	require.NoError(t, err)
	q, err := lite.QuotingMode()
	require.NoError(t, err)
	assert.Equal(t, dialect.QuoteDouble, q)
	assert.Equal(t, []int{2, 1}, lite.Functions[0].Args)

	// Lookup hands out copies.
	lite.Functions[0].Args[0] = 9
	again, _ := f.Lookup("lite")
	assert.Equal(t, 2, again.Functions[0].Args[0])

	_, err = f.Lookup("missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeProfileNotFound))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		code errors.Code
	}{
		{"empty", "", errors.ErrCodeConfigMissing},
		{"no profiles", "default: x\n", errors.ErrCodeConfigMissing},
		{"unknown key", "profiles:\n  - name: a\n    colour: red\n", errors.ErrCodeConfigParse},
		{"bad duration", "profiles:\n  - name: a\n    cache: {expired_time: soon}\n", errors.ErrCodeConfigParse},
		{"duplicate", "profiles:\n  - name: a\n  - name: A\n", errors.ErrCodeConfigValidation},
		{"missing default", "default: b\nprofiles:\n  - name: a\n", errors.ErrCodeProfileNotFound},
		{"bad quoting", "profiles:\n  - name: a\n    quoting: curly\n", errors.ErrCodeConfigValidation},
		{"long linker", "profiles:\n  - name: a\n    owner: S\n    linker: '::'\n", errors.ErrCodeConfigValidation},
		{"bad placeholders", "profiles:\n  - name: a\n    placeholders: colon\n", errors.ErrCodeConfigValidation},
		{"duplicate function", "profiles:\n  - name: a\n    functions:\n      - {name: ifnull, rename: NVL}\n      - {name: IFNULL, rename: COALESCE}\n", errors.ErrCodeConfigValidation},
		{"negative cache", "profiles:\n  - name: a\n    cache: {min_use_threshold: -1}\n", errors.ErrCodeConfigValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestProfile_PlaceholderStyle(t *testing.T) {
	p, err := NewBuilder("pg", dialect.NormCommon).Placeholders(dialect.PlaceholderDollar).Build()
	require.NoError(t, err)
	assert.Equal(t, "dollar", p.Placeholders)
	ph, err := p.PlaceholderStyle()
	require.NoError(t, err)
	assert.Equal(t, dialect.PlaceholderDollar, ph)

	p.Placeholders = ""
	ph, err = p.PlaceholderStyle()
	require.NoError(t, err)
	assert.Equal(t, dialect.PlaceholderQuestion, ph)
}

func TestParse_DefaultIsFirstProfile(t *testing.T) {
	f, err := Parse([]byte("profiles:\n  - name: first\n  - name: second\n"))
	require.NoError(t, err)
	assert.Equal(t, "first", f.Default)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path())

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigMissing))
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - name: a\n"), 0o644))

	var mu sync.Mutex
	var reloaded []*File
	var failures []error

	w, err := NewWatcher(path, log.Nop(),
		WithDebounceDelay(10*time.Millisecond),
		WithOnReload(func(f *File) {
			mu.Lock()
			reloaded = append(reloaded, f)
			mu.Unlock()
		}),
		WithOnError(func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.True(t, w.IsRunning())

	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - name: b\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "b", reloaded[0].Default)
	mu.Unlock()

	// A broken file is reported and the old set stays.
	require.NoError(t, os.WriteFile(path, []byte("profiles: [[["), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Len(t, reloaded, 1)
	mu.Unlock()

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - name: a\n"), 0o644))

	calls := make(chan *File, 1)
	w, err := NewWatcher(path, log.Nop(),
		WithDebounceDelay(5*time.Millisecond),
		WithOnReload(func(f *File) { calls <- f }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))

	select {
	case <-calls:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}
}
