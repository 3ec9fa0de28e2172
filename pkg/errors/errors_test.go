package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Severity
		severe bool
	}{
		{"default", New(ErrCodeParse, "x").Err(), SeverityError, false},
		{"unsupported", Unsupported("DROP").Err(), SeverityWarning, false},
		{"configuration", Configuration("bad rule %s", "x").Err(), SeverityFatal, true},
		{"internal", Internal("broken").Err(), SeverityCritical, true},
		{"wrapped", fmt.Errorf("outer: %w", Internal("broken").Err()), SeverityCritical, true},
		{"foreign", fmt.Errorf("plain"), SeverityError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetSeverity(tt.err))
			assert.Equal(t, tt.severe, IsSevere(tt.err))
		})
	}
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "fatal", SeverityFatal.String())
}

func TestWithStack(t *testing.T) {
	e := Internal("broken").Build()
	require.NotEmpty(t, e.Stack)

	found := false
	for _, f := range e.Stack {
		if strings.HasSuffix(f.Function, "TestWithStack") {
			found = true
		}
	}
	assert.True(t, found, "stack should include the caller")

	assert.Empty(t, New(ErrCodeParse, "x").Build().Stack)

	detail := fmt.Sprintf("%+v", e)
	assert.Contains(t, detail, "[critical]")
	assert.Contains(t, detail, "Stack:")
}

func TestCodeCategory(t *testing.T) {
	tests := map[Code]string{
		ErrCodeConfigValidation:     "configuration",
		ErrCodeParse:                "parse",
		ErrCodeUnsupportedStatement: "translate",
		ErrCodeCacheClosed:          "cache",
		ErrCodeTargetExec:           "target",
		ErrCodePanic:                "internal",
	}
	for code, want := range tests {
		assert.Equal(t, want, code.Category(), code.String())
	}

	err := Wrap(fmt.Errorf("boom"), ErrCodeTargetQuery, "query failed").WithField("sql", "SELECT 1").Err()
	assert.True(t, IsCategory(err, "target"))
	assert.True(t, IsCode(err, ErrCodeTargetQuery))
	assert.Equal(t, "SELECT 1", GetFields(err)["sql"])
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, IsCode(nil, ErrCodeTargetQuery))
}
