package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Function presets translate common MySQL built-ins for a target engine.
// Profiles enable one by name; explicit function rules registered later
// override preset entries with the same name.

var presets = map[string]func() []*FunctionRule{
	"sqlite":    sqlitePreset,
	"postgres":  postgresPreset,
	"sqlserver": sqlServerPreset,
	"dm":        dmPreset,
}

// Preset returns a fresh copy of the named function rule set.
func Preset(name string) ([]*FunctionRule, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "sqlite3":
		key = "sqlite"
	case "pgx", "postgresql":
		key = "postgres"
	case "mssql", "tsql":
		key = "sqlserver"
	}
	build, ok := presets[key]
	if !ok {
		return nil, fmt.Errorf("unknown function preset: %s", name)
	}
	return build(), nil
}

// PresetNames lists the available presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sqlitePreset() []*FunctionRule {
	return []*FunctionRule{
		Template("now", "datetime('now')"),
		Template("sysdate", "datetime('now')"),
		Template("current_timestamp", "datetime('now')"),
		Template("utc_timestamp", "datetime('now', 'utc')"),
		Template("curdate", "date('now')"),
		Template("uuid", "lower(hex(randomblob(16)))"),
		Rename("char_length", "LENGTH"),
		Rename("character_length", "LENGTH"),
		Rename("rand", "RANDOM"),
		Rename("lcase", "LOWER"),
		Rename("ucase", "UPPER"),
		// INSTR takes the haystack first.
		ReorderArgs("locate", "INSTR", 2, 1),
		Template("year", "strftime('%Y', $1)"),
		Template("month", "strftime('%m', $1)"),
		Template("day", "strftime('%d', $1)"),
		Template("dayofmonth", "strftime('%d', $1)"),
	}
}

func postgresPreset() []*FunctionRule {
	return []*FunctionRule{
		Rename("ifnull", "COALESCE"),
		Rename("rand", "RANDOM"),
		Rename("uuid", "gen_random_uuid"),
		Rename("lcase", "LOWER"),
		Rename("ucase", "UPPER"),
		Template("sysdate", "now()"),
		Template("curdate", "date(now())"),
		ReorderArgs("locate", "STRPOS", 2, 1),
		ReorderArgs("instr", "STRPOS", 1, 2),
	}
}

func sqlServerPreset() []*FunctionRule {
	return []*FunctionRule{
		Rename("ifnull", "ISNULL"),
		Rename("char_length", "LEN"),
		Rename("character_length", "LEN"),
		Rename("length", "DATALENGTH"),
		Rename("uuid", "NEWID"),
		Rename("lcase", "LOWER"),
		Rename("ucase", "UPPER"),
		Template("now", "getdate()"),
		Template("sysdate", "getdate()"),
		Template("utc_timestamp", "getutcdate()"),
		// CHARINDEX shares LOCATE's argument order.
		Rename("locate", "CHARINDEX"),
		ReorderArgs("instr", "CHARINDEX", 2, 1),
	}
}

func dmPreset() []*FunctionRule {
	return []*FunctionRule{
		Rename("ifnull", "NVL"),
		Rename("uuid", "SYS_GUID"),
		Rename("lcase", "LOWER"),
		Rename("ucase", "UPPER"),
	}
}
