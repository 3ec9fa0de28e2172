// Package rules holds the rewrite rules applied by the rewrite engine and
// the registry that groups them by category.
//
// Rules are registered once while a profile is being configured. After
// the registry is sealed every read is lock-free.
package rules

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/dialect"
)

// Category groups rules by the AST position they apply to.
type Category int

const (
	CategoryTable    Category = iota // identifiers in table position
	CategoryColumn                   // identifiers in column position
	CategoryFunction                 // function calls, keyed by name
)

func (c Category) String() string {
	switch c {
	case CategoryTable:
		return "table"
	case CategoryColumn:
		return "column"
	case CategoryFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Rule is implemented by every rewrite rule.
type Rule interface {
	Category() Category
	// Norm is the convention the rule belongs to. A registry only loads
	// rules its own norm accepts.
	Norm() dialect.Norm
}

// TableRule rewrites identifiers in table position.
type TableRule interface {
	Rule
	MatchTable(t sqlparser.TableName) bool
	RewriteTable(t sqlparser.TableName) sqlparser.TableName
}

// ColumnRule rewrites identifiers in column position. Rules that do not
// apply return the identifier unchanged.
type ColumnRule interface {
	Rule
	RewriteColumn(c sqlparser.ColIdent) sqlparser.ColIdent
}

// FunctionRule rewrites calls to one function.
//
// Custom, when it returns ok, produces a complete replacement expression
// from the call's argument texts. Otherwise Simple produces the new
// argument list and the call is rebuilt under Rename (or the original
// name). A nil result from both leaves the call to the generic walk.
type FunctionRule struct {
	Name   string
	Rename string
	Simple func(args []string) []string
	Custom func(args []string) (string, bool)

	// For is the norm the rule belongs to; empty means common.
	For dialect.Norm
}

func (f *FunctionRule) Category() Category {
	return CategoryFunction
}

func (f *FunctionRule) Norm() dialect.Norm {
	if f.For == "" {
		return dialect.NormCommon
	}
	return f.For
}

// Key is the registry key: the upper-cased function name.
func (f *FunctionRule) Key() string {
	return functionKey(f.Name)
}

// TargetName is the name a rebuilt call uses.
func (f *FunctionRule) TargetName(original string) string {
	if strings.TrimSpace(f.Rename) == "" {
		return original
	}
	return f.Rename
}

func functionKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
