// Package dialect wraps the SQL parser and renders statements for a
// target database.
//
// Parsing accepts MySQL-flavoured SQL (the source convention). Rendering
// writes keywords in upper case and quotes identifiers the way the target
// expects, so a rewritten tree can be handed straight to the target driver.
package dialect

import (
	"fmt"
	"strings"
)

// Norm names the database convention a profile or rule targets.
type Norm string

const (
	NormMySQL  Norm = "mysql"
	NormDM     Norm = "dm"
	NormCommon Norm = "common"
)

// Version is the database version the norm was written against.
func (n Norm) Version() string {
	switch n {
	case NormMySQL:
		return "5.7"
	case NormDM:
		return "V8"
	default:
		return ""
	}
}

// Accepts reports whether a rule written for norm r may be loaded into a
// registry for n. Common rules load everywhere.
func (n Norm) Accepts(r Norm) bool {
	return r == NormCommon || r == n
}

// DefaultQuoting is the identifier quoting used when a profile does not
// choose one. DM targets take identifiers verbatim.
func (n Norm) DefaultQuoting() Quoting {
	switch n {
	case NormDM:
		return QuoteNone
	default:
		return QuoteBacktick
	}
}

func (n Norm) String() string {
	if v := n.Version(); v != "" {
		return string(n) + " " + v
	}
	return string(n)
}

// ParseNorm parses a norm name. Empty input means NormCommon.
func ParseNorm(s string) (Norm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "common":
		return NormCommon, nil
	case "mysql":
		return NormMySQL, nil
	case "dm", "dameng":
		return NormDM, nil
	default:
		return NormCommon, fmt.Errorf("unknown norm: %s", s)
	}
}

// Quoting selects how identifiers are quoted on render.
type Quoting int

const (
	QuoteNone     Quoting = iota // identifiers written as-is
	QuoteBacktick                // `name`, only when required
	QuoteDouble                  // "name", only when required
	QuoteBracket                 // [name], only when required
)

func (q Quoting) String() string {
	switch q {
	case QuoteNone:
		return "none"
	case QuoteBacktick:
		return "backtick"
	case QuoteDouble:
		return "double"
	case QuoteBracket:
		return "bracket"
	default:
		return "unknown"
	}
}

// ParseQuoting parses a quoting mode name.
func ParseQuoting(s string) (Quoting, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return QuoteNone, nil
	case "backtick", "mysql":
		return QuoteBacktick, nil
	case "double", "ansi":
		return QuoteDouble, nil
	case "bracket", "tsql":
		return QuoteBracket, nil
	default:
		return QuoteNone, fmt.Errorf("unknown identifier quoting: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q Quoting) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quoting) UnmarshalText(text []byte) error {
	v, err := ParseQuoting(string(text))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Placeholder selects how positional bind parameters are written.
type Placeholder int

const (
	PlaceholderQuestion Placeholder = iota // ? (MySQL, SQLite, DM)
	PlaceholderDollar                      // $1 (PostgreSQL)
	PlaceholderAt                          // @p1 (SQL Server)
	PlaceholderNamed                       // :v1
)

func (p Placeholder) String() string {
	switch p {
	case PlaceholderQuestion:
		return "question"
	case PlaceholderDollar:
		return "dollar"
	case PlaceholderAt:
		return "at"
	case PlaceholderNamed:
		return "named"
	default:
		return "unknown"
	}
}

// ParsePlaceholder parses a parameter style name. Empty means '?'.
func ParsePlaceholder(s string) (Placeholder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "question", "?":
		return PlaceholderQuestion, nil
	case "dollar", "postgres", "pgx":
		return PlaceholderDollar, nil
	case "at", "sqlserver", "mssql":
		return PlaceholderAt, nil
	case "named":
		return PlaceholderNamed, nil
	default:
		return PlaceholderQuestion, fmt.Errorf("unknown placeholder style: %s", s)
	}
}
