package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/dialect"
)

// ----------------------------------------------------------------------------
// OwnerOfTable - prefixes unqualified table names with an owner (schema)
// ----------------------------------------------------------------------------

// DefaultLinker joins owner and table name.
const DefaultLinker = '.'

// OwnerOfTable qualifies every unqualified table reference with Owner.
// With the default linker the owner becomes the table qualifier
// (SYS.orders); any other linker folds owner and name into one identifier.
type OwnerOfTable struct {
	Owner  string
	Linker rune

	// For overrides the norm; DM when empty.
	For dialect.Norm
}

// NewOwnerOfTable creates an owner rule with the default linker.
func NewOwnerOfTable(owner string) *OwnerOfTable {
	return &OwnerOfTable{Owner: owner, Linker: DefaultLinker}
}

func (o *OwnerOfTable) Category() Category {
	return CategoryTable
}

func (o *OwnerOfTable) Norm() dialect.Norm {
	if o.For == "" {
		return dialect.NormDM
	}
	return o.For
}

// MatchTable accepts unqualified names other than the DUAL pseudo-table.
func (o *OwnerOfTable) MatchTable(t sqlparser.TableName) bool {
	if o.Owner == "" || t.IsEmpty() || !t.Qualifier.IsEmpty() {
		return false
	}
	return !strings.EqualFold(t.Name.String(), "dual")
}

func (o *OwnerOfTable) RewriteTable(t sqlparser.TableName) sqlparser.TableName {
	linker := o.Linker
	if linker == 0 {
		linker = DefaultLinker
	}
	if linker == DefaultLinker {
		return sqlparser.TableName{
			Name:      t.Name,
			Qualifier: sqlparser.NewTableIdent(o.Owner),
		}
	}
	return sqlparser.TableName{
		Name: sqlparser.NewTableIdent(o.Owner + string(linker) + t.Name.String()),
	}
}

// ----------------------------------------------------------------------------
// KeywordEscaper - escapes column identifiers that are target keywords
// ----------------------------------------------------------------------------

// EscapeFunc wraps an identifier so the target reads it as a name.
type EscapeFunc func(name string) string

// QuoteSingle is the DM default: 'name'.
func QuoteSingle(name string) string { return "'" + name + "'" }

// QuoteDouble wraps in ANSI double quotes.
func QuoteDouble(name string) string { return `"` + name + `"` }

// QuoteBacktick wraps in MySQL backticks.
func QuoteBacktick(name string) string { return "`" + name + "`" }

// QuoteBracket wraps in SQL Server brackets.
func QuoteBracket(name string) string { return "[" + name + "]" }

// EscapeFuncByName resolves an escape function from configuration.
func EscapeFuncByName(name string) (EscapeFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "single":
		return QuoteSingle, nil
	case "double":
		return QuoteDouble, nil
	case "backtick":
		return QuoteBacktick, nil
	case "bracket":
		return QuoteBracket, nil
	default:
		return nil, fmt.Errorf("unknown escape function: %s", name)
	}
}

// DefaultKeywords are escaped unless a profile opts out.
var DefaultKeywords = []string{
	"BY",
	"LIABLE",
	"CHAR",
	"COLUMN",
	"COLUMNS",
	"CURRENT_DATE",
	"CURRENT_TIME",
	"CURRENT_TIMESTAMP",
	"DATE",
	"DATETIME",
	"DESC",
	"KEY",
	"KEYS",
	"READ",
	"TEXT",
}

// KeywordEscaper escapes column identifiers whose upper-cased text is a
// protected keyword. "*" and names that are already quoted pass through.
type KeywordEscaper struct {
	escape   EscapeFunc
	keywords map[string]struct{}
}

// NewKeywordEscaper protects DefaultKeywords plus extra.
func NewKeywordEscaper(escape EscapeFunc, extra ...string) *KeywordEscaper {
	return NewKeywordEscaperOnly(escape, append(append([]string(nil), DefaultKeywords...), extra...)...)
}

// NewKeywordEscaperOnly protects exactly the given keywords.
func NewKeywordEscaperOnly(escape EscapeFunc, keywords ...string) *KeywordEscaper {
	if escape == nil {
		escape = QuoteSingle
	}
	k := &KeywordEscaper{
		escape:   escape,
		keywords: make(map[string]struct{}, len(keywords)),
	}
	for _, kw := range keywords {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw != "" {
			k.keywords[kw] = struct{}{}
		}
	}
	return k
}

func (k *KeywordEscaper) Category() Category {
	return CategoryColumn
}

func (k *KeywordEscaper) Norm() dialect.Norm {
	return dialect.NormCommon
}

// IsKeyword reports whether name is protected.
func (k *KeywordEscaper) IsKeyword(name string) bool {
	_, ok := k.keywords[strings.ToUpper(name)]
	return ok
}

// Keywords returns the protected keywords, sorted.
func (k *KeywordEscaper) Keywords() []string {
	out := make([]string, 0, len(k.keywords))
	for kw := range k.keywords {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

func (k *KeywordEscaper) RewriteColumn(c sqlparser.ColIdent) sqlparser.ColIdent {
	name := c.String()
	if strings.TrimSpace(name) == "" || name == "*" || dialect.IsQuoted(name) {
		return c
	}
	if !k.IsKeyword(name) {
		return c
	}
	return sqlparser.NewColIdent(k.escape(name))
}
