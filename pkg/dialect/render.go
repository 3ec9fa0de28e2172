package dialect

import (
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// Renderer turns a statement tree back into SQL text for one target.
// It is safe for concurrent use.
type Renderer struct {
	quoting      Quoting
	placeholders Placeholder
	// positional is the number of '?' markers in the statement; -1 treats
	// every :vN parameter as a marker.
	positional int
}

// NewRenderer creates a renderer with the given identifier quoting.
// Positional parameters are written as '?'.
func NewRenderer(q Quoting) *Renderer {
	return &Renderer{quoting: q, positional: -1}
}

// WithPlaceholders returns a copy of r that writes positional parameters
// in style p.
func (r *Renderer) WithPlaceholders(p Placeholder) *Renderer {
	cp := *r
	cp.placeholders = p
	return &cp
}

// WithPositional returns a copy of r for a statement holding n '?'
// markers, as reported by ParseStatement. Parameters numbered above n were
// written by the user and are kept.
func (r *Renderer) WithPositional(n int) *Renderer {
	cp := *r
	cp.positional = n
	return &cp
}

// Quoting returns the renderer's identifier quoting.
func (r *Renderer) Quoting() Quoting {
	return r.quoting
}

// Placeholders returns the renderer's parameter style.
func (r *Renderer) Placeholders() Placeholder {
	return r.placeholders
}

// Render formats node as SQL text.
func (r *Renderer) Render(node sqlparser.SQLNode) string {
	buf := sqlparser.NewTrackedBuffer(r.formatNode)
	buf.Myprintf("%v", node)
	return buf.String()
}

// formatNode mirrors the parser's own Format methods with upper-case
// keywords and dialect quoting. Node kinds without keywords fall through
// to their Format method, whose children come back here through %v.
func (r *Renderer) formatNode(buf *sqlparser.TrackedBuffer, node sqlparser.SQLNode) {
	switch n := node.(type) {
	case *sqlparser.Select:
		buf.Myprintf("SELECT %v%s%s%s%v FROM %v%v%v%v%v%v%s",
			n.Comments, upper(n.Cache), upper(n.Distinct), upper(n.Hints), n.SelectExprs,
			n.From, n.Where,
			n.GroupBy, n.Having, n.OrderBy,
			n.Limit, upper(n.Lock))

	case *sqlparser.Union:
		buf.Myprintf("%v %s %v%v%v%s", n.Left, upper(n.Type), n.Right,
			n.OrderBy, n.Limit, upper(n.Lock))

	case *sqlparser.Insert:
		buf.Myprintf("%s %v%sINTO %v%v%v %v%v",
			upper(n.Action), n.Comments, upper(n.Ignore),
			n.Table, n.Partitions, n.Columns, n.Rows, n.OnDup)

	case *sqlparser.Update:
		buf.Myprintf("UPDATE %v%v SET %v%v%v%v",
			n.Comments, n.TableExprs, n.Exprs, n.Where, n.OrderBy, n.Limit)

	case *sqlparser.Delete:
		buf.Myprintf("DELETE %v", n.Comments)
		if n.Targets != nil {
			buf.Myprintf("%v ", n.Targets)
		}
		buf.Myprintf("FROM %v%v%v%v%v", n.TableExprs, n.Partitions, n.Where, n.OrderBy, n.Limit)

	case sqlparser.Values:
		prefix := "VALUES "
		for _, tuple := range n {
			buf.Myprintf("%s%v", prefix, tuple)
			prefix = ", "
		}

	case sqlparser.OnDup:
		if n == nil {
			return
		}
		buf.Myprintf(" ON DUPLICATE KEY UPDATE %v", sqlparser.UpdateExprs(n))

	case sqlparser.Columns:
		if n == nil {
			return
		}
		prefix := " ("
		for _, col := range n {
			buf.Myprintf("%s%v", prefix, col)
			prefix = ", "
		}
		buf.WriteString(")")

	case sqlparser.Partitions:
		if n == nil {
			return
		}
		prefix := " PARTITION ("
		for _, p := range n {
			buf.Myprintf("%s%v", prefix, p)
			prefix = ", "
		}
		buf.WriteString(")")

	case *sqlparser.AliasedExpr:
		buf.Myprintf("%v", n.Expr)
		if !n.As.IsEmpty() {
			buf.Myprintf(" AS %v", n.As)
		}

	case *sqlparser.AliasedTableExpr:
		buf.Myprintf("%v%v", n.Expr, n.Partitions)
		if !n.As.IsEmpty() {
			buf.Myprintf(" AS %v", n.As)
		}
		if n.Hints != nil {
			buf.Myprintf("%v", n.Hints)
		}

	case *sqlparser.JoinTableExpr:
		buf.Myprintf("%v %s %v%v", n.LeftExpr, upper(n.Join), n.RightExpr, n.Condition)

	case sqlparser.JoinCondition:
		if n.On != nil {
			buf.Myprintf(" ON %v", n.On)
		}
		if n.Using != nil {
			buf.Myprintf(" USING%v", n.Using)
		}

	case *sqlparser.Where:
		if n == nil || n.Expr == nil {
			return
		}
		buf.Myprintf(" %s %v", upper(n.Type), n.Expr)

	case *sqlparser.AndExpr:
		buf.Myprintf("%v AND %v", n.Left, n.Right)

	case *sqlparser.OrExpr:
		buf.Myprintf("%v OR %v", n.Left, n.Right)

	case *sqlparser.NotExpr:
		buf.Myprintf("NOT %v", n.Expr)

	case *sqlparser.ComparisonExpr:
		buf.Myprintf("%v %s %v", n.Left, upper(n.Operator), n.Right)
		if n.Escape != nil {
			buf.Myprintf(" ESCAPE %v", n.Escape)
		}

	case *sqlparser.RangeCond:
		buf.Myprintf("%v %s %v AND %v", n.Left, upper(n.Operator), n.From, n.To)

	case *sqlparser.IsExpr:
		buf.Myprintf("%v %s", n.Expr, upper(n.Operator))

	case *sqlparser.ExistsExpr:
		buf.Myprintf("EXISTS %v", n.Subquery)

	case *sqlparser.NullVal:
		buf.WriteString("NULL")

	case sqlparser.BoolVal:
		if n {
			buf.WriteString("TRUE")
		} else {
			buf.WriteString("FALSE")
		}

	case *sqlparser.CaseExpr:
		buf.WriteString("CASE ")
		if n.Expr != nil {
			buf.Myprintf("%v ", n.Expr)
		}
		for _, when := range n.Whens {
			buf.Myprintf("%v ", when)
		}
		if n.Else != nil {
			buf.Myprintf("ELSE %v ", n.Else)
		}
		buf.WriteString("END")

	case *sqlparser.When:
		buf.Myprintf("WHEN %v THEN %v", n.Cond, n.Val)

	case sqlparser.GroupBy:
		prefix := " GROUP BY "
		for _, e := range n {
			buf.Myprintf("%s%v", prefix, e)
			prefix = ", "
		}

	case sqlparser.OrderBy:
		prefix := " ORDER BY "
		for _, o := range n {
			buf.Myprintf("%s%v", prefix, o)
			prefix = ", "
		}

	case *sqlparser.Order:
		if _, ok := n.Expr.(*sqlparser.NullVal); ok {
			buf.Myprintf("%v", n.Expr)
			return
		}
		if fn, ok := n.Expr.(*sqlparser.FuncExpr); ok && fn.Name.Lowered() == "rand" {
			buf.Myprintf("%v", n.Expr)
			return
		}
		buf.Myprintf("%v %s", n.Expr, upper(n.Direction))

	case *sqlparser.Limit:
		if n == nil {
			return
		}
		buf.WriteString(" LIMIT ")
		if n.Offset != nil {
			buf.Myprintf("%v, ", n.Offset)
		}
		buf.Myprintf("%v", n.Rowcount)

	case *sqlparser.FuncExpr:
		var distinct string
		if n.Distinct {
			distinct = "DISTINCT "
		}
		if !n.Qualifier.IsEmpty() {
			buf.Myprintf("%v.", n.Qualifier)
		}
		// Function names are never quoted.
		buf.Myprintf("%s(%s%v)", n.Name.String(), distinct, n.Exprs)

	case *sqlparser.ConvertExpr:
		buf.Myprintf("CONVERT(%v, %v)", n.Expr, n.Type)

	case *sqlparser.ConvertUsingExpr:
		buf.Myprintf("CONVERT(%v USING %s)", n.Expr, n.Type)

	case *sqlparser.SubstrExpr:
		if n.To == nil {
			buf.Myprintf("SUBSTR(%v, %v)", n.Name, n.From)
		} else {
			buf.Myprintf("SUBSTR(%v, %v, %v)", n.Name, n.From, n.To)
		}

	case *sqlparser.GroupConcatExpr:
		sep := n.Separator
		if rest, ok := strings.CutPrefix(sep, " separator "); ok {
			sep = " SEPARATOR " + rest
		}
		buf.Myprintf("GROUP_CONCAT(%s%v%v%s)", upper(n.Distinct), n.Exprs, n.OrderBy, sep)

	case *sqlparser.IntervalExpr:
		buf.Myprintf("INTERVAL %v %s", n.Expr, upper(n.Unit))

	case *sqlparser.CollateExpr:
		buf.Myprintf("%v COLLATE %s", n.Expr, n.Charset)

	case *sqlparser.ValuesFuncExpr:
		buf.Myprintf("VALUES(%v)", n.Name)

	case *sqlparser.Default:
		buf.WriteString("DEFAULT")
		if n.ColName != "" {
			buf.Myprintf("(%s)", n.ColName)
		}

	case sqlparser.TableName:
		if n.IsEmpty() {
			return
		}
		if n.Qualifier.IsEmpty() && strings.EqualFold(n.Name.String(), "dual") {
			buf.WriteString("DUAL")
			return
		}
		if !n.Qualifier.IsEmpty() {
			buf.Myprintf("%v.", n.Qualifier)
		}
		buf.Myprintf("%v", n.Name)

	case sqlparser.ColIdent:
		r.writeIdent(buf, n.String(), n)

	case sqlparser.TableIdent:
		r.writeIdent(buf, n.String(), n)

	case *sqlparser.SQLVal:
		if n.Type == sqlparser.ValArg {
			r.writeArg(buf, string(n.Val))
			return
		}
		n.Format(buf)

	default:
		node.Format(buf)
	}
}

// writeIdent writes an identifier using the renderer's quoting. Names that
// arrive already wrapped in a quote pair (the output of an escape rule)
// are written verbatim.
func (r *Renderer) writeIdent(buf *sqlparser.TrackedBuffer, name string, node sqlparser.SQLNode) {
	if name == "" {
		return
	}
	if IsQuoted(name) {
		buf.WriteString(name)
		return
	}

	switch r.quoting {
	case QuoteNone:
		buf.WriteString(name)
	case QuoteDouble:
		if needsQuoting(node) {
			buf.WriteString(`"` + strings.ReplaceAll(name, `"`, `""`) + `"`)
		} else {
			buf.WriteString(name)
		}
	case QuoteBracket:
		if needsQuoting(node) {
			buf.WriteString("[" + strings.ReplaceAll(name, "]", "]]") + "]")
		} else {
			buf.WriteString(name)
		}
	default:
		node.Format(buf)
	}
}

// writeArg writes a bind parameter. The parser numbers '?' markers as
// :v1, :v2 ...; those are rewritten in the renderer's style. Named
// parameters are kept.
func (r *Renderer) writeArg(buf *sqlparser.TrackedBuffer, arg string) {
	n, ok := positionalArg(arg)
	if !ok || (r.positional >= 0 && n > r.positional) {
		buf.WriteString(arg)
		return
	}
	switch r.placeholders {
	case PlaceholderDollar:
		buf.WriteString("$" + strconv.Itoa(n))
	case PlaceholderAt:
		buf.WriteString("@p" + strconv.Itoa(n))
	case PlaceholderNamed:
		buf.WriteString(arg)
	default:
		buf.WriteString("?")
	}
}

func positionalArg(arg string) (int, bool) {
	digits, ok := strings.CutPrefix(arg, ":v")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// needsQuoting defers to the parser's own rule: an identifier needs
// quoting when the parser would backtick it (keywords, unusual characters).
func needsQuoting(node sqlparser.SQLNode) bool {
	return strings.HasPrefix(sqlparser.String(node), "`")
}

// IsQuoted reports whether name is already enclosed in a matching quote pair.
func IsQuoted(name string) bool {
	if len(name) < 2 {
		return false
	}
	first, last := name[0], name[len(name)-1]
	switch first {
	case '\'', '"', '`':
		return last == first
	case '[':
		return last == ']'
	default:
		return false
	}
}

func upper(s string) string {
	return strings.ToUpper(s)
}
