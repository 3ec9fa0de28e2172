// Package rewrite walks a parsed statement and applies the rules of a
// registry to every identifier and function call it reaches.
//
// The walk is position aware: an identifier is rewritten by table rules
// when it names a table (FROM items, join sides, DML targets) and by
// column rules everywhere else. Nodes that change are rebuilt, never
// mutated, so a tree shared with other goroutines stays intact.
package rewrite

import (
	"fmt"

	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/rules"
)

// Engine rewrites statement trees with the rules of one registry.
// It holds no per-call state and is safe for concurrent use.
type Engine struct {
	registry *rules.Registry
}

// New creates an engine over registry.
func New(registry *rules.Registry) *Engine {
	return &Engine{registry: registry}
}

// Registry returns the engine's rule registry.
func (e *Engine) Registry() *rules.Registry {
	return e.registry
}

// Rewrite returns the rewritten form of node. positionIsTable selects
// which rule category applies to a bare identifier. Node kinds the engine
// does not know are returned unchanged. The only error is a function rule
// whose output does not parse.
func (e *Engine) Rewrite(node sqlparser.SQLNode, positionIsTable bool) (sqlparser.SQLNode, error) {
	switch n := node.(type) {
	case nil:
		return nil, nil

	// Statements
	case *sqlparser.Select:
		return e.rewriteSelect(n)
	case *sqlparser.Union:
		return e.rewriteUnion(n)
	case *sqlparser.ParenSelect:
		inner, err := e.selectStatement(n.Select)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ParenSelect{Select: inner}, nil
	case *sqlparser.Insert:
		return e.rewriteInsert(n)
	case *sqlparser.Update:
		return e.rewriteUpdate(n)
	case *sqlparser.Delete:
		return e.rewriteDelete(n)

	// Table expressions
	case sqlparser.TableExprs:
		return e.tableExprs(n)
	case *sqlparser.AliasedTableExpr:
		return e.rewriteAliasedTable(n, positionIsTable)
	case *sqlparser.ParenTableExpr:
		exprs, err := e.tableExprs(n.Exprs)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ParenTableExpr{Exprs: exprs}, nil
	case *sqlparser.JoinTableExpr:
		return e.rewriteJoin(n)

	// Identifiers
	case sqlparser.TableName:
		if !positionIsTable {
			return n, nil
		}
		return e.rewriteTableName(n), nil
	case *sqlparser.ColName:
		if positionIsTable {
			return n, nil
		}
		return e.rewriteColName(n), nil

	// Projection
	case sqlparser.SelectExprs:
		return e.selectExprs(n, positionIsTable)
	case *sqlparser.AliasedExpr:
		expr, err := e.expr(n.Expr, positionIsTable)
		if err != nil {
			return nil, err
		}
		return &sqlparser.AliasedExpr{Expr: expr, As: n.As}, nil

	// Subqueries
	case *sqlparser.Subquery:
		inner, err := e.selectStatement(n.Select)
		if err != nil {
			return nil, err
		}
		return &sqlparser.Subquery{Select: inner}, nil
	case *sqlparser.ExistsExpr:
		inner, err := e.selectStatement(n.Subquery.Select)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ExistsExpr{Subquery: &sqlparser.Subquery{Select: inner}}, nil

	// Calls
	case *sqlparser.FuncExpr:
		return e.rewriteCall(n)
	case *sqlparser.GroupConcatExpr:
		exprs, err := e.selectExprs(n.Exprs, false)
		if err != nil {
			return nil, err
		}
		out := *n
		out.Exprs = exprs
		return &out, nil
	case *sqlparser.SubstrExpr:
		return e.rewriteSubstr(n)

	// Compound expressions
	case *sqlparser.AndExpr:
		l, r, err := e.pair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		return &sqlparser.AndExpr{Left: l, Right: r}, nil
	case *sqlparser.OrExpr:
		l, r, err := e.pair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		return &sqlparser.OrExpr{Left: l, Right: r}, nil
	case *sqlparser.NotExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.NotExpr{Expr: x}, nil
	case *sqlparser.ParenExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ParenExpr{Expr: x}, nil
	case *sqlparser.ComparisonExpr:
		l, r, err := e.pair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		esc, err := e.expr(n.Escape, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ComparisonExpr{Operator: n.Operator, Left: l, Right: r, Escape: esc}, nil
	case *sqlparser.RangeCond:
		return e.rewriteRange(n)
	case *sqlparser.IsExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.IsExpr{Operator: n.Operator, Expr: x}, nil
	case *sqlparser.BinaryExpr:
		l, r, err := e.pair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		return &sqlparser.BinaryExpr{Operator: n.Operator, Left: l, Right: r}, nil
	case *sqlparser.UnaryExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.UnaryExpr{Operator: n.Operator, Expr: x}, nil
	case *sqlparser.IntervalExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.IntervalExpr{Expr: x, Unit: n.Unit}, nil
	case *sqlparser.CollateExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.CollateExpr{Expr: x, Charset: n.Charset}, nil
	case *sqlparser.ConvertExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ConvertExpr{Expr: x, Type: n.Type}, nil
	case *sqlparser.ConvertUsingExpr:
		x, err := e.expr(n.Expr, false)
		if err != nil {
			return nil, err
		}
		return &sqlparser.ConvertUsingExpr{Expr: x, Type: n.Type}, nil
	case *sqlparser.CaseExpr:
		return e.rewriteCase(n)
	case sqlparser.ValTuple:
		return e.valTuple(n)
	}

	// Literals, placeholders and anything else pass through.
	return node, nil
}

// ----------------------------------------------------------------------------
// Statements
// ----------------------------------------------------------------------------

func (e *Engine) rewriteSelect(s *sqlparser.Select) (*sqlparser.Select, error) {
	out := *s

	from, err := e.tableExprs(s.From)
	if err != nil {
		return nil, err
	}
	out.From = from

	if out.SelectExprs, err = e.selectExprs(s.SelectExprs, false); err != nil {
		return nil, err
	}
	if out.Where, err = e.where(s.Where); err != nil {
		return nil, err
	}
	if out.Having, err = e.where(s.Having); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) rewriteUnion(u *sqlparser.Union) (*sqlparser.Union, error) {
	left, err := e.selectStatement(u.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.selectStatement(u.Right)
	if err != nil {
		return nil, err
	}
	out := *u
	out.Left = left
	out.Right = right
	return &out, nil
}

// rewriteInsert touches the target table and the explicit column list.
// Row values and ON DUPLICATE KEY assignments are left as written.
func (e *Engine) rewriteInsert(ins *sqlparser.Insert) (*sqlparser.Insert, error) {
	out := *ins
	out.Table = e.rewriteTableName(ins.Table)
	if ins.Columns != nil {
		cols := make(sqlparser.Columns, len(ins.Columns))
		for i, c := range ins.Columns {
			cols[i] = e.rewriteColIdent(c)
		}
		out.Columns = cols
	}
	return &out, nil
}

// rewriteUpdate touches the target tables and the SET column names. SET
// values and WHERE are left as written.
func (e *Engine) rewriteUpdate(upd *sqlparser.Update) (*sqlparser.Update, error) {
	tables, err := e.tableExprs(upd.TableExprs)
	if err != nil {
		return nil, err
	}
	out := *upd
	out.TableExprs = tables

	exprs := make(sqlparser.UpdateExprs, len(upd.Exprs))
	for i, ue := range upd.Exprs {
		exprs[i] = &sqlparser.UpdateExpr{
			Name: e.rewriteColName(ue.Name),
			Expr: ue.Expr,
		}
	}
	out.Exprs = exprs
	return &out, nil
}

// rewriteDelete touches the FROM tables only.
func (e *Engine) rewriteDelete(del *sqlparser.Delete) (*sqlparser.Delete, error) {
	tables, err := e.tableExprs(del.TableExprs)
	if err != nil {
		return nil, err
	}
	out := *del
	out.TableExprs = tables
	return &out, nil
}

func (e *Engine) selectStatement(s sqlparser.SelectStatement) (sqlparser.SelectStatement, error) {
	if s == nil {
		return nil, nil
	}
	node, err := e.Rewrite(s, false)
	if err != nil {
		return nil, err
	}
	out, ok := node.(sqlparser.SelectStatement)
	if !ok {
		return nil, kindChanged("select statement", s, node)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Tables
// ----------------------------------------------------------------------------

func (e *Engine) tableExprs(exprs sqlparser.TableExprs) (sqlparser.TableExprs, error) {
	if exprs == nil {
		return nil, nil
	}
	out := make(sqlparser.TableExprs, len(exprs))
	for i, te := range exprs {
		node, err := e.Rewrite(te, true)
		if err != nil {
			return nil, err
		}
		rewritten, ok := node.(sqlparser.TableExpr)
		if !ok {
			return nil, kindChanged("table expression", te, node)
		}
		out[i] = rewritten
	}
	return out, nil
}

// rewriteAliasedTable rewrites the aliased expression in the caller's
// position. The alias itself is never rewritten.
func (e *Engine) rewriteAliasedTable(a *sqlparser.AliasedTableExpr, positionIsTable bool) (*sqlparser.AliasedTableExpr, error) {
	node, err := e.Rewrite(a.Expr, positionIsTable)
	if err != nil {
		return nil, err
	}
	expr, ok := node.(sqlparser.SimpleTableExpr)
	if !ok {
		return nil, kindChanged("table expression", a.Expr, node)
	}
	out := *a
	out.Expr = expr
	return &out, nil
}

// rewriteJoin rewrites both sides in table position. The join condition
// is left as written.
func (e *Engine) rewriteJoin(j *sqlparser.JoinTableExpr) (*sqlparser.JoinTableExpr, error) {
	left, err := e.Rewrite(j.LeftExpr, true)
	if err != nil {
		return nil, err
	}
	right, err := e.Rewrite(j.RightExpr, true)
	if err != nil {
		return nil, err
	}
	l, lok := left.(sqlparser.TableExpr)
	r, rok := right.(sqlparser.TableExpr)
	if !lok || !rok {
		return nil, kindChanged("join side", j, nil)
	}
	return &sqlparser.JoinTableExpr{
		LeftExpr:  l,
		Join:      j.Join,
		RightExpr: r,
		Condition: j.Condition,
	}, nil
}

// rewriteTableName applies the first table rule that accepts t.
func (e *Engine) rewriteTableName(t sqlparser.TableName) sqlparser.TableName {
	for _, rule := range e.registry.TableRules() {
		if rule.MatchTable(t) {
			return rule.RewriteTable(t)
		}
	}
	return t
}

// ----------------------------------------------------------------------------
// Columns
// ----------------------------------------------------------------------------

// rewriteColName applies the column rules to an unqualified column name.
// A qualified name (t.name) is never a bare keyword, so it is left as
// written; escaping only its name part would yield t.'name'.
func (e *Engine) rewriteColName(c *sqlparser.ColName) *sqlparser.ColName {
	if c == nil || !c.Qualifier.IsEmpty() {
		return c
	}
	name := e.rewriteColIdent(c.Name)
	if name.String() == c.Name.String() {
		return c
	}
	return &sqlparser.ColName{Name: name, Qualifier: c.Qualifier}
}

func (e *Engine) rewriteColIdent(c sqlparser.ColIdent) sqlparser.ColIdent {
	for _, rule := range e.registry.ColumnRules() {
		c = rule.RewriteColumn(c)
	}
	return c
}

// ----------------------------------------------------------------------------
// Expressions
// ----------------------------------------------------------------------------

func (e *Engine) expr(x sqlparser.Expr, positionIsTable bool) (sqlparser.Expr, error) {
	if x == nil {
		return nil, nil
	}
	node, err := e.Rewrite(x, positionIsTable)
	if err != nil {
		return nil, err
	}
	out, ok := node.(sqlparser.Expr)
	if !ok {
		return nil, kindChanged("expression", x, node)
	}
	return out, nil
}

func (e *Engine) pair(left, right sqlparser.Expr) (sqlparser.Expr, sqlparser.Expr, error) {
	l, err := e.expr(left, false)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.expr(right, false)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func (e *Engine) where(w *sqlparser.Where) (*sqlparser.Where, error) {
	if w == nil {
		return nil, nil
	}
	x, err := e.expr(w.Expr, false)
	if err != nil {
		return nil, err
	}
	return &sqlparser.Where{Type: w.Type, Expr: x}, nil
}

func (e *Engine) selectExprs(exprs sqlparser.SelectExprs, positionIsTable bool) (sqlparser.SelectExprs, error) {
	if exprs == nil {
		return nil, nil
	}
	out := make(sqlparser.SelectExprs, len(exprs))
	for i, se := range exprs {
		node, err := e.Rewrite(se, positionIsTable)
		if err != nil {
			return nil, err
		}
		rewritten, ok := node.(sqlparser.SelectExpr)
		if !ok {
			return nil, kindChanged("select expression", se, node)
		}
		out[i] = rewritten
	}
	return out, nil
}

func (e *Engine) valTuple(t sqlparser.ValTuple) (sqlparser.ValTuple, error) {
	out := make(sqlparser.ValTuple, len(t))
	for i, x := range t {
		rewritten, err := e.expr(x, false)
		if err != nil {
			return nil, err
		}
		out[i] = rewritten
	}
	return out, nil
}

func (e *Engine) rewriteRange(rc *sqlparser.RangeCond) (*sqlparser.RangeCond, error) {
	left, err := e.expr(rc.Left, false)
	if err != nil {
		return nil, err
	}
	from, to, err := e.pair(rc.From, rc.To)
	if err != nil {
		return nil, err
	}
	return &sqlparser.RangeCond{Operator: rc.Operator, Left: left, From: from, To: to}, nil
}

func (e *Engine) rewriteCase(c *sqlparser.CaseExpr) (*sqlparser.CaseExpr, error) {
	subject, err := e.expr(c.Expr, false)
	if err != nil {
		return nil, err
	}
	whens := make([]*sqlparser.When, len(c.Whens))
	for i, w := range c.Whens {
		cond, val, err := e.pair(w.Cond, w.Val)
		if err != nil {
			return nil, err
		}
		whens[i] = &sqlparser.When{Cond: cond, Val: val}
	}
	els, err := e.expr(c.Else, false)
	if err != nil {
		return nil, err
	}
	return &sqlparser.CaseExpr{Expr: subject, Whens: whens, Else: els}, nil
}

func (e *Engine) rewriteSubstr(s *sqlparser.SubstrExpr) (*sqlparser.SubstrExpr, error) {
	from, to, err := e.pair(s.From, s.To)
	if err != nil {
		return nil, err
	}
	return &sqlparser.SubstrExpr{Name: e.rewriteColName(s.Name), From: from, To: to}, nil
}

// kindChanged reports a rewrite that returned a node of the wrong kind for
// its slot. Built-in rewrites never do this.
func kindChanged(slot string, before, after sqlparser.SQLNode) error {
	return errors.Internal(fmt.Sprintf("rewrite changed %s kind: %T -> %T", slot, before, after)).
		WithOp("Engine.Rewrite").
		Err()
}

// parseArg turns one argument text from a simple function rule back into
// an expression.
func parseArg(text string) (sqlparser.SelectExpr, error) {
	if text == "*" {
		return &sqlparser.StarExpr{}, nil
	}
	x, err := dialect.ParseExpr(text)
	if err != nil {
		return nil, err
	}
	return &sqlparser.AliasedExpr{Expr: x}, nil
}
