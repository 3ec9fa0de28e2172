package dialect

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/errors"
)

// Parse parses a single SQL statement. Parser failures are returned as
// ErrCodeParse errors carrying the input text.
func Parse(sqlText string) (sqlparser.Statement, error) {
	stmt, _, err := ParseStatement(sqlText)
	return stmt, err
}

// ParseStatement parses a single SQL statement and also returns the number
// of '?' markers in it. The parser names those markers :v1, :v2 ... in the
// tree, so a user parameter spelled :vN with N within that range could not
// be told apart from a marker and is rejected.
func ParseStatement(sqlText string) (sqlparser.Statement, int, error) {
	text := strings.TrimSpace(sqlText)
	text = strings.TrimSuffix(text, ";")
	if text == "" {
		return nil, 0, errors.New(errors.ErrCodeParse, "empty statement").
			WithOp("dialect.Parse").
			Err()
	}

	stmt, err := sqlparser.Parse(text)
	if err != nil {
		return nil, 0, errors.Parse(err, sqlText).WithOp("dialect.Parse").Err()
	}

	positional, named := scanArgs(text)
	for _, arg := range named {
		if n, ok := positionalArg(arg); ok && n <= positional {
			return nil, 0, errors.Newf(errors.ErrCodeParse,
				"parameter %s clashes with positional marker %d", arg, n).
				WithField("sql", sqlText).
				WithOp("dialect.Parse").
				Err()
		}
	}
	return stmt, positional, nil
}

// scanArgs counts '?' markers and collects named parameters in text.
func scanArgs(text string) (positional int, named []string) {
	tkn := sqlparser.NewStringTokenizer(text)
	for {
		typ, val := tkn.Scan()
		switch typ {
		case 0, sqlparser.LEX_ERROR:
			return positional, named
		case sqlparser.VALUE_ARG:
			// Scan has read one character past the token.
			end := tkn.Position - 1
			if end >= 1 && end <= len(text) && text[end-1] == '?' {
				positional++
			} else {
				named = append(named, string(val))
			}
		}
	}
}

// ParseExpr parses a standalone expression such as the output of a
// function rule. Anything other than exactly one unaliased expression is
// rejected with ErrCodeParseRuleOutput.
func ParseExpr(exprText string) (sqlparser.Expr, error) {
	fail := func(cause error) error {
		b := errors.New(errors.ErrCodeParseRuleOutput, "invalid expression")
		if cause != nil {
			b = errors.Wrap(cause, errors.ErrCodeParseRuleOutput, "invalid expression")
		}
		return b.WithField("expr", exprText).WithOp("dialect.ParseExpr").Err()
	}

	if strings.TrimSpace(exprText) == "" {
		return nil, fail(nil)
	}

	stmt, err := sqlparser.Parse("select " + exprText)
	if err != nil {
		return nil, fail(err)
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok || len(sel.SelectExprs) != 1 || sel.Where != nil || len(sel.GroupBy) > 0 ||
		sel.Having != nil || len(sel.OrderBy) > 0 || sel.Limit != nil {
		return nil, fail(nil)
	}
	if len(sel.From) != 1 || sqlparser.String(sel.From) != "dual" {
		return nil, fail(nil)
	}

	aliased, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok || !aliased.As.IsEmpty() {
		return nil, fail(nil)
	}
	return aliased.Expr, nil
}

// Split breaks a script into statements on top-level semicolons. Blank
// pieces are dropped; quoted semicolons are not split points.
func Split(script string) ([]string, error) {
	pieces, err := sqlparser.SplitStatementToPieces(script)
	if err != nil {
		return nil, errors.Parse(err, script).WithOp("dialect.Split").Err()
	}
	out := pieces[:0]
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
