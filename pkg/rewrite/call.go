package rewrite

import (
	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
)

// rewriteCall applies the function rule registered for the call's name.
// Custom output replaces the whole call; simple output rebuilds the call
// with new arguments. Output from a rule is final and is not walked again.
// Calls without a rule, or whose rule declines, have their arguments
// rewritten in column position.
func (e *Engine) rewriteCall(fn *sqlparser.FuncExpr) (sqlparser.Expr, error) {
	if rule, ok := e.registry.Function(fn.Name.String()); ok {
		args := argTexts(fn.Exprs)

		if rule.Custom != nil {
			if text, ok := rule.Custom(args); ok {
				x, err := dialect.ParseExpr(text)
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrCodeParseRuleOutput, "function rule produced invalid SQL").
						WithField("function", rule.Key()).
						WithField("output", text).
						WithOp("Engine.Rewrite").
						Err()
				}
				return x, nil
			}
		}

		if rule.Simple != nil {
			if newArgs := rule.Simple(args); newArgs != nil {
				exprs := make(sqlparser.SelectExprs, 0, len(newArgs))
				for _, text := range newArgs {
					arg, err := parseArg(text)
					if err != nil {
						return nil, errors.Wrap(err, errors.ErrCodeParseRuleOutput, "function rule produced an invalid argument").
							WithField("function", rule.Key()).
							WithField("argument", text).
							WithOp("Engine.Rewrite").
							Err()
					}
					exprs = append(exprs, arg)
				}
				return &sqlparser.FuncExpr{
					Qualifier: fn.Qualifier,
					Name:      sqlparser.NewColIdent(rule.TargetName(fn.Name.String())),
					Distinct:  fn.Distinct,
					Exprs:     exprs,
				}, nil
			}
		}
	}

	exprs, err := e.selectExprs(fn.Exprs, false)
	if err != nil {
		return nil, err
	}
	out := *fn
	out.Exprs = exprs
	return &out, nil
}

// argTexts renders each argument of a call as source text, the form
// function rules work on.
func argTexts(exprs sqlparser.SelectExprs) []string {
	args := make([]string, len(exprs))
	for i, x := range exprs {
		args[i] = sqlparser.String(x)
	}
	return args
}
