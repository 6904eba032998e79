package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
)

// Calculator evaluates arithmetic expressions with + - * / % and
// parentheses. Nothing but numeric literals is accepted.
var Calculator Backend = FuncBackend(func(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	expr, _ := req.Payload["expression"].(string)
	v, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": v}, nil
})

// Evaluate computes an arithmetic expression exactly and returns it as a
// float64.
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, goerr.Wrap(err, "invalid expression", goerr.V("expression", expr))
	}
	v, err := eval(node)
	if err != nil {
		return 0, goerr.Wrap(err, "cannot evaluate expression", goerr.V("expression", expr))
	}
	f, _ := constant.Float64Val(constant.ToFloat(v))
	return f, nil
}

func eval(n ast.Expr) (constant.Value, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", e.Value)
		}
		return constant.MakeFromLiteral(e.Value, e.Kind, 0), nil

	case *ast.ParenExpr:
		return eval(e.X)

	case *ast.UnaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD, token.SUB:
			return constant.UnaryOp(e.Op, x, 0), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", e.Op)

	case *ast.BinaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(e.Y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, e.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return constant.BinaryOp(constant.ToFloat(x), token.QUO, constant.ToFloat(y)), nil
		case token.REM:
			if x.Kind() != constant.Int || y.Kind() != constant.Int {
				return nil, fmt.Errorf("%% needs integers")
			}
			if constant.Sign(y) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return constant.BinaryOp(x, token.REM, y), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", e.Op)
	}
	return nil, fmt.Errorf("unsupported expression %T", n)
}
