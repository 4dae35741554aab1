// Package calc implements the expression evaluation tool.
//
// The primary method evaluates with expr-lang/expr. When it fails, the tool
// falls back to folding the expression as a Go constant expression, then to
// an external python3 interpreter run through the sandbox executor.
package calc

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Name is the registry name of the calc tool.
const Name = "calc"

// Alternative method names.
const (
	MethodConstantFold = "constant_fold"
	MethodInterpreter  = "interpreter"
)

const (
	maxExpressionLen   = 4096
	interpreterTimeout = 10 * time.Second
)

// pythonEval walks the parsed expression and evaluates only numeric and
// boolean literals, arithmetic, comparison and boolean operators. Names,
// calls, attributes and subscripts are rejected before anything runs.
const pythonEval = `import ast, operator as op, sys
BIN = {ast.Add: op.add, ast.Sub: op.sub, ast.Mult: op.mul, ast.Div: op.truediv,
       ast.FloorDiv: op.floordiv, ast.Mod: op.mod, ast.Pow: op.pow,
       ast.BitAnd: op.and_, ast.BitOr: op.or_, ast.BitXor: op.xor,
       ast.LShift: op.lshift, ast.RShift: op.rshift}
UN = {ast.UAdd: op.pos, ast.USub: op.neg, ast.Not: op.not_, ast.Invert: op.invert}
CMP = {ast.Eq: op.eq, ast.NotEq: op.ne, ast.Lt: op.lt, ast.LtE: op.le, ast.Gt: op.gt, ast.GtE: op.ge}
def ev(n):
    if isinstance(n, ast.Expression):
        return ev(n.body)
    if isinstance(n, ast.Constant) and type(n.value) in (int, float, bool):
        return n.value
    if isinstance(n, ast.BinOp) and type(n.op) in BIN:
        l, r = ev(n.left), ev(n.right)
        if isinstance(n.op, (ast.Pow, ast.LShift)) and abs(r) > 1024:
            raise ValueError("exponent out of range")
        return BIN[type(n.op)](l, r)
    if isinstance(n, ast.UnaryOp) and type(n.op) in UN:
        return UN[type(n.op)](ev(n.operand))
    if isinstance(n, ast.BoolOp):
        vals = [ev(v) for v in n.values]
        return all(vals) if isinstance(n.op, ast.And) else any(vals)
    if isinstance(n, ast.Compare):
        left = ev(n.left)
        for o, c in zip(n.ops, n.comparators):
            if type(o) not in CMP:
                raise ValueError("unsupported comparison: " + type(o).__name__)
            right = ev(c)
            if not CMP[type(o)](left, right):
                return False
            left = right
        return True
    raise ValueError("unsupported syntax: " + type(n).__name__)
print(ev(ast.parse(sys.argv[1], mode="eval")))`

var errNoInterpreterSession = errors.New("interpreter requires a session")

// Tool evaluates arithmetic and boolean expressions.
type Tool struct {
	exec   *sandbox.Executor
	logger *slog.Logger
	alts   []tools.Method
}

// New creates a calc tool. exec may be nil, in which case the interpreter
// alternative is not offered.
func New(exec *sandbox.Executor, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Tool{exec: exec, logger: logger}
	t.alts = []tools.Method{{Name: MethodConstantFold, Run: t.constantFold}}
	if exec != nil && exec.Supports(sandbox.StrategyDirect) {
		t.alts = append(t.alts, tools.Method{Name: MethodInterpreter, Run: t.interpreter})
	}
	return t
}

func (t *Tool) Spec() tools.Spec {
	return tools.Spec{
		Name:         Name,
		Description:  "Evaluate an arithmetic or boolean expression",
		Capabilities: tools.Capabilities("math", "compute", "expression"),
	}
}

func (t *Tool) EstimateCost(*tools.Invocation) float64 { return 0 }

func (t *Tool) Alternatives() []tools.Method { return t.alts }

// Validate requires a non-empty "expression" string param.
func (t *Tool) Validate(inv *tools.Invocation) error {
	_, err := expression(inv)
	return err
}

func expression(inv *tools.Invocation) (string, error) {
	s, err := tools.RequireString(inv.Params, "expression")
	if err != nil {
		return "", err
	}
	if len(s) > maxExpressionLen {
		return "", tools.Invalid("expression", "length %d exceeds limit %d", len(s), maxExpressionLen)
	}
	if strings.ContainsRune(s, 0) {
		return "", tools.Invalid("expression", "must not contain NUL bytes")
	}
	return strings.TrimSpace(s), nil
}

// Primary compiles and runs the expression with an empty environment.
func (t *Tool) Primary(ctx context.Context, inv *tools.Invocation) (any, error) {
	src, err := expression(inv)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compiling expression: %w", err)
	}
	out, err := expr.Run(program, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return out, nil
}

func (t *Tool) constantFold(ctx context.Context, inv *tools.Invocation) (any, error) {
	src, err := expression(inv)
	if err != nil {
		return nil, err
	}
	return Fold(src)
}

// Fold evaluates src as a Go constant expression with arbitrary precision.
// Division is exact, so 7/2 yields 3.5.
func Fold(src string) (any, error) {
	node, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("parsing expression: %w", err)
	}
	v, err := fold(node)
	if err != nil {
		return nil, err
	}
	return goValue(v)
}

func fold(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		v := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("invalid literal %s", n.Value)
		}
		if n.Kind == token.STRING || n.Kind == token.CHAR {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return v, nil
	case *ast.Ident:
		switch n.Name {
		case "true":
			return constant.MakeBool(true), nil
		case "false":
			return constant.MakeBool(false), nil
		}
		return nil, fmt.Errorf("unknown identifier %q", n.Name)
	case *ast.ParenExpr:
		return fold(n.X)
	case *ast.UnaryExpr:
		x, err := fold(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB, token.XOR:
			if !numeric(x) {
				return nil, fmt.Errorf("operator %s requires a number", n.Op)
			}
			if n.Op == token.XOR && x.Kind() != constant.Int {
				return nil, fmt.Errorf("operator ^ requires an integer")
			}
		case token.NOT:
			if x.Kind() != constant.Bool {
				return nil, fmt.Errorf("operator ! requires a boolean")
			}
		default:
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		return constant.UnaryOp(n.Op, x, 0), nil
	case *ast.BinaryExpr:
		x, err := fold(n.X)
		if err != nil {
			return nil, err
		}
		y, err := fold(n.Y)
		if err != nil {
			return nil, err
		}
		return binary(n.Op, x, y)
	default:
		return nil, fmt.Errorf("unsupported expression %T", node)
	}
}

func binary(op token.Token, x, y constant.Value) (constant.Value, error) {
	switch op {
	case token.LAND, token.LOR:
		if x.Kind() != constant.Bool || y.Kind() != constant.Bool {
			return nil, fmt.Errorf("operator %s requires booleans", op)
		}
		return constant.BinaryOp(x, op, y), nil
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		if numeric(x) != numeric(y) {
			return nil, fmt.Errorf("cannot compare %s and %s", x.Kind(), y.Kind())
		}
		if !numeric(x) && op != token.EQL && op != token.NEQ {
			return nil, fmt.Errorf("operator %s requires numbers", op)
		}
		return constant.MakeBool(constant.Compare(x, op, y)), nil
	case token.SHL, token.SHR:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, fmt.Errorf("operator %s requires integers", op)
		}
		s, ok := constant.Uint64Val(y)
		if !ok || s > 1024 {
			return nil, fmt.Errorf("shift count %s out of range", y)
		}
		return constant.Shift(x, op, uint(s)), nil
	}

	if !numeric(x) || !numeric(y) {
		return nil, fmt.Errorf("operator %s requires numbers", op)
	}
	switch op {
	case token.ADD, token.SUB, token.MUL:
	case token.QUO:
		if constant.Sign(y) == 0 {
			return nil, errors.New("division by zero")
		}
	case token.REM, token.AND, token.OR, token.XOR, token.AND_NOT:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, fmt.Errorf("operator %s requires integers", op)
		}
		if op == token.REM && constant.Sign(y) == 0 {
			return nil, errors.New("division by zero")
		}
	default:
		return nil, fmt.Errorf("unsupported operator %s", op)
	}
	return constant.BinaryOp(x, op, y), nil
}

func numeric(v constant.Value) bool {
	switch v.Kind() {
	case constant.Int, constant.Float:
		return true
	}
	return false
}

// goValue converts a folded constant into int, float64 or bool. Integral
// results are returned as int.
func goValue(v constant.Value) (any, error) {
	switch v.Kind() {
	case constant.Bool:
		return constant.BoolVal(v), nil
	case constant.Int:
		if n, ok := constant.Int64Val(v); ok {
			return int(n), nil
		}
		return nil, fmt.Errorf("integer result %s overflows int64", v.ExactString())
	case constant.Float:
		if i := constant.ToInt(v); i.Kind() == constant.Int {
			return goValue(i)
		}
		f, _ := constant.Float64Val(v)
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported result kind %s", v.Kind())
	}
}

// interpreter evaluates through python3 without a shell, passing the
// expression as an argument rather than interpolating it into code.
func (t *Tool) interpreter(ctx context.Context, inv *tools.Invocation) (any, error) {
	src, err := expression(inv)
	if err != nil {
		return nil, err
	}
	if inv.SessionID == "" {
		return nil, errNoInterpreterSession
	}

	res, err := t.exec.Execute(ctx, sandbox.StrategyDirect, sandbox.Request{
		Command:   "python3 -I -c",
		Args:      []string{pythonEval, src},
		SessionID: inv.SessionID,
		Timeout:   interpreterTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := sandbox.CheckExit(res); err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "calc interpreter finished",
		slog.String("chain_id", inv.ChainID),
		slog.Duration("duration", res.Duration),
	)
	return parseScalar(strings.TrimSpace(res.Stdout)), nil
}

// parseScalar maps interpreter output back to int, float64, bool or string.
func parseScalar(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "True":
		return true
	case "False":
		return false
	}
	return s
}
