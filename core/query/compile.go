package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/FocuswithJustin/Bramble/core/errors"
)

// compiled is the SQL form of an expression: a WHERE fragment over
// json_extract(body, ...) plus bound arguments.
type compiled struct {
	sql  string
	args []any
}

// compileSQL lowers the expression to a SQL fragment.
func (e *Expression) compileSQL() compiled {
	var parts []string
	var args []any
	for _, a := range e.Or {
		c := a.compileSQL()
		parts = append(parts, c.sql)
		args = append(args, c.args...)
	}
	if len(parts) == 1 {
		return compiled{parts[0], args}
	}
	return compiled{"(" + strings.Join(parts, " OR ") + ")", args}
}

func (a *andExpr) compileSQL() compiled {
	var parts []string
	var args []any
	for _, n := range a.And {
		c := n.compileSQL()
		parts = append(parts, c.sql)
		args = append(args, c.args...)
	}
	if len(parts) == 1 {
		return compiled{parts[0], args}
	}
	return compiled{"(" + strings.Join(parts, " AND ") + ")", args}
}

func (n *notExpr) compileSQL() compiled {
	if n.Not != nil {
		c := n.Not.compileSQL()
		return compiled{"NOT " + c.sql, c.args}
	}
	return n.Cmp.compileSQL()
}

func (c *comparison) compileSQL() compiled {
	left, largs := c.Left.compileSQL()
	if c.Op == "" {
		// Bare operand: truthiness.
		return compiled{left, largs}
	}

	// NULL comparisons become IS / IS NOT so SQL three-valued logic does not
	// swallow them.
	if c.Right.Null {
		switch c.Op {
		case "=":
			return compiled{left + " IS NULL", largs}
		case "!=":
			return compiled{left + " IS NOT NULL", largs}
		}
	}

	right, rargs := c.Right.compileSQL()
	return compiled{
		fmt.Sprintf("%s %s %s", left, c.Op, right),
		append(largs, rargs...),
	}
}

// compileSQL returns the operand's SQL and its bound arguments.
func (o *operand) compileSQL() (string, []any) {
	switch {
	case o.Str != nil:
		return "?", []any{unquote(*o.Str)}
	case o.Number != nil:
		return "?", []any{*o.Number}
	case o.True:
		return "1", nil
	case o.False:
		return "0", nil
	case o.Null:
		return "NULL", nil
	case o.Sub != nil:
		c := o.Sub.compileSQL()
		return "(" + c.sql + ")", c.args
	default:
		return pathSQL(o.Path), nil
	}
}

// pathSQL builds the json_extract accessor for a property path. Every segment
// must already be a valid identifier; paths built outside the parser go
// through parsePath first.
func pathSQL(path []string) string {
	return fmt.Sprintf("json_extract(body, '$.%s')", strings.Join(path, "."))
}

// identPattern mirrors the expression lexer's Ident rule.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// parsePath splits a dotted property path ("address.city"), requiring each
// segment to be an identifier under the same rule the expression lexer
// applies to paths inside a where clause.
func parsePath(field, path string) ([]string, error) {
	segs := strings.Split(strings.TrimSpace(path), ".")
	for _, s := range segs {
		if !identPattern.MatchString(s) {
			return nil, &errors.ValidationError{
				Field:   field,
				Value:   path,
				Message: "property path segments must be identifiers (letters, digits, _)",
			}
		}
	}
	return segs, nil
}

// --- in-process evaluation (encrypted databases) ---

// Eval evaluates the expression against a document body.
func (e *Expression) Eval(props map[string]any) bool {
	for _, a := range e.Or {
		if a.eval(props) {
			return true
		}
	}
	return false
}

func (a *andExpr) eval(props map[string]any) bool {
	for _, n := range a.And {
		if !n.eval(props) {
			return false
		}
	}
	return true
}

func (n *notExpr) eval(props map[string]any) bool {
	if n.Not != nil {
		return !n.Not.eval(props)
	}
	return n.Cmp.eval(props)
}

func (c *comparison) eval(props map[string]any) bool {
	left := c.Left.value(props)
	if c.Op == "" {
		return truthy(left)
	}
	right := c.Right.value(props)

	switch c.Op {
	case "=":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	case "LIKE":
		return like(left, right)
	}

	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		switch c.Op {
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		case ">":
			return ln > rn
		case ">=":
			return ln >= rn
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch c.Op {
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

// value resolves the operand against a document body.
func (o *operand) value(props map[string]any) any {
	switch {
	case o.Str != nil:
		return unquote(*o.Str)
	case o.Number != nil:
		return *o.Number
	case o.True:
		return true
	case o.False:
		return false
	case o.Null:
		return nil
	case o.Sub != nil:
		return o.Sub.Eval(props)
	default:
		return lookupPath(props, o.Path)
	}
}

// lookupPath walks nested maps along a property path.
func lookupPath(props map[string]any, path []string) any {
	var cur any = props
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func equal(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

// asNumber normalizes JSON numbers and booleans for comparison.
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// like matches SQL LIKE semantics: % is any run, _ is one character,
// case-insensitive.
func like(v, pattern any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}

	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
