// Package query implements a small expression language over document
// properties, compiled to SQL for plain databases and evaluated in process
// for encrypted ones, plus value index management.
//
// Expressions look like:
//
//	type = 'user' AND age >= 21
//	name LIKE 'A%' OR (vip AND NOT banned)
//	address.city = 'Oslo'
package query

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/Bramble/core/errors"
)

// Expression is a parsed filter expression.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Expression struct {
	Or []*andExpr `@@ ( "OR" @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type andExpr struct {
	And []*notExpr `@@ ( "AND" @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type notExpr struct {
	Not *notExpr    `"NOT" @@`
	Cmp *comparison `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type comparison struct {
	Left  *operand `@@`
	Op    string   `( @( "<=" | ">=" | "!=" | "=" | "<" | ">" | "LIKE" )`
	Right *operand `  @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type operand struct {
	Str    *string     `@String`
	Number *float64    `| @Number`
	True   bool        `| @"TRUE"`
	False  bool        `| @"FALSE"`
	Null   bool        `| @"NULL"`
	Sub    *Expression `| "(" @@ ")"`
	Path   []string    `| @Ident ( "." @Ident )*`
}

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `-?[0-9]+(?:\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Operator", Pattern: `<=|>=|!=|=|<|>`},
	{Name: "Punct", Pattern: `[().]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var exprParser = participle.MustBuild[Expression](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
)

// Parse parses a filter expression.
func Parse(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.NewValidation("expression", "must not be empty")
	}
	expr, err := exprParser.ParseString("", src)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid expression %q: %v", src, err)
	}
	return expr, nil
}

// unquote strips the surrounding quotes from a string literal and collapses
// doubled quotes.
func unquote(lit string) string {
	if len(lit) >= 2 {
		lit = lit[1 : len(lit)-1]
	}
	return strings.ReplaceAll(lit, "''", "'")
}
