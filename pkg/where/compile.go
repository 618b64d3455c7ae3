package where

import (
	"fmt"
	"strings"
)

// Quoter is a dialect hook used by the compiler for all identifiers and values
type Quoter interface {
	QuoteIdent(name string) string
	QuoteValue(v any) string
	Like(column, pattern string) string // column and pattern are quoted already
}

// Compiler renders where tree into sql predicate
type Compiler struct {
	Quoter Quoter
}

// Compile renders the node. The root bracket is not wrapped in parentheses, nested brackets are.
// Empty brackets are skipped, an empty tree compiles to an empty string.
func (c Compiler) Compile(n Node) (string, error) {
	if n == nil {
		return "", nil
	}
	if b, ok := n.(Bracket); ok {
		return c.bracket(b)
	}
	return c.node(n)
}

func (c Compiler) bracket(b Bracket) (string, error) {
	op := b.Op
	if op == "" {
		op = And
	}
	if op != And && op != Or {
		return "", fmt.Errorf("%w: bracket operator %q", ErrUnknownOperator, op)
	}
	parts := make([]string, 0, len(b.Nodes))
	for _, n := range b.Nodes {
		if nb, ok := n.(Bracket); ok {
			s, err := c.bracket(nb)
			if err != nil {
				return "", err
			}
			if s != "" {
				parts = append(parts, "("+s+")")
			}
			continue
		}
		s, err := c.node(n)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " "+string(op)+" "), nil
}

func (c Compiler) node(n Node) (string, error) {
	switch v := n.(type) {
	case Equality:
		return c.compare(v.Column, Eq, v.Value)
	case Comparison:
		return c.compare(v.Column, v.Op, v.Value)
	case Bracket:
		return c.bracket(v)
	}
	return "", fmt.Errorf("%w: unexpected node %T", ErrInvalidWhere, n)
}

func (c Compiler) compare(column string, op Op, value any) (string, error) {
	if column == "" {
		return "", fmt.Errorf("%w: empty column", ErrInvalidWhere)
	}
	col := c.Quoter.QuoteIdent(column)
	list, isList := asList(value)

	switch op {
	case Eq, In:
		if value == nil {
			if op == In {
				return "", fmt.Errorf("%w: in with null on %q", ErrInvalidOperand, column)
			}
			return col + " is null", nil
		}
		if !isList {
			if op == In {
				return col + " in (" + c.Quoter.QuoteValue(value) + ")", nil
			}
			return col + " = " + c.Quoter.QuoteValue(value), nil
		}
		return c.in(col, "in", list, "1 = 0"), nil
	case Ne:
		if value == nil {
			return col + " is not null", nil
		}
		if isList {
			return c.in(col, "not in", list, "1 = 1"), nil
		}
		return col + " <> " + c.Quoter.QuoteValue(value), nil
	case Gt, Gte, Lt, Lte:
		if value == nil || isList {
			return "", fmt.Errorf("%w: %s requires a scalar on %q, got %v", ErrInvalidOperand, op, column, value)
		}
		return col + " " + string(op) + " " + c.Quoter.QuoteValue(value), nil
	case Like:
		if value == nil || isList {
			return "", fmt.Errorf("%w: like requires a pattern on %q, got %v", ErrInvalidOperand, column, value)
		}
		return c.Quoter.Like(col, c.Quoter.QuoteValue(value)), nil
	}
	return "", fmt.Errorf("%w: %q on %q", ErrUnknownOperator, op, column)
}

// in renders "col in (...)", an empty list makes constant predicate
func (c Compiler) in(col, verb string, list []any, whenEmpty string) string {
	if len(list) == 0 {
		return whenEmpty
	}
	vals := make([]string, len(list))
	for i, v := range list {
		vals[i] = c.Quoter.QuoteValue(v)
	}
	return col + " " + verb + " (" + strings.Join(vals, ", ") + ")"
}
