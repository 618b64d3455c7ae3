// Package where keeps filter expressions as a strict tree of brackets, comparisons and equalities
// and compiles them into dialect-specific sql predicates.
package where

import (
	"errors"
	"reflect"
	"strings"
)

// Errors returned by parsing and compiling
var (
	ErrInvalidOperand  = errors.New("invalid operand")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidWhere    = errors.New("invalid where expression")
)

// Op is a comparison operator
type Op string

// enum of all comparison operators
const (
	Eq   Op = "="
	Ne   Op = "<>"
	Gt   Op = ">"
	Gte  Op = ">="
	Lt   Op = "<"
	Lte  Op = "<="
	In   Op = "in"
	Like Op = "like"
)

// Join is a logical operator joining bracket members
type Join string

// enum of join operators
const (
	And Join = "and"
	Or  Join = "or"
)

// Node is a member of where tree, one of Bracket, Comparison or Equality
type Node interface {
	whereNode()
}

// Bracket groups nodes joined by Op
type Bracket struct {
	Op    Join
	Nodes []Node
}

// Comparison is "column op value"
type Comparison struct {
	Column string
	Op     Op
	Value  any
}

// Equality is "column = value", nil value means "is null" and a list means "in (...)"
type Equality struct {
	Column string
	Value  any
}

func (Bracket) whereNode()    {}
func (Comparison) whereNode() {}
func (Equality) whereNode()   {}

// Empty returns true if the bracket has no members, directly or in nested brackets
func (b Bracket) Empty() bool {
	for _, n := range b.Nodes {
		if nb, ok := n.(Bracket); ok && nb.Empty() {
			continue
		}
		return false
	}
	return true
}

var opAliases = map[string]Op{
	"=": Eq, "==": Eq, "$eq": Eq, "eq": Eq,
	"<>": Ne, "!=": Ne, "$ne": Ne, "ne": Ne,
	">": Gt, "$gt": Gt, "gt": Gt,
	">=": Gte, "$gte": Gte, "gte": Gte,
	"<": Lt, "$lt": Lt, "lt": Lt,
	"<=": Lte, "$lte": Lte, "lte": Lte,
	"in": In, "$in": In,
	"like": Like, "$like": Like,
}

// ParseOp converts operator or its alias ($gt, !=, $in etc.) to Op
func ParseOp(s string) (Op, bool) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// ParseJoin converts "and", "or", "$and" and "$or" in any case to Join
func ParseJoin(s string) (Join, bool) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "$")) {
	case "and":
		return And, true
	case "or":
		return Or, true
	}
	return "", false
}

// asList returns elements of any slice or array value except []byte, which is a scalar
func asList(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil, []byte, string:
		return nil, false
	case []any:
		return val, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	res := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		res[i] = rv.Index(i).Interface()
	}
	return res, true
}
