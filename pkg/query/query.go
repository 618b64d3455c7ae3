// Package query builds single-table select, insert, update and delete statements.
// All dialect-specific rendering is delegated to Dialect, values are inlined with dialect quoting.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/umputun/dbdef/pkg/where"
)

// Statement errors
var (
	ErrConflictingOptions = errors.New("conflicting options")
	ErrUpsertUnsupported  = errors.New("upsert is not supported natively")
	ErrInvalidTruncate    = errors.New("truncate with where filter")
	ErrEmptyRow           = errors.New("empty row")
	ErrInvalidLimit       = errors.New("invalid limit")
)

// Dialect renders engine-specific parts of statements
type Dialect interface {
	where.Quoter
	InsertVerb(ignore, replace bool) string                  // e.g. "insert ignore" or "insert or replace"
	UpdateVerb(ignore bool) string                           // e.g. "update" or "update or ignore"
	UpsertClause(columns []string) (clause string, ok bool) // suffix of insert, ok=false if not supported
	Truncate(table string) string                            // table is quoted already
}

// Ref is a table reference. Plain names are prefixed and quoted, raw ones are used as is.
type Ref struct {
	Name string
	Raw  bool
}

// Table makes a reference to a table, prefixed and quoted on render
func Table(name string) Ref { return Ref{Name: name} }

// Raw makes a reference written into the statement as is, without prefix or quoting
func Raw(name string) Ref { return Ref{Name: name, Raw: true} }

// Row is a set of column values
type Row map[string]any

// Columns returns column names sorted, this is the order used in statements
func (r Row) Columns() []string {
	res := make([]string, 0, len(r))
	for k := range r {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// SelectOpts defines select options. Order columns with "-" prefix are descending.
// Page is 1-based and sets offset to (page-1)*limit, it takes precedence over Offset.
type SelectOpts struct {
	Columns []string
	Order   []string
	Limit   int
	Offset  int
	Page    int
}

// InsertOpts defines insert variants, at most one can be set
type InsertOpts struct {
	Ignore  bool
	Replace bool
	Upsert  bool
}

// UpdateOpts defines update options
type UpdateOpts struct {
	Ignore bool
}

// DeleteOpts defines delete options. Truncate requires empty where.
type DeleteOpts struct {
	Truncate bool
}

// Builder makes statements for a dialect, prefixing table names with Prefix
type Builder struct {
	Dialect Dialect
	Prefix  string
}

// Name returns rendered table reference
func (b Builder) Name(t Ref) string {
	if t.Raw {
		return t.Name
	}
	return b.Dialect.QuoteIdent(b.Prefix + t.Name)
}

// Where compiles where node with the builder's dialect, empty node makes empty string
func (b Builder) Where(w where.Node) (string, error) {
	res, err := where.Compiler{Quoter: b.Dialect}.Compile(w)
	if err != nil {
		return "", fmt.Errorf("can't compile where: %w", err)
	}
	return res, nil
}

// Select makes "select <cols> from <table> [where ...] [order by ...] [limit n [offset m]]"
func (b Builder) Select(t Ref, w where.Node, opts SelectOpts) (string, error) {
	var sb strings.Builder
	sb.WriteString("select ")
	sb.WriteString(b.columns(opts.Columns))
	sb.WriteString(" from ")
	sb.WriteString(b.Name(t))

	cond, err := b.Where(w)
	if err != nil {
		return "", err
	}
	if cond != "" {
		sb.WriteString(" where ")
		sb.WriteString(cond)
	}

	if len(opts.Order) > 0 {
		order := make([]string, 0, len(opts.Order))
		for _, o := range opts.Order {
			switch {
			case strings.HasPrefix(o, "-"):
				order = append(order, b.Dialect.QuoteIdent(strings.TrimPrefix(o, "-"))+" desc")
			default:
				order = append(order, b.Dialect.QuoteIdent(strings.TrimPrefix(o, "+")))
			}
		}
		sb.WriteString(" order by ")
		sb.WriteString(strings.Join(order, ", "))
	}

	limit, offset, err := opts.window()
	if err != nil {
		return "", err
	}
	if limit > 0 {
		sb.WriteString(" limit " + strconv.Itoa(limit))
		if offset > 0 {
			sb.WriteString(" offset " + strconv.Itoa(offset))
		}
	}
	return sb.String(), nil
}

// window returns limit and offset, with offset derived from page if set
func (o SelectOpts) window() (limit, offset int, err error) {
	if o.Limit < 0 || o.Offset < 0 || o.Page < 0 {
		return 0, 0, fmt.Errorf("%w: negative limit, offset or page", ErrInvalidLimit)
	}
	offset = o.Offset
	if o.Page > 0 {
		offset = (o.Page - 1) * o.Limit
	}
	if offset > 0 && o.Limit == 0 {
		return 0, 0, fmt.Errorf("%w: offset %d without limit", ErrInvalidLimit, offset)
	}
	return o.Limit, offset, nil
}

// Insert makes "insert into <table> (cols) values (vals)" with the dialect's ignore, replace or upsert variant
func (b Builder) Insert(t Ref, row Row, opts InsertOpts) (string, error) {
	set := 0
	for _, f := range []bool{opts.Ignore, opts.Replace, opts.Upsert} {
		if f {
			set++
		}
	}
	if set > 1 {
		return "", fmt.Errorf("%w: only one of ignore, replace or upsert allowed", ErrConflictingOptions)
	}
	if len(row) == 0 {
		return "", fmt.Errorf("%w: nothing to insert into %s", ErrEmptyRow, t.Name)
	}

	cols := row.Columns()
	names, vals := make([]string, len(cols)), make([]string, len(cols))
	for i, c := range cols {
		names[i] = b.Dialect.QuoteIdent(c)
		vals[i] = b.Dialect.QuoteValue(row[c])
	}
	res := fmt.Sprintf("%s into %s (%s) values (%s)", b.Dialect.InsertVerb(opts.Ignore, opts.Replace),
		b.Name(t), strings.Join(names, ", "), strings.Join(vals, ", "))

	if opts.Upsert {
		clause, ok := b.Dialect.UpsertClause(cols)
		if !ok {
			return "", ErrUpsertUnsupported
		}
		res += " " + clause
	}
	return res, nil
}

// Update makes "update <table> set col = val, ... [where ...]"
func (b Builder) Update(t Ref, set Row, w where.Node, opts UpdateOpts) (string, error) {
	if len(set) == 0 {
		return "", fmt.Errorf("%w: nothing to update in %s", ErrEmptyRow, t.Name)
	}
	cols := set.Columns()
	pairs := make([]string, len(cols))
	for i, c := range cols {
		pairs[i] = b.Dialect.QuoteIdent(c) + " = " + b.Dialect.QuoteValue(set[c])
	}
	res := fmt.Sprintf("%s %s set %s", b.Dialect.UpdateVerb(opts.Ignore), b.Name(t), strings.Join(pairs, ", "))

	cond, err := b.Where(w)
	if err != nil {
		return "", err
	}
	if cond != "" {
		res += " where " + cond
	}
	return res, nil
}

// Delete makes "delete from <table> [where ...]" or the dialect's truncate statement
func (b Builder) Delete(t Ref, w where.Node, opts DeleteOpts) (string, error) {
	cond, err := b.Where(w)
	if err != nil {
		return "", err
	}
	if opts.Truncate {
		if cond != "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidTruncate, cond)
		}
		return b.Dialect.Truncate(b.Name(t)), nil
	}
	res := "delete from " + b.Name(t)
	if cond != "" {
		res += " where " + cond
	}
	return res, nil
}

// columns renders select list, "*" for empty. Expressions with parentheses are kept as is.
func (b Builder) columns(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	res := make([]string, len(cols))
	for i, c := range cols {
		if c == "*" || strings.Contains(c, "(") {
			res[i] = c
			continue
		}
		res[i] = b.Dialect.QuoteIdent(c)
	}
	return strings.Join(res, ", ")
}
