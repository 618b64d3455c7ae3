package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ColumnOption modifies a column added with TableBuilder.Column
type ColumnOption func(c *Column)

// Nullable allows null values in the column
func Nullable() ColumnOption { return func(c *Column) { c.Nullable = true } }

// Primary marks column as a part of the primary key
func Primary() ColumnOption { return func(c *Column) { c.Primary = true } }

// AutoIncrement marks column as auto-incremented
func AutoIncrement() ColumnOption { return func(c *Column) { c.AutoIncrement = true } }

// Default sets column's default value. Nil means no default.
func Default(v any) ColumnOption {
	return func(c *Column) {
		if v == nil {
			c.Default = nil
			return
		}
		s := FormatDefault(v)
		c.Default = &s
	}
}

// FormatDefault converts a go value to the textual default representation stored in Column.Default
func FormatDefault(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// TableBuilder makes table definitions. Errors are collected and returned by Build.
type TableBuilder struct {
	table Table
	errs  *multierror.Error
}

// NewTable starts a new table definition
func NewTable(name string) *TableBuilder {
	return &TableBuilder{table: Table{Name: name}}
}

// Column adds a column with a type string resolved by the type registry
func (b *TableBuilder) Column(name, typeString string, opts ...ColumnOption) *TableBuilder {
	c, err := Resolve(typeString)
	if err != nil {
		b.errs = multierror.Append(b.errs, fmt.Errorf("column %q: %w", name, err))
		return b
	}
	c.Name = name
	for _, opt := range opts {
		opt(&c)
	}
	b.table.Columns = append(b.table.Columns, c)
	return b
}

// PrimaryKey sets the primary index over the given columns, in key order
func (b *TableBuilder) PrimaryKey(columns ...string) *TableBuilder {
	return b.Index(IndexPrimary, columns...)
}

// Index adds an index of the given kind
func (b *TableBuilder) Index(kind IndexKind, columns ...string) *TableBuilder {
	return b.NamedIndex("", kind, columns...)
}

// NamedIndex adds an index with explicit name
func (b *TableBuilder) NamedIndex(name string, kind IndexKind, columns ...string) *TableBuilder {
	b.table.Indexes = append(b.table.Indexes, Index{Name: name, Kind: kind, Columns: columns})
	return b
}

// Build returns normalized table definition or all accumulated errors
func (b *TableBuilder) Build() (Table, error) {
	if err := b.errs.ErrorOrNil(); err != nil {
		return Table{}, err
	}
	return Normalize(b.table)
}
