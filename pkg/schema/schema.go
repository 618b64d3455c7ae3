// Package schema describes tables, columns and indexes in an engine-agnostic way and computes
// the difference between a desired table definition and the one found in a live database.
package schema

import (
	"errors"
	"strings"
)

// Schema errors, checked with errors.Is
var (
	ErrUnknownType         = errors.New("unknown type")
	ErrPrimaryKeyMismatch  = errors.New("primary key mismatch")
	ErrInvalidDefinition   = errors.New("invalid table definition")
	ErrUnsupportedArgument = errors.New("unsupported type argument")
)

// IndexKind defines the kind of index
type IndexKind string

// enum of all supported index kinds
const (
	IndexPrimary IndexKind = "primary"
	IndexUnique  IndexKind = "unique"
	IndexPlain   IndexKind = "index"
)

// Column describes a single column. The same shape is produced by Resolve for desired
// definitions and by drivers for introspected ones, so both can be compared directly.
type Column struct {
	Name          string   `json:"name" yaml:"name" toml:"name"`
	Type          string   `json:"type" yaml:"type" toml:"type"`                                        // logical type, e.g. int, varchar
	DBType        string   `json:"db_type,omitempty" yaml:"db_type,omitempty" toml:"db_type,omitempty"` // engine-native type, filled by drivers
	Nullable      bool     `json:"nullable" yaml:"nullable" toml:"nullable"`
	Default       *string  `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
	AutoIncrement bool     `json:"auto_increment,omitempty" yaml:"auto_increment,omitempty" toml:"auto_increment,omitempty"`
	Primary       bool     `json:"primary,omitempty" yaml:"primary,omitempty" toml:"primary,omitempty"`
	Length        *int     `json:"length,omitempty" yaml:"length,omitempty" toml:"length,omitempty"`
	Precision     *int     `json:"precision,omitempty" yaml:"precision,omitempty" toml:"precision,omitempty"`
	Scale         *int     `json:"scale,omitempty" yaml:"scale,omitempty" toml:"scale,omitempty"`
	Enum          []string `json:"enum,omitempty" yaml:"enum,omitempty" toml:"enum,omitempty"`
	Unsigned      bool     `json:"unsigned,omitempty" yaml:"unsigned,omitempty" toml:"unsigned,omitempty"`
}

// Index describes an index. Column order matters only for the primary key.
type Index struct {
	Name    string    `json:"name" yaml:"name" toml:"name"`
	Kind    IndexKind `json:"kind" yaml:"kind" toml:"kind"`
	Columns []string  `json:"columns" yaml:"columns" toml:"columns"`
}

// Table is a named, ordered set of columns plus indexes.
// Declaration order of columns is the physical order used on create.
type Table struct {
	Name    string   `json:"name" yaml:"name" toml:"name"`
	Columns []Column `json:"columns" yaml:"columns" toml:"columns"`
	Indexes []Index  `json:"indexes,omitempty" yaml:"indexes,omitempty" toml:"indexes,omitempty"`
}

// Column returns a column by name, case-insensitive, or false if not found
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns names of all columns in declaration order
func (t Table) ColumnNames() []string {
	res := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		res[i] = c.Name
	}
	return res
}

// PrimaryIndex returns the primary index, if any
func (t Table) PrimaryIndex() (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Kind == IndexPrimary {
			return idx, true
		}
	}
	return Index{}, false
}

// PrimaryKey returns names of the primary key columns in key order
func (t Table) PrimaryKey() []string {
	if idx, ok := t.PrimaryIndex(); ok {
		return idx.Columns
	}
	return nil
}

// Clone makes a deep copy of the table
func (t Table) Clone() Table {
	res := Table{Name: t.Name, Columns: make([]Column, len(t.Columns)), Indexes: make([]Index, len(t.Indexes))}
	for i, c := range t.Columns {
		res.Columns[i] = c.clone()
	}
	for i, idx := range t.Indexes {
		res.Indexes[i] = Index{Name: idx.Name, Kind: idx.Kind, Columns: append([]string(nil), idx.Columns...)}
	}
	return res
}

func (c Column) clone() Column {
	res := c
	res.Default = copyStr(c.Default)
	res.Length = copyInt(c.Length)
	res.Precision = copyInt(c.Precision)
	res.Scale = copyInt(c.Scale)
	if c.Enum != nil {
		res.Enum = append([]string(nil), c.Enum...)
	}
	return res
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// IntPtr is a helper to make *int from a value, used to fill optional column attributes
func IntPtr(v int) *int { return &v }

// StrPtr is a helper to make *string from a value, used for column defaults
func StrPtr(v string) *string { return &v }
