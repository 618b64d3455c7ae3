package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pkgz/stringutils"
)

// AlterPlan is the set of changes needed to turn the current table into the desired one.
// It is computed fresh on every define and never persisted.
type AlterPlan struct {
	Table        string   `json:"table"`
	AddColumns   []Column `json:"add_columns,omitempty"`
	AlterColumns []Column `json:"alter_columns,omitempty"` // desired definitions of changed columns
	DropColumns  []Column `json:"drop_columns,omitempty"`
	AddIndexes   []Index  `json:"add_indexes,omitempty"`
	DropIndexes  []Index  `json:"drop_indexes,omitempty"`
}

// DiffOpts controls destructive changes and optional comparisons
type DiffOpts struct {
	Drop          bool // allow dropping columns and non-primary indexes
	AutoIncrement bool // compare auto-increment flags, for engines keeping it apart from the native type
}

// NativeTypeFunc maps a column to the engine-native type string, supplied by a driver
type NativeTypeFunc func(c Column) string

// Empty returns true if the plan has nothing to do
func (p AlterPlan) Empty() bool {
	return len(p.AddColumns) == 0 && len(p.AlterColumns) == 0 && len(p.DropColumns) == 0 &&
		len(p.AddIndexes) == 0 && len(p.DropIndexes) == 0
}

// PrimaryChanged returns true if the plan replaces or removes the primary key
func (p AlterPlan) PrimaryChanged() bool {
	for _, idx := range append(append([]Index{}, p.AddIndexes...), p.DropIndexes...) {
		if idx.Kind == IndexPrimary {
			return true
		}
	}
	return false
}

// String returns human-readable plan, one change per line
func (p AlterPlan) String() string {
	if p.Empty() {
		return fmt.Sprintf("table %s: no changes", p.Table)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "table %s:", p.Table)
	for _, c := range p.AddColumns {
		fmt.Fprintf(&sb, "\n + column %s %s", c.Name, Render(c))
	}
	for _, c := range p.AlterColumns {
		fmt.Fprintf(&sb, "\n ~ column %s %s", c.Name, Render(c))
	}
	for _, c := range p.DropColumns {
		fmt.Fprintf(&sb, "\n - column %s", c.Name)
	}
	for _, idx := range p.AddIndexes {
		fmt.Fprintf(&sb, "\n + %s %s (%s)", idx.Kind, idx.Name, strings.Join(idx.Columns, ", "))
	}
	for _, idx := range p.DropIndexes {
		fmt.Fprintf(&sb, "\n - %s %s (%s)", idx.Kind, idx.Name, strings.Join(idx.Columns, ", "))
	}
	return sb.String()
}

// Diff compares desired definition with the current one and returns the alter plan.
// Columns are compared by native type, nullability and default, and by auto-increment flag
// if opts.AutoIncrement set. Indexes are compared by
// kind and column set. Without opts.Drop nothing is dropped except a primary key
// which is about to be replaced.
func Diff(current, desired Table, native NativeTypeFunc, opts DiffOpts) AlterPlan {
	plan := AlterPlan{Table: desired.Name}

	for _, dc := range desired.Columns {
		cc, ok := current.Column(dc.Name)
		if !ok {
			plan.AddColumns = append(plan.AddColumns, dc)
			continue
		}
		changed := native(dc) != native(cc) || dc.Nullable != cc.Nullable || !DefaultsEqual(dc, cc)
		if changed || (opts.AutoIncrement && dc.AutoIncrement != cc.AutoIncrement) {
			plan.AlterColumns = append(plan.AlterColumns, dc)
		}
	}

	if opts.Drop {
		for _, name := range stringutils.Difference(lowerNames(current.ColumnNames()), lowerNames(desired.ColumnNames())) {
			if cc, ok := current.Column(name); ok {
				plan.DropColumns = append(plan.DropColumns, cc)
			}
		}
	}

	currentKeys := make(map[string]bool, len(current.Indexes))
	for _, idx := range current.Indexes {
		currentKeys[indexKey(idx)] = true
	}
	desiredKeys := make(map[string]bool, len(desired.Indexes))
	_, desiredHasPrimary := desired.PrimaryIndex()
	for _, idx := range desired.Indexes {
		desiredKeys[indexKey(idx)] = true
		if !currentKeys[indexKey(idx)] {
			plan.AddIndexes = append(plan.AddIndexes, idx)
		}
	}
	for _, idx := range current.Indexes {
		if desiredKeys[indexKey(idx)] {
			continue
		}
		if opts.Drop || (idx.Kind == IndexPrimary && desiredHasPrimary) {
			plan.DropIndexes = append(plan.DropIndexes, idx)
		}
	}
	return plan
}

// Merge applies the plan to the current definition and returns the resulting table.
// Columns and indexes not dropped by the plan are preserved. Added columns are placed right after
// their preceding sibling in the desired order, or first.
func Merge(current, desired Table, plan AlterPlan) Table {
	dropped := lowerNames(columnNames(plan.DropColumns))
	res := Table{Name: desired.Name}
	for _, cc := range current.Columns {
		if stringutils.Contains(strings.ToLower(cc.Name), dropped) {
			continue
		}
		if dc, ok := desired.Column(cc.Name); ok {
			res.Columns = append(res.Columns, dc.clone())
			continue
		}
		res.Columns = append(res.Columns, cc.clone())
	}

	for _, ac := range plan.AddColumns {
		after := AfterColumn(desired, ac.Name)
		pos := 0
		if after != "" {
			for i, c := range res.Columns {
				if strings.EqualFold(c.Name, after) {
					pos = i + 1
					break
				}
			}
		}
		res.Columns = append(res.Columns[:pos], append([]Column{ac.clone()}, res.Columns[pos:]...)...)
	}

	droppedIdx := map[string]bool{}
	for _, idx := range plan.DropIndexes {
		droppedIdx[indexKey(idx)] = true
	}
	for _, idx := range current.Indexes {
		if !droppedIdx[indexKey(idx)] {
			res.Indexes = append(res.Indexes, Index{Name: idx.Name, Kind: idx.Kind, Columns: append([]string(nil), idx.Columns...)})
		}
	}
	for _, idx := range plan.AddIndexes {
		res.Indexes = append(res.Indexes, Index{Name: idx.Name, Kind: idx.Kind, Columns: append([]string(nil), idx.Columns...)})
	}

	pk := lowerNames(res.PrimaryKey())
	for i := range res.Columns {
		res.Columns[i].Primary = stringutils.Contains(strings.ToLower(res.Columns[i].Name), pk)
	}
	return res
}

// AfterColumn returns the name of the column preceding the given one in the table,
// empty string if the column is the first one or not found
func AfterColumn(t Table, name string) string {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			if i == 0 {
				return ""
			}
			return t.Columns[i-1].Name
		}
	}
	return ""
}

// DefaultsEqual compares defaults of two columns, normalized by the logical type of the first one,
// so "0" and "'0'" or "1.50" and "1.5" are the same default
func DefaultsEqual(a, b Column) bool {
	if a.Default == nil || b.Default == nil {
		return a.Default == nil && b.Default == nil
	}
	av, bv := unquoteDefault(*a.Default), unquoteDefault(*b.Default)
	switch a.Kind() {
	case KindInt, KindFloat, KindDecimal:
		af, aErr := strconv.ParseFloat(av, 64)
		bf, bErr := strconv.ParseFloat(bv, 64)
		if aErr == nil && bErr == nil {
			return af == bf
		}
	case KindBool:
		return normBool(av) == normBool(bv)
	case KindTime: // current_timestamp and friends are case-insensitive
		return strings.EqualFold(av, bv)
	}
	return av == bv
}

func unquoteDefault(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

func normBool(s string) string {
	switch strings.ToLower(s) {
	case "1", "true", "b'1'":
		return "1"
	case "0", "false", "b'0'", "":
		return "0"
	}
	return s
}

func columnNames(cols []Column) []string {
	res := make([]string, len(cols))
	for i, c := range cols {
		res[i] = c.Name
	}
	return res
}

func lowerNames(names []string) []string {
	return stringutils.Map(names, strings.ToLower)
}
