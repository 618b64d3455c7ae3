package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Normalize validates the table and reconciles primary key sources. Primary flags on columns
// produce the primary index, an explicit primary index propagates flags to its columns.
// If both are set they must match exactly, otherwise ErrPrimaryKeyMismatch is returned.
// Auto-increment and primary key columns are made non-nullable, empty index names are generated.
func Normalize(t Table) (Table, error) {
	res := t.Clone()
	if strings.TrimSpace(res.Name) == "" {
		return Table{}, fmt.Errorf("%w: empty table name", ErrInvalidDefinition)
	}
	if len(res.Columns) == 0 {
		return Table{}, fmt.Errorf("%w: table %q has no columns", ErrInvalidDefinition, res.Name)
	}

	seen := map[string]bool{}
	var flagged []string
	for i, c := range res.Columns {
		key := strings.ToLower(c.Name)
		if key == "" {
			return Table{}, fmt.Errorf("%w: table %q has a column without name", ErrInvalidDefinition, res.Name)
		}
		if seen[key] {
			return Table{}, fmt.Errorf("%w: duplicate column %q in %q", ErrInvalidDefinition, c.Name, res.Name)
		}
		seen[key] = true
		if c.Primary {
			flagged = append(flagged, c.Name)
		}
		if c.AutoIncrement {
			res.Columns[i].Nullable = false
		}
	}

	primaryPos := -1
	for i, idx := range res.Indexes {
		if len(idx.Columns) == 0 {
			return Table{}, fmt.Errorf("%w: index %q on %q has no columns", ErrInvalidDefinition, idx.Name, res.Name)
		}
		for _, col := range idx.Columns {
			if !seen[strings.ToLower(col)] {
				return Table{}, fmt.Errorf("%w: index on %q refers to unknown column %q", ErrInvalidDefinition, res.Name, col)
			}
		}
		switch idx.Kind {
		case IndexPrimary:
			if primaryPos >= 0 {
				return Table{}, fmt.Errorf("%w: table %q has more than one primary index", ErrPrimaryKeyMismatch, res.Name)
			}
			primaryPos = i
		case IndexUnique, IndexPlain:
		default:
			return Table{}, fmt.Errorf("%w: unknown index kind %q on %q", ErrInvalidDefinition, idx.Kind, res.Name)
		}
	}

	switch {
	case primaryPos < 0 && len(flagged) > 0:
		res.Indexes = append([]Index{{Kind: IndexPrimary, Columns: flagged}}, res.Indexes...)
	case primaryPos >= 0 && len(flagged) == 0:
		for _, col := range res.Indexes[primaryPos].Columns {
			for i := range res.Columns {
				if strings.EqualFold(res.Columns[i].Name, col) {
					res.Columns[i].Primary = true
				}
			}
		}
	case primaryPos >= 0:
		if !sameSet(flagged, res.Indexes[primaryPos].Columns) {
			return Table{}, fmt.Errorf("%w: table %q columns %v flagged primary, primary index is %v",
				ErrPrimaryKeyMismatch, res.Name, flagged, res.Indexes[primaryPos].Columns)
		}
	}

	for i := range res.Columns {
		if res.Columns[i].Primary {
			res.Columns[i].Nullable = false
		}
	}

	for i, idx := range res.Indexes {
		if idx.Name == "" {
			res.Indexes[i].Name = IndexName(res.Name, idx)
		}
	}
	return res, nil
}

// IndexName makes a default name for the index, PRIMARY for primary keys,
// UX_table_cols for unique and IX_table_cols for plain indexes
func IndexName(table string, idx Index) string {
	switch idx.Kind {
	case IndexPrimary:
		return "PRIMARY"
	case IndexUnique:
		return "UX_" + table + "_" + strings.Join(idx.Columns, "_")
	default:
		return "IX_" + table + "_" + strings.Join(idx.Columns, "_")
	}
}

// indexKey is the identity of an index for diffing: kind plus column set.
// Column order is significant for the primary key only.
func indexKey(idx Index) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = strings.ToLower(c)
	}
	if idx.Kind != IndexPrimary {
		sort.Strings(cols)
	}
	return string(idx.Kind) + ":" + strings.Join(cols, ",")
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, s := range a {
		set[strings.ToLower(s)]++
	}
	for _, s := range b {
		k := strings.ToLower(s)
		if set[k] == 0 {
			return false
		}
		set[k]--
	}
	return true
}
