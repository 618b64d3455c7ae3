package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/umputun/dbdef/pkg/schema"
)

// MySQL is a driver for mysql-compatible servers with native alter table and upsert
type MySQL struct{}

// Name returns engine name
func (MySQL) Name() string { return "mysql" }

// NativeUpsert is true, insert ... on duplicate key update is supported
func (MySQL) NativeUpsert() bool { return true }

// QuoteIdent wraps name in backticks
func (MySQL) QuoteIdent(name string) string { return quoteIdent(name) }

// QuoteValue renders value as mysql literal, strings are backslash-escaped
func (MySQL) QuoteValue(v any) string { return quoteValue(v, mysqlString) }

// Like renders like predicate, mysql uses backslash escape by default
func (MySQL) Like(column, pattern string) string { return column + " like " + pattern }

// InsertVerb returns "insert", "insert ignore" or "replace"
func (MySQL) InsertVerb(ignore, replace bool) string {
	switch {
	case ignore:
		return "insert ignore"
	case replace:
		return "replace"
	}
	return "insert"
}

// UpdateVerb returns "update" or "update ignore"
func (MySQL) UpdateVerb(ignore bool) string {
	if ignore {
		return "update ignore"
	}
	return "update"
}

// UpsertClause makes "on duplicate key update" touching every column
func (MySQL) UpsertClause(columns []string) (string, bool) {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = quoteIdent(c) + " = values(" + quoteIdent(c) + ")"
	}
	return "on duplicate key update " + strings.Join(parts, ", "), true
}

// Truncate returns truncate table statement
func (MySQL) Truncate(table string) string { return "truncate table " + table }

// NativeType returns the column type as reported by information_schema.COLUMNS.COLUMN_TYPE
func (MySQL) NativeType(c schema.Column) string {
	info, ok := schema.Lookup(c.Type)
	if !ok {
		if c.DBType != "" {
			return strings.ToLower(c.DBType)
		}
		return strings.ToLower(c.Type)
	}

	switch info.Kind {
	case schema.KindBool:
		return "tinyint(1)"
	case schema.KindInt:
		if c.Unsigned {
			return info.Name + " unsigned"
		}
		return info.Name
	case schema.KindString, schema.KindBinary:
		l := 255
		if info.Name == "char" || info.Name == "binary" {
			l = 1
		}
		if c.Length != nil {
			l = *c.Length
		}
		return fmt.Sprintf("%s(%d)", info.Name, l)
	case schema.KindDecimal:
		p, s := 10, 0
		if c.Precision != nil {
			p = *c.Precision
		}
		if c.Scale != nil {
			s = *c.Scale
		}
		return fmt.Sprintf("decimal(%d,%d)", p, s)
	case schema.KindFloat:
		switch {
		case c.Precision != nil && c.Scale != nil:
			return fmt.Sprintf("%s(%d,%d)", info.Name, *c.Precision, *c.Scale)
		case c.Precision != nil && *c.Precision > 24:
			return "double"
		case c.Precision != nil:
			return "float"
		}
		return info.Name
	case schema.KindTime:
		if c.Precision != nil && *c.Precision > 0 && info.Name != "date" {
			return fmt.Sprintf("%s(%d)", info.Name, *c.Precision)
		}
		return info.Name
	case schema.KindEnum:
		return schema.Render(schema.Column{Type: "enum", Enum: c.Enum})
	}
	return info.Name
}

// Columns reads column definitions from information_schema
func (m MySQL) Columns(ctx context.Context, ex Execer, table string) ([]schema.Column, error) {
	rows, err := ex.QueryContext(ctx, "select COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA "+
		"from information_schema.COLUMNS where TABLE_SCHEMA = database() and TABLE_NAME = ? order by ORDINAL_POSITION", table)
	if err != nil {
		return nil, fmt.Errorf("can't get columns of %s: %w", table, err)
	}
	defer rows.Close() // nolint

	var res []schema.Column
	for rows.Next() {
		var name, colType, nullable, extra string
		var def sql.NullString
		if err := rows.Scan(&name, &colType, &nullable, &def, &extra); err != nil {
			return nil, fmt.Errorf("can't scan column of %s: %w", table, err)
		}
		c := mysqlColumn(colType)
		c.Name = name
		c.Nullable = strings.EqualFold(nullable, "YES")
		c.AutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		if def.Valid && !strings.EqualFold(def.String, "null") {
			v := unquoteDefault(def.String)
			c.Default = &v
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read columns of %s: %w", table, err)
	}
	return res, nil
}

// mysqlColumn resolves COLUMN_TYPE into logical type attributes, tinyint(1) is bool.
// Types unknown to the registry are kept as is.
func mysqlColumn(colType string) schema.Column {
	lc := strings.ToLower(strings.TrimSpace(colType))
	if lc == "tinyint(1)" {
		return schema.Column{Type: "bool", DBType: colType}
	}
	c, err := schema.Resolve(colType)
	if err != nil {
		return schema.Column{Type: lc, DBType: colType}
	}
	c.DBType = colType
	return c
}

// Indexes reads indexes from information_schema.STATISTICS, PRIMARY is the primary key
func (m MySQL) Indexes(ctx context.Context, ex Execer, table string) ([]schema.Index, error) {
	rows, err := ex.QueryContext(ctx, "select INDEX_NAME, NON_UNIQUE, COLUMN_NAME from information_schema.STATISTICS "+
		"where TABLE_SCHEMA = database() and TABLE_NAME = ? order by INDEX_NAME, SEQ_IN_INDEX", table)
	if err != nil {
		return nil, fmt.Errorf("can't get indexes of %s: %w", table, err)
	}
	defer rows.Close() // nolint

	var res []schema.Index
	pos := map[string]int{}
	for rows.Next() {
		var name string
		var nonUnique int
		var column sql.NullString
		if err := rows.Scan(&name, &nonUnique, &column); err != nil {
			return nil, fmt.Errorf("can't scan index of %s: %w", table, err)
		}
		if !column.Valid { // functional key part
			continue
		}
		i, ok := pos[name]
		if !ok {
			kind := schema.IndexPlain
			switch {
			case name == "PRIMARY":
				kind = schema.IndexPrimary
			case nonUnique == 0:
				kind = schema.IndexUnique
			}
			res = append(res, schema.Index{Name: name, Kind: kind})
			i = len(res) - 1
			pos[name] = i
		}
		res[i].Columns = append(res[i].Columns, column.String)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read indexes of %s: %w", table, err)
	}
	sortIndexes(res)
	return res, nil
}

// Tables lists base tables of the current database starting with prefix
func (m MySQL) Tables(ctx context.Context, ex Execer, prefix string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, "select TABLE_NAME from information_schema.TABLES "+
		"where TABLE_SCHEMA = database() and TABLE_TYPE = 'BASE TABLE' and TABLE_NAME like ? order by TABLE_NAME",
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("can't list tables: %w", err)
	}
	return scanNames(rows)
}

// CreateTable creates table with all columns and indexes in one statement
func (m MySQL) CreateTable(ctx context.Context, ex Execer, t schema.Table) error {
	defs := make([]string, 0, len(t.Columns)+len(t.Indexes))
	for _, c := range t.Columns {
		defs = append(defs, m.columnDef(c))
	}
	for _, idx := range t.Indexes {
		switch idx.Kind {
		case schema.IndexPrimary:
			defs = append(defs, "primary key "+indexColumns(idx))
		case schema.IndexUnique:
			defs = append(defs, "unique key "+quoteIdent(idx.Name)+" "+indexColumns(idx))
		default:
			defs = append(defs, "key "+quoteIdent(idx.Name)+" "+indexColumns(idx))
		}
	}
	if _, err := exec(ctx, ex, "create table "+quoteIdent(t.Name)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("can't create table %s: %w", t.Name, err)
	}
	return nil
}

// AlterTable applies the whole plan with a single alter table statement. Added columns are placed
// after their preceding column in the desired definition, or first.
func (m MySQL) AlterTable(ctx context.Context, ex Execer, current, desired schema.Table, plan schema.AlterPlan) (schema.Table, error) {
	var clauses []string
	for _, c := range plan.AddColumns {
		pos := " first"
		if after := schema.AfterColumn(desired, c.Name); after != "" {
			pos = " after " + quoteIdent(after)
		}
		clauses = append(clauses, "add column "+m.columnDef(c)+pos)
	}
	for _, c := range plan.AlterColumns {
		clauses = append(clauses, "modify column "+m.columnDef(c))
	}
	for _, c := range plan.DropColumns {
		clauses = append(clauses, "drop column "+quoteIdent(c.Name))
	}
	for _, idx := range plan.DropIndexes {
		if idx.Kind == schema.IndexPrimary {
			clauses = append(clauses, "drop primary key")
			continue
		}
		clauses = append(clauses, "drop index "+quoteIdent(idx.Name))
	}
	for _, idx := range plan.AddIndexes {
		switch idx.Kind {
		case schema.IndexPrimary:
			clauses = append(clauses, "add primary key "+indexColumns(idx))
		case schema.IndexUnique:
			clauses = append(clauses, "add unique index "+quoteIdent(idx.Name)+" "+indexColumns(idx))
		default:
			clauses = append(clauses, "add index "+quoteIdent(idx.Name)+" "+indexColumns(idx))
		}
	}

	merged := schema.Merge(current, desired, plan)
	if len(clauses) == 0 {
		return merged, nil
	}
	if _, err := exec(ctx, ex, "alter table "+quoteIdent(current.Name)+" "+strings.Join(clauses, ", ")); err != nil {
		return schema.Table{}, fmt.Errorf("can't alter table %s: %w", current.Name, err)
	}
	return merged, nil
}

// RenameTable renames table
func (MySQL) RenameTable(ctx context.Context, ex Execer, from, to string) error {
	if _, err := exec(ctx, ex, "rename table "+quoteIdent(from)+" to "+quoteIdent(to)); err != nil {
		return fmt.Errorf("can't rename table %s: %w", from, err)
	}
	return nil
}

// DropTable drops table if it exists
func (MySQL) DropTable(ctx context.Context, ex Execer, name string) error {
	if _, err := exec(ctx, ex, "drop table if exists "+quoteIdent(name)); err != nil {
		return fmt.Errorf("can't drop table %s: %w", name, err)
	}
	return nil
}

func (m MySQL) columnDef(c schema.Column) string {
	res := quoteIdent(c.Name) + " " + m.NativeType(c)
	if c.Nullable {
		res += " null"
	} else {
		res += " not null"
	}
	if c.Default != nil && !c.AutoIncrement {
		res += " default " + defaultSQL(c, mysqlString)
	}
	if c.AutoIncrement {
		res += " auto_increment"
	}
	return res
}

// mysqlString quotes string with backslash escaping of special characters
func mysqlString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '\x1a':
			sb.WriteString(`\Z`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// scanNames reads single string column from rows
func scanNames(rows *sql.Rows) ([]string, error) {
	defer rows.Close() // nolint
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("can't scan name: %w", err)
		}
		res = append(res, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read names: %w", err)
	}
	return res, nil
}
