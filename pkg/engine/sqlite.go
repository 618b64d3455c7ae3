package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/go-pkgz/stringutils"

	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/schema"
)

// SQLite is a driver for sqlite files. It can't alter columns in place, so everything beyond
// adding nullable or defaulted columns and secondary indexes goes through copy migration.
// Upsert is emulated by DB with update-then-insert.
type SQLite struct{}

// Name returns engine name
func (SQLite) Name() string { return "sqlite" }

// NativeUpsert is false, DB emulates upsert
func (SQLite) NativeUpsert() bool { return false }

// QuoteIdent wraps name in backticks
func (SQLite) QuoteIdent(name string) string { return quoteIdent(name) }

// QuoteValue renders value as sqlite literal, quotes in strings are doubled
func (SQLite) QuoteValue(v any) string { return quoteValue(v, sqliteString) }

// Like renders like predicate with explicit backslash escape
func (SQLite) Like(column, pattern string) string { return column + " like " + pattern + ` escape '\'` }

// InsertVerb returns "insert", "insert or ignore" or "insert or replace"
func (SQLite) InsertVerb(ignore, replace bool) string {
	switch {
	case ignore:
		return "insert or ignore"
	case replace:
		return "insert or replace"
	}
	return "insert"
}

// UpdateVerb returns "update" or "update or ignore"
func (SQLite) UpdateVerb(ignore bool) string {
	if ignore {
		return "update or ignore"
	}
	return "update"
}

// UpsertClause is not supported
func (SQLite) UpsertClause([]string) (string, bool) { return "", false }

// Truncate makes unfiltered delete, sqlite has no truncate
func (SQLite) Truncate(table string) string { return "delete from " + table }

// NativeType returns declared column type. Auto-increment columns are always "integer",
// the rowid alias type, bool is "boolean" and enum is stored as text.
func (SQLite) NativeType(c schema.Column) string {
	if c.AutoIncrement || strings.EqualFold(c.DBType, "integer") {
		return "integer"
	}
	info, ok := schema.Lookup(c.Type)
	if !ok {
		if c.DBType != "" {
			return strings.ToLower(c.DBType)
		}
		return strings.ToLower(c.Type)
	}
	switch info.Kind {
	case schema.KindBool:
		return "boolean"
	case schema.KindEnum:
		return "text"
	}
	cc := c
	cc.Type = info.Name
	return schema.Render(cc)
}

// Columns reads columns with "pragma table_info". A single integer primary key column
// is the rowid alias and marked as auto-increment.
func (s SQLite) Columns(ctx context.Context, ex Execer, table string) ([]schema.Column, error) {
	rows, err := ex.QueryContext(ctx, "pragma table_info("+sqliteString(table)+")")
	if err != nil {
		return nil, fmt.Errorf("can't get columns of %s: %w", table, err)
	}
	defer rows.Close() // nolint

	var res []schema.Column
	pkPos := map[int]int{} // pk position -> column index
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var def sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("can't scan column of %s: %w", table, err)
		}
		c, err := schema.Resolve(colType)
		if err != nil {
			c = schema.Column{Type: strings.ToLower(colType)}
		}
		c.Name, c.DBType = name, colType
		c.Nullable = notNull == 0 && pk == 0
		if def.Valid && !strings.EqualFold(def.String, "null") {
			v := unquoteDefault(def.String)
			c.Default = &v
		}
		if pk > 0 {
			pkPos[pk] = len(res)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read columns of %s: %w", table, err)
	}
	if len(pkPos) == 1 {
		for _, i := range pkPos {
			if strings.EqualFold(res[i].DBType, "integer") {
				res[i].AutoIncrement = true
			}
		}
	}
	return res, nil
}

// Indexes reads the primary key from "pragma table_info" and other indexes with
// "pragma index_list" and "pragma index_info". Automatic primary key indexes are skipped.
// Automatic indexes of inline unique constraints get the regular UX_ name, as sqlite_ names are
// reserved and can't be used to recreate them.
func (s SQLite) Indexes(ctx context.Context, ex Execer, table string) ([]schema.Index, error) {
	cols, err := s.queryPragma(ctx, ex, "table_info", table)
	if err != nil {
		return nil, err
	}
	var pk []pragmaCol
	for _, r := range cols {
		if p := toInt(r["pk"]); p > 0 {
			pk = append(pk, pragmaCol{pos: p, name: toString(r["name"])})
		}
	}

	var res []schema.Index
	if len(pk) > 0 {
		sort.Slice(pk, func(i, j int) bool { return pk[i].pos < pk[j].pos })
		idx := schema.Index{Name: "PRIMARY", Kind: schema.IndexPrimary}
		for _, p := range pk {
			idx.Columns = append(idx.Columns, p.name)
		}
		res = append(res, idx)
	}

	list, err := s.queryPragma(ctx, ex, "index_list", table)
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		if toString(r["origin"]) == "pk" {
			continue
		}
		idx := schema.Index{Name: toString(r["name"]), Kind: schema.IndexPlain}
		if toInt(r["unique"]) == 1 {
			idx.Kind = schema.IndexUnique
		}
		info, err := s.queryPragma(ctx, ex, "index_info", idx.Name)
		if err != nil {
			return nil, err
		}
		var ic []pragmaCol
		for _, r := range info {
			if name := toString(r["name"]); name != "" {
				ic = append(ic, pragmaCol{pos: toInt(r["seqno"]), name: name})
			}
		}
		sort.Slice(ic, func(i, j int) bool { return ic[i].pos < ic[j].pos })
		for _, c := range ic {
			idx.Columns = append(idx.Columns, c.name)
		}
		if len(idx.Columns) == 0 {
			continue
		}
		if toString(r["origin"]) == "u" || strings.HasPrefix(strings.ToLower(idx.Name), "sqlite_") {
			idx.Name = schema.IndexName(table, idx)
		}
		res = append(res, idx)
	}
	sortIndexes(res)
	return res, nil
}

// Tables lists user tables starting with prefix
func (s SQLite) Tables(ctx context.Context, ex Execer, prefix string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `select name from sqlite_master where type = 'table' `+
		`and name like ? escape '\' and name not like 'sqlite\_%' escape '\' order by name`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("can't list tables: %w", err)
	}
	return scanNames(rows)
}

// CreateTable creates table and its secondary indexes. Auto-increment column being the only
// primary key column is declared inline as "integer not null primary key autoincrement".
func (s SQLite) CreateTable(ctx context.Context, ex Execer, t schema.Table) error {
	pk := t.PrimaryKey()
	inlinePK := ""
	if len(pk) == 1 {
		if c, ok := t.Column(pk[0]); ok && c.AutoIncrement {
			inlinePK = c.Name
		}
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if inlinePK != "" && strings.EqualFold(c.Name, inlinePK) {
			defs = append(defs, quoteIdent(c.Name)+" integer not null primary key autoincrement")
			continue
		}
		defs = append(defs, s.columnDef(c))
	}
	if len(pk) > 0 && inlinePK == "" {
		defs = append(defs, "primary key ("+quoteIdents(pk)+")")
	}
	if _, err := exec(ctx, ex, "create table "+quoteIdent(t.Name)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("can't create table %s: %w", t.Name, err)
	}

	for _, idx := range t.Indexes {
		if idx.Kind == schema.IndexPrimary {
			continue
		}
		if err := s.createIndex(ctx, ex, t.Name, idx); err != nil {
			return err
		}
	}
	return nil
}

// AlterTable adds columns and secondary indexes in place if the plan is additive only,
// otherwise migrates the table with copy-and-swap
func (s SQLite) AlterTable(ctx context.Context, ex Execer, current, desired schema.Table, plan schema.AlterPlan) (schema.Table, error) {
	if !s.inPlace(plan) {
		return s.migrate(ctx, ex, current, desired, plan)
	}

	res := current.Clone()
	for _, c := range plan.AddColumns {
		if _, err := exec(ctx, ex, "alter table "+quoteIdent(current.Name)+" add column "+s.columnDef(c)); err != nil {
			return schema.Table{}, fmt.Errorf("can't add column %s to %s: %w", c.Name, current.Name, err)
		}
		res.Columns = append(res.Columns, c)
	}
	for _, idx := range plan.AddIndexes {
		if err := s.createIndex(ctx, ex, current.Name, idx); err != nil {
			return schema.Table{}, err
		}
		res.Indexes = append(res.Indexes, idx)
	}
	return res, nil
}

// inPlace checks if the plan can be done with "alter table add column" and "create index"
func (SQLite) inPlace(plan schema.AlterPlan) bool {
	if len(plan.AlterColumns) > 0 || len(plan.DropColumns) > 0 || len(plan.DropIndexes) > 0 {
		return false
	}
	for _, c := range plan.AddColumns {
		if c.Primary || c.AutoIncrement || (!c.Nullable && c.Default == nil) {
			return false
		}
		if c.Default != nil && isTimeFunc(*c.Default) { // non-constant defaults can't be added
			return false
		}
	}
	for _, idx := range plan.AddIndexes {
		if idx.Kind == schema.IndexPrimary {
			return false
		}
	}
	return true
}

// migrate drops secondary indexes of the current table, renames it to a temporary name, creates
// the merged definition under the original name, copies common columns and drops the temporary table.
// On failure after rename the data stays in the temporary table.
func (s SQLite) migrate(ctx context.Context, ex Execer, current, desired schema.Table, plan schema.AlterPlan) (schema.Table, error) {
	merged := schema.Merge(current, desired, plan)

	for _, idx := range current.Indexes {
		if idx.Kind == schema.IndexPrimary {
			continue
		}
		if _, err := exec(ctx, ex, "drop index if exists "+quoteIdent(idx.Name)); err != nil {
			return schema.Table{}, fmt.Errorf("can't drop index %s: %w", idx.Name, err)
		}
	}

	tmp := fmt.Sprintf("%s_tmp%d", current.Name, time.Now().UnixNano())
	if err := s.RenameTable(ctx, ex, current.Name, tmp); err != nil {
		return schema.Table{}, err
	}
	if err := s.CreateTable(ctx, ex, merged); err != nil {
		return schema.Table{}, fmt.Errorf("can't create migrated %s, data kept in %s: %w", current.Name, tmp, err)
	}

	common := stringutils.Intersection(lowerNames(merged.ColumnNames()), lowerNames(current.ColumnNames()))
	if len(common) > 0 {
		cols := quoteIdents(common)
		stmt := "insert into " + quoteIdent(current.Name) + " (" + cols + ") select " + cols + " from " + quoteIdent(tmp)
		if _, err := exec(ctx, ex, stmt); err != nil {
			return schema.Table{}, fmt.Errorf("can't copy data to migrated %s, data kept in %s: %w", current.Name, tmp, err)
		}
	}
	if err := s.DropTable(ctx, ex, tmp); err != nil {
		return schema.Table{}, err
	}
	log.Printf("[INFO] migrated table %s, %d columns copied", current.Name, len(common))
	return merged, nil
}

// RenameTable renames table
func (SQLite) RenameTable(ctx context.Context, ex Execer, from, to string) error {
	if _, err := exec(ctx, ex, "alter table "+quoteIdent(from)+" rename to "+quoteIdent(to)); err != nil {
		return fmt.Errorf("can't rename table %s: %w", from, err)
	}
	return nil
}

// DropTable drops table if it exists
func (SQLite) DropTable(ctx context.Context, ex Execer, name string) error {
	if _, err := exec(ctx, ex, "drop table if exists "+quoteIdent(name)); err != nil {
		return fmt.Errorf("can't drop table %s: %w", name, err)
	}
	return nil
}

func (s SQLite) createIndex(ctx context.Context, ex Execer, table string, idx schema.Index) error {
	verb := "create index "
	if idx.Kind == schema.IndexUnique {
		verb = "create unique index "
	}
	if _, err := exec(ctx, ex, verb+quoteIdent(idx.Name)+" on "+quoteIdent(table)+" "+indexColumns(idx)); err != nil {
		return fmt.Errorf("can't create index %s on %s: %w", idx.Name, table, err)
	}
	return nil
}

func (s SQLite) columnDef(c schema.Column) string {
	res := quoteIdent(c.Name) + " " + s.NativeType(c)
	if !c.Nullable {
		res += " not null"
	}
	if c.Default != nil {
		res += " default " + defaultSQL(c, sqliteString)
	}
	return res
}

// queryPragma runs "pragma name('arg')" and reads all rows
func (s SQLite) queryPragma(ctx context.Context, ex Execer, name, arg string) ([]query.Row, error) {
	rows, err := ex.QueryContext(ctx, "pragma "+name+"("+sqliteString(arg)+")")
	if err != nil {
		return nil, fmt.Errorf("can't run pragma %s for %s: %w", name, arg, err)
	}
	res, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("can't read pragma %s for %s: %w", name, arg, err)
	}
	return res, nil
}

type pragmaCol struct {
	pos  int
	name string
}

// sqliteString quotes string doubling single quotes
func sqliteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func lowerNames(names []string) []string {
	return stringutils.Map(names, strings.ToLower)
}

func toInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case int32:
		return int(val)
	case float64:
		return int(val)
	case string:
		var i int
		_, _ = fmt.Sscanf(val, "%d", &i)
		return i
	}
	return 0
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	return fmt.Sprintf("%v", v)
}
