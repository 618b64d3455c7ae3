package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/go-pkgz/stringutils"
	"github.com/go-sql-driver/mysql"

	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/schema"
	"github.com/umputun/dbdef/pkg/where"
)

// DB wraps a connection with a dialect driver, table prefix and schema cache.
// The cache is not synchronized, DB is not safe for concurrent define and reset calls.
type DB struct {
	ex      Execer
	closer  io.Closer
	driver  Driver
	builder query.Builder
	prefix  string

	tables map[string]schema.Table // lowercased unprefixed name -> definition
	names  []string                // lowercased unprefixed names, nil if not loaded
}

// Opts defines DB options
type Opts struct {
	Prefix string    // prefix for all table names
	Dry    bool      // print statements instead of executing, queries still run
	DryOut io.Writer // destination for dry statements
}

// DefineOpts defines options for Define and Plan
type DefineOpts struct {
	Drop bool // allow dropping columns and indexes missing in the desired definition
}

// Change is the result of planning a table definition, either create or alter plan
type Change struct {
	Table      string       // unprefixed table name
	Create     bool         // table doesn't exist and will be created
	Definition schema.Table // normalized desired definition with full table name
	Plan       schema.AlterPlan

	current schema.Table
}

// Empty returns true if nothing has to be done
func (c Change) Empty() bool { return !c.Create && c.Plan.Empty() }

// String returns human-readable change
func (c Change) String() string {
	if !c.Create {
		return c.Plan.String()
	}
	p := schema.AlterPlan{Table: c.Table, AddColumns: c.Definition.Columns, AddIndexes: c.Definition.Indexes}
	return strings.Replace(p.String(), "table "+c.Table+":", "table "+c.Table+": create", 1)
}

// New makes DB on top of an open connection
func New(ex Execer, driver Driver, opts Opts) *DB {
	if opts.Dry {
		ex = NewDry(ex, opts.DryOut)
	}
	return &DB{
		ex:      ex,
		driver:  driver,
		builder: query.Builder{Dialect: driver, Prefix: opts.Prefix},
		prefix:  opts.Prefix,
		tables:  map[string]schema.Table{},
	}
}

// Open connects to the database. Empty engine is detected from dsn, see DetectEngine.
func Open(ctx context.Context, engine, dsn string, opts Opts) (*DB, error) {
	if engine == "" {
		var err error
		if engine, err = DetectEngine(dsn); err != nil {
			return nil, err
		}
	}

	var driver Driver
	driverName := ""
	switch strings.ToLower(engine) {
	case "mysql":
		driver, driverName = MySQL{}, "mysql"
	case "sqlite", "sqlite3":
		driver, driverName = SQLite{}, sqliteDriverName
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", engine, err)
	}
	if driver.Name() == "sqlite" {
		conn.SetMaxOpenConns(1) // single writer, also keeps :memory: databases alive
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("can't connect to %s database %s: %w", engine, RedactDSN(dsn), err)
	}
	log.Printf("[INFO] connected to %s database %s, prefix %q", driver.Name(), RedactDSN(dsn), opts.Prefix)

	res := New(conn, driver, opts)
	res.closer = conn
	return res, nil
}

// DetectEngine guesses engine from dsn. File names ending with .db, .sqlite or .sqlite3, "file:" urls
// and ":memory:" are sqlite, anything with "@tcp(" or "@unix(" or parsed by mysql driver is mysql.
func DetectEngine(dsn string) (string, error) {
	lc := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lc, "file:"), lc == ":memory:",
		strings.HasSuffix(lc, ".db"), strings.HasSuffix(lc, ".sqlite"), strings.HasSuffix(lc, ".sqlite3"):
		return "sqlite", nil
	case strings.Contains(lc, "@tcp("), strings.Contains(lc, "@unix("):
		return "mysql", nil
	}
	if cfg, err := mysql.ParseDSN(dsn); err == nil && cfg.DBName != "" && cfg.Addr != "" {
		return "mysql", nil
	}
	return "", fmt.Errorf("%w: can't detect engine from connection string", ErrUnknownEngine)
}

// RedactDSN hides mysql password, other dsn returned as is
func RedactDSN(dsn string) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil || cfg.Passwd == "" {
		return dsn
	}
	cfg.Passwd = "****"
	return cfg.FormatDSN()
}

// Close closes the connection if DB opened it
func (db *DB) Close() error {
	if db.closer == nil {
		return nil
	}
	return db.closer.Close()
}

// Driver returns dialect driver
func (db *DB) Driver() Driver { return db.driver }

// Builder returns statement builder with the DB's dialect and prefix
func (db *DB) Builder() query.Builder { return db.builder }

// Plan compares desired definition with the live table and returns the change without applying it
func (db *DB) Plan(ctx context.Context, t schema.Table, opts DefineOpts) (Change, error) {
	full := t.Clone()
	full.Name = db.prefix + t.Name
	desired, err := schema.Normalize(full)
	if err != nil {
		return Change{}, fmt.Errorf("can't normalize %s: %w", t.Name, err)
	}

	current, err := db.introspect(ctx, desired.Name)
	if err != nil {
		return Change{}, err
	}
	if current == nil {
		return Change{Table: t.Name, Create: true, Definition: desired}, nil
	}
	_, separateAI := db.driver.(MySQL) // sqlite keeps auto-increment in the rowid alias type
	plan := schema.Diff(*current, desired, db.driver.NativeType, schema.DiffOpts{Drop: opts.Drop, AutoIncrement: separateAI})
	plan.Table = t.Name
	return Change{Table: t.Name, Definition: desired, Plan: plan, current: *current}, nil
}

// Define makes the live table match the desired definition. Absent table is created, existing one
// altered with the plan from Plan, nothing is executed for an empty plan. The cache is updated with
// the resulting definition, except for dry mode where nothing is changed in the database.
func (db *DB) Define(ctx context.Context, t schema.Table, opts DefineOpts) (Change, error) {
	ch, err := db.Plan(ctx, t, opts)
	if err != nil {
		return Change{}, err
	}
	_, dry := db.ex.(*Dry)

	switch {
	case ch.Create:
		if err := db.driver.CreateTable(ctx, db.ex, ch.Definition); err != nil {
			return ch, err
		}
		if !dry {
			db.cache(t.Name, ch.Definition)
			db.addName(t.Name)
		}
		log.Printf("[INFO] table %s created", ch.Definition.Name)
	case ch.Plan.Empty():
		db.cache(t.Name, ch.current)
		log.Printf("[DEBUG] table %s is up to date", ch.Definition.Name)
	default:
		res, err := db.driver.AlterTable(ctx, db.ex, ch.current, ch.Definition, ch.Plan)
		if err != nil {
			db.forget(t.Name)
			return ch, err
		}
		if !dry {
			db.cache(t.Name, res)
		}
		log.Printf("[INFO] table %s altered, %s", ch.Definition.Name, strings.ReplaceAll(ch.Plan.String(), "\n", ";"))
	}
	return ch, nil
}

// Table returns table definition, cached or introspected. Nil if the table doesn't exist.
func (db *DB) Table(ctx context.Context, name string) (*schema.Table, error) {
	if t, ok := db.tables[strings.ToLower(name)]; ok {
		res := t.Clone()
		return &res, nil
	}
	current, err := db.introspect(ctx, db.prefix+name)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	db.cache(name, *current)
	res := current.Clone()
	res.Name = name
	return &res, nil
}

// Tables returns lowercased names of all tables with the DB prefix, prefix stripped
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	if db.names == nil {
		names, err := db.driver.Tables(ctx, db.ex, db.prefix)
		if err != nil {
			return nil, err
		}
		db.names = make([]string, 0, len(names))
		for _, n := range names {
			if len(n) < len(db.prefix) || !strings.EqualFold(n[:len(db.prefix)], db.prefix) {
				continue
			}
			db.names = append(db.names, strings.ToLower(n[len(db.prefix):]))
		}
		sort.Strings(db.names)
	}
	return append([]string(nil), db.names...), nil
}

// Reset drops schema cache
func (db *DB) Reset() {
	db.tables = map[string]schema.Table{}
	db.names = nil
}

// Drop drops table, no error if it doesn't exist
func (db *DB) Drop(ctx context.Context, name string) error {
	if err := db.driver.DropTable(ctx, db.ex, db.prefix+name); err != nil {
		return err
	}
	db.forget(name)
	if db.names != nil {
		db.names = stringutils.Difference(db.names, []string{strings.ToLower(name)})
		if db.names == nil {
			db.names = []string{}
		}
	}
	return nil
}

// Get selects rows from the table
func (db *DB) Get(ctx context.Context, table string, w where.Node, opts query.SelectOpts) ([]query.Row, error) {
	stmt, err := db.builder.Select(query.Table(table), w, opts)
	if err != nil {
		return nil, fmt.Errorf("can't make select from %s: %w", table, err)
	}
	log.Printf("[DEBUG] query: %s", stmt)
	rows, err := db.ex.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("can't select from %s: %w", table, err)
	}
	return scanRows(rows)
}

// Insert inserts row and returns last insert id. Upsert on engines without native support
// updates the row by primary key and inserts it if nothing was updated.
func (db *DB) Insert(ctx context.Context, table string, row query.Row, opts query.InsertOpts) (int64, error) {
	if opts.Upsert && !db.driver.NativeUpsert() {
		if opts.Ignore || opts.Replace {
			return 0, fmt.Errorf("%w: only one of ignore, replace or upsert allowed", query.ErrConflictingOptions)
		}
		return db.upsert(ctx, table, row)
	}
	stmt, err := db.builder.Insert(query.Table(table), row, opts)
	if err != nil {
		return 0, fmt.Errorf("can't make insert into %s: %w", table, err)
	}
	res, err := exec(ctx, db.ex, stmt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("can't get last insert id for %s: %w", table, err)
	}
	return id, nil
}

// Update updates rows matching where and returns the number of affected rows
func (db *DB) Update(ctx context.Context, table string, set query.Row, w where.Node, opts query.UpdateOpts) (int64, error) {
	stmt, err := db.builder.Update(query.Table(table), set, w, opts)
	if err != nil {
		return 0, fmt.Errorf("can't make update of %s: %w", table, err)
	}
	return db.affected(ctx, stmt)
}

// Delete deletes rows matching where, or all rows with truncate, and returns the number of affected rows
func (db *DB) Delete(ctx context.Context, table string, w where.Node, opts query.DeleteOpts) (int64, error) {
	stmt, err := db.builder.Delete(query.Table(table), w, opts)
	if err != nil {
		return 0, fmt.Errorf("can't make delete from %s: %w", table, err)
	}
	return db.affected(ctx, stmt)
}

func (db *DB) affected(ctx context.Context, stmt string) (int64, error) {
	res, err := exec(ctx, db.ex, stmt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("can't get affected rows: %w", err)
	}
	return n, nil
}

// upsert emulates insert-or-update with the table's primary key. Every key column must be in the row.
func (db *DB) upsert(ctx context.Context, table string, row query.Row) (int64, error) {
	t, err := db.Table(ctx, table)
	if err != nil {
		return 0, err
	}
	if t == nil {
		return 0, fmt.Errorf("can't upsert into %s: table not found", table)
	}
	pk := t.PrimaryKey()
	if len(pk) == 0 {
		return 0, fmt.Errorf("%w: table %s has no primary key", ErrMissingKey, table)
	}

	key := where.NewBuilder()
	set := query.Row{}
	used := map[string]bool{}
	for _, k := range pk {
		col, val, ok := lookupRow(row, k)
		if !ok || val == nil {
			return 0, fmt.Errorf("%w: %s.%s", ErrMissingKey, table, k)
		}
		key = key.Where(col, "=", val)
		used[col] = true
	}
	for c, v := range row {
		if !used[c] {
			set[c] = v
		}
	}

	if len(set) == 0 {
		return db.Insert(ctx, table, row, query.InsertOpts{Ignore: true})
	}
	n, err := db.Update(ctx, table, set, key.Node(), query.UpdateOpts{})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	return db.Insert(ctx, table, row, query.InsertOpts{})
}

// lookupRow finds column in row case-insensitively
func lookupRow(row query.Row, column string) (string, any, bool) {
	if v, ok := row[column]; ok {
		return column, v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, column) {
			return k, v, true
		}
	}
	return "", nil, false
}

// introspect reads columns and indexes of the table by full name, nil if the table doesn't exist
func (db *DB) introspect(ctx context.Context, full string) (*schema.Table, error) {
	cols, err := db.driver.Columns(ctx, db.ex, full)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	idx, err := db.driver.Indexes(ctx, db.ex, full)
	if err != nil {
		return nil, err
	}
	res := schema.Table{Name: full, Columns: cols, Indexes: idx}
	pk := lowerNames(res.PrimaryKey())
	for i := range res.Columns {
		res.Columns[i].Primary = stringutils.Contains(strings.ToLower(res.Columns[i].Name), pk)
	}
	return &res, nil
}

func (db *DB) cache(name string, t schema.Table) {
	res := t.Clone()
	res.Name = name
	db.tables[strings.ToLower(name)] = res
}

func (db *DB) forget(name string) {
	delete(db.tables, strings.ToLower(name))
}

func (db *DB) addName(name string) {
	if db.names == nil {
		return
	}
	lc := strings.ToLower(name)
	if stringutils.Contains(lc, db.names) {
		return
	}
	db.names = append(db.names, lc)
	sort.Strings(db.names)
}
