package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/schema"
	"github.com/umputun/dbdef/pkg/where"
)

func prepSQLite(t *testing.T, opts Opts) (*DB, string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), uuid.NewString()+".db")
	db, err := Open(context.Background(), "", file, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db, file
}

func usersTable(t *testing.T, extra ...func(b *schema.TableBuilder)) schema.Table {
	t.Helper()
	b := schema.NewTable("users").
		Column("id", "int", schema.Primary(), schema.AutoIncrement()).
		Column("name", "varchar(64)").
		Column("active", "bool", schema.Default(true)).
		Column("created", "datetime", schema.Default("CURRENT_TIMESTAMP")).
		Index(schema.IndexUnique, "name")
	for _, fn := range extra {
		fn(b)
	}
	res, err := b.Build()
	require.NoError(t, err)
	return res
}

func TestSQLite_Define(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{Prefix: "t_"})

	ch, err := db.Define(ctx, usersTable(t), DefineOpts{})
	require.NoError(t, err)
	assert.True(t, ch.Create)
	assert.Equal(t, "t_users", ch.Definition.Name)

	t.Run("second define does nothing", func(t *testing.T) {
		db.Reset()
		ch, err := db.Define(ctx, usersTable(t), DefineOpts{})
		require.NoError(t, err)
		assert.True(t, ch.Empty(), ch.String())
	})

	t.Run("introspected definition", func(t *testing.T) {
		db.Reset()
		tbl, err := db.Table(ctx, "users")
		require.NoError(t, err)
		require.NotNil(t, tbl)
		assert.Equal(t, "users", tbl.Name)
		assert.Equal(t, []string{"id", "name", "active", "created"}, tbl.ColumnNames())
		assert.Equal(t, []string{"id"}, tbl.PrimaryKey())

		id, ok := tbl.Column("id")
		require.True(t, ok)
		assert.True(t, id.AutoIncrement)
		assert.True(t, id.Primary)
		assert.False(t, id.Nullable)

		active, ok := tbl.Column("active")
		require.True(t, ok)
		assert.Equal(t, "bool", active.Type)
		require.NotNil(t, active.Default)
		assert.Equal(t, "1", *active.Default)

		require.Len(t, tbl.Indexes, 2)
		assert.Equal(t, schema.IndexUnique, tbl.Indexes[1].Kind)
		assert.Equal(t, []string{"name"}, tbl.Indexes[1].Columns)
	})

	t.Run("tables", func(t *testing.T) {
		names, err := db.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"users"}, names)

		missing, err := db.Table(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("drop", func(t *testing.T) {
		_, err := db.Define(ctx, schema.Table{Name: "tmp", Columns: []schema.Column{{Name: "a", Type: "int"}}}, DefineOpts{})
		require.NoError(t, err)
		names, err := db.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tmp", "users"}, names)

		require.NoError(t, db.Drop(ctx, "tmp"))
		names, err = db.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"users"}, names)
		require.NoError(t, db.Drop(ctx, "tmp"), "dropping missing table is fine")
	})
}

func TestSQLite_DefineAdditive(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{})

	withAge := usersTable(t, func(b *schema.TableBuilder) { b.Column("age", "int", schema.Nullable()) })
	_, err := db.Define(ctx, usersTable(t), DefineOpts{})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "users", query.Row{"name": "bob"}, query.InsertOpts{})
	require.NoError(t, err)

	ch, err := db.Define(ctx, withAge, DefineOpts{})
	require.NoError(t, err)
	assert.Equal(t, "table users:\n + column age int", ch.Plan.String())
	_, err = db.Update(ctx, "users", query.Row{"age": 42}, where.Equality{Column: "name", Value: "bob"}, query.UpdateOpts{})
	require.NoError(t, err)

	// without drop the column stays
	db.Reset()
	ch, err = db.Define(ctx, usersTable(t), DefineOpts{})
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	tbl, err := db.Table(ctx, "users")
	require.NoError(t, err)
	assert.Contains(t, tbl.ColumnNames(), "age")

	// with drop it is removed by migration, rows survive
	ch, err = db.Define(ctx, usersTable(t), DefineOpts{Drop: true})
	require.NoError(t, err)
	require.Len(t, ch.Plan.DropColumns, 1)
	db.Reset()
	tbl, err = db.Table(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "active", "created"}, tbl.ColumnNames())
	assert.Equal(t, []string{"id"}, tbl.PrimaryKey())

	rows, err := db.Get(ctx, "users", nil, query.SelectOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0]["name"])

	names, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names, "no temporary tables left")
}

func TestSQLite_DefinePrimaryKeyChange(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{Prefix: "pk_"})

	def := func(pk ...string) schema.Table {
		res, err := schema.NewTable("links").
			Column("a", "int").
			Column("b", "int").
			Column("note", "text", schema.Nullable()).
			PrimaryKey(pk...).
			Index(schema.IndexPlain, "note").
			Build()
		require.NoError(t, err)
		return res
	}

	_, err := db.Define(ctx, def("a", "b"), DefineOpts{})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = db.Insert(ctx, "links", query.Row{"a": i, "b": i * 10, "note": fmt.Sprintf("n%d", i)}, query.InsertOpts{})
		require.NoError(t, err)
	}

	ch, err := db.Define(ctx, def("b", "a"), DefineOpts{})
	require.NoError(t, err)
	assert.True(t, ch.Plan.PrimaryChanged())

	db.Reset()
	tbl, err := db.Table(ctx, "links")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, tbl.PrimaryKey())
	require.Len(t, tbl.Indexes, 2, "secondary index recreated")

	ds, err := db.Cursor("links", nil).WithOrder("a").Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	assert.Equal(t, "n1", ds.Rows[0]["note"])

	ch, err = db.Define(ctx, def("b", "a"), DefineOpts{})
	require.NoError(t, err)
	assert.True(t, ch.Empty(), ch.String())
}

func TestSQLite_DefineInlineUnique(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{})

	_, err := db.ex.ExecContext(ctx, "create table acc (id integer primary key, email varchar(64) not null unique)")
	require.NoError(t, err)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err = db.ex.ExecContext(ctx, "insert into acc (email) values (?)", email)
		require.NoError(t, err)
	}

	tbl, err := db.Table(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, tbl.Indexes, 2)
	assert.Equal(t, "UX_acc_email", tbl.Indexes[1].Name, "automatic index reported with regular name")

	wider := func() schema.Table {
		res, err := schema.NewTable("acc").
			Column("id", "int", schema.Primary(), schema.AutoIncrement()).
			Column("email", "varchar(128)").
			Index(schema.IndexUnique, "email").
			Build()
		require.NoError(t, err)
		return res
	}
	db.Reset()
	ch, err := db.Define(ctx, wider(), DefineOpts{})
	require.NoError(t, err)
	require.Len(t, ch.Plan.AlterColumns, 1)
	assert.Equal(t, "email", ch.Plan.AlterColumns[0].Name)

	db.Reset()
	names, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acc"}, names, "no temporary table left")

	rows, err := db.Get(ctx, "acc", nil, query.SelectOpts{Columns: []string{"email"}, Order: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, []query.Row{{"email": "a@example.com"}, {"email": "b@example.com"}}, rows)

	_, err = db.Insert(ctx, "acc", query.Row{"email": "a@example.com"}, query.InsertOpts{})
	require.Error(t, err, "unique constraint kept")

	ch, err = db.Define(ctx, wider(), DefineOpts{})
	require.NoError(t, err)
	assert.True(t, ch.Empty(), ch.String())
}

func TestSQLite_Upsert(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{})

	kv, err := schema.NewTable("kv").
		Column("k", "varchar(32)", schema.Primary()).
		Column("v", "text", schema.Nullable()).
		Build()
	require.NoError(t, err)
	_, err = db.Define(ctx, kv, DefineOpts{})
	require.NoError(t, err)

	_, err = db.Insert(ctx, "kv", query.Row{"k": "a", "v": "1"}, query.InsertOpts{Upsert: true})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "kv", query.Row{"k": "a", "v": "2"}, query.InsertOpts{Upsert: true})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "kv", query.Row{"k": "a"}, query.InsertOpts{Upsert: true})
	require.NoError(t, err, "key only upsert keeps existing row")

	rows, err := db.Get(ctx, "kv", nil, query.SelectOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0]["v"])

	_, err = db.Insert(ctx, "kv", query.Row{"v": "3"}, query.InsertOpts{Upsert: true})
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = db.Insert(ctx, "kv", query.Row{"k": "b"}, query.InsertOpts{Upsert: true, Ignore: true})
	require.ErrorIs(t, err, query.ErrConflictingOptions)

	cp, err := schema.NewTable("cp").
		Column("a", "int").
		Column("b", "int").
		Column("v", "text", schema.Nullable()).
		PrimaryKey("a", "b").
		Build()
	require.NoError(t, err)
	_, err = db.Define(ctx, cp, DefineOpts{})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "cp", query.Row{"a": 1, "v": "x"}, query.InsertOpts{Upsert: true})
	require.ErrorIs(t, err, ErrMissingKey, "part of composite key is missing")
	_, err = db.Insert(ctx, "cp", query.Row{"a": 1, "b": 2, "v": "x"}, query.InsertOpts{Upsert: true})
	require.NoError(t, err)

	_, err = db.Insert(ctx, "kv", query.Row{"k": "a", "v": "x"}, query.InsertOpts{Ignore: true})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "kv", query.Row{"k": "a", "v": "y"}, query.InsertOpts{Replace: true})
	require.NoError(t, err)
	rows, err = db.Get(ctx, "kv", where.Equality{Column: "k", Value: "a"}, query.SelectOpts{Columns: []string{"v"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, query.Row{"v": "y"}, rows[0])
}

func TestSQLite_Where(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{})

	nums, err := schema.NewTable("nums").
		Column("id", "int", schema.Primary(), schema.AutoIncrement()).
		Column("n", "int", schema.Nullable()).
		Build()
	require.NoError(t, err)
	_, err = db.Define(ctx, nums, DefineOpts{})
	require.NoError(t, err)
	for _, v := range []any{nil, 1, 2, 3, 4, 5} {
		_, err = db.Insert(ctx, "nums", query.Row{"n": v}, query.InsertOpts{})
		require.NoError(t, err)
	}

	tbl := []struct {
		name string
		in   map[string]any
		res  []any
	}{
		{"all", nil, []any{nil, int64(1), int64(2), int64(3), int64(4), int64(5)}},
		{"is null", map[string]any{"n": nil}, []any{nil}},
		{"not null", map[string]any{"n": map[string]any{"<>": nil}}, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}},
		{"gt", map[string]any{"n": map[string]any{">": 3}}, []any{int64(4), int64(5)}},
		{"in", map[string]any{"n": []int{3, 4, 5}}, []any{int64(3), int64(4), int64(5)}},
		{"empty in", map[string]any{"n": []any{}}, []any{}},
		{"not in", map[string]any{"n": map[string]any{"!=": []int{1, 2}}}, []any{int64(3), int64(4), int64(5)}},
		{"or", map[string]any{"$or": []any{map[string]any{"n": 1}, map[string]any{"n": map[string]any{">=": 5}}}},
			[]any{int64(1), int64(5)}},
		{"range", map[string]any{"n": map[string]any{">": 1, "<=": 3}}, []any{int64(2), int64(3)}},
	}
	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			w, err := where.Parse(tc.in)
			require.NoError(t, err)
			rows, err := db.Get(ctx, "nums", w, query.SelectOpts{Columns: []string{"n"}, Order: []string{"id"}})
			require.NoError(t, err)
			res := []any{}
			for _, r := range rows {
				res = append(res, r["n"])
			}
			assert.Equal(t, tc.res, res)
		})
	}

	t.Run("cursor pages", func(t *testing.T) {
		c := db.Cursor("nums", where.Comparison{Column: "n", Op: where.Gte, Value: 1}).WithOrder("-n").WithLimit(2)
		ds, err := c.WithPage(2).Fetch(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, ds.Len())
		assert.Equal(t, int64(3), ds.Rows[0]["n"])
		assert.Equal(t, int64(2), ds.Rows[1]["n"])

		ds, err = c.WithOffset(4).Fetch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ds.Len())
		assert.Equal(t, int64(1), ds.Rows[0]["n"])

		stmt, err := c.SQL()
		require.NoError(t, err)
		assert.Equal(t, "select * from `nums` where `n` >= 1 order by `n` desc limit 2", stmt)
	})

	t.Run("truncate with where refused", func(t *testing.T) {
		_, err := db.Delete(ctx, "nums", where.Equality{Column: "n", Value: 1}, query.DeleteOpts{Truncate: true})
		require.ErrorIs(t, err, query.ErrInvalidTruncate)
		rows, err := db.Get(ctx, "nums", nil, query.SelectOpts{})
		require.NoError(t, err)
		assert.Len(t, rows, 6)
	})

	t.Run("delete and truncate", func(t *testing.T) {
		n, err := db.Delete(ctx, "nums", where.Comparison{Column: "n", Op: where.Lt, Value: 3}, query.DeleteOpts{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		_, err = db.Delete(ctx, "nums", nil, query.DeleteOpts{Truncate: true})
		require.NoError(t, err)
		rows, err := db.Get(ctx, "nums", nil, query.SelectOpts{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestSQLite_Dry(t *testing.T) {
	ctx := context.Background()
	live, file := prepSQLite(t, Opts{})
	_, err := live.Define(ctx, usersTable(t), DefineOpts{})
	require.NoError(t, err)

	buf := bytes.Buffer{}
	dry, err := Open(ctx, "sqlite", file, Opts{Dry: true, DryOut: &buf})
	require.NoError(t, err)
	defer dry.Close()

	ch, err := dry.Define(ctx, usersTable(t, func(b *schema.TableBuilder) { b.Column("age", "int", schema.Nullable()) }), DefineOpts{})
	require.NoError(t, err)
	assert.Len(t, ch.Plan.AddColumns, 1)
	assert.Equal(t, "alter table `users` add column `age` int;\n", buf.String())

	live.Reset()
	tbl, err := live.Table(ctx, "users")
	require.NoError(t, err)
	assert.NotContains(t, tbl.ColumnNames(), "age", "dry run changes nothing")

	t.Run("absent table not cached", func(t *testing.T) {
		buf.Reset()
		ch, err := dry.Define(ctx, schema.Table{Name: "ghost", Columns: []schema.Column{{Name: "a", Type: "int"}}}, DefineOpts{})
		require.NoError(t, err)
		assert.True(t, ch.Create)
		assert.Contains(t, buf.String(), "create table `ghost`")

		ghost, err := dry.Table(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, ghost)
		names, err := dry.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"users"}, names)
	})
}

func TestSQLite_DefineProperty(t *testing.T) {
	ctx := context.Background()
	db, _ := prepSQLite(t, Opts{})

	optional := []schema.Column{
		{Name: "c_int", Type: "int", Nullable: true},
		{Name: "c_str", Type: "varchar", Length: schema.IntPtr(20), Default: schema.StrPtr("x")},
		{Name: "c_dec", Type: "decimal", Precision: schema.IntPtr(8), Scale: schema.IntPtr(2), Nullable: true},
		{Name: "c_bool", Type: "bool", Default: schema.StrPtr("0")},
		{Name: "c_txt", Type: "text", Nullable: true},
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("define reaches desired columns and is idempotent", prop.ForAll(
		func(mask int) bool {
			tbl := schema.Table{Name: "prop", Columns: []schema.Column{{Name: "id", Type: "int", Primary: true, AutoIncrement: true}}}
			for i, c := range optional {
				if mask&(1<<i) != 0 {
					tbl.Columns = append(tbl.Columns, c)
				}
			}
			if _, err := db.Define(ctx, tbl, DefineOpts{Drop: true}); err != nil {
				t.Logf("define %d: %v", mask, err)
				return false
			}
			db.Reset()
			live, err := db.Table(ctx, "prop")
			if err != nil || live == nil {
				return false
			}
			// in-place adds go to the end, so only the set of columns is compared
			want, got := tbl.ColumnNames(), live.ColumnNames()
			sort.Strings(want)
			sort.Strings(got)
			if !assert.ObjectsAreEqual(want, got) {
				t.Logf("mask %d: want %v, got %v", mask, want, got)
				return false
			}
			ch, err := db.Plan(ctx, tbl, DefineOpts{Drop: true})
			return err == nil && ch.Empty()
		},
		gen.IntRange(0, 1<<len(optional)-1),
	))

	properties.TestingRun(t)
}
