package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbdef/pkg/config"
	"github.com/umputun/dbdef/pkg/engine"
	"github.com/umputun/dbdef/pkg/query"
)

const testDefs = `prefix: app_
targets:
  local:
    dsn: %s
tables:
  - name: users
    columns:
      - {name: id, type: int, primary: true, auto_increment: true}
      - {name: name, type: varchar(64)}
      - {name: active, type: bool, default: "1"}
    indexes:
      - {type: unique, columns: [name]}
`

func prepFiles(t *testing.T) (defsFile, dbFile string) {
	t.Helper()
	dir := t.TempDir()
	dbFile = filepath.Join(dir, "test.db")
	defsFile = filepath.Join(dir, "dbdef.yml")
	require.NoError(t, os.WriteFile(defsFile, []byte(fmt.Sprintf(testDefs, dbFile)), 0o600))
	return defsFile, dbFile
}

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs(args)
	require.NoError(t, err)
	buf := bytes.Buffer{}
	err = run(context.Background(), p, opts, &buf)
	return buf.String(), err
}

func Test_runDefineAndPlan(t *testing.T) {
	defsFile, dbFile := prepFiles(t)

	out, err := runArgs(t, "--file", defsFile, "--no-color", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "[local sqlite] table users: create")

	out, err = runArgs(t, "--file", defsFile, "--no-color", "define", "--dry")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "[local sqlite] > create table `app_users`")

	out, err = runArgs(t, "--file", defsFile, "--no-color", "define")
	require.NoError(t, err)
	assert.Contains(t, out, "table users: create")
	assert.Contains(t, out, "completed define, changes: 1")

	out, err = runArgs(t, "--file", defsFile, "--no-color", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "completed plan, changes: 0")

	db, err := engine.Open(context.Background(), "", dbFile, engine.Opts{Prefix: "app_"})
	require.NoError(t, err)
	defer db.Close()
	tbl, err := db.Table(context.Background(), "users")
	require.NoError(t, err)
	require.NotNil(t, tbl)
	assert.Len(t, tbl.Columns, 3)
}

func Test_runSelect(t *testing.T) {
	defsFile, dbFile := prepFiles(t)
	_, err := runArgs(t, "--file", defsFile, "define")
	require.NoError(t, err)

	db, err := engine.Open(context.Background(), "", dbFile, engine.Opts{Prefix: "app_"})
	require.NoError(t, err)
	for i, name := range []string{"alice", "bob", "carol"} {
		_, err = db.Insert(context.Background(), "users", query.Row{"name": name, "active": i != 1}, query.InsertOpts{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	tbl := []struct {
		name string
		args []string
		exp  []string
	}{
		{name: "all", args: []string{"--table", "users", "--column", "name", "--order", "name"},
			exp: []string{`{"name":"alice"}`, `{"name":"bob"}`, `{"name":"carol"}`}},
		{name: "where", args: []string{"--table", "users", "--column", "name", "--where", "{active: 1}", "--order", "-name"},
			exp: []string{`{"name":"carol"}`, `{"name":"alice"}`}},
		{name: "page", args: []string{"--table", "users", "--column", "name", "--order", "name", "--limit", "2", "--page", "2"},
			exp: []string{`{"name":"carol"}`}},
	}
	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			out, err := runArgs(t, append([]string{"--file", defsFile, "select"}, tc.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tc.exp, strings.Split(strings.TrimSpace(out), "\n"))
		})
	}

	_, err = runArgs(t, "--file", defsFile, "select", "--table", "users", "--where", "[1, 2]")
	require.ErrorContains(t, err, "can't parse where")
}

func Test_runDump(t *testing.T) {
	defsFile, dbFile := prepFiles(t)
	_, err := runArgs(t, "--file", defsFile, "define")
	require.NoError(t, err)

	out, err := runArgs(t, "--file", defsFile, "dump")
	require.NoError(t, err)
	assert.Contains(t, out, "prefix: app_")
	assert.Contains(t, out, "name: users")

	outFile := filepath.Join(t.TempDir(), "dump.toml")
	_, err = runArgs(t, "dump", "--dsn", dbFile, "--prefix", "app_", "--out", outFile)
	require.NoError(t, err)
	defs, err := config.Load(outFile, nil)
	require.NoError(t, err)
	users, err := defs.Table("users")
	require.NoError(t, err)
	assert.Len(t, users.Columns, 3)

	_, err = runArgs(t, "dump", "--dsn", dbFile, "--prefix", "app_", "--out", outFile)
	require.ErrorContains(t, err, "use --force to overwrite")
	_, err = runArgs(t, "dump", "--dsn", dbFile, "--prefix", "app_", "--out", outFile, "--force")
	require.NoError(t, err)

	_, err = runArgs(t, "--file", defsFile, "dump", "nope")
	require.ErrorContains(t, err, "table nope not found")
}

func Test_runErrors(t *testing.T) {
	defsFile, _ := prepFiles(t)

	_, err := runArgs(t, "--file", "/no/such/file.yml", "plan")
	require.ErrorContains(t, err, "definitions file /no/such/file.yml not found")

	_, err = runArgs(t, "--file", defsFile, "--target", "nope", "plan")
	require.ErrorIs(t, err, config.ErrNotFound)

	_, err = runArgs(t, "--file", defsFile, "--target", "a", "--target", "b", "dump")
	require.ErrorContains(t, err, "one target expected, got 2")

	_, err = runArgs(t, "--file", defsFile, "--secrets.provider", "internal", "--secrets.conn",
		filepath.Join(t.TempDir(), "s.db"), "--secrets.key", "", "plan")
	require.Error(t, err, "empty key with non-terminal stdin")
}

func Test_makeSecretsProvider(t *testing.T) {
	sp, err := makeSecretsProvider(SecretsProvider{Provider: "none"})
	require.NoError(t, err)
	_, err = sp.Get("k")
	require.Error(t, err)

	sopts := SecretsProvider{Provider: "internal", Key: "123456", Conn: filepath.Join(t.TempDir(), "s.db")}
	sp, err = makeSecretsProvider(sopts)
	require.NoError(t, err)
	_, err = sp.Get("k")
	require.ErrorContains(t, err, "secret not found")

	sopts = SecretsProvider{Provider: "ansible"}
	sopts.Ansible.Path = "/no/such/vault"
	_, err = makeSecretsProvider(sopts)
	require.ErrorContains(t, err, "can't get fileinfo")
}

func Test_formatErrorString(t *testing.T) {
	tbl := []struct {
		name, in, exp string
	}{
		{name: "plain", in: "some error", exp: "some error"},
		{name: "multierror", in: "can't define: 2 errors occurred:\n\t* target a: err1\n\t* target b: err2\n\n",
			exp: "can't define: 2 errors occurred:\n   [0] target a: err1\n   [1] target b: err2\n"},
		{name: "single", in: "can't plan: 1 error occurred:\n\t* target a: err1\n\n",
			exp: "can't plan: 1 error occurred:\n   [0] target a: err1\n"},
	}
	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, formatErrorString(tc.in))
		})
	}
}

func Test_expandPath(t *testing.T) {
	p, err := expandPath("~/dbdef.yml")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, "/dbdef.yml"))
	assert.False(t, strings.HasPrefix(p, "~"))

	p, err = expandPath("/tmp/dbdef.yml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dbdef.yml", p)
}

func Test_main(t *testing.T) {
	defsFile, _ := prepFiles(t)
	code := -1
	exitFunc = func(c int) { code = c }
	defer func() { exitFunc = os.Exit }()

	os.Args = []string{"dbdef", "--file", defsFile, "--dbg", "define"}
	main()
	assert.Equal(t, -1, code)

	os.Args = []string{"dbdef", "--bad-flag"}
	main()
	assert.Equal(t, 1, code)
}
