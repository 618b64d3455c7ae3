package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbdef/pkg/config"
	"github.com/umputun/dbdef/pkg/engine"
	"github.com/umputun/dbdef/pkg/secrets"
)

const defsTmpl = `prefix: rt_
targets:
  first:
    dsn: %s
  second:
    engine: sqlite
    dsn: %s
    prefix: s_
tables:
  - name: users
    columns:
      - {name: id, type: int, primary: true, auto_increment: true}
      - {name: name, type: varchar(64)}
    indexes:
      - {type: unique, columns: [name]}
  - name: tags
    columns:
      - {name: user_id, type: int}
      - {name: tag, type: varchar(32)}
    indexes:
      - {type: primary, columns: [user_id, tag]}
`

// lockedBuffer is bytes.Buffer safe for concurrent writes
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func prepDefs(t *testing.T, body string) *config.Definitions {
	t.Helper()
	dir := t.TempDir()
	if body == "" {
		body = fmt.Sprintf(defsTmpl, filepath.Join(dir, "first.db"), filepath.Join(dir, "second.db"))
	}
	fname := filepath.Join(dir, "defs.yml")
	require.NoError(t, os.WriteFile(fname, []byte(body), 0o600))
	defs, err := config.Load(fname, secrets.NewMemoryProvider(map[string]string{"pass": "secret-pass"}))
	require.NoError(t, err)
	return defs
}

func TestProcess_Run(t *testing.T) {
	ctx := context.Background()
	defs := prepDefs(t, "")
	out := &lockedBuffer{}
	p := Process{Concurrency: 2, Opener: DBOpener{}, Definitions: defs, Logs: MakeLogsTo(out, true, true, nil)}

	t.Run("plan on empty targets", func(t *testing.T) {
		res, err := p.Run(ctx, ModePlan)
		require.NoError(t, err)
		assert.Equal(t, ProcResp{Targets: 2, Tables: 2, Changes: 4}, res)
		assert.Contains(t, out.String(), "[first sqlite] table users: create")
		assert.Contains(t, out.String(), "[second sqlite] table tags: create")
	})

	t.Run("define creates tables", func(t *testing.T) {
		res, err := p.Run(ctx, ModeDefine)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Changes)

		db, err := engine.Open(ctx, "", defs.Targets["second"].DSN, engine.Opts{Prefix: "s_"})
		require.NoError(t, err)
		defer db.Close()
		names, err := db.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tags", "users"}, names)
	})

	t.Run("define again changes nothing", func(t *testing.T) {
		res, err := p.Run(ctx, ModeDefine, "first")
		require.NoError(t, err)
		assert.Equal(t, ProcResp{Targets: 1, Tables: 2, Changes: 0}, res)
		res, err = p.Run(ctx, ModePlan)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Changes)
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := p.Run(ctx, ModePlan, "nope")
		require.ErrorIs(t, err, config.ErrNotFound)
	})
}

func TestProcess_RunDry(t *testing.T) {
	ctx := context.Background()
	defs := prepDefs(t, "")
	out := &lockedBuffer{}
	p := Process{Opener: DBOpener{}, Definitions: defs, Logs: MakeLogsTo(out, true, true, nil), Dry: true,
		Only: []string{"USERS"}}

	res, err := p.Run(ctx, ModeDefine, "first")
	require.NoError(t, err)
	assert.Equal(t, ProcResp{Targets: 1, Tables: 1, Changes: 1}, res)
	assert.Contains(t, out.String(), "[first sqlite] > create table `rt_users`")

	// nothing was created, plan still shows the table
	p.Dry = false
	res, err = p.Run(ctx, ModePlan, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changes)
}

func TestProcess_RunErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	body := fmt.Sprintf(defsTmpl, filepath.Join(dir, "nope", "nope", "first.db"), filepath.Join(dir, "second.db"))
	defs := prepDefs(t, body)
	p := Process{Concurrency: 2, Opener: DBOpener{}, Definitions: defs, Logs: MakeLogsTo(io.Discard, false, true, nil)}

	res, err := p.Run(ctx, ModeDefine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target first")
	assert.NotContains(t, err.Error(), "target second")
	assert.Equal(t, 2, res.Changes, "second target is still defined")

	p.Only = []string{"unknown"}
	_, err = p.Run(ctx, ModeDefine)
	require.ErrorIs(t, err, config.ErrNotFound)
}

func TestProcess_tables(t *testing.T) {
	defs := prepDefs(t, "")
	tbl := []struct {
		name       string
		only, skip []string
		res        []string
	}{
		{name: "all", res: []string{"users", "tags"}},
		{name: "only", only: []string{"tags"}, res: []string{"tags"}},
		{name: "skip", skip: []string{"Users"}, res: []string{"tags"}},
		{name: "only mixed case", only: []string{"TAGS", "Users"}, skip: []string{"USERS"}, res: []string{"tags"}},
		{name: "only and skip", only: []string{"tags", "users"}, skip: []string{"tags"}, res: []string{"users"}},
	}
	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			p := Process{Definitions: defs, Only: tc.only, Skip: tc.skip}
			tables, err := p.tables()
			require.NoError(t, err)
			names := make([]string, 0, len(tables))
			for _, tb := range tables {
				names = append(names, tb.Name)
			}
			assert.Equal(t, tc.res, names)
		})
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "define", ModeDefine.String())
	assert.Equal(t, "plan", ModePlan.String())
}
