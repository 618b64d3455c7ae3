// Package runner applies table definitions to database targets. Targets are processed concurrently,
// each with its own DB wrapper and colorized output.
package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/dbdef/pkg/config"
	"github.com/umputun/dbdef/pkg/engine"
	"github.com/umputun/dbdef/pkg/schema"
)

// Mode defines what Run does with each table
type Mode int

// enum of all modes
const (
	ModeDefine Mode = iota // create or alter tables
	ModePlan               // print changes only
)

func (m Mode) String() string {
	if m == ModePlan {
		return "plan"
	}
	return "define"
}

// Process holds the information needed to apply definitions to targets
type Process struct {
	Concurrency int
	Opener      Opener
	Definitions *config.Definitions
	Logs        Logs
	Dry         bool // print DDL instead of executing it, define mode only
	Drop        bool // drop columns and indexes missing in definitions

	Only []string // tables to process, all if empty
	Skip []string // tables to skip
}

// Opener makes DB wrapper for a target
type Opener interface {
	Open(ctx context.Context, tg config.Target, opts engine.Opts) (*engine.DB, error)
}

// DBOpener opens targets with engine.Open
type DBOpener struct{}

// Open connects to the target database
func (DBOpener) Open(ctx context.Context, tg config.Target, opts engine.Opts) (*engine.DB, error) {
	return engine.Open(ctx, tg.Engine, tg.DSN, opts)
}

// ProcResp holds the information about processed targets and tables
type ProcResp struct {
	Targets int
	Tables  int // tables processed per target
	Changes int // non-empty changes on all targets
}

// Run processes all tables on given targets, all targets if none given. Targets run in parallel with
// limited concurrency, a failed target doesn't stop others, all errors are returned together.
func (p *Process) Run(ctx context.Context, mode Mode, targets ...string) (ProcResp, error) {
	tables, err := p.tables()
	if err != nil {
		return ProcResp{}, err
	}
	if len(targets) == 0 {
		targets = p.Definitions.TargetNames()
	}
	if len(targets) == 0 {
		return ProcResp{}, fmt.Errorf("no targets defined")
	}
	tgs := make([]config.Target, 0, len(targets))
	for _, name := range targets {
		tg, e := p.Definitions.Target(name)
		if e != nil {
			return ProcResp{}, fmt.Errorf("can't get target: %w", e)
		}
		tgs = append(tgs, tg)
	}
	log.Printf("[DEBUG] %s %d tables on %d targets", mode, len(tables), len(tgs))

	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		lock    sync.Mutex
		errs    *multierror.Error
		changes int
	)
	wg := syncs.NewErrSizedGroup(concurrency, syncs.Context(ctx), syncs.Preemptive)
	for _, tg := range tgs {
		wg.Go(func() error {
			n, e := p.runTarget(ctx, mode, tg, tables)
			lock.Lock()
			defer lock.Unlock()
			changes += n
			if e != nil {
				errs = multierror.Append(errs, fmt.Errorf("target %s: %w", tg.Name, e))
			}
			return e
		})
	}
	_ = wg.Wait() // errors collected in errs

	return ProcResp{Targets: len(tgs), Tables: len(tables), Changes: changes}, errs.ErrorOrNil()
}

// runTarget opens the target and defines or plans all tables one by one, returns the number of changes.
// The first failed table stops the target.
func (p *Process) runTarget(ctx context.Context, mode Mode, tg config.Target, tables []schema.Table) (int, error) {
	since := func(st time.Time) time.Duration { return time.Since(st).Truncate(time.Millisecond) }
	st := time.Now()

	eng := tg.Engine
	if eng == "" {
		eng, _ = engine.DetectEngine(tg.DSN) // Open reports the detection error
	}
	logs := p.Logs.WithTarget(tg.Name, eng)

	db, err := p.Opener.Open(ctx, tg, engine.Opts{Prefix: tg.Prefix, Dry: p.Dry && mode == ModeDefine, DryOut: logs.SQL})
	if err != nil {
		logs.Info.Printf("failed to connect: %v", err)
		return 0, err
	}
	defer db.Close() // nolint

	logs.Info.Printf("%s tables: %d, prefix: %q", mode, len(tables), tg.Prefix)
	count := 0
	for _, t := range tables {
		var ch engine.Change
		if mode == ModePlan {
			ch, err = db.Plan(ctx, t, engine.DefineOpts{Drop: p.Drop})
		} else {
			ch, err = db.Define(ctx, t, engine.DefineOpts{Drop: p.Drop})
		}
		if err != nil {
			logs.Info.Printf("failed table %s: %v", t.Name, err)
			return count, fmt.Errorf("can't %s table %s: %w", mode, t.Name, err)
		}
		if ch.Empty() {
			log.Printf("[DEBUG] table %s on %s is up to date", t.Name, tg.Name)
			continue
		}
		logs.Info.Printf("%s", ch.String())
		count++
	}
	logs.Info.Printf("completed %s, changes: %d (%v)", mode, count, since(st))
	return count, nil
}

// tables returns tables to process, applying only and skip lists
func (p *Process) tables() ([]schema.Table, error) {
	for _, name := range p.Only {
		if _, err := p.Definitions.Table(name); err != nil {
			return nil, fmt.Errorf("can't select tables: %w", err)
		}
	}

	only, skip := stringutils.Map(p.Only, strings.ToLower), stringutils.Map(p.Skip, strings.ToLower)

	all := p.Definitions.AllTables()
	res := make([]schema.Table, 0, len(all))
	for _, t := range all {
		if len(only) > 0 && !stringutils.Contains(strings.ToLower(t.Name), only) {
			log.Printf("[DEBUG] skip table %q, not in only list", t.Name)
			continue
		}
		if stringutils.Contains(strings.ToLower(t.Name), skip) {
			log.Printf("[DEBUG] skip table %q, in skip list", t.Name)
			continue
		}
		res = append(res, t)
	}
	return res, nil
}
