package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/dbdef/pkg/config"
	"github.com/umputun/dbdef/pkg/engine"
	"github.com/umputun/dbdef/pkg/runner"
	"github.com/umputun/dbdef/pkg/schema"
	"github.com/umputun/dbdef/pkg/secrets"
	"github.com/umputun/dbdef/pkg/where"
)

type options struct {
	File       string   `short:"f" long:"file" env:"DBDEF_FILE" description:"definitions file" default:"dbdef.yml"`
	Targets    []string `short:"t" long:"target" description:"target name, all targets if not set"`
	Concurrent int      `short:"c" long:"concurrent" env:"DBDEF_CONCURRENT" description:"concurrent targets" default:"1"`

	// secrets
	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"DBDEF_SECRETS"`

	DefineCmd struct {
		Drop bool     `long:"drop" description:"drop columns and indexes missing in definitions"`
		Dry  bool     `long:"dry" description:"print statements instead of executing them"`
		Only []string `long:"only" description:"process only these tables"`
		Skip []string `long:"skip" description:"skip these tables"`
	} `command:"define" description:"create or alter tables on targets"`

	PlanCmd struct {
		Drop bool     `long:"drop" description:"plan dropping columns and indexes missing in definitions"`
		Only []string `long:"only" description:"plan only these tables"`
		Skip []string `long:"skip" description:"skip these tables"`
	} `command:"plan" description:"show changes define would make"`

	DumpCmd struct {
		Out    string `short:"o" long:"out" description:"output file, yaml or toml by extension, stdout if not set"`
		Force  bool   `long:"force" description:"overwrite existing output file"`
		DSN    string `long:"dsn" env:"DBDEF_DSN" description:"database to dump, overrides target"`
		Prefix string `long:"prefix" description:"table prefix used with --dsn"`

		PositionalArgs struct {
			Tables []string `positional-arg-name:"table" description:"tables to dump, all if not set"`
		} `positional-args:"yes"`
	} `command:"dump" description:"write definitions of live tables"`

	SelectCmd struct {
		Table   string   `long:"table" required:"true" description:"table name, without prefix"`
		Where   string   `long:"where" description:"where filter as yaml or json map"`
		Columns []string `long:"column" description:"columns to select, all if not set"`
		Order   []string `long:"order" description:"order by column, -column for descending"`
		Limit   int      `long:"limit" description:"max rows" default:"100"`
		Page    int      `long:"page" description:"1-based page of limit rows"`
	} `command:"select" description:"print rows as json lines"`

	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable colorized output"`
	Verbose bool `short:"v" long:"verbose" description:"show executed statements"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"internal" choice:"vault" choice:"aws" choice:"ansible" default:"none"`

	Key  string `long:"key" env:"KEY" description:"key for internal secrets provider, asked if not set"`
	Conn string `long:"conn" env:"CONN" description:"connection string for internal secrets provider" default:"dbdef-secrets.db"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		Path   string `long:"path" env:"PATH" description:"ansible vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Printf("dbdef %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdout); err != nil {
		if opts.Dbg {
			log.Printf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", formatErrorString(err.Error()))
		exitFunc(1)
	}
}

func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer) error {
	if opts.NoColor {
		color.NoColor = true
	}
	st := time.Now()
	active := func(name string) bool { return p.Active != nil && p.Command.Find(name) == p.Active }

	switch {
	case active("dump") && opts.DumpCmd.DSN != "":
		return dump(ctx, opts, config.Target{Name: "dsn", DSN: opts.DumpCmd.DSN, Prefix: opts.DumpCmd.Prefix}, out)
	case p.Active == nil:
		return errors.New("no command given")
	}

	defs, err := loadDefinitions(opts)
	if err != nil {
		return err
	}
	lgr.Setup(lgr.Secret(defs.AllSecretValues()...)) // mask secrets in logs

	switch {
	case active("define"), active("plan"):
		mode, proc := runner.ModeDefine, runner.Process{
			Concurrency: opts.Concurrent,
			Opener:      runner.DBOpener{},
			Definitions: defs,
			Logs:        runner.MakeLogsTo(out, opts.Verbose || opts.DefineCmd.Dry, opts.NoColor, defs.AllSecretValues()),
			Dry:         opts.DefineCmd.Dry,
			Drop:        opts.DefineCmd.Drop,
			Only:        opts.DefineCmd.Only,
			Skip:        opts.DefineCmd.Skip,
		}
		if active("plan") {
			mode, proc.Drop, proc.Only, proc.Skip = runner.ModePlan, opts.PlanCmd.Drop, opts.PlanCmd.Only, opts.PlanCmd.Skip
		}
		if proc.Dry {
			fmt.Fprint(out, color.New(color.FgHiRed).SprintfFunc()("dry run - no changes will be made\n"))
		}
		res, err := proc.Run(ctx, mode, opts.Targets...)
		if err != nil {
			return fmt.Errorf("can't %s: %w", mode, err)
		}
		log.Printf("[INFO] completed %s, targets: %d, tables: %d, changes: %d in %v",
			mode, res.Targets, res.Tables, res.Changes, time.Since(st).Truncate(100*time.Millisecond))
		return nil
	case active("dump"):
		tg, err := singleTarget(opts, defs)
		if err != nil {
			return err
		}
		return dump(ctx, opts, tg, out)
	case active("select"):
		tg, err := singleTarget(opts, defs)
		if err != nil {
			return err
		}
		return selectRows(ctx, opts, tg, out)
	}
	return fmt.Errorf("unknown command %q", p.Active.Name)
}

// loadDefinitions checks and loads definitions file with secrets
func loadDefinitions(opts options) (*config.Definitions, error) {
	fname, err := expandPath(opts.File)
	if err != nil {
		return nil, fmt.Errorf("can't expand definitions path %q: %w", opts.File, err)
	}
	if !fileutils.IsFile(fname) {
		return nil, fmt.Errorf("definitions file %s not found", fname)
	}
	sp, err := makeSecretsProvider(opts.SecretsProvider)
	if err != nil {
		return nil, fmt.Errorf("can't make secrets provider: %w", err)
	}
	if c, ok := sp.(io.Closer); ok {
		defer c.Close() // nolint
	}
	defs, err := config.Load(fname, sp)
	if err != nil {
		return nil, fmt.Errorf("can't load definitions %q: %w", fname, err)
	}
	return defs, nil
}

// singleTarget returns the only target from cli or definitions, commands reading data work with one database
func singleTarget(opts options, defs *config.Definitions) (config.Target, error) {
	switch {
	case len(opts.Targets) == 1:
		return defs.Target(opts.Targets[0])
	case len(opts.Targets) > 1:
		return config.Target{}, fmt.Errorf("one target expected, got %d", len(opts.Targets))
	}
	names := defs.TargetNames()
	if len(names) != 1 {
		return config.Target{}, fmt.Errorf("target must be set, available: %s", strings.Join(names, ", "))
	}
	return defs.Target(names[0])
}

// dump writes definitions of live tables to the output file or out
func dump(ctx context.Context, opts options, tg config.Target, out io.Writer) error {
	if opts.DumpCmd.Out != "" && !opts.DumpCmd.Force && fileutils.IsFile(opts.DumpCmd.Out) {
		return fmt.Errorf("output file %s exists, use --force to overwrite", opts.DumpCmd.Out)
	}
	db, err := engine.Open(ctx, tg.Engine, tg.DSN, engine.Opts{Prefix: tg.Prefix})
	if err != nil {
		return fmt.Errorf("can't open target %s: %w", tg.Name, err)
	}
	defer db.Close() // nolint

	names := opts.DumpCmd.PositionalArgs.Tables
	if len(names) == 0 {
		if names, err = db.Tables(ctx); err != nil {
			return fmt.Errorf("can't list tables: %w", err)
		}
	}
	tables := make([]schema.Table, 0, len(names))
	for _, name := range names {
		t, err := db.Table(ctx, name)
		if err != nil {
			return fmt.Errorf("can't read table %s: %w", name, err)
		}
		if t == nil {
			return fmt.Errorf("table %s not found on %s", name, tg.Name)
		}
		tables = append(tables, *t)
	}
	log.Printf("[INFO] dump %d tables from %s", len(tables), tg.Name)

	if opts.DumpCmd.Out == "" {
		return config.Dump(out, "yaml", tg.Prefix, tables)
	}
	return config.DumpFile(opts.DumpCmd.Out, tg.Prefix, tables)
}

// selectRows prints rows of the table as json lines
func selectRows(ctx context.Context, opts options, tg config.Target, out io.Writer) error {
	var w where.Node
	if opts.SelectCmd.Where != "" {
		var err error
		if w, err = where.ParseYAML([]byte(opts.SelectCmd.Where)); err != nil {
			return fmt.Errorf("can't parse where: %w", err)
		}
	}
	db, err := engine.Open(ctx, tg.Engine, tg.DSN, engine.Opts{Prefix: tg.Prefix})
	if err != nil {
		return fmt.Errorf("can't open target %s: %w", tg.Name, err)
	}
	defer db.Close() // nolint

	ds, err := db.Cursor(opts.SelectCmd.Table, w).
		WithColumns(opts.SelectCmd.Columns...).
		WithOrder(opts.SelectCmd.Order...).
		WithLimit(opts.SelectCmd.Limit).
		WithPage(opts.SelectCmd.Page).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("can't select from %s: %w", opts.SelectCmd.Table, err)
	}
	enc := json.NewEncoder(out)
	for _, r := range ds.Rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("can't encode row: %w", err)
		}
	}
	log.Printf("[DEBUG] selected %d rows from %s", ds.Len(), opts.SelectCmd.Table)
	return nil
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "none", "":
		return &secrets.NoOpProvider{}, nil
	case "internal":
		key, err := secretsKey(sopts.Key, os.Stdin)
		if err != nil {
			return nil, err
		}
		return secrets.NewInternalProvider(context.Background(), sopts.Conn, key)
	case "vault":
		return secrets.NewVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.Path, sopts.Ansible.Secret)
	}
	log.Printf("[WARN] unknown secrets provider %q", sopts.Provider)
	return &secrets.NoOpProvider{}, nil
}

// secretsKey returns the key as is, or reads it from the terminal without echo if empty
func secretsKey(key string, in *os.File) ([]byte, error) {
	if key != "" {
		return []byte(key), nil
	}
	fd := int(in.Fd()) // nolint
	if !term.IsTerminal(fd) {
		return nil, errors.New("secrets key is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "secrets key: ")
	key2, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("can't read secrets key: %w", err)
	}
	return key2, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		usr, err := user.Current()
		if err != nil {
			return "", err
		}
		return filepath.Join(usr.HomeDir, path[1:]), nil
	}
	return path, nil
}

// formatErrorString reformats multierror output to one error per line
func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*: \d+ errors? occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	errorsRe := regexp.MustCompile(`(?m)^\s*\* (.+)$`)
	errorsMatches := errorsRe.FindAllStringSubmatch(input, -1)

	res := fmt.Sprintf("%s\n", strings.TrimSpace(headerMatch[1]))
	for i, match := range errorsMatches {
		res += fmt.Sprintf("   [%d] %s\n", i, strings.TrimSpace(match[1]))
	}
	return res
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
