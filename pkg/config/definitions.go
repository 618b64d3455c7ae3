// Package config loads table definition files with database targets. Files are yaml or toml,
// chosen by extension, and may refer to secrets in target connection strings as ${secret:KEY}.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/dbdef/pkg/schema"
)

// ErrNotFound is returned for unknown targets and tables
var ErrNotFound = errors.New("not found")

// Definitions defines the top-level config object
type Definitions struct {
	Prefix  string            `yaml:"prefix,omitempty" toml:"prefix,omitempty"`   // table name prefix for all targets
	Targets map[string]Target `yaml:"targets,omitempty" toml:"targets,omitempty"` // databases to apply definitions to
	Tables  []TableDef        `yaml:"tables" toml:"tables"`                       // table definitions

	tables          []schema.Table    // built and normalized tables
	secrets         map[string]string // all resolved secrets
	secretsProvider SecretsProvider
}

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// Target defines a database to apply definitions to
type Target struct {
	Name   string `yaml:"-" toml:"-"`                               // name of target, set from the map key
	Engine string `yaml:"engine,omitempty" toml:"engine,omitempty"` // mysql or sqlite, detected from dsn if empty
	DSN    string `yaml:"dsn" toml:"dsn"`                           // connection string, may contain ${secret:KEY}
	Prefix string `yaml:"prefix,omitempty" toml:"prefix,omitempty"` // overrides top-level prefix
}

// TableDef is a table as written in the definition file
type TableDef struct {
	Name    string      `yaml:"name" toml:"name"`
	Columns []ColumnDef `yaml:"columns" toml:"columns"`
	Indexes []IndexDef  `yaml:"indexes,omitempty" toml:"indexes,omitempty"`
}

// ColumnDef is a column as written in the definition file. Type is a type string like "varchar(64)".
type ColumnDef struct {
	Name          string  `yaml:"name" toml:"name"`
	Type          string  `yaml:"type" toml:"type"`
	Nullable      bool    `yaml:"nullable,omitempty" toml:"nullable,omitempty"`
	Default       *string `yaml:"default,omitempty" toml:"default,omitempty"`
	Primary       bool    `yaml:"primary,omitempty" toml:"primary,omitempty"`
	AutoIncrement bool    `yaml:"auto_increment,omitempty" toml:"auto_increment,omitempty"`
}

// IndexDef is an index as written in the definition file, type is primary, unique or index
type IndexDef struct {
	Name    string   `yaml:"name,omitempty" toml:"name,omitempty"`
	Type    string   `yaml:"type" toml:"type"`
	Columns []string `yaml:"columns" toml:"columns"`
}

var secretRe = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Load reads definitions file, validates all tables and targets and resolves secrets in target dsn.
// All validation problems are reported together.
func Load(fname string, secProvider SecretsProvider) (*Definitions, error) {
	log.Printf("[DEBUG] request to load definitions %q", fname)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read definitions %s: %w", fname, err)
	}

	res := &Definitions{secretsProvider: secProvider}
	if err = unmarshal(fname, data, res); err != nil {
		return nil, err
	}
	if err = res.build(); err != nil {
		return nil, fmt.Errorf("definitions %s are invalid: %w", fname, err)
	}
	if err = res.loadSecrets(); err != nil {
		return nil, err
	}

	for k, v := range res.Targets {
		v.Name = k
		if v.Prefix == "" {
			v.Prefix = res.Prefix
		}
		res.Targets[k] = v
	}
	log.Printf("[INFO] definitions loaded with %d tables and %d targets", len(res.tables), len(res.Targets))
	return res, nil
}

// unmarshal decodes yaml (strict, unknown fields rejected) or toml by file extension
func unmarshal(fname string, data []byte, v any) error {
	switch format(fname) {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("can't unmarshal yaml definitions %s: %w", fname, err)
		}
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("can't unmarshal toml definitions %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown definitions format %s", fname)
	}
	return nil
}

// format returns yaml or toml by extension, files without extension are yaml
func format(fname string) string {
	switch {
	case strings.HasSuffix(fname, ".yml"), strings.HasSuffix(fname, ".yaml"), !strings.Contains(fname, "."):
		return "yaml"
	case strings.HasSuffix(fname, ".toml"):
		return "toml"
	}
	return ""
}

// build converts table definitions to normalized schema tables and checks targets
func (d *Definitions) build() error {
	errs := new(multierror.Error)
	seen := map[string]bool{}
	for _, td := range d.Tables {
		key := strings.ToLower(td.Name)
		if seen[key] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate table %q", td.Name))
			continue
		}
		seen[key] = true
		t, err := td.Table()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %q: %w", td.Name, err))
			continue
		}
		d.tables = append(d.tables, t)
	}

	for name, tg := range d.Targets {
		if strings.TrimSpace(tg.DSN) == "" {
			errs = multierror.Append(errs, fmt.Errorf("target %q has no dsn", name))
		}
		switch strings.ToLower(tg.Engine) {
		case "", "mysql", "sqlite", "sqlite3":
		default:
			errs = multierror.Append(errs, fmt.Errorf("target %q has unknown engine %q", name, tg.Engine))
		}
	}
	return errs.ErrorOrNil()
}

// loadSecrets resolves ${secret:KEY} placeholders in target dsn with the secrets provider
func (d *Definitions) loadSecrets() error {
	keys := 0
	for _, tg := range d.Targets {
		keys += len(secretRe.FindAllStringSubmatch(tg.DSN, -1))
	}
	if keys == 0 {
		return nil
	}
	if d.secretsProvider == nil {
		return fmt.Errorf("secrets are used in targets (%d secrets), but provider is not set", keys)
	}

	d.secrets = make(map[string]string)
	for name, tg := range d.Targets {
		var getErr error
		tg.DSN = secretRe.ReplaceAllStringFunc(tg.DSN, func(m string) string {
			key := secretRe.FindStringSubmatch(m)[1]
			val, err := d.secretsProvider.Get(key)
			if err != nil {
				getErr = multierror.Append(getErr, fmt.Errorf("can't get secret %q for target %q: %w", key, name, err))
				return m
			}
			d.secrets[key] = val
			return val
		})
		if getErr != nil {
			return getErr
		}
		d.Targets[name] = tg
	}
	return nil
}

// Table converts definition to normalized schema table, collecting all column errors
func (td TableDef) Table() (schema.Table, error) {
	b := schema.NewTable(td.Name)
	for _, c := range td.Columns {
		var opts []schema.ColumnOption
		if c.Nullable {
			opts = append(opts, schema.Nullable())
		}
		if c.Primary {
			opts = append(opts, schema.Primary())
		}
		if c.AutoIncrement {
			opts = append(opts, schema.AutoIncrement())
		}
		if c.Default != nil {
			opts = append(opts, schema.Default(*c.Default))
		}
		b.Column(c.Name, c.Type, opts...)
	}
	for _, idx := range td.Indexes {
		b.NamedIndex(idx.Name, indexKind(idx.Type), idx.Columns...)
	}
	return b.Build()
}

// indexKind maps index type from the file, unknown types are passed as is and rejected by validation
func indexKind(s string) schema.IndexKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "primary key", "pk":
		return schema.IndexPrimary
	case "unique", "unique key":
		return schema.IndexUnique
	case "", "index", "key", "plain":
		return schema.IndexPlain
	}
	return schema.IndexKind(s)
}

// AllTables returns normalized copies of all tables in definition order
func (d *Definitions) AllTables() []schema.Table {
	res := make([]schema.Table, len(d.tables))
	for i, t := range d.tables {
		res[i] = t.Clone()
	}
	return res
}

// Table returns a copy of the named table
func (d *Definitions) Table(name string) (schema.Table, error) {
	for _, t := range d.tables {
		if strings.EqualFold(t.Name, name) {
			return t.Clone(), nil
		}
	}
	return schema.Table{}, fmt.Errorf("table %q: %w", name, ErrNotFound)
}

// Target returns target by name, case-insensitive
func (d *Definitions) Target(name string) (Target, error) {
	if tg, ok := d.Targets[name]; ok {
		return tg, nil
	}
	for k, tg := range d.Targets {
		if strings.EqualFold(k, name) {
			return tg, nil
		}
	}
	return Target{}, fmt.Errorf("target %q: %w", name, ErrNotFound)
}

// TargetNames returns sorted names of all targets
func (d *Definitions) TargetNames() []string {
	res := make([]string, 0, len(d.Targets))
	for k := range d.Targets {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// AllSecretValues returns all resolved secret values, used to mask them in logs
func (d *Definitions) AllSecretValues() []string {
	res := make([]string, 0, len(d.secrets))
	for _, v := range d.secrets {
		res = append(res, v)
	}
	sort.Strings(res)
	return res
}
