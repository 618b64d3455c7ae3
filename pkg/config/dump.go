package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/dbdef/pkg/schema"
)

// TableDefOf converts schema table to the file representation. The primary key is written as
// a primary index, so composite keys keep their order.
func TableDefOf(t schema.Table) TableDef {
	res := TableDef{Name: t.Name}
	for _, c := range t.Columns {
		cd := ColumnDef{Name: c.Name, Type: typeString(c), Nullable: c.Nullable, AutoIncrement: c.AutoIncrement}
		if c.Default != nil {
			v := *c.Default
			cd.Default = &v
		}
		res.Columns = append(res.Columns, cd)
	}
	for _, idx := range t.Indexes {
		id := IndexDef{Name: idx.Name, Type: string(idx.Kind), Columns: append([]string(nil), idx.Columns...)}
		if idx.Kind == schema.IndexPrimary {
			id.Name = ""
		}
		res.Indexes = append(res.Indexes, id)
	}
	return res
}

// typeString renders column type for the file, types unknown to the registry keep the engine's type
func typeString(c schema.Column) string {
	if _, ok := schema.Lookup(c.Type); !ok && c.DBType != "" {
		return c.DBType
	}
	return schema.Render(c)
}

// Dump writes tables as definitions in yaml or toml format
func Dump(w io.Writer, kind, prefix string, tables []schema.Table) error {
	defs := Definitions{Prefix: prefix}
	for _, t := range tables {
		defs.Tables = append(defs.Tables, TableDefOf(t))
	}

	switch kind {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(defs); err != nil {
			return fmt.Errorf("can't encode yaml definitions: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(defs); err != nil {
			return fmt.Errorf("can't encode toml definitions: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown definitions format %q", kind)
}

// DumpFile writes tables to the file, format is chosen by extension
func DumpFile(fname, prefix string, tables []schema.Table) error {
	buf := bytes.Buffer{}
	if err := Dump(&buf, format(fname), prefix, tables); err != nil {
		return err
	}
	if err := os.WriteFile(fname, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("can't write definitions %s: %w", fname, err)
	}
	return nil
}
