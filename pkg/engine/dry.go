package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"strings"
)

// Dry is an executor for dry run, it prints statements instead of executing them.
// Queries are passed to the wrapped executor, so introspection still reads live metadata.
type Dry struct {
	ex  Execer
	out io.Writer
}

// NewDry makes dry executor wrapping ex, statements are written to out, one per line
func NewDry(ex Execer, out io.Writer) *Dry {
	return &Dry{ex: ex, out: out}
}

// ExecContext shows the statement, doesn't execute it
func (d *Dry) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	log.Printf("[DEBUG] dry exec %s, args: %v", query, args)
	if d.out != nil {
		if _, err := fmt.Fprintf(d.out, "%s;\n", strings.TrimSuffix(query, ";")); err != nil {
			return nil, fmt.Errorf("can't write dry statement: %w", err)
		}
	}
	return dryResult{}, nil
}

// QueryContext runs the query on the wrapped executor
func (d *Dry) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.ex.QueryContext(ctx, query, args...)
}

// dryResult reports nothing inserted and nothing affected
type dryResult struct{}

func (dryResult) LastInsertId() (int64, error) { return 0, nil }
func (dryResult) RowsAffected() (int64, error) { return 0, nil }
