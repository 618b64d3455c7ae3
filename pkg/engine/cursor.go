package engine

import (
	"context"

	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/where"
)

// Cursor is a lazy select. Every With* call returns a new cursor, nothing runs until Fetch.
type Cursor struct {
	db    *DB
	table string
	where where.Node
	opts  query.SelectOpts
}

// Dataset is a fetched result
type Dataset struct {
	Rows []query.Row
}

// Len returns number of rows
func (d Dataset) Len() int { return len(d.Rows) }

// Cursor makes a cursor over the table filtered by w, nil w selects everything
func (db *DB) Cursor(table string, w where.Node) Cursor {
	return Cursor{db: db, table: table, where: w}
}

// WithColumns sets selected columns
func (c Cursor) WithColumns(columns ...string) Cursor {
	c.opts.Columns = append([]string(nil), columns...)
	return c
}

// WithOrder sets order, "-col" is descending
func (c Cursor) WithOrder(order ...string) Cursor {
	c.opts.Order = append([]string(nil), order...)
	return c
}

// WithLimit sets limit
func (c Cursor) WithLimit(limit int) Cursor {
	c.opts.Limit = limit
	return c
}

// WithOffset sets offset, requires limit
func (c Cursor) WithOffset(offset int) Cursor {
	c.opts.Offset = offset
	return c
}

// WithPage sets 1-based page of limit rows, overrides offset
func (c Cursor) WithPage(page int) Cursor {
	c.opts.Page = page
	return c
}

// SQL returns the select statement the cursor runs
func (c Cursor) SQL() (string, error) {
	return c.db.builder.Select(query.Table(c.table), c.where, c.opts)
}

// Fetch runs the select
func (c Cursor) Fetch(ctx context.Context) (Dataset, error) {
	rows, err := c.db.Get(ctx, c.table, c.where, c.opts)
	if err != nil {
		return Dataset{}, err
	}
	return Dataset{Rows: rows}, nil
}
