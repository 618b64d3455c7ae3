// Package engine connects schema definitions and queries to live databases. It contains dialect drivers
// for mysql and sqlite, the DB wrapper with define (create or alter) logic, schema cache and data access.
package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/schema"
)

// Engine errors
var (
	ErrMissingKey    = errors.New("row misses primary key value")
	ErrUnknownEngine = errors.New("unknown engine")
)

// Execer runs statements and queries, satisfied by *sql.DB, *sql.Conn, *sql.Tx and Dry
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Driver is a dialect driver. All table names passed to the driver are full names, with prefix.
type Driver interface {
	query.Dialect
	Name() string
	NativeType(c schema.Column) string
	NativeUpsert() bool

	// Columns returns columns in physical order, nil if the table doesn't exist
	Columns(ctx context.Context, ex Execer, table string) ([]schema.Column, error)
	Indexes(ctx context.Context, ex Execer, table string) ([]schema.Index, error)
	// Tables returns names of all tables starting with prefix
	Tables(ctx context.Context, ex Execer, prefix string) ([]string, error)

	CreateTable(ctx context.Context, ex Execer, t schema.Table) error
	// AlterTable applies the plan and returns the resulting definition
	AlterTable(ctx context.Context, ex Execer, current, desired schema.Table, plan schema.AlterPlan) (schema.Table, error)
	RenameTable(ctx context.Context, ex Execer, from, to string) error
	DropTable(ctx context.Context, ex Execer, name string) error
}

// timeFormat is used for time values in both dialects
const timeFormat = "2006-01-02 15:04:05"

// quoteIdent wraps name in backticks, doubling backticks inside
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// quoteIdents quotes every name and joins with ", "
func quoteIdents(names []string) string {
	res := make([]string, len(names))
	for i, n := range names {
		res[i] = quoteIdent(n)
	}
	return strings.Join(res, ", ")
}

// escapeLike escapes like wildcards with backslash
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// quoteValue renders a value with the dialect's string quoting function.
// Numbers are rendered as is, booleans as 0 or 1, times in timeFormat, bytes as hex literal.
func quoteValue(v any, quoteString func(string) string) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return quoteString(val)
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return quoteString(val.Format(timeFormat))
	case fmt.Stringer:
		return quoteString(val.String())
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "null"
		}
		return quoteValue(rv.Elem().Interface(), quoteString)
	}
	return quoteString(fmt.Sprintf("%v", v))
}

// defaultSQL renders column default for ddl, numbers and bools as is, current_timestamp-like
// expressions for time columns unquoted, everything else quoted unless quoted already
func defaultSQL(c schema.Column, quoteString func(string) string) string {
	val := *c.Default
	if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
		return val
	}
	switch c.Kind() {
	case schema.KindInt, schema.KindFloat, schema.KindDecimal:
		if _, err := strconv.ParseFloat(val, 64); err == nil {
			return val
		}
	case schema.KindBool:
		switch strings.ToLower(val) {
		case "1", "true":
			return "1"
		case "0", "false":
			return "0"
		}
	case schema.KindTime:
		if isTimeFunc(val) {
			return val
		}
	}
	if strings.EqualFold(val, "null") {
		return "null"
	}
	return quoteString(val)
}

func isTimeFunc(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "current_timestamp") || strings.HasPrefix(s, "now(") ||
		s == "current_date" || s == "current_time"
}

// unquoteDefault strips sql quotes from an introspected default
func unquoteDefault(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// scanRows reads all rows into maps, []byte values are converted to strings
func scanRows(rows *sql.Rows) ([]query.Row, error) {
	defer rows.Close() // nolint
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("can't get columns: %w", err)
	}
	var res []query.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("can't scan row: %w", err)
		}
		row := make(query.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		res = append(res, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read rows: %w", err)
	}
	return res, nil
}

// exec runs a statement, logging it first
func exec(ctx context.Context, ex Execer, stmt string) (sql.Result, error) {
	log.Printf("[DEBUG] exec: %s", stmt)
	res, err := ex.ExecContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("can't exec %q: %w", stmt, err)
	}
	return res, nil
}

// sortIndexes puts primary index first, the rest ordered by name
func sortIndexes(idx []schema.Index) {
	sort.SliceStable(idx, func(i, j int) bool {
		if (idx[i].Kind == schema.IndexPrimary) != (idx[j].Kind == schema.IndexPrimary) {
			return idx[i].Kind == schema.IndexPrimary
		}
		return idx[i].Name < idx[j].Name
	})
}

// indexColumns returns quoted column list of the index for ddl
func indexColumns(idx schema.Index) string {
	return "(" + quoteIdents(idx.Columns) + ")"
}
