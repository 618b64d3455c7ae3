//go:build !cgo_sqlite

package engine

import (
	_ "modernc.org/sqlite" // pure go sqlite driver, default
)

// sqliteDriverName is the database/sql driver name of the sqlite implementation
const sqliteDriverName = "sqlite"
