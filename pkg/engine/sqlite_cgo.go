//go:build cgo_sqlite

// cgo sqlite driver, build with -tags cgo_sqlite and CGO_ENABLED=1

package engine

import (
	_ "github.com/mattn/go-sqlite3" // cgo sqlite driver
)

// sqliteDriverName is the database/sql driver name of the sqlite implementation
const sqliteDriverName = "sqlite3"
