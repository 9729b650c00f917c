package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const restrictedSQLiteDriver = "sqlite3_restricted"

func init() {
	sql.Register(restrictedSQLiteDriver, &sqlite3.SQLiteDriver{ConnectHook: restrictConn})
	sqlx.BindDriver(restrictedSQLiteDriver, sqlx.QUESTION)
}

// restrictConn confines a connection to its own file: no attached databases
// and no pragmas.
func restrictConn(conn *sqlite3.SQLiteConn) error {
	conn.SetLimit(sqlite3.SQLITE_LIMIT_ATTACHED, 0)
	conn.RegisterAuthorizer(func(op int, _, _, _ string) int {
		switch op {
		case sqlite3.SQLITE_ATTACH, sqlite3.SQLITE_DETACH, sqlite3.SQLITE_PRAGMA:
			return sqlite3.SQLITE_DENY
		}
		return sqlite3.SQLITE_OK
	})
	return nil
}

// OpenSQLite opens (creating if needed) a SQLite file as a single-connection
// database. A single connection keeps DDL and later queries on the same handle.
func OpenSQLite(ctx context.Context, path string) (*SQLDatabase, error) {
	return openSQLite(ctx, "sqlite3", path)
}

// OpenRestrictedSQLite is OpenSQLite for untrusted statements: the connection
// cannot attach other files or run pragmas.
func OpenRestrictedSQLite(ctx context.Context, path string) (*SQLDatabase, error) {
	return openSQLite(ctx, restrictedSQLiteDriver, path)
}

func openSQLite(ctx context.Context, driver, path string) (*SQLDatabase, error) {
	conn, err := sqlx.Open(driver, "file:"+path+"?mode=rwc&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return NewSQLDatabase(conn), nil
}
