// Package sqlitestore persists syncstore documents in a SQLite database.
// each named store maps to one row, written on every committed state
// change and read back once at hydration.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Milkshiift/syncstore/syncstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	name TEXT PRIMARY KEY,
	state BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Middleware implements syncstore.Middleware over a single-row document
// table. safe to share one *sql.DB across middleware for several stores
type Middleware struct {
	db   *sql.DB
	name string

	ownsDb bool

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
}

var _ syncstore.Middleware = (*Middleware)(nil)

// New opens (or creates) the database at path and prepares a middleware
// for the named store
func New(path string, name string) (*Middleware, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// modernc sqlite serializes writes internally. a single connection
	// avoids SQLITE_BUSY on concurrent persist calls
	db.SetMaxOpenConns(1)

	middleware, err := NewWithDb(db, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	middleware.ownsDb = true
	return middleware, nil
}

// NewWithDb prepares a middleware on an existing database handle.
// the caller keeps ownership of the handle
func NewWithDb(db *sql.DB, name string) (*Middleware, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	getStmt, err := db.Prepare(`SELECT state FROM documents WHERE name = ?`)
	if err != nil {
		return nil, err
	}
	upsertStmt, err := db.Prepare(`
		INSERT INTO documents (name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`)
	if err != nil {
		getStmt.Close()
		return nil, err
	}

	return &Middleware{
		db:         db,
		name:       name,
		getStmt:    getStmt,
		upsertStmt: upsertStmt,
	}, nil
}

func (self *Middleware) OnHydrate(ctx context.Context) (any, error) {
	var state []byte
	err := self.getStmt.QueryRowContext(ctx, self.name).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// nothing persisted yet
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", self.name, err)
	}
	value, err := syncstore.DecodeValueJSON(state)
	if err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", self.name, err)
	}
	return value, nil
}

func (self *Middleware) OnPersist(ctx context.Context, state any) error {
	b, err := syncstore.EncodeValueJSON(state)
	if err != nil {
		return err
	}
	_, err = self.upsertStmt.ExecContext(ctx, self.name, b, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s: %w", self.name, err)
	}
	return nil
}

func (self *Middleware) Close() error {
	self.getStmt.Close()
	self.upsertStmt.Close()
	if self.ownsDb {
		return self.db.Close()
	}
	return nil
}
