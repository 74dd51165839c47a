// Package store provides transactional persistence for the coordination
// entities over a single embedded SQLite database. Repositories come in two
// scope flavors: a ReadScope bound to the shared connection, and a WriteScope
// bound to a transaction that commits only when the scope function returns
// nil.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/aiswarm/swarmd/internal/log"
)

//go:embed schema.sql
var schemaSQL string

// DBFileName is the database file name under the .aiswarm directory.
const DBFileName = "coordination.db"

// DefaultPath returns the database path for a working directory.
func DefaultPath(workingDir string) string {
	return filepath.Join(workingDir, ".aiswarm", DBFileName)
}

// DB wraps the SQLite connection and exposes read and write scopes.
type DB struct {
	conn *sql.DB
}

// NewDB opens (creating if needed) the coordination database at path.
// The parent directory is created with 0700 permissions. When an existing
// database file is present, a .bak copy is written before the schema is
// applied. WAL journaling, foreign keys, and a 5s busy timeout are enabled.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(on)" +
		"&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info(log.CatDB, "database opened", "path", path)
	return &DB{conn: conn}, nil
}

// backupFile copies src to dst, truncating any previous backup.
func backupFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path derives from user working dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying *sql.DB for callers that need raw access.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// dbtx is the querying surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadScope exposes read-only repositories bound to the shared connection.
type ReadScope struct {
	Agents   *AgentRepository
	Tasks    *TaskRepository
	Memory   *MemoryRepository
	EventLog *EventLogRepository
}

// WriteScope exposes repositories bound to a single transaction.
type WriteScope struct {
	Agents   *AgentRepository
	Tasks    *TaskRepository
	Memory   *MemoryRepository
	EventLog *EventLogRepository
}

// Read returns a scope for read-only queries. Reads run concurrently with
// writers under WAL.
func (db *DB) Read() *ReadScope {
	return &ReadScope{
		Agents:   newAgentRepository(db.conn),
		Tasks:    newTaskRepository(db.conn),
		Memory:   newMemoryRepository(db.conn),
		EventLog: newEventLogRepository(db.conn),
	}
}

// Write runs fn inside a transaction. The transaction commits only when fn
// returns nil; any error rolls back every write made through the scope.
func (db *DB) Write(ctx context.Context, fn func(*WriteScope) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	scope := &WriteScope{
		Agents:   newAgentRepository(tx),
		Tasks:    newTaskRepository(tx),
		Memory:   newMemoryRepository(tx),
		EventLog: newEventLogRepository(tx),
	}

	if err := fn(scope); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.ErrorErr(log.CatDB, "rollback failed", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
