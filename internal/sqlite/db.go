// Package sqlite is the single-node backend: credential pool state and the
// usage ledger in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB provides dual reader/writer database connections. The writer is limited
// to a single connection, which serializes every pool mutation in this
// process and avoids "database is locked" errors.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
	dsn    string
}

const pragmas = "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// Open opens the database file at path with WAL enabled.
func Open(path string) (*DB, error) {
	return openDSN(fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&%s", path, pragmas))
}

// OpenMemory opens a named, shared in-memory database. It lives as long as
// at least one connection stays open.
func OpenMemory(name string) (*DB, error) {
	return openDSN(fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas))
}

func openDSN(dsn string) (*DB, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := writer.PingContext(context.Background()); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.PingContext(context.Background()); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{Writer: writer, Reader: reader, dsn: dsn}, nil
}

// Ping checks the writer connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.Writer.PingContext(ctx)
}

// Close closes both reader and writer connections. Returns the first error encountered.
func (db *DB) Close() error {
	var firstErr error

	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}

	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}
