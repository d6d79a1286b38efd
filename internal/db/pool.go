// Package db opens the SQL handles the session store runs on: a
// single-writer SQLite pair or a pgx-backed Postgres pool.
package db

import "github.com/jmoiron/sqlx"

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool holds separate writer and reader handles.
//
// For SQLite with WAL mode the writer is pinned to a single connection
// so writes serialize without SQLITE_BUSY, while the reader side keeps
// a small pool of read-only connections. For Postgres both sides share
// one *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSQLitePool opens the writer and reader handles for the SQLite
// database at path, creating the file and parent directory when
// missing.
func NewSQLitePool(path string) (*Pool, error) {
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, DriverSQLite),
		reader: sqlx.NewDb(reader, DriverSQLite),
	}, nil
}

// NewPostgresPool connects to Postgres and serves reads and writes from
// the same pool.
func NewPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	d := sqlx.NewDb(conn, DriverPostgres)
	return &Pool{writer: d, reader: d}, nil
}

// Writer returns the handle for INSERT, UPDATE, DELETE and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports which database/sql driver backs the pool.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both handles, avoiding a double close when they share
// one *sqlx.DB.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
