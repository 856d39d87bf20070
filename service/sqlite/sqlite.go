// Package sqlite keeps coordinator state in a sqlite database.
//
// Every state change is a compare and swap written as
// `UPDATE ... WHERE state = ?`, and the job counters move in the same
// transaction with single statement increments.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// dsn enables Write-Ahead Logging and foreign key checks on every connection.
// Transactions take the write lock when they begin, so two writers
// never deadlock on a lock upgrade.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer. Queue them here instead of in sqlite.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Open opens a db at path.
// It will check stat of the db file before open it.
// It returns an error if the check or openning of the db failed.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	_, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return db, nil
}

// Create creates a new initialized db.
// Creating tables is ok to be called on an existing db.
// It returns an error if failed to create the db.
func Create(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	defer tx.Rollback()
	for _, create := range []func(*sql.Tx) error{
		CreateJobsTable,
		CreateTasksTable,
		CreateTaskErrorsTable,
		CreateAnalystsTable,
	} {
		if err := create(tx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create table")
		}
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenOrCreate opens the db at path, creating it if it doesn't exist.
func OpenOrCreate(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return Create(path)
	}
	return Open(path)
}

// Times are stored as unix milliseconds. 0 is the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// limitOf converts a limit to sqlite's, where -1 means no limit.
func limitOf(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
