package state

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/surge-downloader/surge/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	dest_path    TEXT NOT NULL,
	filename     TEXT,
	status       TEXT NOT NULL DEFAULT 'queued',
	total_size   INTEGER NOT NULL DEFAULT 0,
	downloaded   INTEGER NOT NULL DEFAULT 0,
	url_hash     TEXT,
	created_at   INTEGER NOT NULL DEFAULT 0,
	paused_at    INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER,
	time_taken   INTEGER,
	parts        INTEGER NOT NULL DEFAULT 1,
	parts_limit  INTEGER NOT NULL DEFAULT 1,
	headers      TEXT,
	cookies      TEXT,
	post_data    BLOB,
	cred_blob    BLOB
);

CREATE TABLE IF NOT EXISTS tasks (
	download_id TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	offset      INTEGER NOT NULL,
	length      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ranges (
	download_id       TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	range_start       INTEGER NOT NULL,
	range_end         INTEGER NOT NULL,
	content_length    INTEGER NOT NULL DEFAULT 0,
	content_offset    INTEGER NOT NULL DEFAULT 0,
	file_write_offset INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_download_id ON tasks(download_id);
CREATE INDEX IF NOT EXISTS idx_ranges_download_id ON ranges(download_id);
`

var (
	dbOnce sync.Once
	db     *sql.DB
	dbErr  error
)

func getDBHelper() *sql.DB {
	dbOnce.Do(func() {
		if err := config.EnsureDirs(); err != nil {
			dbErr = err
			return
		}
		d, err := sql.Open("sqlite", config.GetStateDBPath())
		if err != nil {
			dbErr = err
			return
		}
		// modernc.org/sqlite's driver is not safe for concurrent
		// writers on the same connection; a single connection plus our
		// own withTx serialization keeps writes ordered.
		d.SetMaxOpenConns(1)

		if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
			dbErr = err
			return
		}
		if _, err := d.Exec(schema); err != nil {
			dbErr = err
			return
		}
		db = d
	})
	return db
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func withTx(fn func(tx *sql.Tx) error) (err error) {
	d := getDBHelper()
	if d == nil {
		return fmt.Errorf("database not initialized: %w", dbErr)
	}

	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the underlying database handle; used by tests and
// graceful shutdown.
func Close() error {
	if db == nil {
		return nil
	}
	return db.Close()
}
