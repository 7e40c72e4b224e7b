// Package storage is the C1 Storage Adapter: it owns the on-disk SQLite
// file, bootstraps the schema, and hands out transactional scopes.
//
// Per the design notes on connection pooling, a portable stand-in for the
// original's thread-local connections is a bounded pool sized to the
// number of worker goroutines the gateway may run concurrently; each pool
// entry is held exclusively for the lifetime of one transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/detailyang/go-fallocate"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mode INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	size INTEGER DEFAULT 0,
	atime REAL NOT NULL,
	mtime REAL NOT NULL,
	ctime REAL NOT NULL,
	nlink INTEGER DEFAULT 1
);
CREATE TABLE IF NOT EXISTS entries (
	parent_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	inode_id INTEGER NOT NULL,
	PRIMARY KEY (parent_id, name)
);
CREATE TABLE IF NOT EXISTS file_data (
	inode_id INTEGER NOT NULL,
	chunk_num INTEGER NOT NULL,
	data BLOB,
	PRIMARY KEY (inode_id, chunk_num)
);
CREATE INDEX IF NOT EXISTS idx_entries_inode ON entries(inode_id);
CREATE INDEX IF NOT EXISTS idx_data_inode ON file_data(inode_id);
`

// RootInodeID is the id reserved for the root directory (spec.md §3).
const RootInodeID int64 = 1

const (
	modeDir     = 0o040000
	rootDirMode = modeDir | 0o755
)

// Pool is a bounded pool of database/sql connections backing the single
// SQLite file. Callers obtain a transactional scope with WithTx; they
// never see a raw *sql.Conn.
type Pool struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if necessary) the database at path, bootstraps the
// schema, and sizes the connection pool to size (typically GOMAXPROCS).
func Open(path string, size int, logger *log.Logger) (*Pool, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	p := &Pool{db: db, logger: logger}
	if err := p.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	preallocate(path, db, logger)
	return p, nil
}

// Close releases the underlying connections.
func (p *Pool) Close() error {
	return p.db.Close()
}

// DB exposes the underlying *sql.DB for queries made outside a
// transaction; the other packages query through Tx.Raw instead.
func (p *Pool) DB() *sql.DB { return p.db }

// Tx is one transactional scope: all reads and writes inside it observe a
// consistent snapshot and commit or roll back atomically.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Raw() *sql.Tx { return t.tx }

// WithTx runs fn inside a transaction, committing on nil return and
// rolling back and propagating on error. This is the "execute a block
// within a transaction" primitive from the spec.
func (p *Pool) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.WithTx: begin: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			p.logger.Printf("rollback after error failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage.WithTx: commit: %w", err)
	}
	return nil
}

func (p *Pool) bootstrap() error {
	return p.WithTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.Raw().Exec(schema); err != nil {
			return fmt.Errorf("storage.bootstrap: schema: %w", err)
		}

		var exists int64
		err := tx.Raw().QueryRow(`SELECT id FROM inodes WHERE id = ?`, RootInodeID).Scan(&exists)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("storage.bootstrap: probe root: %w", err)
		}

		now := float64(time.Now().UnixNano()) / 1e9
		uid, gid := effectiveOwner()

		if _, err := tx.Raw().Exec(
			`INSERT INTO inodes (id, mode, uid, gid, size, atime, mtime, ctime, nlink)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, 2)`,
			RootInodeID, rootDirMode, uid, gid, now, now, now,
		); err != nil {
			return fmt.Errorf("storage.bootstrap: insert root inode: %w", err)
		}

		for _, name := range []string{".", ".."} {
			if _, err := tx.Raw().Exec(
				`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, ?, ?)`,
				RootInodeID, name, RootInodeID,
			); err != nil {
				return fmt.Errorf("storage.bootstrap: insert root entry %q: %w", name, err)
			}
		}
		return nil
	})
}

// preallocate asks the filesystem to reserve an initial extent for the
// database file so early growth doesn't fragment it. Best-effort: a
// failure here is a performance concern, not a correctness one. Since this
// extends the file out-of-band while db already holds it open, we
// re-validate against the live connection afterward and log loudly (rather
// than silently trusting the fallocate call) if the database no longer
// looks sound.
func preallocate(path string, db *sql.DB, logger *log.Logger) {
	const initialExtent = 1 << 20 // 1 MiB

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		logger.Printf("preallocate: open %s: %v", path, err)
		return
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		logger.Printf("preallocate: stat %s: %v", path, err)
		return
	}
	if info.Size() >= initialExtent {
		f.Close()
		return
	}

	err = fallocate.Fallocate(f, info.Size(), initialExtent-info.Size())
	f.Close()
	if err != nil {
		logger.Printf("preallocate: fallocate %s: %v (continuing without preallocation)", path, err)
		return
	}

	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		logger.Printf("preallocate: database failed quick_check after fallocate %s: %v", path, err)
	} else if result != "ok" {
		logger.Printf("preallocate: database failed quick_check after fallocate %s: %s", path, result)
	}
}
