package storage_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/werden230/sqlitefs/internal/storage"

	. "github.com/jacobsa/ogletest"
)

func TestStorage(t *testing.T) { RunTests(t) }

type StorageTest struct {
	dir string
}

func init() { RegisterTestSuite(&StorageTest{}) }

func (t *StorageTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = ioutil.TempDir("", "sqlitefs-storage-test")
	if err != nil {
		panic(err)
	}
}

func (t *StorageTest) openPool() *storage.Pool {
	pool, err := storage.Open(filepath.Join(t.dir, "fs.db"), 2, nil)
	AssertEq(nil, err)
	return pool
}

// Property 1: root always present after bootstrap on an empty database.
func (t *StorageTest) BootstrapCreatesRoot() {
	pool := t.openPool()
	defer pool.Close()

	var mode, nlink int64
	row := pool.DB().QueryRow(`SELECT mode, nlink FROM inodes WHERE id = ?`, storage.RootInodeID)
	AssertEq(nil, row.Scan(&mode, &nlink))

	ExpectEq(2, nlink)
	ExpectTrue(mode&0o040000 != 0, "root inode must be a directory")

	var dotCount int
	row = pool.DB().QueryRow(
		`SELECT COUNT(*) FROM entries WHERE parent_id = ? AND name IN ('.', '..') AND inode_id = ?`,
		storage.RootInodeID, storage.RootInodeID,
	)
	AssertEq(nil, row.Scan(&dotCount))
	ExpectEq(2, dotCount)
}

// Bootstrapping twice (reopen) must not fail or duplicate the root.
func (t *StorageTest) ReopenIsIdempotent() {
	pool := t.openPool()
	pool.Close()

	pool2 := t.openPool()
	defer pool2.Close()

	var count int
	row := pool2.DB().QueryRow(`SELECT COUNT(*) FROM inodes WHERE id = ?`, storage.RootInodeID)
	AssertEq(nil, row.Scan(&count))
	ExpectEq(1, count)
}

// Property 12: persistence across close/reopen.
func (t *StorageTest) PersistsAcrossReopen() {
	path := filepath.Join(t.dir, "persist.db")

	pool, err := storage.Open(path, 2, nil)
	AssertEq(nil, err)

	err = pool.WithTx(context.Background(), func(tx *storage.Tx) error {
		_, err := tx.Raw().Exec(
			`INSERT INTO inodes (mode, uid, gid, atime, mtime, ctime, nlink) VALUES (?, 0, 0, 0, 0, 0, 1)`,
			0o100644,
		)
		return err
	})
	AssertEq(nil, err)
	AssertEq(nil, pool.Close())

	pool2, err := storage.Open(path, 2, nil)
	AssertEq(nil, err)
	defer pool2.Close()

	var count int
	row := pool2.DB().QueryRow(`SELECT COUNT(*) FROM inodes WHERE mode = ?`, 0o100644)
	AssertEq(nil, row.Scan(&count))
	ExpectEq(1, count)
}

// Property 13: a write committed through one connection is visible via a
// second connection opened afterward.
func (t *StorageTest) ConcurrentVisibility() {
	pool := t.openPool()
	defer pool.Close()

	ctx := context.Background()
	err := pool.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.Raw().Exec(
			`INSERT INTO inodes (mode, uid, gid, atime, mtime, ctime, nlink) VALUES (?, 0, 0, 0, 0, 0, 1)`,
			0o100600,
		)
		return err
	})
	AssertEq(nil, err)

	pool2 := t.openPool()
	defer pool2.Close()

	var count int
	err = pool2.WithTx(ctx, func(tx *storage.Tx) error {
		row := tx.Raw().QueryRow(`SELECT COUNT(*) FROM inodes WHERE mode = ?`, 0o100600)
		return row.Scan(&count)
	})
	AssertEq(nil, err)
	ExpectEq(1, count)
}

// A failing block must roll back and leave no partial row behind.
func (t *StorageTest) FailedTransactionRollsBack() {
	pool := t.openPool()
	defer pool.Close()

	err := pool.WithTx(context.Background(), func(tx *storage.Tx) error {
		if _, err := tx.Raw().Exec(
			`INSERT INTO inodes (mode, uid, gid, atime, mtime, ctime, nlink) VALUES (?, 0, 0, 0, 0, 0, 1)`,
			0o100755,
		); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	ExpectNe(nil, err)

	var count int
	row := pool.DB().QueryRow(`SELECT COUNT(*) FROM inodes WHERE mode = ?`, 0o100755)
	AssertEq(nil, row.Scan(&count))
	ExpectEq(0, count)
}
