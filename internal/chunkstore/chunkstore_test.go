package chunkstore_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/werden230/sqlitefs/internal/chunkstore"
	"github.com/werden230/sqlitefs/internal/inodestore"
	"github.com/werden230/sqlitefs/internal/storage"

	. "github.com/jacobsa/ogletest"
)

func TestChunkStore(t *testing.T) { RunTests(t) }

type ChunkStoreTest struct {
	pool    *storage.Pool
	inodes  *inodestore.Store
	chunks  *chunkstore.Store
	inodeID int64
}

func init() { RegisterTestSuite(&ChunkStoreTest{}) }

func (t *ChunkStoreTest) SetUp(ti *TestInfo) {
	dir, err := ioutil.TempDir("", "sqlitefs-chunkstore-test")
	if err != nil {
		panic(err)
	}
	t.pool, err = storage.Open(filepath.Join(dir, "fs.db"), 2, nil)
	if err != nil {
		panic(err)
	}
	t.inodes = inodestore.New()
	t.chunks = chunkstore.New(t.inodes)

	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		var err error
		t.inodeID, err = t.inodes.Allocate(tx, inodestore.ModeRegBit|0o644, 0, 0, 1.0)
		return err
	}))
}

func (t *ChunkStoreTest) TearDown() {
	t.pool.Close()
}

func (t *ChunkStoreTest) withTx(fn func(*storage.Tx) error) error {
	return t.pool.WithTx(context.Background(), fn)
}

func (t *ChunkStoreTest) write(offset int64, data []byte) int {
	var n int
	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		var err error
		n, err = t.chunks.Write(tx, t.inodeID, offset, data, 2.0)
		return err
	}))
	return n
}

func (t *ChunkStoreTest) read(offset int64, length int) []byte {
	var out []byte
	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		var err error
		out, err = t.chunks.Read(tx, t.inodeID, offset, length)
		return err
	}))
	return out
}

func (t *ChunkStoreTest) size() int64 {
	var ino inodestore.Inode
	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		var err error
		ino, _, err = t.inodes.Fetch(tx, t.inodeID)
		return err
	}))
	return ino.Size
}

// Property 3: round-trip.
func (t *ChunkStoreTest) RoundTrip() {
	data := []byte("hello, sqlitefs")
	n := t.write(10, data)
	ExpectEq(len(data), n)

	got := t.read(10, len(data))
	ExpectTrue(bytes.Equal(data, got))
	ExpectTrue(t.size() >= 10+int64(len(data)))
}

// Property 4: hole = zero.
func (t *ChunkStoreTest) HoleReadsAsZero() {
	t.write(1000, []byte("end"))

	got := t.read(0, 1000)
	ExpectEq(1000, len(got))
	for _, b := range got {
		ExpectEq(0, int(b))
	}
	ExpectEq(1003, t.size())
}

// Property 5: truncate-down is idempotent in payload.
func (t *ChunkStoreTest) TruncateDownPreservesPrefix() {
	t.write(0, []byte("Hello, World!"))

	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		return t.chunks.Truncate(tx, t.inodeID, 5, 3.0)
	}))

	ExpectEq(5, t.size())
	ExpectTrue(bytes.Equal([]byte("Hello"), t.read(0, 10)))
	ExpectEq(0, len(t.read(5, 10)))
}

// Property 6: truncate-up creates holes, not storage.
func (t *ChunkStoreTest) TruncateUpCreatesNoChunks() {
	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		return t.chunks.Truncate(tx, t.inodeID, 9000, 3.0)
	}))

	var count int
	AssertEq(nil, t.withTx(func(tx *storage.Tx) error {
		row := tx.Raw().QueryRow(`SELECT COUNT(*) FROM file_data WHERE inode_id = ?`, t.inodeID)
		return row.Scan(&count)
	}))
	ExpectEq(0, count)

	got := t.read(0, 9000)
	ExpectEq(9000, len(got))
	for _, b := range got {
		ExpectEq(0, int(b))
	}
}

// Property 7: chunk transparency across many boundary-crossing writes.
func (t *ChunkStoreTest) ChunkTransparency() {
	data := bytes.Repeat([]byte("X"), 10*chunkstore.ChunkSize)
	t.write(0, data)

	got := t.read(0, len(data))
	ExpectTrue(bytes.Equal(data, got))

	// Straddling read across a chunk boundary.
	mid := t.read(int64(chunkstore.ChunkSize-50), 100)
	ExpectTrue(bytes.Equal(data[chunkstore.ChunkSize-50:chunkstore.ChunkSize+50], mid))
}

// Spec scenario S2.
func (t *ChunkStoreTest) ScenarioS2StraddlingChunks() {
	data := bytes.Repeat([]byte("X"), 12388)
	t.write(0, data)
	ExpectEq(12388, t.size())

	got := t.read(4046, 100)
	ExpectTrue(bytes.Equal(bytes.Repeat([]byte("X"), 100), got))
}

// Spec scenario S3.
func (t *ChunkStoreTest) ScenarioS3WriteTruncateWrite() {
	t.write(0, []byte("Hello, World!"))

	AssertEq(nil, t.withTx(func(tx *storage.Tx) error { return t.chunks.Truncate(tx, t.inodeID, 5, 1.0) }))
	ExpectTrue(bytes.Equal([]byte("Hello"), t.read(0, 10)))

	AssertEq(nil, t.withTx(func(tx *storage.Tx) error { return t.chunks.Truncate(tx, t.inodeID, 20, 1.0) }))
	want := append([]byte("Hello"), bytes.Repeat([]byte{0}, 15)...)
	ExpectTrue(bytes.Equal(want, t.read(0, 20)))

	t.write(15, []byte("End"))
	ExpectEq(20, t.size())
	want2 := append(append([]byte("Hello"), bytes.Repeat([]byte{0}, 10)...), []byte("End")...)
	want2 = append(want2, bytes.Repeat([]byte{0}, 2)...)
	ExpectTrue(bytes.Equal(want2, t.read(0, 20)))

	t.write(25, []byte("Extra"))
	ExpectEq(30, t.size())
	want3 := append(append([]byte("Hello"), bytes.Repeat([]byte{0}, 10)...), []byte("End")...)
	want3 = append(want3, bytes.Repeat([]byte{0}, 7)...)
	want3 = append(want3, []byte("Extra")...)
	ExpectTrue(bytes.Equal(want3, t.read(0, 30)))
}
