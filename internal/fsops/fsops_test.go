package fsops_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/fsops"
	"github.com/werden230/sqlitefs/internal/inodestore"
	"github.com/werden230/sqlitefs/internal/storage"
)

func newFS(t *testing.T) *fsops.FileSystem {
	t.Helper()
	dir := t.TempDir()
	pool, err := storage.Open(filepath.Join(dir, "fs.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return fsops.New(pool, nil)
}

var cc = fsops.CallerContext{UID: 0, GID: 0, PID: 1}

func TestGetAttrRoot(t *testing.T) {
	fs := newFS(t)
	st, err := fs.GetAttr(context.Background(), cc, "/")
	require.NoError(t, err)
	assert.EqualValues(t, storage.RootInodeID, st.InodeID)
	assert.True(t, st.Mode&inodestore.ModeDirBit != 0)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/a.txt", 0o644)
	require.NoError(t, err)

	n, err := fs.Write(ctx, h, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := fs.Read(ctx, h, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, fs.Release(ctx, h))
}

func TestCreateDuplicateFails(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/dup.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	_, _, err = fs.Create(ctx, cc, "/dup.txt", 0o644)
	assert.True(t, errs.Is(err, errs.AlreadyExistsKind))
}

func TestMkDirAndReadDir(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, err := fs.MkDir(ctx, cc, "/d", 0o755)
	require.NoError(t, err)

	_, h, err := fs.Create(ctx, cc, "/d/f.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	dh, err := fs.OpenDir(ctx, cc, "/d")
	require.NoError(t, err)

	entries, err := fs.ReadDir(ctx, dh)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "f.txt")
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")

	require.NoError(t, fs.ReleaseDir(ctx, dh))
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, err := fs.MkDir(ctx, cc, "/d", 0o755)
	require.NoError(t, err)

	err = fs.Unlink(ctx, cc, "/d")
	assert.True(t, errs.Is(err, errs.IsADirectoryKind))
}

func TestRmDirRejectsFile(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/f.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	err = fs.RmDir(ctx, cc, "/f.txt")
	assert.True(t, errs.Is(err, errs.NotADirectoryKind))
}

func TestTruncateGrowIsZeroFilled(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/t.txt", 0o644)
	require.NoError(t, err)

	_, err = fs.Write(ctx, h, 0, []byte("ab"))
	require.NoError(t, err)

	require.NoError(t, fs.Truncate(ctx, cc, "/t.txt", 5))

	data, err := fs.Read(ctx, h, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 0, 0, 0}, data)

	require.NoError(t, fs.Release(ctx, h))
}

func TestChownRejectsNonRoot(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/f.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	nonRoot := fsops.CallerContext{UID: 1000, GID: 1000}
	err = fs.Chown(ctx, nonRoot, "/f.txt", 5, 5)
	assert.True(t, errs.Is(err, errs.PermissionDeniedKind))
}

func TestDeletedButOpenSurvivesUntilRelease(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/open.txt", 0o644)
	require.NoError(t, err)

	_, err = fs.Write(ctx, h, 0, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(ctx, cc, "/open.txt"))

	// The name is gone, but the handle is still live and readable.
	data, err := fs.Read(ctx, h, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = fs.GetAttr(ctx, cc, "/open.txt")
	assert.True(t, errs.Is(err, errs.NotFoundKind))

	require.NoError(t, fs.Release(ctx, h))
}

func TestRename(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/old.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	require.NoError(t, fs.Rename(ctx, cc, "/old.txt", "/new.txt"))

	_, err = fs.GetAttr(ctx, cc, "/old.txt")
	assert.True(t, errs.Is(err, errs.NotFoundKind))

	_, err = fs.GetAttr(ctx, cc, "/new.txt")
	assert.NoError(t, err)
}

func TestUtimensNilNilSetsBoth(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, h, err := fs.Create(ctx, cc, "/u.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, h))

	require.NoError(t, fs.Utimens(ctx, cc, "/u.txt", nil, nil))

	st, err := fs.GetAttr(ctx, cc, "/u.txt")
	require.NoError(t, err)
	assert.True(t, st.Atime > 0)
	assert.True(t, st.Mtime > 0)
}

func TestStatFS(t *testing.T) {
	fs := newFS(t)
	sf, err := fs.StatFS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fsops.DefaultStatFS, sf)
}
