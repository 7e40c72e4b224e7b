// Package fsops is the C5 Filesystem Ops layer: it assembles the Inode
// Store, Directory Index, Chunk Store, and Handle Table into the
// kernel-visible operation set, translating between path-shaped requests
// and the tagged errors those layers raise. It has no knowledge of the
// kernel wire protocol at all -- that translation lives one layer out, in
// internal/gateway.
package fsops

import (
	"context"
	"os"
	"path"

	"github.com/jacobsa/timeutil"
	"github.com/werden230/sqlitefs/internal/chunkstore"
	"github.com/werden230/sqlitefs/internal/direntry"
	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/handle"
	"github.com/werden230/sqlitefs/internal/inodestore"
	"github.com/werden230/sqlitefs/internal/storage"
)

// CallerContext is the external-collaborator context object of spec.md §6:
// caller identity supplied by the kernel gateway with every operation.
type CallerContext struct {
	UID uint32
	GID uint32
	PID uint32
}

// Stat is the kernel stat record built by GetAttr (spec.md §4.5).
type Stat struct {
	InodeID  int64
	Mode     uint32
	Nlink    int64
	UID      uint32
	GID      uint32
	Size     int64
	Atime    float64
	Mtime    float64
	Ctime    float64
	Blocks   int64
	BlkSize  int64
}

// DirEntry is one entry returned by ReadDir, as stored (no re-prepending
// of `.`/`..` -- see DESIGN.md Open Question 2).
type DirEntry struct {
	Name    string
	InodeID int64
	IsDir   bool
}

// StatFS is the static, synthetic filesystem-level statistics returned by
// the statfs call (spec.md §4.5: "not a disk-accounting filesystem").
type StatFS struct {
	BlockSize       uint32
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	NameMax         uint32
}

// DefaultStatFS mirrors the synthetic values the original implementation
// reported (SPEC_FULL.md §6).
var DefaultStatFS = StatFS{
	BlockSize:       4096,
	Blocks:          1000000,
	BlocksFree:      500000,
	BlocksAvailable: 500000,
	Files:           100000,
	FilesFree:       50000,
	NameMax:         255,
}

// FileSystem implements C5 over the lower components.
type FileSystem struct {
	pool    *storage.Pool
	inodes  *inodestore.Store
	entries *direntry.Index
	chunks  *chunkstore.Store
	handles *handle.Table
	clock   timeutil.Clock
}

func New(pool *storage.Pool, clock timeutil.Clock) *FileSystem {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	inodes := inodestore.New()
	chunks := chunkstore.New(inodes)
	entries := direntry.New(pool, inodes, chunks, clock)
	return &FileSystem{
		pool:    pool,
		inodes:  inodes,
		entries: entries,
		chunks:  chunks,
		handles: handle.New(),
		clock:   clock,
	}
}

func (fs *FileSystem) now() float64 {
	return float64(fs.clock.Now().UnixNano()) / 1e9
}

func splitParent(p string) (dir, name string) {
	if p == "/" {
		return "/", "."
	}
	dir, name = path.Split(path.Clean(p))
	if dir == "" {
		dir = "/"
	}
	if len(dir) > 1 && dir[len(dir)-1] == '/' {
		dir = dir[:len(dir)-1]
	}
	return dir, name
}

func toStat(ino inodestore.Inode) Stat {
	return Stat{
		InodeID: ino.ID,
		Mode:    ino.Mode,
		Nlink:   ino.Nlink,
		UID:     ino.UID,
		GID:     ino.GID,
		Size:    ino.Size,
		Atime:   ino.Atime,
		Mtime:   ino.Mtime,
		Ctime:   ino.Ctime,
		Blocks:  (ino.Size + 511) / 512,
		BlkSize: 4096,
	}
}

// GetAttr implements getattr.
func (fs *FileSystem) GetAttr(ctx context.Context, cc CallerContext, p string) (Stat, error) {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return Stat{}, err
	}
	if !ok {
		return Stat{}, errs.NotFound("fsops.GetAttr", nil)
	}
	return toStat(ino), nil
}

// Lookup resolves a child name under a known parent path.
func (fs *FileSystem) Lookup(ctx context.Context, cc CallerContext, parentPath, name string) (Stat, error) {
	ino, ok, err := fs.entries.Resolve(ctx, path.Join(parentPath, name))
	if err != nil {
		return Stat{}, err
	}
	if !ok {
		return Stat{}, errs.NotFound("fsops.Lookup", nil)
	}
	return toStat(ino), nil
}

// MkDir implements mkdir.
func (fs *FileSystem) MkDir(ctx context.Context, cc CallerContext, p string, mode uint32) (Stat, error) {
	dir, name := splitParent(p)
	if _, err := fs.entries.Create(ctx, dir, name, inodestore.ModeDirBit|(mode&0o777), cc.UID, cc.GID); err != nil {
		return Stat{}, err
	}
	return fs.GetAttr(ctx, cc, p)
}

// Create implements create: allocates the inode and immediately opens a
// handle for it, same as open's handle bookkeeping.
func (fs *FileSystem) Create(ctx context.Context, cc CallerContext, p string, mode uint32) (Stat, uint64, error) {
	dir, name := splitParent(p)
	_, err := fs.entries.Create(ctx, dir, name, inodestore.ModeRegBit|(mode&0o777), cc.UID, cc.GID)
	if err != nil {
		return Stat{}, 0, err
	}

	st, err := fs.GetAttr(ctx, cc, p)
	if err != nil {
		return Stat{}, 0, err
	}

	h := fs.handles.Insert(handle.Info{InodeID: st.InodeID, Flags: uint32(os.O_WRONLY | os.O_CREAT | os.O_TRUNC), PathAtOpen: p})
	return st, h, nil
}

// Open implements open. Opening a directory path is permitted (see
// SPEC_FULL.md §9 supplement); only Read/Write reject a directory handle.
func (fs *FileSystem) Open(ctx context.Context, cc CallerContext, p string, flags uint32) (uint64, error) {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.NotFound("fsops.Open", nil)
	}

	h := fs.handles.Insert(handle.Info{InodeID: ino.ID, Flags: flags, PathAtOpen: p})

	if acc := int(flags) & (os.O_WRONLY | os.O_RDWR); acc == os.O_RDONLY || acc == os.O_RDWR {
		now := fs.now()
		_ = fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
			return fs.inodes.UpdateTimes(tx, ino.ID, inodestore.Times{Atime: &now})
		})
	}
	return h, nil
}

// OpenDir implements opendir.
func (fs *FileSystem) OpenDir(ctx context.Context, cc CallerContext, p string) (uint64, error) {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.NotFound("fsops.OpenDir", nil)
	}
	if !ino.IsDir() {
		return 0, errs.NotADirectory("fsops.OpenDir", nil)
	}
	h := fs.handles.Insert(handle.Info{InodeID: ino.ID, PathAtOpen: p})
	return h, nil
}

func (fs *FileSystem) handleInode(ctx context.Context, op string, h uint64) (int64, error) {
	info, ok := fs.handles.Lookup(h)
	if !ok {
		return 0, errs.BadHandle(op, nil)
	}
	var isDir bool
	err := fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		ino, found, err := fs.inodes.Fetch(tx, info.InodeID)
		isDir = found && ino.IsDir()
		return err
	})
	if err != nil {
		return 0, err
	}
	if isDir {
		return 0, errs.InvalidArgument(op, nil)
	}
	return info.InodeID, nil
}

// Read implements read.
func (fs *FileSystem) Read(ctx context.Context, h uint64, offset int64, size int) ([]byte, error) {
	inodeID, err := fs.handleInode(ctx, "fsops.Read", h)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = fs.chunks.Read(tx, inodeID, offset, size)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := fs.now()
	_ = fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		return fs.inodes.UpdateTimes(tx, inodeID, inodestore.Times{Atime: &now})
	})
	return out, nil
}

// Write implements write.
func (fs *FileSystem) Write(ctx context.Context, h uint64, offset int64, data []byte) (int, error) {
	inodeID, err := fs.handleInode(ctx, "fsops.Write", h)
	if err != nil {
		return 0, err
	}

	var n int
	now := fs.now()
	err = fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = fs.chunks.Write(tx, inodeID, offset, data, now)
		return err
	})
	return n, err
}

// ReadDir implements readdir. Per DESIGN.md Open Question 2, the raw
// stored listing (which already contains `.`/`..`) is returned unchanged.
func (fs *FileSystem) ReadDir(ctx context.Context, h uint64) ([]DirEntry, error) {
	info, ok := fs.handles.Lookup(h)
	if !ok {
		return nil, errs.BadHandle("fsops.ReadDir", nil)
	}

	entries, err := fs.entries.List(ctx, info.PathAtOpen)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		ino, ok, err := fs.entries.Resolve(ctx, joinChild(info.PathAtOpen, e.Name))
		isDir := ok && ino.IsDir()
		if err != nil {
			isDir = false
		}
		out = append(out, DirEntry{Name: e.Name, InodeID: e.InodeID, IsDir: isDir})
	}
	return out, nil
}

func joinChild(dir, name string) string {
	if name == "." || name == ".." {
		return dir
	}
	return path.Join(dir, name)
}

// Release implements release (closing a file handle). If the underlying
// inode's nlink already reached zero while this handle was open (DESIGN.md
// Open Question 1), the inode is reaped now.
func (fs *FileSystem) Release(ctx context.Context, h uint64) error {
	info, ok := fs.handles.Lookup(h)
	if !ok {
		return errs.BadHandle("fsops.Release", nil)
	}
	fs.handles.Remove(h)

	if fs.handles.HasOpenHandle(info.InodeID) {
		return nil
	}
	return fs.entries.Reap(ctx, info.InodeID)
}

// ReleaseDir implements releasedir.
func (fs *FileSystem) ReleaseDir(ctx context.Context, h uint64) error {
	if _, ok := fs.handles.Lookup(h); !ok {
		return errs.BadHandle("fsops.ReleaseDir", nil)
	}
	fs.handles.Remove(h)
	return nil
}

// Unlink implements unlink.
func (fs *FileSystem) Unlink(ctx context.Context, cc CallerContext, p string) error {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.Unlink", nil)
	}
	if ino.IsDir() {
		return errs.IsADirectory("fsops.Unlink", nil)
	}

	dir, name := splitParent(p)
	return fs.entries.Remove(ctx, dir, name, fs.handles.HasOpenHandle)
}

// RmDir implements rmdir.
func (fs *FileSystem) RmDir(ctx context.Context, cc CallerContext, p string) error {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.RmDir", nil)
	}
	if !ino.IsDir() {
		return errs.NotADirectory("fsops.RmDir", nil)
	}

	dir, name := splitParent(p)
	return fs.entries.Remove(ctx, dir, name, fs.handles.HasOpenHandle)
}

// Truncate implements truncate.
func (fs *FileSystem) Truncate(ctx context.Context, cc CallerContext, p string, length int64) error {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.Truncate", nil)
	}
	if ino.IsDir() {
		return errs.IsADirectory("fsops.Truncate", nil)
	}

	now := fs.now()
	return fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		return fs.chunks.Truncate(tx, ino.ID, length, now)
	})
}

// Chmod implements chmod, preserving file-type bits.
func (fs *FileSystem) Chmod(ctx context.Context, cc CallerContext, p string, mode uint32) error {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.Chmod", nil)
	}

	now := fs.now()
	return fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		return fs.inodes.Chmod(tx, ino.ID, mode, now)
	})
}

// Chown implements chown. Per spec.md §6, the only operation that
// inspects the caller context: non-root callers are rejected with EPERM.
func (fs *FileSystem) Chown(ctx context.Context, cc CallerContext, p string, uid, gid uint32) error {
	if cc.UID != 0 {
		return errs.PermissionDenied("fsops.Chown", nil)
	}

	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.Chown", nil)
	}

	now := fs.now()
	return fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		return fs.inodes.Chown(tx, ino.ID, uid, gid, now)
	})
}

// Rename implements rename.
func (fs *FileSystem) Rename(ctx context.Context, cc CallerContext, oldPath, newPath string) error {
	oldDir, oldName := splitParent(oldPath)
	newDir, newName := splitParent(newPath)
	return fs.entries.Rename(ctx, oldDir, oldName, newDir, newName)
}

// Utimens implements utimens. A nil atime/mtime means "no times supplied":
// both are set to now.
func (fs *FileSystem) Utimens(ctx context.Context, cc CallerContext, p string, atime, mtime *float64) error {
	ino, ok, err := fs.entries.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("fsops.Utimens", nil)
	}

	now := fs.now()
	a, m := atime, mtime
	if a == nil && m == nil {
		a, m = &now, &now
	}
	return fs.pool.WithTx(ctx, func(tx *storage.Tx) error {
		return fs.inodes.UpdateTimes(tx, ino.ID, inodestore.Times{Atime: a, Mtime: m})
	})
}

// StatFS implements statfs: static, synthetic values.
func (fs *FileSystem) StatFS(ctx context.Context) (StatFS, error) {
	return DefaultStatFS, nil
}
