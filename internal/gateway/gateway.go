// Package gateway is the C7 Gateway Adapter: it satisfies
// github.com/jacobsa/fuse/fuseutil.FileSystem by translating the kernel's
// numeric inode IDs and parent/name pairs into the path-shaped calls
// internal/fsops exposes, and tagged errs.Error values into the kernel
// errno table from spec.md §4.5. Everything below this package is
// path-oriented; everything at or above it is inode-ID-oriented, which is
// the seam the kernel's FUSE protocol forces on any filesystem server.
package gateway

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/fsops"
	"github.com/werden230/sqlitefs/internal/inodestore"
)

// Server adapts *fsops.FileSystem to fuseutil.FileSystem. Ops it does not
// implement (symlinks, xattrs, hard-link creation via link(2), device
// nodes, fallocate) fall through to the embedded NotImplementedFileSystem,
// which answers ENOSYS -- all out of scope per spec.md §1 Non-goals.
type Server struct {
	fuseutil.NotImplementedFileSystem

	fs *fsops.FileSystem

	// cc is the caller identity supplied for every op. jacobsa/fuse's
	// ctx-based fuseops.FileSystem interface does not thread a per-call
	// uid/gid through SetInodeAttributesOp or any other op struct (only
	// Size/Mode/Atime/Mtime, per fuseops/ops.go), so there is no kernel-
	// supplied identity to forward. We fall back to the mounting process's
	// own identity, which is what single-user FUSE mounts run as in
	// practice and matches spec.md §1's explicit non-goal of access-control
	// enforcement beyond storing mode/uid/gid.
	cc fsops.CallerContext

	mu    sync.Mutex
	paths map[fuseops.InodeID]string // GUARDED_BY(mu)
}

// New wraps fs for serving over FUSE.
func New(fs *fsops.FileSystem) *Server {
	return &Server{
		fs:    fs,
		cc:    fsops.CallerContext{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())},
		paths: map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
	}
}

func (s *Server) pathOf(id fuseops.InodeID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[id]
}

func (s *Server) remember(id fuseops.InodeID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[id] = path
}

func (s *Server) forget(id fuseops.InodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, id)
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// errno maps a tagged errs.Error to the kernel error code from the table
// in spec.md §4.5. Anything that isn't an *errs.Error -- a raw storage
// driver error that slipped through uncategorized -- is EIO.
func errno(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return syscall.EIO
	}
	switch e.Kind {
	case errs.NotFoundKind:
		return syscall.ENOENT
	case errs.AlreadyExistsKind:
		return syscall.EEXIST
	case errs.NotADirectoryKind:
		return syscall.ENOTDIR
	case errs.IsADirectoryKind:
		return syscall.EISDIR
	case errs.NotEmptyKind:
		return syscall.ENOTEMPTY
	case errs.InvalidArgumentKind:
		return syscall.EINVAL
	case errs.PermissionDeniedKind:
		return syscall.EPERM
	case errs.BadHandleKind:
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func toAttrs(st fsops.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Mode & 0o777)
	if st.Mode&inodestore.ModeDirBit != 0 {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  mode,
		Uid:   st.UID,
		Gid:   st.GID,
		Atime: secondsToTime(st.Atime),
		Mtime: secondsToTime(st.Mtime),
		Ctime: secondsToTime(st.Ctime),
	}
}

func direntType(isDir bool) fuseutil.DirentType {
	if isDir {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

// StatFS implements the statfs(2) kernel op with the static, synthetic
// values spec.md §4.5 calls for.
func (s *Server) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	sf, err := s.fs.StatFS(ctx)
	if err != nil {
		return errno(err)
	}
	op.BlockSize = sf.BlockSize
	op.Blocks = sf.Blocks
	op.BlocksFree = sf.BlocksFree
	op.BlocksAvailable = sf.BlocksAvailable
	op.IoSize = sf.BlockSize
	op.Inodes = sf.Files
	op.InodesFree = sf.FilesFree
	return nil
}

// LookUpInode implements lookup (resolving a child name within a known
// parent inode -- the kernel's dentry-cache miss path).
func (s *Server) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath := s.pathOf(op.Parent)
	if parentPath == "" {
		return syscall.ENOENT
	}

	st, err := s.fs.Lookup(ctx, s.cc, parentPath, op.Name)
	if err != nil {
		return errno(err)
	}

	id := fuseops.InodeID(st.InodeID)
	s.remember(id, childPath(parentPath, op.Name))
	op.Entry = fuseops.ChildInodeEntry{
		Child:      id,
		Attributes: toAttrs(st),
	}
	return nil
}

// GetInodeAttributes implements getattr.
func (s *Server) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p := s.pathOf(op.Inode)
	if p == "" {
		return syscall.ENOENT
	}
	st, err := s.fs.GetAttr(ctx, s.cc, p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = toAttrs(st)
	return nil
}

// SetInodeAttributes implements the kernel's combined setattr op, which
// covers truncate(2)/ftruncate(2) (Size), chmod(2) (Mode), and
// utimensat(2) (Atime/Mtime). It carries no uid/gid (see the Server.cc
// doc comment), so chown(2) cannot be routed through this op; fs.Chown
// itself is fully implemented and tested at the fsops layer regardless.
func (s *Server) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p := s.pathOf(op.Inode)
	if p == "" {
		return syscall.ENOENT
	}

	if op.Size != nil {
		if err := s.fs.Truncate(ctx, s.cc, p, int64(*op.Size)); err != nil {
			return errno(err)
		}
	}
	if op.Mode != nil {
		if err := s.fs.Chmod(ctx, s.cc, p, uint32(*op.Mode&0o777)); err != nil {
			return errno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		var a, m *float64
		if op.Atime != nil {
			v := timeToSeconds(*op.Atime)
			a = &v
		}
		if op.Mtime != nil {
			v := timeToSeconds(*op.Mtime)
			m = &v
		}
		if err := s.fs.Utimens(ctx, s.cc, p, a, m); err != nil {
			return errno(err)
		}
	}

	st, err := s.fs.GetAttr(ctx, s.cc, p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = toAttrs(st)
	return nil
}

// ForgetInode drops the kernel's cached inode ID from the path table.
// Storage-level reclamation already happened, if it was going to, inside
// Unlink/RmDir/Release; this only cleans up gateway-local bookkeeping.
func (s *Server) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	s.forget(op.Inode)
	return nil
}

// MkDir implements mkdir(2).
func (s *Server) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath := s.pathOf(op.Parent)
	if parentPath == "" {
		return syscall.ENOENT
	}

	p := childPath(parentPath, op.Name)
	st, err := s.fs.MkDir(ctx, s.cc, p, uint32(op.Mode&0o777))
	if err != nil {
		return errno(err)
	}

	id := fuseops.InodeID(st.InodeID)
	s.remember(id, p)
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toAttrs(st)}
	return nil
}

// CreateFile implements the create(2)/O_CREAT open path.
func (s *Server) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath := s.pathOf(op.Parent)
	if parentPath == "" {
		return syscall.ENOENT
	}

	p := childPath(parentPath, op.Name)
	st, h, err := s.fs.Create(ctx, s.cc, p, uint32(op.Mode&0o777))
	if err != nil {
		return errno(err)
	}

	id := fuseops.InodeID(st.InodeID)
	s.remember(id, p)
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toAttrs(st)}
	op.Handle = fuseops.HandleID(h)
	return nil
}

// RmDir implements rmdir(2).
func (s *Server) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath := s.pathOf(op.Parent)
	if parentPath == "" {
		return syscall.ENOENT
	}
	return errno(s.fs.RmDir(ctx, s.cc, childPath(parentPath, op.Name)))
}

// Unlink implements unlink(2).
func (s *Server) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath := s.pathOf(op.Parent)
	if parentPath == "" {
		return syscall.ENOENT
	}
	return errno(s.fs.Unlink(ctx, s.cc, childPath(parentPath, op.Name)))
}

// Rename implements rename(2). On success, the path cache is refreshed for
// the moved inode so a subsequent GetInodeAttributes on it (before the
// kernel re-resolves the new dentry with LookUpInode) still finds it.
func (s *Server) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent := s.pathOf(op.OldParent)
	newParent := s.pathOf(op.NewParent)
	if oldParent == "" || newParent == "" {
		return syscall.ENOENT
	}

	oldPath := childPath(oldParent, op.OldName)
	newPath := childPath(newParent, op.NewName)
	if err := s.fs.Rename(ctx, s.cc, oldPath, newPath); err != nil {
		return errno(err)
	}

	if st, err := s.fs.GetAttr(ctx, s.cc, newPath); err == nil {
		s.remember(fuseops.InodeID(st.InodeID), newPath)
	}
	return nil
}

// OpenDir implements opendir(2).
func (s *Server) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p := s.pathOf(op.Inode)
	if p == "" {
		return syscall.ENOENT
	}
	h, err := s.fs.OpenDir(ctx, s.cc, p)
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

// ReadDir implements readdir(2), serializing the raw listing from fsops
// into the kernel dirent wire format via fuseutil.WriteDirent, honoring
// the caller's offset and buffer-size limit.
func (s *Server) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := s.fs.ReadDir(ctx, uint64(op.Handle))
	if err != nil {
		return errno(err)
	}

	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.InodeID),
			Name:   e.Name,
			Type:   direntType(e.IsDir),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// ReleaseDirHandle implements releasedir(2).
func (s *Server) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return errno(s.fs.ReleaseDir(ctx, uint64(op.Handle)))
}

// OpenFile implements open(2) for an existing regular file.
func (s *Server) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p := s.pathOf(op.Inode)
	if p == "" {
		return syscall.ENOENT
	}
	h, err := s.fs.Open(ctx, s.cc, p, uint32(op.OpenFlags))
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

// ReadFile implements pread(2)/read(2).
func (s *Server) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	data, err := s.fs.Read(ctx, uint64(op.Handle), op.Offset, int(op.Size))
	if err != nil {
		return errno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

// WriteFile implements pwrite(2)/write(2).
func (s *Server) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := s.fs.Write(ctx, uint64(op.Handle), op.Offset, op.Data)
	return errno(err)
}

// FlushFile implements flush (close(2)'s fsync-like hook). Every fsops
// mutation already commits its own transaction before returning, so there
// is nothing buffered to flush.
func (s *Server) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// SyncFile implements fsync(2)/fdatasync(2), for the same reason a no-op.
func (s *Server) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

// ReleaseFileHandle implements the final close(2) of a file descriptor.
func (s *Server) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errno(s.fs.Release(ctx, uint64(op.Handle)))
}
