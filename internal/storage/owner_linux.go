package storage

import "golang.org/x/sys/unix"

// effectiveOwner returns the process effective uid/gid, used to own the
// root inode created during bootstrap (spec.md §4.1).
func effectiveOwner() (uid, gid uint32) {
	return uint32(unix.Geteuid()), uint32(unix.Getegid())
}
