// Package inodestore is the C2 Inode Store: CRUD on inode metadata
// records, id allocation, reference-count updates, and timestamp
// mutations. Every method takes a caller-owned *storage.Tx so it composes
// into the single transaction its caller (direntry or chunkstore) already
// opened; it never begins a transaction of its own.
package inodestore

import (
	"database/sql"
	"fmt"

	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/storage"
)

const (
	// ModeDirBit mirrors POSIX S_IFDIR; we only need to distinguish
	// regular files from directories (spec.md §1 non-goals exclude
	// symlinks and special files).
	ModeDirBit = 0o040000
	ModeRegBit = 0o100000
)

// Inode is the metadata record for a file or directory (spec.md §3).
type Inode struct {
	ID    int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Atime float64
	Mtime float64
	Ctime float64
	Nlink int64
}

func (i Inode) IsDir() bool { return i.Mode&ModeDirBit != 0 }

// Store implements C2. It holds no state; every method works through the
// caller's *storage.Tx.
type Store struct{}

func New() *Store { return &Store{} }

// Allocate inserts a fresh inode with size 0 and the given now timestamp
// for all three times, nlink=2 for directories else 1.
func (s *Store) Allocate(tx *storage.Tx, mode uint32, uid, gid uint32, now float64) (int64, error) {
	nlink := int64(1)
	if mode&ModeDirBit != 0 {
		nlink = 2
	}

	res, err := tx.Raw().Exec(
		`INSERT INTO inodes (mode, uid, gid, size, atime, mtime, ctime, nlink)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		mode, uid, gid, now, now, now, nlink,
	)
	if err != nil {
		return 0, errs.StorageFailure("inodestore.Allocate", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.StorageFailure("inodestore.Allocate", err)
	}
	return id, nil
}

// Fetch returns the inode record, or (Inode{}, false, nil) if absent.
func (s *Store) Fetch(tx *storage.Tx, id int64) (Inode, bool, error) {
	row := tx.Raw().QueryRow(
		`SELECT id, mode, uid, gid, size, atime, mtime, ctime, nlink FROM inodes WHERE id = ?`, id,
	)
	var ino Inode
	err := row.Scan(&ino.ID, &ino.Mode, &ino.UID, &ino.GID, &ino.Size, &ino.Atime, &ino.Mtime, &ino.Ctime, &ino.Nlink)
	if err == sql.ErrNoRows {
		return Inode{}, false, nil
	}
	if err != nil {
		return Inode{}, false, errs.StorageFailure("inodestore.Fetch", err)
	}
	return ino, true, nil
}

// UpdateSize sets size and mtime.
func (s *Store) UpdateSize(tx *storage.Tx, id int64, newSize int64, newMtime float64) error {
	if _, err := tx.Raw().Exec(`UPDATE inodes SET size = ?, mtime = ? WHERE id = ?`, newSize, newMtime, id); err != nil {
		return errs.StorageFailure("inodestore.UpdateSize", err)
	}
	return nil
}

// Times holds the optional fields UpdateTimes may set; a nil pointer means
// "leave unchanged".
type Times struct {
	Atime *float64
	Mtime *float64
	Ctime *float64
}

// UpdateTimes writes only the provided fields.
func (s *Store) UpdateTimes(tx *storage.Tx, id int64, t Times) error {
	if t.Atime == nil && t.Mtime == nil && t.Ctime == nil {
		return nil
	}

	set := ""
	args := make([]interface{}, 0, 4)
	add := func(col string, v *float64) {
		if v == nil {
			return
		}
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, *v)
	}
	add("atime", t.Atime)
	add("mtime", t.Mtime)
	add("ctime", t.Ctime)
	args = append(args, id)

	q := fmt.Sprintf(`UPDATE inodes SET %s WHERE id = ?`, set)
	if _, err := tx.Raw().Exec(q, args...); err != nil {
		return errs.StorageFailure("inodestore.UpdateTimes", err)
	}
	return nil
}

// Chmod replaces the mode's low 9 permission bits, preserving file type,
// and bumps ctime.
func (s *Store) Chmod(tx *storage.Tx, id int64, newPerm uint32, now float64) error {
	ino, ok, err := s.Fetch(tx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("inodestore.Chmod", nil)
	}
	newMode := (ino.Mode &^ 0o777) | (newPerm & 0o777)
	if _, err := tx.Raw().Exec(`UPDATE inodes SET mode = ?, ctime = ? WHERE id = ?`, newMode, now, id); err != nil {
		return errs.StorageFailure("inodestore.Chmod", err)
	}
	return nil
}

// Chown sets uid/gid and bumps ctime.
func (s *Store) Chown(tx *storage.Tx, id int64, uid, gid uint32, now float64) error {
	if _, err := tx.Raw().Exec(`UPDATE inodes SET uid = ?, gid = ?, ctime = ? WHERE id = ?`, uid, gid, now, id); err != nil {
		return errs.StorageFailure("inodestore.Chown", err)
	}
	return nil
}

// IncLink/DecLink are the only sanctioned way to change nlink.
func (s *Store) IncLink(tx *storage.Tx, id int64) error {
	if _, err := tx.Raw().Exec(`UPDATE inodes SET nlink = nlink + 1 WHERE id = ?`, id); err != nil {
		return errs.StorageFailure("inodestore.IncLink", err)
	}
	return nil
}

func (s *Store) DecLink(tx *storage.Tx, id int64) error {
	if _, err := tx.Raw().Exec(`UPDATE inodes SET nlink = nlink - 1 WHERE id = ?`, id); err != nil {
		return errs.StorageFailure("inodestore.DecLink", err)
	}
	return nil
}

// Delete removes the inode record itself. Callers (direntry.Remove) are
// responsible for having already removed chunks and residual entries.
func (s *Store) Delete(tx *storage.Tx, id int64) error {
	if _, err := tx.Raw().Exec(`DELETE FROM inodes WHERE id = ?`, id); err != nil {
		return errs.StorageFailure("inodestore.Delete", err)
	}
	return nil
}
