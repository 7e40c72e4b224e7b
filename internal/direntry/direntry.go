// Package direntry is the C3 Directory Index: parent-id+name -> inode
// mapping, path resolution, directory listing, `.`/`..` maintenance, and
// cycle-free rename.
package direntry

import (
	"context"
	"database/sql"
	"strings"

	"github.com/werden230/sqlitefs/internal/chunkstore"
	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/inodestore"
	"github.com/werden230/sqlitefs/internal/storage"
	"github.com/jacobsa/timeutil"
)

// Entry is a directory-entry relation from the entries table.
type Entry struct {
	Name    string
	InodeID int64
}

// Index implements C3 over a shared pool, inode store, and chunk store
// (the latter needed so Remove can delete a vanishing file's chunks in the
// same transaction).
type Index struct {
	pool    *storage.Pool
	inodes  *inodestore.Store
	chunks  *chunkstore.Store
	clock   timeutil.Clock
}

func New(pool *storage.Pool, inodes *inodestore.Store, chunks *chunkstore.Store, clock timeutil.Clock) *Index {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Index{pool: pool, inodes: inodes, chunks: chunks, clock: clock}
}

func (x *Index) now() float64 {
	return float64(x.clock.Now().UnixNano()) / 1e9
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolve walks path component by component starting at root, all within
// tx. Returns (id, true, nil) or (0, false, nil) if any component is
// missing.
func (x *Index) resolve(tx *storage.Tx, path string) (int64, bool, error) {
	current := storage.RootInodeID
	for _, comp := range splitPath(path) {
		var next int64
		row := tx.Raw().QueryRow(`SELECT inode_id FROM entries WHERE parent_id = ? AND name = ?`, current, comp)
		err := row.Scan(&next)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, errs.StorageFailure("direntry.Resolve", err)
		}
		current = next
	}
	return current, true, nil
}

// Resolve returns the inode record at path, or (Inode{}, false, nil) if
// absent.
func (x *Index) Resolve(ctx context.Context, path string) (inodestore.Inode, bool, error) {
	var ino inodestore.Inode
	var ok bool
	err := x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		id, found, err := x.resolve(tx, path)
		if err != nil || !found {
			return err
		}
		ino, ok, err = x.inodes.Fetch(tx, id)
		return err
	})
	return ino, ok, err
}

func lookupChild(tx *storage.Tx, parent int64, name string) (int64, bool, error) {
	var id int64
	row := tx.Raw().QueryRow(`SELECT inode_id FROM entries WHERE parent_id = ? AND name = ?`, parent, name)
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.StorageFailure("direntry.lookupChild", err)
	}
	return id, true, nil
}

// Create allocates an inode under parentPath/name.
func (x *Index) Create(ctx context.Context, parentPath, name string, mode uint32, uid, gid uint32) (int64, error) {
	var newID int64
	err := x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		parentID, found, err := x.resolve(tx, parentPath)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.Create", nil)
		}

		if _, exists, err := lookupChild(tx, parentID, name); err != nil {
			return err
		} else if exists {
			return errs.AlreadyExists("direntry.Create", nil)
		}

		now := x.now()
		newID, err = x.inodes.Allocate(tx, mode, uid, gid, now)
		if err != nil {
			return err
		}

		if _, err := tx.Raw().Exec(
			`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, ?, ?)`, parentID, name, newID,
		); err != nil {
			return errs.StorageFailure("direntry.Create", err)
		}

		if mode&inodestore.ModeDirBit != 0 {
			if _, err := tx.Raw().Exec(
				`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, '.', ?)`, newID, newID,
			); err != nil {
				return errs.StorageFailure("direntry.Create", err)
			}
			if _, err := tx.Raw().Exec(
				`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, '..', ?)`, newID, parentID,
			); err != nil {
				return errs.StorageFailure("direntry.Create", err)
			}
		}
		return nil
	})
	return newID, err
}

// Link inserts an additional directory entry pointing at an existing
// inode and increments its nlink (spec scenario S6: manually adding a
// second hard link).
func (x *Index) Link(ctx context.Context, parentPath, name string, inodeID int64) error {
	return x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		parentID, found, err := x.resolve(tx, parentPath)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.Link", nil)
		}
		if _, exists, err := lookupChild(tx, parentID, name); err != nil {
			return err
		} else if exists {
			return errs.AlreadyExists("direntry.Link", nil)
		}
		if _, err := tx.Raw().Exec(
			`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, ?, ?)`, parentID, name, inodeID,
		); err != nil {
			return errs.StorageFailure("direntry.Link", err)
		}
		return x.inodes.IncLink(tx, inodeID)
	})
}

// Remove deletes the entry at parentPath/name. If it was the last link to
// its inode, the inode and its chunks are deleted too, unless keepOpen is
// true (an open handle still references it — see DESIGN.md Open Question 1),
// in which case only the directory-side bookkeeping happens and the
// caller is responsible for garbage-collecting the inode later.
func (x *Index) Remove(ctx context.Context, parentPath, name string, keepOpen func(inodeID int64) bool) error {
	return x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		parentID, found, err := x.resolve(tx, parentPath)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.Remove", nil)
		}

		targetID, exists, err := lookupChild(tx, parentID, name)
		if err != nil {
			return err
		}
		if !exists {
			return errs.NotFound("direntry.Remove", nil)
		}

		ino, ok, err := x.inodes.Fetch(tx, targetID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.StorageFailure("direntry.Remove", nil)
		}

		if ino.IsDir() {
			var count int
			row := tx.Raw().QueryRow(
				`SELECT COUNT(*) FROM entries WHERE parent_id = ? AND name NOT IN ('.', '..')`, targetID,
			)
			if err := row.Scan(&count); err != nil {
				return errs.StorageFailure("direntry.Remove", err)
			}
			if count > 0 {
				return errs.NotEmpty("direntry.Remove", nil)
			}
		}

		if _, err := tx.Raw().Exec(`DELETE FROM entries WHERE parent_id = ? AND name = ?`, parentID, name); err != nil {
			return errs.StorageFailure("direntry.Remove", err)
		}
		if err := x.inodes.DecLink(tx, targetID); err != nil {
			return err
		}

		newIno, ok, err := x.inodes.Fetch(tx, targetID)
		if err != nil {
			return err
		}
		if !ok || newIno.Nlink > 0 {
			return nil
		}
		if keepOpen != nil && keepOpen(targetID) {
			return nil
		}

		return x.destroy(tx, targetID)
	})
}

// destroy deletes an inode's chunks, any residual entries referencing it
// (cleaning up `.`/`..` of a directory whose last link just vanished),
// and the inode record itself.
func (x *Index) destroy(tx *storage.Tx, inodeID int64) error {
	if err := x.chunks.DeleteAll(tx, inodeID); err != nil {
		return err
	}
	if _, err := tx.Raw().Exec(`DELETE FROM entries WHERE parent_id = ?`, inodeID); err != nil {
		return errs.StorageFailure("direntry.destroy", err)
	}
	return x.inodes.Delete(tx, inodeID)
}

// Reap is exposed for callers (fsops.Release) that deferred destruction of
// an unlinked-but-open inode; it destroys the inode if its nlink is
// already zero.
func (x *Index) Reap(ctx context.Context, inodeID int64) error {
	return x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		ino, ok, err := x.inodes.Fetch(tx, inodeID)
		if err != nil || !ok || ino.Nlink > 0 {
			return err
		}
		return x.destroy(tx, inodeID)
	})
}

// List returns the raw stored entries (including `.` and `..`) for path,
// in storage order. Per DESIGN.md Open Question 2, C5 must not re-prepend
// `.`/`..` itself.
func (x *Index) List(ctx context.Context, path string) ([]Entry, error) {
	var out []Entry
	err := x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		id, found, err := x.resolve(tx, path)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.List", nil)
		}
		ino, ok, err := x.inodes.Fetch(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errs.StorageFailure("direntry.List", nil)
		}
		if !ino.IsDir() {
			return errs.NotADirectory("direntry.List", nil)
		}

		rows, err := tx.Raw().Query(`SELECT name, inode_id FROM entries WHERE parent_id = ?`, id)
		if err != nil {
			return errs.StorageFailure("direntry.List", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.Name, &e.InodeID); err != nil {
				return errs.StorageFailure("direntry.List", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Rename moves oldParent/oldName to newParent/newName.
func (x *Index) Rename(ctx context.Context, oldParent, oldName, newParent, newName string) error {
	return x.pool.WithTx(ctx, func(tx *storage.Tx) error {
		oldParentID, found, err := x.resolve(tx, oldParent)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.Rename", nil)
		}
		newParentID, found, err := x.resolve(tx, newParent)
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound("direntry.Rename", nil)
		}

		sourceID, exists, err := lookupChild(tx, oldParentID, oldName)
		if err != nil {
			return err
		}
		if !exists {
			return errs.NotFound("direntry.Rename", nil)
		}

		// Open Question 3: same (parent,name) rename is a true no-op.
		if oldParentID == newParentID && oldName == newName {
			return nil
		}

		if sourceID == storage.RootInodeID {
			return errs.InvalidArgument("direntry.Rename", nil)
		}

		if _, exists, err := lookupChild(tx, newParentID, newName); err != nil {
			return err
		} else if exists {
			return errs.AlreadyExists("direntry.Rename", nil)
		}

		sourceIno, ok, err := x.inodes.Fetch(tx, sourceID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.StorageFailure("direntry.Rename", nil)
		}

		if sourceIno.IsDir() && oldParentID != newParentID {
			if cyc, err := x.wouldCycle(tx, newParentID, sourceID); err != nil {
				return err
			} else if cyc {
				return errs.InvalidArgument("direntry.Rename", nil)
			}
		}

		if _, err := tx.Raw().Exec(`DELETE FROM entries WHERE parent_id = ? AND name = ?`, oldParentID, oldName); err != nil {
			return errs.StorageFailure("direntry.Rename", err)
		}
		if _, err := tx.Raw().Exec(
			`INSERT INTO entries (parent_id, name, inode_id) VALUES (?, ?, ?)`, newParentID, newName, sourceID,
		); err != nil {
			return errs.StorageFailure("direntry.Rename", err)
		}

		now := x.now()
		if err := x.inodes.UpdateTimes(tx, sourceID, inodestore.Times{Ctime: &now}); err != nil {
			return err
		}

		if sourceIno.IsDir() && oldParentID != newParentID {
			// Open Question 4 (REDESIGN per DESIGN.md): fix up the moved
			// directory's own `..` entry and the two parents' nlink.
			if _, err := tx.Raw().Exec(
				`UPDATE entries SET inode_id = ? WHERE parent_id = ? AND name = '..'`, newParentID, sourceID,
			); err != nil {
				return errs.StorageFailure("direntry.Rename", err)
			}
			if err := x.inodes.DecLink(tx, oldParentID); err != nil {
				return err
			}
			if err := x.inodes.IncLink(tx, newParentID); err != nil {
				return err
			}
		}
		return nil
	})
}

// wouldCycle walks upward from candidateAncestor via `..` entries,
// terminating (not an error) at root or a failed lookup. Returns true if
// the walk encounters sourceID, meaning the rename would move sourceID
// into its own subtree.
func (x *Index) wouldCycle(tx *storage.Tx, candidateAncestor, sourceID int64) (bool, error) {
	current := candidateAncestor
	for {
		if current == sourceID {
			return true, nil
		}
		if current == storage.RootInodeID {
			return false, nil
		}
		parent, ok, err := lookupChild(tx, current, "..")
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		current = parent
	}
}
