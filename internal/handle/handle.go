// Package handle is the C6 Handle Table: an in-memory, process-wide map
// from numeric handle to {inode id, open flags, path at open}, owned by
// the filesystem object rather than a package-level global, and safe for
// concurrent use by the gateway's worker goroutines.
package handle

import (
	"sync/atomic"

	"github.com/jacobsa/syncutil"
)

// Info is the ephemeral per-open record (spec.md §3 "Handle").
type Info struct {
	InodeID    int64
	Flags      uint32
	PathAtOpen string
}

// Table is the C6 handle table.
type Table struct {
	mu      syncutil.InvariantMutex
	next    uint64
	entries map[uint64]Info
}

func New() *Table {
	t := &Table{entries: make(map[uint64]Info)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	if t.entries == nil {
		panic("handle.Table: entries map must never be nil")
	}
}

// Insert assigns a fresh, monotonically increasing, never-reused handle
// number to info and returns it.
func (t *Table) Insert(info Info) uint64 {
	h := atomic.AddUint64(&t.next, 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[h] = info
	return h
}

// Lookup returns the Info for h, or (Info{}, false) if h is not open.
func (t *Table) Lookup(h uint64) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.entries[h]
	return info, ok
}

// Remove deletes h from the table. A no-op if h is already absent.
func (t *Table) Remove(h uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, h)
}

// HasOpenHandle reports whether any open handle currently references
// inodeID (used by fsops to implement the POSIX deleted-but-open policy
// from DESIGN.md Open Question 1).
func (t *Table) HasOpenHandle(inodeID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range t.entries {
		if info.InodeID == inodeID {
			return true
		}
	}
	return false
}

// Count returns the number of currently open handles (diagnostics/tests).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
