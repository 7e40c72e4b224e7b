// Package chunkstore is the C4 Chunk Store: sparse, chunked file content
// with offset-based write/read, truncate up/down, and hole semantics. It
// never creates a transaction of its own; every method takes a
// caller-supplied *storage.Tx so a write's chunk mutations and its
// inode size/mtime update land in one transaction (spec.md §4.4).
package chunkstore

import (
	"bytes"
	"database/sql"

	"github.com/werden230/sqlitefs/internal/errs"
	"github.com/werden230/sqlitefs/internal/inodestore"
	"github.com/werden230/sqlitefs/internal/storage"
)

// ChunkSize is the fixed chunk size in bytes (spec.md §4.4).
const ChunkSize = 4096

// Store implements C4 over a shared inode store (needed to read/update
// size and mtime alongside chunk mutations).
type Store struct {
	inodes *inodestore.Store
}

func New(inodes *inodestore.Store) *Store { return &Store{inodes: inodes} }

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (s *Store) loadChunk(tx *storage.Tx, inodeID, chunkNum int64) ([]byte, bool, error) {
	var data []byte
	row := tx.Raw().QueryRow(
		`SELECT data FROM file_data WHERE inode_id = ? AND chunk_num = ?`, inodeID, chunkNum,
	)
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.StorageFailure("chunkstore.loadChunk", err)
	}
	return data, true, nil
}

func (s *Store) upsertChunk(tx *storage.Tx, inodeID, chunkNum int64, data []byte) error {
	if _, err := tx.Raw().Exec(
		`INSERT INTO file_data (inode_id, chunk_num, data) VALUES (?, ?, ?)
		 ON CONFLICT(inode_id, chunk_num) DO UPDATE SET data = excluded.data`,
		inodeID, chunkNum, data,
	); err != nil {
		return errs.StorageFailure("chunkstore.upsertChunk", err)
	}
	return nil
}

// Write overwrites [offset, offset+len(p)) with p, growing size as
// necessary and leaving any skipped region as absent chunks (holes).
func (s *Store) Write(tx *storage.Tx, inodeID int64, offset int64, p []byte, now float64) (int, error) {
	ino, ok, err := s.inodes.Fetch(tx, inodeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.NotFound("chunkstore.Write", nil)
	}

	if len(p) == 0 {
		return 0, nil
	}

	newSize := ino.Size
	if offset+int64(len(p)) > newSize {
		newSize = offset + int64(len(p))
	}
	if err := s.inodes.UpdateSize(tx, inodeID, newSize, now); err != nil {
		return 0, err
	}

	firstChunk := offset / ChunkSize
	lastChunk := (offset + int64(len(p)) - 1) / ChunkSize

	for k := firstChunk; k <= lastChunk; k++ {
		chunkStart := k * ChunkSize
		chunkEnd := chunkStart + ChunkSize

		writeStart := offset
		if chunkStart > writeStart {
			writeStart = chunkStart
		}
		writeEnd := offset + int64(len(p))
		if chunkEnd < writeEnd {
			writeEnd = chunkEnd
		}

		buf, existed, err := s.loadChunk(tx, inodeID, k)
		if err != nil {
			return 0, err
		}
		full := make([]byte, ChunkSize)
		if existed {
			copy(full, buf)
		}

		srcStart := writeStart - offset
		srcEnd := writeEnd - offset
		dstStart := writeStart - chunkStart
		dstEnd := writeEnd - chunkStart
		copy(full[dstStart:dstEnd], p[srcStart:srcEnd])

		if err := s.upsertChunk(tx, inodeID, k, full); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Read returns up to length bytes starting at offset, synthesizing zero
// bytes for any absent (hole) chunk.
func (s *Store) Read(tx *storage.Tx, inodeID int64, offset int64, length int) ([]byte, error) {
	ino, ok, err := s.inodes.Fetch(tx, inodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []byte{}, nil
	}
	if offset >= ino.Size || length <= 0 {
		return []byte{}, nil
	}
	if int64(length) > ino.Size-offset {
		length = int(ino.Size - offset)
	}

	out := make([]byte, 0, length)
	remainingStart := offset
	remainingEnd := offset + int64(length)

	firstChunk := remainingStart / ChunkSize
	lastChunk := (remainingEnd - 1) / ChunkSize

	for k := firstChunk; k <= lastChunk; k++ {
		chunkStart := k * ChunkSize
		chunkEnd := chunkStart + ChunkSize

		readStart := remainingStart
		if chunkStart > readStart {
			readStart = chunkStart
		}
		readEnd := remainingEnd
		if chunkEnd < readEnd {
			readEnd = chunkEnd
		}

		buf, existed, err := s.loadChunk(tx, inodeID, k)
		if err != nil {
			return nil, err
		}

		localStart := readStart - chunkStart
		localEnd := readEnd - chunkStart

		if !existed {
			out = append(out, bytes.Repeat([]byte{0}, int(localEnd-localStart))...)
			continue
		}
		// A stored chunk may be shorter than ChunkSize (the final
		// surviving chunk after a truncate); treat anything past its
		// stored length as zero.
		for i := localStart; i < localEnd; i++ {
			if int(i) < len(buf) {
				out = append(out, buf[i])
			} else {
				out = append(out, 0)
			}
		}
	}
	return out, nil
}

// DeleteAll removes every chunk belonging to inodeID (used when an inode
// is destroyed).
func (s *Store) DeleteAll(tx *storage.Tx, inodeID int64) error {
	if _, err := tx.Raw().Exec(`DELETE FROM file_data WHERE inode_id = ?`, inodeID); err != nil {
		return errs.StorageFailure("chunkstore.DeleteAll", err)
	}
	return nil
}

// Truncate resizes inodeID's content to newLength, preserving hole
// fidelity in both directions.
func (s *Store) Truncate(tx *storage.Tx, inodeID int64, newLength int64, now float64) error {
	ino, ok, err := s.inodes.Fetch(tx, inodeID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("chunkstore.Truncate", nil)
	}

	if err := s.inodes.UpdateSize(tx, inodeID, newLength, now); err != nil {
		return err
	}

	if newLength < ino.Size {
		keepChunks := ceilDiv(newLength, ChunkSize)
		if _, err := tx.Raw().Exec(
			`DELETE FROM file_data WHERE inode_id = ? AND chunk_num >= ?`, inodeID, keepChunks,
		); err != nil {
			return errs.StorageFailure("chunkstore.Truncate", err)
		}

		if newLength > 0 && newLength%ChunkSize != 0 {
			lastChunk := keepChunks - 1
			inChunkLen := newLength - lastChunk*ChunkSize
			buf, existed, err := s.loadChunk(tx, inodeID, lastChunk)
			if err != nil {
				return err
			}
			if existed {
				if int64(len(buf)) > inChunkLen {
					buf = buf[:inChunkLen]
				}
				if err := s.upsertChunk(tx, inodeID, lastChunk, buf); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if newLength > ino.Size && ino.Size > 0 && ino.Size%ChunkSize != 0 {
		tailChunk := ino.Size / ChunkSize
		buf, existed, err := s.loadChunk(tx, inodeID, tailChunk)
		if err != nil {
			return err
		}
		if existed && len(buf) < ChunkSize {
			padded := make([]byte, ChunkSize)
			copy(padded, buf)
			if err := s.upsertChunk(tx, inodeID, tailChunk, padded); err != nil {
				return err
			}
		}
	}
	// Growing beyond the old tail chunk creates no new storage: the grown
	// region is modeled purely as holes.
	return nil
}
