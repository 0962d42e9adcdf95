// Copyright 2024 The Container-Native FS Interposer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handle implements the table of guest-visible open files.
package handle

import (
	"fmt"
	"os"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// MigrationInfo records how a handle can be re-derived from its inode on
// the migration destination: the open(2) flags to use. Constructing this is
// cheap, so it is recorded whenever a handle is created.
type MigrationInfo struct {
	OpenFlags int32
}

// NewMigrationInfo strips the flags that make sense when the guest first
// opens the file but must not be replayed on the destination, where the
// file already exists and must not be truncated.
func NewMigrationInfo(flags int) MigrationInfo {
	return MigrationInfo{
		OpenFlags: int32(flags &^ (unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC)),
	}
}

// Entry is one open file held on behalf of the guest. The inode is
// referenced by its weak ID; the handle's owner keeps a strong reference on
// the inode for the lifetime of the handle.
type Entry struct {
	Inode fuseops.InodeID

	MigrationInfo MigrationInfo

	// Whether the guest opened the file with O_APPEND. The flag itself is
	// stripped before the host open; appending writes position themselves
	// per write instead.
	Append bool

	// Permits concurrent positional reads but excludes operations that
	// move the shared file offset.
	Mu sync.RWMutex

	// Invalid entries (after a failed migration) have no file and carry
	// the error instead.
	file *os.File
	err  error
}

func NewEntry(inode fuseops.InodeID, file *os.File, info MigrationInfo) *Entry {
	return &Entry{Inode: inode, MigrationInfo: info, file: file}
}

// NewInvalidEntry creates a placeholder for a handle that could not be
// reopened during migration. Every operation on it surfaces the stored
// error.
func NewInvalidEntry(inode fuseops.InodeID, err error, info MigrationInfo) *Entry {
	return &Entry{Inode: inode, MigrationInfo: info, err: err}
}

// File returns the OS file of this handle, or the stored migration error.
func (e *Entry) File() (*os.File, error) {
	if e.file == nil {
		if e.err == nil {
			return nil, fmt.Errorf("handle is invalid because of an error during the preceding migration")
		}
		return nil, fmt.Errorf("handle is invalid because of an error during the preceding migration, which was: %w", e.err)
	}
	return e.file, nil
}

// IsInvalid reports whether the handle failed to reopen during migration.
func (e *Entry) IsInvalid() bool {
	return e.file == nil
}

func (e *Entry) close() {
	if e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}

// Table maps guest-visible handle IDs to entries, protected by a single
// reader/writer lock.
type Table struct {
	mu      sync.RWMutex
	entries map[fuseops.HandleID]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[fuseops.HandleID]*Entry)}
}

// Insert adds the entry under the given ID.
func (t *Table) Insert(id fuseops.HandleID, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = e
}

// FindIfInodeMatches returns the entry for id if it refers to the given
// inode. A handle presented with the wrong inode is a protocol violation
// and reads as EBADF.
func (t *Table) FindIfInodeMatches(id fuseops.HandleID, inode fuseops.InodeID) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok || e.Inode != inode {
		return nil, unix.EBADF
	}
	return e, nil
}

// RemoveIfInodeMatches removes and closes the entry for id if it refers to
// the given inode.
func (t *Table) RemoveIfInodeMatches(id fuseops.HandleID, inode fuseops.InodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.Inode != inode {
		return unix.EBADF
	}
	delete(t.entries, id)
	e.close()
	return nil
}

// Remove removes and closes the entry for id, regardless of its inode. The
// removed entry is returned so the caller can release the inode reference
// it held.
func (t *Table) Remove(id fuseops.HandleID) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, unix.EBADF
	}
	delete(t.entries, id)
	e.close()
	return e, nil
}

// MapAll applies f to every (id, entry) pair under the read lock.
func (t *Table) MapAll(f func(fuseops.HandleID, *Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, e := range t.entries {
		f(id, e)
	}
}

// Len returns the number of open handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear closes and removes every entry.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		e.close()
		delete(t.entries, id)
	}
}
