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

// Package inode implements the refcounted inode store: a three-way indexed
// table of every filesystem object the guest has been told about, reachable
// by guest-visible ID, by host identity tuple, and by file handle.
package inode

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// RootID is the reserved inode ID of the shared directory root.
const RootID = fuseops.RootInodeID

// Ids is the host identity tuple of an inode, used to recognize an already
// tracked filesystem object when it is looked up again.
type Ids struct {
	Ino   uint64
	Dev   uint64
	MntID uint64
}

// Entry is the store's record of one inode.
//
// The store exclusively owns every entry; all other holders work through a
// StrongRef. A raw inode ID is a weak reference, valid only while some
// strong reference keeps the entry alive.
type Entry struct {
	ID fuseops.InodeID

	Ref Ref

	// Guarded by the store's locking discipline: incremented through the
	// compare-and-update loop in StrongRef, decremented by forget under the
	// store's write lock.
	refcount atomic.Uint64

	// Key in the store's by-ids index.
	Ids Ids

	// File type and permission bits (st_mode).
	Mode uint32

	// Set while migration preparation is active. May hold a strong
	// reference to the parent inode: inside the store it is dropped through
	// the drop-while-locked path, and once detached with a plain Drop.
	migrationMu   sync.Mutex
	migrationInfo *MigrationInfo
}

// NewEntry creates an entry with the given refcount, not yet in any store.
func NewEntry(id fuseops.InodeID, ref Ref, refcount uint64, ids Ids, mode uint32, migrationInfo *MigrationInfo) *Entry {
	e := &Entry{
		ID:            id,
		Ref:           ref,
		Ids:           ids,
		Mode:          mode,
		migrationInfo: migrationInfo,
	}
	e.refcount.Store(refcount)
	return e
}

// Refcount returns the current refcount. Racy by nature; for logging and
// serialization (where the store is held) only.
func (e *Entry) Refcount() uint64 {
	return e.refcount.Load()
}

// SetRefcount overwrites the refcount. Only migration deserialization uses
// this, to adopt the source's count before any other reference exists.
func (e *Entry) SetRefcount(n uint64) {
	e.refcount.Store(n)
}

// File returns an fd referring to this inode, suitable for *at() syscalls
// and stat. The caller must Close the result.
func (e *Entry) File() (InodeFile, error) {
	switch {
	case e.Ref.file != nil:
		return InodeFile{file: e.Ref.file}, nil
	case e.Ref.handle != nil:
		f, err := e.Ref.handle.Open(unix.O_PATH)
		if err != nil {
			return InodeFile{}, err
		}
		return InodeFile{file: f, owned: true}, nil
	default:
		return InodeFile{}, e.Ref.InvalidError()
	}
}

// isSafeMode reports whether it is safe to open this inode without O_PATH:
// only regular files and directories are; everything else could block or
// have side effects on open.
func isSafeMode(mode uint32) bool {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR:
		return true
	}
	return false
}

// OpenFile opens this inode with the given flags, always returning a fresh
// file usable for I/O.
func (e *Entry) OpenFile(flags int, procSelfFd *os.File) (*os.File, error) {
	// Do not move the isSafeMode check up: it is always false for invalid
	// inodes, and would hide their more useful error message.
	switch {
	case e.Ref.file != nil:
		if !isSafeMode(e.Mode) {
			return nil, unix.EBADF
		}
		return hostio.ReopenThroughProc(procSelfFd, int(e.Ref.file.Fd()), flags)
	case e.Ref.handle != nil:
		if !isSafeMode(e.Mode) {
			return nil, unix.EBADF
		}
		return e.Ref.handle.Open(flags)
	default:
		return nil, e.Ref.InvalidError()
	}
}

// Path obtains this inode's path through /proc/self/fd.
func (e *Entry) Path(procSelfFd *os.File) (string, error) {
	f, err := e.File()
	if err != nil {
		return "", err
	}
	defer f.Close()

	path, err := hostio.PathByFd(procSelfFd, f.Fd())
	if err != nil {
		return "", err
	}

	// The kernel reports nodes beyond our root as having path "/", but only
	// the root node (the shared directory) can actually have that path.
	if path == "/" && e.ID != RootID {
		return "", fmt.Errorf("got empty path for non-root node, so it is outside the shared directory")
	}

	return path, nil
}

// Identify returns some human-readable identification of this inode,
// ideally its path. Performs I/O, so not extremely cheap to call.
func (e *Entry) Identify(procSelfFd *os.File) string {
	if path, err := e.Path(procSelfFd); err == nil {
		return path
	}

	var kind string
	switch e.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		kind = "file"
	case unix.S_IFDIR:
		kind = "directory"
	case unix.S_IFLNK:
		kind = "symbolic link"
	case unix.S_IFIFO:
		kind = "FIFO"
	case unix.S_IFSOCK:
		kind = "socket"
	case unix.S_IFCHR:
		kind = "character device"
	case unix.S_IFBLK:
		kind = "block device"
	default:
		kind = "unknown inode type"
	}
	return fmt.Sprintf("[%s; mount_id=%d device_id=%d inode_id=%d]", kind, e.Ids.MntID, e.Ids.Dev, e.Ids.Ino)
}

// SetMigrationInfo replaces the entry's migration info, returning the
// previous one (whose strong references the caller must dispose of through
// the store).
func (e *Entry) SetMigrationInfo(info *MigrationInfo) *MigrationInfo {
	e.migrationMu.Lock()
	defer e.migrationMu.Unlock()
	old := e.migrationInfo
	e.migrationInfo = info
	return old
}

// TakeMigrationInfo removes and returns the entry's migration info.
func (e *Entry) TakeMigrationInfo() *MigrationInfo {
	return e.SetMigrationInfo(nil)
}

// MigrationInfo returns the entry's current migration info without removing
// it.
func (e *Entry) MigrationInfo() *MigrationInfo {
	e.migrationMu.Lock()
	defer e.migrationMu.Unlock()
	return e.migrationInfo
}
