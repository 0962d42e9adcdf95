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

package fs

import (
	"context"
	"os"

	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// lookupResult carries everything tryLookup gathered on the way: a strong
// reference if the inode is already tracked, plus the O_PATH file, stat
// information and optional file handle needed to create it if not.
type lookupResult struct {
	existing *inode.StrongRef
	pathFile *os.File
	st       hostio.Stat
	fh       *filehandle.FileHandle
}

func (r *lookupResult) ids() inode.Ids {
	return inode.Ids{Ino: r.st.Statx.Ino, Dev: r.st.Dev(), MntID: r.st.MntID}
}

// discard closes whatever the result still owns.
func (r *lookupResult) discard() {
	if r.existing != nil {
		r.existing.Drop()
		r.existing = nil
	}
	if r.pathFile != nil {
		_ = r.pathFile.Close()
		r.pathFile = nil
	}
}

// tryLookup opens name under the given parent entry and attempts to claim
// a matching inode from the store.
func (fs *PassthroughFS) tryLookup(parent *inode.Entry, name string) (*lookupResult, error) {
	parentFile, err := parent.File()
	if err != nil {
		return nil, err
	}
	defer parentFile.Close()

	fd, err := fs.openRelativeTo(parentFile.Fd(), name, unix.O_PATH, 0)
	if err != nil {
		return nil, err
	}
	pathFile := os.NewFile(uintptr(fd), name)

	st, err := hostio.Statx(fd, "")
	if err != nil {
		_ = pathFile.Close()
		return nil, err
	}

	// Always nil in never mode, but the handle is only needed when no
	// O_PATH descriptor is stored per inode anyway.
	fh, err := fs.getFileHandleOpt(fd, &st)
	if err != nil {
		_ = pathFile.Close()
		return nil, err
	}

	result := &lookupResult{pathFile: pathFile, st: st, fh: fh}
	if ref, err := fs.inodes.ClaimInode(fh, result.ids()); err == nil {
		result.existing = ref
	}
	return result, nil
}

// doLookup resolves name under the parent inode, returning a fresh child
// entry whose strong reference has been leaked: ownership of the refcount
// transfers to the guest, which balances it with a later forget.
func (fs *PassthroughFS) doLookup(parentID fuseops.InodeID, name string) (fuseops.ChildInodeEntry, error) {
	parent := fs.inodes.Get(parentID)
	if parent == nil {
		return fuseops.ChildInodeEntry{}, unix.EBADF
	}

	result, err := fs.tryLookup(parent, name)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}

	ref := result.existing
	if ref == nil {
		ref, err = fs.mintInode(parent, name, result)
		if err != nil {
			result.discard()
			return fuseops.ChildInodeEntry{}, err
		}
	} else {
		_ = result.pathFile.Close()
		result.pathFile = nil
	}

	now := fs.clock.Now()
	entry := fuseops.ChildInodeEntry{
		Child:                ref.Leak(),
		Attributes:           convertAttributes(&result.st),
		AttributesExpiration: now.Add(fs.config.AttrTimeout),
		EntryExpiration:      now.Add(fs.config.EntryTimeout),
	}
	return entry, nil
}

// mintInode creates and registers a new inode entry from a lookup result,
// consuming the result's path file. While migration preparation is active,
// the new inode gets its migration info immediately; the walker may already
// have passed its parent.
func (fs *PassthroughFS) mintInode(parent *inode.Entry, name string, result *lookupResult) (*inode.StrongRef, error) {
	ref, err := fs.makeRef(result.pathFile, result.fh)
	if err != nil {
		result.pathFile = nil
		return nil, err
	}
	result.pathFile = nil

	var migInfo *inode.MigrationInfo
	if fs.trackMigrationInfo.Load() {
		parentRef, err := fs.inodes.GetStrong(parent.ID)
		if err != nil {
			ref.Discard()
			return nil, err
		}
		var serializedHandle *filehandle.Serialized
		if fs.config.MigrationVerifyHandles {
			if serializedHandle, err = ref.Serialized(); err != nil {
				parentRef.Drop()
				ref.Discard()
				return nil, err
			}
		}
		migInfo = inode.NewPathMigrationInfo(parentRef, name, serializedHandle)
	}

	id := fuseops.InodeID(fs.nextInode.Add(1) - 1)
	entry := inode.NewEntry(id, ref, 1, result.ids(), uint32(result.st.Statx.Mode), migInfo)
	return fs.inodes.GetOrInsert(entry)
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) (err error) {
	fs.inodes.ForgetOne(op.Inode, op.N)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) (err error) {
	pairs := make([]inode.ForgetPair, 0, len(op.Entries))
	for _, e := range op.Entries {
		pairs = append(pairs, inode.ForgetPair{ID: e.Inode, N: e.N})
	}
	fs.inodes.ForgetMany(pairs)
	return
}
