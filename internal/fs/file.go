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

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	guestFlags := int(uint32(op.OpenFlags))
	appendMode := guestFlags&unix.O_APPEND != 0
	flags := fs.sanitizeOpenFlags(guestFlags)

	file, err := fs.openInode(op.Inode, flags)
	if err != nil {
		return
	}

	op.Handle, err = fs.allocateHandle(op.Inode, file, flags, appendMode)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return unix.EBADF
	}

	parentFile, err := parent.File()
	if err != nil {
		return
	}
	defer parentFile.Close()

	// O_EXCL is forced so we never accidentally open a file the guest
	// would not otherwise have been allowed to access.
	var fd int
	err = fs.withGuestCreds(ctx, func() error {
		var cerr error
		fd, cerr = fs.openRelativeTo(
			parentFile.Fd(), op.Name,
			unix.O_RDWR|unix.O_CREAT|unix.O_EXCL,
			toSyscallMode(op.Mode))
		return cerr
	})

	if err == unix.EEXIST {
		// The guest did not ask for exclusive creation (we forced it);
		// fall back to opening the existing file.
		op.Entry, err = fs.doLookup(op.Parent, op.Name)
		if err != nil {
			return
		}
		var file *os.File
		file, err = fs.openInode(op.Entry.Child, unix.O_RDWR)
		if err != nil {
			fs.inodes.ForgetOne(op.Entry.Child, 1)
			return
		}
		op.Handle, err = fs.allocateHandle(op.Entry.Child, file, unix.O_RDWR, false)
		if err != nil {
			fs.inodes.ForgetOne(op.Entry.Child, 1)
		}
		return
	}
	if err != nil {
		return
	}

	file := os.NewFile(uintptr(fd), op.Name)

	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	if err != nil {
		_ = file.Close()
		return
	}

	op.Handle, err = fs.allocateHandle(op.Entry.Child, file, unix.O_RDWR, false)
	if err != nil {
		fs.inodes.ForgetOne(op.Entry.Child, 1)
	}
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	// Positional vectored I/O leaves the shared file offset untouched, so
	// concurrent reads may proceed.
	entry.Mu.RLock()
	defer entry.Mu.RUnlock()

	for op.BytesRead < len(op.Dst) {
		var n int
		n, err = unix.Preadv(int(file.Fd()), [][]byte{op.Dst[op.BytesRead:]}, op.Offset+int64(op.BytesRead))
		if err == unix.EINTR {
			err = nil
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			// EOF: fewer bytes than requested, not an error.
			return
		}
		op.BytesRead += n
	}
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	entry.Mu.RLock()
	defer entry.Mu.RUnlock()

	// With writeback caching the kernel batches writes and supplies the
	// correct offset itself, so append mode must not be re-applied; without
	// it, an appending write must land at the file's current end even if
	// another instance has grown the file since the guest's last look.
	var writevFlags int
	if entry.Append && !fs.writeback.Load() {
		writevFlags = unix.RWF_APPEND
	}

	written := 0
	for written < len(op.Data) {
		var n int
		n, err = unix.Pwritev2(int(file.Fd()), [][]byte{op.Data[written:]}, op.Offset+int64(written), writevFlags)
		if err == unix.EINTR {
			err = nil
			continue
		}
		if err != nil {
			return
		}
		written += n
	}
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	return unix.Fsync(int(file.Fd()))
}

// FlushFile is sent on every close(2) of a guest file descriptor. Closing a
// duplicate of the fd emulates the same flushing semantics on the host.
//
// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	dupped, err := unix.Dup(int(file.Fd()))
	if err != nil {
		return
	}
	return unix.Close(dupped)
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	return fs.releaseHandle(op.Handle)
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ReadSymlink(
	ctx context.Context,
	op *fuseops.ReadSymlinkOp) (err error) {
	entry := fs.inodes.Get(op.Inode)
	if entry == nil {
		return unix.EBADF
	}

	file, err := entry.File()
	if err != nil {
		return
	}
	defer file.Close()

	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(file.Fd(), "", buf)
	if err != nil {
		return
	}
	op.Target = string(buf[:n])
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) Fallocate(
	ctx context.Context,
	op *fuseops.FallocateOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	return unix.Fallocate(int(file.Fd()), op.Mode, int64(op.Offset), int64(op.Length))
}

// SyncFS asks the host to sync the filesystem holding the given inode.
//
// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) SyncFS(
	ctx context.Context,
	op *fuseops.SyncFSOp) (err error) {
	// syncfs(2) refuses O_PATH descriptors; open the inode for reading.
	file, err := fs.openInode(op.Inode, unix.O_RDONLY)
	if err != nil {
		return
	}
	defer file.Close()

	return unix.Syncfs(int(file.Fd()))
}
