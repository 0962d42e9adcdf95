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
	"strconv"

	"github.com/container-native-fs/interposer/internal/creds"
	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
)

// withGuestCreds runs f under the request's effective uid/gid (plus the
// supplementary group, when that extension was negotiated) and, while POSIX
// ACLs are negotiated, under the guest-supplied umask. Without request
// credentials on the context, f runs with the server's own identity.
func (fs *PassthroughFS) withGuestCreds(ctx context.Context, f func() error) error {
	c, ok := creds.FromContext(ctx)
	if !ok {
		return f()
	}

	scope, err := creds.Switch(c, fs.supGroupExtension.Load())
	if err != nil {
		return err
	}

	var umaskScope *creds.UmaskScope
	if fs.posixAcl.Load() && c.Umask != nil {
		umaskScope = creds.NewUmaskScope(int(*c.Umask))
	}

	ferr := f()

	umaskScope.Restore()
	if rerr := scope.Restore(); rerr != nil {
		logger.Errorf("Failed to restore server credentials: %v", rerr)
	}
	return ferr
}

// inodeFd runs f with an fd for the given inode.
func (fs *PassthroughFS) inodeFd(id fuseops.InodeID, f func(fd int) error) error {
	entry := fs.inodes.Get(id)
	if entry == nil {
		return unix.EBADF
	}
	file, err := entry.File()
	if err != nil {
		return err
	}
	defer file.Close()
	return f(file.Fd())
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) (err error) {
	err = fs.inodeFd(op.Parent, func(parentFd int) error {
		return fs.withGuestCreds(ctx, func() error {
			return unix.Mkdirat(parentFd, op.Name, toSyscallMode(op.Mode))
		})
	})
	if err != nil {
		return
	}

	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) MkNode(
	ctx context.Context,
	op *fuseops.MkNodeOp) (err error) {
	mode := toSyscallMode(op.Mode)
	switch {
	case op.Mode&os.ModeNamedPipe != 0:
		mode |= unix.S_IFIFO
	case op.Mode&os.ModeSocket != 0:
		mode |= unix.S_IFSOCK
	case op.Mode&os.ModeDevice != 0:
		// The request surface carries no device number.
		return unix.ENOSYS
	default:
		mode |= unix.S_IFREG
	}

	err = fs.inodeFd(op.Parent, func(parentFd int) error {
		return fs.withGuestCreds(ctx, func() error {
			return unix.Mknodat(parentFd, op.Name, mode, 0)
		})
	})
	if err != nil {
		return
	}

	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) (err error) {
	err = fs.inodeFd(op.Parent, func(parentFd int) error {
		return fs.withGuestCreds(ctx, func() error {
			return unix.Symlinkat(op.Target, parentFd, op.Name)
		})
	})
	if err != nil {
		return
	}

	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) CreateLink(
	ctx context.Context,
	op *fuseops.CreateLinkOp) (err error) {
	target := fs.inodes.Get(op.Target)
	if target == nil {
		return unix.EBADF
	}

	targetFile, err := target.File()
	if err != nil {
		return
	}
	defer targetFile.Close()

	// linkat with AT_EMPTY_PATH needs CAP_DAC_READ_SEARCH; going through
	// the /proc/self/fd symlink does not.
	err = fs.inodeFd(op.Parent, func(parentFd int) error {
		return unix.Linkat(
			int(fs.procSelfFd.Fd()), strconv.Itoa(targetFile.Fd()),
			parentFd, op.Name,
			unix.AT_SYMLINK_FOLLOW)
	})
	if err != nil {
		return
	}

	op.Entry, err = fs.doLookup(op.Parent, op.Name)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) (err error) {
	oldParent := fs.inodes.Get(op.OldParent)
	newParent := fs.inodes.Get(op.NewParent)
	if oldParent == nil || newParent == nil {
		return unix.EBADF
	}

	oldFile, err := oldParent.File()
	if err != nil {
		return
	}
	defer oldFile.Close()

	newFile, err := newParent.File()
	if err != nil {
		return
	}
	defer newFile.Close()

	if err = unix.Renameat2(oldFile.Fd(), op.OldName, newFile.Fd(), op.NewName, 0); err != nil {
		return
	}

	if fs.trackMigrationInfo.Load() {
		// The moved inode's recorded location is now stale. Failing to fix
		// it does not fail the rename; the destination treats the inode as
		// lost per the migration-on-error policy.
		if uerr := fs.updateInodeMigrationInfo(newParent, op.NewName); uerr != nil {
			logger.Warnf(
				"Failed to update renamed file's (%q -> %q) migration info, the migration destination may be unable to find it: %v",
				op.OldName, op.NewName, uerr)
		}
	}

	return
}

// updateInodeMigrationInfo points the migration info of the inode found at
// (parent, filename) to that location. Used after renames while migration
// preparation is active.
func (fs *PassthroughFS) updateInodeMigrationInfo(parent *inode.Entry, filename string) error {
	result, err := fs.tryLookup(parent, filename)
	if err != nil {
		return err
	}
	defer result.discard()

	// Only tracked inodes need their info updated.
	if result.existing == nil {
		return nil
	}

	entry := result.existing.Entry()
	parentRef, err := fs.inodes.GetStrong(parent.ID)
	if err != nil {
		return err
	}

	var serializedHandle *filehandle.Serialized
	if fs.config.MigrationVerifyHandles {
		if serializedHandle, err = entry.Ref.Serialized(); err != nil {
			parentRef.Drop()
			return err
		}
	}

	// The old info's parent reference is dropped outside any store lock.
	old := entry.SetMigrationInfo(inode.NewPathMigrationInfo(parentRef, filename, serializedHandle))
	dropMigrationInfo(old)
	return nil
}

// dropMigrationInfo releases the strong references of a migration info that
// is no longer attached to any stored entry. Store locks must not be held.
func dropMigrationInfo(info *inode.MigrationInfo) {
	if info == nil {
		return
	}
	if info.Location.Parent != nil {
		info.Location.Parent.Drop()
	}
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) (err error) {
	return fs.inodeFd(op.Parent, func(parentFd int) error {
		return unix.Unlinkat(parentFd, op.Name, unix.AT_REMOVEDIR)
	})
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) (err error) {
	return fs.inodeFd(op.Parent, func(parentFd int) error {
		return unix.Unlinkat(parentFd, op.Name, 0)
	})
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	file, err := fs.openInode(op.Inode, unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return
	}

	op.Handle, err = fs.allocateHandle(op.Inode, file, unix.O_RDONLY|unix.O_DIRECTORY, false)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	entry, err := fs.handles.FindIfInodeMatches(op.Handle, op.Inode)
	if err != nil {
		return
	}

	file, err := entry.File()
	if err != nil {
		return
	}

	// The directory stream position is shared kernel state of the fd;
	// exclude concurrent readers while seeking and reading.
	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	if err = hostio.SeekDir(int(file.Fd()), int64(op.Offset)); err != nil {
		return
	}

	// The stream offset at which the next unwritten entry starts; each
	// entry's Off is, per getdents semantics, the offset of its successor.
	resumeOffset := int64(op.Offset)

	buf := make([]byte, len(op.Dst))
	for op.BytesRead < len(op.Dst) {
		entries, rerr := hostio.ReadDirents(int(file.Fd()), buf)
		if rerr != nil {
			if op.BytesRead > 0 {
				// Entries already written are delivered; the error will
				// resurface on the next read.
				return nil
			}
			return rerr
		}
		if len(entries) == 0 {
			return
		}

		for _, de := range entries {
			n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
				Offset: fuseops.DirOffset(de.Off),
				Inode:  fuseops.InodeID(de.Ino),
				Name:   de.Name,
				Type:   convertDirentType(de.Type),
			})
			if n == 0 {
				// Out of space; rewind so the unwritten entries are read
				// again next time.
				return hostio.SeekDir(int(file.Fd()), resumeOffset)
			}
			op.BytesRead += n
			resumeOffset = de.Off
		}
	}
	return
}

func convertDirentType(t uint8) fuseutil.DirentType {
	switch t {
	case unix.DT_DIR:
		return fuseutil.DT_Directory
	case unix.DT_REG:
		return fuseutil.DT_File
	case unix.DT_LNK:
		return fuseutil.DT_Link
	case unix.DT_FIFO:
		return fuseutil.DT_FIFO
	case unix.DT_SOCK:
		return fuseutil.DT_Socket
	case unix.DT_CHR:
		return fuseutil.DT_Char
	case unix.DT_BLK:
		return fuseutil.DT_Block
	default:
		return fuseutil.DT_Unknown
	}
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	return fs.releaseHandle(op.Handle)
}
