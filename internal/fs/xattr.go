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
	"bytes"
	"context"
	"strings"

	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// Extended attribute syscalls refuse O_PATH descriptors, and opening the
// inode for real is not safe for special files. Going through the magic
// link in /proc/self/fd works for every file type without following any
// guest-controlled symlink.

// blockXattr hides the POSIX ACL attributes while ACLs are not negotiated.
func (fs *PassthroughFS) blockXattr(name string) bool {
	if fs.posixAcl.Load() {
		return false
	}
	return strings.HasPrefix("system.posix_acl_access", name) ||
		strings.HasPrefix("system.posix_acl_default", name)
}

// withXattrPath runs f with a /proc/self/fd path for the inode.
func (fs *PassthroughFS) withXattrPath(id fuseops.InodeID, f func(path string) error) error {
	if !fs.config.EnableXattr {
		return unix.ENOSYS
	}

	entry := fs.inodes.Get(id)
	if entry == nil {
		return unix.EBADF
	}

	file, err := entry.File()
	if err != nil {
		return err
	}
	defer file.Close()

	return f(hostio.ProcFdPath(file.Fd()))
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) GetXattr(
	ctx context.Context,
	op *fuseops.GetXattrOp) (err error) {
	if fs.blockXattr(op.Name) {
		return unix.ENODATA
	}

	return fs.withXattrPath(op.Inode, func(path string) error {
		sz, gerr := unix.Getxattr(path, op.Name, op.Dst)
		if gerr != nil {
			return gerr
		}
		op.BytesRead = sz
		if len(op.Dst) != 0 && sz > len(op.Dst) {
			return unix.ERANGE
		}
		return nil
	})
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) ListXattr(
	ctx context.Context,
	op *fuseops.ListXattrOp) (err error) {
	return fs.withXattrPath(op.Inode, func(path string) error {
		if len(op.Dst) == 0 {
			// Size query. The unfiltered size is an upper bound; the
			// kernel retries with a buffer of that size.
			sz, lerr := unix.Listxattr(path, nil)
			if lerr != nil {
				return lerr
			}
			op.BytesRead = sz
			return nil
		}

		buf := make([]byte, len(op.Dst))
		sz, lerr := unix.Listxattr(path, buf)
		if lerr != nil {
			return lerr
		}

		// Drop blocked names from the reply.
		for _, name := range bytes.Split(buf[:sz], []byte{0}) {
			if len(name) == 0 || fs.blockXattr(string(name)) {
				continue
			}
			if op.BytesRead+len(name)+1 > len(op.Dst) {
				return unix.ERANGE
			}
			copy(op.Dst[op.BytesRead:], name)
			op.BytesRead += len(name)
			op.Dst[op.BytesRead] = 0
			op.BytesRead++
		}
		return nil
	})
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) SetXattr(
	ctx context.Context,
	op *fuseops.SetXattrOp) (err error) {
	if fs.blockXattr(op.Name) {
		return unix.ENOTSUP
	}

	return fs.withXattrPath(op.Inode, func(path string) error {
		return unix.Setxattr(path, op.Name, op.Value, int(op.Flags))
	})
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) RemoveXattr(
	ctx context.Context,
	op *fuseops.RemoveXattrOp) (err error) {
	if fs.blockXattr(op.Name) {
		return unix.ENOTSUP
	}

	return fs.withXattrPath(op.Inode, func(path string) error {
		return unix.Removexattr(path, op.Name)
	})
}
