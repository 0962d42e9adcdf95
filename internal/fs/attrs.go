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
	"time"

	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

func convertTimestamp(ts unix.StatxTimestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

func convertFileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	case unix.S_IFIFO:
		fm |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		fm |= os.ModeSocket
	case unix.S_IFCHR:
		fm |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		fm |= os.ModeDevice
	}
	if mode&unix.S_ISUID != 0 {
		fm |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		fm |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

func convertAttributes(st *hostio.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Statx.Size,
		Nlink: st.Statx.Nlink,
		Mode:  convertFileMode(uint32(st.Statx.Mode)),
		Atime: convertTimestamp(st.Statx.Atime),
		Mtime: convertTimestamp(st.Statx.Mtime),
		Ctime: convertTimestamp(st.Statx.Ctime),
		Uid:   st.Statx.Uid,
		Gid:   st.Statx.Gid,
	}
}

// doGetattr stats the inode through its descriptor.
func (fs *PassthroughFS) doGetattr(id fuseops.InodeID) (fuseops.InodeAttributes, error) {
	entry := fs.inodes.Get(id)
	if entry == nil {
		return fuseops.InodeAttributes{}, unix.EBADF
	}

	f, err := entry.File()
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	defer f.Close()

	st, err := hostio.Statx(f.Fd(), "")
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	return convertAttributes(&st), nil
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	op.Attributes, err = fs.doGetattr(op.Inode)
	if err != nil {
		return
	}

	op.AttributesExpiration = fs.clock.Now().Add(fs.config.AttrTimeout)
	return
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) (err error) {
	entry := fs.inodes.Get(op.Inode)
	if entry == nil {
		return unix.EBADF
	}

	f, err := entry.File()
	if err != nil {
		return
	}
	defer f.Close()

	// Every change below goes through the /proc/self/fd path of the O_PATH
	// descriptor, except truncation, which needs a writable fd.
	procPath := strconv.Itoa(f.Fd())
	procDirFd := int(fs.procSelfFd.Fd())

	if op.Mode != nil {
		if err = unix.Fchmodat(procDirFd, procPath, toSyscallMode(*op.Mode), 0); err != nil {
			return
		}
	}

	if op.Size != nil {
		var writable *os.File
		writable, err = entry.OpenFile(unix.O_RDWR|unix.O_NONBLOCK, fs.procSelfFd)
		if err != nil {
			return
		}
		err = unix.Ftruncate(int(writable.Fd()), int64(*op.Size))
		_ = writable.Close()
		if err != nil {
			return
		}
	}

	if op.Atime != nil || op.Mtime != nil {
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if op.Atime != nil {
			times[0] = unix.Timespec{Sec: op.Atime.Unix(), Nsec: int64(op.Atime.Nanosecond())}
		}
		if op.Mtime != nil {
			times[1] = unix.Timespec{Sec: op.Mtime.Unix(), Nsec: int64(op.Mtime.Nanosecond())}
		}
		if err = unix.UtimesNanoAt(procDirFd, procPath, times, 0); err != nil {
			return
		}
	}

	op.Attributes, err = fs.doGetattr(op.Inode)
	if err != nil {
		return
	}
	op.AttributesExpiration = fs.clock.Now().Add(fs.config.AttrTimeout)
	return
}

func toSyscallMode(mode os.FileMode) uint32 {
	out := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		out |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		out |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		out |= unix.S_ISVTX
	}
	return out
}

// LOCKS_EXCLUDED(fs.inodes)
func (fs *PassthroughFS) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	entry := fs.inodes.Get(inode.RootID)
	if entry == nil {
		return unix.EBADF
	}

	f, err := entry.File()
	if err != nil {
		return
	}
	defer f.Close()

	var st unix.Statfs_t
	if err = unix.Fstatfs(f.Fd(), &st); err != nil {
		return
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return
}
