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

package hostio

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PinProcSelfFd opens /proc/self/fd once, so that later fd manipulation
// keeps working even if the file system tree we serve has no /proc.
func PinProcSelfFd() (*os.File, error) {
	fd, err := OpenAt(unix.AT_FDCWD, "/proc/self/fd", unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "/proc/self/fd"), nil
}

// PinProcMountinfo opens /proc/self/mountinfo for the mount-fd cache.
func PinProcMountinfo() (*os.File, error) {
	fd, err := OpenAt(unix.AT_FDCWD, "/proc/self/mountinfo", unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "/proc/self/mountinfo"), nil
}

// ReopenThroughProc duplicates fd with new flags by opening its entry in the
// pinned /proc/self/fd directory, e.g. to turn an O_PATH descriptor into one
// usable for I/O. O_NOFOLLOW must be cleared since the proc entry is a
// symlink to the real file.
func ReopenThroughProc(procSelfFd *os.File, fd int, flags int) (*os.File, error) {
	newFd, err := OpenAt(int(procSelfFd.Fd()), strconv.Itoa(fd), flags&^unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(newFd), "<reopened through /proc/self/fd>"), nil
}

// PathByFd looks up the path of fd through the symlink in /proc/self/fd.
func PathByFd(procSelfFd *os.File, fd int) (string, error) {
	buf := make([]byte, unix.PathMax+1)
	n, err := unix.Readlinkat(int(procSelfFd.Fd()), strconv.Itoa(fd), buf)
	if err != nil {
		return "", err
	}
	if n >= len(buf) {
		return "", errors.New("path too long")
	}
	target := string(buf[:n])

	// Pipes, sockets etc. read as "type:[inode]" rather than a path.
	pre, _, _ := strings.Cut(target, "/")
	if strings.Contains(pre, ":") {
		return "", errors.New("not a file")
	}
	if strings.HasSuffix(target, " (deleted)") {
		return "", errors.New("inode deleted")
	}

	return target, nil
}

// ProcFdPath returns the magic-link path of fd under /proc/self/fd, for
// syscalls that need a path but where only an O_PATH fd is held.
func ProcFdPath(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}
