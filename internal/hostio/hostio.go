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

// Package hostio wraps the host syscalls the server is built on: relative
// opens (openat/openat2), statx with mount IDs, raw directory entry streams,
// and fd manipulation through the pinned /proc/self/fd directory.
package hostio

import (
	"golang.org/x/sys/unix"
)

// OsFacts holds feature probes performed once at startup.
type OsFacts struct {
	// Whether the running kernel supports openat2(2). Probed with an open
	// of the current directory; ENOSYS means no support.
	HasOpenat2 bool
}

func ProbeOsFacts() OsFacts {
	fd, err := unix.Openat2(unix.AT_FDCWD, ".", &unix.OpenHow{
		Flags: unix.O_PATH | unix.O_CLOEXEC,
	})
	if err == nil {
		_ = unix.Close(fd)
	}
	return OsFacts{HasOpenat2: err != unix.ENOSYS}
}

// OpenAt is a thin wrapper around openat(2). The returned fd has O_CLOEXEC
// set.
func OpenAt(dirFd int, name string, flags int, mode uint32) (int, error) {
	fd, err := unix.Openat(dirFd, name, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// OpenBeneath opens name relative to dirFd with openat2(2), constraining
// resolution to stay within dirFd and refusing magic links. Callers fall
// back to OpenAt with O_NOFOLLOW on kernels without openat2.
func OpenBeneath(dirFd int, name string, flags int, mode uint32) (int, error) {
	how := &unix.OpenHow{
		Flags:   uint64(flags | unix.O_CLOEXEC),
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS,
	}
	for {
		fd, err := unix.Openat2(dirFd, name, how)
		switch err {
		case nil:
			return fd, nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return -1, err
		}
	}
}
