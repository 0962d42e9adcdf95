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

package filehandle

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/logger"
	"golang.org/x/sys/unix"
)

// ReopenFunc upgrades an O_PATH fd to one opened with the given flags,
// typically by going through /proc/self/fd.
type ReopenFunc func(fd int, flags int) (*os.File, error)

// MountFds caches one open descriptor per mount ID so file handles on that
// mount stay openable. Entries are reference-counted by the outstanding
// openable handles and dropped when the last one goes away, so a rarely
// used mount does not pin its fd forever.
type MountFds struct {
	// The pinned /proc/self/mountinfo stream, re-scanned from the start on
	// every cache miss.
	mountinfo *os.File

	// A prefix to strip from mount points listed in mountinfo, for when the
	// server sees the mounts under a relocated root.
	mountPrefix string

	mu  sync.Mutex
	fds map[uint64]*mountRecord

	// Mount IDs for which a "file handles are not supported here" warning
	// has already been emitted, to suppress duplicates.
	warned map[uint64]bool
}

type mountRecord struct {
	file *os.File
	refs int
}

// MountRef is one counted reference to a cached per-mount fd.
type MountRef struct {
	cache *MountFds
	mntID uint64
	fd    int
	done  bool
}

// Fd returns the cached descriptor on the referenced mount.
func (r *MountRef) Fd() int {
	return r.fd
}

func (r *MountRef) release() {
	if r.done {
		return
	}
	r.done = true
	r.cache.put(r.mntID)
}

func NewMountFds(mountinfo *os.File, mountPrefix string) *MountFds {
	return &MountFds{
		mountinfo:   mountinfo,
		mountPrefix: mountPrefix,
		fds:         make(map[uint64]*mountRecord),
		warned:      make(map[uint64]bool),
	}
}

// Get returns a counted reference to a descriptor on the given mount,
// resolving and opening the mount point on a cache miss.
func (c *MountFds) Get(mntID uint64, reopen ReopenFunc) (*MountRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.fds[mntID]; ok {
		rec.refs++
		return &MountRef{cache: c, mntID: mntID, fd: int(rec.file.Fd())}, nil
	}

	mountPoint, err := c.mountPointForID(mntID)
	if err != nil {
		return nil, err
	}

	// An O_PATH fd is the safest way to open an arbitrary mount point, but
	// open_by_handle_at() refuses O_PATH fds, so upgrade it through
	// /proc/self/fd.
	pathFd, err := hostio.OpenAt(unix.AT_FDCWD, mountPoint, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening mount point %q for mount ID %d: %w", mountPoint, mntID, err)
	}
	file, err := reopen(pathFd, unix.O_RDONLY|unix.O_DIRECTORY)
	_ = unix.Close(pathFd)
	if err != nil {
		return nil, fmt.Errorf("reopening mount point %q for mount ID %d: %w", mountPoint, mntID, err)
	}

	// Verify we actually landed on the requested mount; the mount table may
	// have changed between the statx that produced mntID and now.
	st, err := hostio.Statx(int(file.Fd()), "")
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if st.MntID != mntID {
		_ = file.Close()
		return nil, fmt.Errorf("mount point %q no longer belongs to mount ID %d", mountPoint, mntID)
	}

	c.fds[mntID] = &mountRecord{file: file, refs: 1}
	return &MountRef{cache: c, mntID: mntID, fd: int(file.Fd())}, nil
}

func (c *MountFds) put(mntID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.fds[mntID]
	if !ok {
		return
	}
	rec.refs--
	if rec.refs <= 0 {
		_ = rec.file.Close()
		delete(c.fds, mntID)
	}
}

// WarnNoHandleSupport logs, once per mount, that file handles do not work on
// the given mount.
func (c *MountFds) WarnNoHandleSupport(mntID uint64, detail string) {
	c.mu.Lock()
	already := c.warned[mntID]
	c.warned[mntID] = true
	c.mu.Unlock()

	if !already {
		logger.Warnf("mount ID %d: %s", mntID, detail)
	}
}

// mountPointForID scans the pinned mountinfo stream for the mount point of
// the given mount ID. Caller holds c.mu.
func (c *MountFds) mountPointForID(mntID uint64) (string, error) {
	if _, err := c.mountinfo.Seek(0, 0); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(c.mountinfo)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountinfo(5): mount ID is field 1, mount point is field 5.
		if len(fields) < 5 {
			continue
		}
		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil || id != mntID {
			continue
		}
		mountPoint := unescapeMountPath(fields[4])
		if c.mountPrefix != "" {
			mountPoint = strings.TrimPrefix(mountPoint, c.mountPrefix)
			if mountPoint == "" {
				mountPoint = "/"
			}
		}
		return mountPoint, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("mount ID %d not found in mountinfo", mntID)
}

// unescapeMountPath reverses the octal escaping (\040 for space etc.) the
// kernel applies to mountinfo paths.
func unescapeMountPath(path string) string {
	if !strings.ContainsRune(path, '\\') {
		return path
	}

	var out strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			if v, err := strconv.ParseUint(path[i+1:i+4], 8, 8); err == nil {
				out.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		out.WriteByte(path[i])
	}
	return out.String()
}
