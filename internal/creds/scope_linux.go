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

package creds

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unchanged is the uid_t/gid_t value that leaves a credential untouched in
// setresuid/setresgid.
const unchanged = ^uintptr(0)

// Scope represents per-thread effective credentials installed for the
// duration of one or a few syscalls. The calling goroutine is pinned to its
// OS thread until Restore is called, because the raw syscalls below
// deliberately bypass the Go runtime's all-threads credential broadcast.
type Scope struct {
	origEuid int
	origEgid int
	supSet   bool
	done     bool
}

// Switch installs the given effective uid/gid (and, when enabled and
// supplied, a single supplementary group) on the current thread only.
// Callers must call Restore on the returned scope on every exit path.
func Switch(c RequestCreds, supGroupExtension bool) (*Scope, error) {
	s := &Scope{
		origEuid: unix.Geteuid(),
		origEgid: unix.Getegid(),
	}

	runtime.LockOSThread()

	if err := setResGid(int(c.Gid)); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("setting effective gid %d: %w", c.Gid, err)
	}

	if supGroupExtension && c.SupGid != nil {
		if err := setSupGroup(int(*c.SupGid)); err != nil {
			_ = setResGid(s.origEgid)
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("setting supplementary group %d: %w", *c.SupGid, err)
		}
		s.supSet = true
	}

	if err := setResUid(int(c.Uid)); err != nil {
		if s.supSet {
			_ = dropSupGroups()
		}
		_ = setResGid(s.origEgid)
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("setting effective uid %d: %w", c.Uid, err)
	}

	return s, nil
}

// Restore reinstates the original credentials and unpins the thread. If
// restoration fails the thread is left pinned, so the runtime destroys it
// when the current goroutine exits instead of reusing it with the wrong
// credentials.
func (s *Scope) Restore() error {
	if s == nil || s.done {
		return nil
	}
	s.done = true

	if err := setResUid(s.origEuid); err != nil {
		return fmt.Errorf("restoring effective uid: %w", err)
	}
	if s.supSet {
		if err := dropSupGroups(); err != nil {
			return fmt.Errorf("dropping supplementary groups: %w", err)
		}
	}
	if err := setResGid(s.origEgid); err != nil {
		return fmt.Errorf("restoring effective gid: %w", err)
	}

	runtime.UnlockOSThread()
	return nil
}

// The raw syscalls below act on the calling thread only. The libc wrappers
// (and Go's syscall package since 1.16) broadcast credential changes to all
// threads of the process, which must not happen here.

func setResUid(euid int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_SETRESUID, unchanged, uintptr(euid), unchanged)
	if errno != 0 {
		return errno
	}
	return nil
}

func setResGid(egid int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_SETRESGID, unchanged, uintptr(egid), unchanged)
	if errno != 0 {
		return errno
	}
	return nil
}

func setSupGroup(gid int) error {
	group := uint32(gid)
	_, _, errno := unix.RawSyscall(unix.SYS_SETGROUPS, 1, uintptr(unsafe.Pointer(&group)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func dropSupGroups() error {
	_, _, errno := unix.RawSyscall(unix.SYS_SETGROUPS, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
