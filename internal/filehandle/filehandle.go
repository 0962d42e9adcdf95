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

// Package filehandle obtains kernel file handles for inodes and reopens
// inodes from them. A file handle is a mount-scoped opaque byte string;
// holding one plus any open fd on the same mount is enough to reopen the
// inode, which lets the server track far more inodes than it could hold
// O_PATH descriptors for.
package filehandle

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// MaxHandleSize mirrors MAX_HANDLE_SZ: handles larger than this are treated
// as if the filesystem did not support handles at all.
const MaxHandleSize = 128

// FileHandle is a kernel-provided handle plus the ID of the mount it is
// scoped to. The byte slice is never mutated after construction.
type FileHandle struct {
	MntID      uint64
	HandleType int32
	Bytes      []byte
}

// FromNameAtFailHard obtains a file handle for name relative to dirFd. In
// contrast to FromNameAt, this always returns a handle or an error.
func FromNameAtFailHard(dirFd int, name string) (*FileHandle, error) {
	flags := 0
	if name == "" {
		flags = unix.AT_EMPTY_PATH
	}
	h, mountID, err := unix.NameToHandleAt(dirFd, name, flags)
	if err != nil {
		return nil, err
	}
	if h.Size() > MaxHandleSize {
		return nil, unix.EOVERFLOW
	}
	return &FileHandle{
		MntID:      uint64(mountID),
		HandleType: h.Type(),
		Bytes:      append([]byte(nil), h.Bytes()...),
	}, nil
}

// FromNameAt obtains a file handle for name relative to dirFd.
//
// Returns (nil, nil) if no handle can be generated for this file: either
// because the filesystem does not support it, or because it would need a
// larger handle than we store. Both are permanent per-filesystem conditions,
// not intermittent failures. All other errors propagate.
func FromNameAt(dirFd int, name string) (*FileHandle, error) {
	h, err := FromNameAtFailHard(dirFd, name)
	switch err {
	case nil:
		return h, nil
	case unix.EOPNOTSUPP, unix.EOVERFLOW:
		return nil, nil
	default:
		return nil, err
	}
}

// FromFdFailHard obtains a file handle for fd itself.
func FromFdFailHard(fd int) (*FileHandle, error) {
	return FromNameAtFailHard(fd, "")
}

// FromFd obtains a file handle for fd itself, with the same optional
// interface as FromNameAt.
func FromFd(fd int) (*FileHandle, error) {
	return FromNameAt(fd, "")
}

// Key returns a map key identifying the handle, including the mount ID.
func (h *FileHandle) Key() string {
	return fmt.Sprintf("%d/%d/%s", h.MntID, h.HandleType, h.Bytes)
}

// Serialized returns the portable representation of the handle used in the
// migration stream.
func (h *FileHandle) Serialized() Serialized {
	return Serialized{
		MntID:      h.MntID,
		HandleType: h.HandleType,
		Bytes:      append([]byte(nil), h.Bytes...),
	}
}

// ToOpenable returns an openable copy of the handle by ensuring that the
// cache holds a usable fd for the handle's mount. The reopen callback
// upgrades an O_PATH mount-point fd to one accepted by open_by_handle_at.
func (h *FileHandle) ToOpenable(mountFds *MountFds, reopen ReopenFunc) (*Openable, error) {
	ref, err := mountFds.Get(h.MntID, reopen)
	if err != nil {
		return nil, err
	}
	return &Openable{
		handle: &FileHandle{
			MntID:      h.MntID,
			HandleType: h.HandleType,
			Bytes:      append([]byte(nil), h.Bytes...),
		},
		mountFd: ref,
	}, nil
}

// Openable is a file handle bound to a per-mount fd, i.e. one that can
// actually be opened. It holds a reference into the mount-fd cache which
// must be dropped with Release when the openable handle is discarded.
type Openable struct {
	handle  *FileHandle
	mountFd *MountRef
}

// Handle returns the underlying file handle.
func (o *Openable) Handle() *FileHandle {
	return o.handle
}

// Open opens the inode behind the handle with the given open(2) flags.
func (o *Openable) Open(flags int) (*os.File, error) {
	fh := unix.NewFileHandle(o.handle.HandleType, o.handle.Bytes)
	fd, err := unix.OpenByHandleAt(o.mountFd.Fd(), fh, flags|unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "<file handle>"), nil
}

// Release drops the cache reference keeping the per-mount fd alive.
func (o *Openable) Release() {
	if o.mountFd != nil {
		o.mountFd.release()
		o.mountFd = nil
	}
}

// Serialized is the byte-for-byte portable form of a file handle as embedded
// in the migration stream.
type Serialized struct {
	MntID      uint64
	HandleType int32
	Bytes      []byte
}

// RequireEqualWithoutMountID compares two serialized handles, disregarding
// the mount ID: the same physical filesystem usually carries a different
// mount ID on the migration destination.
func (s *Serialized) RequireEqualWithoutMountID(other *Serialized) error {
	if s.HandleType != other.HandleType {
		return fmt.Errorf("file handle type differs: 0x%x != 0x%x", s.HandleType, other.HandleType)
	}
	if string(s.Bytes) != string(other.Bytes) {
		var description strings.Builder
		description.WriteString("file handle differs:")
		for _, b := range s.Bytes {
			fmt.Fprintf(&description, " %02x", b)
		}
		description.WriteString(" !=")
		for _, b := range other.Bytes {
			fmt.Fprintf(&description, " %02x", b)
		}
		return fmt.Errorf("%s", description.String())
	}
	return nil
}

// RequireEqual compares two serialized handles including the mount ID.
func (s *Serialized) RequireEqual(other *Serialized) error {
	if s.MntID != other.MntID {
		return fmt.Errorf("file handle mount ID differs: %d != %d", s.MntID, other.MntID)
	}
	return s.RequireEqualWithoutMountID(other)
}
