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

package inode

import (
	"fmt"
	"os"

	"github.com/container-native-fs/interposer/internal/filehandle"
	"golang.org/x/sys/unix"
)

// Ref is the backing reference of an inode: an O_PATH descriptor, an
// openable file handle, or an invalid placeholder carrying the error that
// made the inode unusable during the preceding migration.
type Ref struct {
	file   *os.File
	handle *filehandle.Openable
	err    error
}

func NewFileRef(f *os.File) Ref {
	return Ref{file: f}
}

func NewHandleRef(o *filehandle.Openable) Ref {
	return Ref{handle: o}
}

func NewInvalidRef(err error) Ref {
	return Ref{err: err}
}

func (r *Ref) IsFile() bool {
	return r.file != nil
}

func (r *Ref) IsHandle() bool {
	return r.handle != nil
}

func (r *Ref) IsInvalid() bool {
	return r.file == nil && r.handle == nil
}

// Openable returns the file handle backing the ref, or nil.
func (r *Ref) Openable() *filehandle.Openable {
	return r.handle
}

// InvalidError returns the stored migration error in user-visible form.
func (r *Ref) InvalidError() error {
	if r.err == nil {
		return fmt.Errorf("inode is invalid because of an error during the preceding migration")
	}
	return fmt.Errorf("inode is invalid because of an error during the preceding migration, which was: %w", r.err)
}

// Serialized derives the portable file handle representation for the
// migration stream: either the stored handle, or one generated on the fly
// from the O_PATH descriptor.
func (r *Ref) Serialized() (*filehandle.Serialized, error) {
	switch {
	case r.handle != nil:
		s := r.handle.Handle().Serialized()
		return &s, nil
	case r.file != nil:
		fh, err := filehandle.FromFdFailHard(int(r.file.Fd()))
		if err != nil {
			return nil, err
		}
		s := fh.Serialized()
		return &s, nil
	default:
		return nil, r.InvalidError()
	}
}

// Discard releases the ref's resources. Only for refs that were never
// installed in a store; stored refs are destroyed by the store on removal.
func (r *Ref) Discard() {
	r.destroy()
}

// destroy releases the resources held by the ref. Only the store calls this,
// when the entry is removed.
func (r *Ref) destroy() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if r.handle != nil {
		r.handle.Release()
		r.handle = nil
	}
}

// InodeFile is an fd usable for an inode, either borrowed from the entry's
// O_PATH descriptor or opened fresh from its file handle. Close is a no-op
// for borrowed files.
type InodeFile struct {
	file  *os.File
	owned bool
}

func (f InodeFile) Fd() int {
	return int(f.file.Fd())
}

func (f InodeFile) Close() {
	if f.owned {
		_ = f.file.Close()
	}
}

// IntoFile converts into a standalone *os.File, duplicating borrowed fds.
func (f InodeFile) IntoFile() (*os.File, error) {
	if f.owned {
		return f.file, nil
	}
	dupped, err := unix.Dup(f.Fd())
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(dupped)
	return os.NewFile(uintptr(dupped), f.file.Name()), nil
}
