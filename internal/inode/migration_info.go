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
	"github.com/container-native-fs/interposer/internal/filehandle"
)

// LocationKind discriminates how the migration destination can find an
// inode.
type LocationKind int

const (
	// LocationRoot marks the shared directory root. The destination finds
	// it on its own, from its own configuration.
	LocationRoot LocationKind = iota

	// LocationPath describes the inode by its parent directory and its
	// filename therein.
	LocationPath

	// LocationFullPath describes the inode by a path relative to the shared
	// directory root, with no strong reference to any parent.
	LocationFullPath

	// LocationInvalid marks an inode the source could no longer find. The
	// destination decides whether to abort or track it as invalid.
	LocationInvalid
)

// Location is the find-this-inode-again description attached to each live
// inode during migration preparation.
type Location struct {
	Kind LocationKind

	// The parent chain is rooted at the shared directory: the root's
	// location is LocationRoot, which has no parent, so cycles cannot form.
	Parent *StrongRef

	// Set for LocationPath (relative to Parent) and LocationFullPath
	// (relative to the root).
	Filename string
}

// MigrationInfo is the per-inode migration state constructed by the
// preparation walk (or at lookup time while preparation is active).
type MigrationInfo struct {
	Location Location

	// The inode's file handle. The destination does not open this handle;
	// it compares it against the handle of the inode it opened based on
	// Location. Only set when handle verification is configured.
	FileHandle *filehandle.Serialized
}

// NewPathMigrationInfo builds migration info locating the inode under the
// given parent. Takes ownership of the parent strong reference.
func NewPathMigrationInfo(parent *StrongRef, filename string, fh *filehandle.Serialized) *MigrationInfo {
	return &MigrationInfo{
		Location: Location{
			Kind:     LocationPath,
			Parent:   parent,
			Filename: filename,
		},
		FileHandle: fh,
	}
}

// NewRootMigrationInfo builds the root node's placeholder info. The
// destination gets no location; it opens its own configured root.
func NewRootMigrationInfo(fh *filehandle.Serialized) *MigrationInfo {
	return &MigrationInfo{
		Location:   Location{Kind: LocationRoot},
		FileHandle: fh,
	}
}

// strongRefs returns the strong references embedded in this info. The
// caller owns disposing of them through the store's drop discipline.
func (m *MigrationInfo) strongRefs() []*StrongRef {
	if m == nil || m.Location.Parent == nil {
		return nil
	}
	return []*StrongRef{m.Location.Parent}
}
