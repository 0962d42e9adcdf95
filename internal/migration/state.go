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

// Package migration defines the serialized filesystem state that travels
// from a migration source to its destination, and the codec that turns it
// into a byte stream. The encoding is the protobuf wire format (written by
// hand over the protowire primitives), so unknown fields are skipped and
// the schema can evolve.
package migration

// State is the outermost object of the stream: a versioned sum type, so an
// incompatible future layout can be added as a new variant while old
// streams keep deserializing.
type State struct {
	V1 *StateV1
}

// StateV1 is the initial stream layout.
type StateV1 struct {
	// All looked-up inodes.
	Inodes []Inode

	// Next free inode ID.
	NextInode uint64

	// All open files.
	Handles []Handle

	// Next free handle ID.
	NextHandle uint64

	// Which options were negotiated with the guest during INIT.
	Negotiated NegotiatedOpts
}

// NegotiatedOpts are the protocol options whose negotiated values must
// survive migration: renegotiating with the guest mid-flight is impossible.
type NegotiatedOpts struct {
	Writeback         bool
	AnnounceSubmounts bool
	PosixAcl          bool
	SupGroupExtension bool
}

// LocationKind discriminates the Location variants.
type LocationKind uint32

const (
	// LocationRoot: the root node gets no serialized location; the
	// destination finds its own configured root.
	LocationRoot LocationKind = iota

	// LocationPath: a filename relative to a parent inode.
	LocationPath

	// LocationFullPath: a filename relative to the shared directory root,
	// with no strong reference to the root.
	LocationFullPath

	// LocationInvalid: the source has deemed the inode unfindable. The
	// destination decides whether to abort or track it as invalid.
	LocationInvalid
)

// Inode is the serialized form of one tracked inode.
type Inode struct {
	// Own inode ID.
	ID uint64

	// Current refcount.
	Refcount uint64

	// How the destination can find this inode.
	Location Location

	// If present, the destination does not open this handle but compares
	// it against the handle of the inode it opened based on Location.
	FileHandle *FileHandle
}

// Location describes where an inode can be found again.
type Location struct {
	Kind LocationKind

	// Parent inode ID, for LocationPath.
	Parent uint64

	// Filename, for LocationPath (relative to Parent) and LocationFullPath
	// (relative to the root).
	Filename string
}

// FileHandle is the portable form of a kernel file handle. Compared
// byte-for-byte on the destination, with the mount ID masked out since
// mount IDs are not portable across hosts.
type FileHandle struct {
	MountID    uint64
	HandleType int32
	Handle     []byte
}

// Handle is the serialized form of one open file: the inode it refers to
// plus the open(2) flags that re-derive it from that inode.
type Handle struct {
	ID        uint64
	Inode     uint64
	OpenFlags int32
}
