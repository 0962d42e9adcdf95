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
	"fmt"
	"io"
	"strings"

	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/handle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/container-native-fs/interposer/internal/migration"
	"github.com/jacobsa/fuse/fuseops"
)

// Serialize turns the inode and handle state into the versioned migration
// stream and writes it to w. PrepareSerialization must have run: every live
// inode needs its migration info set (the root always has its own).
//
// Inodes whose migration info cannot be turned into a location are emitted
// as invalid, so the destination can decide whether to abort.
func (fs *PassthroughFS) Serialize(w io.Writer) error {
	fs.trackMigrationInfo.Store(false)

	v1, err := fs.buildSerializedState()
	if err != nil {
		return err
	}
	fs.inodes.ClearMigrationInfo()

	data, err := migration.Marshal(&migration.State{V1: v1})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (fs *PassthroughFS) buildSerializedState() (*migration.StateV1, error) {
	v1 := &migration.StateV1{
		NextInode:  fs.nextInode.Load(),
		NextHandle: fs.nextHandle.Load(),
		Negotiated: migration.NegotiatedOpts{
			Writeback:         fs.writeback.Load(),
			AnnounceSubmounts: fs.announceSubmounts.Load(),
			PosixAcl:          fs.posixAcl.Load(),
			SupGroupExtension: fs.supGroupExtension.Load(),
		},
	}

	sharedDir := fs.inodes.Get(inode.RootID)
	if sharedDir == nil {
		// Unmounted. That is fine, but then nothing else may be live
		// either.
		if !fs.inodes.IsEmpty() {
			return nil, fmt.Errorf("root node (shared directory) not in inode store")
		}
	} else {
		sharedDirPath, pathErr := sharedDir.Path(fs.procSelfFd)

		// Parent references are serialized as raw weak IDs. That is safe
		// because the whole store stays held until serialization finishes,
		// so every parent's strong refcount outlives the weak reference.
		fs.inodes.Map(func(e *inode.Entry) {
			rec, err := fs.serializeInode(e, sharedDir, sharedDirPath, pathErr)
			if err != nil {
				logger.Warnf(
					"Failed to serialize inode %d (st_dev=%d, mnt_id=%d, st_ino=%d): %v; marking as invalid",
					e.ID, e.Ids.Dev, e.Ids.MntID, e.Ids.Ino, err)
				rec = migration.Inode{
					ID:       uint64(e.ID),
					Refcount: e.Refcount(),
					Location: migration.Location{Kind: migration.LocationInvalid},
				}
			}
			v1.Inodes = append(v1.Inodes, rec)
		})
	}

	// Invalid handles (ones this instance failed to open on a prior
	// incoming migration) serialize like any other: the recorded open
	// instructions still let the next destination retry.
	fs.handles.MapAll(func(id fuseops.HandleID, e *handle.Entry) {
		v1.Handles = append(v1.Handles, migration.Handle{
			ID:        uint64(id),
			Inode:     uint64(e.Inode),
			OpenFlags: e.MigrationInfo.OpenFlags,
		})
	})

	return v1, nil
}

// serializeInode builds the stream record for one inode. Runs under the
// store's read lock (via Map), so it must not create or drop strong
// references.
func (fs *PassthroughFS) serializeInode(e *inode.Entry, sharedDir *inode.Entry, sharedDirPath string, sharedDirPathErr error) (migration.Inode, error) {
	// Invalid inodes (from a prior failed in-migration) are not special-
	// cased: they normally have no migration info and so serialize as
	// invalid below, but if they do have one, forward it.
	info := e.MigrationInfo()
	if info == nil {
		return migration.Inode{}, fmt.Errorf("failed to reconstruct inode location")
	}

	// The root node, and only the root node, has the root placeholder.
	if (e.ID == inode.RootID) != (info.Location.Kind == inode.LocationRoot) {
		return migration.Inode{}, fmt.Errorf("inconsistent root location for inode %d", e.ID)
	}

	rec := migration.Inode{
		ID:       uint64(e.ID),
		Refcount: e.Refcount(),
	}

	switch info.Location.Kind {
	case inode.LocationRoot:
		rec.Location = migration.Location{Kind: migration.LocationRoot}

	case inode.LocationPath:
		parent := info.Location.Parent.Entry()
		filename := info.Location.Filename

		if fs.config.MigrationConfirmPaths {
			if err := fs.checkPresence(e, info, parent, filename); err != nil {
				logger.Warnf("Lost inode %d (former location: %s): %v; looking it up through /proc/self/fd", e.ID, filename, err)

				fullPath, ferr := fs.pathFromProcSelfFd(e, info, sharedDir, sharedDirPath, sharedDirPathErr)
				if ferr != nil {
					return migration.Inode{}, fmt.Errorf("failed to get path from /proc/self/fd: %w", ferr)
				}
				logger.Infof("Found inode %d: %s", e.ID, fullPath)
				rec.Location = migration.Location{Kind: migration.LocationFullPath, Filename: fullPath}
				break
			}
		}

		rec.Location = migration.Location{
			Kind:     migration.LocationPath,
			Parent:   uint64(info.Location.Parent.ID()),
			Filename: filename,
		}

	default:
		rec.Location = migration.Location{Kind: migration.LocationInvalid}
	}

	if fs.config.MigrationVerifyHandles {
		// The handle was prepared during preserialization; serialization
		// itself should not be doing this I/O.
		if info.FileHandle == nil {
			return migration.Inode{}, fmt.Errorf("no prepared file handle found")
		}
		rec.FileHandle = &migration.FileHandle{
			MountID:    info.FileHandle.MntID,
			HandleType: info.FileHandle.HandleType,
			Handle:     append([]byte(nil), info.FileHandle.Bytes...),
		}
	}

	return rec, nil
}

// checkPresence verifies that the given inode can still be found at
// (parent, filename).
func (fs *PassthroughFS) checkPresence(e *inode.Entry, info *inode.MigrationInfo, parent *inode.Entry, filename string) error {
	parentFile, err := parent.File()
	if err != nil {
		return err
	}
	defer parentFile.Close()

	st, err := hostio.Statx(parentFile.Fd(), filename)
	if err != nil {
		return err
	}

	if st.Dev() != e.Ids.Dev {
		return fmt.Errorf("device ID differs: expected %d, found %d", e.Ids.Dev, st.Dev())
	}

	// Prefer checking by file handle, which detects inode number reuse.
	// Use the prepared handle if there is one, else try to generate one,
	// falling back to the inode number if that fails.
	ref := info.FileHandle
	if ref == nil {
		if generated, err := e.Ref.Serialized(); err == nil {
			ref = generated
		}
	}

	if ref != nil {
		// Failing to get a handle for filename when we have one for the
		// inode probably means it is a different inode; be cautious.
		actual, err := filehandle.FromNameAtFailHard(parentFile.Fd(), filename)
		if err != nil {
			return fmt.Errorf("failed to generate file handle: %w", err)
		}
		actualSerialized := actual.Serialized()
		// A file handle can appear under two different mount IDs for the
		// same device, and the device was already checked.
		return ref.RequireEqualWithoutMountID(&actualSerialized)
	}

	if st.Statx.Ino != e.Ids.Ino {
		return fmt.Errorf("inode ID differs: expected %d, found %d", e.Ids.Ino, st.Statx.Ino)
	}
	return nil
}

// pathFromProcSelfFd retrieves the inode's path relative to the shared
// directory from /proc/self/fd, confirming the inode is actually there.
func (fs *PassthroughFS) pathFromProcSelfFd(e *inode.Entry, info *inode.MigrationInfo, sharedDir *inode.Entry, sharedDirPath string, sharedDirPathErr error) (string, error) {
	path, err := e.Path(fs.procSelfFd)
	if err != nil {
		return "", err
	}

	if sharedDirPathErr != nil {
		return "", fmt.Errorf("shared directory path unknown: %w", sharedDirPathErr)
	}

	relative, ok := strings.CutPrefix(path, sharedDirPath)
	if !ok {
		return "", fmt.Errorf("path %q is outside the shared directory (%q)", path, sharedDirPath)
	}
	relative = strings.TrimLeft(relative, "/")

	if err := fs.checkPresence(e, info, sharedDir, relative); err != nil {
		return "", fmt.Errorf("inode not found at %q: %w", path, err)
	}

	return relative, nil
}
