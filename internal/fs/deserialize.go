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
	"os"

	"github.com/container-native-fs/interposer/cfg"
	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/handle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/container-native-fs/interposer/internal/migration"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// MigrationAbortError is returned when an incoming migration stream must be
// rejected as a whole: version mismatch, unresolved references, an option
// conflict, or a per-item failure under the abort policy.
type MigrationAbortError struct {
	Cause error
}

func (e *MigrationAbortError) Error() string {
	return fmt.Sprintf("migration aborted: %v", e.Cause)
}

func (e *MigrationAbortError) Unwrap() error {
	return e.Cause
}

func abortMigration(format string, args ...interface{}) error {
	return &MigrationAbortError{Cause: fmt.Errorf(format, args...)}
}

// DeserializeAndApply reads a migration stream and rebuilds the inode and
// handle state it describes, re-opening every inode and handle on this
// host. On failure the filesystem is left unmounted.
func (fs *PassthroughFS) DeserializeAndApply(r io.Reader) (err error) {
	defer func() {
		if err != nil {
			fs.Destroy()
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading migration stream: %w", err)
	}

	state, err := migration.Unmarshal(data)
	if err != nil {
		return abortMigration("decoding migration stream: %v", err)
	}
	v1 := state.V1

	if err = fs.applyNegotiated(v1.Negotiated); err != nil {
		return err
	}

	fs.inodes.Clear()

	// Some inodes depend on their parent being deserialized first; keep
	// scanning the list until a pass makes no progress. Loops cannot occur:
	// every parent chain terminates at the root, whose location has no
	// parent.
	pending := make([]migration.Inode, len(v1.Inodes))
	copy(pending, v1.Inodes)
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); {
			done, derr := fs.deserializeInode(&pending[i])
			if derr != nil {
				return derr
			}
			if done {
				pending[i] = pending[len(pending)-1]
				pending = pending[:len(pending)-1]
				progress = true
			} else {
				i++
			}
		}
		if !progress {
			return abortMigration("unresolved references between serialized inodes")
		}
	}

	fs.nextInode.Store(v1.NextInode)

	// Handles are applied after all inodes, re-opening each one.
	fs.handles.Clear()
	for i := range v1.Handles {
		if err = fs.deserializeHandle(&v1.Handles[i]); err != nil {
			return err
		}
	}

	fs.nextHandle.Store(v1.NextHandle)

	return nil
}

// applyNegotiated re-applies the options the source negotiated with the
// guest. A destination configured without an option cannot have it forced
// on; a source that had an option disabled carries through as disabled,
// because renegotiating with the guest mid-flight is impossible.
func (fs *PassthroughFS) applyNegotiated(opts migration.NegotiatedOpts) error {
	if opts.Writeback && !fs.config.Writeback {
		return abortMigration("migration source wants writeback enabled, but it is disabled on the destination")
	}
	fs.writeback.Store(opts.Writeback)

	if opts.AnnounceSubmounts && !fs.config.AnnounceSubmounts {
		return abortMigration("migration source wants announce-submounts enabled, but it is disabled on the destination")
	}
	fs.announceSubmounts.Store(opts.AnnounceSubmounts)

	if opts.PosixAcl && !fs.config.PosixAcl {
		return abortMigration("migration source wants posix ACLs enabled, but it is disabled on the destination")
	}
	fs.posixAcl.Store(opts.PosixAcl)

	fs.supGroupExtension.Store(opts.SupGroupExtension)

	return nil
}

// deserializeInode restores one inode record. Returns done=false when a
// dependency (the parent, or the root) has not been deserialized yet, so
// the record must be retried in a later pass.
func (fs *PassthroughFS) deserializeInode(in *migration.Inode) (done bool, err error) {
	id := fuseops.InodeID(in.ID)

	switch in.Location.Kind {
	case migration.LocationRoot:
		if id != inode.RootID {
			return false, abortMigration("node with non-root ID (%d) given as root node", in.ID)
		}

		// We open the root ourselves, from our own configuration, and only
		// adopt the refcount from the source. The refcount must be in
		// place before children are deserialized, since each child drops
		// one parent reference.
		if err := fs.openRootNode(); err != nil {
			return false, abortMigration("opening root node: %v", err)
		}
		root := fs.inodes.Get(inode.RootID)
		root.SetRefcount(in.Refcount)

		// A non-matching root file handle is always a hard error; the
		// root cannot be deserialized as invalid.
		if err := fs.checkFileHandle(in, root); err != nil {
			return false, abortMigration("%v", err)
		}
		return true, nil

	case migration.LocationPath:
		if id == inode.RootID {
			return false, abortMigration("refusing to use path given for root node")
		}

		parent := fs.inodes.Get(fuseops.InodeID(in.Location.Parent))
		if parent == nil {
			// Parent not deserialized yet; retry later.
			return false, nil
		}

		entry, err := fs.deserializePath(in, parent)
		if err != nil {
			entry, err = fs.deserializeInvalid(in, err)
			if err != nil {
				return false, err
			}
		} else if herr := fs.checkFileHandle(in, entry); herr != nil {
			discardDeserialized(entry)
			entry, err = fs.deserializeInvalid(in, herr)
			if err != nil {
				return false, err
			}
		}

		if err := fs.inodes.NewInode(entry); err != nil {
			return false, abortMigration("%v", err)
		}

		// The source's serialized refcount for the parent includes one
		// count for this child's location reference. No migration info is
		// being reconstructed here, so release that count.
		fs.inodes.ForgetOne(parent.ID, 1)
		return true, nil

	case migration.LocationFullPath:
		if id == inode.RootID {
			return false, abortMigration("refusing to use path given for root node")
		}

		root := fs.inodes.Get(inode.RootID)
		if root == nil {
			// No root yet; defer until we have it.
			return false, nil
		}

		entry, err := fs.deserializePath(in, root)
		if err != nil {
			entry, err = fs.deserializeInvalid(in, err)
			if err != nil {
				return false, err
			}
		}

		if err := fs.inodes.NewInode(entry); err != nil {
			return false, abortMigration("%v", err)
		}
		return true, nil

	default: // migration.LocationInvalid
		cause := fmt.Errorf("migration source has lost inode %d", in.ID)
		entry, err := fs.deserializeInvalid(in, cause)
		if err != nil {
			return false, err
		}
		if err := fs.inodes.NewInode(entry); err != nil {
			return false, abortMigration("%v", err)
		}
		return true, nil
	}
}

// deserializePath locates an inode by filename under the given parent and
// builds its store entry.
func (fs *PassthroughFS) deserializePath(in *migration.Inode, parent *inode.Entry) (*inode.Entry, error) {
	parentFile, err := parent.File()
	if err != nil {
		return nil, err
	}
	defer parentFile.Close()

	fd, err := hostio.OpenAt(parentFile.Fd(), in.Location.Filename, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q under inode %d: %w", in.Location.Filename, parent.ID, err)
	}
	pathFile := os.NewFile(uintptr(fd), in.Location.Filename)

	st, err := hostio.Statx(fd, "")
	if err != nil {
		_ = pathFile.Close()
		return nil, err
	}

	fh, err := fs.getFileHandleOpt(fd, &st)
	if err != nil {
		_ = pathFile.Close()
		return nil, err
	}

	ref, err := fs.makeRef(pathFile, fh)
	if err != nil {
		return nil, err
	}

	return inode.NewEntry(
		fuseops.InodeID(in.ID),
		ref,
		in.Refcount,
		inode.Ids{Ino: st.Statx.Ino, Dev: st.Dev(), MntID: st.MntID},
		uint32(st.Statx.Mode),
		nil), nil
}

// deserializeInvalid handles inodes that cannot be located: a hard error
// under the abort policy, otherwise an invalid placeholder entry whose
// stored error every later operation returns to the guest.
func (fs *PassthroughFS) deserializeInvalid(in *migration.Inode, cause error) (*inode.Entry, error) {
	if fs.config.MigrationOnError == cfg.MigrationAbort {
		return nil, &MigrationAbortError{Cause: fmt.Errorf("inode %d: %w", in.ID, cause)}
	}

	logger.Warnf("Invalid inode %d indexed: %v", in.ID, cause)
	return inode.NewEntry(
		fuseops.InodeID(in.ID),
		inode.NewInvalidRef(cause),
		in.Refcount,
		inode.Ids{},
		0,
		nil), nil
}

// discardDeserialized disposes of an entry that will not be inserted.
func discardDeserialized(entry *inode.Entry) {
	entry.Ref.Discard()
}

// checkFileHandle compares the reference handle the source embedded (if
// any) against the inode we actually opened, with the mount ID masked out:
// mount IDs are not portable across hosts.
func (fs *PassthroughFS) checkFileHandle(in *migration.Inode, entry *inode.Entry) error {
	if in.FileHandle == nil {
		return nil
	}

	actual, err := entry.Ref.Serialized()
	if err != nil {
		return err
	}

	ref := filehandle.Serialized{
		MntID:      in.FileHandle.MountID,
		HandleType: in.FileHandle.HandleType,
		Bytes:      in.FileHandle.Handle,
	}
	if err := actual.RequireEqualWithoutMountID(&ref); err != nil {
		return fmt.Errorf("inode %d is not the same inode as in the migration source: %w", in.ID, err)
	}
	return nil
}

// deserializeHandle re-opens one handle record against its (already
// deserialized) inode. Under the guest-error policy a failed open installs
// an invalid placeholder handle that surfaces the error to the guest.
func (fs *PassthroughFS) deserializeHandle(h *migration.Handle) error {
	inodeID := fuseops.InodeID(h.Inode)
	entry := fs.inodes.Get(inodeID)
	if entry == nil {
		return abortMigration("inode %d not found", h.Inode)
	}

	info := handle.MigrationInfo{OpenFlags: h.OpenFlags}

	file, err := fs.openInode(inodeID, int(h.OpenFlags))
	if err != nil {
		if path, perr := entry.Path(fs.procSelfFd); perr == nil {
			err = fmt.Errorf("opening inode %d (%s) as handle %d: %w", h.Inode, path, h.ID, err)
		} else {
			err = fmt.Errorf("opening inode %d as handle %d: %w", h.Inode, h.ID, err)
		}

		if fs.config.MigrationOnError == cfg.MigrationAbort {
			return &MigrationAbortError{Cause: err}
		}
		logger.Warnf("Invalid handle %d is open in guest: %v", h.ID, err)
		fs.handles.Insert(fuseops.HandleID(h.ID), handle.NewInvalidEntry(inodeID, err, info))
		return nil
	}

	fs.handles.Insert(fuseops.HandleID(h.ID), handle.NewEntry(inodeID, file, info))
	return nil
}
