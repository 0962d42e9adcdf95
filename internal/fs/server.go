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

// Package fs implements the passthrough filesystem surface: every guest
// operation, applied to the contents of a host directory through the inode
// store and handle table, with enough bookkeeping that the whole in-memory
// state can be serialized for live migration and rebuilt on another host.
package fs

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/container-native-fs/interposer/cfg"
	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/handle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

type ServerConfig struct {
	// A clock used for attribute and entry expiration times.
	Clock timeutil.Clock

	// The host directory exposed as the filesystem root.
	SharedDir string

	// How long the kernel may cache entries and attributes.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// Whether writeback caching may be negotiated. Requires exclusive
	// access to the shared directory.
	Writeback bool

	// Whether submount crossings should be announced when negotiated.
	AnnounceSubmounts bool

	// Whether POSIX ACLs may be negotiated.
	PosixAcl bool

	// Whether extended attributes are served at all.
	EnableXattr bool

	// Honor O_DIRECT from the guest instead of filtering it out.
	AllowDirectIo bool

	// Keep O_NOATIME from the guest instead of filtering it out.
	PreserveNoatime bool

	// How inodes are referenced between operations. Prefer and mandatory
	// bound fd usage by storing reopenable file handles instead of O_PATH
	// descriptors.
	InodeFileHandles cfg.FileHandlesMode

	// A prefix to strip from mount points listed in mountinfo.
	MountinfoPrefix string

	// Migration policies.
	MigrationOnError       cfg.MigrationOnError
	MigrationVerifyHandles bool
	MigrationConfirmPaths  bool
	MigrationMode          cfg.MigrationMode

	// Optional pre-opened descriptors, for when the sandbox hides /proc.
	ProcSelfFd    *os.File
	ProcMountinfo *os.File
}

// OptionFlags is the set of protocol options that are subject to
// negotiation with the guest kernel. The mount glue passes the capable set
// to Init; the enabled subset must survive migration.
type OptionFlags uint32

const (
	CapWritebackCache OptionFlags = 1 << iota
	CapSubmounts
	CapPosixAcl
	CapSupplementaryGroups
)

func (f OptionFlags) Contains(other OptionFlags) bool {
	return f&other == other
}

// PassthroughFS is the filesystem server. Its exported migration API
// (PrepareSerialization, Serialize, DeserializeAndApply) runs next to the
// regular operation surface.
type PassthroughFS struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	// One fd per mount we have touched, so file handles stay openable.
	// Nil when file handles are disabled.
	mountFds *filehandle.MountFds

	// Pinned /proc/self/fd, for reopening O_PATH descriptors.
	procSelfFd *os.File

	/////////////////////////
	// Constant data
	/////////////////////////

	config  ServerConfig
	osFacts hostio.OsFacts

	/////////////////////////
	// Mutable state
	/////////////////////////

	inodes    *inode.Store
	nextInode atomic.Uint64

	handles    *handle.Table
	nextHandle atomic.Uint64

	// Options negotiated with the guest. Atomic booleans: read on every
	// operation, written by Init, Destroy, and incoming migration.
	writeback         atomic.Bool
	announceSubmounts atomic.Bool
	posixAcl          atomic.Bool
	supGroupExtension atomic.Bool

	// Whether migration preparation is active, so operations that create
	// or move inodes must keep migration info up to date.
	trackMigrationInfo atomic.Bool
}

// New creates a passthrough filesystem server for the given configuration.
// The filesystem is not mounted until Init is called.
func New(config *ServerConfig) (*PassthroughFS, error) {
	if config.SharedDir == "" {
		return nil, fmt.Errorf("no shared directory configured")
	}

	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	procSelfFd := config.ProcSelfFd
	if procSelfFd == nil {
		var err error
		procSelfFd, err = hostio.PinProcSelfFd()
		if err != nil {
			return nil, fmt.Errorf("pinning /proc/self/fd: %w", err)
		}
	}

	fs := &PassthroughFS{
		clock:      clock,
		procSelfFd: procSelfFd,
		config:     *config,
		osFacts:    hostio.ProbeOsFacts(),
		inodes:     inode.NewStore(),
		handles:    handle.NewTable(),
	}
	fs.nextInode.Store(uint64(inode.RootID) + 1)

	if fs.config.InodeFileHandles != cfg.FileHandlesNever {
		mountinfo := config.ProcMountinfo
		if mountinfo == nil {
			var err error
			mountinfo, err = hostio.PinProcMountinfo()
			if err != nil {
				return nil, fmt.Errorf("pinning /proc/self/mountinfo: %w", err)
			}
		}
		fs.mountFds = filehandle.NewMountFds(mountinfo, fs.config.MountinfoPrefix)

		if err := fs.checkWorkingFileHandles(); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

// Server wraps the filesystem for the FUSE session loop.
func (fs *PassthroughFS) Server() fuse.Server {
	return fuseutil.NewFileSystemServer(fs)
}

// Init negotiates protocol options against the given capable set and mounts
// the shared directory root. Prior state is force-wiped first, so a guest
// that skipped DESTROY before re-mounting is tolerated.
func (fs *PassthroughFS) Init(capable OptionFlags) (OptionFlags, error) {
	fs.Destroy()

	if err := fs.openRootNode(); err != nil {
		return 0, err
	}

	var enabled OptionFlags
	if fs.config.Writeback && capable.Contains(CapWritebackCache) {
		enabled |= CapWritebackCache
		fs.writeback.Store(true)
	}
	if fs.config.AnnounceSubmounts {
		if capable.Contains(CapSubmounts) {
			enabled |= CapSubmounts
			fs.announceSubmounts.Store(true)
		} else {
			logger.Warnf("Cannot announce submounts, client does not support it")
		}
	}
	if fs.config.PosixAcl {
		if !capable.Contains(CapPosixAcl) {
			logger.Errorf("Cannot enable posix ACLs, client does not support it")
			return 0, unix.EPROTO
		}
		enabled |= CapPosixAcl
		fs.posixAcl.Store(true)
	}
	if capable.Contains(CapSupplementaryGroups) {
		enabled |= CapSupplementaryGroups
		fs.supGroupExtension.Store(true)
	}

	return enabled, nil
}

// Destroy clears both tables and resets every negotiated option. Idempotent.
func (fs *PassthroughFS) Destroy() {
	fs.handles.Clear()
	fs.inodes.Clear()
	fs.writeback.Store(false)
	fs.announceSubmounts.Store(false)
	fs.posixAcl.Store(false)
	fs.supGroupExtension.Store(false)
}

// openRootNode opens the configured shared directory and installs it as the
// root inode. The root always keeps its migration info set, so whenever the
// filesystem is mounted the root can be serialized.
func (fs *PassthroughFS) openRootNode() error {
	fd, err := hostio.OpenAt(unix.AT_FDCWD, fs.config.SharedDir, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fmt.Errorf("opening shared directory %q: %w", fs.config.SharedDir, err)
	}
	pathFile := os.NewFile(uintptr(fd), fs.config.SharedDir)

	st, err := hostio.Statx(fd, "")
	if err != nil {
		_ = pathFile.Close()
		return err
	}

	fh, err := fs.getFileHandleOpt(fd, &st)
	if err != nil {
		_ = pathFile.Close()
		return err
	}

	ref, err := fs.makeRef(pathFile, fh)
	if err != nil {
		return err
	}

	var serializedHandle *filehandle.Serialized
	if fs.config.MigrationVerifyHandles {
		serializedHandle, err = ref.Serialized()
		if err != nil {
			logger.Warnf("Failed to construct migration information for the root node: %v; may not be able to migrate", err)
			serializedHandle = nil
		}
	}

	// Root starts with a refcount of 2, following libfuse.
	entry := inode.NewEntry(
		inode.RootID,
		ref,
		2,
		inode.Ids{Ino: st.Statx.Ino, Dev: st.Dev(), MntID: st.MntID},
		uint32(st.Statx.Mode),
		inode.NewRootMigrationInfo(serializedHandle))

	return fs.inodes.NewInode(entry)
}

// makeRef wraps a freshly opened O_PATH file, or the file handle that
// replaces it, into an inode backing reference. On the handle path the
// O_PATH file is closed.
func (fs *PassthroughFS) makeRef(pathFile *os.File, fh *filehandle.FileHandle) (inode.Ref, error) {
	if fh == nil {
		return inode.NewFileRef(pathFile), nil
	}

	openable, err := fs.makeOpenable(fh)
	if err != nil {
		_ = pathFile.Close()
		return inode.Ref{}, err
	}
	_ = pathFile.Close()
	return inode.NewHandleRef(openable), nil
}

// getFileHandleOpt generates a file handle for fd according to the
// configured mode:
//
//   - never: always (nil, nil).
//   - prefer: (nil, nil) when the filesystem does not support handles,
//     otherwise the handle or the error.
//   - mandatory: never (nil, nil); unsupported filesystems are an error.
//
// Missing support is logged once per filesystem.
func (fs *PassthroughFS) getFileHandleOpt(fd int, st *hostio.Stat) (*filehandle.FileHandle, error) {
	if fs.config.InodeFileHandles == cfg.FileHandlesNever {
		return nil, nil
	}

	fh, err := filehandle.FromFd(fd)
	if err != nil {
		return nil, err
	}
	if fh != nil {
		return fh, nil
	}

	switch fs.config.InodeFileHandles {
	case cfg.FileHandlesPrefer:
		fs.mountFds.WarnNoHandleSupport(st.MntID, "filesystem does not support file handles, falling back to O_PATH FDs")
		return nil, nil
	default: // mandatory
		fs.mountFds.WarnNoHandleSupport(st.MntID, "filesystem does not support file handles")
		return nil, unix.EOPNOTSUPP
	}
}

// makeOpenable binds a file handle to a cached fd on its mount.
func (fs *PassthroughFS) makeOpenable(fh *filehandle.FileHandle) (*filehandle.Openable, error) {
	return fh.ToOpenable(fs.mountFds, func(fd int, flags int) (*os.File, error) {
		return hostio.ReopenThroughProc(fs.procSelfFd, fd, flags)
	})
}

// checkWorkingFileHandles probes whether file handles actually work by
// generating and reopening one for the shared directory. In prefer mode a
// failed probe downgrades to O_PATH descriptors; in mandatory mode it is
// fatal.
func (fs *PassthroughFS) checkWorkingFileHandles() error {
	fd, err := hostio.OpenAt(unix.AT_FDCWD, fs.config.SharedDir, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fmt.Errorf("opening shared directory %q: %w", fs.config.SharedDir, err)
	}
	defer unix.Close(fd)

	st, err := hostio.Statx(fd, "")
	if err != nil {
		return err
	}

	fh, err := fs.getFileHandleOpt(fd, &st)
	if err == nil && fh != nil {
		var openable *filehandle.Openable
		openable, err = fs.makeOpenable(fh)
		if err == nil {
			var probe *os.File
			probe, err = openable.Open(unix.O_PATH)
			if err == nil {
				_ = probe.Close()
			}
			openable.Release()
		}
	} else if err == nil {
		// No handle and no error: cannot be mandatory mode, which errors
		// instead. Fall back entirely.
		logger.Warnf("Failed to generate a file handle for the shared directory, disabling file handles altogether")
		fs.config.InodeFileHandles = cfg.FileHandlesNever
		return nil
	}

	if err != nil {
		switch fs.config.InodeFileHandles {
		case cfg.FileHandlesPrefer:
			logger.Warnf("Failed to open a file handle for the shared directory: %v", err)
			logger.Warnf("File handles do not appear safe to use, disabling file handles altogether")
			fs.config.InodeFileHandles = cfg.FileHandlesNever
		default: // mandatory
			logger.Errorf("Failed to open a file handle for the shared directory: %v", err)
			logger.Errorf("Refusing to use (mandatory) file handles, as they do not appear safe to use")
			return err
		}
	}

	return nil
}

// openRelativeTo opens name under the given directory fd. Resolution is
// constrained to the shared directory where the kernel supports it; plain
// relative open with O_NOFOLLOW otherwise.
func (fs *PassthroughFS) openRelativeTo(dirFd int, name string, flags int, mode uint32) (int, error) {
	flags |= unix.O_NOFOLLOW
	if fs.osFacts.HasOpenat2 {
		return hostio.OpenBeneath(dirFd, name, flags, mode)
	}
	return hostio.OpenAt(dirFd, name, flags, mode)
}

// sanitizeOpenFlags rewrites guest open flags into the flags given to the
// host:
//
//   - O_APPEND is always removed. The guest may share the file with other
//     instances, so append is applied per write instead, where the correct
//     end of file is known.
//   - O_NOATIME is removed unless explicitly preserved; it causes EPERM for
//     unprivileged servers.
//   - O_DIRECT is removed unless direct I/O is allowed.
func (fs *PassthroughFS) sanitizeOpenFlags(flags int) int {
	flags &^= unix.O_APPEND
	if !fs.config.PreserveNoatime {
		flags &^= unix.O_NOATIME
	}
	if !fs.config.AllowDirectIo {
		flags &^= unix.O_DIRECT
	}
	return flags
}

// openInode opens a fresh file for the given inode. With writeback caching
// negotiated, write-only opens are promoted to read-write, because the
// kernel may read back from a write-only file to fill its cache.
func (fs *PassthroughFS) openInode(id fuseops.InodeID, flags int) (*os.File, error) {
	entry := fs.inodes.Get(id)
	if entry == nil {
		return nil, unix.EBADF
	}

	if fs.writeback.Load() && flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = flags&^unix.O_ACCMODE | unix.O_RDWR
	}

	return entry.OpenFile(flags, fs.procSelfFd)
}

// allocateHandle installs a new handle entry for the given open file,
// holding a strong reference on the inode for the handle's lifetime.
//
// The recorded migration flags are the sanitized guest flags: CREAT, EXCL
// and TRUNC are stripped so reopening on the destination neither creates
// nor truncates.
func (fs *PassthroughFS) allocateHandle(inodeID fuseops.InodeID, file *os.File, guestFlags int, appendMode bool) (fuseops.HandleID, error) {
	ref, err := fs.inodes.GetStrong(inodeID)
	if err != nil {
		_ = file.Close()
		return 0, unix.EBADF
	}

	id := fuseops.HandleID(fs.nextHandle.Add(1) - 1)
	entry := handle.NewEntry(inodeID, file, handle.NewMigrationInfo(guestFlags))
	entry.Append = appendMode
	fs.handles.Insert(id, entry)

	// The table entry now accounts for the reference; it is released by
	// the matching release operation.
	_ = ref.Leak()

	return id, nil
}

// releaseHandle drops a handle and the strong inode reference it holds.
func (fs *PassthroughFS) releaseHandle(id fuseops.HandleID) error {
	entry, err := fs.handles.Remove(id)
	if err != nil {
		return err
	}
	fs.inodes.ForgetOne(entry.Inode, 1)
	return nil
}
