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
	"context"
	"os"

	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/container-native-fs/interposer/internal/hostio"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// PrepareSerialization walks the shared directory, matching discovered
// entries against the inode store and attaching a (parent, filename)
// location to every live inode, so a later Serialize can describe each
// inode to the migration destination.
//
// The walk runs while guest operations keep being served: it never fails as
// a whole (per-entry errors are logged and skipped), and it observes ctx
// between directory entries, unwinding promptly on cancellation. Inodes
// created after the walker has passed their parent still get their info at
// lookup time, because tracking is switched on before the walk starts.
func (fs *PassthroughFS) PrepareSerialization(ctx context.Context) {
	fs.inodes.ClearMigrationInfo()
	fs.trackMigrationInfo.Store(true)

	w := &pathWalker{fs: fs, ctx: ctx}
	w.execute()
}

// pathWalker reconstructs parent+filename information for every node in
// the inode store by recursing through the shared directory.
type pathWalker struct {
	fs  *PassthroughFS
	ctx context.Context
}

// execute recurses from the root. Nothing to do when the filesystem is not
// mounted.
func (w *pathWalker) execute() {
	root, err := w.fs.inodes.GetStrong(inode.RootID)
	if err != nil {
		return
	}
	w.recurseFrom(root)
}

// recurseFrom visits every directory reachable from rootRef. Plain
// recursion could exhaust the stack on deep trees, so a worklist of
// directory references is kept instead.
func (w *pathWalker) recurseFrom(rootRef *inode.StrongRef) {
	remaining := []*inode.StrongRef{rootRef}
	defer func() {
		// Unwind on cancellation: release whatever is still queued.
		for _, ref := range remaining {
			ref.Drop()
		}
	}()

	buf := make([]byte, 4096)
	for len(remaining) > 0 {
		ref := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		w.visitDir(ref, buf, &remaining)
		ref.Drop()
	}
}

// visitDir reads one directory and discovers each of its entries,
// appending subdirectories to the worklist.
func (w *pathWalker) visitDir(ref *inode.StrongRef, buf []byte, remaining *[]*inode.StrongRef) {
	dir, err := ref.Entry().OpenFile(unix.O_RDONLY|unix.O_NOFOLLOW, w.fs.procSelfFd)
	if err != nil {
		logger.Warnf("Failed to recurse into %s: %v", ref.Entry().Identify(w.fs.procSelfFd), err)
		return
	}
	defer dir.Close()

	for {
		entries, err := hostio.ReadDirents(int(dir.Fd()), buf)
		if err != nil {
			logger.Warnf("Failed to read directory entries of %s: %v", ref.Entry().Identify(w.fs.procSelfFd), err)
			return
		}
		if len(entries) == 0 {
			return
		}

		for _, de := range entries {
			if w.ctx.Err() != nil {
				return
			}
			if de.Name == "." || de.Name == ".." {
				continue
			}

			childRef, err := w.discover(ref, int(dir.Fd()), de.Name)
			if err != nil {
				logger.Warnf("Failed to discover entry %s of %s: %v", de.Name, ref.Entry().Identify(w.fs.procSelfFd), err)
				continue
			}
			if childRef != nil {
				*remaining = append(*remaining, childRef)
			}
		}
	}
}

// discover checks one directory entry for a match in the inode store. On a
// hit, the matching inode's migration info is set to this location. For
// directories (and directories only), a strong reference is returned for
// further recursion; untracked directories get a fresh transient inode
// entry so descendants can reference them through their own parent chains.
// If nothing ends up referencing such an entry, its refcount returns to
// zero before the walk finishes and it is dropped again.
func (w *pathWalker) discover(parentRef *inode.StrongRef, parentFd int, name string) (*inode.StrongRef, error) {
	fs := w.fs

	fd, err := fs.openRelativeTo(parentFd, name, unix.O_PATH, 0)
	if err != nil {
		return nil, err
	}
	pathFile := os.NewFile(uintptr(fd), name)

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

	ids := inode.Ids{Ino: st.Statx.Ino, Dev: st.Dev(), MntID: st.MntID}
	isDir := uint32(st.Statx.Mode)&unix.S_IFMT == unix.S_IFDIR

	serializedHandle := func() (*filehandle.Serialized, error) {
		if !fs.config.MigrationVerifyHandles {
			return nil, nil
		}
		if fh != nil {
			s := fh.Serialized()
			return &s, nil
		}
		full, err := filehandle.FromFdFailHard(fd)
		if err != nil {
			return nil, err
		}
		s := full.Serialized()
		return &s, nil
	}

	if ref, err := fs.inodes.ClaimInode(fh, ids); err == nil {
		sh, serr := serializedHandle()
		if serr != nil {
			_ = pathFile.Close()
			ref.Drop()
			return nil, serr
		}

		old := ref.Entry().SetMigrationInfo(inode.NewPathMigrationInfo(parentRef.Clone(), name, sh))
		dropMigrationInfo(old)
		_ = pathFile.Close()

		if isDir {
			return ref, nil
		}
		ref.Drop()
		return nil, nil
	}

	// Not in the store. Non-directories are done; directories get a
	// transient entry so we can recurse.
	if !isDir {
		_ = pathFile.Close()
		return nil, nil
	}

	sh, err := serializedHandle()
	if err != nil {
		_ = pathFile.Close()
		return nil, err
	}

	ref, err := fs.makeRef(pathFile, fh)
	if err != nil {
		return nil, err
	}

	id := fuseops.InodeID(fs.nextInode.Add(1) - 1)
	entry := inode.NewEntry(id, ref, 1, ids, uint32(st.Statx.Mode),
		inode.NewPathMigrationInfo(parentRef.Clone(), name, sh))
	return fs.inodes.GetOrInsert(entry)
}
