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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/container-native-fs/interposer/cfg"
	"github.com/container-native-fs/interposer/internal/inode"
	"github.com/container-native-fs/interposer/internal/migration"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func baseConfig(dir string) *ServerConfig {
	return &ServerConfig{
		SharedDir:        dir,
		EntryTimeout:     time.Second,
		AttrTimeout:      time.Second,
		InodeFileHandles: cfg.FileHandlesNever,
		MigrationOnError: cfg.MigrationGuestError,
		MigrationMode:    cfg.MigrationFindPaths,
	}
}

func newTestFS(t *testing.T, config *ServerConfig) *PassthroughFS {
	t.Helper()
	pfs, err := New(config)
	require.NoError(t, err)
	t.Cleanup(pfs.Destroy)
	return pfs
}

func mountTestFS(t *testing.T, config *ServerConfig, capable OptionFlags) *PassthroughFS {
	t.Helper()
	pfs := newTestFS(t, config)
	_, err := pfs.Init(capable)
	require.NoError(t, err)
	return pfs
}

func lookup(t *testing.T, pfs *PassthroughFS, parent fuseops.InodeID, name string) fuseops.ChildInodeEntry {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	require.NoError(t, pfs.LookUpInode(context.Background(), op))
	return op.Entry
}

func forget(t *testing.T, pfs *PassthroughFS, id fuseops.InodeID, n uint64) {
	t.Helper()
	require.NoError(t, pfs.ForgetInode(context.Background(), &fuseops.ForgetInodeOp{Inode: id, N: n}))
}

func serializeToBytes(t *testing.T, pfs *PassthroughFS) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pfs.Serialize(&buf))
	return buf.Bytes()
}

func TestLookupForgetBalance(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "c"), []byte("x"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)

	a := lookup(t, pfs, inode.RootID, "a")
	b := lookup(t, pfs, a.Child, "b")
	c := lookup(t, pfs, b.Child, "c")

	// Forgetting the leaf leaves the parents, each with refcount 1.
	forget(t, pfs, c.Child, 1)
	require.NotNil(t, pfs.inodes.Get(a.Child))
	require.NotNil(t, pfs.inodes.Get(b.Child))
	assert.Nil(t, pfs.inodes.Get(c.Child))
	assert.Equal(t, uint64(1), pfs.inodes.Get(a.Child).Refcount())
	assert.Equal(t, uint64(1), pfs.inodes.Get(b.Child).Refcount())

	forget(t, pfs, b.Child, 1)
	forget(t, pfs, a.Child, 1)

	// Only the root remains.
	assert.Equal(t, 1, pfs.inodes.Len())
}

func TestLookupReturnsSameInodeForSameFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)

	first := lookup(t, pfs, inode.RootID, "f")
	second := lookup(t, pfs, inode.RootID, "f")
	assert.Equal(t, first.Child, second.Child)
	assert.Equal(t, uint64(2), pfs.inodes.Get(first.Child).Refcount())
	assert.Equal(t, uint64(5), first.Attributes.Size)

	forget(t, pfs, first.Child, 2)
	assert.Nil(t, pfs.inodes.Get(first.Child))
}

func TestLookupMissingFile(t *testing.T) {
	pfs := mountTestFS(t, baseConfig(t.TempDir()), 0)

	op := &fuseops.LookUpInodeOp{Parent: inode.RootID, Name: "nope"}
	err := pfs.LookUpInode(context.Background(), op)
	assert.Equal(t, unix.ENOENT, err)
}

func TestSanitizeOpenFlags(t *testing.T) {
	dir := t.TempDir()

	config := baseConfig(dir)
	pfs := newTestFS(t, config)

	// O_APPEND never reaches the host; O_NOATIME and O_DIRECT are filtered
	// with the default switches.
	in := unix.O_RDWR | unix.O_APPEND | unix.O_NOATIME | unix.O_DIRECT
	assert.Equal(t, unix.O_RDWR, pfs.sanitizeOpenFlags(in))

	config2 := baseConfig(dir)
	config2.AllowDirectIo = true
	config2.PreserveNoatime = true
	pfs2 := newTestFS(t, config2)
	assert.Equal(t, unix.O_RDWR|unix.O_NOATIME|unix.O_DIRECT, pfs2.sanitizeOpenFlags(in))
	assert.Equal(t, unix.O_RDWR|unix.O_NOATIME|unix.O_DIRECT, pfs2.sanitizeOpenFlags(in|unix.O_APPEND))
}

func TestWritebackPromotesWriteOnlyOpens(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0644))

	config := baseConfig(dir)
	config.Writeback = true
	pfs := mountTestFS(t, config, CapWritebackCache)

	entry := lookup(t, pfs, inode.RootID, "f")
	file, err := pfs.openInode(entry.Child, unix.O_WRONLY)
	require.NoError(t, err)
	defer file.Close()

	flags, err := unix.FcntlInt(file.Fd(), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.O_RDWR, flags&unix.O_ACCMODE)
}

func TestCreateWriteRead(t *testing.T) {
	dir := t.TempDir()
	pfs := mountTestFS(t, baseConfig(dir), 0)

	createOp := &fuseops.CreateFileOp{Parent: inode.RootID, Name: "f", Mode: 0644}
	require.NoError(t, pfs.CreateFile(context.Background(), createOp))

	writeOp := &fuseops.WriteFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
		Offset: 0,
		Data:   []byte("hello world"),
	}
	require.NoError(t, pfs.WriteFile(context.Background(), writeOp))

	require.NoError(t, pfs.SyncFile(context.Background(), &fuseops.SyncFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
	}))

	// Visible on the host.
	content, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	readOp := &fuseops.ReadFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
		Offset: 6,
		Dst:    make([]byte, 5),
	}
	require.NoError(t, pfs.ReadFile(context.Background(), readOp))
	assert.Equal(t, 5, readOp.BytesRead)
	assert.Equal(t, "world", string(readOp.Dst[:readOp.BytesRead]))

	require.NoError(t, pfs.FlushFile(context.Background(), &fuseops.FlushFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
	}))
	require.NoError(t, pfs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{
		Handle: createOp.Handle,
	}))
	assert.Equal(t, 0, pfs.handles.Len())

	forget(t, pfs, createOp.Entry.Child, 1)
}

func TestMkDirSymlinkReaddir(t *testing.T) {
	dir := t.TempDir()
	pfs := mountTestFS(t, baseConfig(dir), 0)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: inode.RootID, Name: "sub", Mode: os.ModeDir | 0755}
	require.NoError(t, pfs.MkDir(ctx, mkdirOp))
	assert.True(t, mkdirOp.Entry.Attributes.Mode.IsDir())

	symlinkOp := &fuseops.CreateSymlinkOp{Parent: mkdirOp.Entry.Child, Name: "link", Target: "../elsewhere"}
	require.NoError(t, pfs.CreateSymlink(ctx, symlinkOp))

	readlinkOp := &fuseops.ReadSymlinkOp{Inode: symlinkOp.Entry.Child}
	require.NoError(t, pfs.ReadSymlink(ctx, readlinkOp))
	assert.Equal(t, "../elsewhere", readlinkOp.Target)

	openDirOp := &fuseops.OpenDirOp{Inode: mkdirOp.Entry.Child}
	require.NoError(t, pfs.OpenDir(ctx, openDirOp))

	readDirOp := &fuseops.ReadDirOp{
		Inode:  mkdirOp.Entry.Child,
		Handle: openDirOp.Handle,
		Offset: 0,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, pfs.ReadDir(ctx, readDirOp))
	assert.Greater(t, readDirOp.BytesRead, 0)
	assert.True(t, bytes.Contains(readDirOp.Dst[:readDirOp.BytesRead], []byte("link")))

	require.NoError(t, pfs.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{Handle: openDirOp.Handle}))

	// Unlink the symlink, remove the directory.
	require.NoError(t, pfs.Unlink(ctx, &fuseops.UnlinkOp{Parent: mkdirOp.Entry.Child, Name: "link"}))
	forget(t, pfs, symlinkOp.Entry.Child, 1)
	require.NoError(t, pfs.RmDir(ctx, &fuseops.RmDirOp{Parent: inode.RootID, Name: "sub"}))
	forget(t, pfs, mkdirOp.Entry.Child, 1)

	assert.Equal(t, 1, pfs.inodes.Len())
}

func TestRenameUpdatesMigrationInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("payload"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)
	entry := lookup(t, pfs, inode.RootID, "x")

	pfs.PrepareSerialization(context.Background())

	require.NoError(t, pfs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: inode.RootID,
		OldName:   "x",
		NewParent: inode.RootID,
		NewName:   "y",
	}))

	stream := serializeToBytes(t, pfs)
	state, err := migration.Unmarshal(stream)
	require.NoError(t, err)

	var found *migration.Inode
	for i := range state.V1.Inodes {
		if state.V1.Inodes[i].ID == uint64(entry.Child) {
			found = &state.V1.Inodes[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, migration.LocationPath, found.Location.Kind)
	assert.Equal(t, uint64(inode.RootID), found.Location.Parent)
	assert.Equal(t, "y", found.Location.Filename)
}

func TestCreateDuringPreparationGetsMigrationInfo(t *testing.T) {
	dir := t.TempDir()
	pfs := mountTestFS(t, baseConfig(dir), 0)

	// A walk that is cancelled immediately still switches tracking on, so
	// inodes created while (or after) the walker runs get their location
	// at lookup time.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	pfs.PrepareSerialization(cancelled)

	createOp := &fuseops.CreateFileOp{Parent: inode.RootID, Name: "new", Mode: 0644}
	require.NoError(t, pfs.CreateFile(context.Background(), createOp))

	stream := serializeToBytes(t, pfs)
	state, err := migration.Unmarshal(stream)
	require.NoError(t, err)

	var found *migration.Inode
	for i := range state.V1.Inodes {
		if state.V1.Inodes[i].ID == uint64(createOp.Entry.Child) {
			found = &state.V1.Inodes[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, migration.LocationPath, found.Location.Kind)
	assert.Equal(t, uint64(inode.RootID), found.Location.Parent)
	assert.Equal(t, "new", found.Location.Filename)
}

func TestMigrationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("migrated content"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d", "g"), []byte("nested"), 0644))

	source := mountTestFS(t, baseConfig(dir), 0)

	f := lookup(t, source, inode.RootID, "f")
	_ = lookup(t, source, inode.RootID, "f") // refcount 2
	d := lookup(t, source, inode.RootID, "d")
	g := lookup(t, source, d.Child, "g")

	// Open f the way a guest would with O_RDWR|O_CREAT|O_EXCL|O_TRUNC;
	// only O_RDWR may survive into the migration record.
	file, err := source.openInode(f.Child, unix.O_RDWR)
	require.NoError(t, err)
	handleID, err := source.allocateHandle(f.Child, file,
		unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_TRUNC, false)
	require.NoError(t, err)

	source.PrepareSerialization(context.Background())
	stream := serializeToBytes(t, source)

	dest := newTestFS(t, baseConfig(dir))
	require.NoError(t, dest.DeserializeAndApply(bytes.NewReader(stream)))

	// Every live inode is present with an equal refcount.
	require.NotNil(t, dest.inodes.Get(f.Child))
	assert.Equal(t, uint64(3), dest.inodes.Get(f.Child).Refcount()) // 2 lookups + handle
	require.NotNil(t, dest.inodes.Get(d.Child))
	assert.Equal(t, uint64(1), dest.inodes.Get(d.Child).Refcount())
	require.NotNil(t, dest.inodes.Get(g.Child))
	assert.Equal(t, uint64(1), dest.inodes.Get(g.Child).Refcount())

	// The same host objects are referenced.
	assert.Equal(t, source.inodes.Get(f.Child).Ids, dest.inodes.Get(f.Child).Ids)
	assert.Equal(t, source.inodes.Get(g.Child).Ids, dest.inodes.Get(g.Child).Ids)

	// The reopened handle carries O_RDWR only and reads the existing file.
	destHandle, err := dest.handles.FindIfInodeMatches(handleID, f.Child)
	require.NoError(t, err)
	assert.Equal(t, int32(unix.O_RDWR), destHandle.MigrationInfo.OpenFlags)

	readOp := &fuseops.ReadFileOp{
		Inode:  f.Child,
		Handle: handleID,
		Dst:    make([]byte, 32),
	}
	require.NoError(t, dest.ReadFile(context.Background(), readOp))
	assert.Equal(t, "migrated content", string(readOp.Dst[:readOp.BytesRead]))

	// A fresh lookup of a migrated file resolves to the migrated inode.
	fresh := lookup(t, dest, inode.RootID, "d")
	assert.Equal(t, d.Child, fresh.Child)
}

func TestLostInodeGuestError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("keep"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g"), []byte("lose"), 0644))

	source := mountTestFS(t, baseConfig(dir), 0)
	f := lookup(t, source, inode.RootID, "f")
	g := lookup(t, source, inode.RootID, "g")

	// g disappears from shared storage before migration.
	require.NoError(t, os.Remove(filepath.Join(dir, "g")))

	source.PrepareSerialization(context.Background())
	stream := serializeToBytes(t, source)

	dest := newTestFS(t, baseConfig(dir))
	require.NoError(t, dest.DeserializeAndApply(bytes.NewReader(stream)))

	// Operations on g surface the stored error; f keeps working.
	getattr := &fuseops.GetInodeAttributesOp{Inode: g.Child}
	err := dest.GetInodeAttributes(context.Background(), getattr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "because of an error during the preceding migration")

	getattr = &fuseops.GetInodeAttributesOp{Inode: f.Child}
	assert.NoError(t, dest.GetInodeAttributes(context.Background(), getattr))
}

func TestLostInodeAbort(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g"), []byte("lose"), 0644))

	source := mountTestFS(t, baseConfig(dir), 0)
	_ = lookup(t, source, inode.RootID, "g")
	require.NoError(t, os.Remove(filepath.Join(dir, "g")))

	source.PrepareSerialization(context.Background())
	stream := serializeToBytes(t, source)

	config := baseConfig(dir)
	config.MigrationOnError = cfg.MigrationAbort
	dest := newTestFS(t, config)

	err := dest.DeserializeAndApply(bytes.NewReader(stream))
	require.Error(t, err)
	var abort *MigrationAbortError
	assert.ErrorAs(t, err, &abort)

	// The destination has not mounted the filesystem.
	assert.True(t, dest.inodes.IsEmpty())
	assert.Equal(t, 0, dest.handles.Len())
}

func TestNegotiatedOptionTransfer(t *testing.T) {
	dir := t.TempDir()

	config := baseConfig(dir)
	config.Writeback = true
	source := mountTestFS(t, config, CapWritebackCache)
	require.True(t, source.writeback.Load())

	source.PrepareSerialization(context.Background())
	stream := serializeToBytes(t, source)

	// A destination with writeback disabled by configuration cannot be
	// forced on by the source.
	dest := newTestFS(t, baseConfig(dir))
	err := dest.DeserializeAndApply(bytes.NewReader(stream))
	require.Error(t, err)
	var abort *MigrationAbortError
	assert.ErrorAs(t, err, &abort)

	// A matching destination adopts the negotiated value.
	config2 := baseConfig(dir)
	config2.Writeback = true
	dest2 := newTestFS(t, config2)
	require.NoError(t, dest2.DeserializeAndApply(bytes.NewReader(stream)))
	assert.True(t, dest2.writeback.Load())

	// The reverse direction needs no renegotiation: a source without
	// writeback leaves it off on a destination that would allow it.
	source2 := mountTestFS(t, baseConfig(dir), 0)
	source2.PrepareSerialization(context.Background())
	stream2 := serializeToBytes(t, source2)

	dest3 := newTestFS(t, config2)
	require.NoError(t, dest3.DeserializeAndApply(bytes.NewReader(stream2)))
	assert.False(t, dest3.writeback.Load())
}

func TestDestroyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	config := baseConfig(dir)
	config.Writeback = true
	pfs := mountTestFS(t, config, CapWritebackCache)

	entry := lookup(t, pfs, inode.RootID, "f")
	file, err := pfs.openInode(entry.Child, unix.O_RDONLY)
	require.NoError(t, err)
	_, err = pfs.allocateHandle(entry.Child, file, unix.O_RDONLY, false)
	require.NoError(t, err)

	pfs.Destroy()
	assert.True(t, pfs.inodes.IsEmpty())
	assert.Equal(t, 0, pfs.handles.Len())
	assert.False(t, pfs.writeback.Load())

	pfs.Destroy()
	assert.True(t, pfs.inodes.IsEmpty())

	// An uninitialized re-mount is tolerated.
	_, err = pfs.Init(CapWritebackCache)
	require.NoError(t, err)
	assert.Equal(t, 1, pfs.inodes.Len())
}

func TestSetAttributes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("0123456789"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)
	entry := lookup(t, pfs, inode.RootID, "f")

	size := uint64(4)
	mode := os.FileMode(0600)
	mtime := time.Unix(1234567890, 0)
	op := &fuseops.SetInodeAttributesOp{
		Inode: entry.Child,
		Size:  &size,
		Mode:  &mode,
		Mtime: &mtime,
	}
	require.NoError(t, pfs.SetInodeAttributes(context.Background(), op))

	assert.Equal(t, uint64(4), op.Attributes.Size)
	assert.Equal(t, os.FileMode(0600), op.Attributes.Mode.Perm())
	assert.Equal(t, mtime.Unix(), op.Attributes.Mtime.Unix())

	st, err := os.Stat(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size())
}

func TestStatFS(t *testing.T) {
	pfs := mountTestFS(t, baseConfig(t.TempDir()), 0)

	op := &fuseops.StatFSOp{}
	require.NoError(t, pfs.StatFS(context.Background(), op))
	assert.NotZero(t, op.BlockSize)
	assert.NotZero(t, op.Blocks)
}

func TestXattrDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)
	entry := lookup(t, pfs, inode.RootID, "f")

	err := pfs.GetXattr(context.Background(), &fuseops.GetXattrOp{Inode: entry.Child, Name: "user.test"})
	assert.Equal(t, unix.ENOSYS, err)
}

func TestHardLinkSharesInode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	pfs := mountTestFS(t, baseConfig(dir), 0)
	ctx := context.Background()

	f := lookup(t, pfs, inode.RootID, "f")

	linkOp := &fuseops.CreateLinkOp{Parent: inode.RootID, Name: "hard", Target: f.Child}
	require.NoError(t, pfs.CreateLink(ctx, linkOp))

	// Both names resolve to the same tracked inode.
	assert.Equal(t, f.Child, linkOp.Entry.Child)
	assert.Equal(t, uint64(2), pfs.inodes.Get(f.Child).Refcount())
	assert.Equal(t, uint32(2), linkOp.Entry.Attributes.Nlink)
}
