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
	"sync"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPathFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Open(t.TempDir())
	require.NoError(t, err)
	return f
}

func newTestEntry(t *testing.T, id fuseops.InodeID, ino uint64) *Entry {
	t.Helper()
	return NewEntry(
		id,
		NewFileRef(openPathFile(t)),
		1,
		Ids{Ino: ino, Dev: 7, MntID: 42},
		0o40755,
		nil)
}

func TestStoreGetOrInsertAndGet(t *testing.T) {
	s := NewStore()

	ref, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)
	assert.Equal(t, fuseops.InodeID(2), ref.ID())
	assert.Equal(t, uint64(1), ref.Entry().Refcount())

	got := s.Get(2)
	require.NotNil(t, got)
	assert.Equal(t, Ids{Ino: 100, Dev: 7, MntID: 42}, got.Ids)

	assert.Nil(t, s.Get(3))

	ref.Drop()
	assert.True(t, s.IsEmpty())
}

func TestStoreGetOrInsertReturnsExisting(t *testing.T) {
	s := NewStore()

	first, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)

	// Same identity tuple under a different ID: the existing inode must be
	// claimed and the duplicate discarded.
	second, err := s.GetOrInsert(newTestEntry(t, 3, 100))
	require.NoError(t, err)
	assert.Equal(t, fuseops.InodeID(2), second.ID())
	assert.Equal(t, uint64(2), second.Entry().Refcount())
	assert.Equal(t, 1, s.Len())

	first.Drop()
	second.Drop()
	assert.True(t, s.IsEmpty())
}

func TestStoreClaimInodeByIds(t *testing.T) {
	s := NewStore()

	ref, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)

	claimed, err := s.ClaimInode(nil, Ids{Ino: 100, Dev: 7, MntID: 42})
	require.NoError(t, err)
	assert.Equal(t, fuseops.InodeID(2), claimed.ID())

	_, err = s.ClaimInode(nil, Ids{Ino: 101, Dev: 7, MntID: 42})
	require.Error(t, err)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	claimed.Drop()
	ref.Drop()
}

func TestStoreClaimInodeRejectsInvalidBackedTuple(t *testing.T) {
	s := NewStore()

	// An entry without an O_PATH descriptor must not be claimable by its
	// identity tuple alone: the host may have reused the inode number.
	entry := NewEntry(2, NewInvalidRef(fmt.Errorf("gone")), 1, Ids{Ino: 100, Dev: 7, MntID: 42}, 0, nil)
	require.NoError(t, s.NewInode(entry))

	_, err := s.ClaimInode(nil, Ids{Ino: 100, Dev: 7, MntID: 42})
	assert.Error(t, err)

	s.Clear()
}

func TestStoreForgetConservation(t *testing.T) {
	s := NewStore()

	// Every lookup/forget pair balances: the store is empty at the end iff
	// every looked-up inode was forgotten the same number of times.
	ref, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)
	_ = ref.Leak()

	for i := 0; i < 4; i++ {
		claimed, err := s.ClaimInode(nil, Ids{Ino: 100, Dev: 7, MntID: 42})
		require.NoError(t, err)
		_ = claimed.Leak()
	}

	s.ForgetOne(2, 3)
	assert.Equal(t, 1, s.Len())

	s.ForgetOne(2, 2)
	assert.True(t, s.IsEmpty())
}

func TestStoreForgetSaturates(t *testing.T) {
	s := NewStore()

	ref, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)
	_ = ref.Leak()

	// A count far beyond the refcount must remove the entry exactly once,
	// without wrapping around.
	s.ForgetOne(2, 1000)
	assert.True(t, s.IsEmpty())
	s.ForgetOne(2, 1)
	assert.True(t, s.IsEmpty())
}

func TestStoreForgetMany(t *testing.T) {
	s := NewStore()

	for i := 0; i < 3; i++ {
		ref, err := s.GetOrInsert(newTestEntry(t, fuseops.InodeID(2+i), uint64(100+i)))
		require.NoError(t, err)
		_ = ref.Leak()
	}

	s.ForgetMany([]ForgetPair{{ID: 2, N: 1}, {ID: 3, N: 1}})
	assert.Equal(t, 1, s.Len())
	s.ForgetMany([]ForgetPair{{ID: 4, N: 1}})
	assert.True(t, s.IsEmpty())
}

func TestStoreNoRefcountResurrection(t *testing.T) {
	s := NewStore()

	entry := newTestEntry(t, 2, 100)
	ref, err := s.GetOrInsert(entry)
	require.NoError(t, err)
	_ = ref.Leak()

	// Race balanced claim/forget pairs against the forget that drops the
	// count to zero. Every claim either returns a live reference (balanced
	// by its own forget) or fails; none may revive an entry that reached
	// zero, so the store must end up empty.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				claimed, err := s.ClaimInode(nil, Ids{Ino: 100, Dev: 7, MntID: 42})
				if err != nil {
					continue
				}
				_ = claimed.Leak()
				s.ForgetOne(2, 1)
			}
		}()
	}

	s.ForgetOne(2, 1)
	wg.Wait()

	assert.True(t, s.IsEmpty())

	// And once gone, the identity tuple must not resolve.
	_, err = s.ClaimInode(nil, Ids{Ino: 100, Dev: 7, MntID: 42})
	assert.Error(t, err)
}

func TestStrongRefCloneAndDrop(t *testing.T) {
	s := NewStore()

	ref, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)

	clone := ref.Clone()
	assert.Equal(t, uint64(2), clone.Entry().Refcount())

	ref.Drop()
	assert.Equal(t, 1, s.Len())
	clone.Drop()
	assert.True(t, s.IsEmpty())

	// Dropping twice is a no-op.
	clone.Drop()
}

func TestMigrationInfoParentChainRelease(t *testing.T) {
	s := NewStore()

	parentRef, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)

	// The child's location holds a strong reference on the parent; the
	// guest-side count for the parent is dropped.
	child := NewEntry(3, NewFileRef(openPathFile(t)), 1, Ids{Ino: 101, Dev: 7, MntID: 42}, 0o100644,
		NewPathMigrationInfo(parentRef.Clone(), "child", nil))
	childRef, err := s.GetOrInsert(child)
	require.NoError(t, err)
	_ = childRef.Leak()
	parentRef.Drop()

	// The parent is kept alive by the child's migration info alone.
	assert.Equal(t, 2, s.Len())
	require.NotNil(t, s.Get(2))

	// Forgetting the child must release the parent's last reference, via
	// the drop-while-locked path, and empty the store.
	s.ForgetOne(3, 1)
	assert.True(t, s.IsEmpty())
}

func TestClearMigrationInfoReleasesParents(t *testing.T) {
	s := NewStore()

	parentRef, err := s.GetOrInsert(newTestEntry(t, 2, 100))
	require.NoError(t, err)

	child := NewEntry(3, NewFileRef(openPathFile(t)), 1, Ids{Ino: 101, Dev: 7, MntID: 42}, 0o100644,
		NewPathMigrationInfo(parentRef.Clone(), "child", nil))
	childRef, err := s.GetOrInsert(child)
	require.NoError(t, err)
	_ = childRef.Leak()
	parentRef.Drop()

	require.Equal(t, 2, s.Len())

	// Clearing migration info drops the parent chain; only the child (with
	// its guest reference) survives.
	s.ClearMigrationInfo()
	assert.Equal(t, 1, s.Len())
	assert.Nil(t, s.Get(2))
	assert.NotNil(t, s.Get(3))

	s.ForgetOne(3, 1)
	assert.True(t, s.IsEmpty())
}

func TestStoreThreeIndexConsistency(t *testing.T) {
	s := NewStore()

	var refs []*StrongRef
	for i := 0; i < 10; i++ {
		ref, err := s.GetOrInsert(newTestEntry(t, fuseops.InodeID(2+i), uint64(100+i)))
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	// After any sequence of operations, the tuple index must map back to
	// the same inode.
	s.Map(func(e *Entry) {
		byIds := s.GetByIds(e.Ids)
		assert.Equal(t, e.ID, byIds.ID)
	})

	for _, ref := range refs {
		ref.Drop()
	}
	assert.True(t, s.IsEmpty())
}

func TestNewInodeRejectsDuplicateID(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.NewInode(newTestEntry(t, 2, 100)))
	err := s.NewInode(newTestEntry(t, 2, 101))
	assert.Error(t, err)

	s.Clear()
	assert.True(t, s.IsEmpty())
}
