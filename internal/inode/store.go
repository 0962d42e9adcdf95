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

	"github.com/container-native-fs/interposer/internal/filehandle"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// NotFoundError is returned when a lookup by ID, identity tuple, or file
// handle finds no live inode.
type NotFoundError struct {
	Detail string
}

func (e *NotFoundError) Error() string {
	return e.Detail
}

// Store is the three-way indexed, refcounted inode table.
//
// # LOCK ORDERING
//
// The store lock is the innermost lock of the server: no other lock is
// acquired while holding it, and strong references are never dropped while
// it is write-held except through the explicit dropLocked path, which
// reuses the already-held lock.
type Store struct {
	mu syncutil.InvariantMutex

	// INVARIANT: For all keys k, byID[k].ID == k
	// INVARIANT: For all non-invalid v in byID, byIds[v.Ids] maps to some
	//            live inode with the same identity tuple
	// INVARIANT: For all v in byID backed by a handle h, byHandle[h.Key()]
	//            maps to some live inode
	//
	// GUARDED_BY(mu)
	byID map[fuseops.InodeID]*Entry

	// GUARDED_BY(mu)
	byIds map[Ids]fuseops.InodeID

	// Keyed by FileHandle.Key().
	//
	// GUARDED_BY(mu)
	byHandle map[string]fuseops.InodeID
}

func NewStore() *Store {
	s := &Store{
		byID:     make(map[fuseops.InodeID]*Entry),
		byIds:    make(map[Ids]fuseops.InodeID),
		byHandle: make(map[string]fuseops.InodeID),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) checkInvariants() {
	for id, e := range s.byID {
		if e.ID != id {
			panic(fmt.Sprintf("inode ID mismatch: %v vs. %v", e.ID, id))
		}
	}

	for ids, id := range s.byIds {
		e, ok := s.byID[id]
		if !ok {
			panic(fmt.Sprintf("byIds entry %+v points at missing inode %v", ids, id))
		}
		if e.Ids != ids {
			panic(fmt.Sprintf("byIds key %+v does not match entry tuple %+v", ids, e.Ids))
		}
	}

	for key, id := range s.byHandle {
		if _, ok := s.byID[id]; !ok {
			panic(fmt.Sprintf("byHandle entry %q points at missing inode %v", key, id))
		}
	}
}

// Get returns the entry for the given ID, or nil. The result is a weak
// reference: it stays valid only while something else holds the refcount up.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Get(id fuseops.InodeID) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// LOCKS_EXCLUDED(s.mu)
func (s *Store) GetByIds(ids Ids) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByIdsLocked(ids)
}

// LOCKS_EXCLUDED(s.mu)
func (s *Store) GetByHandle(h *filehandle.FileHandle) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByHandleLocked(h)
}

func (s *Store) getByIdsLocked(ids Ids) *Entry {
	if id, ok := s.byIds[ids]; ok {
		return s.byID[id]
	}
	return nil
}

func (s *Store) getByHandleLocked(h *filehandle.FileHandle) *Entry {
	if id, ok := s.byHandle[h.Key()]; ok {
		return s.byID[id]
	}
	return nil
}

// GetStrong turns the weak reference id into a strong one, incrementing the
// refcount.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) GetStrong(id fuseops.InodeID) (*StrongRef, error) {
	e := s.Get(id)
	if e == nil {
		return nil, &NotFoundError{Detail: fmt.Sprintf("cannot take strong reference to inode %d: not found", id)}
	}
	return newStrongRef(e, s)
}

// ClaimInode attempts to find a matching inode, trying the file handle
// first and the identity tuple second, and returns a strong reference to
// it. The tuple path is only accepted when the matching entry holds an
// O_PATH descriptor: with only a file handle stored, the host may have
// deleted the inode and reused its inode number for an unrelated file, and
// only a handle lookup (which includes a generation number) can tell those
// apart.
//
// This never raises a zero refcount back up: an inode being destroyed stays
// destroyed.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) ClaimInode(h *filehandle.FileHandle, ids Ids) (*StrongRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimInodeLocked(h, ids)
}

func (s *Store) claimInodeLocked(h *filehandle.FileHandle, ids Ids) (*StrongRef, error) {
	var e *Entry
	if h != nil {
		e = s.getByHandleLocked(h)
	}
	if e == nil {
		if candidate := s.getByIdsLocked(ids); candidate != nil && candidate.Ref.IsFile() {
			e = candidate
		}
	}
	if e == nil {
		return nil, &NotFoundError{Detail: "cannot take strong reference to inode by handle or IDs, not found"}
	}
	return newStrongRef(e, s)
}

// GetOrInsert checks whether a matching inode is already present (as in
// ClaimInode) and returns it if so, discarding entry. Otherwise it inserts
// entry with the refcount hard-set to 1 and returns the single strong
// reference accounting for it.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) GetOrInsert(entry *Entry) (*StrongRef, error) {
	s.mu.Lock()

	var h *filehandle.FileHandle
	if o := entry.Ref.Openable(); o != nil {
		h = o.Handle()
	}
	if ref, err := s.claimInodeLocked(h, entry.Ids); err == nil {
		// Entries must not be destroyed while the store is locked; release
		// the lock before discarding the duplicate.
		s.mu.Unlock()
		discardEntry(entry)
		return ref, nil
	}

	if _, ok := s.byID[entry.ID]; ok {
		s.mu.Unlock()
		discardEntry(entry)
		return nil, fmt.Errorf("double-use of inode ID %d", entry.ID)
	}

	entry.refcount.Store(1)
	s.insertLocked(entry)
	s.mu.Unlock()

	return newStrongRefNoIncrement(entry, s), nil
}

// NewInode inserts entry regardless of whether a matching inode already
// exists. An already used inode ID is an error.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) NewInode(entry *Entry) error {
	s.mu.Lock()
	if _, ok := s.byID[entry.ID]; ok {
		s.mu.Unlock()
		discardEntry(entry)
		return fmt.Errorf("double-use of inode ID %d", entry.ID)
	}
	s.insertLocked(entry)
	s.mu.Unlock()
	return nil
}

// discardEntry disposes of an entry that never made it into the store,
// including any strong references embedded in its migration info. Must be
// called without the store lock held.
func discardEntry(entry *Entry) {
	if info := entry.TakeMigrationInfo(); info != nil {
		for _, ref := range info.strongRefs() {
			ref.Drop()
		}
	}
	entry.Ref.destroy()
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) insertLocked(entry *Entry) {
	// Overwriting an index entry here means the same physical inode is
	// tracked under several guest IDs. Not what we want, but not
	// catastrophic, so no complaint.
	if !entry.Ref.IsInvalid() {
		s.byIds[entry.Ids] = entry.ID
	}
	if o := entry.Ref.Openable(); o != nil {
		s.byHandle[o.Handle().Key()] = entry.ID
	}
	s.byID[entry.ID] = entry
}

// ForgetOne subtracts n from the refcount of the given inode, removing it
// from the store when the count reaches zero.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) ForgetOne(id fuseops.InodeID, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetOneLocked(id, n)
}

// ForgetMany performs ForgetOne for every (id, n) pair under one lock
// acquisition.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) ForgetMany(pairs []ForgetPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.forgetOneLocked(p.ID, p.N)
	}
}

type ForgetPair struct {
	ID fuseops.InodeID
	N  uint64
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) forgetOneLocked(id fuseops.InodeID, n uint64) {
	e, ok := s.byID[id]
	if !ok {
		return
	}

	// Holding the write lock keeps concurrent lookups from incrementing the
	// refcount, but a lookup that grabbed the entry earlier may still be in
	// its compare-and-swap, so loop until the decrement lands. Saturating
	// subtraction: a refcount below zero makes no sense, and a misbehaving
	// client must not cause wraparound.
	for {
		rc := e.refcount.Load()
		var newCount uint64
		if rc > n {
			newCount = rc - n
		}
		if e.refcount.CompareAndSwap(rc, newCount) {
			if newCount == 0 {
				// The removal happens inside the same locked region that
				// decided the transition, so two concurrent forgets cannot
				// both remove the entry.
				s.removeLocked(id)
			}
			return
		}
	}
}

// Remove drops the given inode regardless of its refcount.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Remove(id fuseops.InodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) removeLocked(id fuseops.InodeID) {
	e, ok := s.byID[id]
	if !ok {
		return
	}

	if o := e.Ref.Openable(); o != nil {
		delete(s.byHandle, o.Handle().Key())
	}
	if cur, ok := s.byIds[e.Ids]; ok && cur == id {
		delete(s.byIds, e.Ids)
	}
	delete(s.byID, id)

	// Dropping this entry's migration info may release the parent's last
	// reference; route those drops through the locked path.
	if info := e.TakeMigrationInfo(); info != nil {
		for _, ref := range info.strongRefs() {
			ref.dropLocked()
		}
	}

	e.Ref.destroy()
}

// Map applies f to every entry under the read lock.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Map(f func(*Entry)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.byID {
		f(e)
	}
}

// Len returns the number of live inodes.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// IsEmpty reports whether no inodes are live.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Clear removes every entry, honoring the drop-while-locked discipline for
// migration-info references.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearMigrationInfoLocked()
	for id := range s.byID {
		s.removeLocked(id)
	}
}

// ClearMigrationInfo drops every non-root inode's migration info. The root
// keeps its info: it is set whenever the filesystem is mounted and must
// survive so the root can always be serialized.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) ClearMigrationInfo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearMigrationInfoLocked()
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) clearMigrationInfoLocked() {
	// Collect first: dropping a parent reference can remove entries from
	// byID, which must not happen mid-iteration.
	var refs []*StrongRef
	for _, e := range s.byID {
		if e.ID == RootID {
			continue
		}
		if info := e.TakeMigrationInfo(); info != nil {
			refs = append(refs, info.strongRefs()...)
		}
	}
	for _, ref := range refs {
		ref.dropLocked()
	}
}
