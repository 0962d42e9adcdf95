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

	"github.com/jacobsa/fuse/fuseops"
)

// StrongRef is a counted reference to an inode in a store. Creating one
// increments the entry's refcount; Drop decrements it, removing the entry
// when the refcount reaches zero.
//
// Drop locks the store, so a StrongRef must not be dropped while the store
// is locked; inside store code that holds the write lock, dropLocked is
// used instead.
type StrongRef struct {
	entry *Entry
	store *Store
}

// incrementRefcount bumps the entry's refcount, refusing to raise a zero
// refcount: a zero means the inode is already being removed from the store,
// and resurrecting it would race with that removal.
func incrementRefcount(e *Entry) error {
	for {
		rc := e.refcount.Load()
		if rc == 0 {
			return fmt.Errorf("cannot take strong reference to inode %d: is already deleted", e.ID)
		}
		if e.refcount.CompareAndSwap(rc, rc+1) {
			return nil
		}
	}
}

// newStrongRefNoIncrement wraps an entry whose refcount the caller has
// already accounted for.
func newStrongRefNoIncrement(e *Entry, s *Store) *StrongRef {
	return &StrongRef{entry: e, store: s}
}

func newStrongRef(e *Entry, s *Store) (*StrongRef, error) {
	if err := incrementRefcount(e); err != nil {
		return nil, err
	}
	return newStrongRefNoIncrement(e, s), nil
}

// ID returns the underlying inode ID. The ID is a weak reference: it stays
// valid only as long as the strong reference lives.
func (r *StrongRef) ID() fuseops.InodeID {
	return r.entry.ID
}

// Entry returns the referenced entry.
func (r *StrongRef) Entry() *Entry {
	return r.entry
}

// Clone creates an additional strong reference.
func (r *StrongRef) Clone() *StrongRef {
	// Cannot fail: r itself keeps the refcount above zero.
	clone, err := newStrongRef(r.entry, r.store)
	if err != nil {
		panic(err)
	}
	return clone
}

// Leak consumes the reference and yields the inode ID without decrementing
// the refcount. Ownership of the count transfers to the guest, which is
// expected to balance it with a later forget.
func (r *StrongRef) Leak() fuseops.InodeID {
	id := r.entry.ID
	r.entry = nil
	return id
}

// Drop decrements the refcount, removing the entry from the store when it
// reaches zero. Idempotent. Must not be called with the store locked.
func (r *StrongRef) Drop() {
	if r == nil || r.entry == nil {
		return
	}
	id := r.entry.ID
	r.entry = nil
	r.store.ForgetOne(id, 1)
}

// dropLocked is Drop for callers that already hold the store's write lock.
func (r *StrongRef) dropLocked() {
	if r == nil || r.entry == nil {
		return
	}
	id := r.entry.ID
	r.entry = nil
	r.store.forgetOneLocked(id, 1)
}
