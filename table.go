// Copyright 2024 The Tablekit Authors
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

// Package swiss provides a Swiss-table hash map with value-semantic
// clones. See https://abseil.io/about/design/swisstables for the general
// design family. Like other Swiss tables the map is open-addressed and
// keeps a separate metadata array with one control byte per slot: 7 bits
// of hash(key) as a fingerprint, plus an empty marker. The metadata lets
// a probe check 32 slots with a handful of vector instructions.
//
// This implementation departs from the Abseil lineage in two ways.
//
// First, probing is strictly single-group. The table is partitioned into
// aligned groups of 32 slots, the low bits of the hash pick a group, and
// an entry lives in that exact group or nowhere. A group that fills up
// forces the whole table to double rather than spilling entries into a
// neighbor. That trades a deterministic load-factor bound for a hard
// O(1) bound on probe work (one group scan per lookup) and removes the
// need for tombstones: deleting an entry returns its slot directly to
// empty, because no probe sequence ever continues past the home group.
// Under a well-distributed hash a group of 32 fills stochastically; at
// the ~50% average load reached right after a doubling the probability
// of any group being full is negligible, so doublings are driven by
// load in aggregate rather than by a tuned threshold.
//
// Second, the backing storage is reference-counted and handles are
// values. Cloning a Table (or a Map) is an O(1) reference-count bump;
// the first mutation through any handle that shares storage copies the
// buffer first. Two handles never observe each other's mutations.
//
// The control bytes for a group are stored contiguously ahead of the
// group's entries inside a single allocation of group records, so the
// match kernels can load a group's metadata with one unaligned 256-bit
// read. On amd64 with AVX2 the kernels are three vector instructions;
// elsewhere a SWAR emulation produces identical masks over the same
// 32-byte blocks.
//
// A Table and a Map are NOT goroutine-safe.
package swiss

import (
	"fmt"
	"strings"
)

const (
	debug = false

	// groupSize is the number of slots examined by one probe. It matches
	// the 256-bit width of the AVX2 match kernels; the portable kernels
	// emulate the same width so that the single-group invariant does not
	// depend on the architecture.
	groupSize = 32
)

// storage is the reference-counted backing buffer of a table: a header
// (the struct itself) and a run of group records, each carrying its 32
// control bytes and 32 entries. refs counts the handles and in-flight
// iterations that can observe the buffer; a buffer with refs > 1 is
// read-only until forked.
type storage[K comparable, V any] struct {
	refs   int
	groups []Group[K, V]
}

// Table is a hash-table handle parameterized by key and value type. The
// handle holds a strong reference to a storage buffer plus cached direct
// pointers into it; the cached state is refreshed whenever the buffer is
// replaced by growth or a copy-on-write fork.
//
// Operations take the key's precomputed 64-bit hash: the Table never
// hashes. Hashes must be well distributed in both their low bits (group
// selection) and their top 7 bits (fingerprints); use Map for a
// ready-made pairing with the runtime's hash functions.
//
// The zero value of a Table is not usable; construct one with NewTable.
type Table[K comparable, V any] struct {
	storage *storage[K, V]
	// groups and groupMask mirror storage for the probe fast path.
	groups    unsafeSlice[Group[K, V]]
	groupMask uint64
	// used is the number of occupied slots.
	used      int
	allocator Allocator[K, V]
}

// NewTable constructs a Table whose capacity is the smallest power of two
// holding at least initialCapacity slots, never less than one group. A
// negative initialCapacity panics. A nil allocator selects Go's builtin
// make.
func NewTable[K comparable, V any](initialCapacity int, allocator Allocator[K, V]) Table[K, V] {
	if initialCapacity < 0 {
		panic(fmt.Sprintf("swiss: invalid initial capacity %d", initialCapacity))
	}
	if allocator == nil {
		allocator = defaultAllocator[K, V]{}
	}
	if invariants {
		checkLayout[K, V]()
	}
	var t Table[K, V]
	t.allocator = allocator
	t.installStorage(capacityFor(initialCapacity))
	t.checkInvariants()
	return t
}

// installStorage points the handle at a fresh empty buffer of the given
// capacity without releasing any previous reference.
func (t *Table[K, V]) installStorage(capacity int) {
	groups := allocGroups(t.allocator, capacity/groupSize)
	t.storage = &storage[K, V]{refs: 1, groups: groups}
	t.groups = makeUnsafeSlice(groups)
	t.groupMask = uint64(len(groups) - 1)
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.used
}

// Capacity returns the current number of slots: always a power of two and
// a multiple of the group size.
func (t *Table[K, V]) Capacity() int {
	if t.storage == nil {
		return 0
	}
	return len(t.storage.groups) * groupSize
}

// Get retrieves the value for the specified key, returning ok=false if
// the key is not present. h must be the key's hash.
func (t *Table[K, V]) Get(key K, h uint64) (value V, ok bool) {
	// The group is chosen by the low bits of the hash and the candidate
	// slots within it by the top 7 bits. The two filters use disjoint bit
	// ranges, so fingerprints stay informative within a group. Candidates
	// are confirmed against the stored full hash and then the key itself;
	// with 7 fingerprint bits the expected number of false key
	// comparisons per lookup is below 32/128.
	g := t.groups.At(uintptr(h & t.groupMask))
	match := g.ctrls.matchFingerprint(fingerprint(h))
	for ; match != 0; match = match.dropFirst() {
		e := &g.entries[match.first()]
		if e.hash == h && e.key == key {
			return e.value, true
		}
	}
	// A miss needs no second group: the insert rule below never places an
	// entry outside its home group.
	return value, false
}

// Put inserts an entry into the table, overwriting the existing value if
// an entry with the same key is already present. h must be the key's
// hash.
func (t *Table[K, V]) Put(key K, h uint64, value V) {
	t.mutable()
	fp := fingerprint(h)
	for {
		g := t.groups.At(uintptr(h & t.groupMask))

		match := g.ctrls.matchFingerprint(fp)
		for ; match != 0; match = match.dropFirst() {
			e := &g.entries[match.first()]
			if e.hash == h && e.key == key {
				e.key = key
				e.value = value
				t.checkInvariants()
				return
			}
		}

		if empty := g.ctrls.matchEmpty(); empty != 0 {
			i := empty.first()
			g.entries[i] = Entry[K, V]{hash: h, key: key, value: value}
			g.ctrls[i] = fp
			t.used++
			t.checkInvariants()
			return
		}

		// The home group holds 32 occupied slots. Double and try again;
		// the new capacity spreads the group's entries across twice as
		// many groups.
		t.grow(2 * t.Capacity())
	}
}

// Delete deletes the entry for the specified key. Deleting a non-existent
// key is a no-op. h must be the key's hash.
func (t *Table[K, V]) Delete(key K, h uint64) {
	t.mutable()
	g := t.groups.At(uintptr(h & t.groupMask))
	match := g.ctrls.matchFingerprint(fingerprint(h))
	for ; match != 0; match = match.dropFirst() {
		i := match.first()
		e := &g.entries[i]
		if e.hash == h && e.key == key {
			// No tombstone: single-group probing means no later lookup
			// depends on this slot reading as full.
			g.ctrls[i] = ctrlEmpty
			*e = Entry[K, V]{}
			t.used--
			t.checkInvariants()
			return
		}
	}
	t.checkInvariants()
}

// All calls yield for every entry in the table in physical slot order,
// stopping early if yield returns false. The order is not the key order
// and is not stable across mutation.
//
// All iterates over the storage reference captured at the call: the table
// may be mutated, grown, or cloned mid-iteration, and the iteration will
// neither observe the mutations nor misbehave. (A mutation through this
// handle during iteration forks the buffer, exactly as a mutation through
// a clone would.)
func (t *Table[K, V]) All(yield func(key K, value V) bool) {
	s := t.storage
	s.refs++
	defer t.release(s)

	for gi := range s.groups {
		g := &s.groups[gi]
		for occ := g.ctrls.matchOccupied(); occ != 0; occ = occ.dropFirst() {
			e := &g.entries[occ.first()]
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Clone returns a new handle sharing this table's storage. The clone is
// O(1) regardless of size. The first mutation through either handle
// copies the buffer, so neither handle ever observes the other's
// mutations.
func (t *Table[K, V]) Clone() Table[K, V] {
	t.storage.refs++
	return *t
}

// Clear removes all entries, retaining the current capacity.
func (t *Table[K, V]) Clear() {
	if t.storage.refs > 1 {
		// The buffer is shared. Drop our reference and start fresh rather
		// than copying contents we are about to discard.
		capacity := t.Capacity()
		t.storage.refs--
		t.installStorage(capacity)
	} else {
		groups := t.storage.groups
		clear(groups)
		for i := range groups {
			groups[i].ctrls.reset()
		}
	}
	t.used = 0
	t.checkInvariants()
}

// Close releases the handle's reference to its storage, freeing the
// buffer through the allocator once the last reference is gone. Close is
// unnecessary with the default allocator. It is invalid to use a Table
// after closing it, though Close itself is idempotent.
func (t *Table[K, V]) Close() {
	if t.storage != nil {
		t.release(t.storage)
		t.storage = nil
		t.groups = unsafeSlice[Group[K, V]]{}
		t.groupMask = 0
		t.used = 0
	}
	t.allocator = nil
}

// mutable is the copy-on-write gate: every mutating operation calls it
// before touching the buffer. If any other handle (or in-flight
// iteration) shares the storage, the handle forks a private copy first.
func (t *Table[K, V]) mutable() {
	if t.storage.refs > 1 {
		t.fork()
	}
}

// fork gives the handle a private buffer with the shared buffer's
// contents. At unchanged capacity the rehash placement function is the
// identity, so the fork is a flat copy of the group records rather than a
// reinsertion.
func (t *Table[K, V]) fork() {
	if debug {
		fmt.Printf("fork: %d slots, %d entries, refs=%d\n",
			t.Capacity(), t.used, t.storage.refs)
	}
	groups := t.allocator.Alloc(len(t.storage.groups))
	copy(groups, t.storage.groups)
	// refs > 1, so dropping our reference cannot free the shared buffer.
	t.storage.refs--
	t.storage = &storage[K, V]{refs: 1, groups: groups}
	t.groups = makeUnsafeSlice(groups)
	t.checkInvariants()
}

// grow replaces the buffer with one of at least newCapacity slots,
// reinstalling every entry into the group selected by its stored hash. In
// the vanishingly unlikely event that a destination group saturates even
// at the larger size, the capacity doubles again.
func (t *Table[K, V]) grow(newCapacity int) {
	for !t.rehashInto(newCapacity) {
		newCapacity *= 2
	}
	t.checkInvariants()
}

// rehashInto migrates the table into a fresh buffer of the given
// capacity. It reports false, leaving the table untouched, if some group
// of the new buffer cannot hold all of the entries that map to it.
func (t *Table[K, V]) rehashInto(newCapacity int) bool {
	if debug {
		fmt.Printf("rehash: %d -> %d slots, %d entries\n",
			t.Capacity(), newCapacity, t.used)
	}
	groups := allocGroups(t.allocator, newCapacity/groupSize)
	mask := uint64(len(groups) - 1)

	old := t.storage.groups
	for gi := range old {
		og := &old[gi]
		for occ := og.ctrls.matchOccupied(); occ != 0; occ = occ.dropFirst() {
			e := &og.entries[occ.first()]
			ng := &groups[e.hash&mask]
			empty := ng.ctrls.matchEmpty()
			if empty == 0 {
				clear(groups)
				t.allocator.Free(groups)
				return false
			}
			i := empty.first()
			ng.entries[i] = *e
			ng.ctrls[i] = fingerprint(e.hash)
		}
	}

	// The old buffer is released only now that the new one is fully
	// populated.
	oldStorage := t.storage
	t.storage = &storage[K, V]{refs: 1, groups: groups}
	t.groups = makeUnsafeSlice(groups)
	t.groupMask = mask
	t.release(oldStorage)
	return true
}

// release drops one reference to s, returning the buffer to the allocator
// when the last reference goes away. Occupied entries are cleared first
// so that a pooling allocator cannot pin dead keys and values.
func (t *Table[K, V]) release(s *storage[K, V]) {
	s.refs--
	if s.refs == 0 {
		clear(s.groups)
		t.allocator.Free(s.groups)
		s.groups = nil
	}
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if t.storage == nil {
			return
		}
		groups := t.storage.groups
		if n := len(groups); n == 0 || n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: group count %d is not a positive power of two", n))
		}
		if t.storage.refs < 1 {
			panic(fmt.Sprintf("invariant failed: live handle holds storage with refs=%d", t.storage.refs))
		}

		var used int
		for gi := range groups {
			g := &groups[gi]
			for i, c := range g.ctrls {
				if c == ctrlEmpty {
					continue
				}
				if c < 0 {
					panic(fmt.Sprintf("invariant failed: ctrl(%d/%d)=%02x is neither empty nor a fingerprint\n%s",
						gi, i, uint8(c), t.debugString()))
				}
				e := &g.entries[i]
				if fp := fingerprint(e.hash); c != fp {
					panic(fmt.Sprintf("invariant failed: ctrl(%d/%d)=%02x, but fingerprint(%016x)=%02x\n%s",
						gi, i, uint8(c), e.hash, uint8(fp), t.debugString()))
				}
				if home := e.hash & t.groupMask; home != uint64(gi) {
					panic(fmt.Sprintf("invariant failed: slot(%d/%d) holds hash %016x belonging to group %d\n%s",
						gi, i, e.hash, home, t.debugString()))
				}
				if _, ok := t.Get(e.key, e.hash); !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d/%d): %v not found by lookup\n%s",
						gi, i, e.key, t.debugString()))
				}
				used++
			}
		}
		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  refs=%d\n", t.Capacity(), t.used, t.storage.refs)
	for gi := range t.storage.groups {
		g := &t.storage.groups[gi]
		fmt.Fprintf(&buf, "group %d: occupied=%s\n", gi, g.ctrls.matchOccupied())
		for i, c := range g.ctrls {
			if c == ctrlEmpty {
				continue
			}
			e := &g.entries[i]
			fmt.Fprintf(&buf, "  %2d: %v [ctrl=%02x hash=%016x]\n", i, e.key, uint8(c), e.hash)
		}
	}
	return buf.String()
}
