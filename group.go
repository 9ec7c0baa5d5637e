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

package swiss

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Each slot has a control byte with one of two states:
//
//	empty: 1 1 1 1 1 1 1 1  (-1)
//	 full: 0 h h h h h h h  // h is the top 7 bits of the slot's hash
//
// There is no deleted or sentinel state: probing never leaves the group
// selected by the hash, so tombstones are unnecessary and deletion returns
// a slot directly to empty.
type ctrl int8

const ctrlEmpty ctrl = -1

// ctrlBlock is the metadata half of a group: one control byte per slot,
// scanned 32 at a time by the match kernels.
type ctrlBlock [groupSize]ctrl

// Entry is one slot's payload: the key's full 64-bit hash, the key, and
// the value. The stored hash lets rehash relocate entries without
// consulting a hash function and serves as a cheap pre-filter before key
// comparison.
type Entry[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
}

// Group is one probe window's worth of table: 32 control bytes followed by
// the 32 entries they mirror position-for-position. The storage buffer is a
// single allocation of these records, which keeps the entries typed for the
// garbage collector while giving every group a contiguous control block.
// ctrls must remain the first field: the match kernels read the block with
// a single unaligned 256-bit load.
type Group[K comparable, V any] struct {
	ctrls   ctrlBlock
	entries [groupSize]Entry[K, V]
}

// fingerprint extracts the control byte for a full slot: the top 7 bits of
// the hash. The byte's sign bit is zero by construction, which keeps every
// fingerprint distinguishable from ctrlEmpty.
func fingerprint(h uint64) ctrl {
	return ctrl(h >> 57)
}

// matchFingerprint returns the mask of candidate slots for fp. Candidates
// still need their keys compared: 7 bits of hash are a filter, not a proof.
func (c *ctrlBlock) matchFingerprint(fp ctrl) bitset32 {
	return matchByte(c, fp)
}

func (c *ctrlBlock) matchEmpty() bitset32 {
	return matchEmpty(c)
}

// matchOccupied is the complement of matchEmpty; rehash and iteration use
// it to enumerate live slots.
func (c *ctrlBlock) matchOccupied() bitset32 {
	return ^matchEmpty(c)
}

func (c *ctrlBlock) reset() {
	for i := range c {
		c[i] = ctrlEmpty
	}
}

// allocGroups allocates a buffer of n groups with every control byte set
// to empty. Entries are left zeroed; a slot's entry is meaningless until
// its control byte marks it full.
func allocGroups[K comparable, V any](a Allocator[K, V], n int) []Group[K, V] {
	groups := a.Alloc(n)
	for i := range groups {
		groups[i].ctrls.reset()
	}
	return groups
}

// capacityFor returns the smallest valid capacity holding n slots: a power
// of two no smaller than one group.
func capacityFor(n int) int {
	if n <= groupSize {
		return groupSize
	}
	return 1 << bits.Len64(uint64(n-1))
}

// checkLayout verifies the offsets the match kernels and the slot
// arithmetic rely on: the control block at the start of the group record
// and the entries directly after it (the compiler inserts any alignment
// padding between the two regions).
func checkLayout[K comparable, V any]() {
	var g Group[K, V]
	if off := unsafe.Offsetof(g.ctrls); off != 0 {
		panic(fmt.Sprintf("swiss: control block at offset %d, not at the start of the group", off))
	}
	if off := unsafe.Offsetof(g.entries); off < groupSize {
		panic(fmt.Sprintf("swiss: entry region at offset %d overlaps the control block", off))
	}
	if unsafe.Sizeof(g.ctrls) != groupSize {
		panic("swiss: control block is not one byte per slot")
	}
}
