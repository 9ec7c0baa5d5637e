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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// mix64 is the splitmix64 finalizer. Tests use it to turn small integer
// keys into hashes that disperse in both the group bits and the
// fingerprint bits.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func intHash(i int) uint64 {
	return mix64(uint64(i))
}

func TestFingerprint(t *testing.T) {
	require.EqualValues(t, 0, fingerprint(0))
	require.EqualValues(t, 127, fingerprint(^uint64(0)))
	for i := 0; i < 1000; i++ {
		h := rand.Uint64()
		fp := fingerprint(h)
		require.GreaterOrEqual(t, fp, ctrl(0))
		require.NotEqual(t, ctrlEmpty, fp)
		require.EqualValues(t, ctrl(h>>57), fp)
	}
}

func TestNewTableCapacity(t *testing.T) {
	testCases := []struct {
		initialCapacity  int
		expectedCapacity int
	}{
		{0, 32},
		{1, 32},
		{31, 32},
		{32, 32},
		{33, 64},
		{64, 64},
		{65, 128},
		{897, 1024},
		{1024, 1024},
		{1025, 2048},
	}
	for _, c := range testCases {
		tbl := NewTable[int, int](c.initialCapacity, nil)
		require.EqualValues(t, c.expectedCapacity, tbl.Capacity())
		require.EqualValues(t, 0, tbl.Len())
	}

	require.Panics(t, func() {
		NewTable[int, int](-1, nil)
	})
}

func TestTableEmpty(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	require.EqualValues(t, 32, tbl.Capacity())
	require.EqualValues(t, 0, tbl.Len())
	for i := -10; i < 10; i++ {
		_, ok := tbl.Get(i, intHash(i))
		require.False(t, ok)
	}
	tbl.All(func(int, int) bool {
		require.Fail(t, "should not iterate")
		return true
	})
}

func TestTableBasic(t *testing.T) {
	const count = 1000

	tbl := NewTable[int, int](0, nil)
	e := make(map[int]int)

	// Non-existent.
	for i := 0; i < count; i++ {
		_, ok := tbl.Get(i, intHash(i))
		require.False(t, ok)
	}

	// Insert.
	for i := 0; i < count; i++ {
		tbl.Put(i, intHash(i), i+count)
		e[i] = i + count
		v, ok := tbl.Get(i, intHash(i))
		require.True(t, ok)
		require.EqualValues(t, i+count, v)
		require.EqualValues(t, i+1, tbl.Len())
	}
	require.Equal(t, e, tableContents(&tbl))

	// Update.
	for i := 0; i < count; i++ {
		tbl.Put(i, intHash(i), i+2*count)
		e[i] = i + 2*count
		v, ok := tbl.Get(i, intHash(i))
		require.True(t, ok)
		require.EqualValues(t, i+2*count, v)
		require.EqualValues(t, count, tbl.Len())
	}
	require.Equal(t, e, tableContents(&tbl))

	// Lookups are pure: repeating one changes nothing.
	v1, ok1 := tbl.Get(42, intHash(42))
	v2, ok2 := tbl.Get(42, intHash(42))
	require.Equal(t, ok1, ok2)
	require.Equal(t, v1, v2)

	// Delete.
	for i := 0; i < count; i++ {
		tbl.Delete(i, intHash(i))
		delete(e, i)
		require.EqualValues(t, count-i-1, tbl.Len())
		_, ok := tbl.Get(i, intHash(i))
		require.False(t, ok)
	}
	require.Equal(t, e, tableContents(&tbl))

	// Deleting a non-existent key is a no-op.
	tbl.Delete(count+1, intHash(count+1))
	require.EqualValues(t, 0, tbl.Len())
	requireWellFormed(t, &tbl)
}

// requireWellFormed walks the control bytes verifying the metadata
// invariants: every byte is empty or a fingerprint, occupied slots carry
// their hash's fingerprint and sit in their hash's group, and the
// occupied count matches Len.
func requireWellFormed[K comparable, V any](t *testing.T, tbl *Table[K, V]) {
	t.Helper()
	groups := tbl.storage.groups
	require.NotEmpty(t, groups)
	require.Zero(t, len(groups)&(len(groups)-1))
	var used int
	for gi := range groups {
		g := &groups[gi]
		for i, c := range g.ctrls {
			if c == ctrlEmpty {
				continue
			}
			require.GreaterOrEqual(t, c, ctrl(0))
			e := &g.entries[i]
			require.EqualValues(t, fingerprint(e.hash), c)
			require.EqualValues(t, gi, e.hash&tbl.groupMask)
			used++
		}
	}
	require.EqualValues(t, tbl.Len(), used)
}

func tableContents[K comparable, V any](tbl *Table[K, V]) map[K]V {
	r := make(map[K]V)
	tbl.All(func(k K, v V) bool {
		r[k] = v
		return true
	})
	return r
}

func TestTableDeleteReinsert(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	for i := 0; i < 100; i++ {
		tbl.Put(i, intHash(i), i)
	}
	before := tbl.Len()

	tbl.Delete(1, intHash(1))
	_, ok := tbl.Get(1, intHash(1))
	require.False(t, ok)
	require.EqualValues(t, before-1, tbl.Len())

	tbl.Put(1, intHash(1), 2)
	v, ok := tbl.Get(1, intHash(1))
	require.True(t, ok)
	require.EqualValues(t, 2, v)
	require.EqualValues(t, before, tbl.Len())
}

// TestTableGroupSaturation verifies that a full home group forces the
// table to double rather than spilling into a neighboring group. At the
// minimum capacity there is a single group, so the 33rd insert must grow
// regardless of the hash values.
func TestTableGroupSaturation(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	for i := 0; i < groupSize; i++ {
		tbl.Put(i, intHash(i), i)
	}
	require.EqualValues(t, 32, tbl.Capacity())
	require.EqualValues(t, 32, tbl.Len())

	tbl.Put(groupSize, intHash(groupSize), groupSize)
	require.GreaterOrEqual(t, tbl.Capacity(), 64)
	require.EqualValues(t, 33, tbl.Len())
	for i := 0; i <= groupSize; i++ {
		v, ok := tbl.Get(i, intHash(i))
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
}

// TestTableGroupSaturationCrafted drives 33 keys into one group of a
// two-group table by pinning the group bit of their hashes, and verifies
// that growth splits them apart.
func TestTableGroupSaturationCrafted(t *testing.T) {
	hash := func(i int) uint64 {
		return mix64(uint64(i)) &^ 1 // group 0 of 2
	}

	tbl := NewTable[int, int](64, nil)
	require.EqualValues(t, 64, tbl.Capacity())
	for i := 0; i < groupSize; i++ {
		tbl.Put(i, hash(i), i)
	}
	// All 32 entries landed in group 0; the table had no reason to grow.
	require.EqualValues(t, 64, tbl.Capacity())

	tbl.Put(groupSize, hash(groupSize), groupSize)
	require.GreaterOrEqual(t, tbl.Capacity(), 128)
	require.EqualValues(t, 33, tbl.Len())
	for i := 0; i <= groupSize; i++ {
		v, ok := tbl.Get(i, hash(i))
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
}

// TestTableXorWorkload replays a random read-modify-write workload over a
// 64-key space against a builtin reference map.
func TestTableXorWorkload(t *testing.T) {
	tbl := NewTable[int, uint64](0, nil)
	e := make(map[int]uint64)
	for i := 0; i < 1000; i++ {
		k := rand.Intn(64)
		v := rand.Uint64()
		cur, _ := tbl.Get(k, intHash(k))
		require.EqualValues(t, e[k], cur)
		tbl.Put(k, intHash(k), cur^v)
		e[k] ^= v
		got, ok := tbl.Get(k, intHash(k))
		require.True(t, ok)
		require.EqualValues(t, e[k], got)
	}
	require.Equal(t, e, tableContents(&tbl))
}

// TestTableGrowthMonotonic performs 2^16 inserts, checking that capacity
// never decreases and periodically that every prior key is still
// findable.
func TestTableGrowthMonotonic(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	capacity := tbl.Capacity()
	const count = 1 << 16
	for i := 0; i < count; i++ {
		tbl.Put(i, intHash(i), i)
		require.GreaterOrEqual(t, tbl.Capacity(), capacity)
		capacity = tbl.Capacity()
		if (i+1)%8192 == 0 {
			for j := 0; j <= i; j++ {
				v, ok := tbl.Get(j, intHash(j))
				require.True(t, ok, "key %d missing after %d inserts", j, i+1)
				require.EqualValues(t, j, v)
			}
		}
	}
	require.EqualValues(t, count, tbl.Len())
	require.EqualValues(t, 0, capacity&(capacity-1))
	requireWellFormed(t, &tbl)
}

func TestTableCopyOnWrite(t *testing.T) {
	a := NewTable[int, int](0, nil)
	for i := 0; i < 100; i++ {
		a.Put(i, intHash(i), i)
	}
	before := tableContents(&a)

	// A clone shares storage until the first mutation.
	b := a.Clone()
	require.Equal(t, before, tableContents(&b))

	// Mutations through b are invisible through a, and vice versa.
	b.Put(1000, intHash(1000), 1000)
	b.Delete(0, intHash(0))
	require.Equal(t, before, tableContents(&a))
	require.EqualValues(t, 100, a.Len())
	require.EqualValues(t, 100, b.Len())
	_, ok := b.Get(0, intHash(0))
	require.False(t, ok)
	v, ok := b.Get(1000, intHash(1000))
	require.True(t, ok)
	require.EqualValues(t, 1000, v)

	a.Put(0, intHash(0), -1)
	v, ok = a.Get(0, intHash(0))
	require.True(t, ok)
	require.EqualValues(t, -1, v)
	_, ok = b.Get(0, intHash(0))
	require.False(t, ok)

	// Clones of clones are just as isolated.
	c := b.Clone()
	c.Clear()
	require.EqualValues(t, 0, c.Len())
	require.EqualValues(t, 100, b.Len())
}

// TestTableCloneGrow grows a clone past the shared capacity and verifies
// the original still sees the old buffer.
func TestTableCloneGrow(t *testing.T) {
	a := NewTable[int, int](0, nil)
	for i := 0; i < 20; i++ {
		a.Put(i, intHash(i), i)
	}
	b := a.Clone()
	for i := 20; i < 10000; i++ {
		b.Put(i, intHash(i), i)
	}
	require.EqualValues(t, 20, a.Len())
	require.EqualValues(t, 10000, b.Len())
	require.EqualValues(t, 32, a.Capacity())
	for i := 0; i < 20; i++ {
		v, ok := a.Get(i, intHash(i))
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
}

func TestTableIterateMutate(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	for i := 0; i < 100; i++ {
		tbl.Put(i, intHash(i), i)
	}
	e := tableContents(&tbl)
	require.EqualValues(t, 100, len(e))

	// Iterate over the table, inserting and deleting periodically. The
	// iteration sees exactly the original elements because it holds a
	// reference to the storage it started on; the mutations fork.
	vals := make(map[int]int)
	tbl.All(func(k, v int) bool {
		if k%10 == 0 {
			tbl.Put(k+1000, intHash(k+1000), k)
			tbl.Delete(k, intHash(k))
		}
		vals[k] = v
		return true
	})
	require.Equal(t, e, vals)

	// The mutations themselves took effect.
	require.EqualValues(t, 100, tbl.Len())
	_, ok := tbl.Get(0, intHash(0))
	require.False(t, ok)
	v, ok := tbl.Get(1000, intHash(1000))
	require.True(t, ok)
	require.EqualValues(t, 0, v)
}

func TestTableIterateEarlyStop(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	for i := 0; i < 100; i++ {
		tbl.Put(i, intHash(i), i)
	}
	var n int
	tbl.All(func(int, int) bool {
		n++
		return n < 10
	})
	require.EqualValues(t, 10, n)
}

type countingAllocator[K comparable, V any] struct {
	alloc int
	free  int
}

func (a *countingAllocator[K, V]) Alloc(n int) []Group[K, V] {
	a.alloc++
	return make([]Group[K, V], n)
}

func (a *countingAllocator[K, V]) Free(_ []Group[K, V]) {
	a.free++
}

func TestTableAllocator(t *testing.T) {
	a := &countingAllocator[int, int]{}
	tbl := NewTable[int, int](0, a)

	for i := 0; i < 1000; i++ {
		tbl.Put(i, intHash(i), i)
		// Exactly one buffer is ever live.
		require.EqualValues(t, 1, a.alloc-a.free)
	}

	// A clone pins the buffer; closing it releases only its reference.
	clone := tbl.Clone()
	clone.Put(1000, intHash(1000), 1000) // forks
	require.EqualValues(t, 2, a.alloc-a.free)
	clone.Close()
	require.EqualValues(t, 1, a.alloc-a.free)

	tbl.Close()
	require.EqualValues(t, a.alloc, a.free)

	// Close is idempotent.
	tbl.Close()
	require.EqualValues(t, a.alloc, a.free)
}

func TestTableClear(t *testing.T) {
	tbl := NewTable[int, int](0, nil)
	for i := 0; i < 1000; i++ {
		tbl.Put(i, intHash(i), i)
	}
	capacity := tbl.Capacity()

	tbl.Clear()
	require.EqualValues(t, 0, tbl.Len())
	require.EqualValues(t, capacity, tbl.Capacity())
	for i := 0; i < 1000; i++ {
		_, ok := tbl.Get(i, intHash(i))
		require.False(t, ok)
	}
	tbl.All(func(int, int) bool {
		require.Fail(t, "should not iterate")
		return true
	})

	// Clearing a shared handle leaves the other handle intact.
	for i := 0; i < 100; i++ {
		tbl.Put(i, intHash(i), i)
	}
	clone := tbl.Clone()
	clone.Clear()
	require.EqualValues(t, 0, clone.Len())
	require.EqualValues(t, 100, tbl.Len())
}

// TestTableRandom cross-checks a random operation mix against a builtin
// map, interleaving clones to exercise the copy-on-write path.
func TestTableRandom(t *testing.T) {
	tbl := NewTable[uint64, uint64](0, nil)
	e := make(map[uint64]uint64)
	keys := make([]uint64, 0, 4096)

	for i := 0; i < 10000; i++ {
		switch r := rand.Float64(); {
		case r < 0.55: // inserts and updates
			k, v := rand.Uint64()%4096, rand.Uint64()
			if _, ok := e[k]; !ok {
				keys = append(keys, k)
			}
			tbl.Put(k, mix64(k), v)
			e[k] = v
		case r < 0.75: // deletes
			if len(keys) > 0 {
				k := keys[rand.Intn(len(keys))]
				tbl.Delete(k, mix64(k))
				delete(e, k)
			}
		case r < 0.95: // lookups
			k := rand.Uint64() % 4096
			v, ok := tbl.Get(k, mix64(k))
			ev, eok := e[k]
			require.Equal(t, eok, ok)
			if ok {
				require.EqualValues(t, ev, v)
			}
		default: // clone, dropping the old handle without closing it
			tbl = tbl.Clone()
		}
		require.EqualValues(t, len(e), tbl.Len())
	}
	require.Equal(t, e, tableContents(&tbl))
	requireWellFormed(t, &tbl)
}
