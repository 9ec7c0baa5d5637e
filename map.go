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
	"encoding/binary"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// Map is an unordered map from keys to values with Put, Get, Delete, All,
// and O(1) copy-on-write Clone operations. It pairs a Table with a hash
// function; by default a Map[K, V] uses the same hash function as Go's
// builtin map[K]V, though a different one can be specified using the
// WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// hash is applied to keys before every table operation; the table
	// itself never hashes.
	hash hashFn
	seed uintptr
	// allocator is captured before the table is built so that the
	// WithAllocator option can replace it.
	allocator Allocator[K, V]
	table     Table[K, V]
}

// New constructs a Map whose capacity is the smallest power of two holding
// at least initialCapacity entries, never less than one group of 32. The
// zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      getRuntimeHasher[K](),
		seed:      uintptr(fastrand64()),
		allocator: defaultAllocator[K, V]{},
	}
	for _, op := range options {
		op.apply(m)
	}
	m.table = NewTable[K, V](initialCapacity, m.allocator)
	return m
}

// KV is a key/value pair for literal construction with Of.
type KV[K comparable, V any] struct {
	Key   K
	Value V
}

// Of constructs a Map from a list of pairs. If a key appears more than
// once the last pair wins.
func Of[K comparable, V any](pairs ...KV[K, V]) *Map[K, V] {
	m := New[K, V](len(pairs))
	for i := range pairs {
		m.Put(pairs[i].Key, pairs[i].Value)
	}
	return m
}

// FromMap constructs a Map holding the contents of a builtin map.
func FromMap[K comparable, V any](src map[K]V) *Map[K, V] {
	m := New[K, V](len(src))
	for k, v := range src {
		m.Put(k, v)
	}
	return m
}

func (m *Map[K, V]) hashKey(key *K) uint64 {
	return uint64(m.hash(noescape(unsafe.Pointer(key)), m.seed))
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	m.table.Put(key, m.hashKey(&key), value)
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	return m.table.Get(key, m.hashKey(&key))
}

// Delete deletes the entry corresponding to the specified key from the
// map. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) {
	m.table.Delete(key, m.hashKey(&key))
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.table.Len()
}

// Capacity returns the number of slots in the map's table.
func (m *Map[K, V]) Capacity() int {
	return m.table.Capacity()
}

// All calls yield sequentially for each key and value present in the map,
// stopping early if yield returns false. Iteration order is the physical
// slot order and is not stable across mutation. Mutating the map during
// iteration is allowed; the iteration observes the contents as of its
// start and none of the mutations.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	m.table.All(yield)
}

// Clone returns a map sharing this map's storage, hash function, and
// seed. The clone is O(1); the first mutation through either map copies
// the storage, so neither map ever observes the other's mutations.
func (m *Map[K, V]) Clone() *Map[K, V] {
	return &Map[K, V]{
		hash:      m.hash,
		seed:      m.seed,
		allocator: m.allocator,
		table:     m.table.Clone(),
	}
}

// Clear removes all entries, retaining the current capacity.
func (m *Map[K, V]) Clear() {
	m.table.Clear()
}

// Close releases the map's reference to its storage. It is unnecessary to
// close a map using the default allocator. It is invalid to use a Map
// after it has been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	m.table.Close()
}

// Equal reports whether a and b hold the same {key: value} contents. The
// comparison ignores physical layout, capacity, seeds, and hash
// functions.
func Equal[K, V comparable](a, b *Map[K, V]) bool {
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.All(func(k K, v V) bool {
		bv, ok := b.Get(k)
		equal = ok && bv == v
		return equal
	})
	return equal
}

// Checksum returns an order-independent hash of the map's contents: the
// XOR of an xxh3 finalization of every pair's key and value hashes.
// Neither iteration nor insertion order affects the result, so a map and
// any mutated-then-restored clone of it agree.
//
// The pair hashes are computed with the map's own hash function and seed,
// so checksums are only comparable between maps that share both — in
// particular, between a map and its clones. Use Equal to compare
// arbitrary maps.
func Checksum[K, V comparable](m *Map[K, V]) uint64 {
	valueHash := getRuntimeHasher[V]()
	var sum uint64
	m.All(func(k K, v V) bool {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], m.hashKey(&k))
		binary.LittleEndian.PutUint64(buf[8:], uint64(valueHash(noescape(unsafe.Pointer(&v)), m.seed)))
		sum ^= xxh3.Hash(buf[:])
		return true
	})
	return sum
}
