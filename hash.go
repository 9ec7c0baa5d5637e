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

import "unsafe"

// hashFn has the signature of the hash functions in the Go runtime:
// (pointer to key, seed) -> hash.
type hashFn func(key unsafe.Pointer, seed uintptr) uintptr

// getRuntimeHasher extracts the hash function the runtime would use for a
// map[K]struct{} by reaching into the type descriptor behind an interface
// value. (This might break in a future version of Go, but is likely fixable
// unless the Go runtime does something drastic).
func getRuntimeHasher[K comparable]() hashFn {
	a := any(map[K]struct{}{})
	return (*mapiface)(unsafe.Pointer(&a)).typ.hasher
}

//go:linkname fastrand64 runtime.fastrand64
func fastrand64() uint64

// mapiface mirrors the runtime layout of an interface value holding a map.
type mapiface struct {
	typ *maptype
	val unsafe.Pointer
}

// maptype mirrors runtime.maptype (internal/abi.MapType) far enough to reach
// the hasher field.
type maptype struct {
	typ    _type
	key    *_type
	elem   *_type
	bucket *_type
	// hasher is the function the runtime uses to hash keys of this map
	// type: (ptr to key, seed) -> hash.
	hasher     hashFn
	keySize    uint8
	elemSize   uint8
	bucketSize uint16
	flags      uint32
}

// _type mirrors internal/abi.Type.
type _type struct {
	size       uintptr
	ptrBytes   uintptr
	hash       uint32
	tflag      uint8
	align      uint8
	fieldAlign uint8
	kind       uint8
	equal      func(unsafe.Pointer, unsafe.Pointer) bool
	gcData     *byte
	str        int32
	ptrToThis  int32
}

// noescape hides a pointer from escape analysis. noescape is the identity
// function but escape analysis doesn't think the output depends on the
// input. noescape is inlined and currently compiles down to zero
// instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
