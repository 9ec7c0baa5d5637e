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
	"math/bits"
	"strings"
	"unsafe"
)

const (
	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080

	// msbGather packs the eight byte sign bits of a word into the top byte
	// of the product. The sign bit of byte lane i sits at position 8i+7 and
	// must land at 56+i, which the term 2^(7*(7-i)) provides. The shifted
	// copies never collide for distinct lanes, so no carries corrupt the
	// result.
	msbGather = 0x0002040810204081
)

// bitset32 is a mask with one bit per slot of a group, bit i corresponding
// to intra-group index i. A mask is drained in ascending slot order by
// alternating first and dropFirst.
type bitset32 uint32

// first returns the intra-group index of the lowest set bit.
func (b bitset32) first() uint32 {
	return uint32(bits.TrailingZeros32(uint32(b)))
}

// dropFirst clears the lowest set bit.
func (b bitset32) dropFirst() bitset32 {
	return b & (b - 1)
}

func (b bitset32) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if b&(1<<i) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// ctrlWord loads 8 control bytes starting at intra-group index i as a
// little-endian word. The SWAR kernels below assume a little-endian CPU,
// which TestLittleEndian asserts.
func ctrlWord(c *ctrlBlock, i int) uint64 {
	return *(*uint64)(unsafe.Pointer(&c[i]))
}

// matchByteGeneric compares every control byte of the block against b and
// returns the mask of matching slots.
//
// NB: the zero-byte trick used here can produce a false positive at byte i
// when byte i-1 (within the same 8-byte word) is a true match and byte i
// differs from b only in its lowest bit. Such extra candidates cost one key
// comparison and nothing else. They can never flag an empty byte: empty
// bytes differ from every fingerprint in the sign bit, which keeps the
// XORed lane at or above 0x80.
func matchByteGeneric(c *ctrlBlock, b ctrl) bitset32 {
	cast := bitsetLSB * uint64(uint8(b))
	var m bitset32
	for i := 0; i < groupSize; i += 8 {
		v := ctrlWord(c, i) ^ cast
		z := ((v - bitsetLSB) &^ v) & bitsetMSB
		m |= bitset32(packSignBits(z)) << i
	}
	return m
}

// matchEmptyGeneric returns the mask of empty slots. Empty is the only
// control encoding with the sign bit set, so reducing the sign bits is
// exact: no false positives, unlike matchByteGeneric.
func matchEmptyGeneric(c *ctrlBlock) bitset32 {
	var m bitset32
	for i := 0; i < groupSize; i += 8 {
		m |= bitset32(packSignBits(ctrlWord(c, i)&bitsetMSB)) << i
	}
	return m
}

// packSignBits compacts a word holding only byte sign bits into an 8-bit
// mask with bit i taken from byte i.
func packSignBits(v uint64) uint32 {
	return uint32((v * msbGather) >> 56)
}
