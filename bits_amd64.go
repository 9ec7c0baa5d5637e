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

//go:build amd64 && !nosimd

package swiss

import "golang.org/x/sys/cpu"

// The AVX2 kernels scan all 32 control bytes of a group with three vector
// instructions: broadcast, byte-compare, sign-bit extraction. CPUs without
// AVX2 take the SWAR kernels behind a package-level flag; the branch is
// perfectly predicted.
var useAVX2 = cpu.X86.HasAVX2

// matchByteAVX2 returns a mask with bit i set iff control byte i equals b.
// Unlike matchByteGeneric the comparison is exact.
//
//go:noescape
func matchByteAVX2(c *ctrlBlock, b ctrl) uint32

// matchEmptyAVX2 returns the sign-bit mask of the control block, which under
// the control encoding is the mask of empty slots.
//
//go:noescape
func matchEmptyAVX2(c *ctrlBlock) uint32

func matchByte(c *ctrlBlock, b ctrl) bitset32 {
	if useAVX2 {
		return bitset32(matchByteAVX2(c, b))
	}
	return matchByteGeneric(c, b)
}

func matchEmpty(c *ctrlBlock) bitset32 {
	if useAVX2 {
		return bitset32(matchEmptyAVX2(c))
	}
	return matchEmptyGeneric(c)
}
