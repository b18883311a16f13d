/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"unsafe"
)

// Uint32At returns a pointer to the 4-byte word at off in mem for use
// with sync/atomic. off must be 4-byte aligned.
func Uint32At(mem []byte, off int) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("shm: unaligned uint32 offset %d", off))
	}
	return (*uint32)(unsafe.Pointer(&mem[off : off+4][0]))
}

// Uint64At returns a pointer to the 8-byte word at off in mem. off must be
// 8-byte aligned.
func Uint64At(mem []byte, off int) *uint64 {
	if off%8 != 0 {
		panic(fmt.Sprintf("shm: unaligned uint64 offset %d", off))
	}
	return (*uint64)(unsafe.Pointer(&mem[off : off+8][0]))
}
