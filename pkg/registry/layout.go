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

package registry

// Segment layout. All words are native-endian and naturally aligned.
//
//	header (64 bytes)
//	  0  magic     u32
//	  4  version   u32
//	  8  state     u32   0 uninitialized, 1 initializing, 2 ready
//	 12  lock      u32   futex word
//	 16  count     u32
//	 20  capacity  u32
//	 24  overflow  u64   marks dropped because the table was full
//	 32  initPID   u32   pid that claimed construction
//	entries (32 bytes each)
//	  0  dev       u64
//	  8  ino       u64
//	 16  flags     u32
//	 20  ownerPID  u32
//	 24  markedAt  i64   unix nanoseconds
const (
	layoutMagic   uint32 = 0x524f564d // "ROVM"
	layoutVersion uint32 = 1

	offMagic    = 0
	offVersion  = 4
	offState    = 8
	offLock     = 12
	offCount    = 16
	offCapacity = 20
	offOverflow = 24
	offInitPID  = 32
	headerSize  = 64

	entryOffDev      = 0
	entryOffIno      = 8
	entryOffFlags    = 16
	entryOffOwnerPID = 20
	entryOffMarkedAt = 24
	entrySize        = 32

	flagReadOnly uint32 = 1 << 0
)

const (
	stateUninitialized uint32 = iota
	stateInitializing
	stateReady
)

// SegmentSize returns the byte size of a segment holding capacity entries.
func SegmentSize(capacity int) int {
	return headerSize + capacity*entrySize
}

func entryOffset(i int) int {
	return headerSize + i*entrySize
}
