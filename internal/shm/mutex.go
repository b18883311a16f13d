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
	"sync/atomic"
)

const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// Mutex is a lock whose whole state is one 32-bit word inside a shared
// mapping, so every process mapping the word excludes every other one.
// The zero word is an unlocked mutex.
type Mutex struct {
	word *uint32
}

// NewMutex returns a Mutex operating on word.
func NewMutex(word *uint32) *Mutex {
	return &Mutex{word: word}
}

// Lock blocks until the mutex is held.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
		return
	}
	for atomic.SwapUint32(m.word, contended) != unlocked {
		wait(m.word, contended)
	}
}

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, unlocked, locked)
}

// Unlock releases the mutex and wakes one waiter if there are any.
func (m *Mutex) Unlock() {
	if atomic.SwapUint32(m.word, unlocked) == contended {
		wake(m.word, 1)
	}
}

// Reset forces the word to the unlocked state. Only the process that
// constructs a segment may call it.
func (m *Mutex) Reset() {
	atomic.StoreUint32(m.word, unlocked)
}
