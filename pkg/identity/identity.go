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

// Package identity names the kernel object behind a file descriptor.
//
// A (device, inode) pair survives dup(2) and SCM_RIGHTS transfer, so two
// processes holding different descriptor numbers for the same exported
// allocation resolve to the same Identity.
package identity

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrIdentityUnavailable is returned when a descriptor cannot be inspected.
var ErrIdentityUnavailable = errors.New("identity: unavailable")

// Identity is the filesystem identity of an open kernel object.
type Identity struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether i is the zero identity.
func (i Identity) IsZero() bool { return i.Dev == 0 && i.Ino == 0 }

func (i Identity) String() string { return fmt.Sprintf("%d:%d", i.Dev, i.Ino) }

// Resolver derives an Identity from a descriptor.
type Resolver func(fd int) (Identity, error)

// Resolve stats fd. It is recomputed on every call; nothing is cached.
func Resolve(fd int) (Identity, error) {
	if fd < 0 {
		return Identity{}, fmt.Errorf("%w: fd %d", ErrIdentityUnavailable, fd)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Identity{}, fmt.Errorf("%w: fstat fd %d: %w", ErrIdentityUnavailable, fd, err)
	}
	return Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
