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

// Package shm contains platform-specific helpers for named shared memory
// segments: mapping, atomics on mapped bytes and a process-shared mutex.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

// DevShmDir is where named segments live by default.
const DevShmDir = "/dev/shm"

var (
	// ErrNoSpace is returned when /dev/shm cannot hold a new segment.
	ErrNoSpace = errors.New("shm: share memory had not left space")
	// ErrSizeMismatch is returned when an existing segment has a different size.
	ErrSizeMismatch = errors.New("shm: segment size mismatch")
	// ErrInvalidSize is returned for non-positive mapping sizes.
	ErrInvalidSize = errors.New("shm: invalid segment size")
	// ErrUnsupportedPlatform is returned where named segments are not implemented.
	ErrUnsupportedPlatform = errors.New("shm: unsupported platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string
	// Fresh is true when this call sized an empty segment.
	Fresh bool

	fd int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Dir    string // defaults to DevShmDir
	Size   int
	Create bool
	Mode   os.FileMode // defaults to 0666
}

// Path returns the filesystem path of the segment.
func (o MapOptions) Path() string {
	dir := o.Dir
	if dir == "" {
		dir = DevShmDir
	}
	return filepath.Join(dir, o.Name)
}

func (o MapOptions) mode() os.FileMode {
	if o.Mode == 0 {
		return 0666
	}
	return o.Mode
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}
