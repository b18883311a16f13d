//go:build linux

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
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion opens or creates the segment named by opts and maps it shared.
// An empty segment is sized to opts.Size; a non-empty one must already have
// exactly that size.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}
	path := opts.Path()
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if !pathExists(path) && !canCreateOnDevShm(uint64(opts.Size), path) {
			return nil, fmt.Errorf("err:%w path:%s, size:%d", ErrNoSpace, path, opts.Size)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, uint32(opts.mode().Perm()))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	fresh := false
	switch {
	case st.Size == 0:
		// Racing openers may both truncate; truncating to the same size
		// leaves already written bytes alone.
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
		fresh = true
	case st.Size != int64(opts.Size):
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, path, st.Size, opts.Size)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr:  addr,
		Path:  path,
		Fresh: fresh,
		fd:    fd,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region. The segment itself
// is left in place.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.fd >= 0 {
		if err := unix.Close(region.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.fd = -1
	}
	return errors.Join(errs...)
}

// RemoveRegion unlinks the named segment. Processes that still map it keep
// their mapping.
func RemoveRegion(ctx context.Context, opts MapOptions) error {
	if err := unix.Unlink(opts.Path()); err != nil {
		return fmt.Errorf("unlink %s: %w", opts.Path(), err)
	}
	return nil
}
