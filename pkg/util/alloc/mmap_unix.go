// Copyright 2024 yoock, Inc.
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

//go:build unix

package alloc

import (
	"os"

	"github.com/pingcap/errors"
	"golang.org/x/sys/unix"
)

// MmapSource serves allocations at or above a size threshold from
// anonymous virtual-memory mappings and delegates smaller ones to the
// heap. Mapped regions can optionally be populated eagerly, trading
// startup latency for avoiding later page-fault stalls.
type MmapSource struct {
	threshold int
	populate  bool
	pageSize  int
	fallback  *DefaultSource
}

// NewMmapSource creates an MmapSource. Requests smaller than threshold go
// to the heap.
func NewMmapSource(threshold int, populate bool) MemorySource {
	return &MmapSource{
		threshold: threshold,
		populate:  populate,
		pageSize:  os.Getpagesize(),
		fallback:  NewDefaultSource(),
	}
}

// Allocate implements MemorySource. Mappings are page aligned, which
// satisfies any alignment up to the page size.
func (s *MmapSource) Allocate(size, alignment int) ([]byte, error) {
	if size < s.threshold {
		return s.fallback.Allocate(size, alignment)
	}
	if alignment > s.pageSize {
		return nil, errors.Errorf("alignment %d exceeds page size %d", alignment, s.pageSize)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if s.populate {
		flags |= mmapPopulateFlag
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return buf, nil
}

// Reallocate implements MemorySource. Resizing across the threshold moves
// the buffer between the heap and a mapping.
func (s *MmapSource) Reallocate(buf []byte, oldSize, newSize, alignment int) ([]byte, error) {
	if oldSize < s.threshold && newSize < s.threshold {
		return s.fallback.Reallocate(buf, oldSize, newSize, alignment)
	}
	newBuf, err := s.Allocate(newSize, alignment)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(newBuf, buf[:n])
	if err := s.Free(buf); err != nil {
		return nil, err
	}
	return newBuf, nil
}

// Free implements MemorySource. Buffers below the threshold were heap
// allocated and are left to the garbage collector.
func (s *MmapSource) Free(buf []byte) error {
	if len(buf) < s.threshold {
		return s.fallback.Free(buf)
	}
	return errors.Trace(unix.Munmap(buf))
}
