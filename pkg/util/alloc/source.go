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

package alloc

import (
	"sync"
	"unsafe"

	"github.com/pingcap/errors"
	"github.com/yoock/doris/pkg/util/logutil"
	"go.uber.org/zap"
)

// MemorySource supplies raw allocation, resize and deallocation of byte
// buffers at a given alignment. Sources carry no accounting of their own;
// the allocation engine layers the limit checks and bookkeeping on top.
// All sources return zero-filled memory for freshly obtained regions.
type MemorySource interface {
	Allocate(size, alignment int) ([]byte, error)
	// Reallocate may move the buffer. The caller must discard the old
	// buffer unconditionally after the call.
	Reallocate(buf []byte, oldSize, newSize, alignment int) ([]byte, error)
	Free(buf []byte) error
}

// minAlignment is used when the caller passes alignment 0.
const minAlignment = 8

// DefaultSource delegates to the Go heap, over-allocating to satisfy the
// requested alignment.
type DefaultSource struct{}

// NewDefaultSource creates a DefaultSource.
func NewDefaultSource() *DefaultSource {
	return &DefaultSource{}
}

// Allocate implements MemorySource.
func (*DefaultSource) Allocate(size, alignment int) ([]byte, error) {
	return allocAligned(size, alignment)
}

// Reallocate implements MemorySource. The buffer always moves.
func (s *DefaultSource) Reallocate(buf []byte, oldSize, newSize, alignment int) ([]byte, error) {
	newBuf, err := s.Allocate(newSize, alignment)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(newBuf, buf[:n])
	return newBuf, nil
}

// Free implements MemorySource. Heap buffers are reclaimed by the garbage
// collector once the caller drops its reference.
func (*DefaultSource) Free(_ []byte) error {
	return nil
}

func allocAligned(size, alignment int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Errorf("negative allocation size %d", size)
	}
	if alignment == 0 {
		alignment = minAlignment
	}
	if alignment < 0 || alignment&(alignment-1) != 0 {
		return nil, errors.Errorf("alignment %d is not a power of two", alignment)
	}
	buf := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	shift := 0
	if rem := int(addr) & (alignment - 1); rem != 0 {
		shift = alignment - rem
	}
	return buf[shift : size+shift : size+shift], nil
}

func bufAddr(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[:1][0]))
}

// RecordSource wraps another source and keeps an address to size table of
// outstanding allocations. It is used to validate that every release is
// paired with a consume of the same size and to detect leaks at shutdown.
type RecordSource struct {
	inner MemorySource

	mu        sync.Mutex
	allocated map[uintptr]int
}

// NewRecordSource creates a RecordSource around inner. A nil inner wraps
// the default heap source.
func NewRecordSource(inner MemorySource) *RecordSource {
	if inner == nil {
		inner = NewDefaultSource()
	}
	return &RecordSource{
		inner:     inner,
		allocated: make(map[uintptr]int),
	}
}

// Allocate implements MemorySource.
func (s *RecordSource) Allocate(size, alignment int) ([]byte, error) {
	buf, err := s.inner.Allocate(size, alignment)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.allocated[bufAddr(buf)] = size
	s.mu.Unlock()
	return buf, nil
}

// Reallocate implements MemorySource. The table entry moves to the new
// address and size under one lock acquisition.
func (s *RecordSource) Reallocate(buf []byte, oldSize, newSize, alignment int) ([]byte, error) {
	newBuf, err := s.inner.Reallocate(buf, oldSize, newSize, alignment)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.allocated, bufAddr(buf))
	s.allocated[bufAddr(newBuf)] = newSize
	s.mu.Unlock()
	return newBuf, nil
}

// Free implements MemorySource.
func (s *RecordSource) Free(buf []byte) error {
	addr := bufAddr(buf)
	s.mu.Lock()
	_, ok := s.allocated[addr]
	delete(s.allocated, addr)
	s.mu.Unlock()
	if !ok {
		logutil.BgLogger().Warn("free of unrecorded buffer", zap.Uintptr("addr", addr))
	}
	return s.inner.Free(buf)
}

// OutstandingCount returns the number of live allocations.
func (s *RecordSource) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocated)
}

// OutstandingBytes returns the total size of live allocations.
func (s *RecordSource) OutstandingBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, size := range s.allocated {
		total += int64(size)
	}
	return total
}

// OutstandingSize returns the recorded size for a live buffer.
func (s *RecordSource) OutstandingSize(buf []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.allocated[bufAddr(buf)]
	return size, ok
}

// LogLeaks warns about every allocation still outstanding. Call it at
// shutdown after all callers have released their buffers.
func (s *RecordSource) LogLeaks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, size := range s.allocated {
		logutil.BgLogger().Warn("leaked allocation",
			zap.Uintptr("addr", addr), zap.Int("size", size))
	}
}
