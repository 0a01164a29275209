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

package chunk

import (
	"github.com/yoock/doris/pkg/util/alloc"
)

// BufferAlignment keeps column data SIMD friendly.
const BufferAlignment = 64

// Buffer is a contiguous, allocator-backed byte buffer used as the backing
// store of column vectors. All growth goes through the allocation engine,
// so column memory is accounted against the owning task and the process
// hard limit like any other operator memory.
type Buffer struct {
	alloc *alloc.Allocator
	data  []byte
	size  int
}

// NewBuffer creates an empty buffer on the given allocation engine.
func NewBuffer(a *alloc.Allocator) *Buffer {
	return &Buffer{alloc: a}
}

// Len returns the number of bytes appended so far.
func (b *Buffer) Len() int {
	return b.size
}

// Cap returns the allocated capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Bytes returns the appended bytes. The slice is invalidated by the next
// Append, Grow, Reset or Destroy.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.size]
}

// Grow ensures capacity for at least n more bytes, doubling the backing
// allocation as needed. The old backing buffer is discarded
// unconditionally after reallocation, whether or not it moved.
func (b *Buffer) Grow(n int) error {
	need := b.size + n
	if need <= len(b.data) {
		return nil
	}
	newCap := len(b.data) * 2
	if newCap < need {
		newCap = need
	}
	newData, err := b.alloc.Realloc(b.data, len(b.data), newCap, BufferAlignment)
	if err != nil {
		return err
	}
	b.data = newData
	return nil
}

// Append adds p to the buffer, growing it as needed.
func (b *Buffer) Append(p []byte) error {
	if err := b.Grow(len(p)); err != nil {
		return err
	}
	copy(b.data[b.size:], p)
	b.size += len(p)
	return nil
}

// Reset forgets the appended bytes but keeps the capacity.
func (b *Buffer) Reset() {
	b.size = 0
}

// Destroy releases the backing allocation. The buffer is reusable
// afterwards and starts empty.
func (b *Buffer) Destroy() {
	if b.data != nil {
		b.alloc.Free(b.data, len(b.data))
		b.data = nil
	}
	b.size = 0
}
