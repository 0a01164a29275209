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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yoock/doris/pkg/util/memory"
)

func TestAllocAligned(t *testing.T) {
	source := NewDefaultSource()
	for _, alignment := range []int{0, 1, 8, 16, 64, 512, 4096} {
		buf, err := source.Allocate(1000, alignment)
		require.NoError(t, err)
		require.Len(t, buf, 1000)
		require.Equal(t, 1000, cap(buf))
		effective := alignment
		if effective == 0 {
			effective = minAlignment
		}
		require.Zero(t, bufAddr(buf)&uintptr(effective-1), "alignment %d", alignment)
		for _, b := range buf {
			require.Zero(t, b)
		}
	}
}

func TestAllocAlignedErrors(t *testing.T) {
	source := NewDefaultSource()
	_, err := source.Allocate(-1, 8)
	require.Error(t, err)
	_, err = source.Allocate(100, 3)
	require.Error(t, err)
	_, err = source.Allocate(100, -8)
	require.Error(t, err)
}

func TestDefaultReallocate(t *testing.T) {
	source := NewDefaultSource()
	buf, err := source.Allocate(100, 8)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(i)
	}

	grown, err := source.Reallocate(buf, 100, 300, 8)
	require.NoError(t, err)
	require.Len(t, grown, 300)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), grown[i])
	}
	for i := 100; i < 300; i++ {
		require.Zero(t, grown[i])
	}

	shrunk, err := source.Reallocate(grown, 300, 50, 8)
	require.NoError(t, err)
	require.Len(t, shrunk, 50)
	for i := 0; i < 50; i++ {
		require.Equal(t, byte(i), shrunk[i])
	}
}

func TestBufAddr(t *testing.T) {
	require.Zero(t, bufAddr(nil))
	require.Zero(t, bufAddr([]byte{}))
	buf := make([]byte, 8)
	require.NotZero(t, bufAddr(buf))
	// The address is stable across a length-only reslice.
	require.Equal(t, bufAddr(buf), bufAddr(buf[:0]))
}

func TestRecordSourceRoundTrip(t *testing.T) {
	source := NewRecordSource(nil)

	a, err := source.Allocate(100, 8)
	require.NoError(t, err)
	b, err := source.Allocate(200, 8)
	require.NoError(t, err)
	require.Equal(t, 2, source.OutstandingCount())
	require.Equal(t, int64(300), source.OutstandingBytes())

	size, ok := source.OutstandingSize(a)
	require.True(t, ok)
	require.Equal(t, 100, size)

	// Reallocation moves the table entry to the new address and size.
	b2, err := source.Reallocate(b, 200, 400, 8)
	require.NoError(t, err)
	require.Equal(t, 2, source.OutstandingCount())
	require.Equal(t, int64(500), source.OutstandingBytes())
	size, ok = source.OutstandingSize(b2)
	require.True(t, ok)
	require.Equal(t, 400, size)

	require.NoError(t, source.Free(a))
	require.NoError(t, source.Free(b2))
	require.Equal(t, 0, source.OutstandingCount())
	require.Equal(t, int64(0), source.OutstandingBytes())

	// Freeing an unrecorded buffer is logged, not fatal.
	require.NoError(t, source.Free(make([]byte, 8)))
}

func TestRecordSourceUnderEngine(t *testing.T) {
	enableChecks(t, nil)
	source := NewRecordSource(nil)
	tc := memory.NewThreadContext()
	a := New(Options{Source: source}, tc, memory.NewArbitrator(-1))

	buf1, err := a.Alloc(128, 8)
	require.NoError(t, err)
	buf2, err := a.Alloc(256, 8)
	require.NoError(t, err)
	require.Equal(t, int64(384), source.OutstandingBytes())

	buf2, err = a.Realloc(buf2, 256, 512, 8)
	require.NoError(t, err)
	require.Equal(t, int64(640), source.OutstandingBytes())

	a.Free(buf1, 128)
	a.Free(buf2, 512)
	require.Equal(t, 0, source.OutstandingCount())
}

func TestMmapSource(t *testing.T) {
	source := NewMmapSource(4096, false)

	// Below the threshold allocations come from the heap fallback.
	small, err := source.Allocate(1024, 64)
	require.NoError(t, err)
	require.Len(t, small, 1024)
	require.Zero(t, bufAddr(small)&63)

	big, err := source.Allocate(16384, 64)
	require.NoError(t, err)
	require.Len(t, big, 16384)
	require.Zero(t, bufAddr(big)&63)
	for i := range big {
		big[i] = byte(i)
	}

	// Growing across the threshold preserves the content.
	grown, err := source.Reallocate(small, 1024, 8192, 64)
	require.NoError(t, err)
	require.Len(t, grown, 8192)

	require.NoError(t, source.Free(grown))
	require.NoError(t, source.Free(big))
}

func TestMmapSourcePopulate(t *testing.T) {
	source := NewMmapSource(4096, true)
	buf, err := source.Allocate(65536, 8)
	require.NoError(t, err)
	require.Len(t, buf, 65536)
	buf[0] = 1
	buf[65535] = 2
	require.NoError(t, source.Free(buf))
}
