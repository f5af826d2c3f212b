// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package buffer manages a logically linear byte sequence stored as
// discontiguous chunks. Payloads cross the transport and the store as
// Buffers so that headers can be prepended and received packet memory
// appended without copying the data itself.
package buffer

import (
	"fmt"
	"strings"
)

// A chunk references one physically contiguous region of the Buffer.
// If release is non-nil it runs exactly once when the Buffer is Reset,
// returning the memory to its owner (e.g. a packet driver).
type chunk struct {
	data    []byte
	release func()
	next    *chunk
}

// Buffer is an ordered collection of chunks. The zero value is an empty
// Buffer ready for use. A Buffer must be Reset when its contents are no
// longer needed so that owned chunks are returned to their owners; after
// Reset the Buffer is empty and reusable.
//
// Buffers are not safe for concurrent use.
type Buffer struct {
	totalLength  int
	numberChunks int

	chunks    *chunk
	chunksEnd *chunk

	allocations    *allocation
	scratchRanges  [][]byte
	releasePending bool
}

// Append adds externally-owned memory to the logical end of the Buffer.
// The memory must outlive the Buffer; it is not released on Reset.
func (b *Buffer) Append(data []byte) {
	b.appendChunk(&chunk{data: data})
}

// AppendOwned adds memory to the logical end of the Buffer and arranges
// for release to run exactly once when the Buffer is Reset.
func (b *Buffer) AppendOwned(data []byte, release func()) {
	b.appendChunk(&chunk{data: data, release: release})
}

// Prepend adds externally-owned memory to the logical beginning of the
// Buffer.
func (b *Buffer) Prepend(data []byte) {
	b.prependChunk(&chunk{data: data})
}

// PrependOwned adds memory to the logical beginning of the Buffer and
// arranges for release to run exactly once when the Buffer is Reset.
func (b *Buffer) PrependOwned(data []byte, release func()) {
	b.prependChunk(&chunk{data: data, release: release})
}

// AllocAppend appends length bytes of Buffer-owned memory and returns
// them for the caller to fill. The memory lives until Reset.
func (b *Buffer) AllocAppend(length int) []byte {
	data := b.allocateAppend(length)
	b.appendChunk(&chunk{data: data})
	return data
}

// AllocPrepend prepends length bytes of Buffer-owned memory and returns
// them for the caller to fill. Sized for small headers.
func (b *Buffer) AllocPrepend(length int) []byte {
	data := b.allocatePrepend(length)
	b.prependChunk(&chunk{data: data})
	return data
}

// AppendCopy copies data into Buffer-owned memory at the logical end.
func (b *Buffer) AppendCopy(data []byte) {
	copy(b.AllocAppend(len(data)), data)
}

// PrependCopy copies data into Buffer-owned memory at the logical
// beginning.
func (b *Buffer) PrependCopy(data []byte) {
	copy(b.AllocPrepend(len(data)), data)
}

// TotalLength returns the sum of the lengths of all chunks.
func (b *Buffer) TotalLength() int { return b.totalLength }

// NumberChunks returns how many chunks compose the Buffer.
func (b *Buffer) NumberChunks() int { return b.numberChunks }

// Peek returns the contiguous run of bytes beginning at offset within
// whatever chunk the offset lands in, without copying. It returns nil
// if offset is at or past the end of the Buffer.
func (b *Buffer) Peek(offset int) []byte {
	for current := b.chunks; current != nil; current = current.next {
		if offset < len(current.data) {
			return current.data[offset:]
		}
		offset -= len(current.data)
	}
	return nil
}

// GetRange makes [offset, offset+length) available as contiguous bytes.
// If the range already lies within one chunk a direct reference is
// returned; otherwise the bytes are copied into a scratch region whose
// lifetime equals the Buffer's. Returns nil for a zero-length or
// out-of-range request.
func (b *Buffer) GetRange(offset, length int) []byte {
	if length == 0 || offset+length > b.totalLength {
		return nil
	}

	current := b.chunks
	for offset >= len(current.data) {
		offset -= len(current.data)
		current = current.next
	}

	if offset+length <= len(current.data) {
		return current.data[offset : offset+length]
	}
	data := b.allocateScratchRange(length)
	copyChunks(current, offset, data)
	return data
}

// CopyOut copies bytes starting at offset into dst. If the requested
// region extends past the end of the Buffer only the available bytes
// are copied. Returns the number of bytes copied.
func (b *Buffer) CopyOut(offset int, dst []byte) int {
	if b.chunks == nil || offset >= b.totalLength {
		return 0
	}
	length := len(dst)
	if offset+length > b.totalLength {
		length = b.totalLength - offset
	}

	current := b.chunks
	for offset >= len(current.data) {
		offset -= len(current.data)
		current = current.next
	}
	copyChunks(current, offset, dst[:length])
	return length
}

// Reset runs every owned chunk's release callback exactly once and
// returns the Buffer to its empty state.
func (b *Buffer) Reset() {
	for current := b.chunks; current != nil; current = current.next {
		if current.release != nil {
			release := current.release
			current.release = nil
			release()
		}
	}
	b.chunks = nil
	b.chunksEnd = nil
	b.totalLength = 0
	b.numberChunks = 0
	b.allocations = nil
	b.scratchRanges = nil
}

// String renders the Buffer's contents for diagnostics: chunk contents
// separated by " | ", long chunks abbreviated, non-printable bytes
// escaped.
func (b *Buffer) String() string {
	const chunkLimit = 20
	var sb strings.Builder
	for current := b.chunks; current != nil; current = current.next {
		if sb.Len() > 0 {
			sb.WriteString(" | ")
		}
		data := current.data
		if len(data) > chunkLimit {
			data = data[:chunkLimit]
		}
		for _, c := range data {
			if c >= 0x20 && c < 0x7f {
				sb.WriteByte(c)
			} else {
				fmt.Fprintf(&sb, "\\x%02x", c)
			}
		}
		if len(current.data) > chunkLimit {
			fmt.Fprintf(&sb, "(+%d more)", len(current.data)-chunkLimit)
		}
	}
	return sb.String()
}

func (b *Buffer) appendChunk(c *chunk) {
	if b.chunksEnd == nil {
		b.chunks = c
	} else {
		b.chunksEnd.next = c
	}
	b.chunksEnd = c
	b.numberChunks++
	b.totalLength += len(c.data)
}

func (b *Buffer) prependChunk(c *chunk) {
	c.next = b.chunks
	b.chunks = c
	if b.chunksEnd == nil {
		b.chunksEnd = c
	}
	b.numberChunks++
	b.totalLength += len(c.data)
}

func (b *Buffer) allocatePrepend(size int) []byte {
	if b.allocations != nil {
		if data := b.allocations.allocatePrepend(size); data != nil {
			return data
		}
	}
	if size <= appendStart {
		return b.newAllocation().allocatePrepend(size)
	}
	return b.allocateScratchRange(size)
}

func (b *Buffer) allocateAppend(size int) []byte {
	if b.allocations != nil {
		if data := b.allocations.allocateAppend(size); data != nil {
			return data
		}
	}
	if size <= allocationSize-appendStart {
		return b.newAllocation().allocateAppend(size)
	}
	return b.allocateScratchRange(size)
}

// allocateScratchRange returns size bytes that live until Reset. Small
// requests come from the head allocation's scratch region; oversized
// ones fall back to the heap and are pinned in scratchRanges.
func (b *Buffer) allocateScratchRange(size int) []byte {
	if b.allocations != nil {
		if data := b.allocations.allocateScratch(size); data != nil {
			return data
		}
	}
	if size <= allocationSize-appendStart {
		return b.newAllocation().allocateScratch(size)
	}
	data := make([]byte, size)
	b.scratchRanges = append(b.scratchRanges, data)
	return data
}

func (b *Buffer) newAllocation() *allocation {
	a := newAllocation()
	a.next = b.allocations
	b.allocations = a
	return a
}

// copyChunks copies len(dst) bytes starting at offset within the chunk
// list headed by start. The caller ensures the range is in bounds.
func copyChunks(start *chunk, offset int, dst []byte) {
	current := start
	for len(dst) > 0 {
		n := copy(dst, current.data[offset:])
		dst = dst[n:]
		offset = 0
		current = current.next
	}
}
