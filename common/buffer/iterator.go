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

package buffer

// Iterator walks the chunks of a Buffer in order, optionally restricted
// to a byte subrange. It is used by driver code that must scatter a
// Buffer onto the wire; higher-level code should prefer Peek, GetRange
// and CopyOut.
//
// The Buffer must not be modified while an Iterator is live.
type Iterator struct {
	current *chunk

	// offset is how far into current the subrange begins; remaining is
	// how many bytes of the subrange are left across all chunks.
	offset    int
	remaining int
}

// NewIterator returns an Iterator over the whole Buffer.
func NewIterator(b *Buffer) *Iterator {
	return NewSubIterator(b, 0, b.totalLength)
}

// NewSubIterator returns an Iterator over [offset, offset+length),
// clipped to the end of the Buffer.
func NewSubIterator(b *Buffer, offset, length int) *Iterator {
	if offset > b.totalLength {
		offset = b.totalLength
	}
	if offset+length > b.totalLength {
		length = b.totalLength - offset
	}
	it := &Iterator{current: b.chunks, offset: offset, remaining: length}
	for it.current != nil && it.offset >= len(it.current.data) {
		it.offset -= len(it.current.data)
		it.current = it.current.next
	}
	if it.remaining == 0 {
		it.current = nil
	}
	return it
}

// Done reports whether the iterator has been exhausted.
func (it *Iterator) Done() bool { return it.current == nil }

// Data returns the bytes of the current chunk that fall inside the
// iterator's range.
func (it *Iterator) Data() []byte {
	data := it.current.data[it.offset:]
	if len(data) > it.remaining {
		data = data[:it.remaining]
	}
	return data
}

// Next advances to the next chunk in the range.
func (it *Iterator) Next() {
	n := len(it.current.data) - it.offset
	if n > it.remaining {
		n = it.remaining
	}
	it.remaining -= n
	it.offset = 0
	it.current = it.current.next
	if it.remaining == 0 {
		it.current = nil
	}
}

// TotalLength returns the number of bytes remaining in the iterator's
// range, including the current chunk.
func (it *Iterator) TotalLength() int { return it.remaining }
