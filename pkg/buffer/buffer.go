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

// Package buffer provides the cursor-tracked byte buffer views transferred
// through a channel. A Buffer is a window over a byte region with position,
// limit and capacity cursors; the invariant 0 <= position <= limit <= capacity
// always holds.
//
// A buffer has one of two layouts. A direct buffer exposes its window as one
// contiguous region handed straight to the transport socket. A heap buffer
// exposes its backing array; transfers go through the socket's positional
// primitive and the caller advances the cursor by the transferred count.
package buffer

import (
	"errors"

	"github.com/valyala/bytebufferpool"
)

var (
	// ErrCursorRange is returned when a requested position or limit would
	// break the cursor invariant.
	ErrCursorRange = errors.New("buffer: cursor out of range")
	// ErrOverflow is returned by relative put operations that exceed the
	// remaining capacity.
	ErrOverflow = errors.New("buffer: overflow")
	// ErrUnderflow is returned by relative get operations that exceed the
	// remaining content.
	ErrUnderflow = errors.New("buffer: underflow")
	// ErrNoBackingArray is returned by Array on a direct buffer.
	ErrNoBackingArray = errors.New("buffer: direct buffer has no accessible backing array")
)

// Buffer is a byte buffer view with position/limit/capacity cursor
// accounting. The zero value is not usable; construct with NewHeap, NewDirect
// or Wrap.
type Buffer struct {
	data   []byte
	pos    int
	lim    int
	direct bool

	// pooled is non-nil when the backing array was taken from
	// bytebufferpool; Free returns it.
	pooled *bytebufferpool.ByteBuffer
}

// NewHeap returns a heap buffer of the given capacity with an accessible
// backing array drawn from the shared pool. Position is 0 and limit equals
// capacity. Call Free when done to recycle the backing array.
func NewHeap(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	bb := bytebufferpool.Get()
	if cap(bb.B) < capacity {
		bb.B = append(bb.B[:0], make([]byte, capacity)...)
	}
	bb.B = bb.B[:capacity]
	for i := range bb.B {
		bb.B[i] = 0
	}
	return &Buffer{data: bb.B, lim: capacity, pooled: bb}
}

// NewDirect returns a direct buffer of the given capacity. Its memory region
// is handed to the transport socket without copy-through and it has no
// accessible backing array.
func NewDirect(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity), lim: capacity, direct: true}
}

// Wrap returns a heap buffer backed by p. Position is 0 and limit equals
// len(p). The caller keeps ownership of p; Free is a no-op.
func Wrap(p []byte) *Buffer {
	return &Buffer{data: p, lim: len(p)}
}

// Free recycles a pooled backing array. The buffer must not be used
// afterwards. Safe to call on wrapped and direct buffers.
func (b *Buffer) Free() {
	if b.pooled != nil {
		bytebufferpool.Put(b.pooled)
		b.pooled = nil
	}
	b.data = nil
	b.pos = 0
	b.lim = 0
}

// IsDirect reports whether the buffer's window may be passed straight to the
// transport socket.
func (b *Buffer) IsDirect() bool { return b.direct }

// Capacity returns the total capacity.
func (b *Buffer) Capacity() int { return len(b.data) }

// Position returns the current position cursor.
func (b *Buffer) Position() int { return b.pos }

// Limit returns the current limit cursor.
func (b *Buffer) Limit() int { return b.lim }

// Remaining returns limit minus position.
func (b *Buffer) Remaining() int { return b.lim - b.pos }

// SetPosition moves the position cursor. The new position must lie in
// [0, limit].
func (b *Buffer) SetPosition(p int) error {
	if p < 0 || p > b.lim {
		return ErrCursorRange
	}
	b.pos = p
	return nil
}

// SetLimit moves the limit cursor. The new limit must lie in
// [position, capacity].
func (b *Buffer) SetLimit(l int) error {
	if l < b.pos || l > len(b.data) {
		return ErrCursorRange
	}
	b.lim = l
	return nil
}

// Flip makes the written region readable: limit becomes the current position
// and position resets to 0.
func (b *Buffer) Flip() {
	b.lim = b.pos
	b.pos = 0
}

// Clear resets position to 0 and limit to capacity. Content is untouched.
func (b *Buffer) Clear() {
	b.pos = 0
	b.lim = len(b.data)
}

// Rewind resets position to 0, keeping the limit.
func (b *Buffer) Rewind() {
	b.pos = 0
}

// Window returns the [position, limit) region. For a direct buffer this is
// the region handed to the transport socket.
func (b *Buffer) Window() []byte {
	return b.data[b.pos:b.lim]
}

// Array returns the whole backing array of a heap buffer. Direct buffers
// have no accessible backing array.
func (b *Buffer) Array() ([]byte, error) {
	if b.direct {
		return nil, ErrNoBackingArray
	}
	return b.data, nil
}

// Put writes one byte at the position cursor and advances it.
func (b *Buffer) Put(c byte) error {
	if b.Remaining() < 1 {
		return ErrOverflow
	}
	b.data[b.pos] = c
	b.pos++
	return nil
}

// PutBytes writes p at the position cursor and advances it by len(p).
func (b *Buffer) PutBytes(p []byte) error {
	if b.Remaining() < len(p) {
		return ErrOverflow
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return nil
}

// Get reads one byte at the position cursor and advances it.
func (b *Buffer) Get() (byte, error) {
	if b.Remaining() < 1 {
		return 0, ErrUnderflow
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

// GetBytes fills p from the position cursor and advances it by len(p).
func (b *Buffer) GetBytes(p []byte) error {
	if b.Remaining() < len(p) {
		return ErrUnderflow
	}
	copy(p, b.data[b.pos:])
	b.pos += len(p)
	return nil
}
