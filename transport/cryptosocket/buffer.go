// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cryptosocket

// minInitialBufferSize is the floor for a fresh ByteBuffer's capacity,
// regardless of what the engine's packet buffer size estimate turns out
// to be (spec: "max(32 KiB, engine_packet_buffer_size)").
const minInitialBufferSize = 32 * 1024

// ByteBuffer is a growable byte staging area with a read cursor and a
// write cursor: readable bytes live in [read, write), writable capacity
// starts at write. It never fails to grow; growth is assumed infallible
// at this layer, matching spec §4.1.
type ByteBuffer struct {
	data  []byte
	read  int
	write int
}

// NewByteBuffer creates a buffer with at least minCapacity bytes of
// initial backing storage.
func NewByteBuffer(minCapacity int) *ByteBuffer {
	if minCapacity < minInitialBufferSize {
		minCapacity = minInitialBufferSize
	}
	return &ByteBuffer{data: make([]byte, minCapacity)}
}

// Bytes returns the number of readable bytes currently buffered.
func (b *ByteBuffer) Bytes() int { return b.write - b.read }

// Readable returns a view over the bytes in [read, write). The returned
// slice aliases the buffer's storage and is only valid until the next
// call that mutates the buffer.
func (b *ByteBuffer) Readable() []byte { return b.data[b.read:b.write] }

// Writable ensures at least minBytes of contiguous writable capacity
// starting at write, growing the backing storage if necessary, and
// returns that view. Existing readable bytes are preserved.
func (b *ByteBuffer) Writable(minBytes int) []byte {
	if cap(b.data)-b.write < minBytes {
		b.grow(minBytes)
	}
	return b.data[b.write : b.write+minBytes : cap(b.data)]
}

func (b *ByteBuffer) grow(minBytes int) {
	// Compact first: if the unread tail already fits once read bytes are
	// dropped, avoid allocating at all.
	unread := b.Bytes()
	if cap(b.data)-unread >= minBytes {
		copy(b.data, b.data[b.read:b.write])
		b.read = 0
		b.write = unread
		return
	}
	doubled := cap(b.data) * 2
	needed := b.write + minBytes
	newCap := doubled
	if needed > newCap {
		newCap = needed
	}
	newData := make([]byte, newCap)
	copy(newData, b.data[b.read:b.write])
	b.data = newData
	b.write = unread
	b.read = 0
}

// AdvanceRead marks n readable bytes as consumed. When the buffer is
// fully drained it resets both cursors to 0, so a long-lived buffer
// doesn't creep towards the end of its backing array under steady-state
// traffic.
func (b *ByteBuffer) AdvanceRead(n int) {
	b.read += n
	if b.read == b.write {
		b.read, b.write = 0, 0
	}
}

// AdvanceWrite marks n bytes, just placed in the view returned by the
// most recent Writable call, as now readable.
func (b *ByteBuffer) AdvanceWrite(n int) { b.write += n }

// Inject appends the readable bytes of other into this buffer, consuming
// them from other.
func (b *ByteBuffer) Inject(other *ByteBuffer) {
	src := other.Readable()
	copy(b.Writable(len(src)), src)
	b.AdvanceWrite(len(src))
	other.AdvanceRead(len(src))
}
