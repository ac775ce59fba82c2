// File: mem/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle is an immutable, reference-counted view over a sub-range of a
// block's payload. Copying a handle requires Clone (which takes a reference);
// dropping one requires Release. The zero value is an empty handle.

package mem

// Handle is a refcounted view over block memory.
// Handles are not safe for concurrent use; see the block comment in block.go.
type Handle struct {
	blk  *block
	data []byte
}

// NewHandle allocates size bytes on the heap and wraps them in a handle.
// A non-positive size yields an empty handle.
func NewHandle(size int) Handle {
	if size < 1 {
		return Handle{}
	}
	b := newAllocatedBlock(size)
	return Handle{blk: b, data: b.payload}
}

// NewReadOnlyHandle wraps memory the runtime does not own. Writable access
// through the handle always forces a copy.
func NewReadOnlyHandle(data []byte) Handle {
	if len(data) < 1 {
		return Handle{}
	}
	b := &block{refCount: 1, btype: BlockReadOnlyStatic, payload: data}
	return Handle{blk: b, data: data}
}

// NewExternalHandle wraps foreign read-only memory; deleter runs when the
// last reference is dropped.
func NewExternalHandle(data []byte, deleter func()) Handle {
	if len(data) < 1 {
		if deleter != nil {
			deleter()
		}
		return Handle{}
	}
	b := &block{refCount: 1, btype: BlockReadOnlyExternal, payload: data, deleter: deleter}
	return Handle{blk: b, data: data}
}

// newPoolHandle wraps a block freshly taken from a pool. It takes over the
// reference the pool already holds instead of creating a new one.
func newPoolHandle(b *block) Handle {
	return Handle{blk: b, data: b.payload}
}

// Size returns the number of bytes visible through the handle.
func (h Handle) Size() int { return len(h.data) }

// IsEmpty reports whether the handle references no data.
func (h Handle) IsEmpty() bool { return len(h.data) == 0 }

// Bytes exposes the handle's view. Callers must treat it as read-only;
// use Writable for mutation.
func (h Handle) Bytes() []byte { return h.data }

// MemorySize returns the total payload size of the underlying block,
// regardless of the handle's visible slice. Used for optimize decisions.
func (h Handle) MemorySize() int {
	if h.blk == nil {
		return 0
	}
	return len(h.blk.payload)
}

// Clone returns a second handle over the same data, taking a reference.
func (h Handle) Clone() Handle {
	if h.blk != nil {
		h.blk.ref()
	}
	return h
}

// Release drops the handle's reference and empties it.
func (h *Handle) Release() {
	if h.blk != nil {
		h.blk.unref()
	}
	h.blk = nil
	h.data = nil
}

// Clear is an alias of Release matching the buffer-clearing call sites.
func (h *Handle) Clear() { h.Release() }

// SubHandle returns a view over [offset, offset+length) sharing the block.
// Out-of-range arguments yield an empty handle.
func (h Handle) SubHandle(offset, length int) Handle {
	if offset < 0 || length < 1 || offset+length > len(h.data) {
		return Handle{}
	}
	h.blk.ref()
	return Handle{blk: h.blk, data: h.data[offset : offset+length]}
}

// Consume drops the first n bytes from the view.
func (h *Handle) Consume(n int) {
	if n < 1 {
		return
	}
	if n >= len(h.data) {
		h.Release()
		return
	}
	h.data = h.data[n:]
}

// Truncate keeps only the first n bytes of the view.
func (h *Handle) Truncate(n int) {
	if n < 0 || n >= len(h.data) {
		return
	}
	if n == 0 {
		h.Release()
		return
	}
	h.data = h.data[:n]
}

// Writable returns a uniquely-owned writable view of the handle's bytes,
// deep-copying into a fresh heap block when the current one is shared or
// read-only. Returns nil for empty handles.
func (h *Handle) Writable() []byte {
	if len(h.data) == 0 {
		return nil
	}
	if h.blk.refCount == 1 && !h.blk.readOnly() {
		return h.data
	}

	nb := newAllocatedBlock(len(h.data))
	copy(nb.payload, h.data)
	h.blk.unref()
	h.blk = nb
	h.data = nb.payload
	return h.data
}

// isWritable reports whether Writable would return the bytes in place.
func (h Handle) isWritable() bool {
	return h.blk != nil && h.blk.refCount == 1 && !h.blk.readOnly()
}
