// File: mem/block.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Memory blocks backing pooled and heap-allocated buffer handles.
// The reference count is deliberately non-atomic: a handle (and therefore the
// block references it owns) belongs to a single thread at a time. Ownership
// moves across threads only through the async queue or the threaded packet
// writer, both of which transfer it exclusively.

package mem

// BlockType tells what backs a block and who reclaims it.
type BlockType uint8

const (
	blockInvalid BlockType = iota

	// BlockPool blocks return to their pool's free list when the last
	// reference is dropped.
	BlockPool

	// BlockAllocated blocks are plain heap allocations.
	BlockAllocated

	// BlockReadOnlyStatic blocks wrap memory the runtime does not own.
	// They can never be written through a handle.
	BlockReadOnlyStatic

	// BlockReadOnlyExternal blocks wrap foreign memory with a deleter that
	// runs when the last reference is dropped.
	BlockReadOnlyExternal
)

type block struct {
	refCount int32
	btype    BlockType

	// tag is a one-byte user tag, e.g. "this slab is registered with the
	// kernel for zero-copy transmit".
	tag uint8

	pool *Pool  // back-reference; BlockPool only
	next *block // free-list link; BlockPool only, while free

	payload []byte
	deleter func() // BlockReadOnlyExternal only
}

func (b *block) readOnly() bool {
	return b.btype == BlockReadOnlyStatic || b.btype == BlockReadOnlyExternal
}

func (b *block) ref() {
	b.refCount++
}

func (b *block) unref() {
	b.refCount--
	if b.refCount > 0 {
		return
	}

	switch b.btype {
	case BlockPool:
		b.pool.releaseBlock(b)
	case BlockReadOnlyExternal:
		if b.deleter != nil {
			b.deleter()
			b.deleter = nil
		}
	default:
		// BlockAllocated and BlockReadOnlyStatic are reclaimed by the GC.
	}
}

// newAllocatedBlock creates a heap-backed block with one reference.
func newAllocatedBlock(size int) *block {
	return &block{
		refCount: 1,
		btype:    BlockAllocated,
		payload:  make([]byte, size),
	}
}
