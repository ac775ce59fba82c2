// File: mem/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slab-allocated fixed-size block pool with a singly-linked free list.
// Slabs are mmap'd so they are page-aligned; kernel zero-copy frameworks can
// pin them through the slab registrar hook. Slabs are never freed mid-run.

package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/internal/logging"
)

// DefaultPayloadOffset is the per-block header overhead used in pool sizing
// arithmetic. The payload of every block starts at this offset within its
// slab stride.
const DefaultPayloadOffset = 16

var poolLog = logging.Component("mem")

var (
	registrarMu   sync.Mutex
	slabRegistrar func(slab []byte, tag uint8)
)

// SetSlabRegistrar installs a callback invoked for every slab any pool
// produces, e.g. to register the memory with a kernel zero-copy framework.
func SetSlabRegistrar(fn func(slab []byte, tag uint8)) {
	registrarMu.Lock()
	slabRegistrar = fn
	registrarMu.Unlock()
}

// Pool is a collection of equal-size blocks organized into slabs.
// It may be shared between threads; the free list is lock-protected.
type Pool struct {
	// PayloadSize is the usable size of every block, excluding the header
	// stride accounted by DefaultPayloadOffset.
	PayloadSize int
	// BlocksPerSlab is how many blocks each slab is carved into.
	BlocksPerSlab int
	// MaxSlabs caps pool growth.
	MaxSlabs int
	// Tag is copied into every block produced by the pool.
	Tag uint8

	mu         sync.Mutex
	slabs      [][]byte
	slabMmaped []bool
	freeHead   *block
	freeCount  int
	allocated  int
	shutdown   bool
}

// NewPool creates an empty pool; the first slab is allocated lazily.
func NewPool(payloadSize, blocksPerSlab, maxSlabs int, tag uint8) *Pool {
	if payloadSize < 1 || blocksPerSlab < 1 || maxSlabs < 1 {
		return nil
	}
	return &Pool{
		PayloadSize:   payloadSize,
		BlocksPerSlab: blocksPerSlab,
		MaxSlabs:      maxSlabs,
		Tag:           tag,
	}
}

// GetHandle takes a block from the pool. On an empty free list the pool
// grows by one slab (up to MaxSlabs). When the pool is exhausted the result
// is an empty handle, or a heap handle of PayloadSize when useFallback is
// set. Callers do miss accounting themselves.
func (p *Pool) GetHandle(useFallback bool) Handle {
	b := p.getBlock()
	if b == nil {
		if !useFallback {
			return Handle{}
		}
		return NewHandle(p.PayloadSize)
	}
	return newPoolHandle(b)
}

func (p *Pool) getBlock() *block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil
	}

	if p.freeHead == nil {
		p.addMoreBlocks()
	}

	b := p.freeHead
	if b == nil {
		return nil
	}

	p.freeHead = b.next
	b.next = nil
	b.refCount = 1
	p.freeCount--
	return b
}

// addMoreBlocks allocates one more slab and splices its blocks onto the free
// list. Called with the pool mutex held.
func (p *Pool) addMoreBlocks() {
	if len(p.slabs) >= p.MaxSlabs {
		return
	}

	stride := DefaultPayloadOffset + p.PayloadSize
	slab, mmaped := allocSlab(stride * p.BlocksPerSlab)
	if slab == nil {
		poolLog.Error().Int("slabs", len(p.slabs)).Msg("slab allocation failed")
		return
	}

	p.slabs = append(p.slabs, slab)
	p.slabMmaped = append(p.slabMmaped, mmaped)

	registrarMu.Lock()
	reg := slabRegistrar
	registrarMu.Unlock()
	if reg != nil {
		reg(slab, p.Tag)
	}

	headers := make([]block, p.BlocksPerSlab)
	for i := 0; i < p.BlocksPerSlab; i++ {
		b := &headers[i]
		off := i*stride + DefaultPayloadOffset
		b.btype = BlockPool
		b.tag = p.Tag
		b.pool = p
		b.payload = slab[off : off+p.PayloadSize : off+p.PayloadSize]
		b.next = p.freeHead
		p.freeHead = b
	}

	p.allocated += p.BlocksPerSlab
	p.freeCount += p.BlocksPerSlab
}

// releaseBlock returns a block whose last reference was dropped.
func (p *Pool) releaseBlock(b *block) {
	p.mu.Lock()
	b.next = p.freeHead
	p.freeHead = b
	p.freeCount++

	if p.shutdown && p.freeCount == p.allocated {
		p.removeSlabs()
	}
	p.mu.Unlock()
}

// Shutdown releases all slabs. If blocks are still outstanding the release
// is deferred until the last one returns.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	if p.freeCount == p.allocated {
		p.removeSlabs()
	} else {
		poolLog.Warn().
			Int("free", p.freeCount).
			Int("allocated", p.allocated).
			Msg("pool shutdown with blocks outstanding; deferring slab release")
	}
	p.mu.Unlock()
}

// removeSlabs frees all slab memory. Called with the mutex held and with
// every block back on the free list.
func (p *Pool) removeSlabs() {
	for i, slab := range p.slabs {
		if p.slabMmaped[i] {
			_ = unix.Munmap(slab)
		}
		p.slabs[i] = nil
	}
	p.slabs = nil
	p.slabMmaped = nil
	p.freeHead = nil
	p.freeCount = 0
	p.allocated = 0
}

// FreeBlocksCount returns the number of blocks on the free list.
func (p *Pool) FreeBlocksCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// AllocatedBlocksCount returns the total number of carved blocks.
func (p *Pool) AllocatedBlocksCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// AllocatedSlabsCount returns the number of slabs currently allocated.
func (p *Pool) AllocatedSlabsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slabs)
}

// allocSlab obtains page-aligned anonymous memory, falling back to the Go
// heap when mmap is unavailable.
func allocSlab(size int) ([]byte, bool) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err == nil {
		return mem, true
	}
	return make([]byte, size), false
}
