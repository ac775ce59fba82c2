// File: mem/vector.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scatter/gather vector: an ordered sequence of handle views logically
// concatenated for I/O. Append/prepend/consume/truncate are zero-copy;
// ContinuousWritable rewrites the minimum prefix needed to hand out one
// contiguous writable range.

package mem

// MaxChunks bounds the chunk count accepted through the public mutators.
// It is kept small enough that a stack-side iovec array stays practical.
const MaxChunks = 32

type chunk struct {
	blk  *block
	data []byte
}

// Vector is an ordered sequence of non-empty chunks plus a cached total
// size. The zero value is an empty vector. Like handles, vectors belong to a
// single thread.
type Vector struct {
	chunks []chunk
	size   int
}

// NewVectorFromHandle builds a single-chunk vector referencing mh's data.
func NewVectorFromHandle(mh Handle) *Vector {
	v := &Vector{}
	v.Append(mh, 0)
	return v
}

// DataSize returns the total number of bytes across all chunks.
func (v *Vector) DataSize() int { return v.size }

// NumChunks returns the number of chunks.
func (v *Vector) NumChunks() int { return len(v.chunks) }

// IsEmpty reports whether the vector holds no data.
func (v *Vector) IsEmpty() bool { return v.size == 0 }

// Clear drops all chunk references and empties the vector.
func (v *Vector) Clear() {
	for i := range v.chunks {
		v.chunks[i].blk.unref()
		v.chunks[i] = chunk{}
	}
	v.chunks = v.chunks[:0]
	v.size = 0
}

// TakeFrom moves other's content into v without touching reference counts.
// Other is left empty.
func (v *Vector) TakeFrom(other *Vector) {
	if v == other {
		return
	}
	v.Clear()
	v.chunks = other.chunks
	v.size = other.size
	other.chunks = nil
	other.size = 0
}

// Append adds mh's data, skipping the first offset bytes, as a new tail
// chunk. Fails when the chunk limit would be exceeded or offset is out of
// range; appending zero bytes succeeds without adding a chunk.
func (v *Vector) Append(mh Handle, offset int) bool {
	if len(v.chunks) >= MaxChunks {
		return false
	}
	if offset < 0 || offset > mh.Size() {
		return false
	}
	if offset < mh.Size() {
		mh.blk.ref()
		v.chunks = append(v.chunks, chunk{blk: mh.blk, data: mh.data[offset:]})
		v.size += mh.Size() - offset
	}
	return true
}

// AppendVector adds all of other's data past offset. Self-append is
// rejected. The operation is all-or-nothing: it fails up front when the
// combined chunk count would exceed MaxChunks.
func (v *Vector) AppendVector(other *Vector, offset int) bool {
	if v == other || offset < 0 || offset > other.size {
		return false
	}

	addCount := len(other.chunks)
	if addCount < 1 || offset == other.size {
		return true
	}
	if len(v.chunks)+addCount > MaxChunks {
		return false
	}

	for i := 0; i < addCount; i++ {
		c := other.chunks[i]
		if offset >= len(c.data) {
			offset -= len(c.data)
			continue
		}
		data := c.data[offset:]
		offset = 0

		c.blk.ref()
		v.chunks = append(v.chunks, chunk{blk: c.blk, data: data})
		v.size += len(data)
	}
	return true
}

// Prepend adds mh's data as a new head chunk.
func (v *Vector) Prepend(mh Handle) bool {
	if len(v.chunks) >= MaxChunks {
		return false
	}
	if mh.Size() > 0 {
		mh.blk.ref()
		v.insertFront(chunk{blk: mh.blk, data: mh.data})
		v.size += mh.Size()
	}
	return true
}

// Consume drops the first n bytes. When n covers the whole vector it is
// cleared and Consume reports false ("empty").
func (v *Vector) Consume(n int) bool {
	if n >= v.size {
		v.Clear()
		return false
	}
	if n < 1 {
		return true
	}

	idx := 0
	for n > 0 {
		c := &v.chunks[idx]
		if n < len(c.data) {
			c.data = c.data[n:]
			v.size -= n
			n = 0
			break
		}
		n -= len(c.data)
		v.size -= len(c.data)
		c.blk.unref()
		idx++
	}

	if idx > 0 {
		v.leftTrim(idx)
	}
	return true
}

// Truncate keeps only the first n bytes, dropping whole tail chunks and
// trimming the last survivor.
func (v *Vector) Truncate(n int) {
	if n >= v.size {
		return
	}
	if n < 1 {
		v.Clear()
		return
	}

	toRemove := v.size - n
	idx := len(v.chunks) - 1
	for toRemove >= len(v.chunks[idx].data) {
		toRemove -= len(v.chunks[idx].data)
		v.size -= len(v.chunks[idx].data)
		v.chunks[idx].blk.unref()
		v.chunks[idx] = chunk{}
		idx--
	}

	if toRemove > 0 {
		c := &v.chunks[idx]
		c.data = c.data[:len(c.data)-toRemove]
		v.size -= toRemove
	}
	v.chunks = v.chunks[:idx+1]
}

// Chunk returns a handle over the idx-th chunk (taking a reference).
func (v *Vector) Chunk(idx int) Handle {
	if idx < 0 || idx >= len(v.chunks) {
		return Handle{}
	}
	c := v.chunks[idx]
	c.blk.ref()
	return Handle{blk: c.blk, data: c.data}
}

// IoSlices returns the chunk views in order, ready for a vectored write.
// The slices alias the vector's memory and are only valid until the next
// mutation.
func (v *Vector) IoSlices() [][]byte {
	out := make([][]byte, len(v.chunks))
	for i := range v.chunks {
		out[i] = v.chunks[i].data
	}
	return out
}

// StoreContinuous concatenates the vector into memory. A single-chunk
// vector is returned by reference without copying. Otherwise memory is
// reused when it is big enough and writable, or replaced with a fresh heap
// handle sized to the data.
func (v *Vector) StoreContinuous(memory *Handle) bool {
	if v.size < 1 {
		memory.Clear()
		return true
	}

	if len(v.chunks) == 1 {
		memory.Release()
		*memory = v.Chunk(0)
		return true
	}

	var dst []byte
	if memory.Size() >= v.size {
		dst = memory.Writable()
	}
	if dst == nil {
		memory.Release()
		*memory = NewHandle(v.size)
		dst = memory.Writable()
		if dst == nil || memory.Size() < v.size {
			memory.Clear()
			return false
		}
	}

	offset := 0
	for i := range v.chunks {
		offset += copy(dst[offset:], v.chunks[i].data)
	}

	memory.Truncate(v.size)
	return true
}

// ContinuousWritable returns a writable view of the first size bytes laid
// out contiguously in the first chunk, rewriting chunks as needed.
// size = 0 means "the full data size"; size > DataSize fails (nil).
// A useHandle is only consumed when it is already writable and big enough.
func (v *Vector) ContinuousWritable(size int, useHandle *Handle) []byte {
	if v.size < 1 || size > v.size || size < 0 {
		return nil
	}
	if size < 1 {
		size = v.size
	}

	usable := useHandle != nil && useHandle.Size() >= size && useHandle.isWritable()

	if first := &v.chunks[0]; len(first.data) >= size {
		// The first (or only) chunk alone can satisfy the request.
		if first.blk.refCount < 2 && !first.blk.readOnly() {
			return first.data[:size]
		}

		// Shared or read-only; a copy is unavoidable. When no usable
		// handle was supplied, rewrite the first chunk directly.
		if !usable {
			if size == len(first.data) {
				// The whole chunk: replace its block in place.
				nb := newAllocatedBlock(size)
				copy(nb.payload, first.data)
				first.blk.unref()
				first.blk = nb
				first.data = nb.payload
				return first.data
			}

			// A strict prefix: copy it out into a new head chunk and
			// shift the original chunk past the copied bytes.
			nb := newAllocatedBlock(size)
			copy(nb.payload, first.data[:size])
			first.data = first.data[size:]
			v.insertFront(chunk{blk: nb, data: nb.payload})
			return nb.payload
		}
	}

	// Multiple chunks are involved, or a single shared chunk with usable
	// caller-supplied memory. Either way the prefix is copied out.
	var nb *block
	var ndata []byte

	if usable {
		// Steal the caller's memory.
		nb = useHandle.blk
		ndata = useHandle.data
		useHandle.blk = nil
		useHandle.data = nil
	}
	if nb == nil {
		nb = newAllocatedBlock(size)
		ndata = nb.payload
	}
	if len(ndata) > size {
		ndata = ndata[:size]
	}

	idx := 0
	offset := 0
	remaining := size
	for remaining > 0 {
		c := &v.chunks[idx]
		if remaining < len(c.data) {
			copy(ndata[offset:], c.data[:remaining])
			c.data = c.data[remaining:]
			remaining = 0
			break
		}
		offset += copy(ndata[offset:], c.data)
		remaining -= len(c.data)
		c.blk.unref()
		idx++
	}

	if idx == 0 {
		// The first chunk survives (it was bigger than size); the copied
		// prefix becomes a new head chunk in front of it.
		v.insertFront(chunk{blk: nb, data: ndata})
		return ndata
	}

	// idx chunks were fully consumed. Shift left by idx-1 so the first
	// surviving chunk lands in slot 1, then overwrite slot 0 with the new
	// chunk — one shift instead of a trim followed by a prepend.
	if idx > 1 {
		v.leftTrim(idx - 1)
	}
	v.chunks[0] = chunk{blk: nb, data: ndata}
	return ndata
}

// insertFront inserts c as the new head chunk without size bookkeeping.
func (v *Vector) insertFront(c chunk) {
	v.chunks = append(v.chunks, chunk{})
	copy(v.chunks[1:], v.chunks)
	v.chunks[0] = c
}

// leftTrim removes the first idx chunks (already unreferenced by the
// caller) by shifting the survivors down.
func (v *Vector) leftTrim(idx int) {
	n := copy(v.chunks, v.chunks[idx:])
	for i := n; i < len(v.chunks); i++ {
		v.chunks[i] = chunk{}
	}
	v.chunks = v.chunks[:n]
}
