// File: mem/vector_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package mem

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// fillHandle builds a heap handle holding the given bytes.
func fillHandle(t *testing.T, data []byte) Handle {
	t.Helper()
	h := NewHandle(len(data))
	w := h.Writable()
	if w == nil {
		t.Fatal("Writable returned nil for fresh handle")
	}
	copy(w, data)
	return h
}

// patternBytes returns n bytes of a deterministic pattern seeded by seed.
func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func vectorContent(t *testing.T, v *Vector) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, chunk := range v.IoSlices() {
		buf.Write(chunk)
	}
	if buf.Len() != v.DataSize() {
		t.Fatalf("cached size %d does not match content %d", v.DataSize(), buf.Len())
	}
	return buf.Bytes()
}

func TestVectorAppendPrependRoundTrip(t *testing.T) {
	chunks := [][]byte{
		patternBytes(10, 1),
		patternBytes(50, 2),
		patternBytes(3, 3),
		patternBytes(128, 4),
	}

	var v Vector
	var want []byte

	// Chunk 0 is prepended at the end, so it comes first.
	for _, c := range chunks[1:] {
		h := fillHandle(t, c)
		if !v.Append(h, 0) {
			t.Fatal("append failed")
		}
		h.Release()
		want = append(want, c...)
	}

	h := fillHandle(t, chunks[0])
	if !v.Prepend(h) {
		t.Fatal("prepend failed")
	}
	h.Release()
	want = append(chunks[0], want...)

	if v.NumChunks() != 4 {
		t.Fatalf("NumChunks = %d, want 4", v.NumChunks())
	}
	if got := vectorContent(t, &v); !bytes.Equal(got, want) {
		t.Fatal("content mismatch after append/prepend")
	}

	var out Handle
	if !v.StoreContinuous(&out) {
		t.Fatal("StoreContinuous failed")
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatal("StoreContinuous content mismatch")
	}

	out.Release()
	v.Clear()
}

func TestVectorConsumeEveryOffset(t *testing.T) {
	pieces := [][]byte{
		patternBytes(13, 10),
		patternBytes(40, 20),
		patternBytes(7, 30),
		patternBytes(64, 40),
	}
	var want []byte
	for _, p := range pieces {
		want = append(want, p...)
	}

	for k := 0; k <= len(want); k++ {
		var v Vector
		for _, p := range pieces {
			h := fillHandle(t, p)
			v.Append(h, 0)
			h.Release()
		}

		remained := v.Consume(k)
		if k >= len(want) {
			if remained || !v.IsEmpty() {
				t.Fatalf("k=%d: consume past end should empty the vector", k)
			}
			continue
		}
		if !remained {
			t.Fatalf("k=%d: consume reported empty too early", k)
		}

		var out Handle
		if !v.StoreContinuous(&out) {
			t.Fatalf("k=%d: StoreContinuous failed", k)
		}
		if !bytes.Equal(out.Bytes(), want[k:]) {
			t.Fatalf("k=%d: content mismatch after consume", k)
		}
		out.Release()
		v.Clear()
	}
}

func TestVectorTruncate(t *testing.T) {
	var v Vector
	for i := 0; i < 3; i++ {
		h := fillHandle(t, patternBytes(30, byte(i)))
		v.Append(h, 0)
		h.Release()
	}

	v.Truncate(45)
	if v.DataSize() != 45 || v.NumChunks() != 2 {
		t.Fatalf("after truncate: size=%d chunks=%d", v.DataSize(), v.NumChunks())
	}

	v.Truncate(0)
	if !v.IsEmpty() || v.NumChunks() != 0 {
		t.Fatal("truncate(0) should clear the vector")
	}
}

func TestVectorSelfAppendRejected(t *testing.T) {
	var v Vector
	h := fillHandle(t, patternBytes(8, 1))
	v.Append(h, 0)
	h.Release()

	if v.AppendVector(&v, 0) {
		t.Fatal("self-append must be rejected")
	}
	if v.DataSize() != 8 || v.NumChunks() != 1 {
		t.Fatal("failed self-append must not modify the vector")
	}
	v.Clear()
}

func TestVectorAppendVectorAllOrNothing(t *testing.T) {
	var dst, src Vector

	for i := 0; i < MaxChunks-1; i++ {
		h := fillHandle(t, patternBytes(4, byte(i)))
		dst.Append(h, 0)
		h.Release()
	}
	for i := 0; i < 3; i++ {
		h := fillHandle(t, patternBytes(4, byte(100+i)))
		src.Append(h, 0)
		h.Release()
	}

	preSize := dst.DataSize()
	preChunks := dst.NumChunks()

	if dst.AppendVector(&src, 0) {
		t.Fatal("append exceeding MaxChunks must fail")
	}
	if dst.DataSize() != preSize || dst.NumChunks() != preChunks {
		t.Fatal("failed append must restore chunk count and size")
	}

	dst.Clear()
	src.Clear()
}

func TestVectorAppendWithOffset(t *testing.T) {
	var src, dst Vector
	h := fillHandle(t, patternBytes(20, 5))
	src.Append(h, 0)
	h.Release()
	h = fillHandle(t, patternBytes(20, 50))
	src.Append(h, 0)
	h.Release()

	if !dst.AppendVector(&src, 25) {
		t.Fatal("append with offset failed")
	}
	want := vectorContent(t, &src)[25:]
	if got := vectorContent(t, &dst); !bytes.Equal(got, want) {
		t.Fatal("offset append content mismatch")
	}

	src.Clear()
	dst.Clear()
}

func TestEnsureContiguousProperties(t *testing.T) {
	req := require.New(t)

	// Build vectors with every alignment offset applied to each chunk and
	// request every prefix size.
	base := [][]byte{
		patternBytes(16, 1),
		patternBytes(9, 2),
		patternBytes(33, 3),
		patternBytes(5, 4),
	}

	for offset := 0; offset < 4; offset++ {
		var want []byte
		for _, c := range base {
			if offset >= len(c) {
				continue
			}
			want = append(want, c[offset:]...)
		}

		for size := 0; size <= len(want); size++ {
			var v Vector
			for _, c := range base {
				h := fillHandle(t, c)
				v.Append(h, offset)
				h.Release()
			}

			w := v.ContinuousWritable(size, nil)
			req.NotNil(w, "offset=%d size=%d", offset, size)

			effSize := size
			if effSize == 0 {
				effSize = len(want)
			}
			req.Len(w, effSize, "offset=%d size=%d", offset, size)
			req.Equal(want[:effSize], []byte(w), "offset=%d size=%d", offset, size)

			// Returned memory is writable without disturbing the rest.
			for i := range w {
				w[i] ^= 0xFF
			}
			got := vectorContent(t, &v)
			req.Equal(len(want), v.DataSize())
			req.Equal(want[effSize:], got[effSize:], "suffix must be unchanged")

			v.Clear()
		}
	}
}

func TestEnsureContiguousTooLargeFails(t *testing.T) {
	var v Vector
	h := fillHandle(t, patternBytes(10, 1))
	v.Append(h, 0)
	h.Release()

	if w := v.ContinuousWritable(11, nil); w != nil {
		t.Fatal("size beyond total must fail")
	}
	if v.DataSize() != 10 || v.NumChunks() != 1 {
		t.Fatal("failed call must leave the vector untouched")
	}
	v.Clear()
}

func TestEnsureContiguousSharedSplit(t *testing.T) {
	req := require.New(t)

	// Twenty 50-byte shared chunks plus one 24-byte shared chunk: 1024
	// bytes total. Asking for a 75-byte writable prefix must produce a
	// fresh 75-byte head chunk and leave a 25-byte remainder chunk.
	var v Vector
	var keep []Handle
	var want []byte

	for i := 0; i < 20; i++ {
		h := fillHandle(t, patternBytes(50, byte(i)))
		v.Append(h, 0)
		keep = append(keep, h) // stays shared
		want = append(want, h.Bytes()...)
	}
	h := fillHandle(t, patternBytes(24, 99))
	v.Append(h, 0)
	keep = append(keep, h)
	want = append(want, h.Bytes()...)

	req.Equal(1024, v.DataSize())
	req.Equal(21, v.NumChunks())

	w := v.ContinuousWritable(75, nil)
	req.NotNil(w)
	req.Len(w, 75)
	req.Equal(want[:75], []byte(w))

	// One fully-consumed chunk was replaced by the copy; the second
	// chunk's 25-byte remainder survives in slot 1.
	req.Equal(21, v.NumChunks())
	req.Equal(1024, v.DataSize())

	second := v.Chunk(1)
	req.Equal(25, second.Size())
	req.Equal(want[75:100], second.Bytes())
	second.Release()

	// The new head chunk is uniquely owned: writing through it must not
	// touch the original shared handles.
	for i := range w {
		w[i] = 0xAB
	}
	req.Equal(want[:50], keep[0].Bytes())

	v.Clear()
	for i := range keep {
		keep[i].Release()
	}
}

func TestEnsureContiguousInPlaceWhenUnique(t *testing.T) {
	var v Vector
	h := fillHandle(t, patternBytes(40, 7))
	v.Append(h, 0)
	h.Release() // the vector holds the only reference now

	w := v.ContinuousWritable(10, nil)
	if w == nil {
		t.Fatal("unique first chunk should be returned in place")
	}
	if v.NumChunks() != 1 {
		t.Fatal("in-place return must not add chunks")
	}
	v.Clear()
}

func TestEnsureContiguousPreferredHandle(t *testing.T) {
	req := require.New(t)

	var v Vector
	h1 := fillHandle(t, patternBytes(30, 1))
	h2 := fillHandle(t, patternBytes(30, 2))
	v.Append(h1, 0)
	v.Append(h2, 0)

	// Big enough and writable: the handle is stolen.
	pref := NewHandle(64)
	w := v.ContinuousWritable(40, &pref)
	req.NotNil(w)
	req.Len(w, 40)
	req.True(pref.IsEmpty(), "useHandle must be consumed")
	req.Equal(60, v.DataSize())

	v.Clear()

	// Too small: left alone.
	var v2 Vector
	v2.Append(h1, 0)
	v2.Append(h2, 0)
	small := NewHandle(8)
	w = v2.ContinuousWritable(40, &small)
	req.NotNil(w)
	req.Equal(8, small.Size(), "too-small useHandle must not be consumed")

	small.Release()
	v2.Clear()
	h1.Release()
	h2.Release()
}

func TestStoreContinuousReusesSingleChunk(t *testing.T) {
	var v Vector
	h := fillHandle(t, patternBytes(12, 3))
	v.Append(h, 0)

	var out Handle
	if !v.StoreContinuous(&out) {
		t.Fatal("StoreContinuous failed")
	}
	if !bytes.Equal(out.Bytes(), h.Bytes()) {
		t.Fatal("single chunk should be returned by reference")
	}

	out.Release()
	h.Release()
	v.Clear()
}
