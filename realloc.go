package memheap

import (
	"math/bits"
	"unsafe"
)

// Reallocate resizes the allocation at p to newSize bytes under tag. A nil
// p allocates; a zero newSize frees and returns nil. Growth is attempted in
// place — into a trailing remainder, the top, the designated victim, or a
// free right neighbor — before falling back to allocate-copy-free.
func (h *Heap) Reallocate(p unsafe.Pointer, newSize uintptr, tag uint32) unsafe.Pointer {
	if p == nil {
		return h.Allocate(newSize, tag)
	}
	if newSize == 0 {
		h.Free(p)
		return nil
	}
	if !h.live() {
		return nil
	}
	if newSize >= maxRequest {
		h.failedAllocations++
		return nil
	}
	if !ValidTag(tag) {
		h.failedAllocations++
		h.reportCorruption(CorruptStructures, nil, nil)
		return nil
	}
	c := chunkFromPayload(p)
	if !h.okAddress(c) {
		h.reportCorruption(CorruptStructures, p, nil)
		return nil
	}
	if !c.cinuse() || c.tag == freeTag {
		h.reportCorruption(DoubleFree, p, nil)
		return nil
	}
	oldSize := c.size()
	if !h.footerOK(c, oldSize) {
		h.reportCorruption(BufferOverrun, p, nil)
		return nil
	}
	oldTag := c.tag

	nb := padRequest(newSize)
	if c2 := h.tryReallocChunk(c, nb); c2 != nil {
		h.recordFree(oldTag, oldSize)
		c2.tag = tag
		h.recordAllocation(tag, c2.size())
		return c2.payload()
	}

	mem := h.Allocate(newSize, tag)
	if mem == nil {
		// Allocate has already counted the failure.
		return nil
	}
	n := oldSize - chunkHeaderSize
	if newSize < n {
		n = newSize
	}
	copy(unsafe.Slice((*byte)(mem), n), unsafe.Slice((*byte)(p), n))
	h.Free(p)
	return mem
}

// tryReallocChunk attempts every in-place path and returns the resized
// chunk, or nil when only a move can satisfy nb.
func (h *Heap) tryReallocChunk(c *chunk, nb uintptr) *chunk {
	oldSize := c.size()
	next := chunkPlus(c, oldSize)

	if c.direct() {
		// Direct regions never grow in place; shrinking keeps the chunk
		// as is, the tail stays with its segment.
		if oldSize >= nb {
			return c
		}
		return nil
	}

	if oldSize >= nb {
		rsize := oldSize - nb
		if rsize >= minChunkSize {
			r := chunkPlus(c, nb)
			h.setInuse(c, nb, c.tag)
			h.setInuse(r, rsize, c.tag)
			h.dispose(r, rsize)
		}
		return c
	}

	if next == h.top {
		if oldSize+h.topSize <= nb {
			return nil
		}
		newTopSize := oldSize + h.topSize - nb
		newTop := chunkPlus(c, nb)
		h.setInuse(c, nb, c.tag)
		h.setTop(newTop, newTopSize)
		newTop.header = newTopSize | pinuseBit
		return c
	}

	if next == h.dv {
		dvs := h.dvSize
		if oldSize+dvs < nb {
			return nil
		}
		rsize := oldSize + dvs - nb
		if rsize >= minChunkSize {
			r := chunkPlus(c, nb)
			h.setInuse(c, nb, c.tag)
			h.setDv(r, rsize)
			setSizePinuseOfFreeChunk(r, rsize)
			chunkPlus(r, rsize).header &^= uintptr(pinuseBit)
		} else {
			h.setInuse(c, oldSize+dvs, c.tag)
			h.setDv(nil, 0)
		}
		return c
	}

	if !next.cinuse() {
		nextSize := next.size()
		if oldSize+nextSize < nb {
			return nil
		}
		rsize := oldSize + nextSize - nb
		if !h.unlinkChunk(next, nextSize) {
			return nil
		}
		if rsize < minChunkSize {
			h.setInuse(c, oldSize+nextSize, c.tag)
		} else {
			r := chunkPlus(c, nb)
			h.setInuse(c, nb, c.tag)
			h.setInuse(r, rsize, c.tag)
			h.dispose(r, rsize)
		}
		return c
	}

	return nil
}

// AlignedAllocate returns a payload pointer that is a multiple of
// alignment. Alignments below the minimum chunk size are raised to it, and
// non-powers of two are rounded up. The front and tail carved off while
// aligning go back to the bins, and the per-tag statistics reflect the
// chunk actually retained.
func (h *Heap) AlignedAllocate(alignment, size uintptr, tag uint32) (unsafe.Pointer, error) {
	if !h.live() {
		return nil, ErrOutOfMemory
	}
	if !ValidTag(tag) {
		h.failedAllocations++
		return nil, ErrInvalidTag
	}
	if alignment < minChunkSize {
		alignment = minChunkSize
	}
	if alignment&(alignment-1) != 0 {
		if alignment > uintptr(1)<<62 {
			return nil, ErrInvalidAlignment
		}
		alignment = uintptr(1) << bits.Len64(uint64(alignment-1))
	}
	if size >= maxRequest-alignment {
		h.failedAllocations++
		return nil, ErrOutOfMemory
	}

	nb := padRequest(size)
	c := h.allocateChunk(nb+alignment+minChunkSize, tag)
	if c == nil {
		h.failedAllocations++
		return nil, ErrOutOfMemory
	}

	if uintptr(c.payload())&(alignment-1) != 0 {
		// Carve the misaligned front back into the heap and restart the
		// chunk at the first aligned payload position.
		braddr := (uintptr(c.payload())+alignment-1)&^(alignment-1) - chunkHeaderSize
		pos := braddr
		if braddr-c.addr() < minChunkSize {
			pos = braddr + alignment
		}
		newp := (*chunk)(pointerAt(unsafe.Pointer(c), pos))
		leadSize := pos - c.addr()
		newSize := c.size() - leadSize
		if c.direct() {
			newp.previousFooter = c.previousFooter + leadSize
			newp.header = newSize | pinuseBit | cinuseBit | directBit
			newp.tag = tag
		} else {
			h.setInuse(newp, newSize, tag)
			h.setInuse(c, leadSize, tag)
			h.dispose(c, leadSize)
		}
		c = newp
	}

	if !c.direct() {
		if sz := c.size(); sz > nb+minChunkSize {
			rsize := sz - nb
			r := chunkPlus(c, nb)
			h.setInuse(c, nb, tag)
			h.setInuse(r, rsize, tag)
			h.dispose(r, rsize)
		}
	}

	h.recordAllocation(tag, c.size())
	return c.payload(), nil
}
