package memheap

import (
	"math/bits"
	"unsafe"
)

// Allocate returns a payload pointer of at least size bytes marked with
// tag, or nil on exhaustion. The pointer is aligned to twice the word
// size. A zero size yields a minimum-size allocation.
func (h *Heap) Allocate(size uintptr, tag uint32) unsafe.Pointer {
	if !h.live() {
		return nil
	}
	if !ValidTag(tag) {
		h.failedAllocations++
		h.reportCorruption(CorruptStructures, nil, nil)
		return nil
	}
	c := h.allocateChunk(size, tag)
	if c == nil {
		h.failedAllocations++
		return nil
	}
	h.recordAllocation(tag, c.size())
	return c.payload()
}

// allocateChunk is the dispatch across the free structures, in preference
// order: small bins, tree bins, designated victim, top, expansion. It does
// not touch the per-tag statistics.
func (h *Heap) allocateChunk(size uintptr, tag uint32) *chunk {
	var nb uintptr
	if size <= maxSmallRequest {
		nb = padRequest(size)
		idx := smallIndex(nb)
		smallBits := uint32(h.smallMap) >> idx

		if smallBits&0x3 != 0 {
			// The exact bin or its neighbor has a fit; take the front.
			i := idx + (^smallBits & 1)
			b := h.smallBinAt(i)
			c := b.next
			sz := smallIndexToSize(i)
			if !h.unlinkFirstSmall(b, c, i) {
				return nil
			}
			h.setInuseAndPinuse(c, sz, tag)
			return c
		}

		if nb > h.dvSize {
			if smallBits != 0 {
				// Pop the closest larger small bin and hand the
				// remainder to the designated victim.
				i := idx + uint32(bits.TrailingZeros32(smallBits))
				b := h.smallBinAt(i)
				c := b.next
				sz := smallIndexToSize(i)
				if !h.unlinkFirstSmall(b, c, i) {
					return nil
				}
				rsize := sz - nb
				if rsize < minChunkSize {
					h.setInuseAndPinuse(c, sz, tag)
				} else {
					h.setInuseAndPinuse(c, nb, tag)
					r := chunkPlus(c, nb)
					setSizePinuseOfFreeChunk(r, rsize)
					h.replaceDv(r, rsize)
				}
				return c
			}
			if h.treeMap != 0 {
				if c := h.treeAllocSmall(nb, tag); c != nil {
					return c
				}
			}
		}
	} else if size >= maxRequest {
		nb = ^uintptr(0) // unserviceable; fall through to failure
	} else {
		nb = padRequest(size)
		if h.treeMap != 0 {
			if c := h.treeAllocLarge(nb, tag); c != nil {
				return c
			}
		}
	}

	if nb <= h.dvSize {
		rsize := h.dvSize - nb
		c := h.dv
		if rsize >= minChunkSize {
			r := chunkPlus(c, nb)
			h.setDv(r, rsize)
			setSizePinuseOfFreeChunk(r, rsize)
			h.setInuseAndPinuse(c, nb, tag)
		} else {
			dvs := h.dvSize
			h.setDv(nil, 0)
			h.setInuseAndPinuse(c, dvs, tag)
		}
		return c
	}

	if nb < h.topSize {
		return h.splitTop(nb, tag)
	}

	return h.expandAndAllocate(nb, tag)
}

func (h *Heap) splitTop(nb uintptr, tag uint32) *chunk {
	c := h.top
	rsize := h.topSize - nb
	r := chunkPlus(c, nb)
	h.setTop(r, rsize)
	r.header = rsize | pinuseBit
	h.setInuseAndPinuse(c, nb, tag)
	return c
}

// Free returns p to the heap. A nil p is a no-op. Damaged or already-free
// chunks are reported through the corruption callback and left alone.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	if !h.live() {
		return
	}
	c := chunkFromPayload(p)
	if !h.okAddress(c) {
		h.reportCorruption(CorruptStructures, p, nil)
		return
	}
	if !c.cinuse() || c.tag == freeTag {
		h.reportCorruption(DoubleFree, p, nil)
		return
	}
	s := c.size()
	if !h.footerOK(c, s) {
		h.reportCorruption(BufferOverrun, p, nil)
		return
	}
	h.recordFree(c.tag, s)
	c.tag = freeTag

	if c.direct() {
		h.freeDirect(c, s)
		return
	}

	h.dispose(c, s)

	if h.topSize > h.trimThreshold {
		h.trim(0)
	}
	h.releaseChecks--
	if h.releaseChecks == 0 {
		h.releaseUnusedSegments()
	}
}

// dispose consolidates a chunk that is leaving service with its free
// neighbors and files the result in the top, the designated victim, or a
// bin. c's header must still carry valid flag bits; its in-use marking is
// overwritten here.
func (h *Heap) dispose(c *chunk, psize uintptr) {
	c.tag = freeTag
	next := chunkPlus(c, psize)

	if !c.pinuse() {
		prevsize := c.previousFooter
		prev := chunkMinus(c, prevsize)
		psize += prevsize
		c = prev
		if !h.okAddress(c) {
			h.reportCorruption(CorruptStructures, c.payload(), nil)
			return
		}
		if c != h.dv {
			if !h.unlinkChunk(c, prevsize) {
				return
			}
		} else if next.header&inuseBits == inuseBits {
			// Left neighbor is the victim and the right one is busy:
			// grow the victim in place and stop.
			h.setDv(c, psize)
			setFreeWithPinuse(c, psize, next)
			return
		}
	}

	if !next.cinuse() {
		if next == h.top {
			tsize := h.topSize + psize
			h.setTop(c, tsize)
			c.header = tsize | pinuseBit
			if c == h.dv {
				h.setDv(nil, 0)
			}
			return
		}
		if next == h.dv {
			dsize := h.dvSize + psize
			h.setDv(c, dsize)
			setSizePinuseOfFreeChunk(c, dsize)
			return
		}
		nsize := next.size()
		psize += nsize
		if !h.unlinkChunk(next, nsize) {
			return
		}
		setSizePinuseOfFreeChunk(c, psize)
		if c == h.dv {
			h.setDv(c, psize)
			return
		}
	} else {
		setFreeWithPinuse(c, psize, next)
	}

	h.insertChunk(c, psize)
}
