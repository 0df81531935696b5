package memheap

import "unsafe"

// Segment expansion, prepending, direct allocation, trim, and release.
// Expansion asks the backing allocator for a fresh region. New memory that
// continues the top's segment extends the top, and new memory that ends
// where an ordinary segment begins is prepended to it; any other region is
// tracked as a separate segment.

// expandAndAllocate obtains more backing memory and serves nb from it.
func (h *Heap) expandAndAllocate(nb uintptr, tag uint32) *chunk {
	if h.seg.base != nil && nb >= h.directThreshold && nb < maxRequest {
		if c := h.directAllocate(nb, tag); c != nil {
			return c
		}
	}
	if nb >= maxRequest {
		return nil
	}

	minAsize := granularityAlign(nb+topFootSize+chunkAlign, h.granularity)
	asize := minAsize
	if asize < h.minExpansion {
		asize = h.minExpansion
	}
	if d := h.prevExpansion << 1; d > asize {
		asize = granularityAlign(d, h.granularity)
	}
	if h.footprintLimit != 0 {
		if h.footprint+minAsize > h.footprintLimit {
			// Saturated: fail without consulting the backing allocator.
			h.log.Debug().Uint64("request", uint64(nb)).Msg("footprint limit reached")
			return nil
		}
		for asize > minAsize && h.footprint+asize > h.footprintLimit {
			asize = h.halveExpansion(asize, minAsize)
		}
	}

	var tbase unsafe.Pointer
	for {
		tbase = h.allocate(h, asize, h.heapTag)
		if tbase != nil || asize <= minAsize {
			break
		}
		asize = h.halveExpansion(asize, minAsize)
	}
	if tbase == nil {
		return nil
	}

	h.footprint += asize
	if h.footprint > h.maxFootprint {
		h.maxFootprint = h.footprint
	}
	h.prevExpansion = asize
	tb := uintptr(tbase)

	switch {
	case h.seg.base == nil:
		h.seg.base = tbase
		h.seg.size = asize
		h.seg.flags = 0
		h.leastAddr = tb
		h.initTop((*chunk)(tbase), asize-topFootSize)
		h.log.Debug().Uint64("base", uint64(tb)).Uint64("size", uint64(asize)).Msg("first segment installed")

	default:
		sp := &h.seg
		for sp != nil && sp.end() != tb {
			sp = sp.next
		}
		if sp != nil && !sp.external() && !sp.isDirect() && sp.holds(h.top.addr()) {
			// Contiguous with the top segment: the wilderness grows.
			sp.size += asize
			h.initTop(h.top, h.topSize+asize)
			h.log.Debug().Uint64("size", uint64(asize)).Msg("top segment extended")
			break
		}
		if tb < h.leastAddr {
			h.leastAddr = tb
		}
		sp = &h.seg
		for sp != nil && uintptr(sp.base) != tb+asize {
			sp = sp.next
		}
		if sp != nil && !sp.external() && !sp.isDirect() {
			// New memory ends where an existing segment begins.
			oldbase := sp.base
			sp.base = tbase
			sp.size += asize
			h.log.Debug().Uint64("base", uint64(tb)).Uint64("size", uint64(asize)).Msg("segment prepended")
			return h.prependAllocate(tbase, oldbase, nb, tag)
		}
		h.addSegment(tbase, asize)
	}

	if nb < h.topSize {
		return h.splitTop(nb, tag)
	}
	return nil
}

func (h *Heap) halveExpansion(asize, minAsize uintptr) uintptr {
	half := granularityAlign(asize/2, h.granularity)
	if half < minAsize {
		return minAsize
	}
	return half
}

// addSegment tracks a non-contiguous region. The new region becomes the
// top; the old top's tail is rebuilt into a carved-out segment record plus
// fence-posts, and whatever is left of it returns to the bins.
func (h *Heap) addSegment(tbase unsafe.Pointer, tsize uintptr) {
	oldTop := h.top.addr()
	oldsp := h.segmentHolding(oldTop)
	oldEnd := oldsp.end()
	ssize := uintptr(segRecordChunkSize)
	rawsp := oldEnd - (ssize + 4*wordSize + alignMask)
	asp := rawsp + alignOffsetForChunk(rawsp)
	csp := asp
	if asp < oldTop+minChunkSize {
		csp = oldTop
	}
	sp := (*chunk)(pointerAt(oldsp.base, csp))
	ss := (*segment)(sp.payload())
	p := chunkPlus(sp, ssize)

	h.initTop((*chunk)(tbase), tsize-topFootSize)

	h.setInuseAndPinuse(sp, ssize, h.heapTag)
	*ss = h.seg
	h.seg.base = tbase
	h.seg.size = tsize
	h.seg.flags = 0
	h.seg.next = ss

	for {
		nextp := chunkPlus(p, wordSize)
		p.header = fencepostHeader
		if uintptr(unsafe.Pointer(&nextp.header)) < oldEnd {
			p = nextp
		} else {
			break
		}
	}

	if csp != oldTop {
		q := (*chunk)(pointerAt(oldsp.base, oldTop))
		psize := csp - oldTop
		setFreeWithPinuse(q, psize, sp)
		h.insertChunk(q, psize)
	}

	h.log.Debug().
		Uint64("base", uint64(uintptr(tbase))).
		Uint64("size", uint64(tsize)).
		Msg("segment added")
}

// prependAllocate serves nb from the front of newly acquired memory that
// sits immediately below an existing segment, consolidating the remainder
// with that segment's first chunk.
func (h *Heap) prependAllocate(newbase, oldbase unsafe.Pointer, nb uintptr, tag uint32) *chunk {
	p := alignAsChunk(newbase)
	oldfirst := alignAsChunk(oldbase)
	psize := oldfirst.addr() - p.addr()
	q := chunkPlus(p, nb)
	qsize := psize - nb
	h.setInuseAndPinuse(p, nb, tag)

	switch {
	case oldfirst == h.top:
		tsize := h.topSize + qsize
		h.setTop(q, tsize)
		q.header = tsize | pinuseBit
	case oldfirst == h.dv:
		dsize := h.dvSize + qsize
		h.setDv(q, dsize)
		setSizePinuseOfFreeChunk(q, dsize)
	default:
		if !oldfirst.cinuse() {
			nsize := oldfirst.size()
			if !h.unlinkChunk(oldfirst, nsize) {
				return p
			}
			oldfirst = chunkPlus(oldfirst, nsize)
			qsize += nsize
		}
		setFreeWithPinuse(q, qsize, oldfirst)
		h.insertChunk(q, qsize)
	}
	return p
}

// directAllocate gives a request a segment of its own: one chunk, a carved
// segment record, and fence-posts. The region goes back to the host the
// moment the chunk is freed.
func (h *Heap) directAllocate(nb uintptr, tag uint32) *chunk {
	asize := granularityAlign(nb+topFootSize+chunkAlign, h.granularity)
	if asize < nb {
		return nil
	}
	if h.footprintLimit != 0 && h.footprint+asize > h.footprintLimit {
		return nil
	}
	base := h.allocate(h, asize, h.heapTag)
	if base == nil {
		return nil
	}
	h.footprint += asize
	if h.footprint > h.maxFootprint {
		h.maxFootprint = h.footprint
	}

	c := alignAsChunk(base)
	psize := uintptr(base) + asize - topFootSize - c.addr()
	c.previousFooter = c.addr() - uintptr(base)
	c.header = psize | pinuseBit | cinuseBit | directBit
	c.tag = tag
	n := chunkPlus(c, psize)
	n.previousFooter = h.footerKey()

	sp := n
	sp.header = uintptr(segRecordChunkSize) | pinuseBit | cinuseBit
	ss := (*segment)(sp.payload())
	ss.base = base
	ss.size = asize
	ss.flags = segDirect
	ss.next = h.seg.next
	h.seg.next = ss

	end := uintptr(base) + asize
	p := chunkPlus(sp, segRecordChunkSize)
	for {
		nextp := chunkPlus(p, wordSize)
		p.header = fencepostHeader
		if uintptr(unsafe.Pointer(&nextp.header)) < end {
			p = nextp
		} else {
			break
		}
	}

	if uintptr(base) < h.leastAddr {
		h.leastAddr = uintptr(base)
	}
	h.log.Debug().Uint64("size", uint64(psize)).Uint32("tag", tag).Msg("direct allocation")
	return c
}

// freeDirect returns a direct chunk's whole segment to the host. A refused
// release keeps the segment tracked so Destroy can retry it.
func (h *Heap) freeDirect(c *chunk, s uintptr) {
	pred := &h.seg
	var sp *segment
	for sp = h.seg.next; sp != nil; sp = sp.next {
		if sp.isDirect() && sp.holds(c.addr()) {
			break
		}
		pred = sp
	}
	if sp == nil {
		h.reportCorruption(CorruptStructures, c.payload(), nil)
		return
	}
	base, size := sp.base, sp.size
	next := sp.next
	pred.next = next
	if h.release(h, base, size) {
		h.footprint -= size
		h.log.Debug().Uint64("size", uint64(size)).Msg("direct segment released")
		return
	}
	pred.next = sp
	h.log.Warn().Uint64("size", uint64(size)).Msg("backing allocator refused direct release")
}

// trim shrinks the top segment, keeping pad bytes of wilderness beyond the
// mandatory tail reservation.
func (h *Heap) trim(pad uintptr) bool {
	if h.flags&NoPartialFrees != 0 {
		return false
	}
	if h.seg.base == nil || pad >= maxRequest {
		return false
	}
	var released uintptr
	pad += topFootSize
	if h.topSize > pad {
		unit := h.granularity
		extra := ((h.topSize-pad+unit-1)/unit - 1) * unit
		sp := h.segmentHolding(h.top.addr())
		if sp != nil && !sp.external() && !sp.isDirect() && extra != 0 &&
			sp.size >= extra && !h.hasSegmentLink(sp) {
			if h.release(h, unsafe.Add(sp.base, sp.size-extra), extra) {
				released = extra
			}
		}
		if released != 0 {
			sp.size -= released
			h.footprint -= released
			h.initTop(h.top, h.topSize-released)
			h.log.Debug().Uint64("released", uint64(released)).Msg("top trimmed")
		}
	}
	return released != 0
}

// releaseUnusedSegments frees every owned segment that has collapsed back
// into a single free chunk. The scan counter is reset afterwards.
func (h *Heap) releaseUnusedSegments() uintptr {
	var released uintptr
	pred := &h.seg
	sp := pred.next
	for sp != nil {
		base, size, next := sp.base, sp.size, sp.next
		if !sp.external() && !sp.isDirect() {
			p := alignAsChunk(base)
			psize := p.size()
			if !p.cinuse() && p.addr()+psize >= uintptr(base)+size-topFootSize {
				if p == h.dv {
					h.setDv(nil, 0)
				} else if !h.unlinkChunk(p, psize) {
					pred = sp
					sp = next
					continue
				}
				if h.release(h, base, size) {
					released += size
					h.footprint -= size
					pred.next = next
					h.log.Debug().Uint64("size", uint64(size)).Msg("segment released")
					sp = pred
				} else {
					h.insertChunk(p, psize)
				}
			}
		}
		pred = sp
		sp = next
	}
	h.releaseChecks = releaseCheckInterval
	return released
}
