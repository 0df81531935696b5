package memheap

// Small bins hold free chunks of one exact size each, in circular doubly
// linked lists threaded through the chunks' link words. Insertion and
// removal are O(1); the bitmap keeps empty bins out of every search.

func (h *Heap) insertSmall(c *chunk, s uintptr) {
	i := smallIndex(s)
	b := h.smallBinAt(i)
	f := b
	if h.smallMap.isMarked(i) {
		f = b.next
	} else {
		h.smallMap.mark(i)
	}
	b.next = c
	f.previous = c
	c.next = f
	c.previous = b
	h.freeListSize += s
}

// unlinkSmall removes c from its list. A disagreeing neighbor pointer means
// the lists were stomped; the unlink is abandoned after reporting.
func (h *Heap) unlinkSmall(c *chunk, s uintptr) bool {
	f := c.next
	b := c.previous
	i := smallIndex(s)
	if f.previous != c || b.next != c {
		h.reportCorruption(CorruptStructures, c.payload(), nil)
		return false
	}
	if f == b {
		h.smallMap.clear(i)
		b.next = b
		b.previous = b
	} else {
		f.previous = b
		b.next = f
	}
	h.freeListSize -= s
	return true
}

// unlinkFirstSmall pops c, known to be the first chunk of bin i's list.
func (h *Heap) unlinkFirstSmall(b, c *chunk, i uint32) bool {
	f := c.next
	if f.previous != c {
		h.reportCorruption(CorruptStructures, c.payload(), nil)
		return false
	}
	if b == f {
		h.smallMap.clear(i)
		b.next = b
		b.previous = b
	} else {
		b.next = f
		f.previous = b
	}
	h.freeListSize -= smallIndexToSize(i)
	return true
}

// replaceDv installs c as the designated victim, binning the previous one.
// The victim is always small-range, so the old one goes to a small bin.
func (h *Heap) replaceDv(c *chunk, s uintptr) {
	if dvs := h.dvSize; dvs != 0 {
		dv := h.dv
		h.setDv(nil, 0)
		h.insertSmall(dv, dvs)
	}
	h.setDv(c, s)
}
