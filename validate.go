package memheap

import (
	"unsafe"

	set3 "github.com/TomTonic/Set3"
)

// Validate walks every free structure and every chunk of every segment and
// cross-checks the invariants that hold between operations: exact sizes in
// small bins, index agreement in tree bins, no two adjacent free chunks,
// intact footers behind in-use chunks, the top chunk at its segment tail,
// and the free-byte accumulator. Failures are classified and delivered to
// cb, falling back to the heap's corruption callback; the walk continues
// where it safely can. It reports whether the heap is clean.
func (h *Heap) Validate(cb CorruptionFunc) bool {
	if h.magic != liveMagic {
		code := CorruptStructures
		if h.magic == destroyedMagic {
			code = DoubleDestroy
		}
		h.reportCorruption(code, nil, cb)
		return false
	}
	v := &validator{
		h:       h,
		cb:      cb,
		ok:      true,
		visited: set3.Empty[uintptr](),
	}
	v.checkSmallBins()
	v.checkTreeBins()
	v.checkVictimAndTop()
	v.checkSegments()
	if v.freeTotal != h.freeListSize {
		v.fail(CorruptStructures, nil)
	}
	return v.ok
}

type validator struct {
	h         *Heap
	cb        CorruptionFunc
	ok        bool
	freeTotal uintptr
	dvSeen    bool
	visited   *set3.Set3[uintptr]
}

func (v *validator) fail(code CorruptionCode, c *chunk) {
	v.ok = false
	var p unsafe.Pointer
	if c != nil {
		p = c.payload()
	}
	v.h.reportCorruption(code, p, v.cb)
}

// seen records c and reports whether it was already visited, which in a
// list or trie walk means a cycle.
func (v *validator) seen(c *chunk) bool {
	if v.visited.Contains(c.addr()) {
		return true
	}
	v.visited.Add(c.addr())
	return false
}

func (v *validator) checkSmallBins() {
	h := v.h
	for i := uint32(0); i < numSmallBins; i++ {
		b := h.smallBinAt(i)
		empty := b.next == b
		if h.smallMap.isMarked(i) == empty {
			v.fail(CorruptStructures, nil)
			continue
		}
		if empty {
			continue
		}
		want := smallIndexToSize(i)
		for c := b.next; c != b; c = c.next {
			if v.seen(c) {
				v.fail(CorruptStructures, c)
				break
			}
			if c.size() != want || c.cinuse() || !c.pinuse() {
				v.fail(CorruptStructures, c)
			}
			if c.tag != freeTag {
				v.fail(DoubleFree, c)
			}
			if c.next.previous != c || c.previous.next != c {
				v.fail(CorruptStructures, c)
				break
			}
		}
	}
}

func (v *validator) checkTreeBins() {
	h := v.h
	for i := uint32(0); i < numTreeBins; i++ {
		root := h.treeBins[i]
		if h.treeMap.isMarked(i) != (root != nil) {
			v.fail(CorruptStructures, nil)
		}
		if root == nil {
			continue
		}
		if root.parent != h.treeBinAsParent(i) {
			v.fail(CorruptStructures, &root.chunk)
		}
		stack := []*treeChunk{root}
		for len(stack) > 0 {
			t := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if v.seen(&t.chunk) {
				v.fail(CorruptStructures, &t.chunk)
				break
			}
			v.checkTreeNode(i, t)
			for _, ch := range t.child {
				if ch == nil {
					continue
				}
				if ch.parent != t {
					v.fail(CorruptStructures, &ch.chunk)
					continue
				}
				stack = append(stack, ch)
			}
		}
	}
}

// checkTreeNode verifies one trie node and the same-size ring behind it.
func (v *validator) checkTreeNode(i uint32, t *treeChunk) {
	sz := t.size()
	if t.index != i || computeTreeIndex(sz) != i {
		v.fail(CorruptStructures, &t.chunk)
	}
	if sz < minTreeSize || sz < minSizeForTreeIndex(i) {
		v.fail(CorruptStructures, &t.chunk)
	}
	if i+1 < numTreeBins && sz >= minSizeForTreeIndex(i+1) {
		v.fail(CorruptStructures, &t.chunk)
	}
	if t.cinuse() || !t.pinuse() {
		v.fail(CorruptStructures, &t.chunk)
	}
	if t.tag != freeTag {
		v.fail(DoubleFree, &t.chunk)
	}
	for r := t.next.tree(); r != t; r = r.next.tree() {
		if v.seen(&r.chunk) {
			v.fail(CorruptStructures, &r.chunk)
			break
		}
		// Ring members hang off the trie: same size, no parent, no
		// children, intact ring pointers.
		if r.size() != sz || r.parent != nil ||
			r.child[0] != nil || r.child[1] != nil {
			v.fail(CorruptStructures, &r.chunk)
		}
		if r.next.previous != &r.chunk || r.previous.next != &r.chunk {
			v.fail(CorruptStructures, &r.chunk)
			break
		}
	}
}

func (v *validator) checkVictimAndTop() {
	h := v.h
	if (h.dv == nil) != (h.dvSize == 0) {
		v.fail(CorruptStructures, h.dv)
	}
	if h.dv != nil && h.dvSize != 0 {
		c := h.dv
		if c.size() != h.dvSize || !isSmall(h.dvSize) || c.cinuse() || !c.pinuse() || c.tag != freeTag {
			v.fail(CorruptStructures, c)
		}
		n := c.nextChunk()
		if n.pinuse() || n.previousFooter != h.dvSize {
			v.fail(CorruptStructures, c)
		}
	}
	if h.top != nil {
		c := h.top
		if c.header != h.topSize|pinuseBit {
			v.fail(CorruptStructures, c)
		}
		sp := h.segmentHolding(c.addr())
		if sp == nil {
			v.fail(CorruptStructures, c)
		} else if sp.end()-(c.addr()+h.topSize) != topFootSize {
			v.fail(CorruptStructures, c)
		}
	}
}

func (v *validator) checkSegments() {
	h := v.h
	for sp := &h.seg; sp != nil; sp = sp.next {
		if sp.base == nil {
			continue
		}
		if sp.isDirect() {
			v.checkDirectSegment(sp)
			continue
		}
		v.checkSegmentChunks(sp)
	}
	if h.dvSize != 0 && !v.dvSeen {
		v.fail(CorruptStructures, h.dv)
	}
}

func (v *validator) checkDirectSegment(sp *segment) {
	c := alignAsChunk(sp.base)
	sz := c.size()
	if !c.direct() || !c.cinuse() {
		v.fail(CorruptStructures, c)
		return
	}
	if c.addr()+sz > sp.end() {
		v.fail(CorruptStructures, c)
		return
	}
	if c.tag != freeTag && !v.h.footerOK(c, sz) {
		v.fail(BufferOverrun, c)
	}
}

func (v *validator) checkSegmentChunks(sp *segment) {
	h := v.h
	q := alignAsChunk(sp.base)
	prevFree := false
	for {
		if q == h.top {
			v.freeTotal += h.topSize
			if prevFree {
				v.fail(CorruptStructures, q)
			}
			return
		}
		if q.header == topFootSize || q.header&flagMask == inuseBits && q.size() < minChunkSize {
			// Fence-posts or the reserved tail; nothing beyond belongs
			// to the chunk walk.
			return
		}
		sz := q.size()
		if sz < minChunkSize || q.addr()+sz > sp.end() {
			v.fail(CorruptStructures, q)
			return
		}
		if q.pinuse() == prevFree {
			v.fail(CorruptStructures, q)
		}
		if q.cinuse() {
			if !h.footerOK(q, sz) {
				v.fail(BufferOverrun, q)
			}
			if q.tag == freeTag {
				v.fail(DoubleFree, q)
			}
			prevFree = false
		} else {
			if prevFree {
				v.fail(CorruptStructures, q)
			}
			n := q.nextChunk()
			if n != h.top && (n.pinuse() || n.previousFooter != sz) {
				v.fail(CorruptStructures, q)
			}
			if n == h.top {
				// A free chunk never survives next to the wilderness.
				v.fail(CorruptStructures, q)
			}
			if q == h.dv {
				if q.size() != h.dvSize {
					v.fail(CorruptStructures, q)
				}
				v.dvSeen = true
			} else if q.next.previous != q {
				v.fail(CorruptStructures, q)
			}
			v.freeTotal += sz
			prevFree = true
		}
		q = q.nextChunk()
	}
}
