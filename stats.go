package memheap

// Per-tag accounting. Records live in a red-black tree ordered by
// TagComparator; the heap's own record is planted at construction so that
// bookkeeping for a brand-new caller tag never chases its own tail.

// TagStatistic accumulates the allocation history of one tag. Records are
// created on the first allocation bearing a tag and never removed.
type TagStatistic struct {
	Tag                    uint32
	LargestAllocation      uintptr
	ActiveSize             uintptr
	LargestActiveSize      uintptr
	LifetimeAllocationSize uint64
	ActiveCount            uint64
	LargestActiveCount     uint64
}

func (h *Heap) tagRecord(tag uint32) *TagStatistic {
	if v, ok := h.tagTree.Get(tag); ok {
		return v.(*TagStatistic)
	}
	st := &TagStatistic{Tag: tag}
	h.tagTree.Put(tag, st)
	return st
}

func (h *Heap) recordAllocation(tag uint32, size uintptr) {
	if h.tagTree == nil {
		return
	}
	st := h.tagRecord(tag)
	st.ActiveCount++
	if st.ActiveCount > st.LargestActiveCount {
		st.LargestActiveCount = st.ActiveCount
	}
	st.ActiveSize += size
	if st.ActiveSize > st.LargestActiveSize {
		st.LargestActiveSize = st.ActiveSize
	}
	if size > st.LargestAllocation {
		st.LargestAllocation = size
	}
	st.LifetimeAllocationSize += uint64(size)
}

func (h *Heap) recordFree(tag uint32, size uintptr) {
	if h.tagTree == nil {
		return
	}
	v, ok := h.tagTree.Get(tag)
	if !ok {
		h.log.Warn().Uint32("tag", tag).Msg("free of unaccounted tag")
		return
	}
	st := v.(*TagStatistic)
	if st.ActiveCount > 0 {
		st.ActiveCount--
	}
	if st.ActiveSize >= size {
		st.ActiveSize -= size
	} else {
		st.ActiveSize = 0
	}
}

// TagStatistic returns the record for tag, if accounting is enabled and
// the tag has been seen.
func (h *Heap) TagStatistic(tag uint32) (TagStatistic, bool) {
	if h.tagTree == nil {
		return TagStatistic{}, false
	}
	v, ok := h.tagTree.Get(tag)
	if !ok {
		return TagStatistic{}, false
	}
	return *v.(*TagStatistic), true
}

// TagStatistics snapshots every record in tag order.
func (h *Heap) TagStatistics() []TagStatistic {
	if h.tagTree == nil {
		return nil
	}
	out := make([]TagStatistic, 0, h.tagTree.Size())
	it := h.tagTree.Iterator()
	for it.Next() {
		out = append(out, *it.Value().(*TagStatistic))
	}
	return out
}
