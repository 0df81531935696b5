package memheap

import "unsafe"

const (
	// segExternal marks a segment donated by the caller. The heap never
	// returns donated memory to the host.
	segExternal uint32 = 1 << iota
	// segDirect marks a dedicated single-allocation segment.
	segDirect
)

// segment describes one backing-memory region. The record for the newest
// ordinary segment lives inline in the heap state; records for older and
// direct segments are carved out of raw memory near a segment tail.
type segment struct {
	base  unsafe.Pointer
	size  uintptr
	next  *segment
	flags uint32
	_     uint32
}

const (
	segmentRecordSize = unsafe.Sizeof(segment{})

	// Chunk size of a carved-out segment record.
	segRecordChunkSize = (segmentRecordSize + chunkHeaderSize + alignMask) &^ alignMask

	// Bytes reserved past the top chunk at a segment tail: alignment
	// slack, a future segment-record chunk, and a minimal chunk for the
	// fence-posts.
	topFootSize = wordSize + segRecordChunkSize + minChunkSize
)

func (s *segment) end() uintptr { return uintptr(s.base) + s.size }

func (s *segment) holds(a uintptr) bool {
	return s.base != nil && uintptr(s.base) <= a && a < s.end()
}

func (s *segment) external() bool { return s.flags&segExternal != 0 }
func (s *segment) isDirect() bool { return s.flags&segDirect != 0 }

func (h *Heap) segmentHolding(a uintptr) *segment {
	for sp := &h.seg; sp != nil; sp = sp.next {
		if sp.holds(a) {
			return sp
		}
	}
	return nil
}

// hasSegmentLink reports whether any segment record resides inside s, in
// which case s's tail cannot be returned to the host.
func (h *Heap) hasSegmentLink(s *segment) bool {
	for sp := &h.seg; sp != nil; sp = sp.next {
		if s.holds(uintptr(unsafe.Pointer(sp))) {
			return true
		}
	}
	return false
}

func granularityAlign(n, g uintptr) uintptr { return (n + g - 1) &^ (g - 1) }
