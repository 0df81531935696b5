// Package memheap implements a general-purpose heap allocator that carves
// variable-sized allocations out of raw memory regions ("segments") obtained
// from a caller-supplied backing allocator. Free memory is kept in 32
// circular doubly-linked lists for small sizes and 32 digital search tries
// for large sizes, with two bitmaps marking the non-empty bins. Every
// allocation carries a caller-supplied four-byte tag used for per-tag
// accounting, and every in-use chunk is followed by an XOR-keyed footer word
// that detects buffer overruns and cross-heap frees.
//
// Concurrency: a Heap performs no locking. Callers must serialize all
// operations on a Heap; distinct Heaps are independent and may be used from
// different goroutines.
package memheap

import (
	"errors"
	"unsafe"

	"github.com/emirpasic/gods/utils"
	"github.com/rs/zerolog"
)

// AllocateFunc obtains a new backing region of at least size bytes. The
// returned pointer must be aligned to at least the pointer size. Returning
// nil makes the heap retry with smaller sizes and finally fail the request.
// The heap only calls this from expansion paths, never from Free.
type AllocateFunc func(h *Heap, size uintptr, tag uint32) unsafe.Pointer

// FreeFunc returns a backing region (or, during trim, the tail of one) to
// the host. Returning false refuses the release; the heap restores its
// bookkeeping and keeps the region tracked.
type FreeFunc func(h *Heap, base unsafe.Pointer, size uintptr) bool

// CorruptionFunc is invoked when the heap detects damaged metadata. The
// chunk argument is the payload address of the offending chunk, or nil when
// no single chunk can be blamed. The callback must not re-enter the heap.
type CorruptionFunc func(h *Heap, code CorruptionCode, chunk unsafe.Pointer)

// CorruptionCode classifies a detected-corruption report.
type CorruptionCode uint8

const (
	// CorruptStructures means a list, trie, or header invariant does not
	// hold (for example a neighbor's back pointer disagrees).
	CorruptStructures CorruptionCode = iota + 1
	// BufferOverrun means the footer word following an in-use chunk no
	// longer decodes to the owning heap.
	BufferOverrun
	// DoubleFree means a chunk was freed that is not currently in use.
	DoubleFree
	// DoubleDestroy means an operation was attempted on a destroyed heap.
	DoubleDestroy
)

func (c CorruptionCode) String() string {
	switch c {
	case CorruptStructures:
		return "corrupt structures"
	case BufferOverrun:
		return "buffer overrun"
	case DoubleFree:
		return "double free"
	case DoubleDestroy:
		return "double destroy"
	}
	return "unknown"
}

// Flags alter heap-wide behavior. Combine with bitwise OR.
type Flags uint32

const (
	// CollectTagStatistics enables the per-tag accounting tree. Without it
	// the statistics accessors return empty results.
	CollectTagStatistics Flags = 1 << iota
	// NoPartialFrees forbids returning the tail of a segment to the host
	// even when the backing allocator would accept it. Whole segments are
	// still released.
	NoPartialFrees
)

var (
	// ErrMissingBacking is returned by New when no backing callbacks are
	// supplied.
	ErrMissingBacking = errors.New("memheap: backing allocate and free callbacks are required")
	// ErrInvalidTag is returned for tags of zero or all ones.
	ErrInvalidTag = errors.New("memheap: invalid allocation tag")
	// ErrInvalidAlignment is returned when an alignment cannot be brought
	// to a representable power of two.
	ErrInvalidAlignment = errors.New("memheap: unrepresentable alignment")
	// ErrOutOfMemory is returned when a request cannot be satisfied.
	ErrOutOfMemory = errors.New("memheap: insufficient resources")
)

// TagComparator is the ordering applied to tags in the per-tag statistics
// tree. It is part of the public contract so callers embedding statistics
// records in their own trees sort compatibly.
var TagComparator utils.Comparator = utils.UInt32Comparator

// Config parameterizes New. Allocate and Free are required; everything else
// has a usable zero-value default.
type Config struct {
	// Allocate and Free are the backing allocator.
	Allocate AllocateFunc
	Free     FreeFunc

	// Corruption, if set, receives corruption reports. Detection still
	// happens without it; the offending operation simply aborts.
	Corruption CorruptionFunc

	// Tag identifies the heap's own internal allocations (segment records,
	// statistics bookkeeping) and keys the footer check. Must be a valid
	// tag.
	Tag uint32

	Flags Flags

	// MinimumExpansionSize is the smallest region requested by an ordinary
	// expansion. Default 64 KiB. After the backing allocator refuses a
	// request, and when a FootprintLimit applies, the size is halved down
	// to what the pending allocation needs.
	MinimumExpansionSize uintptr

	// ExpansionGranularity rounds every backing request. Must be a power
	// of two; non-powers are rounded up. Default 4 KiB.
	ExpansionGranularity uintptr

	// DirectThreshold routes requests at or above it to dedicated
	// segments that are returned to the host on free. Default 256 KiB.
	DirectThreshold uintptr

	// FootprintLimit caps the total bytes obtained from the backing
	// allocator. Zero means unlimited. When an expansion would exceed the
	// limit the request fails without calling the backing allocator.
	FootprintLimit uintptr

	// TrimThreshold is the top size beyond which Free attempts to return
	// the segment tail to the host. Default 2 MiB.
	TrimThreshold uintptr

	// InitialRegion optionally donates a caller-owned region as the first
	// segment. The heap never returns donated memory to the host.
	InitialRegion     unsafe.Pointer
	InitialRegionSize uintptr

	// Logger receives structured trace events for segment lifecycle and
	// corruption reports. Nil disables logging.
	Logger *zerolog.Logger
}

// ValidTag reports whether tag may be used for allocations. Zero and all
// ones are reserved as sentinels, as is the internal free marker.
func ValidTag(tag uint32) bool {
	return tag != 0 && tag != 0xFFFFFFFF && tag != freeTag
}
