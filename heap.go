package memheap

import (
	"errors"
	"unsafe"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/rs/zerolog"
)

const (
	liveMagic      = 0x4D656D48656150 // "MemHeaP"
	destroyedMagic = 0x44656164486561 // "DeadHea"

	defaultMinExpansion    = 64 << 10
	defaultGranularity     = 4 << 10
	defaultDirectThreshold = 256 << 10
	defaultTrimThreshold   = 2 << 20

	// Frees between scans for releasable segments.
	releaseCheckInterval = 4096
)

// ErrRegionTooSmall is returned by New when a donated initial region cannot
// hold even the segment tail reservation.
var ErrRegionTooSmall = errors.New("memheap: donated region too small")

// binAnchor embeds the two link words of a small-bin head. Casting its
// address back by the chunk header size yields a pseudo chunk whose next
// and previous fields line up with the anchor, so list splicing needs no
// special head handling.
type binAnchor struct {
	next     *chunk
	previous *chunk
}

// Heap is the allocator state. The zero value is not usable; construct with
// New. Callers own the Heap and must serialize access to it.
type Heap struct {
	magic uintptr

	smallMap binMap
	treeMap  binMap

	dvSize  uintptr
	topSize uintptr
	dv      *chunk
	top     *chunk

	leastAddr uintptr

	smallBins [numSmallBins]binAnchor
	treeBins  [numTreeBins]*treeChunk

	// Record of the newest ordinary segment; older records live in raw
	// memory and chain through next.
	seg segment

	footprint      uintptr
	maxFootprint   uintptr
	footprintLimit uintptr
	freeListSize   uintptr

	failedAllocations uint64
	releaseChecks     uintptr
	prevExpansion     uintptr

	minExpansion    uintptr
	granularity     uintptr
	directThreshold uintptr
	trimThreshold   uintptr

	allocate   AllocateFunc
	release    FreeFunc
	corruption CorruptionFunc

	tagTree   *redblacktree.Tree
	tagLabels map[uint32]string

	heapTag uint32
	flags   Flags

	log zerolog.Logger
}

// New builds a heap over the given backing callbacks. No backing memory is
// requested until the first allocation unless an initial region is donated.
func New(cfg Config) (*Heap, error) {
	if cfg.Allocate == nil || cfg.Free == nil {
		return nil, ErrMissingBacking
	}
	if !ValidTag(cfg.Tag) {
		return nil, ErrInvalidTag
	}

	h := &Heap{
		allocate:        cfg.Allocate,
		release:         cfg.Free,
		corruption:      cfg.Corruption,
		heapTag:         cfg.Tag,
		flags:           cfg.Flags,
		minExpansion:    cfg.MinimumExpansionSize,
		granularity:     cfg.ExpansionGranularity,
		directThreshold: cfg.DirectThreshold,
		footprintLimit:  cfg.FootprintLimit,
		trimThreshold:   cfg.TrimThreshold,
		releaseChecks:   releaseCheckInterval,
		log:             zerolog.Nop(),
	}
	if cfg.Logger != nil {
		h.log = *cfg.Logger
	}
	if h.granularity == 0 {
		h.granularity = defaultGranularity
	} else if h.granularity&(h.granularity-1) != 0 {
		g := uintptr(chunkAlign)
		for g < h.granularity {
			g <<= 1
		}
		h.granularity = g
	}
	if h.minExpansion == 0 {
		h.minExpansion = defaultMinExpansion
	}
	h.minExpansion = granularityAlign(h.minExpansion, h.granularity)
	if h.directThreshold == 0 {
		h.directThreshold = defaultDirectThreshold
	}
	if h.trimThreshold == 0 {
		h.trimThreshold = defaultTrimThreshold
	}

	for i := range h.smallBins {
		b := h.smallBinAt(uint32(i))
		b.next = b
		b.previous = b
	}

	if h.flags&CollectTagStatistics != 0 {
		h.tagTree = redblacktree.NewWith(TagComparator)
		// Pre-insert the heap's own record so the first caller-tag
		// insertion cannot recurse through internal bookkeeping.
		h.tagTree.Put(h.heapTag, &TagStatistic{Tag: h.heapTag})
	}

	h.magic = liveMagic

	if cfg.InitialRegion != nil {
		if cfg.InitialRegionSize < topFootSize+minChunkSize+chunkAlign {
			return nil, ErrRegionTooSmall
		}
		h.seg.base = cfg.InitialRegion
		h.seg.size = cfg.InitialRegionSize
		h.seg.flags = segExternal
		h.leastAddr = uintptr(cfg.InitialRegion)
		h.initTop((*chunk)(cfg.InitialRegion), cfg.InitialRegionSize-topFootSize)
		h.log.Debug().
			Uint64("base", uint64(uintptr(cfg.InitialRegion))).
			Uint64("size", uint64(cfg.InitialRegionSize)).
			Msg("donated region installed")
	}

	return h, nil
}

// Destroy returns every owned segment to the host and poisons the heap.
// A second Destroy reports DoubleDestroy and does nothing else.
func (h *Heap) Destroy() {
	if h.magic != liveMagic {
		code := CorruptStructures
		if h.magic == destroyedMagic {
			code = DoubleDestroy
		}
		h.reportCorruption(code, nil, nil)
		return
	}

	// Records live inside the segments being freed; snapshot first.
	type region struct {
		base unsafe.Pointer
		size uintptr
	}
	var owned []region
	for sp := &h.seg; sp != nil; sp = sp.next {
		if sp.base != nil && !sp.external() {
			owned = append(owned, region{sp.base, sp.size})
		}
	}
	for _, r := range owned {
		if h.release(h, r.base, r.size) {
			h.footprint -= r.size
		} else {
			h.log.Warn().
				Uint64("base", uint64(uintptr(r.base))).
				Uint64("size", uint64(r.size)).
				Msg("backing allocator refused release during destroy")
		}
	}

	h.magic = destroyedMagic
	h.seg = segment{}
	h.top, h.dv = nil, nil
	h.topSize, h.dvSize = 0, 0
	h.smallMap, h.treeMap = 0, 0
	h.freeListSize = 0
	for i := range h.treeBins {
		h.treeBins[i] = nil
	}
	for i := range h.smallBins {
		b := h.smallBinAt(uint32(i))
		b.next = b
		b.previous = b
	}
	h.tagTree = nil
	h.log.Debug().Msg("heap destroyed")
}

// smallBinAt returns the pseudo chunk anchoring small bin i.
func (h *Heap) smallBinAt(i uint32) *chunk {
	return (*chunk)(unsafe.Add(unsafe.Pointer(&h.smallBins[i&(numSmallBins-1)]), -int(chunkHeaderSize)))
}

// setTop moves the wilderness chunk, keeping the free-byte accumulator in
// step. Header words are written by the callers, which know the context.
func (h *Heap) setTop(c *chunk, s uintptr) {
	h.freeListSize += s - h.topSize
	h.top = c
	h.topSize = s
}

func (h *Heap) setDv(c *chunk, s uintptr) {
	h.freeListSize += s - h.dvSize
	h.dv = c
	h.dvSize = s
}

// initTop establishes c as the top chunk. psize is the raw byte count
// before payload alignment is carved off the front.
func (h *Heap) initTop(c *chunk, psize uintptr) {
	off := alignOffsetForChunk(c.addr())
	c = chunkPlus(c, off)
	psize -= off
	h.setTop(c, psize)
	c.header = psize | pinuseBit
	// Pseudo header past the top; traversals stop at top before it.
	chunkPlus(c, psize).header = topFootSize
}

func (h *Heap) live() bool {
	if h.magic == liveMagic {
		return true
	}
	code := CorruptStructures
	if h.magic == destroyedMagic {
		code = DoubleDestroy
	}
	h.reportCorruption(code, nil, nil)
	return false
}

func (h *Heap) reportCorruption(code CorruptionCode, c unsafe.Pointer, cb CorruptionFunc) {
	h.log.Error().
		Str("code", code.String()).
		Uint64("chunk", uint64(uintptr(c))).
		Msg("heap corruption detected")
	if cb == nil {
		cb = h.corruption
	}
	if cb != nil {
		cb(h, code, c)
	}
}

// Footprint returns the bytes currently obtained from the backing
// allocator.
func (h *Heap) Footprint() uintptr { return h.footprint }

// MaxFootprint returns the high-water mark of Footprint.
func (h *Heap) MaxFootprint() uintptr { return h.maxFootprint }

// FreeListSize returns the bytes held in bins, the designated victim, and
// the top chunk.
func (h *Heap) FreeListSize() uintptr { return h.freeListSize }

// FailedAllocations counts requests that returned nil.
func (h *Heap) FailedAllocations() uint64 { return h.failedAllocations }

// Trim attempts to return the unused tail of the top segment to the host.
// It reports whether any memory was released.
func (h *Heap) Trim() bool {
	if !h.live() {
		return false
	}
	return h.trim(0)
}
