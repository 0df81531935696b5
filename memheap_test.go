package memheap

import (
	"testing"
	"unsafe"
)

const testTag = 0x41414141 // "AAAA"
const heapTag = 0x48454150 // "HEAP"

// testBackend hands out Go-allocated regions and keeps them alive for the
// duration of the test.
type testBackend struct {
	regions   map[uintptr][]byte
	attempts  int
	allocs    int
	releases  int
	failAlloc bool
	refuse    bool
}

func newTestBackend() *testBackend {
	return &testBackend{regions: make(map[uintptr][]byte)}
}

func (b *testBackend) allocate(_ *Heap, size uintptr, _ uint32) unsafe.Pointer {
	b.attempts++
	if b.failAlloc {
		return nil
	}
	buf := make([]byte, size+chunkAlign)
	p := unsafe.Pointer(&buf[0])
	if off := uintptr(p) & alignMask; off != 0 {
		p = unsafe.Add(p, chunkAlign-off)
	}
	b.regions[uintptr(p)] = buf
	b.allocs++
	return p
}

func (b *testBackend) free(_ *Heap, base unsafe.Pointer, size uintptr) bool {
	if b.refuse {
		return false
	}
	if _, ok := b.regions[uintptr(base)]; ok {
		delete(b.regions, uintptr(base))
		b.releases++
		return true
	}
	// Partial release of a tracked region's tail, from trim.
	for a, buf := range b.regions {
		if uintptr(base) > a && uintptr(base)+size <= a+uintptr(len(buf)) {
			b.releases++
			return true
		}
	}
	return false
}

func newTestHeap(t *testing.T, cfg Config) (*Heap, *testBackend) {
	t.Helper()
	b := newTestBackend()
	cfg.Allocate = b.allocate
	cfg.Free = b.free
	if cfg.Tag == 0 {
		cfg.Tag = heapTag
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, b
}

func mustValidate(t *testing.T, h *Heap) {
	t.Helper()
	clean := h.Validate(func(_ *Heap, code CorruptionCode, c unsafe.Pointer) {
		t.Errorf("validate reported %v at %#x", code, uintptr(c))
	})
	if !clean {
		t.Fatalf("heap failed validation")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{}); err != ErrMissingBacking {
		t.Fatalf("expected ErrMissingBacking, got %v", err)
	}
	b := newTestBackend()
	if _, err := New(Config{Allocate: b.allocate, Free: b.free, Tag: 0}); err != ErrInvalidTag {
		t.Fatalf("expected ErrInvalidTag for zero tag, got %v", err)
	}
	if _, err := New(Config{Allocate: b.allocate, Free: b.free, Tag: 0xFFFFFFFF}); err != ErrInvalidTag {
		t.Fatalf("expected ErrInvalidTag for all-ones tag, got %v", err)
	}
}

func TestSingleSmallAllocationAndFree(t *testing.T) {
	h, _ := newTestHeap(t, Config{Flags: CollectTagStatistics})

	a := h.Allocate(24, testTag)
	if a == nil {
		t.Fatalf("Allocate(24) returned nil")
	}
	if uintptr(a)&(chunkAlign-1) != 0 {
		t.Fatalf("payload %#x not %d-byte aligned", uintptr(a), uintptr(chunkAlign))
	}
	// the payload is writable over its full requested extent
	s := unsafe.Slice((*byte)(a), 24)
	for i := range s {
		s[i] = byte(i)
	}
	mustValidate(t, h)

	h.Free(a)
	mustValidate(t, h)

	st, ok := h.TagStatistic(testTag)
	if !ok {
		t.Fatalf("no statistics record for tag")
	}
	if st.ActiveCount != 0 || st.ActiveSize != 0 {
		t.Fatalf("active count/size = %d/%d after free, want 0/0", st.ActiveCount, st.ActiveSize)
	}
	if st.LifetimeAllocationSize == 0 || st.LargestAllocation == 0 {
		t.Fatalf("lifetime counters not recorded: %+v", st)
	}
}

func TestAllocateZeroBytes(t *testing.T) {
	h, _ := newTestHeap(t, Config{})
	p := h.Allocate(0, testTag)
	if p == nil {
		t.Fatalf("Allocate(0) should yield a minimum-size allocation")
	}
	if got := chunkFromPayload(p).size(); got != minChunkSize {
		t.Fatalf("zero-byte request yielded chunk of %d, want %d", got, uintptr(minChunkSize))
	}
	h.Free(p)
	mustValidate(t, h)
}

func TestInvalidTagRejected(t *testing.T) {
	var reports []CorruptionCode
	h, _ := newTestHeap(t, Config{
		Corruption: func(_ *Heap, code CorruptionCode, _ unsafe.Pointer) {
			reports = append(reports, code)
		},
	})
	if p := h.Allocate(24, 0); p != nil {
		t.Fatalf("Allocate with zero tag should fail")
	}
	if p := h.Allocate(24, 0xFFFFFFFF); p != nil {
		t.Fatalf("Allocate with all-ones tag should fail")
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 corruption reports, got %d", len(reports))
	}
	if h.FailedAllocations() != 2 {
		t.Fatalf("failed allocations = %d, want 2", h.FailedAllocations())
	}
}

func TestMaxRequestFails(t *testing.T) {
	h, b := newTestHeap(t, Config{})
	if p := h.Allocate(maxRequest, testTag); p != nil {
		t.Fatalf("request at maxRequest should fail")
	}
	if b.allocs != 0 {
		t.Fatalf("oversize request must not reach the backing allocator")
	}
	if h.FailedAllocations() != 1 {
		t.Fatalf("failed allocations = %d, want 1", h.FailedAllocations())
	}
}

func TestSmallBinReuse(t *testing.T) {
	h, _ := newTestHeap(t, Config{})

	// a guard keeps the freed chunk away from the top so it lands in a bin
	a := h.Allocate(40, testTag)
	g := h.Allocate(40, testTag)
	h.Free(a)
	mustValidate(t, h)

	if h.smallMap == 0 {
		t.Fatalf("freed chunk should be binned")
	}
	b := h.Allocate(40, testTag)
	if b != a {
		t.Fatalf("exact-size request should reuse the binned chunk: got %#x want %#x", uintptr(b), uintptr(a))
	}
	h.Free(b)
	h.Free(g)
	mustValidate(t, h)
}

func TestDesignatedVictimHandOff(t *testing.T) {
	h, _ := newTestHeap(t, Config{})

	a := h.Allocate(200, testTag) // chunk of 224
	g := h.Allocate(32, testTag)  // guard
	h.Free(a)                     // binned: next neighbor busy

	if h.dvSize != 0 {
		t.Fatalf("no designated victim expected yet")
	}

	// splitting the binned 224-chunk hands the remainder to the victim
	p1 := h.Allocate(40, testTag) // chunk of 64
	if p1 != a {
		t.Fatalf("split should start at the binned chunk")
	}
	if h.dvSize != 224-64 {
		t.Fatalf("designated victim size = %d, want %d", h.dvSize, 224-64)
	}
	mustValidate(t, h)

	// repeated small requests consume the victim in place
	p2 := h.Allocate(40, testTag)
	if h.dvSize != 224-2*64 {
		t.Fatalf("designated victim size = %d, want %d", h.dvSize, 224-2*64)
	}
	p3 := h.Allocate(40, testTag) // remainder below minimum: victim consumed
	if h.dvSize != 0 || h.dv != nil {
		t.Fatalf("victim should be exhausted, size = %d", h.dvSize)
	}
	mustValidate(t, h)

	for _, p := range []unsafe.Pointer{p1, p2, p3, g} {
		h.Free(p)
	}
	mustValidate(t, h)
}

func TestTreeBinBestFit(t *testing.T) {
	h, _ := newTestHeap(t, Config{})

	big := h.Allocate(2000, testTag) // chunk of 2032
	g1 := h.Allocate(32, testTag)
	mid := h.Allocate(1000, testTag) // chunk of 1024
	g2 := h.Allocate(32, testTag)

	h.Free(big)
	h.Free(mid)
	mustValidate(t, h)
	if h.treeMap == 0 {
		t.Fatalf("large freed chunks should be in tree bins")
	}

	// best fit prefers the 1024 chunk over the 2032 one
	p := h.Allocate(900, testTag)
	if p != mid {
		t.Fatalf("best-fit should reuse the smaller tree chunk: got %#x want %#x", uintptr(p), uintptr(mid))
	}
	mustValidate(t, h)

	h.Free(p)
	h.Free(g1)
	h.Free(g2)
	mustValidate(t, h)
}

func TestFreeEverythingConsolidates(t *testing.T) {
	h, _ := newTestHeap(t, Config{})

	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		p := h.Allocate(32, testTag)
		if p == nil {
			t.Fatalf("allocation %d failed", i)
		}
		ptrs = append(ptrs, p)
	}
	// free every other one first, then the rest
	for i := 0; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	mustValidate(t, h)
	for i := 1; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	mustValidate(t, h)

	// everything consolidated back into the wilderness
	if h.smallMap != 0 || h.treeMap != 0 || h.dvSize != 0 {
		t.Fatalf("free structures not empty after freeing everything: small=%b tree=%b dv=%d",
			h.smallMap, h.treeMap, h.dvSize)
	}
	if h.FreeListSize() != h.topSize {
		t.Fatalf("free bytes %d != top size %d", h.FreeListSize(), h.topSize)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	var reports []CorruptionCode
	h, _ := newTestHeap(t, Config{
		Corruption: func(_ *Heap, code CorruptionCode, _ unsafe.Pointer) {
			reports = append(reports, code)
		},
	})
	p := h.Allocate(64, testTag)
	h.Free(p)
	if len(reports) != 0 {
		t.Fatalf("first free should be clean, got %v", reports)
	}
	h.Free(p)
	if len(reports) != 1 || reports[0] != DoubleFree {
		t.Fatalf("expected exactly one DoubleFree report, got %v", reports)
	}
	mustValidate(t, h)
}

func TestBufferOverrunDetected(t *testing.T) {
	var reports []CorruptionCode
	h, _ := newTestHeap(t, Config{
		Corruption: func(_ *Heap, code CorruptionCode, _ unsafe.Pointer) {
			reports = append(reports, code)
		},
	})
	p := h.Allocate(16, testTag)
	h.Allocate(64, testTag) // guard so the damage stays off the top chunk

	// write past the chunk's 24-byte capacity, through the footer word and
	// into the guard's header
	s := unsafe.Slice((*byte)(p), minChunkSize+1)
	for i := range s {
		s[i] = 0
	}
	h.Free(p)
	if len(reports) != 1 || reports[0] != BufferOverrun {
		t.Fatalf("expected exactly one BufferOverrun report, got %v", reports)
	}
}

func TestFootprintLimit(t *testing.T) {
	h, b := newTestHeap(t, Config{
		MinimumExpansionSize: 4096,
		ExpansionGranularity: 4096,
		FootprintLimit:       8192,
	})

	var ptrs []unsafe.Pointer
	for {
		p := h.Allocate(1024, testTag)
		if p == nil {
			break
		}
		ptrs = append(ptrs, p)
	}
	if h.Footprint() > 8192 {
		t.Fatalf("footprint %d exceeds limit", h.Footprint())
	}
	callsAtSaturation := b.allocs
	if p := h.Allocate(4096, testTag); p != nil {
		t.Fatalf("allocation beyond the limit should fail")
	}
	if b.allocs != callsAtSaturation {
		t.Fatalf("saturated heap must not call the backing allocator")
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	mustValidate(t, h)
}

func TestDirectAllocation(t *testing.T) {
	h, b := newTestHeap(t, Config{DirectThreshold: 64 << 10})

	// initialize the heap with an ordinary allocation first
	small := h.Allocate(64, testTag)

	p := h.Allocate(100<<10, testTag)
	if p == nil {
		t.Fatalf("direct allocation failed")
	}
	c := chunkFromPayload(p)
	if !c.direct() {
		t.Fatalf("large request should be directly allocated")
	}
	mustValidate(t, h)

	releasesBefore := b.releases
	h.Free(p)
	if b.releases != releasesBefore+1 {
		t.Fatalf("direct free must return the segment to the host")
	}
	mustValidate(t, h)

	h.Free(small)
	mustValidate(t, h)
}

func TestBackingFailureHalvesAndFails(t *testing.T) {
	h, b := newTestHeap(t, Config{})
	b.failAlloc = true
	if p := h.Allocate(64, testTag); p != nil {
		t.Fatalf("allocation must fail when the backing allocator refuses")
	}
	if b.allocs != 0 {
		t.Fatalf("failing backend should have been called without success")
	}
	// 64 KiB, 32 KiB, 16 KiB, 8 KiB, then the 4 KiB the request needs
	if b.attempts != 5 {
		t.Fatalf("backing attempts = %d, want 5 halving retries", b.attempts)
	}
	if h.FailedAllocations() != 1 {
		t.Fatalf("failed allocations = %d, want 1", h.FailedAllocations())
	}
	b.failAlloc = false
	if p := h.Allocate(64, testTag); p == nil {
		t.Fatalf("allocation should succeed once the backing allocator recovers")
	}
}

func TestRefusedReleaseKeepsSegmentTracked(t *testing.T) {
	h, b := newTestHeap(t, Config{DirectThreshold: 64 << 10})
	small := h.Allocate(64, testTag)
	p := h.Allocate(100<<10, testTag)

	b.refuse = true
	h.Free(p)
	mustValidate(t, h)

	// the zombie region is still tracked and goes back on destroy
	b.refuse = false
	h.Free(small)
	h.Destroy()
	if len(b.regions) != 0 {
		t.Fatalf("%d regions leaked across destroy", len(b.regions))
	}
}

func TestDonatedRegion(t *testing.T) {
	buf := make([]byte, 64<<10)
	base := unsafe.Pointer(&buf[0])
	if off := uintptr(base) & alignMask; off != 0 {
		base = unsafe.Add(base, chunkAlign-off)
	}
	b := newTestBackend()
	h, err := New(Config{
		Allocate:          b.allocate,
		Free:              b.free,
		Tag:               heapTag,
		InitialRegion:     base,
		InitialRegionSize: 60 << 10,
	})
	if err != nil {
		t.Fatalf("New with donated region: %v", err)
	}
	p := h.Allocate(1024, testTag)
	if p == nil {
		t.Fatalf("allocation from donated region failed")
	}
	if b.allocs != 0 {
		t.Fatalf("donated region should cover the request without expansion")
	}
	mustValidate(t, h)
	h.Free(p)
	h.Destroy()
	if b.releases != 0 {
		t.Fatalf("donated memory must never be returned to the host")
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	h, b := newTestHeap(t, Config{})
	for i := 0; i < 50; i++ {
		h.Allocate(1<<uint(i%10), testTag)
	}
	h.Destroy()
	if len(b.regions) != 0 {
		t.Fatalf("%d regions leaked", len(b.regions))
	}
}

func TestDoubleDestroyDetected(t *testing.T) {
	var reports []CorruptionCode
	h, _ := newTestHeap(t, Config{
		Corruption: func(_ *Heap, code CorruptionCode, _ unsafe.Pointer) {
			reports = append(reports, code)
		},
	})
	h.Allocate(64, testTag)
	h.Destroy()
	h.Destroy()
	if len(reports) != 1 || reports[0] != DoubleDestroy {
		t.Fatalf("expected exactly one DoubleDestroy report, got %v", reports)
	}
	if p := h.Allocate(64, testTag); p != nil {
		t.Fatalf("destroyed heap must not allocate")
	}
}

func TestFreeNilIsNoOp(t *testing.T) {
	h, _ := newTestHeap(t, Config{})
	h.Free(nil)
	mustValidate(t, h)
}

func TestTrimReturnsTail(t *testing.T) {
	h, b := newTestHeap(t, Config{
		MinimumExpansionSize: 4096,
		ExpansionGranularity: 4096,
	})
	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		ptrs = append(ptrs, h.Allocate(4000, testTag))
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	before := h.Footprint()
	if !h.Trim() {
		t.Fatalf("trim should release part of the grown top")
	}
	if h.Footprint() >= before {
		t.Fatalf("footprint %d not reduced from %d", h.Footprint(), before)
	}
	_ = b
	mustValidate(t, h)
}

func TestNoPartialFreesDisablesTrim(t *testing.T) {
	h, _ := newTestHeap(t, Config{
		MinimumExpansionSize: 4096,
		ExpansionGranularity: 4096,
		Flags:                NoPartialFrees,
	})
	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		ptrs = append(ptrs, h.Allocate(4000, testTag))
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	if h.Trim() {
		t.Fatalf("trim must be refused under NoPartialFrees")
	}
	mustValidate(t, h)
}

func TestSmallTreeServiceBoundary(t *testing.T) {
	h, _ := newTestHeap(t, Config{})

	a := h.Allocate(maxSmallRequest, testTag)
	g1 := h.Allocate(32, testTag)
	b := h.Allocate(maxSmallRequest+1, testTag)
	g2 := h.Allocate(32, testTag)

	h.Free(a)
	if h.smallMap == 0 || h.treeMap != 0 {
		t.Fatalf("largest small request must bin small: small=%b tree=%b", h.smallMap, h.treeMap)
	}
	h.Free(b)
	if h.treeMap == 0 {
		t.Fatalf("one byte past the small range must bin in a tree")
	}
	mustValidate(t, h)

	h.Free(g1)
	h.Free(g2)
	mustValidate(t, h)
}
