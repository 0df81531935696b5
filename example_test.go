package memheap

import (
	"fmt"
	"unsafe"
)

func Example_basicUsage() {
	backing := newTestBackend()
	h, err := New(Config{
		Allocate: backing.allocate,
		Free:     backing.free,
		Tag:      0x48454150, // "HEAP"
		Flags:    CollectTagStatistics,
	})
	if err != nil {
		panic(err)
	}
	defer h.Destroy()

	const netTag = 0x4E657442 // "NetB"
	p := h.Allocate(1500, netTag)
	copy(unsafe.Slice((*byte)(p), 1500), "a packet buffer")

	st, _ := h.TagStatistic(netTag)
	fmt.Println(TagString(netTag), "active allocations:", st.ActiveCount)

	h.Free(p)
	st, _ = h.TagStatistic(netTag)
	fmt.Println(TagString(netTag), "active allocations:", st.ActiveCount)
	// Output:
	// NetB active allocations: 1
	// NetB active allocations: 0
}

func Example_alignedAllocate() {
	backing := newTestBackend()
	h, err := New(Config{
		Allocate: backing.allocate,
		Free:     backing.free,
		Tag:      0x48454150,
	})
	if err != nil {
		panic(err)
	}
	defer h.Destroy()

	p, err := h.AlignedAllocate(4096, 100, 0x494F4242) // "IOBB"
	if err != nil {
		panic(err)
	}
	fmt.Println("page aligned:", uintptr(p)%4096 == 0)
	h.Free(p)
	// Output:
	// page aligned: true
}
