package memheap

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Tags are caller-chosen four-byte marks, conventionally packed printable
// ASCII like 'NetB'. Labels give them human-readable names in statistics
// reports.

// TagString renders a tag the way it reads in a debugger: as its four
// bytes, most significant first, when all of them are printable ASCII, and
// as hex otherwise.
func TagString(tag uint32) string {
	b := [4]byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("0x%08X", tag)
		}
	}
	return string(b[:])
}

// RegisterTagLabel associates a human-readable label with a tag for
// statistics reporting. The label is normalized to Unicode NFC; changes to
// the caller's string after registration have no effect.
func (h *Heap) RegisterTagLabel(tag uint32, label string) {
	if h.tagLabels == nil {
		h.tagLabels = make(map[uint32]string)
	}
	h.tagLabels[tag] = norm.NFC.String(label)
}

// TagLabel returns the registered label for tag, falling back to
// TagString.
func (h *Heap) TagLabel(tag uint32) string {
	if l, ok := h.tagLabels[tag]; ok {
		return l
	}
	return TagString(tag)
}
