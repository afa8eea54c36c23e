// Package pmm contains the physical-frame abstraction used to describe
// memory that the loader maps into the kernel's address space.
package pmm

import (
	"math"

	"github.com/mysteriouslyseeing/bootloader/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FromAddress returns the Frame containing the given physical address. The
// address is rounded down to the containing frame if it is not aligned.
func FromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
