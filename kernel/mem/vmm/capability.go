package vmm

import (
	"github.com/mysteriouslyseeing/bootloader/kernel"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem/pmm"
)

// FrameAllocator is the capability a caller must supply to obtain fresh
// physical frames. AllocateFrame returns a non-nil *kernel.Error when the
// allocator is exhausted; that condition is always treated as fatal by the
// loader.
type FrameAllocator interface {
	AllocateFrame() (pmm.Frame, *kernel.Error)
}

// Flusher is returned by PageTable.MapTo/Unmap and represents a deferred
// TLB-invalidation handle. Callers that operate on an inactive page table
// (as the loader always does) never need to invalidate the TLB and should
// call Ignore to make that explicit.
type Flusher interface {
	// Ignore discards the flush handle without invalidating the TLB.
	Ignore()
}

// PageTable is the capability a caller must supply for the loader to
// install mappings. Implementations are expected to allocate any
// intermediate page-table frames they need from alloc.
type PageTable interface {
	// MapTo maps page to frame with the given flags, allocating any
	// missing intermediate tables via alloc. It fails if frame
	// allocation is exhausted or if page is already mapped.
	MapTo(page Page, frame pmm.Frame, flags PageTableEntryFlag, alloc FrameAllocator) (Flusher, *kernel.Error)

	// Unmap removes a previously installed mapping for page and returns
	// the frame it was mapped to.
	Unmap(page Page) (pmm.Frame, Flusher, *kernel.Error)
}
