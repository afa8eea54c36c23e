package loader

import (
	"github.com/mysteriouslyseeing/bootloader/kernel"
	"github.com/mysteriouslyseeing/bootloader/kernel/elf"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem/pmm"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem/vmm"
)

var (
	// ErrUnmapFailed is returned when the page table rejects the unmap
	// call used to detach the shared tail frame during BSS extension.
	ErrUnmapFailed = &kernel.Error{Module: "loader", Message: "failed to unmap last segment page for bss handling"}

	// ErrRemapFailed is returned when the page table rejects re-mapping
	// the tail page onto its freshly copied frame.
	ErrRemapFailed = &kernel.Error{Module: "loader", Message: "failed to remap last segment page for bss handling"}

	// ErrMapFailed is returned when the page table rejects an ordinary
	// PT_LOAD page mapping.
	ErrMapFailed = &kernel.Error{Module: "loader", Message: "failed to map segment page"}

	// ErrFrameAllocFailed is returned when the frame allocator is
	// exhausted while extending a segment's BSS.
	ErrFrameAllocFailed = &kernel.Error{Module: "loader", Message: "frame allocator exhausted while extending bss"}
)

// segmentFlags derives the page-table entry flags for a PT_LOAD segment:
// always present, writable iff the segment is writable, and non-executable
// unless the segment is marked executable. No flag other than FlagPresent is
// set for a read-only, executable segment.
func segmentFlags(p *elf.ProgramHeader64) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if !p.Executable() {
		flags |= vmm.FlagNoExecute
	}
	if p.Writable() {
		flags |= vmm.FlagRW
	}
	return flags
}

// mapSegment installs mappings for every file-backed page of a PT_LOAD
// segment, then delegates BSS handling to extendBSS if mem_size exceeds
// file_size.
func (l *Loader) mapSegment(p *elf.ProgramHeader64) *kernel.Error {
	l.log.Printf("Handling Segment: vaddr=0x%x offset=0x%x filesz=0x%x memsz=0x%x\n", p.Vaddr, p.Offset, p.Filesz, p.Memsz)

	physStart := l.view.Base() + uintptr(p.Offset)
	virtStart := uintptr(p.Vaddr) + l.offset
	startPage := vmm.PageFromAddress(virtStart)
	flags := segmentFlags(p)

	if p.Filesz > 0 {
		startFrame := pmm.FromAddress(physStart)
		endFrame := pmm.FromAddress(physStart + uintptr(p.Filesz) - 1)

		for frame := startFrame; frame <= endFrame; frame++ {
			page := startPage + vmm.Page(frame-startFrame)
			flusher, err := l.pt.MapTo(page, frame, flags, l.alloc)
			if err != nil {
				return ErrMapFailed
			}
			// The page table is inactive while loading; there is
			// nothing to flush.
			flusher.Ignore()
		}
	}

	if p.Memsz > p.Filesz {
		return l.extendBSS(p, flags)
	}
	return nil
}

// alignUp rounds addr up to the next multiple of align, which must be a
// power of two.
func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// extendBSS handles the mem_size > file_size case for a PT_LOAD segment. It
// has two responsibilities: splitting the final file-backed page so that
// its BSS tail can be safely zeroed without corrupting file data shared
// with the next segment in the image, and mapping fresh zeroed pages for
// any whole pages of BSS beyond that split page.
func (l *Loader) extendBSS(p *elf.ProgramHeader64, flags vmm.PageTableEntryFlag) *kernel.Error {
	l.log.Printf("Mapping bss section\n")

	virtStart := uintptr(p.Vaddr) + l.offset
	physStart := l.view.Base() + uintptr(p.Offset)
	zeroStart := virtStart + uintptr(p.Filesz)
	zeroEnd := virtStart + uintptr(p.Memsz)

	// The last file-backed page of the segment contains both kernel data
	// (low bytes) and BSS (high bytes that happen to hold whatever the
	// next segment stored at that file offset). That frame cannot be
	// zeroed in place, so a fresh frame is allocated, the data half is
	// copied over, and the tail page is remapped onto it.
	dataBytesBeforeZero := zeroStart & uintptr(mem.PageSize-1)
	if p.Filesz > 0 && dataBytesBeforeZero != 0 {
		origFrame := pmm.FromAddress(physStart + uintptr(p.Filesz) - 1)

		newFrame, err := l.alloc.AllocateFrame()
		if err != nil {
			return ErrFrameAllocFailed
		}

		mem.Memset(newFrame.Address(), 0, uintptr(mem.PageSize))

		l.log.Printf("Copy contents\n")
		mem.Memcopy(newFrame.Address(), origFrame.Address(), dataBytesBeforeZero)

		lastPage := vmm.PageFromAddress(virtStart + uintptr(p.Filesz) - 1)

		l.log.Printf("Remap last page\n")
		if _, unmapFlusher, err := l.pt.Unmap(lastPage); err != nil {
			return ErrUnmapFailed
		} else {
			unmapFlusher.Ignore()
		}

		mapFlusher, err := l.pt.MapTo(lastPage, newFrame, flags, l.alloc)
		if err != nil {
			return ErrRemapFailed
		}
		mapFlusher.Ignore()
	}

	// Map fresh, zeroed frames for every whole page of BSS beyond the
	// (possibly split) tail page.
	pageStart := alignUp(zeroStart, uintptr(mem.PageSize))
	if pageStart >= zeroEnd {
		return nil
	}

	startPage := vmm.PageFromAddress(pageStart)
	endPage := vmm.PageFromAddress(zeroEnd - 1)

	for page := startPage; page <= endPage; page++ {
		frame, err := l.alloc.AllocateFrame()
		if err != nil {
			return ErrFrameAllocFailed
		}

		mem.Memset(frame.Address(), 0, uintptr(mem.PageSize))

		flusher, err := l.pt.MapTo(page, frame, flags, l.alloc)
		if err != nil {
			return ErrMapFailed
		}
		flusher.Ignore()
	}

	return nil
}
