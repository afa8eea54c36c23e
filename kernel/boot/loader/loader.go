// Package loader implements the core of the bootloader subsystem: it
// translates the ELF program-header view of a kernel image into a concrete
// x86-64 page-table mapping, applies position-independent relocations, and
// reports the kernel's entry point, TLS template, and top-level
// page-directory usage to the caller.
//
// The loader is a single transient object built once per boot and discarded
// after LoadSegments returns. It depends on two injected capabilities, a
// vmm.PageTable and a vmm.FrameAllocator, and never activates or flushes the
// page table it is given — that remains the caller's responsibility.
package loader

import (
	"github.com/mysteriouslyseeing/bootloader/kernel"
	"github.com/mysteriouslyseeing/bootloader/kernel/elf"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem/vmm"
)

var (
	// ErrMultipleTLS is returned when an image contains more than one
	// PT_TLS segment.
	ErrMultipleTLS = &kernel.Error{Module: "loader", Message: "multiple TLS segments not supported"}
)

// TLSTemplate describes a kernel's thread-local-storage initialization
// image. StartAddr is already offset by the image's virtual address bias.
type TLSTemplate struct {
	StartAddr uint64
	FileSize  uint64
	MemSize   uint64
}

// Result is everything the loader produces once LoadSegments has installed
// every mapping: the kernel's entry point, its TLS template (nil if the
// image has no PT_TLS segment), and a summary of which top-level
// page-directory slots the kernel occupies.
type Result struct {
	Entry uintptr
	TLS   *TLSTemplate
	Usage vmm.UsedLevel4Entries
}

// Loader translates an elf.View into page-table mappings. It holds
// exclusive, transient borrows of a PageTable and a FrameAllocator for the
// duration of a single LoadSegments call.
type Loader struct {
	view   *elf.View
	pt     vmm.PageTable
	alloc  vmm.FrameAllocator
	log    Logger
	offset uintptr // virtual address offset (0 or elf.PIEBase)
}

// New builds a Loader for the ELF image described by view. pt and alloc are
// the caller's page table and frame allocator; both must remain valid for
// the lifetime of the returned Loader. If log is nil, messages are
// discarded.
func New(view *elf.View, pt vmm.PageTable, alloc vmm.FrameAllocator, log Logger) *Loader {
	if log == nil {
		log = NopLogger
	}

	l := &Loader{
		view:   view,
		pt:     pt,
		alloc:  alloc,
		log:    log,
		offset: view.VirtualAddressOffset(),
	}

	log.Printf("ELF file loaded at 0x%x\n", view.Base())
	return l
}

// EntryPoint returns the kernel's virtual entry point: elf.header.entry plus
// the image's virtual address offset.
func (l *Loader) EntryPoint() uintptr {
	return uintptr(l.view.Header().Entry) + l.offset
}

// LoadSegments validates every program header, applies PT_DYNAMIC
// relocations in physical memory, installs mappings for every PT_LOAD
// segment (including BSS), records the PT_TLS template if present, and
// computes the top-level usage summary. It is the only entry point callers
// need; Result bundles everything LoadSegments produces.
func (l *Loader) LoadSegments() (*Result, *kernel.Error) {
	phdrs := l.view.ProgramHeaders()

	for i := range phdrs {
		if err := l.view.CheckSegment(&phdrs[i]); err != nil {
			return nil, err
		}
	}

	for i := range phdrs {
		if phdrs[i].Type == elf.PT_DYNAMIC {
			if err := l.applyRelocations(&phdrs[i]); err != nil {
				return nil, err
			}
		}
	}

	var (
		tls   *TLSTemplate
		usage vmm.UsedLevel4Entries
	)
	for i := range phdrs {
		p := &phdrs[i]
		switch p.Type {
		case elf.PT_LOAD:
			if err := l.mapSegment(p); err != nil {
				return nil, err
			}
			usage.Mark(uintptr(p.Vaddr)+l.offset, uintptr(p.Memsz))

		case elf.PT_TLS:
			if tls != nil {
				return nil, ErrMultipleTLS
			}
			tls = &TLSTemplate{
				StartAddr: p.Vaddr + uint64(l.offset),
				FileSize:  p.Filesz,
				MemSize:   p.Memsz,
			}
		}
	}

	return &Result{
		Entry: l.EntryPoint(),
		TLS:   tls,
		Usage: usage,
	}, nil
}
