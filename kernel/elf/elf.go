// Package elf implements the read-only ELF64 view (C1) that the loader
// consumes: header parsing, program-header iteration, and the structural
// sanity checks needed before the image can be trusted.
//
// The image is assumed to already reside in physical memory at a
// page-aligned, identity-mapped address, so the view is built directly on
// top of the raw bytes via unsafe pointer overlays, the same technique the
// rest of the kernel uses for the multiboot info structures.
package elf

import (
	"unsafe"

	"github.com/mysteriouslyseeing/bootloader/kernel"
	"github.com/mysteriouslyseeing/bootloader/kernel/mem"
)

// ELF type constants (e_type). Only Executable and Shared-Object kernels
// are supported; everything else (relocatable objects, core dumps,
// interpreters) is out of scope.
const (
	ET_EXEC Type = 2
	ET_DYN  Type = 3
)

// Type is the ELF file type (e_type).
type Type uint16

// Program header types (p_type) that the loader cares about. The rest
// (PT_NULL, PT_INTERP, PT_NOTE, PT_SHLIB, PT_PHDR, PT_GNU_RELRO, and any
// OS/processor-specific value) are ignored by loading.
const (
	PT_LOAD    uint32 = 1
	PT_DYNAMIC uint32 = 2
	PT_TLS     uint32 = 7
)

// Program header flags (p_flags).
const (
	PF_X uint32 = 1 << 0
	PF_W uint32 = 1 << 1
	PF_R uint32 = 1 << 2
)

// Dynamic section tags (d_tag) relevant to relocation processing.
const (
	DT_NULL     int64 = 0
	DT_RELA     int64 = 7
	DT_RELASZ   int64 = 8
	DT_RELAENT  int64 = 9
)

// R_X86_64_RELATIVE is the only relocation type this loader supports. Its
// effect is *target = virtualAddressOffset + addend.
const R_X86_64_RELATIVE uint32 = 8

const (
	eiMag0    = 0x7f
	eiMag1    = 'E'
	eiMag2    = 'L'
	eiMag3    = 'F'
	eiClass64 = 2
	eiData2LSB = 1
	eiVersionCurrent = 1
	emX8664   = 62
)

var (
	// ErrNotPageAligned is returned when the image base address is not
	// aligned to the native page size.
	ErrNotPageAligned = &kernel.Error{Module: "elf", Message: "ELF image base is not page-aligned"}

	// ErrTooSmall is returned when the image is too small to even hold an
	// ELF64 header.
	ErrTooSmall = &kernel.Error{Module: "elf", Message: "ELF image is smaller than an ELF64 header"}

	// ErrBadMagic is returned when the ELF magic number is missing.
	ErrBadMagic = &kernel.Error{Module: "elf", Message: "ELF header has an invalid magic number"}

	// ErrBadClass is returned for any class other than ELFCLASS64.
	ErrBadClass = &kernel.Error{Module: "elf", Message: "only 64-bit ELF images are supported"}

	// ErrBadEndian is returned for any encoding other than little-endian.
	ErrBadEndian = &kernel.Error{Module: "elf", Message: "only little-endian ELF images are supported"}

	// ErrBadVersion is returned when e_ident[EI_VERSION] is not EV_CURRENT.
	ErrBadVersion = &kernel.Error{Module: "elf", Message: "unsupported ELF version"}

	// ErrBadMachine is returned when e_machine is not EM_X86_64.
	ErrBadMachine = &kernel.Error{Module: "elf", Message: "only x86-64 ELF images are supported"}

	// ErrUnsupportedType is returned for any e_type other than ET_EXEC or ET_DYN.
	ErrUnsupportedType = &kernel.Error{Module: "elf", Message: "unsupported ELF type: must be executable or shared object"}

	// ErrBadProgramHeaders is returned when the program header table falls
	// outside of the image bounds.
	ErrBadProgramHeaders = &kernel.Error{Module: "elf", Message: "program header table extends past the end of the image"}

	// ErrBadSegment is returned when a program header fails a per-header
	// sanity check (e.g. file_size > mem_size, or offsets outside the file).
	ErrBadSegment = &kernel.Error{Module: "elf", Message: "program header failed sanity check"}
)

// Header64 is the raw ELF64 file header, laid out field-for-field so it can
// be overlaid directly onto image bytes.
type Header64 struct {
	Ident     [16]byte
	Type      Type
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ProgramHeader64 is the raw ELF64 program header.
type ProgramHeader64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Executable reports whether the segment's flags mark it as executable.
func (p *ProgramHeader64) Executable() bool { return p.Flags&PF_X != 0 }

// Writable reports whether the segment's flags mark it as writable.
func (p *ProgramHeader64) Writable() bool { return p.Flags&PF_W != 0 }

// Dyn64 is one entry of a PT_DYNAMIC segment.
type Dyn64 struct {
	Tag int64
	Val uint64
}

// Rela64 is one entry of a DT_RELA relocation table.
type Rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// Symbol returns the symbol-table index encoded in r_info.
func (r *Rela64) Symbol() uint32 { return uint32(r.Info >> 32) }

// RelocType returns the relocation type encoded in r_info.
func (r *Rela64) RelocType() uint32 { return uint32(r.Info) }

// View wraps an ELF64 image that already resides at a page-aligned,
// identity-mapped physical address.
type View struct {
	base uintptr
	size uintptr
	hdr  *Header64
}

// NewView parses the ELF64 header found at base and validates it. size is
// the number of readable bytes starting at base.
func NewView(base, size uintptr) (*View, *kernel.Error) {
	if base%uintptr(mem.PageSize) != 0 {
		return nil, ErrNotPageAligned
	}
	if size < uintptr(unsafe.Sizeof(Header64{})) {
		return nil, ErrTooSmall
	}

	hdr := (*Header64)(unsafe.Pointer(base))
	if hdr.Ident[0] != eiMag0 || hdr.Ident[1] != eiMag1 || hdr.Ident[2] != eiMag2 || hdr.Ident[3] != eiMag3 {
		return nil, ErrBadMagic
	}
	if hdr.Ident[4] != eiClass64 {
		return nil, ErrBadClass
	}
	if hdr.Ident[5] != eiData2LSB {
		return nil, ErrBadEndian
	}
	if hdr.Ident[6] != eiVersionCurrent || hdr.Version != eiVersionCurrent {
		return nil, ErrBadVersion
	}
	if hdr.Machine != emX8664 {
		return nil, ErrBadMachine
	}
	if hdr.Type != ET_EXEC && hdr.Type != ET_DYN {
		return nil, ErrUnsupportedType
	}

	v := &View{base: base, size: size, hdr: hdr}
	if err := v.checkProgramHeaderBounds(); err != nil {
		return nil, err
	}

	return v, nil
}

// Header returns the parsed ELF64 header.
func (v *View) Header() *Header64 { return v.hdr }

// Base returns the physical address at which byte 0 of the image resides.
func (v *View) Base() uintptr { return v.base }

// VirtualAddressOffset returns the displacement to add to every ELF virtual
// address, chosen by ELF type as described in spec.md (0 for ET_EXEC,
// 0x400000 for ET_DYN).
func (v *View) VirtualAddressOffset() uintptr {
	if v.hdr.Type == ET_DYN {
		return PIEBase
	}
	return 0
}

// PIEBase is the fixed, compile-time-chosen virtual address bias applied to
// position-independent (ET_DYN) kernels.
const PIEBase = uintptr(0x400000)

func (v *View) checkProgramHeaderBounds() *kernel.Error {
	n := uintptr(v.hdr.Phnum)
	if n == 0 {
		return nil
	}
	entSize := uintptr(v.hdr.Phentsize)
	if entSize < uintptr(unsafe.Sizeof(ProgramHeader64{})) {
		return ErrBadProgramHeaders
	}
	tableEnd := uintptr(v.hdr.Phoff) + n*entSize
	if uintptr(v.hdr.Phoff) > v.size || tableEnd > v.size {
		return ErrBadProgramHeaders
	}
	return nil
}

// ProgramHeaders returns the program header table as a slice overlaid
// directly on the image bytes.
func (v *View) ProgramHeaders() []ProgramHeader64 {
	n := int(v.hdr.Phnum)
	if n == 0 {
		return nil
	}
	first := (*ProgramHeader64)(unsafe.Pointer(v.base + uintptr(v.hdr.Phoff)))
	return unsafe.Slice(first, n)
}

// CheckSegment performs the per-header sanity check described in spec.md
// §4.1: file_size must not exceed mem_size, and the file range must lie
// within the image.
func (v *View) CheckSegment(p *ProgramHeader64) *kernel.Error {
	if p.Filesz > p.Memsz {
		return ErrBadSegment
	}
	if p.Type == PT_LOAD {
		if uintptr(p.Offset) > v.size || uintptr(p.Offset)+uintptr(p.Filesz) > v.size {
			return ErrBadSegment
		}
	}
	return nil
}

// DynamicEntries returns the Dyn64 entries for a PT_DYNAMIC program
// header, overlaid directly on the image bytes. Entries run until DT_NULL
// or until the segment's declared size is exhausted, whichever comes first.
func (v *View) DynamicEntries(p *ProgramHeader64) []Dyn64 {
	entSize := unsafe.Sizeof(Dyn64{})
	maxEntries := int(uintptr(p.Filesz) / entSize)
	if maxEntries == 0 {
		return nil
	}
	first := (*Dyn64)(unsafe.Pointer(v.base + uintptr(p.Offset)))
	all := unsafe.Slice(first, maxEntries)

	for i, e := range all {
		if e.Tag == DT_NULL {
			return all[:i]
		}
	}
	return all
}

// RelaEntries returns the Rela64 entries found at file offset off, with
// count entries total (count = totalSize / entrySize).
func (v *View) RelaEntries(off uintptr, count int) []Rela64 {
	first := (*Rela64)(unsafe.Pointer(v.base + off))
	return unsafe.Slice(first, count)
}
