package elf

import (
	"testing"
	"unsafe"

	"github.com/mysteriouslyseeing/bootloader/kernel/mem"
)

// newImage allocates a page-aligned buffer of the given size and returns its
// base physical address together with the backing slice (kept alive by the
// caller) so tests can populate it with raw ELF structures, mirroring the
// way the rest of the kernel's tests stand in for physical memory with
// ordinary Go heap allocations.
func newImage(t *testing.T, size int) (uintptr, []byte) {
	t.Helper()

	// over-allocate so we can carve out a page-aligned region from inside
	raw := make([]byte, size+int(mem.PageSize))
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
	offset := aligned - base
	return aligned, raw[offset : offset+uintptr(size)]
}

func writeHeader(img []byte, typ Type, phoff uint64, phnum uint16, entry uint64) {
	hdr := (*Header64)(unsafe.Pointer(&img[0]))
	*hdr = Header64{}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = eiMag0, eiMag1, eiMag2, eiMag3
	hdr.Ident[4] = eiClass64
	hdr.Ident[5] = eiData2LSB
	hdr.Ident[6] = eiVersionCurrent
	hdr.Type = typ
	hdr.Machine = emX8664
	hdr.Version = eiVersionCurrent
	hdr.Entry = entry
	hdr.Phoff = phoff
	hdr.Phentsize = uint16(unsafe.Sizeof(ProgramHeader64{}))
	hdr.Phnum = phnum
	hdr.Ehsize = uint16(unsafe.Sizeof(Header64{}))
}

func writeProgramHeader(img []byte, index int, phoff uint64, ph ProgramHeader64) {
	addr := uintptr(unsafe.Pointer(&img[0])) + uintptr(phoff) + uintptr(index)*unsafe.Sizeof(ProgramHeader64{})
	*(*ProgramHeader64)(unsafe.Pointer(addr)) = ph
}

func TestNewViewRejectsMisalignedBase(t *testing.T) {
	_, img := newImage(t, int(mem.PageSize))
	writeHeader(img, ET_EXEC, uint64(unsafe.Sizeof(Header64{})), 0, 0x100000)

	if _, err := NewView(uintptr(unsafe.Pointer(&img[1])), uintptr(len(img))-1); err != ErrNotPageAligned {
		t.Fatalf("expected ErrNotPageAligned; got %v", err)
	}
}

func TestNewViewRejectsBadMagic(t *testing.T) {
	base, img := newImage(t, int(mem.PageSize))
	writeHeader(img, ET_EXEC, uint64(unsafe.Sizeof(Header64{})), 0, 0x100000)
	img[0] = 0x00

	if _, err := NewView(base, uintptr(len(img))); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic; got %v", err)
	}
}

func TestNewViewRejectsUnsupportedType(t *testing.T) {
	base, img := newImage(t, int(mem.PageSize))
	writeHeader(img, Type(1) /* ET_REL */, uint64(unsafe.Sizeof(Header64{})), 0, 0x100000)

	if _, err := NewView(base, uintptr(len(img))); err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType; got %v", err)
	}
}

func TestNewViewVirtualAddressOffset(t *testing.T) {
	base, img := newImage(t, int(mem.PageSize))
	writeHeader(img, ET_EXEC, uint64(unsafe.Sizeof(Header64{})), 0, 0x100000)

	view, err := NewView(base, uintptr(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	if got := view.VirtualAddressOffset(); got != 0 {
		t.Fatalf("expected ET_EXEC offset to be 0; got 0x%x", got)
	}

	writeHeader(img, ET_DYN, uint64(unsafe.Sizeof(Header64{})), 0, 0)
	view, err = NewView(base, uintptr(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	if got := view.VirtualAddressOffset(); got != PIEBase {
		t.Fatalf("expected ET_DYN offset to be 0x%x; got 0x%x", PIEBase, got)
	}
}

func TestNewViewProgramHeaders(t *testing.T) {
	phoff := uint64(unsafe.Sizeof(Header64{}))
	size := int(phoff) + 2*int(unsafe.Sizeof(ProgramHeader64{}))
	base, img := newImage(t, size)

	writeHeader(img, ET_EXEC, phoff, 2, 0x100000)
	writeProgramHeader(img, 0, phoff, ProgramHeader64{Type: PT_LOAD, Flags: PF_R | PF_X, Offset: 0x1000, Vaddr: 0x100000, Filesz: 0x2000, Memsz: 0x2000})
	writeProgramHeader(img, 1, phoff, ProgramHeader64{Type: PT_TLS, Vaddr: 0x10000, Filesz: 0x20, Memsz: 0x40})

	view, err := NewView(base, uintptr(len(img)))
	if err != nil {
		t.Fatal(err)
	}

	phdrs := view.ProgramHeaders()
	if len(phdrs) != 2 {
		t.Fatalf("expected 2 program headers; got %d", len(phdrs))
	}
	if phdrs[0].Type != PT_LOAD || !phdrs[0].Executable() || phdrs[0].Writable() {
		t.Fatalf("unexpected first program header: %+v", phdrs[0])
	}
	if phdrs[1].Type != PT_TLS || phdrs[1].Vaddr != 0x10000 {
		t.Fatalf("unexpected second program header: %+v", phdrs[1])
	}
}

func TestNewViewRejectsProgramHeaderTableOutOfBounds(t *testing.T) {
	phoff := uint64(unsafe.Sizeof(Header64{}))
	base, img := newImage(t, int(phoff)) // no room for the declared program header
	writeHeader(img, ET_EXEC, phoff, 1, 0x100000)

	if _, err := NewView(base, uintptr(len(img))); err != ErrBadProgramHeaders {
		t.Fatalf("expected ErrBadProgramHeaders; got %v", err)
	}
}

func TestCheckSegmentRejectsFileSizeLargerThanMemSize(t *testing.T) {
	phoff := uint64(unsafe.Sizeof(Header64{}))
	size := int(phoff) + int(unsafe.Sizeof(ProgramHeader64{}))
	base, img := newImage(t, size)
	writeHeader(img, ET_EXEC, phoff, 1, 0x100000)
	writeProgramHeader(img, 0, phoff, ProgramHeader64{Type: PT_LOAD, Offset: 0, Vaddr: 0x100000, Filesz: 0x100, Memsz: 0x80})

	view, err := NewView(base, uintptr(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	phdrs := view.ProgramHeaders()
	if err := view.CheckSegment(&phdrs[0]); err != ErrBadSegment {
		t.Fatalf("expected ErrBadSegment; got %v", err)
	}
}
