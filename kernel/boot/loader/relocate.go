package loader

import (
	"math"
	"unsafe"

	"github.com/mysteriouslyseeing/bootloader/kernel"
	"github.com/mysteriouslyseeing/bootloader/kernel/elf"
)

var (
	// ErrDuplicateDynamicTag is returned when a PT_DYNAMIC segment
	// contains more than one DT_RELA, DT_RELASZ, or DT_RELAENT entry.
	ErrDuplicateDynamicTag = &kernel.Error{Module: "loader", Message: "dynamic section contains more than one entry for a relocation tag"}

	// ErrDanglingRelaSize is returned when DT_RELASZ or DT_RELAENT is
	// present without a matching DT_RELA.
	ErrDanglingRelaSize = &kernel.Error{Module: "loader", Message: "DT_RELASZ/DT_RELAENT present without DT_RELA"}

	// ErrMissingRelaSize is returned when DT_RELA is present but
	// DT_RELASZ is missing.
	ErrMissingRelaSize = &kernel.Error{Module: "loader", Message: "DT_RELA present without DT_RELASZ"}

	// ErrMissingRelaEnt is returned when DT_RELA is present but
	// DT_RELAENT is missing.
	ErrMissingRelaEnt = &kernel.Error{Module: "loader", Message: "DT_RELA present without DT_RELAENT"}

	// ErrRelocSymbolIndex is returned when a relocation entry references
	// the symbol table (symbol index != 0).
	ErrRelocSymbolIndex = &kernel.Error{Module: "loader", Message: "relocations using the symbol table are not supported"}

	// ErrRelocType is returned when a relocation entry's type is not
	// R_X86_64_RELATIVE.
	ErrRelocType = &kernel.Error{Module: "loader", Message: "relocation type not supported"}

	// ErrRelocUnmapped is returned when a relocation's target address
	// does not fall within any PT_LOAD segment's file range.
	ErrRelocUnmapped = &kernel.Error{Module: "loader", Message: "relocation target is not mapped in the physical image"}

	// ErrRelocOverflow is returned when virtualAddressOffset + addend
	// overflows a uint64.
	ErrRelocOverflow = &kernel.Error{Module: "loader", Message: "relocation value overflowed"}
)

// applyRelocations walks a single PT_DYNAMIC segment, locates its RELA
// table (if any), and applies every R_X86_64_RELATIVE entry directly to
// physical memory. It must run before any PT_LOAD segment is mapped, so
// that the pages installed afterwards already carry relocated contents.
func (l *Loader) applyRelocations(p *elf.ProgramHeader64) *kernel.Error {
	var relaOff, relaSize, relaEnt *uint64

	for _, d := range l.view.DynamicEntries(p) {
		switch d.Tag {
		case elf.DT_RELA:
			if relaOff != nil {
				return ErrDuplicateDynamicTag
			}
			v := d.Val
			relaOff = &v
		case elf.DT_RELASZ:
			if relaSize != nil {
				return ErrDuplicateDynamicTag
			}
			v := d.Val
			relaSize = &v
		case elf.DT_RELAENT:
			if relaEnt != nil {
				return ErrDuplicateDynamicTag
			}
			v := d.Val
			relaEnt = &v
		}
	}

	if relaOff == nil {
		if relaSize != nil || relaEnt != nil {
			return ErrDanglingRelaSize
		}
		return nil
	}
	if relaSize == nil {
		return ErrMissingRelaSize
	}
	if relaEnt == nil {
		return ErrMissingRelaEnt
	}

	count := int(*relaSize / *relaEnt)
	relas := l.view.RelaEntries(uintptr(*relaOff), count)
	phdrs := l.view.ProgramHeaders()

	for i := range relas {
		r := &relas[i]

		if r.Symbol() != 0 {
			return ErrRelocSymbolIndex
		}
		if r.RelocType() != elf.R_X86_64_RELATIVE {
			return ErrRelocType
		}

		fileOffset, ok := findOffset(phdrs, r.Offset)
		if !ok {
			return ErrRelocUnmapped
		}

		value, err := addOffsetAndAddend(l.offset, r.Addend)
		if err != nil {
			return err
		}

		destAddr := l.view.Base() + uintptr(fileOffset)
		*(*uint64)(unsafe.Pointer(destAddr)) = value
	}

	return nil
}

// addOffsetAndAddend computes virtualAddressOffset + addend using checked
// arithmetic, matching spec.md's requirement that overflow be a hard error.
func addOffsetAndAddend(offset uintptr, addend int64) (uint64, *kernel.Error) {
	base := uint64(offset)
	if addend >= 0 {
		a := uint64(addend)
		if a > math.MaxUint64-base {
			return 0, ErrRelocOverflow
		}
		return base + a, nil
	}

	a := uint64(-addend)
	if a > base {
		return 0, ErrRelocOverflow
	}
	return base - a, nil
}
