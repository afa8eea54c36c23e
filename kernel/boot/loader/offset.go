package loader

import "github.com/mysteriouslyseeing/bootloader/kernel/elf"

// findOffset maps a virtual address that appears inside a relocation entry
// back to a file offset, by scanning PT_LOAD program headers for the first
// one whose file range contains it. virtAddr is compared in its pre-offset
// (ELF-native) form; callers add the image's virtual address offset when
// writing the relocated value, not before calling findOffset.
func findOffset(phdrs []elf.ProgramHeader64, virtAddr uint64) (uint64, bool) {
	for i := range phdrs {
		p := &phdrs[i]
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr <= virtAddr && virtAddr < p.Vaddr+p.Filesz {
			return p.Offset + (virtAddr - p.Vaddr), true
		}
	}
	return 0, false
}
