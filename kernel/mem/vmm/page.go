// Package vmm describes the virtual-memory side of the loader's page-table
// capability: the Page index type, the x86-64 page-table entry flags, and
// the small interfaces ("capabilities") a caller's page table and frame
// allocator must satisfy for the loader core to use them.
package vmm

import "github.com/mysteriouslyseeing/bootloader/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address pointed to by this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to their containing
// page.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
