package mem

import (
	"testing"
	"unsafe"
)

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
	}{
		{1023 * Kb, 256},
		{1024 * Kb, 256},
		{1 * Byte, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected Pages(%d bytes) to equal %d; got %d", specIndex, spec.size, spec.expPages, got)
		}
	}
}

func TestMemset(t *testing.T) {
	buf := make([]byte, 37)
	for i := range buf {
		buf[i] = 0xff
	}

	addr := uintptr(unsafe.Pointer(&buf[0]))
	Memset(addr, 0x42, uintptr(len(buf)))

	for i, b := range buf {
		if b != 0x42 {
			t.Fatalf("expected byte %d to equal 0x42; got 0x%x", i, b)
		}
	}

	// a zero-length Memset must not panic or touch memory
	Memset(addr, 0x00, 0)
	if buf[0] != 0x42 {
		t.Fatal("zero-length Memset modified memory")
	}
}

func TestMemcopy(t *testing.T) {
	src := []byte("the quick brown fox")
	dst := make([]byte, len(src))

	Memcopy(uintptr(unsafe.Pointer(&dst[0])), uintptr(unsafe.Pointer(&src[0])), uintptr(len(src)))

	if string(dst) != string(src) {
		t.Fatalf("expected copied contents %q; got %q", src, dst)
	}
}
