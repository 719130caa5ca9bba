package memory

import (
	"errors"
	"testing"
)

func TestMapTranslateRoundTrip(t *testing.T) {
	e := New()

	page := make([]byte, pageSize)
	page[0] = 0x42

	const gpa = 0x10_0000

	if err := e.Map(gpa, page, Perm{Read: true, Write: true}, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := e.Translate(gpa, Perm{Read: true})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if got[0] != 0x42 {
		t.Fatalf("translated byte = %#x, want 0x42", got[0])
	}
}

func TestTranslateNotPresent(t *testing.T) {
	e := New()

	_, err := e.Translate(0x1000, Perm{Read: true})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultNotPresent {
		t.Fatalf("Translate unmapped page: got %v, want FaultNotPresent", err)
	}
}

func TestTranslateWritePermissionDenied(t *testing.T) {
	e := New()

	page := make([]byte, pageSize)

	if err := e.Map(0x2000, page, Perm{Read: true, Write: false}, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	_, err := e.Translate(0x2000, Perm{Write: true})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultPermission {
		t.Fatalf("Translate read-only page for write: got %v, want FaultPermission", err)
	}
}

func TestHugePageMapping(t *testing.T) {
	e := New()

	page := make([]byte, hugePageSize)
	page[100] = 7

	if err := e.Map(0x20_0000, page, Perm{Read: true, Write: true}, true); err != nil {
		t.Fatalf("Map huge: %v", err)
	}

	got, err := e.Translate(0x20_0000+100, Perm{Read: true})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if got[0] != 7 {
		t.Fatalf("translated byte = %d, want 7", got[0])
	}
}

func TestDirtyTrackingMonotonic(t *testing.T) {
	e := New()

	page := make([]byte, pageSize)
	if err := e.Map(0x3000, page, Perm{Read: true, Write: true}, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	e.MarkDirty(0x3000)
	e.MarkDirty(0x3000 + 10) // same page

	if len(e.DirtyPages()) != 1 {
		t.Fatalf("DirtyPages = %d entries, want 1 (same frame)", len(e.DirtyPages()))
	}

	gen0 := e.Generation()
	gen1 := e.ClearDirty()

	if gen1 != gen0+1 {
		t.Fatalf("generation after clear = %d, want %d", gen1, gen0+1)
	}

	if len(e.DirtyPages()) != 0 {
		t.Fatalf("DirtyPages after clear = %d, want 0", len(e.DirtyPages()))
	}
}

func TestUnmapInvalidatesTranslation(t *testing.T) {
	e := New()

	page := make([]byte, pageSize)
	if err := e.Map(0x4000, page, Perm{Read: true}, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := e.Unmap(0x4000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if _, err := e.Translate(0x4000, Perm{Read: true}); err == nil {
		t.Fatalf("Translate after Unmap succeeded, want error")
	}
}

func TestMapMisaligned(t *testing.T) {
	e := New()

	if err := e.Map(0x1001, make([]byte, pageSize), Perm{Read: true}, false); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("Map misaligned: got %v, want ErrMisaligned", err)
	}
}
