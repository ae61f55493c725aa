package mem

import "testing"

// TestRefpgExhaustion checks that the free list reports failure once
// every frame in the pool has been handed out.
func TestRefpgExhaustion(t *testing.T) {
	phys := Phys_init(4)
	for i := 0; i < 4; i++ {
		if _, _, ok := phys.Refpg_new(); !ok {
			t.Fatalf("Refpg_new failed early at frame %d of 4", i)
		}
	}
	if _, _, ok := phys.Refpg_new(); ok {
		t.Fatal("Refpg_new succeeded after the pool should have been exhausted")
	}
}

// TestRefpgZeroesPage checks that a freshly allocated frame is
// zero-filled, even when it is reused from a frame a prior allocation
// left dirty.
func TestRefpgZeroesPage(t *testing.T) {
	phys := Phys_init(1)
	pg, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed on an empty pool")
	}
	for i := range pg {
		pg[i] = 0xFF
	}
	phys.Refdown(pa)

	pg2, pa2, ok := phys.Refpg_new()
	if !ok || pa2 != pa {
		t.Fatalf("expected the freed frame to be reused, got ok=%v pa=%d want %d", ok, pa2, pa)
	}
	for i, b := range pg2 {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 in a freshly allocated frame", i, b)
		}
	}
}

// TestRefcountingReleasesOnLastDown checks the reference-counted
// sharing contract: Refdown only returns true (frame freed) once the
// count drops to zero, and a second caller's hold keeps the frame
// alive.
func TestRefcountingReleasesOnLastDown(t *testing.T) {
	phys := Phys_init(1)
	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed")
	}
	phys.Refup(pa)
	if phys.Refcnt(pa) != 2 {
		t.Fatalf("Refcnt = %d, want 2", phys.Refcnt(pa))
	}

	if freed := phys.Refdown(pa); freed {
		t.Fatal("Refdown reported the frame freed while a second reference was still held")
	}
	if _, _, ok := phys.Refpg_new(); ok {
		t.Fatal("pool should still be exhausted: one reference remains on the only frame")
	}

	if freed := phys.Refdown(pa); !freed {
		t.Fatal("Refdown on the last reference should report the frame freed")
	}
	if _, _, ok := phys.Refpg_new(); !ok {
		t.Fatal("frame should be available again after its last reference was dropped")
	}
}

// TestRefdownUnderflowPanics checks the documented invariant: dropping a
// reference past zero is a kernel bug, not a recoverable error.
func TestRefdownUnderflowPanics(t *testing.T) {
	phys := Phys_init(1)
	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed")
	}
	phys.Refdown(pa)

	defer func() {
		if recover() == nil {
			t.Fatal("Refdown below zero should panic")
		}
	}()
	phys.Refdown(pa)
}

// TestPgcountTracksAllocationsAndFrees checks Pgcount against a mix of
// allocation and release.
func TestPgcountTracksAllocationsAndFrees(t *testing.T) {
	phys := Phys_init(3)
	if phys.Pgcount() != 3 {
		t.Fatalf("Pgcount = %d, want 3", phys.Pgcount())
	}
	_, pa, _ := phys.Refpg_new()
	if phys.Pgcount() != 2 {
		t.Fatalf("Pgcount after one alloc = %d, want 2", phys.Pgcount())
	}
	phys.Refdown(pa)
	if phys.Pgcount() != 3 {
		t.Fatalf("Pgcount after freeing the only allocation = %d, want 3", phys.Pgcount())
	}
}
