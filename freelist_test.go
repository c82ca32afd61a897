package ember

import "testing"

func TestFreelistAllocateFirstFit(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{2, 3, 4, 8, 9, 20}

	id, ok := f.allocate(2)
	if !ok || id != 2 {
		t.Fatalf("allocate(2) = %d, %v; want 2, true", id, ok)
	}
	if len(f.ids) != 4 {
		t.Fatalf("expected 2 ids consumed, have %v", f.ids)
	}

	id, ok = f.allocate(1)
	if !ok || id != 4 {
		t.Fatalf("allocate(1) = %d, %v; want 4, true", id, ok)
	}
}

func TestFreelistAllocateNoRun(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{2, 4, 6}
	if _, ok := f.allocate(2); ok {
		t.Fatalf("expected no contiguous run of 2 to exist")
	}
}

func TestFreelistPendingReleaseVisibility(t *testing.T) {
	f := newFreelist()
	f.free(5, 10, 0)
	f.free(5, 11, 1) // spans 11,12

	if f.count() != 0 {
		t.Fatalf("pending pages must not be allocatable yet")
	}
	if f.pendingCount() != 3 {
		t.Fatalf("pendingCount = %d, want 3", f.pendingCount())
	}

	// A reader still on tx 4 blocks release of anything freed at tx 5.
	f.release(4)
	if f.count() != 0 {
		t.Fatalf("release(4) must not free pages pended at tx 5")
	}

	f.release(5)
	if f.count() != 3 {
		t.Fatalf("release(5) should free all 3 pending pages, got %d", f.count())
	}
}

func TestFreelistRollbackDiscardsPending(t *testing.T) {
	f := newFreelist()
	f.free(9, 100, 0)
	f.rollback(9)
	f.release(9)
	if f.count() != 0 {
		t.Fatalf("rolled-back pending pages must never become reusable")
	}
}

func TestFreelistPageRoundTrip(t *testing.T) {
	ids := []pgid{1, 2, 3, 100, 101}
	const pageSize = 4096
	n := freelistPageCount(len(ids), pageSize)
	buf := make([]byte, n*pageSize)
	writeFreelistPage(buf, ids, pageSize)

	got := readFreelistPage(buf)
	if len(got) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("id[%d] = %d, want %d", i, got[i], ids[i])
		}
	}
}

func TestFreelistPageOverflowMarker(t *testing.T) {
	const pageSize = 512
	ids := make([]pgid, freelistCountOverflowMarker+10)
	for i := range ids {
		ids[i] = pgid(i + 1)
	}
	n := freelistPageCount(len(ids), pageSize)
	buf := make([]byte, n*pageSize)
	writeFreelistPage(buf, ids, pageSize)

	got := readFreelistPage(buf)
	if len(got) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(got), len(ids))
	}
	if got[len(got)-1] != ids[len(ids)-1] {
		t.Fatalf("last id mismatch: got %d, want %d", got[len(got)-1], ids[len(ids)-1])
	}
}
