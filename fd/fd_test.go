package fd

import (
	"testing"

	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fdops"
)

func newTestTable() *Table {
	return NewTable(fdops.NewMemFile(nil))
}

// TestAllocStartsAtTwo checks fd 0/1 stay reserved for the console, per
// NewTable's contract.
func TestAllocStartsAtTwo(t *testing.T) {
	tb := newTestTable()
	got, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil), Perms: FD_READ})
	if err != 0 || got != 2 {
		t.Fatalf("Alloc = %d, %v; want 2, 0", got, err)
	}
}

// TestAllocExhaustion checks EMFILE once every slot above fd 1 is
// taken.
func TestAllocExhaustion(t *testing.T) {
	tb := newTestTable()
	for i := 2; i < NFDS; i++ {
		if _, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil)}); err != 0 {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil)}); err != -defs.EMFILE {
		t.Fatalf("Alloc past capacity: %v, want EMFILE", err)
	}
}

// TestGetCloseOutOfRangeFd checks that an fd number outside [0, NFDS)
// reports EBADF rather than indexing the backing array out of bounds.
func TestGetCloseOutOfRangeFd(t *testing.T) {
	tb := newTestTable()
	if _, err := tb.Get(99); err != -defs.EBADF {
		t.Fatalf("Get(99) = %v, want EBADF", err)
	}
	if _, err := tb.Get(-1); err != -defs.EBADF {
		t.Fatalf("Get(-1) = %v, want EBADF", err)
	}
	if err := tb.Close(99); err != -defs.EBADF {
		t.Fatalf("Close(99) = %v, want EBADF", err)
	}
	if err := tb.Close(-1); err != -defs.EBADF {
		t.Fatalf("Close(-1) = %v, want EBADF", err)
	}
}

// TestCloseFreesSlotForReuse checks that closing a descriptor makes its
// slot available to a later Alloc.
func TestCloseFreesSlotForReuse(t *testing.T) {
	tb := newTestTable()
	got, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil)})
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	if err := tb.Close(got); err != 0 {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tb.Get(got); err != -defs.EBADF {
		t.Fatalf("Get after Close = %v, want EBADF", err)
	}
	again, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil)})
	if err != 0 || again != got {
		t.Fatalf("Alloc after Close = %d, %v; want %d, 0", again, err, got)
	}
}

// TestCloseAllSparesConsoleFds checks CloseAll's documented contract:
// fd 0 and 1 are never closed, every descriptor above them is.
func TestCloseAllSparesConsoleFds(t *testing.T) {
	tb := newTestTable()
	fdnum, err := tb.Alloc(&Fd_t{Fops: fdops.NewMemFile(nil)})
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	tb.CloseAll()
	if _, err := tb.Get(0); err != 0 {
		t.Fatalf("Get(0) after CloseAll: %v, want console still open", err)
	}
	if _, err := tb.Get(1); err != 0 {
		t.Fatalf("Get(1) after CloseAll: %v, want console still open", err)
	}
	if _, err := tb.Get(fdnum); err != -defs.EBADF {
		t.Fatalf("Get(%d) after CloseAll: %v, want EBADF", fdnum, err)
	}
}

// TestDupSharesUnderlyingFile checks that Dup's two descriptors share
// the same Fops instance after Reopen, matching Copyfd's contract.
func TestDupSharesUnderlyingFile(t *testing.T) {
	tb := newTestTable()
	f := fdops.NewMemFile([]byte("shared"))
	orig, err := tb.Alloc(&Fd_t{Fops: f, Perms: FD_READ | FD_WRITE})
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	dup, err := tb.Dup(orig)
	if err != 0 {
		t.Fatalf("Dup: %v", err)
	}
	if dup == orig {
		t.Fatal("Dup returned the same fd number as the original")
	}

	wfd, _ := tb.Get(dup)
	if _, werr := wfd.Fops.WriteAt(0, []byte("XXXXXX")); werr != 0 {
		t.Fatalf("WriteAt through dup: %v", werr)
	}

	origFd, _ := tb.Get(orig)
	var buf [6]byte
	if _, rerr := origFd.Fops.ReadAt(0, buf[:]); rerr != 0 {
		t.Fatalf("ReadAt through original: %v", rerr)
	}
	if string(buf[:]) != "XXXXXX" {
		t.Fatalf("original did not observe the write made through its dup: %q", buf)
	}
}
