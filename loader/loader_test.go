package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/AGFeldman/nos/fdops"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/swap"
	"github.com/AGFeldman/nos/thread"
	"github.com/AGFeldman/nos/vm"
)

type fakeDisk struct{ sectors [][]byte }

func newFakeDisk(n int) *fakeDisk {
	d := &fakeDisk{sectors: make([][]byte, n)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, 4096)
	}
	return d
}
func (d *fakeDisk) ReadAt(s int, b []byte) error  { copy(b, d.sectors[s]); return nil }
func (d *fakeDisk) WriteAt(s int, b []byte) error { copy(d.sectors[s], b); return nil }
func (d *fakeDisk) Flush() error                  { return nil }
func (d *fakeDisk) Sectors() int                  { return len(d.sectors) }

func newTestAddrSpace(t *testing.T) *vm.AddrSpace {
	t.Helper()
	s := thread.NewScheduler(false)
	stop := make(chan struct{})
	go s.Run(stop)
	t.Cleanup(func() { close(stop) })
	phys := mem.Phys_init(32)
	swp := swap.NewTable(newFakeDisk(64))
	mgr := vm.NewManager(s, phys, swp, 32)
	return mgr.NewAddrSpace()
}

const vaddr = 0x08048000

// buildELF assembles a minimal ELF32/EM_386/ET_EXEC image with one
// PT_LOAD segment carrying data, matching what a real toolchain would
// emit for a single-section static executable.
func buildELF(data []byte) []byte {
	const ehsize = 52
	const phsize = 32
	memsz := len(data)
	if r := memsz % mem.PGSIZE; r != 0 {
		memsz += mem.PGSIZE - r
	}
	if memsz == 0 {
		memsz = mem.PGSIZE
	}
	buf := make([]byte, ehsize+phsize+len(data))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 1, 1, 1
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)
	le.PutUint16(buf[18:20], 3)
	le.PutUint32(buf[20:24], 1)
	le.PutUint32(buf[24:28], vaddr+8) // arbitrary non-zero entry offset
	le.PutUint32(buf[28:32], ehsize)
	le.PutUint16(buf[40:42], ehsize)
	le.PutUint16(buf[42:44], phsize)
	le.PutUint16(buf[44:46], 1)
	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:4], 1)
	le.PutUint32(ph[4:8], ehsize+phsize)
	le.PutUint32(ph[8:12], vaddr)
	le.PutUint32(ph[12:16], vaddr)
	le.PutUint32(ph[16:20], uint32(len(data)))
	le.PutUint32(ph[20:24], uint32(memsz))
	le.PutUint32(ph[24:28], 7)
	le.PutUint32(ph[28:32], uint32(mem.PGSIZE))
	copy(buf[ehsize+phsize:], data)
	return buf
}

// TestLoadInstallsFileBackedSegment checks that Load's lazily-faulted
// mapping actually serves the ELF's segment bytes once faulted.
func TestLoadInstallsFileBackedSegment(t *testing.T) {
	as := newTestAddrSpace(t)
	payload := []byte("program bytes go here")
	f := fdops.NewMemFile(buildELF(payload))

	entry, esp, err := Load(as, f)
	if err != 0 {
		t.Fatalf("Load: %v", err)
	}
	if entry != vm.VPage(vaddr+8) {
		t.Fatalf("entry = %#x, want %#x", uintptr(entry), uintptr(vaddr+8))
	}
	if esp != vm.PhysBase {
		t.Fatalf("esp = %#x, want PhysBase", uintptr(esp))
	}

	got := make([]byte, len(payload))
	if rerr := as.ReadUser(vm.VPage(vaddr), got, esp, nil); rerr != 0 {
		t.Fatalf("ReadUser: %v", rerr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// TestLoadRejectsBadMagic: a
// malformed header must fail cleanly with ENOEXEC, not panic.
func TestLoadRejectsBadMagic(t *testing.T) {
	as := newTestAddrSpace(t)
	bad := buildELF([]byte("x"))
	bad[0] = 0x00 // corrupt the magic number
	f := fdops.NewMemFile(bad)

	if _, _, err := Load(as, f); err == 0 {
		t.Fatal("Load should reject a corrupted ELF magic")
	}
}

// TestLoadRejectsNonExecutableType checks that an ET_DYN/other non-exec
// ELF type is rejected, per Load's header class/machine/type checks.
func TestLoadRejectsNonExecutableType(t *testing.T) {
	as := newTestAddrSpace(t)
	img := buildELF(nil)
	binary.LittleEndian.PutUint16(img[16:18], 3) // ET_DYN instead of ET_EXEC
	f := fdops.NewMemFile(img)

	if _, _, err := Load(as, f); err == 0 {
		t.Fatal("Load should reject a non-ET_EXEC image")
	}
}

// TestPushArgsLayout checks the argv marshaling: argc, a NULL
// argv sentinel, and argv[0] pointing at "argv[0]"'s bytes.
func TestPushArgsLayout(t *testing.T) {
	as := newTestAddrSpace(t)
	top, err := SetupStack(as)
	if err != 0 {
		t.Fatalf("SetupStack: %v", err)
	}

	argv := []string{"prog", "one", "two"}
	esp, err := PushArgs(as, top, argv)
	if err != 0 {
		t.Fatalf("PushArgs: %v", err)
	}
	if esp >= top {
		t.Fatalf("esp %#x did not move below the original top %#x", uintptr(esp), uintptr(top))
	}

	// Stack layout from the returned esp upward: fake return address,
	// argc, the argv pointer (to the array pushed just below it).
	var argcBuf [4]byte
	if rerr := as.ReadUser(esp+4, argcBuf[:], top, nil); rerr != 0 {
		t.Fatalf("ReadUser argc: %v", rerr)
	}
	if got := binary.LittleEndian.Uint32(argcBuf[:]); got != uint32(len(argv)) {
		t.Fatalf("argc = %d, want %d", got, len(argv))
	}

	var argvPtrBuf [4]byte
	if rerr := as.ReadUser(esp+8, argvPtrBuf[:], top, nil); rerr != 0 {
		t.Fatalf("ReadUser argv ptr: %v", rerr)
	}
	argvPtr := vm.VPage(binary.LittleEndian.Uint32(argvPtrBuf[:]))

	var firstStrPtrBuf [4]byte
	if rerr := as.ReadUser(argvPtr, firstStrPtrBuf[:], top, nil); rerr != 0 {
		t.Fatalf("ReadUser argv[0]: %v", rerr)
	}
	strAddr := vm.VPage(binary.LittleEndian.Uint32(firstStrPtrBuf[:]))

	got := make([]byte, len("prog")+1)
	if rerr := as.ReadUser(strAddr, got, top, nil); rerr != 0 {
		t.Fatalf("ReadUser argv[0] string: %v", rerr)
	}
	if !bytes.Equal(got, append([]byte("prog"), 0)) {
		t.Fatalf("argv[0] = %q, want %q\\x00", got, "prog")
	}
}
