// Command demo boots one instance of the kernel this module implements
// end to end without any real hardware underneath it: a scheduler runs
// goroutine-backed threads across priority donation and MLFQ decay, a
// disk-backed buffer cache and swap table take real I/O, and a tiny
// process exec/wait/exit round trip runs through the syscall dispatcher
// against a loaded ELF image. It is the load-bearing smoke test for the
// whole stack, not a real init program.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AGFeldman/nos/bcache"
	"github.com/AGFeldman/nos/console"
	"github.com/AGFeldman/nos/disk"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/proc"
	"github.com/AGFeldman/nos/swap"
	"github.com/AGFeldman/nos/synch"
	"github.com/AGFeldman/nos/syscall"
	"github.com/AGFeldman/nos/thread"
	"github.com/AGFeldman/nos/vm"
)

func main() {
	fmt.Println("=== priority donation ===")
	donationDemo()

	fmt.Println()
	fmt.Println("=== MLFQ decay ===")
	mlfqDemo()

	dir, err := os.MkdirTemp("", "nos-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fmt.Println()
	fmt.Println("=== buffer cache + swap ===")
	diskDemo(dir)

	fmt.Println()
	fmt.Println("=== exec / syscalls / wait ===")
	execDemo()
}

// donationDemo shows a low-priority thread holding a lock that a
// high-priority thread needs: without donation the low thread would never
// win the CPU against a ready medium-priority thread, starving the high
// thread behind it (priority inversion); with donation it inherits the
// high thread's priority until it releases the lock.
func donationDemo() {
	s := thread.NewScheduler(false)
	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	lock := synch.NewLock(s)
	proceed := synch.NewSemaphore(s, 0)
	held := make(chan struct{})
	done := make(chan struct{})

	low := s.Spawn("low", 0, func(t *thread.TCB) {
		lock.Acquire()
		close(held)
		proceed.Down()
		lock.Release()
	})
	low.SetBasePriority(thread.PriMin + 1)

	<-held

	high := s.Spawn("high", 0, func(t *thread.TCB) {
		lock.Acquire()
		lock.Release()
		close(done)
	})
	high.SetBasePriority(thread.PriMax - 1)

	time.Sleep(20 * time.Millisecond)
	fmt.Printf("low (base %d) donated to %d while high (base %d) waits\n",
		low.BasePriority(), low.Priority(), high.BasePriority())

	proceed.Up()
	<-done
	time.Sleep(10 * time.Millisecond)
	fmt.Printf("low priority back to base: %d\n", low.Priority())
}

// mlfqDemo runs three threads of different nice values under the MLFQ
// policy and reports how recent_cpu and load_avg drift apart as the busier
// threads accumulate CPU time, matching the once-a-second/every-fourth-tick
// update cadence Scheduler.Tick implements.
func mlfqDemo() {
	s := thread.NewScheduler(true)
	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	const spins = 4000
	names := []string{"nice--", "nice-0", "nice++"}
	nices := []int{thread.NiceMin, thread.NiceDefault, thread.NiceMax}
	tcbs := make([]*thread.TCB, len(names))
	var wg sync.WaitGroup
	wg.Add(len(names))
	for i := range names {
		i := i
		tcbs[i] = s.Spawn(names[i], nices[i], func(t *thread.TCB) {
			defer wg.Done()
			for n := 0; n < spins; n++ {
				s.Yield()
			}
		})
		tcbs[i].SetNice(nices[i])
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()

tickLoop:
	for i := 0; i < 800; i++ {
		s.Tick()
		select {
		case <-waitDone:
			break tickLoop
		default:
		}
		time.Sleep(100 * time.Microsecond)
	}

	fmt.Printf("load_avg x100 = %d\n", s.GetLoadAvg100())
	for i, t := range tcbs {
		fmt.Printf("%s: recent_cpu x100 = %d, priority = %d\n",
			names[i], s.GetRecentCpu100(t), t.Priority())
	}
}

// diskDemo exercises the write-back buffer cache and the swap table
// against the same real disk file, confirming both that a write survives
// a cache Flush and that a page written to a swap slot reads back intact.
func diskDemo(dir string) {
	d, err := disk.Open(filepath.Join(dir, "disk.img"), 256)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	s := thread.NewScheduler(false)
	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	bc := bcache.New(s, d)
	var sector [disk.SectorSize]byte
	copy(sector[:], "hello from the buffer cache")
	if err := bc.Write(0, sector[:]); err != nil {
		log.Fatal(err)
	}
	if err := bc.Flush(); err != nil {
		log.Fatal(err)
	}

	var raw [disk.SectorSize]byte
	if err := d.ReadAt(0, raw[:]); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("bcache write-back visible on disk: %q\n", string(raw[:27]))

	if err := bc.Zero(1); err != nil {
		log.Fatal(err)
	}
	var zeroed [disk.SectorSize]byte
	if err := bc.Read(1, zeroed[:]); err != nil {
		log.Fatal(err)
	}
	allZero := true
	for _, b := range zeroed {
		if b != 0 {
			allZero = false
			break
		}
	}
	fmt.Printf("bcache zero(1) reads back zero: %v\n", allZero)

	swp := swap.NewTable(d)
	slot, ok := swp.Alloc()
	if !ok {
		log.Fatal("swap table full")
	}
	var page mem.Bytepg_t
	copy(page[:], "paged out to disk and back")
	if err := swp.WritePage(slot, &page); err != nil {
		log.Fatal(err)
	}
	var back mem.Bytepg_t
	if err := swp.ReadPage(slot, &back); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("swap round-trip intact: %v\n", page == back)
	swp.Free(slot)

	if out := bc.StatsString(); out != "" {
		fmt.Print("bcache counters:" + out)
	}
}

// execDemo wires a vm.Manager, a proc.Table, and the syscall dispatcher
// together, loads two hand-built ELF32 images, and runs a parent process
// that execs a child, waits on it, and relays its status — exactly the
// exec/wait/exit/write syscalls a trap handler would dispatch, with a
// real address space and buffer backing every argument.
func execDemo() {
	s := thread.NewScheduler(false)
	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	phys := mem.Phys_init(512)
	swp := swap.NewTable(nullDisk{})
	mgr := vm.NewManager(s, phys, swp, 256)
	con := console.New(os.Stdout)
	pt := proc.NewTable(s, mgr, con)

	greeting := []byte("hello from userspace\n")
	pt.Register("greet", buildELF(0x08048000, greeting), func(p *proc.Proc) int {
		addr := vm.PhysBase - vm.VPage(len(greeting)) - 512
		if err := p.As.WriteUser(addr, greeting, p.Esp, p.Win); err != 0 {
			return int(err)
		}
		if _, err := syscall.Dispatch(pt, p, syscall.Write, 1, int(addr), len(greeting)); err != 0 {
			return int(err)
		}
		status, _ := syscall.Dispatch(pt, p, syscall.Exit, 7, 0, 0)
		return status
	})

	done := make(chan int, 1)
	path := []byte("greet\x00")
	pt.Register("parent", buildELF(0x08048000, nil), func(p *proc.Proc) int {
		addr := vm.PhysBase - vm.VPage(len(path)) - 512
		if err := p.As.WriteUser(addr, path, p.Esp, p.Win); err != 0 {
			done <- int(err)
			return int(err)
		}
		childTid, err := syscall.Dispatch(pt, p, syscall.Exec, int(addr), 0, 0)
		if err != 0 {
			done <- int(err)
			return int(err)
		}
		status, err := syscall.Dispatch(pt, p, syscall.Wait, childTid, 0, 0)
		if err != 0 {
			done <- int(err)
			return int(err)
		}
		done <- status
		syscall.Dispatch(pt, p, syscall.Exit, status, 0, 0)
		return status
	})

	if _, err := pt.Exec(nil, "parent"); err != 0 {
		log.Fatalf("exec: %v", err)
	}
	status := <-done
	fmt.Printf("child exit status relayed through parent's wait(): %d\n", status)
	fmt.Printf("console captured: %q\n", string(con.Captured()))
}

// nullDisk backs the swap table in execDemo, which never actually pages
// anything out; a tiny in-memory stand-in avoids needing a second real
// disk file just to satisfy swap.NewTable's constructor.
type nullDisk struct{}

func (nullDisk) ReadAt(sector int, buf []byte) error  { return nil }
func (nullDisk) WriteAt(sector int, buf []byte) error { return nil }
func (nullDisk) Flush() error                         { return nil }
func (nullDisk) Sectors() int                         { return 1 }

// buildELF assembles a minimal ELF32/EM_386/ET_EXEC image with a single
// PT_LOAD segment starting at vaddr and containing data, page-aligned the
// way a real linker would emit it. There is no machine code inside: the
// loaded program's behavior comes from the Go closure registered under its
// name (see proc.Main), so the segment only needs to exercise loader.Load
// and vm.AddrSpace.AddFile realistically.
func buildELF(vaddr uint32, data []byte) []byte {
	const ehsize = 52
	const phsize = 32

	memsz := uint32(len(data))
	if memsz == 0 {
		memsz = uint32(mem.PGSIZE)
	}
	if r := memsz % uint32(mem.PGSIZE); r != 0 {
		memsz += uint32(mem.PGSIZE) - r
	}

	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)          // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 3)          // e_machine = EM_386
	le.PutUint32(buf[20:24], 1)          // e_version
	le.PutUint32(buf[24:28], vaddr)      // e_entry
	le.PutUint32(buf[28:32], ehsize)     // e_phoff
	le.PutUint32(buf[32:36], 0)          // e_shoff
	le.PutUint32(buf[36:40], 0)          // e_flags
	le.PutUint16(buf[40:42], ehsize)     // e_ehsize
	le.PutUint16(buf[42:44], phsize)     // e_phentsize
	le.PutUint16(buf[44:46], 1)          // e_phnum
	le.PutUint16(buf[46:48], 0)          // e_shentsize
	le.PutUint16(buf[48:50], 0)          // e_shnum
	le.PutUint16(buf[50:52], 0)          // e_shstrndx

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:4], 1)                     // p_type = PT_LOAD
	le.PutUint32(ph[4:8], ehsize+phsize)          // p_offset
	le.PutUint32(ph[8:12], vaddr)                 // p_vaddr
	le.PutUint32(ph[12:16], vaddr)                // p_paddr
	le.PutUint32(ph[16:20], uint32(len(data)))    // p_filesz
	le.PutUint32(ph[20:24], memsz)                // p_memsz
	le.PutUint32(ph[24:28], 7)                    // p_flags = R|W|X
	le.PutUint32(ph[28:32], uint32(mem.PGSIZE))   // p_align

	copy(buf[ehsize+phsize:], data)
	return buf
}
