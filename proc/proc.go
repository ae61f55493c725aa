// Package proc composes a kernel thread, an address space, and a file
// descriptor table into a runnable process, and implements exec, wait,
// and exit. This kernel has no x86 instruction emulator — exec validates
// and loads a real ELF32 image (loader.Load) to exercise the vm/fdops
// machinery exactly as a real loader would, but the loaded process's
// "user code" is a Go closure registered under the binary's name,
// standing in for the machine code a real CPU would execute at the
// entry point.
package proc

import (
	"sync"

	"github.com/AGFeldman/nos/console"
	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fd"
	"github.com/AGFeldman/nos/fdops"
	"github.com/AGFeldman/nos/loader"
	"github.com/AGFeldman/nos/thread"
	"github.com/AGFeldman/nos/vm"
)

// Main is the signature every registered user program implements. It
// receives the process it is running as, and returns the status exit()
// should report.
type Main func(p *Proc) int

// Proc is one user process: exactly one kernel thread paired with one
// address space and one descriptor table.
type Proc struct {
	T    *thread.TCB
	Name string
	As   *vm.AddrSpace
	Fds  *fd.Table
	Esp  vm.VPage
	Win  *vm.PinWindow

	con      *console.Console
	sched    *thread.Scheduler
	mu       sync.Mutex
	parent   *Proc
	children map[defs.Tid_t]*Proc
	exited   bool
	status   int
	waiters  []*thread.TCB
}

// FS is the kernel's flat, in-memory stand-in for an on-disk filesystem;
// the real inode/directory layout lives behind this boundary and is not
// built here. create/remove/open operate against this single flat
// namespace, guarded by the one filesystem mutex every caller shares.
type FS struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewFS builds an empty filesystem.
func NewFS() *FS { return &FS{files: make(map[string][]byte)} }

func (f *FS) Create(path string, size int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; ok {
		return false
	}
	f.files[path] = make([]byte, size)
	return true
}

func (f *FS) Remove(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return false
	}
	delete(f.files, path)
	return true
}

// Open returns a fresh Fdops_i view of path's bytes, or ok=false if no
// such file exists.
func (f *FS) Open(path string) (fdops.Fdops_i, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, false
	}
	return fdops.NewMemFile(data), true
}

// Table owns every live process in a kernel instance, the scheduler and
// vm.Manager they share, the console, and the flat filesystem.
type Table struct {
	Sched *thread.Scheduler
	Mgr   *vm.Manager
	Con   *console.Console
	FS    *FS

	mu       sync.Mutex
	procs    map[defs.Tid_t]*Proc
	programs map[string]Main

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTable builds a process table over an already-initialized scheduler
// and vm.Manager.
func NewTable(s *thread.Scheduler, mgr *vm.Manager, con *console.Console) *Table {
	return &Table{
		Sched:    s,
		Mgr:      mgr,
		Con:      con,
		FS:       NewFS(),
		procs:    make(map[defs.Tid_t]*Proc),
		programs: make(map[string]Main),
		stop:     make(chan struct{}),
	}
}

// Stopped is closed once Halt has been called, for the goroutine driving
// Scheduler.Run to select on alongside its own stop channel.
func (pt *Table) Stopped() <-chan struct{} { return pt.stop }

// Halt implements the halt syscall's "power off": it unconditionally
// signals Stopped, exactly once.
func (pt *Table) Halt() {
	pt.stopOnce.Do(func() { close(pt.stop) })
}

// Register installs a binary image under name: both its ELF bytes (for
// loader.Load to validate and lazily map) and the Go closure standing in
// for its compiled code.
func (pt *Table) Register(name string, elfImage []byte, main Main) {
	pt.FS.mu.Lock()
	pt.FS.files[name] = elfImage
	pt.FS.mu.Unlock()
	pt.mu.Lock()
	pt.programs[name] = main
	pt.mu.Unlock()
}

// Exec implements the exec syscall: loads the named program into a new
// address space, pushes argv, and spawns a kernel thread to run it.
// Blocks until the child has finished loading; returns −1 (encoded as a
// nil *Proc) on load failure.
func (pt *Table) Exec(parent *Proc, cmdline string) (*Proc, defs.Err_t) {
	argv := splitArgs(cmdline)
	if len(argv) == 0 {
		return nil, -defs.ENOEXEC
	}
	name := argv[0]

	pt.mu.Lock()
	main, ok := pt.programs[name]
	pt.mu.Unlock()
	if !ok {
		return nil, -defs.ENOEXEC
	}

	f, ok := pt.FS.Open(name)
	if !ok {
		return nil, -defs.ENOEXEC
	}

	as := pt.Mgr.NewAddrSpace()
	entry, top, err := loader.Load(as, f)
	if err != 0 {
		return nil, err
	}
	_ = entry // no instruction pointer to install without a CPU emulator

	esp, err := loader.PushArgs(as, top, argv)
	if err != 0 {
		return nil, err
	}

	p := &Proc{
		Name:     name,
		As:       as,
		Fds:      fd.NewTable(pt.Con),
		Esp:      esp,
		con:      pt.Con,
		sched:    pt.Sched,
		parent:   parent,
		children: make(map[defs.Tid_t]*Proc),
	}

	// The child's body must not start until p.T and the process-table
	// entry are in place, and Exec cannot wait for the child to be
	// scheduled: when Exec itself runs inside a thread body, the CPU
	// token isn't released until the caller yields, so the child gates on
	// a channel Exec closes rather than the other way around.
	goahead := make(chan struct{})
	t := pt.Sched.Spawn(name, 0, func(*thread.TCB) {
		<-goahead
		status := main(p)
		pt.exit(p, status)
	})
	p.T = t
	pt.mu.Lock()
	pt.procs[t.ID] = p
	pt.mu.Unlock()
	close(goahead)

	if parent != nil {
		parent.mu.Lock()
		parent.children[p.T.ID] = p
		parent.mu.Unlock()
	}
	return p, 0
}

func (pt *Table) exit(p *Proc, status int) {
	p.mu.Lock()
	if p.exited {
		// Already torn down: a bad-argument syscall terminated the
		// process mid-body, and the thread body (which a hosted kernel
		// cannot cut short) has now returned on its own. First exit wins.
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.status = status
	p.mu.Unlock()

	p.Con().Printf("%s: exit(%d)\n", p.Name, status)

	p.Fds.CloseAll()
	mmapIDs := map[int]bool{}
	p.As.Iterate(func(page vm.VPage, e *vm.Entry) {
		// Match on the mapping id alone: a dirty page evicted to swap is
		// no longer FileBacked but still needs its munmap writeback.
		if e.MmapID != 0 {
			mmapIDs[e.MmapID] = true
		}
	})
	for id := range mmapIDs {
		p.As.Munmap(id)
	}
	p.As.Destroy()

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		pt.Sched.Unblock(w)
	}

	pt.mu.Lock()
	delete(pt.procs, p.T.ID)
	pt.mu.Unlock()
}

// Exit tears down p with the given status: it prints the exit line,
// closes descriptors, unmaps outstanding mappings, destroys the address
// space, and wakes waiters. It is the termination path for both the
// exit syscall and a bad-argument syscall failure. Idempotent — the
// first exit wins, and the thread body's own eventual return does
// nothing more.
func (pt *Table) Exit(p *Proc, status int) { pt.exit(p, status) }

// Con exposes the shared console; Proc methods that print (exit status)
// reach it through here rather than a global. Set by Table.Exec at
// spawn time.
func (p *Proc) Con() *console.Console { return p.con }

// Wait implements the wait syscall: blocks until the named child exits
// and returns its status, or −1 (ECHILD) if pid does not name a direct,
// unreaped child. The blocking path must run from the waiting thread's
// own body: the waiter parks through Scheduler.Block so the CPU token
// passes to the child, and the child's exit unblocks it. The window
// between recording the waiter and blocking is safe because the child
// cannot run (and so cannot exit) until the waiter gives up the token.
func (p *Proc) Wait(childTid defs.Tid_t) (int, defs.Err_t) {
	p.mu.Lock()
	child, ok := p.children[childTid]
	if ok {
		delete(p.children, childTid)
	}
	p.mu.Unlock()
	if !ok {
		return -1, -defs.ECHILD
	}

	child.mu.Lock()
	if child.exited {
		status := child.status
		child.mu.Unlock()
		return status, 0
	}
	child.waiters = append(child.waiters, p.sched.Current())
	child.mu.Unlock()
	p.sched.Block()

	child.mu.Lock()
	status := child.status
	child.mu.Unlock()
	return status, 0
}

// Rusage reports the process's accumulated user/system CPU time encoded
// as an rusage block, an optional accessor alongside wait's status
// return rather than a syscall of its own.
func (p *Proc) Rusage() []uint8 {
	return p.T.Acc.Fetch()
}

func splitArgs(cmdline string) []string {
	var argv []string
	start := -1
	for i := 0; i <= len(cmdline); i++ {
		if i < len(cmdline) && cmdline[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			argv = append(argv, cmdline[start:i])
			start = -1
		}
	}
	return argv
}
