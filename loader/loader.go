// Package loader validates an ELF32 executable and installs its loadable
// segments into a fresh address space as lazily-faulted, file-backed SPT
// entries, then marshals argv onto the new stack. It is modeled on
// userprog/process.c's load(), lazy segment setup, and argument-push
// sequence from the kernel this module reimplements, with header
// validation through debug/elf as in cmd/chentry.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fdops"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/vm"
)

// readerAt adapts fdops.Fdops_i to io.ReaderAt so debug/elf can parse it
// directly off the in-memory "file" without a separate copy.
type readerAt struct{ f fdops.Fdops_i }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.f.ReadAt(int(off), p)
	if err != 0 {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load validates f as an ELF32 x86 executable, installs its PT_LOAD
// segments into as as lazily-faulted file-backed pages, sets up the
// initial stack page, and returns the entry point and the stack pointer
// ready for argv to be pushed onto it. defs.ENOEXEC on any header
// mismatch.
func Load(as *vm.AddrSpace, f fdops.Fdops_i) (entry, esp vm.VPage, err defs.Err_t) {
	ef, oerr := elf.NewFile(readerAt{f})
	if oerr != nil {
		return 0, 0, -defs.ENOEXEC
	}
	if ef.Class != elf.ELFCLASS32 || ef.Machine != elf.EM_386 || ef.Type != elf.ET_EXEC {
		return 0, 0, -defs.ENOEXEC
	}

	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if e := loadSegment(as, f, p); e != 0 {
			return 0, 0, e
		}
	}

	top, e := SetupStack(as)
	if e != 0 {
		return 0, 0, e
	}
	return vm.VPage(ef.Entry), top, 0
}

func loadSegment(as *vm.AddrSpace, f fdops.Fdops_i, p *elf.Prog) defs.Err_t {
	upage := vm.VPage(p.Vaddr) &^ vm.VPage(mem.PGSIZE-1)
	ofs := int(p.Off) - (int(p.Vaddr) - int(upage))
	readBytes := int(p.Filesz) + (int(p.Vaddr) - int(upage))
	totalBytes := int(p.Memsz) + (int(p.Vaddr) - int(upage))
	writable := p.Flags&elf.PF_W != 0

	for totalBytes > 0 {
		pageRead := readBytes
		if pageRead > mem.PGSIZE {
			pageRead = mem.PGSIZE
		}
		if pageRead < 0 {
			pageRead = 0
		}
		if err := as.AddFile(upage, f, ofs, pageRead, writable); err != nil {
			return -defs.ENOEXEC
		}
		readBytes -= pageRead
		totalBytes -= mem.PGSIZE
		upage += vm.VPage(mem.PGSIZE)
		ofs += pageRead
	}
	return 0
}

// SetupStack installs a single zero-filled, writable page at the top of
// user virtual memory and returns PhysBase as the initial stack
// pointer, matching the original's setup_stack().
func SetupStack(as *vm.AddrSpace) (vm.VPage, defs.Err_t) {
	top := vm.PhysBase - vm.VPage(mem.PGSIZE)
	as.GetOrCreate(top)
	if err := as.PageFault(top, true, vm.PhysBase, nil); err != 0 {
		return 0, err
	}
	return vm.PhysBase, 0
}

// PushArgs marshals argv onto the stack below esp: each string (in
// order), word-aligned padding, a null
// argv[] sentinel, argv pointers in reverse string order (so argv[0]'s
// pointer ends up at the lowest address), the argv pointer itself,
// argc, and a fake return address. Returns the new stack pointer.
func PushArgs(as *vm.AddrSpace, esp vm.VPage, argv []string) (vm.VPage, defs.Err_t) {
	top := esp
	addrs := make([]vm.VPage, len(argv))
	total := 0
	for i, a := range argv {
		b := append([]byte(a), 0)
		esp -= vm.VPage(len(b))
		if err := as.WriteUser(esp, b, top, nil); err != 0 {
			return 0, err
		}
		addrs[i] = esp
		total += len(b)
	}

	pad := (4 - total%4) % 4
	esp -= vm.VPage(pad)

	var word [4]byte
	esp -= 4
	if err := as.WriteUser(esp, word[:], top, nil); err != 0 {
		return 0, err
	}

	for i := len(argv) - 1; i >= 0; i-- {
		binary.LittleEndian.PutUint32(word[:], uint32(addrs[i]))
		esp -= 4
		if err := as.WriteUser(esp, word[:], top, nil); err != 0 {
			return 0, err
		}
	}

	argvPtr := esp
	binary.LittleEndian.PutUint32(word[:], uint32(argvPtr))
	esp -= 4
	if err := as.WriteUser(esp, word[:], top, nil); err != 0 {
		return 0, err
	}

	binary.LittleEndian.PutUint32(word[:], uint32(len(argv)))
	esp -= 4
	if err := as.WriteUser(esp, word[:], top, nil); err != 0 {
		return 0, err
	}

	var zero [4]byte
	esp -= 4
	if err := as.WriteUser(esp, zero[:], top, nil); err != 0 {
		return 0, err
	}

	return esp, 0
}
