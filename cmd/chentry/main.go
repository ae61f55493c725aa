// Command chentry patches the entry point recorded in an ELF32 header,
// the way a build step would relink a freshly assembled kernel image
// before the loader ever sees it. This kernel's loader only ever
// validates ELFCLASS32/EM_386 images (loader.Load), so the checks and
// the address width here match that exactly.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

func usage(me string) {
	fmt.Fprintf(os.Stderr, "usage: %s <elf32-file> <entry-addr>\n", me)
	os.Exit(1)
}

// checkHeader rejects anything that isn't the exact ELF32/EM_386/ET_EXEC
// shape loader.Load accepts, matching its own defs.ENOEXEC checks so a
// patched image that chentry accepts is guaranteed to load.
func checkHeader(eh *elf.FileHeader) error {
	if eh.Class != elf.ELFCLASS32 {
		return fmt.Errorf("not a 32-bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian")
	}
	if eh.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	if eh.Machine != elf.EM_386 {
		return fmt.Errorf("not EM_386")
	}
	return nil
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	path := os.Args[1]
	entry, err := parseEntry(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	if err := checkHeader(&ef.FileHeader); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: entry 0x%x -> 0x%x\n", path, ef.FileHeader.Entry, entry)
	ef.FileHeader.Entry = uint64(entry)

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := writeHeader32(f, &ef.FileHeader); err != nil {
		log.Fatal(err)
	}
}

// parseEntry accepts decimal or 0x-prefixed hex, rejecting anything that
// wouldn't fit a 32-bit user virtual address (vm.PhysBase and above are
// kernel space, but chentry has no AddrSpace to check against, so it
// only enforces the width).
func parseEntry(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid entry address %q", s)
	}
	return uint32(v), nil
}

// writeHeader32 rewrites only the leading 28 bytes of the Elf32_Ehdr
// (ident through e_entry): binary.Write against the decoded
// elf.FileHeader would emit 64-bit fields (the struct debug/elf hands
// back is class-agnostic) and corrupt everything past it, so those
// bytes are built by hand instead and the rest of the header (e_phoff
// onward, which loader.Load also reads) is left exactly as it was on
// disk.
func writeHeader32(f *os.File, eh *elf.FileHeader) error {
	var hdr [28]byte
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 1 // ELFCLASS32
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(hdr[16:18], uint16(eh.Type))
	le.PutUint16(hdr[18:20], uint16(eh.Machine))
	le.PutUint32(hdr[20:24], uint32(eh.Version))
	le.PutUint32(hdr[24:28], uint32(eh.Entry))
	_, err := f.Write(hdr[:])
	return err
}
