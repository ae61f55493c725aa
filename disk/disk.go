// Package disk provides the raw sector-addressed block device the swap
// and bcache packages are built on: a disk is a file, guarded by a
// mutex so a seek followed by a read or write is atomic, with an fsync
// on flush. A journaling request/ack-channel layer on top of this would
// belong to a full on-disk filesystem this kernel does not implement,
// so the package exposes the disk directly as synchronous
// Read/Write/Flush calls instead.
package disk

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SectorSize is the unit of disk I/O; the swap table and buffer cache
// both address the disk in units of one sector.
const SectorSize = 4096

// Disk is implemented by anything that can serve fixed-size sector I/O.
// swap.Table and bcache.Cache depend on this interface, not on *File
// directly, so tests can substitute an in-memory fake.
type Disk interface {
	ReadAt(sector int, buf []byte) error
	WriteAt(sector int, buf []byte) error
	Flush() error
	Sectors() int
}

// File is a Disk backed by a real file, sized to an integral number of
// sectors at creation time. The file is opened with ordinary buffered
// I/O and given a best-effort FADV_RANDOM access hint (via
// golang.org/x/sys/unix); the OS page cache still sits underneath the
// buffer cache this kernel implements on top.
type File struct {
	mu      sync.Mutex
	f       *os.File
	nsector int
}

// Open opens or creates path as a disk image of nsector sectors. If the
// file is shorter than that, it is extended with zeroed sectors.
func Open(path string, nsector int) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	// Best-effort hint; a platform without fadvise still works correctly,
	// just without telling the OS this file is not read sequentially.
	_ = unix.Fadvise(int(fd.Fd()), 0, 0, unix.FADV_RANDOM)
	d := &File{f: fd, nsector: nsector}
	want := int64(nsector) * SectorSize
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	if info.Size() < want {
		if err := fd.Truncate(want); err != nil {
			fd.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *File) Sectors() int { return d.nsector }

func (d *File) checkSector(sector int, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("disk: buffer must be exactly %d bytes", SectorSize)
	}
	if sector < 0 || sector >= d.nsector {
		return fmt.Errorf("disk: sector %d out of range", sector)
	}
	return nil
}

func (d *File) ReadAt(sector int, buf []byte) error {
	if err := d.checkSector(sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.Seek(int64(sector)*SectorSize, 0)
	if err != nil {
		return err
	}
	_, err = d.f.Read(buf)
	return err
}

func (d *File) WriteAt(sector int, buf []byte) error {
	if err := d.checkSector(sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.Seek(int64(sector)*SectorSize, 0)
	if err != nil {
		return err
	}
	_, err = d.f.Write(buf)
	return err
}

func (d *File) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *File) Close() error {
	return d.f.Close()
}
