//go:build linux

// Package shmring is a single-writer, single-reader byte ring in POSIX shared
// memory. The writer never waits for the reader; a reader that falls a full
// ring behind loses data.
package shmring

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Header sits at the start of the mapping.
type Header struct {
	Magic   uint64
	Size    uint64 // data bytes, excluding the header
	Head    uint64 // next write offset
	Tail    uint64 // next read offset
	Version uint32
	Format  uint32 // codec.WireFormat of the payload, 0 if unknown
}

const (
	HeaderSize = uint64(unsafe.Sizeof(Header{}))
	MagicValue = 0x49515343_4f504552 // "IQSCOPER"
	version    = 2
)

// Dir is where rings live. Tests point it at a temporary directory.
var Dir = "/dev/shm"

var ErrBadMagic = errors.New("shmring: invalid magic value")

// Ring is one mapping of a shared-memory ring.
type Ring struct {
	fd     int
	data   []byte
	header *Header
	total  uint64
}

func path(name string) string {
	return filepath.Join(Dir, strings.TrimPrefix(name, "/"))
}

// Create makes a new ring of size data bytes. An existing ring of the same
// name is opened instead.
func Create(name string, size uint64, format uint32) (*Ring, error) {
	if size == 0 {
		return nil, errors.New("shmring: zero size")
	}
	p := path(name)
	fd, err := unix.Open(p, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0666)
	if err != nil {
		if err == unix.EEXIST {
			return Open(name)
		}
		return nil, fmt.Errorf("open shm %s: %w", p, err)
	}

	totalSize := HeaderSize + size
	if err := unix.Ftruncate(fd, int64(totalSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	r := &Ring{fd: fd, data: data, total: size}
	r.header = (*Header)(unsafe.Pointer(&data[0]))
	r.header.Size = size
	r.header.Version = version
	r.header.Format = format
	atomic.StoreUint64(&r.header.Head, 0)
	atomic.StoreUint64(&r.header.Tail, 0)
	atomic.StoreUint64(&r.header.Magic, MagicValue)
	return r, nil
}

// Open maps an existing ring.
func Open(name string) (*Ring, error) {
	p := path(name)
	fd, err := unix.Open(p, unix.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open shm %s: %w", p, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if uint64(stat.Size) <= HeaderSize {
		unix.Close(fd)
		return nil, fmt.Errorf("shm %s too small (%d bytes)", p, stat.Size)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	r := &Ring{fd: fd, data: data, total: uint64(stat.Size) - HeaderSize}
	r.header = (*Header)(unsafe.Pointer(&data[0]))
	if atomic.LoadUint64(&r.header.Magic) != MagicValue {
		r.Close()
		return nil, ErrBadMagic
	}
	return r, nil
}

// Write copies p in at the head, wrapping as needed.
func (r *Ring) Write(p []byte) (int, error) {
	n := uint64(len(p))
	if n >= r.total {
		return 0, fmt.Errorf("write of %d bytes does not fit ring of %d", n, r.total)
	}

	head := atomic.LoadUint64(&r.header.Head)
	dest := r.Data()
	if first := r.total - head; n <= first {
		copy(dest[head:], p)
	} else {
		copy(dest[head:], p[:first])
		copy(dest, p[first:])
	}
	atomic.StoreUint64(&r.header.Head, (head+n)%r.total)
	return len(p), nil
}

// AdvanceHead publishes n bytes written directly into Data at the head.
func (r *Ring) AdvanceHead(n uint64) {
	head := atomic.LoadUint64(&r.header.Head)
	atomic.StoreUint64(&r.header.Head, (head+n)%r.total)
}

// Available is the number of unread bytes.
func (r *Ring) Available() uint64 {
	head, tail := r.Pointers()
	return (head + r.total - tail) % r.total
}

// Read copies up to len(p) unread bytes out and advances the tail. It
// returns 0 when the ring is empty.
func (r *Ring) Read(p []byte) int {
	head, tail := r.Pointers()
	avail := (head + r.total - tail) % r.total
	n := min(uint64(len(p)), avail)
	if n == 0 {
		return 0
	}
	src := r.Data()
	if first := r.total - tail; n <= first {
		copy(p, src[tail:tail+n])
	} else {
		copy(p, src[tail:])
		copy(p[first:], src[:n-first])
	}
	r.SetTail(tail + n)
	return int(n)
}

// Pointers returns the head and tail offsets.
func (r *Ring) Pointers() (head, tail uint64) {
	return atomic.LoadUint64(&r.header.Head), atomic.LoadUint64(&r.header.Tail)
}

func (r *Ring) SetTail(tail uint64) {
	atomic.StoreUint64(&r.header.Tail, tail%r.total)
}

// Head is the next write offset.
func (r *Ring) Head() uint64 { return atomic.LoadUint64(&r.header.Head) }

// Total is the data capacity in bytes.
func (r *Ring) Total() uint64 { return r.total }

// Format is the payload wire format recorded by the writer.
func (r *Ring) Format() uint32 { return r.header.Format }

// Data is the mapped payload area.
func (r *Ring) Data() []byte { return r.data[HeaderSize:] }

func (r *Ring) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
		r.header = nil
	}
	if r.fd > 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	return err
}

// Remove unlinks a ring; a missing ring is not an error.
func Remove(name string) error {
	if err := unix.Unlink(path(name)); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
