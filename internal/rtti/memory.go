// Package rtti recovers C++ class names from MSVC run-time type information
// in a target's memory, and ties each class's vftable slots to exported,
// undecorated function names.
package rtti

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrOutOfRange is returned by a Snapshot for reads outside the copy.
	ErrOutOfRange = errors.New("address out of range")
	// ErrUnsupported is returned where live process access is unavailable.
	ErrUnsupported = errors.New("unsupported on this platform")
)

// MemoryReader reads target memory.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) error
}

// Module is one loaded image.
type Module struct {
	Name string
	Path string
	Base uint64
	Size uint64
}

// Contains reports whether addr falls inside the module.
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s 0x(%x, %d bytes)", m.Name, m.Base, m.Size)
}

// Snapshot is a bounds-checked local copy of a range of target memory.
type Snapshot struct {
	base uint64
	data []byte
}

// NewSnapshot wraps data as memory starting at base.
func NewSnapshot(base uint64, data []byte) *Snapshot {
	return &Snapshot{base: base, data: data}
}

// Capture copies the given ranges of m from r into a module-sized snapshot.
// Bytes outside the ranges read as zero.
func Capture(r MemoryReader, m Module, ranges []Section) (*Snapshot, error) {
	s := &Snapshot{base: m.Base, data: make([]byte, m.Size)}
	for _, sec := range ranges {
		if !m.Contains(sec.Address) || sec.Address-m.Base+sec.Size > m.Size {
			return nil, fmt.Errorf("capture %s: section %s outside module", m.Name, sec.Name)
		}
		off := sec.Address - m.Base
		if err := r.ReadMemory(sec.Address, s.data[off:off+sec.Size]); err != nil {
			return nil, fmt.Errorf("capture %s section %s: %w", m.Name, sec.Name, err)
		}
	}
	return s, nil
}

// Base returns the address of the first byte.
func (s *Snapshot) Base() uint64 { return s.base }

// Len returns the snapshot size.
func (s *Snapshot) Len() int { return len(s.data) }

// ReadMemory copies len(buf) bytes at addr.
func (s *Snapshot) ReadMemory(addr uint64, buf []byte) error {
	n := uint64(len(buf))
	if addr < s.base || addr-s.base > uint64(len(s.data)) || uint64(len(s.data))-(addr-s.base) < n {
		return fmt.Errorf("read 0x%x+%d: %w", addr, n, ErrOutOfRange)
	}
	copy(buf, s.data[addr-s.base:])
	return nil
}

// readerAt exposes target memory starting at base as an io.ReaderAt, which
// is what debug/pe parses headers from.
type readerAt struct {
	r    MemoryReader
	base uint64
}

func (ra readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if err := ra.r.ReadMemory(ra.base+uint64(off), p); err != nil {
		// debug/pe treats short reads as EOF.
		return 0, io.ErrUnexpectedEOF
	}
	return len(p), nil
}

func readU32(r MemoryReader, addr uint64) (uint32, error) {
	var b [4]byte
	if err := r.ReadMemory(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r MemoryReader, addr uint64) (uint64, error) {
	var b [8]byte
	if err := r.ReadMemory(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readU16(r MemoryReader, addr uint64) (uint16, error) {
	var b [2]byte
	if err := r.ReadMemory(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// readPtr reads a pointer of the target's width.
func readPtr(r MemoryReader, addr uint64, is32 bool) (uint64, error) {
	if is32 {
		v, err := readU32(r, addr)
		return uint64(v), err
	}
	return readU64(r, addr)
}

func ptrSize(is32 bool) uint64 {
	if is32 {
		return 4
	}
	return 8
}

const maxNameLen = 256

// readCString reads a NUL-terminated string of at most maxNameLen bytes.
func readCString(r MemoryReader, addr uint64) (string, error) {
	const chunk = 32
	var out []byte
	var buf [chunk]byte
	for len(out) < maxNameLen {
		if err := r.ReadMemory(addr, buf[:]); err != nil {
			// Near the end of readable memory; fall back to single bytes.
			if err := r.ReadMemory(addr, buf[:1]); err != nil {
				return "", err
			}
			if buf[0] == 0 {
				return string(out), nil
			}
			out = append(out, buf[0])
			addr++
			continue
		}
		for i := 0; i < chunk; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:]...)
		addr += chunk
	}
	return "", fmt.Errorf("string at 0x%x: no terminator in %d bytes", addr, maxNameLen)
}
