package rtti

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Section is a PE section located in target memory.
type Section struct {
	Name    string
	Address uint64
	Size    uint64
}

func (s Section) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x]", s.Name, s.Address, s.Address+s.Size)
}

// Header is what the scanner needs from a module's PE headers.
type Header struct {
	Sections    []Section
	Is32        bool
	ImageBase   uint64
	SizeOfImage uint64
	// ExportRVA and ExportSize locate the export directory, zero when absent.
	ExportRVA  uint32
	ExportSize uint32
}

// ReadHeader parses the PE headers of the image mapped at base.
func ReadHeader(r MemoryReader, base uint64) (*Header, error) {
	f, err := pe.NewFile(readerAt{r: r, base: base})
	if err != nil {
		return nil, fmt.Errorf("parse pe at 0x%x: %w", base, err)
	}
	defer f.Close()
	return headerOf(f, base), nil
}

func headerOf(f *pe.File, base uint64) *Header {
	h := &Header{}
	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		h.Is32 = true
		h.ImageBase = uint64(oh.ImageBase)
		h.SizeOfImage = uint64(oh.SizeOfImage)
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		h.ImageBase = oh.ImageBase
		h.SizeOfImage = uint64(oh.SizeOfImage)
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		h.ExportRVA = dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT].VirtualAddress
		h.ExportSize = dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT].Size
	}
	for _, s := range f.Sections {
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(s.Size)
		}
		h.Sections = append(h.Sections, Section{Name: s.Name, Address: base + uint64(s.VirtualAddress), Size: size})
	}
	return h
}

// Sections enumerates the PE sections of the image mapped at base.
func Sections(r MemoryReader, base uint64) ([]Section, error) {
	h, err := ReadHeader(r, base)
	if err != nil {
		return nil, err
	}
	return h.Sections, nil
}

// FilterRTTISections keeps the sections that can hold RTTI: those whose
// name contains DATA or RTTI, ignoring case.
func FilterRTTISections(secs []Section) []Section {
	var out []Section
	for _, s := range secs {
		name := strings.ToUpper(s.Name)
		if strings.Contains(name, "DATA") || strings.Contains(name, "RTTI") {
			out = append(out, s)
		}
	}
	return out
}

// Image is a PE file laid out as the loader would map it at its preferred
// base, for scanning without a live process.
type Image struct {
	*Snapshot
	Module Module
	Header *Header
}

// LoadImage reads and maps the PE file at path.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	img, err := MapImage(filepath.Base(path), data)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", path, err)
	}
	img.Module.Path = path
	return img, nil
}

// MapImage maps raw PE file bytes at the image's preferred base.
func MapImage(name string, data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse pe: %w", err)
	}
	defer f.Close()

	h := headerOf(f, 0)
	if h.SizeOfImage == 0 {
		return nil, fmt.Errorf("parse pe: no optional header")
	}
	mapped := make([]byte, h.SizeOfImage)
	hdrLen := headersSize(f)
	if hdrLen > uint64(len(data)) {
		hdrLen = uint64(len(data))
	}
	if hdrLen > h.SizeOfImage {
		hdrLen = h.SizeOfImage
	}
	copy(mapped, data[:hdrLen])

	for _, s := range f.Sections {
		if uint64(s.VirtualAddress) >= h.SizeOfImage {
			continue
		}
		raw, err := io.ReadAll(s.Open())
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", s.Name, err)
		}
		dst := mapped[s.VirtualAddress:]
		if s.VirtualSize != 0 && uint64(len(raw)) > uint64(s.VirtualSize) {
			raw = raw[:s.VirtualSize]
		}
		copy(dst, raw)
	}

	// Rebase the section addresses onto the preferred base.
	for i := range h.Sections {
		h.Sections[i].Address += h.ImageBase
	}
	return &Image{
		Snapshot: NewSnapshot(h.ImageBase, mapped),
		Module:   Module{Name: name, Base: h.ImageBase, Size: h.SizeOfImage},
		Header:   h,
	}, nil
}

func headersSize(f *pe.File) uint64 {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.SizeOfHeaders)
	case *pe.OptionalHeader64:
		return uint64(oh.SizeOfHeaders)
	}
	return 0
}
