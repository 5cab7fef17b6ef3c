package rtti

import "strings"

// MSVC RTTI layout offsets.
//
// x64: the slot before a vftable points at the complete object locator.
// The locator holds image-relative offsets; its own RVA at +0x14 recovers
// the image base. The type descriptor's decorated name starts at +0x10.
//
// x86: the locator holds absolute pointers; the type descriptor pointer is
// at +0x0C and its name at +0x08.
const (
	col64TypeDescriptor = 0x0C
	col64Self           = 0x14
	td64Name            = 0x10

	col32TypeDescriptor = 0x0C
	td32Name            = 0x08
)

// ClassName64 returns the class whose vftable starts at addr in a 64-bit
// image, or false when addr does not look like one.
func ClassName64(r MemoryReader, addr uint64) (string, bool) {
	if addr < 8 {
		return "", false
	}
	col, err := readU64(r, addr-8)
	if err != nil {
		return "", false
	}
	self, err := readU32(r, col+col64Self)
	if err != nil || uint64(self) > col {
		return "", false
	}
	imageBase := col - uint64(self)
	tdRVA, err := readU32(r, col+col64TypeDescriptor)
	if err != nil {
		return "", false
	}
	return typeDescriptorName(r, imageBase+uint64(tdRVA)+td64Name)
}

// ClassName32 is ClassName64 for 32-bit images.
func ClassName32(r MemoryReader, addr uint64) (string, bool) {
	if addr < 4 {
		return "", false
	}
	col, err := readU32(r, addr-4)
	if err != nil {
		return "", false
	}
	td, err := readU32(r, uint64(col)+col32TypeDescriptor)
	if err != nil {
		return "", false
	}
	return typeDescriptorName(r, uint64(td)+td32Name)
}

func typeDescriptorName(r MemoryReader, addr uint64) (string, bool) {
	raw, err := readCString(r, addr)
	if err != nil || !strings.HasPrefix(raw, ".?A") {
		return "", false
	}
	return undecorateTypeDescriptor(raw)
}
