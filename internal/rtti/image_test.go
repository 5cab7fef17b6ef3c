package rtti

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testBase  = 0x140000000
	textRVA   = 0x1000
	rdataRVA  = 0x2000
	dataRVA   = 0x3000
	imageSize = 0x4000
	secSize   = 0x1000
)

// testImage builds a small PE32+ image whose file layout equals its
// mapped layout, so the same bytes serve as file and as memory.
type testImage struct {
	buf       []byte
	exportRVA uint32
	exportLen uint32
	rdataNext uint32
	dataNext  uint32
}

func newTestImage() *testImage {
	return &testImage{buf: make([]byte, imageSize), rdataNext: rdataRVA + 0x100, dataNext: dataRVA + 0x100}
}

func (ti *testImage) put32(rva, v uint32) { binary.LittleEndian.PutUint32(ti.buf[rva:], v) }
func (ti *testImage) put64(rva uint32, v uint64) { binary.LittleEndian.PutUint64(ti.buf[rva:], v) }
func (ti *testImage) putStr(rva uint32, s string) { copy(ti.buf[rva:], s+"\x00") }

// addClass lays out a vftable with a complete object locator and type
// descriptor for decorated (".?AV...") and returns the vftable RVA.
func (ti *testImage) addClass(decorated string, slots ...uint64) uint32 {
	td := ti.dataNext
	ti.dataNext += 0x40
	ti.putStr(td+td64Name, decorated)

	col := ti.rdataNext
	ti.put32(col, 1)
	ti.put32(col+col64TypeDescriptor, td)
	ti.put32(col+col64Self, col)

	vt := col + 0x20
	ti.put64(vt-8, testBase+uint64(col))
	for i, s := range slots {
		ti.put64(vt+uint32(i)*8, s)
	}
	ti.rdataNext = vt + uint32(len(slots)+1)*8 + 0x10
	return vt
}

// addExports writes an export directory naming each address.
func (ti *testImage) addExports(names []string, rvas []uint32) {
	n := uint32(len(names))
	dir := ti.rdataNext
	funcs := dir + 40
	nameTab := funcs + 4*n
	ords := nameTab + 4*n
	str := ords + 2*n
	ti.put32(dir+expBase, 1)
	ti.put32(dir+expNumFunctions, n)
	ti.put32(dir+expNumNames, n)
	ti.put32(dir+expFunctions, funcs)
	ti.put32(dir+expNames, nameTab)
	ti.put32(dir+expOrdinals, ords)
	for i, name := range names {
		ti.put32(funcs+uint32(i)*4, rvas[i])
		ti.put32(nameTab+uint32(i)*4, str)
		binary.LittleEndian.PutUint16(ti.buf[ords+uint32(i)*2:], uint16(i))
		ti.putStr(str, name)
		str += uint32(len(name)) + 1
	}
	ti.exportRVA = dir
	ti.exportLen = str - dir
	ti.rdataNext = (str + 0xf) &^ 0xf
}

func (ti *testImage) bytes(t *testing.T) []byte {
	t.Helper()
	out := make([]byte, imageSize)
	copy(out, ti.buf)

	var w bytes.Buffer
	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	w.Write(dos)
	w.WriteString("PE\x00\x00")

	secs := []struct {
		name string
		rva  uint32
	}{{".text", textRVA}, {".rdata", rdataRVA}, {".data", dataRVA}}
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: 240,
		Characteristics:      0x2022,
	}
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           testBase,
		SectionAlignment:    secSize,
		FileAlignment:       secSize,
		SizeOfImage:         imageSize,
		SizeOfHeaders:       0x400,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: ti.exportRVA, Size: ti.exportLen}
	if err := binary.Write(&w, binary.LittleEndian, fh); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&w, binary.LittleEndian, oh); err != nil {
		t.Fatal(err)
	}
	for _, s := range secs {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.name)
		sh.VirtualSize = secSize
		sh.VirtualAddress = s.rva
		sh.SizeOfRawData = secSize
		sh.PointerToRawData = s.rva
		if err := binary.Write(&w, binary.LittleEndian, sh); err != nil {
			t.Fatal(err)
		}
	}
	copy(out, w.Bytes())
	return out
}

func (ti *testImage) snapshot(t *testing.T) *Snapshot {
	return NewSnapshot(testBase, ti.bytes(t))
}

var testModule = Module{Name: "test.dll", Base: testBase, Size: imageSize}

func TestSections(t *testing.T) {
	snap := newTestImage().snapshot(t)
	secs, err := Sections(snap, testBase)
	if err != nil {
		t.Fatalf("Sections: %v", err)
	}
	if len(secs) != 3 {
		t.Fatalf("got %d sections, want 3", len(secs))
	}
	if secs[1].Name != ".rdata" || secs[1].Address != testBase+rdataRVA || secs[1].Size != secSize {
		t.Errorf("got %v, want .rdata at 0x%x", secs[1], testBase+rdataRVA)
	}

	filtered := FilterRTTISections(append(secs, Section{Name: ".rtti"}, Section{Name: "CODE"}))
	var names []string
	for _, s := range filtered {
		names = append(names, s.Name)
	}
	want := []string{".rdata", ".data", ".rtti"}
	if len(names) != len(want) {
		t.Fatalf("filtered = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("filtered[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestMapImage(t *testing.T) {
	ti := newTestImage()
	ti.putStr(dataRVA+0x10, "hello")
	img, err := MapImage("test.dll", ti.bytes(t))
	if err != nil {
		t.Fatalf("MapImage: %v", err)
	}
	if img.Module.Base != testBase || img.Module.Size != imageSize {
		t.Errorf("module = %v, want base 0x%x size 0x%x", img.Module, testBase, imageSize)
	}
	if img.Header.Is32 {
		t.Error("PE32+ image reported as 32-bit")
	}
	s, err := readCString(img, testBase+dataRVA+0x10)
	if err != nil || s != "hello" {
		t.Errorf("got (%q, %v), want hello", s, err)
	}
	if img.Header.Sections[2].Address != testBase+dataRVA {
		t.Errorf(".data at 0x%x, want 0x%x", img.Header.Sections[2].Address, testBase+dataRVA)
	}
}

func TestSnapshotBounds(t *testing.T) {
	s := NewSnapshot(0x1000, make([]byte, 16))
	tests := []struct {
		addr uint64
		n    int
		ok   bool
	}{
		{0x1000, 16, true},
		{0x1008, 8, true},
		{0x1010, 0, true},
		{0x0fff, 1, false},
		{0x1009, 8, false},
		{0x1011, 1, false},
		{^uint64(0), 2, false},
	}
	for _, tt := range tests {
		err := s.ReadMemory(tt.addr, make([]byte, tt.n))
		if (err == nil) != tt.ok {
			t.Errorf("ReadMemory(0x%x, %d) = %v, want ok=%v", tt.addr, tt.n, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ReadMemory(0x%x, %d) = %v, want ErrOutOfRange", tt.addr, tt.n, err)
		}
	}
}
