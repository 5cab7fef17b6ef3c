package rtti

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"testing"
)

func TestClassName64(t *testing.T) {
	ti := newTestImage()
	vt := ti.addClass(".?AVLog@SPen@@", testBase+textRVA)
	snap := ti.snapshot(t)

	name, ok := ClassName64(snap, testBase+uint64(vt))
	if !ok || name != "SPen::Log" {
		t.Errorf("got (%q, %v), want SPen::Log", name, ok)
	}
	if _, ok := ClassName64(snap, testBase+textRVA); ok {
		t.Error("code address resolved to a class")
	}
}

func TestClassName32(t *testing.T) {
	const base = 0x400000
	mem := make([]byte, 0x4000)
	vt, col, td := uint32(0x1000), uint32(0x2000), uint32(0x3000)
	binary.LittleEndian.PutUint32(mem[vt-4:], base+col)
	binary.LittleEndian.PutUint32(mem[col+col32TypeDescriptor:], base+td)
	copy(mem[td+td32Name:], ".?AVWidget@@\x00")

	name, ok := ClassName32(NewSnapshot(base, mem), base+uint64(vt))
	if !ok || name != "Widget" {
		t.Errorf("got (%q, %v), want Widget", name, ok)
	}
}

func scanNames(types []TypeInfo) []string {
	var names []string
	for _, ty := range types {
		names = append(names, ty.Name)
	}
	sort.Strings(names)
	return names
}

func TestScanModule(t *testing.T) {
	ti := newTestImage()
	ti.addClass(".?AVtype_info@@", testBase+textRVA)
	fooVT := ti.addClass(".?AVFoo@@", testBase+textRVA+0x10)
	ti.addClass(".?AVBaz@Bar@@", testBase+textRVA+0x20)

	s := &Scanner{Reader: ti.snapshot(t)}
	types, err := s.ScanModule(testModule)
	if err != nil {
		t.Fatalf("ScanModule: %v", err)
	}
	got := scanNames(types)
	want := []string{"Bar::Baz", "Foo", "type_info"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, ty := range types {
		if ty.Name == "Foo" && (ty.Address != testBase+uint64(fooVT) || ty.Offset != uint64(fooVT) || ty.Module != "test.dll") {
			t.Errorf("Foo = %+v, want vftable at RVA 0x%x", ty, fooVT)
		}
	}
}

func TestScanModuleTypeInfoGate(t *testing.T) {
	ti := newTestImage()
	ti.addClass(".?AVFoo@@", testBase+textRVA)
	ti.addClass(".?AVBar@@", testBase+textRVA)
	// Pointer-looking garbage.
	for off := uint32(0x800); off < 0x900; off += 8 {
		ti.put64(rdataRVA+off, testBase+rdataRVA+uint64(off))
	}

	s := &Scanner{Reader: ti.snapshot(t)}
	types, err := s.ScanModule(testModule)
	if err != nil {
		t.Fatalf("ScanModule: %v", err)
	}
	if len(types) != 0 {
		t.Errorf("got %d types without type_info, want 0: %v", len(types), types)
	}
}

// multiReader serves reads from whichever snapshot holds the address.
type multiReader []*Snapshot

func (m multiReader) ReadMemory(addr uint64, buf []byte) error {
	for _, s := range m {
		if err := s.ReadMemory(addr, buf); err == nil {
			return nil
		}
	}
	return ErrOutOfRange
}

func TestScanModulesContinuesPastFailures(t *testing.T) {
	ti := newTestImage()
	ti.addClass(".?AVtype_info@@", testBase+textRVA)
	ti.addClass(".?AVFoo@@", testBase+textRVA)

	broken := Module{Name: "broken.dll", Base: 0x7ff000000000, Size: 0x1000}
	garbage := NewSnapshot(broken.Base, make([]byte, broken.Size))
	s := &Scanner{Reader: multiReader{ti.snapshot(t), garbage}, Workers: 2}

	res, err := s.ScanModules(context.Background(), []Module{broken, testModule})
	if err != nil {
		t.Fatalf("ScanModules: %v", err)
	}
	if _, ok := res["broken.dll"]; ok {
		t.Error("failed module should be absent")
	}
	if got := len(res["test.dll"]); got != 2 {
		t.Errorf("test.dll types = %d, want 2", got)
	}
}

func TestScanModulesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Scanner{Reader: newTestImage().snapshot(t)}
	if _, err := s.ScanModules(ctx, []Module{testModule}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestInstanceScanner(t *testing.T) {
	const base = 0x10000
	mem := make([]byte, 0x100)
	vftables := map[uint64]string{0xaaaa0: "Foo", 0xbbbb0: "Bar"}
	binary.LittleEndian.PutUint64(mem[0x10:], 0xaaaa0)
	binary.LittleEndian.PutUint64(mem[0x40:], 0xbbbb0)
	binary.LittleEndian.PutUint64(mem[0x80:], 0xaaaa0)
	// Unaligned copy is not an instance.
	binary.LittleEndian.PutUint64(mem[0x91:], 0xaaaa0)

	s := &InstanceScanner{Reader: NewSnapshot(base, mem)}
	regions := []Region{
		{Start: base, End: base + 0x100, Perms: "rw-p"},
		{Start: 0x900000, End: 0x901000, Perms: "rw-p"}, // unreadable
	}
	got, err := s.Find(context.Background(), regions, vftables)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	foo := got["Foo"]
	if len(foo) != 2 || foo[0] != base+0x10 || foo[1] != base+0x80 {
		t.Errorf("Foo = %x, want [%x %x]", foo, base+0x10, base+0x80)
	}
	if bar := got["Bar"]; len(bar) != 1 || bar[0] != base+0x40 {
		t.Errorf("Bar = %x, want [%x]", bar, base+0x40)
	}
}

func TestVftablesFromScan(t *testing.T) {
	m := Vftables([]TypeInfo{{Name: "Foo", Address: 0x10}, {Name: "Bar", Address: 0x20}})
	if m[0x10] != "Foo" || m[0x20] != "Bar" {
		t.Errorf("got %v", m)
	}
}

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		line string
		want Region
		ok   bool
	}{
		{"7f0000000000-7f0000001000 r-xp 00000000 08:01 1234 /usr/lib/libfoo.so",
			Region{Start: 0x7f0000000000, End: 0x7f0000001000, Perms: "r-xp", Path: "/usr/lib/libfoo.so"}, true},
		{"00400000-00401000 rw-p 00000000 00:00 0", Region{Start: 0x400000, End: 0x401000, Perms: "rw-p"}, true},
		{"garbage", Region{}, false},
		{"zz-10 r--p 0 0:0 0", Region{}, false},
	}
	for _, tt := range tests {
		got, ok := parseMapsLine(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseMapsLine(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}

	mods := modulesOf([]Region{
		{Start: 0x2000, End: 0x3000, Path: "/lib/a.so"},
		{Start: 0x1000, End: 0x2000, Path: "/lib/a.so"},
		{Start: 0x5000, End: 0x6000, Path: "[heap]"},
		{Start: 0x8000, End: 0x9000, Path: "/lib/b.so"},
	})
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
	if mods[0].Name != "a.so" || mods[0].Base != 0x1000 || mods[0].Size != 0x2000 {
		t.Errorf("a.so = %+v, want base 0x1000 size 0x2000", mods[0])
	}
}
