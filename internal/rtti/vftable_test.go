package rtti

import "testing"

func TestExports(t *testing.T) {
	ti := newTestImage()
	ti.addExports([]string{"?bar@Foo@@QEAAHH@Z", "init"}, []uint32{textRVA + 0x10, textRVA + 0x20})
	exps, err := Exports(ti.snapshot(t), testBase)
	if err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if len(exps) != 2 {
		t.Fatalf("got %d exports, want 2", len(exps))
	}
	if exps[0].Name != "?bar@Foo@@QEAAHH@Z" || exps[0].Address != testBase+textRVA+0x10 || exps[0].Ordinal != 1 {
		t.Errorf("exports[0] = %+v", exps[0])
	}
	if exps[1].Name != "init" || exps[1].Ordinal != 2 {
		t.Errorf("exports[1] = %+v", exps[1])
	}
}

func TestExportsNone(t *testing.T) {
	exps, err := Exports(newTestImage().snapshot(t), testBase)
	if err != nil || len(exps) != 0 {
		t.Errorf("got (%v, %v), want no exports", exps, err)
	}
}

// vftableImage lays out Foo with an exported vftable whose slots point at
// an exported member, an inherited function and one unknown address.
func vftableImage(t *testing.T) (*Snapshot, uint64) {
	t.Helper()
	const (
		bar   = textRVA + 0x10
		baz   = textRVA + 0x20
		qux   = textRVA + 0x30
		vfunc = textRVA + 0x40
		anon  = textRVA + 0x80
	)
	ti := newTestImage()
	vt := ti.addClass(".?AVFoo@@",
		testBase+baz, testBase+vfunc, testBase+qux, testBase+anon, testBase+bar)
	ti.addExports(
		[]string{"??_7Foo@@6B@", "?bar@Foo@@QEAAHH@Z", "?baz@Foo@@UEAAXXZ", "?qux@Foo@@UEAAXXZ", "?vfunc@Base@@UEAAXXZ"},
		[]uint32{vt, bar, baz, qux, vfunc},
	)
	return ti.snapshot(t), testBase + uint64(vt)
}

func TestAnalyzeVftable(t *testing.T) {
	snap, vt := vftableImage(t)
	cache, err := NewExportsCache(snap, 4)
	if err != nil {
		t.Fatal(err)
	}
	exports, err := cache.Get(testModule)
	if err != nil {
		t.Fatalf("exports: %v", err)
	}

	got := AnalyzeVftable(snap, false, exports, vt)
	want := []string{"Foo::baz", "Base::vfunc", "Foo::qux"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].UndecoratedName != want[i] {
			t.Errorf("slot %d = %s, want %s", i, got[i].UndecoratedName, want[i])
		}
	}
}

func TestTypeFunctions(t *testing.T) {
	snap, _ := vftableImage(t)
	cache, _ := NewExportsCache(snap, 4)
	exports, err := cache.Get(testModule)
	if err != nil {
		t.Fatalf("exports: %v", err)
	}

	funcs := TypeFunctions(snap, false, exports, "Foo")
	count := make(map[string]int)
	for _, f := range funcs {
		count[f.UndecoratedName]++
	}
	want := map[string]int{"Foo::bar": 1, "Foo::baz": 1, "Foo::qux": 1, "Base::vfunc": 1}
	if len(count) != len(want) {
		t.Fatalf("got %v, want %v", count, want)
	}
	for name, n := range want {
		if count[name] != n {
			t.Errorf("%s appears %d times, want %d", name, count[name], n)
		}
	}
	if _, ok := count["Foo::`vftable'"]; ok {
		t.Error("vftable symbol listed as a function")
	}
}

func TestExportsCacheHit(t *testing.T) {
	snap, _ := vftableImage(t)
	cache, _ := NewExportsCache(snap, 1)
	first, err := cache.Get(testModule)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := cache.Get(testModule)
	if len(first) == 0 || &first[0] != &second[0] {
		t.Error("second Get did not hit the cache")
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want 1", cache.Len())
	}
}
