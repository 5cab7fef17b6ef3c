package dumps

import (
	"encoding/json"
	"testing"
)

func method(name string, params ...MethodParameter) TypeMethod {
	return TypeMethod{Name: name, ReturnTypeFullName: "System.Void", Parameters: params}
}

func param(name, typ string) MethodParameter {
	return MethodParameter{Name: name, Type: typ}
}

func TestSignaturesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b TypeMethod
		want bool
	}{
		{"same", method("Foo", param("x", "System.Int32")), method("Foo", param("x", "System.Int32")), true},
		{"different name", method("Foo"), method("Bar"), false},
		{"different count", method("Foo", param("x", "System.Int32")), method("Foo"), false},
		{"different type", method("Foo", param("x", "System.Int32")), method("Foo", param("x", "System.Int64")), false},
		{"different param name", method("Foo", param("x", "System.Int32")), method("Foo", param("y", "System.Int32")), false},
		{"no params", method("Foo"), method("Foo"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.SignaturesEqual(tt.b); got != tt.want {
				t.Errorf("SignaturesEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAncestors(t *testing.T) {
	base := &TypeDump{Type: "Base"}
	mid := &TypeDump{Type: "Mid", ParentDump: base}
	leaf := &TypeDump{Type: "Leaf", ParentDump: mid}

	chain := leaf.Ancestors()
	if len(chain) != 3 {
		t.Fatalf("got %d ancestors, want 3", len(chain))
	}
	for i, want := range []string{"Leaf", "Mid", "Base"} {
		if chain[i].Type != want {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].Type, want)
		}
	}

	// A malformed self-referencing dump must not loop forever.
	loop := &TypeDump{Type: "Loop"}
	loop.ParentDump = loop
	if got := len(loop.Ancestors()); got != 1 {
		t.Errorf("self-loop ancestors = %d, want 1", got)
	}
}

func TestFindFieldSearchesParents(t *testing.T) {
	base := &TypeDump{Type: "Base", Fields: []TypeField{{Name: "id", TypeFullName: "System.Int32"}}}
	leaf := &TypeDump{Type: "Leaf", ParentDump: base}

	f, ok := leaf.FindField("id")
	if !ok {
		t.Fatal("field id not found through parent")
	}
	if f.TypeFullName != "System.Int32" {
		t.Errorf("got %s, want System.Int32", f.TypeFullName)
	}
	if _, ok := leaf.FindField("missing"); ok {
		t.Error("found a field that does not exist")
	}
}

func TestIsGeneric(t *testing.T) {
	m := method("Get")
	if m.IsGeneric() {
		t.Error("plain method reported generic")
	}
	m.GenericArgs = []string{"T"}
	if !m.IsGeneric() {
		t.Error("method with generic args not reported generic")
	}
	m2 := method("Put", MethodParameter{Name: "v", Type: "T", IsGenericParameter: true})
	if !m2.IsGeneric() {
		t.Error("method with generic parameter not reported generic")
	}
}

func TestObjectTypeJSON(t *testing.T) {
	b, err := json.Marshal(ObjectDump{ObjectType: Primitive, PrimitiveValue: "42"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ObjectDump
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ObjectType != Primitive {
		t.Errorf("ObjectType = %v, want Primitive", back.ObjectType)
	}

	// Numeric form is accepted too.
	if err := json.Unmarshal([]byte(`{"ObjectType":3}`), &back); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	if back.ObjectType != Array {
		t.Errorf("ObjectType = %v, want Array", back.ObjectType)
	}
}

func TestDiverErrorWireNames(t *testing.T) {
	b, _ := json.Marshal(DiverError{Error: "boom", StackTrace: "st"})
	if string(b) != `{"error":"boom","stackTrace":"st"}` {
		t.Errorf("got %s", b)
	}
}

func TestNullReference(t *testing.T) {
	if !Null().IsNull() {
		t.Error("Null() is not null")
	}
	if FromToken(0x10, "Foo").IsNull() {
		t.Error("non-zero token reported null")
	}
	if FromEncoded("0", "System.Int32").IsNull() {
		t.Error("encoded primitive reported null")
	}
}
