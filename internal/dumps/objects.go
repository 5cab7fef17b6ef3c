package dumps

import (
	"encoding/json"
	"fmt"
)

// ObjectType classifies a dumped object.
type ObjectType int

// Object kinds.
const (
	Unknown ObjectType = iota
	Primitive
	NonPrimitive
	Array
)

func (t ObjectType) String() string {
	switch t {
	case Primitive:
		return "Primitive"
	case NonPrimitive:
		return "NonPrimitive"
	case Array:
		return "Array"
	}
	return "Unknown"
}

// MarshalJSON writes the kind by name.
func (t ObjectType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the name or the numeric value.
func (t *ObjectType) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*t = ObjectType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("object type: %w", err)
	}
	switch s {
	case "Primitive":
		*t = Primitive
	case "NonPrimitive":
		*t = NonPrimitive
	case "Array":
		*t = Array
	default:
		*t = Unknown
	}
	return nil
}

// MemberDump is one field or property value in an ObjectDump.
type MemberDump struct {
	Name            string
	HasEncodedValue bool
	EncodedValue    string `json:",omitempty"`
	RetrievalError  string `json:",omitempty"`
}

// ObjectDump is a snapshot of one live object.
type ObjectDump struct {
	ObjectType       ObjectType
	SubObjectsType   ObjectType
	RetrievalAddress uint64
	// PinnedAddress stays valid until the object is unpinned.
	PinnedAddress   uint64
	Type            string
	PrimitiveValue  string `json:",omitempty"`
	SubObjectsCount int
	Fields          []MemberDump
	Properties      []MemberDump
	HashCode        int32
}

// HeapObject is one instance in a HeapDump.
type HeapObject struct {
	Address     uint64
	Type        string
	HashCode    int32
	MethodTable uint64
}

// HeapDump lists instances found on the target's heap.
type HeapDump struct {
	Objects []HeapObject
}

// AvailableDomain is one domain (or native module group) of the target.
type AvailableDomain struct {
	Name             string
	AvailableModules []string
}

// DomainsDump lists the target's domains.
type DomainsDump struct {
	Current          string
	AvailableDomains []AvailableDomain
}
