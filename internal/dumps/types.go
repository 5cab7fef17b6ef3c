// Package dumps holds the data-only descriptors exchanged with a target process:
// type and object snapshots, heap listings and the request/response bodies of
// every endpoint.
package dumps

import (
	"fmt"
	"strings"
)

// TypeDump is a snapshot of one remote type's shape.
type TypeDump struct {
	Type         string
	Assembly     string
	IsArray      bool
	ParentDump   *TypeDump `json:",omitempty"`
	Methods      []TypeMethod
	Constructors []TypeMethod
	Fields       []TypeField
	Events       []TypeEvent
	Properties   []TypeProperty
}

// MethodParameter describes one parameter of a TypeMethod.
type MethodParameter struct {
	Name               string
	Type               string
	Assembly           string
	IsGenericType      bool
	IsGenericParameter bool
}

func (p MethodParameter) String() string {
	return p.Type + " " + p.Name
}

// TypeMethod describes a method or constructor.
type TypeMethod struct {
	Name               string
	Visibility         string
	ReturnTypeFullName string
	ReturnTypeAssembly string
	GenericArgs        []string
	Parameters         []MethodParameter
}

// SignaturesEqual reports whether both methods share a name and the same
// sequence of parameter names and types.
func (m TypeMethod) SignaturesEqual(other TypeMethod) bool {
	if m.Name != other.Name {
		return false
	}
	if len(m.Parameters) != len(other.Parameters) {
		return false
	}
	for i := range m.Parameters {
		a, b := m.Parameters[i], other.Parameters[i]
		if a.Name != b.Name || a.Type != b.Type {
			return false
		}
	}
	return true
}

// IsGeneric reports whether the method carries generic arguments or
// generic parameters that the controller cannot bind.
func (m TypeMethod) IsGeneric() bool {
	if len(m.GenericArgs) > 0 {
		return true
	}
	for _, p := range m.Parameters {
		if p.IsGenericParameter {
			return true
		}
	}
	return false
}

func (m TypeMethod) String() string {
	params := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s %s(%s)", m.ReturnTypeFullName, m.Name, strings.Join(params, ","))
}

// TypeField describes a field.
type TypeField struct {
	Name         string
	Visibility   string
	TypeFullName string
	Assembly     string
}

// TypeProperty describes a property. An empty visibility means the accessor
// does not exist.
type TypeProperty struct {
	Name          string
	GetVisibility string `json:",omitempty"`
	SetVisibility string `json:",omitempty"`
	TypeFullName  string
	Assembly      string
}

// HasGetter reports whether the property can be read.
func (p TypeProperty) HasGetter() bool { return p.GetVisibility != "" }

// HasSetter reports whether the property can be written.
func (p TypeProperty) HasSetter() bool { return p.SetVisibility != "" }

// TypeEvent describes an event.
type TypeEvent struct {
	Name         string
	TypeFullName string
	Assembly     string
}

// Ancestors returns the dump chain from the most-derived type to the root.
// The chain is walked iteratively; CLR hierarchies are acyclic but a
// malformed dump that points back at itself is cut at the repeat.
func (d *TypeDump) Ancestors() []*TypeDump {
	var chain []*TypeDump
	seen := make(map[*TypeDump]bool)
	for cur := d; cur != nil && !seen[cur]; cur = cur.ParentDump {
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain
}

// FindMethods returns every method named name declared directly on d.
func (d *TypeDump) FindMethods(name string) []TypeMethod {
	var out []TypeMethod
	for _, m := range d.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// FindField returns the field named name, searching ancestors too.
func (d *TypeDump) FindField(name string) (TypeField, bool) {
	for _, t := range d.Ancestors() {
		for _, f := range t.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return TypeField{}, false
}

// FindProperty returns the property named name, searching ancestors too.
func (d *TypeDump) FindProperty(name string) (TypeProperty, bool) {
	for _, t := range d.Ancestors() {
		for _, p := range t.Properties {
			if p.Name == name {
				return p, true
			}
		}
	}
	return TypeProperty{}, false
}

// TypeDumpRequest asks for a type either by assembly+name or by method table.
type TypeDumpRequest struct {
	Assembly           string `json:",omitempty"`
	TypeFullName       string `json:",omitempty"`
	MethodTableAddress int64  `json:",omitempty"`
}

// TypeIdentifiers is one entry of a TypesDump.
type TypeIdentifiers struct {
	Assembly         string
	FullTypeName     string
	XoredMethodTable *uint64 `json:",omitempty"`
}

// MethodTableXorMask hides raw method table values on the wire.
const MethodTableXorMask = 0xaabbccdd

// TypesDump lists types matching a filter.
type TypesDump struct {
	Types []TypeIdentifiers
}

// CandidateType identifies a type before its shape is dumped.
type CandidateType struct {
	Runtime      Runtime
	TypeFullName string
	Assembly     string
	MethodTable  *uint64 `json:",omitempty"`
}

// CandidateObject identifies an object before it is dumped. The address is
// only meaningful until the target's next GC.
type CandidateObject struct {
	Runtime      Runtime
	Address      uint64
	TypeFullName string
	HashCode     int32
}

// Runtime tells which runtime owns a type or object.
type Runtime string

// Runtimes.
const (
	Managed   Runtime = "Managed"
	Unmanaged Runtime = "Unmanaged"
)
