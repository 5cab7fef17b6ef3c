package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/primitives"
)

// Module names reported by the sandbox.
const (
	CoreModule = "System.Private.CoreLib"
	AppModule  = "Sandbox"
)

// MethodFunc implements a sandbox method. this is nil for statics and
// constructors receive the freshly allocated object.
type MethodFunc func(ctx context.Context, this *Object, args []any) (any, error)

// Method is a method with its implementation.
type Method struct {
	Dump   dumps.TypeMethod
	Static bool
	Fn     MethodFunc
}

func (m *Method) paramTypes() []string {
	out := make([]string, len(m.Dump.Parameters))
	for i, p := range m.Dump.Parameters {
		out[i] = p.Type
	}
	return out
}

// Type is a sandbox type. Fields hold zero values used for new objects.
type Type struct {
	Name     string
	Assembly string
	Parent   *Type
	Fields   []dumps.TypeField
	Methods  []*Method
	Ctors    []*Method
	Events   []dumps.TypeEvent
	Props    []dumps.TypeProperty
}

// Dump describes t and its ancestors.
func (t *Type) Dump() *dumps.TypeDump {
	td := &dumps.TypeDump{
		Type:       t.Name,
		Assembly:   t.Assembly,
		IsArray:    strings.HasSuffix(t.Name, "[]"),
		Fields:     append([]dumps.TypeField(nil), t.Fields...),
		Events:     append([]dumps.TypeEvent(nil), t.Events...),
		Properties: append([]dumps.TypeProperty(nil), t.Props...),
	}
	for _, m := range t.Methods {
		td.Methods = append(td.Methods, m.Dump)
	}
	for _, m := range t.Ctors {
		td.Constructors = append(td.Constructors, m.Dump)
	}
	if t.Parent != nil {
		td.ParentDump = t.Parent.Dump()
	}
	return td
}

// chain returns t then its ancestors.
func (t *Type) chain() []*Type {
	var out []*Type
	for c := t; c != nil; c = c.Parent {
		out = append(out, c)
	}
	return out
}

// field finds a field declared on t or an ancestor.
func (t *Type) field(name string) (dumps.TypeField, bool) {
	for _, c := range t.chain() {
		for _, f := range c.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return dumps.TypeField{}, false
}

// method finds the most derived overload of name matching paramTypes.
// A nil paramTypes matches by count against args.
func (t *Type) method(name string, args []any) (*Method, *Type, bool) {
	for _, c := range t.chain() {
		for _, m := range c.Methods {
			if m.Dump.Name == name && argsFit(m.Dump.Parameters, args) {
				return m, c, true
			}
		}
	}
	return nil, nil, false
}

// methodBySignature finds a method by exact parameter type names.
func (t *Type) methodBySignature(name string, params []string) (*Method, bool) {
	for _, c := range t.chain() {
		for _, m := range c.Methods {
			if m.Dump.Name != name {
				continue
			}
			if params == nil || equalStrings(m.paramTypes(), params) {
				return m, true
			}
		}
	}
	return nil, false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func argsFit(params []dumps.MethodParameter, args []any) bool {
	if len(params) != len(args) {
		return false
	}
	for i, p := range params {
		if args[i] == nil {
			continue
		}
		if o, ok := args[i].(*Object); ok {
			if !o.Type.is(p.Type) {
				return false
			}
			continue
		}
		if name, ok := primitives.TypeNameOf(args[i]); !ok || name != p.Type {
			return false
		}
	}
	return true
}

// is reports whether t is name or derives from it.
func (t *Type) is(name string) bool {
	if name == "System.Object" {
		return true
	}
	for _, c := range t.chain() {
		if c.Name == name {
			return true
		}
	}
	return false
}

func param(name, typ string) dumps.MethodParameter {
	asm := AppModule
	if strings.HasPrefix(typ, "System.") {
		asm = CoreModule
	}
	return dumps.MethodParameter{Name: name, Type: typ, Assembly: asm}
}

func method(name, ret string, fn MethodFunc, params ...dumps.MethodParameter) *Method {
	asm := AppModule
	if strings.HasPrefix(ret, "System.") {
		asm = CoreModule
	}
	return &Method{
		Dump: dumps.TypeMethod{
			Name:               name,
			Visibility:         "Public",
			ReturnTypeFullName: ret,
			ReturnTypeAssembly: asm,
			Parameters:         params,
		},
		Fn: fn,
	}
}

func field(name, typ string) dumps.TypeField {
	asm := AppModule
	if strings.HasPrefix(typ, "System.") {
		asm = CoreModule
	}
	return dumps.TypeField{Name: name, Visibility: "Public", TypeFullName: typ, Assembly: asm}
}

// builtinTypes returns the primitive types and System.Object.
func builtinTypes() []*Type {
	object := &Type{Name: "System.Object", Assembly: CoreModule}
	object.Methods = []*Method{
		method("ToString", primitives.TypeString, func(ctx context.Context, this *Object, args []any) (any, error) {
			if this.Value != nil {
				s, err := primitives.Encode(this.Value)
				return s, err
			}
			return this.Type.Name, nil
		}),
		method("GetHashCode", primitives.TypeInt32, func(ctx context.Context, this *Object, args []any) (any, error) {
			return this.Hash, nil
		}),
	}
	out := []*Type{object}
	for _, name := range []string{
		primitives.TypeBoolean, primitives.TypeChar, primitives.TypeSByte, primitives.TypeByte,
		primitives.TypeInt16, primitives.TypeUInt16, primitives.TypeInt32, primitives.TypeUInt32,
		primitives.TypeInt64, primitives.TypeUInt64, primitives.TypeSingle, primitives.TypeDouble,
		primitives.TypeString,
	} {
		out = append(out, &Type{Name: name, Assembly: CoreModule, Parent: object})
	}
	return out
}

// demoTypes builds Sandbox.Entity and Sandbox.Person.
func demoTypes(object *Type) []*Type {
	entity := &Type{
		Name:     "Sandbox.Entity",
		Assembly: AppModule,
		Parent:   object,
		Fields:   []dumps.TypeField{field("Id", primitives.TypeInt32)},
	}
	entity.Methods = []*Method{
		method("Describe", primitives.TypeString, func(ctx context.Context, this *Object, args []any) (any, error) {
			return fmt.Sprintf("%s#%v", this.Type.Name, this.Fields["Id"]), nil
		}),
	}

	person := &Type{
		Name:     "Sandbox.Person",
		Assembly: AppModule,
		Parent:   entity,
		Fields: []dumps.TypeField{
			field("Name", primitives.TypeString),
			field("age", primitives.TypeInt32),
			field("Friend", "Sandbox.Person"),
			field("Changed", "System.EventHandler"),
		},
		Props: []dumps.TypeProperty{
			{Name: "Age", GetVisibility: "Public", SetVisibility: "Public", TypeFullName: primitives.TypeInt32, Assembly: CoreModule},
		},
		Events: []dumps.TypeEvent{{Name: "Changed", TypeFullName: "System.EventHandler", Assembly: CoreModule}},
	}
	person.Ctors = []*Method{
		method(".ctor", "System.Void", func(ctx context.Context, this *Object, args []any) (any, error) {
			this.Fields["Name"] = args[0]
			this.Fields["age"] = args[1]
			return nil, nil
		}, param("name", primitives.TypeString), param("age", primitives.TypeInt32)),
	}
	person.Methods = []*Method{
		method("Greet", primitives.TypeString, func(ctx context.Context, this *Object, args []any) (any, error) {
			return fmt.Sprintf("Hello %v, I am %v", args[0], this.Fields["Name"]), nil
		}, param("other", primitives.TypeString)),
		method("Greet", primitives.TypeString, func(ctx context.Context, this *Object, args []any) (any, error) {
			other, _ := args[0].(*Object)
			if other == nil {
				return "Hello nobody", nil
			}
			return fmt.Sprintf("Hello %v, I am %v", other.Fields["Name"], this.Fields["Name"]), nil
		}, param("other", "Sandbox.Person")),
		method("get_Age", primitives.TypeInt32, func(ctx context.Context, this *Object, args []any) (any, error) {
			return this.Fields["age"], nil
		}),
		method("set_Age", "System.Void", func(ctx context.Context, this *Object, args []any) (any, error) {
			this.Fields["age"] = args[0]
			return nil, nil
		}, param("value", primitives.TypeInt32)),
		method("Birthday", primitives.TypeInt32, func(ctx context.Context, this *Object, args []any) (any, error) {
			age, _ := this.Fields["age"].(int32)
			age++
			this.Fields["age"] = age
			return age, nil
		}),
	}
	add := method("Add", primitives.TypeInt32, func(ctx context.Context, this *Object, args []any) (any, error) {
		x, _ := args[0].(int32)
		y, _ := args[1].(int32)
		return x + y, nil
	}, param("x", primitives.TypeInt32), param("y", primitives.TypeInt32))
	add.Static = true
	person.Methods = append(person.Methods, add)

	return []*Type{entity, person}
}
