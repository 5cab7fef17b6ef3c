package remote

import (
	"context"
	"strings"
	"sync"

	"github.com/zboralski/remotenet/internal/dumps"
)

// Type is the controller-side proxy of one remote type. A Type is handed
// out as soon as it is reserved; its members are filled in afterwards and
// Ready is closed once they are complete.
type Type struct {
	key     Key
	isArray bool
	builtin bool
	ready   chan struct{}

	dump       *dumps.TypeDump
	parent     *Type
	methods    []*Method
	ctors      []*Method
	fields     []*Field
	properties []*Property
	events     []*Event
}

func newType(key Key, isArray bool) *Type {
	return &Type{key: key, isArray: isArray, ready: make(chan struct{})}
}

// Name is the full type name.
func (t *Type) Name() string { return t.key.Name }

// Assembly is the declaring assembly, empty for builtins.
func (t *Type) Assembly() string { return t.key.Assembly }

// Key is the cache identity.
func (t *Type) Key() Key { return t.key }

// IsArray reports whether the remote type is an array.
func (t *Type) IsArray() bool { return t.isArray }

// IsBuiltin reports whether the type resolved locally without a dump.
func (t *Type) IsBuiltin() bool { return t.builtin }

// Dump returns the dump the type was built from, nil for builtins.
func (t *Type) Dump() *dumps.TypeDump { return t.dump }

// Parent returns the base type proxy, nil at the root of the chain.
func (t *Type) Parent() *Type { return t.parent }

// Ready is closed once the type's members are populated.
func (t *Type) Ready() <-chan struct{} { return t.ready }

// Wait blocks until the type is populated.
func (t *Type) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Type) String() string { return t.key.String() }

// Ancestors returns t and its base types, most derived first. A chain that
// loops back on itself is cut at the repeat.
func (t *Type) Ancestors() []*Type {
	var chain []*Type
	seen := make(map[*Type]bool)
	for cur := t; cur != nil && !seen[cur]; cur = cur.parent {
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain
}

// DeclaredMethods returns the methods declared on t itself.
func (t *Type) DeclaredMethods() []*Method { return t.methods }

// Methods returns t's methods followed by inherited ones. An inherited
// method whose signature equals one already collected is hidden by it.
func (t *Type) Methods() []*Method {
	var all []*Method
	for _, cur := range t.Ancestors() {
		for _, m := range cur.methods {
			if shadowed(all, m) {
				continue
			}
			all = append(all, m)
		}
	}
	return all
}

func shadowed(existing []*Method, m *Method) bool {
	for _, e := range existing {
		if e.dump.SignaturesEqual(m.dump) {
			return true
		}
	}
	return false
}

// MethodsNamed returns every overload of name, inherited ones included.
func (t *Type) MethodsNamed(name string) []*Method {
	var out []*Method
	for _, m := range t.Methods() {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Constructors returns the declared constructors.
func (t *Type) Constructors() []*Method { return t.ctors }

// Fields returns declared and inherited fields.
func (t *Type) Fields() []*Field {
	var out []*Field
	for _, cur := range t.Ancestors() {
		out = append(out, cur.fields...)
	}
	return out
}

// Field looks up a field by name, searching base types too.
func (t *Type) Field(name string) (*Field, bool) {
	for _, f := range t.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Properties returns declared and inherited properties.
func (t *Type) Properties() []*Property {
	var out []*Property
	for _, cur := range t.Ancestors() {
		out = append(out, cur.properties...)
	}
	return out
}

// Property looks up a property by name, searching base types too.
func (t *Type) Property(name string) (*Property, bool) {
	for _, p := range t.Properties() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Events returns the declared events.
func (t *Type) Events() []*Event { return t.events }

// Param is one resolved method parameter.
type Param struct {
	Name string
	Type *Type
}

// Method is a method or constructor proxy. Its parameter and return types
// stay descriptors until first asked for, so building a type never pulls
// in the types its methods mention.
type Method struct {
	Name      string
	Declaring *Type
	IsCtor    bool
	dump      dumps.TypeMethod

	factory *Factory
	once    sync.Once
	ret     *Type
	params  []Param
	err     error
}

// Dump returns the method descriptor it was built from.
func (m *Method) Dump() dumps.TypeMethod { return m.dump }

func (m *Method) resolve() {
	m.once.Do(func() {
		m.ret, m.params, m.err = m.factory.signature(m)
	})
}

// ReturnType resolves the return type, dumping it from the target the
// first time. Constructors return nil.
func (m *Method) ReturnType() (*Type, error) {
	m.resolve()
	return m.ret, m.err
}

// Params resolves the parameter types, dumping them from the target the
// first time. The outcome, failure included, is remembered.
func (m *Method) Params() ([]Param, error) {
	m.resolve()
	return m.params, m.err
}

// ParamTypeNames returns the full names of the parameter types, the form
// used when registering hooks on one overload. It reads the descriptor and
// resolves nothing.
func (m *Method) ParamTypeNames() []string {
	out := make([]string, len(m.dump.Parameters))
	for i, p := range m.dump.Parameters {
		out[i] = p.Type
	}
	return out
}

// ReturnsVoid reports whether the method has no return value.
func (m *Method) ReturnsVoid() bool {
	return m.IsCtor || m.dump.ReturnTypeFullName == "" || m.dump.ReturnTypeFullName == VoidTypeName
}

func (m *Method) String() string {
	params := make([]string, len(m.dump.Parameters))
	for i, p := range m.dump.Parameters {
		params[i] = p.Type + " " + p.Name
	}
	ret := "void"
	if !m.IsCtor && m.dump.ReturnTypeFullName != "" {
		ret = m.dump.ReturnTypeFullName
	}
	return ret + " " + m.Declaring.Name() + "." + m.Name + "(" + strings.Join(params, ", ") + ")"
}

// Field is a resolved field.
type Field struct {
	Name      string
	Declaring *Type
	Type      *Type
}

// Property is a resolved property with its accessor methods, when the
// target reported them.
type Property struct {
	Name      string
	Declaring *Type
	Type      *Type
	Getter    *Method
	Setter    *Method
	dump      dumps.TypeProperty
}

// CanRead reports whether the target exposes a getter.
func (p *Property) CanRead() bool { return p.Getter != nil || p.dump.HasGetter() }

// CanWrite reports whether the target exposes a setter.
func (p *Property) CanWrite() bool { return p.Setter != nil || p.dump.HasSetter() }

// Event is a resolved event.
type Event struct {
	Name      string
	Declaring *Type
	Type      *Type
}
