package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/primitives"
)

var (
	// ErrNotPrimitive is returned for an argument that is neither a remote
	// object nor an encodable primitive.
	ErrNotPrimitive = primitives.ErrNotPrimitive
	// ErrNotSettable is returned when writing a member the target reports
	// without a setter.
	ErrNotSettable = errors.New("member is not settable")
	// ErrNotReadable is returned when reading a member without a getter.
	ErrNotReadable = errors.New("member is not readable")
	// ErrNoSuchMember is returned for unknown member names.
	ErrNoSuchMember = errors.New("no such member")
	// ErrNoOverload is returned when no overload accepts the arguments.
	ErrNoOverload = errors.New("no matching overload")
)

// Kind tags a member's closures.
type Kind int

// Member kinds.
const (
	FieldMember Kind = iota
	PropertyMember
	MethodMember
	EventMember
)

func (k Kind) String() string {
	switch k {
	case FieldMember:
		return "field"
	case PropertyMember:
		return "property"
	case MethodMember:
		return "method"
	case EventMember:
		return "event"
	}
	return "unknown"
}

// Getter reads a member value.
type Getter func(ctx context.Context) (any, error)

// Setter writes a member value.
type Setter func(ctx context.Context, v any) error

// Invoker calls one method overload.
type Invoker func(ctx context.Context, args []any) (any, error)

// Overload is one callable signature of a method member.
type Overload struct {
	Method dumps.TypeMethod
	Invoke Invoker
}

// Member is one entry of an object's member table. Only the closures that
// match Kind are set; a property without a remote setter has a nil Set.
type Member struct {
	Name      string
	Kind      Kind
	TypeName  string
	Get       Getter
	Set       Setter
	Overloads []Overload
}

// Object is the local stand-in for a remote object.
type Object struct {
	ref     *RemoteObjectRef
	members map[string]*Member
}

func newObject(ref *RemoteObjectRef) *Object {
	return &Object{ref: ref, members: make(map[string]*Member)}
}

// Ref returns the underlying handle.
func (o *Object) Ref() *RemoteObjectRef { return o.ref }

// Type returns the remote type's dump.
func (o *Object) Type() *dumps.TypeDump { return o.ref.TypeDump() }

// Close unpins the remote object.
func (o *Object) Close(ctx context.Context) error { return o.ref.Close(ctx) }

// Member returns the table entry for name.
func (o *Object) Member(name string) (*Member, bool) {
	m, ok := o.members[name]
	return m, ok
}

// Members returns the member names, sorted.
func (o *Object) Members() []string {
	names := make([]string, 0, len(o.members))
	for n := range o.members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasMember reports whether name is in the table.
func (o *Object) HasMember(name string) bool {
	_, ok := o.members[name]
	return ok
}

// TryGetMember reads a field or property.
func (o *Object) TryGetMember(ctx context.Context, name string) (any, error) {
	m, ok := o.members[name]
	if !ok {
		return nil, fmt.Errorf("get %s.%s: %w", o.ref.TypeName(), name, ErrNoSuchMember)
	}
	switch {
	case m.Kind == EventMember:
		return nil, fmt.Errorf("get event %s: %w", name, ErrNotImplemented)
	case m.Kind == MethodMember:
		return nil, fmt.Errorf("get method %s: %w", name, ErrNotReadable)
	case m.Get == nil:
		return nil, fmt.Errorf("get %s: %w", name, ErrNotReadable)
	}
	return m.Get(ctx)
}

// TrySetMember writes a field or property.
func (o *Object) TrySetMember(ctx context.Context, name string, v any) error {
	m, ok := o.members[name]
	if !ok {
		return fmt.Errorf("set %s.%s: %w", o.ref.TypeName(), name, ErrNoSuchMember)
	}
	if m.Set == nil {
		return fmt.Errorf("set %s %s: %w", m.Kind, name, ErrNotSettable)
	}
	return m.Set(ctx, v)
}

// TryInvoke calls a method. The overload is chosen by argument count and,
// when several share a count, by the encoded type of each primitive
// argument. A plain Go int has no remote type of its own: an overload whose
// types match exactly wins, otherwise the int fits any integral parameter it
// is in range of and is sent as that parameter's type.
func (o *Object) TryInvoke(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := o.members[name]
	if !ok || m.Kind != MethodMember {
		return nil, fmt.Errorf("invoke %s.%s: %w", o.ref.TypeName(), name, ErrNoSuchMember)
	}
	ov, err := selectOverload(m.Overloads, args)
	if err != nil {
		return nil, fmt.Errorf("invoke %s.%s: %w", o.ref.TypeName(), name, err)
	}
	return ov.Invoke(ctx, args)
}

func selectOverload(overloads []Overload, args []any) (Overload, error) {
	var byCount []Overload
	for _, ov := range overloads {
		if len(ov.Method.Parameters) == len(args) {
			byCount = append(byCount, ov)
		}
	}
	switch len(byCount) {
	case 0:
		return Overload{}, fmt.Errorf("%d arguments: %w", len(args), ErrNoOverload)
	case 1:
		return byCount[0], nil
	}
	for _, loose := range []bool{false, true} {
		for _, ov := range byCount {
			if argsMatch(ov.Method.Parameters, args, loose) {
				return ov, nil
			}
		}
	}
	return Overload{}, fmt.Errorf("%d arguments, no type match: %w", len(args), ErrNoOverload)
}

// argsMatch compares primitive arguments with the parameter types. When
// loose is set a plain int also matches an integral parameter that can hold
// it.
func argsMatch(params []dumps.MethodParameter, args []any, loose bool) bool {
	for i, a := range args {
		if a == nil {
			continue
		}
		if n, ok := a.(int); ok && loose && primitives.IsIntegralTypeName(params[i].Type) {
			if _, err := primitives.FitInt(n, params[i].Type); err != nil {
				return false
			}
			continue
		}
		name, prim := primitives.TypeNameOf(a)
		if !prim {
			// Remote references fit any non-primitive parameter.
			if primitives.IsPrimitiveTypeName(params[i].Type) || primitives.IsPrimitiveArrayTypeName(params[i].Type) {
				return false
			}
			continue
		}
		if name != params[i].Type {
			return false
		}
	}
	return true
}

// toRemote turns a local argument into its wire form: remote objects by
// token, primitives encoded, nil as the null reference.
func toRemote(arg any) (dumps.ObjectOrRemoteAddress, error) {
	switch a := arg.(type) {
	case nil:
		return dumps.Null(), nil
	case *Object:
		return dumps.FromToken(a.ref.Address(), a.ref.TypeName()), nil
	case *RemoteObjectRef:
		return dumps.FromToken(a.Address(), a.TypeName()), nil
	case dumps.ObjectOrRemoteAddress:
		return a, nil
	}
	ora, err := primitives.ToRemote(arg)
	if err != nil {
		return dumps.ObjectOrRemoteAddress{}, fmt.Errorf("argument %T: %w", arg, ErrNotPrimitive)
	}
	return ora, nil
}

// fitInts retypes plain int arguments as the integral parameters they are
// passed to.
func fitInts(params []dumps.MethodParameter, args []any) ([]any, error) {
	var out []any
	for i, a := range args {
		n, ok := a.(int)
		if !ok || i >= len(params) || !primitives.IsIntegralTypeName(params[i].Type) {
			continue
		}
		v, err := primitives.FitInt(n, params[i].Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if out == nil {
			out = append([]any(nil), args...)
		}
		out[i] = v
	}
	if out == nil {
		return args, nil
	}
	return out, nil
}

// Marshal converts local arguments to their wire form.
func Marshal(args ...any) ([]dumps.ObjectOrRemoteAddress, error) {
	return toRemoteAll(args)
}

func toRemoteAll(args []any) ([]dumps.ObjectOrRemoteAddress, error) {
	out := make([]dumps.ObjectOrRemoteAddress, len(args))
	for i, a := range args {
		ora, err := toRemote(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = ora
	}
	return out, nil
}

// decodeResult turns an invocation result into a local value. Void and
// null map to nil; a live remote object is a capability gap.
func decodeResult(res *dumps.InvocationResults) (any, error) {
	if res == nil || res.VoidReturnType || res.ReturnedObjectOrAddress == nil {
		return nil, nil
	}
	ret := *res.ReturnedObjectOrAddress
	if ret.IsNull() {
		return nil, nil
	}
	if ret.IsRemoteAddress {
		return nil, fmt.Errorf("non-primitive result %s: %w", ret, ErrNotImplemented)
	}
	return primitives.Decode(ret.EncodedObject, ret.Type)
}
