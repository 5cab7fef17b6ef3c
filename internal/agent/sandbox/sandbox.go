// Package sandbox is an in-memory target with a small managed-like object
// model: typed objects on a moving heap, pinning, reflection dumps, method
// invocation and hooks dispatched through a hooking.Center.
package sandbox

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/agent"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/primitives"
)

// Sandbox implements agent.Target.
type Sandbox struct {
	heap   *Heap
	center *hooking.Center
	log    *glog.Logger

	mu        sync.RWMutex
	types     map[string]*Type
	installed map[string]bool
}

var _ agent.Target = (*Sandbox)(nil)

// New creates a sandbox with the builtin and demo types registered and an
// empty heap. Hooked methods dispatch through center.
func New(center *hooking.Center, logger *glog.Logger) *Sandbox {
	if logger == nil {
		logger = glog.Get()
	}
	s := &Sandbox{
		heap:      NewHeap(),
		center:    center,
		log:       logger.WithCategory("sandbox"),
		types:     make(map[string]*Type),
		installed: make(map[string]bool),
	}
	builtins := builtinTypes()
	for _, t := range builtins {
		s.Register(t)
	}
	for _, t := range demoTypes(builtins[0]) {
		s.Register(t)
	}
	return s
}

// Register adds or replaces a type.
func (s *Sandbox) Register(t *Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[t.Name] = t
}

// Lookup finds a type by full name.
func (s *Sandbox) Lookup(name string) (*Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[name]
	return t, ok
}

// Installed reports whether a detour is patched in for hookID.
func (s *Sandbox) Installed(hookID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installed[hookID]
}

// Box allocates a boxed primitive.
func (s *Sandbox) Box(v any) (uint64, error) {
	name, ok := primitives.TypeNameOf(v)
	if !ok {
		return 0, fmt.Errorf("box %T: %w", v, primitives.ErrNotPrimitive)
	}
	t, ok := s.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("box %s: %w", name, agent.ErrNotFound)
	}
	return s.heap.Alloc(&Object{Type: t, Value: v}), nil
}

// NewObject allocates an object of typeName with zero-valued fields.
func (s *Sandbox) NewObject(typeName string) (*Object, uint64, error) {
	t, ok := s.Lookup(typeName)
	if !ok {
		return nil, 0, fmt.Errorf("type %s: %w", typeName, agent.ErrNotFound)
	}
	o := &Object{Type: t, Fields: make(map[string]any)}
	for _, c := range t.chain() {
		for _, f := range c.Fields {
			o.Fields[f.Name] = zeroValue(f.TypeFullName)
		}
	}
	return o, s.heap.Alloc(o), nil
}

func zeroValue(typeName string) any {
	if typeName == primitives.TypeString {
		return nil
	}
	v, err := primitives.Decode("0", typeName)
	if err != nil {
		if typeName == primitives.TypeBoolean {
			return false
		}
		return nil
	}
	return v
}

func (s *Sandbox) Domains(ctx context.Context) (*dumps.DomainsDump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mods := map[string]bool{}
	for _, t := range s.types {
		mods[t.Assembly] = true
	}
	names := make([]string, 0, len(mods))
	for m := range mods {
		names = append(names, m)
	}
	sort.Strings(names)
	return &dumps.DomainsDump{
		Current:          "sandbox",
		AvailableDomains: []dumps.AvailableDomain{{Name: "sandbox", AvailableModules: names}},
	}, nil
}

// matchFilter accepts an exact name or a path.Match pattern. Empty matches
// everything.
func matchFilter(filter, name string) bool {
	if filter == "" || filter == name {
		return true
	}
	ok, err := path.Match(filter, name)
	return err == nil && ok
}

// Objects returns the sandbox heap.
func (s *Sandbox) Objects() *Heap { return s.heap }

func (s *Sandbox) Heap(ctx context.Context, filter string, hashcodes bool) (*dumps.HeapDump, error) {
	out := &dumps.HeapDump{Objects: []dumps.HeapObject{}}
	s.heap.Each(func(addr uint64, o *Object) {
		if !matchFilter(filter, o.Type.Name) {
			return
		}
		ho := dumps.HeapObject{Address: addr, Type: o.Type.Name, MethodTable: methodTable(o.Type)}
		if hashcodes {
			ho.HashCode = o.Hash
		}
		out.Objects = append(out.Objects, ho)
	})
	return out, nil
}

// methodTable fakes a stable per-type method table value.
func methodTable(t *Type) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(t.Name); i++ {
		h ^= uint64(t.Name[i])
		h *= 1099511628211
	}
	return h &^ 0xf
}

func (s *Sandbox) Types(ctx context.Context, filter, importerModule string) (*dumps.TypesDump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &dumps.TypesDump{Types: []dumps.TypeIdentifiers{}}
	for _, t := range s.types {
		if !matchFilter(filter, t.Name) {
			continue
		}
		if importerModule != "" && t.Assembly != importerModule {
			continue
		}
		mt := methodTable(t) ^ dumps.MethodTableXorMask
		out.Types = append(out.Types, dumps.TypeIdentifiers{Assembly: t.Assembly, FullTypeName: t.Name, XoredMethodTable: &mt})
	}
	sort.Slice(out.Types, func(i, j int) bool { return out.Types[i].FullTypeName < out.Types[j].FullTypeName })
	return out, nil
}

func (s *Sandbox) Type(ctx context.Context, req dumps.TypeDumpRequest) (*dumps.TypeDump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req.TypeFullName != "" {
		t, ok := s.types[req.TypeFullName]
		if !ok || (req.Assembly != "" && t.Assembly != req.Assembly) {
			return nil, fmt.Errorf("type %s in %q: %w", req.TypeFullName, req.Assembly, agent.ErrNotFound)
		}
		return t.Dump(), nil
	}
	for _, t := range s.types {
		if int64(methodTable(t)) == req.MethodTableAddress {
			return t.Dump(), nil
		}
	}
	return nil, fmt.Errorf("method table 0x%x: %w", req.MethodTableAddress, agent.ErrNotFound)
}

// resolve finds the object for a query, falling back to a hash code search
// when the address is stale.
func (s *Sandbox) resolve(q agent.ObjectQuery) (*Object, uint64, error) {
	o, ok := s.heap.At(q.Address)
	if ok && (q.TypeName == "" || o.Type.Name == q.TypeName) && (q.Hashcode == nil || o.Hash == *q.Hashcode) {
		return o, q.Address, nil
	}
	if q.Hashcode != nil && q.HashcodeFallback {
		if o, addr, ok := s.heap.ByHash(q.TypeName, *q.Hashcode); ok {
			s.log.Debug("object found by hashcode", glog.Addr(q.Address), glog.Ptr("now", addr))
			return o, addr, nil
		}
	}
	return nil, 0, fmt.Errorf("no %s at 0x%x: %w", q.TypeName, q.Address, agent.ErrObjectMoved)
}

func (s *Sandbox) Object(ctx context.Context, q agent.ObjectQuery) (*dumps.ObjectDump, error) {
	o, addr, err := s.resolve(q)
	if err != nil {
		return nil, err
	}
	od := &dumps.ObjectDump{
		ObjectType:       dumps.NonPrimitive,
		RetrievalAddress: addr,
		Type:             o.Type.Name,
		HashCode:         o.Hash,
		Fields:           []dumps.MemberDump{},
		Properties:       []dumps.MemberDump{},
	}
	if q.Pin {
		od.PinnedAddress = s.heap.Pin(o)
	}
	if o.Value != nil {
		enc, err := primitives.Encode(o.Value)
		if err != nil {
			return nil, err
		}
		od.ObjectType = dumps.Primitive
		od.PrimitiveValue = enc
		return od, nil
	}
	for _, c := range o.Type.chain() {
		for _, f := range c.Fields {
			od.Fields = append(od.Fields, s.memberDump(f.Name, o.Fields[f.Name]))
		}
	}
	for _, c := range o.Type.chain() {
		for _, p := range c.Props {
			od.Properties = append(od.Properties, s.propertyDump(ctx, o, p))
		}
	}
	return od, nil
}

func (s *Sandbox) memberDump(name string, v any) dumps.MemberDump {
	md := dumps.MemberDump{Name: name}
	switch x := v.(type) {
	case nil:
		md.HasEncodedValue = true
	case *Object:
		addr, _ := s.heap.AddressOf(x)
		md.EncodedValue = strconv.FormatUint(addr, 10)
	default:
		enc, err := primitives.Encode(x)
		if err != nil {
			md.RetrievalError = err.Error()
			break
		}
		md.HasEncodedValue = true
		md.EncodedValue = enc
	}
	return md
}

func (s *Sandbox) propertyDump(ctx context.Context, o *Object, p dumps.TypeProperty) dumps.MemberDump {
	if !p.HasGetter() {
		return dumps.MemberDump{Name: p.Name, RetrievalError: "no getter"}
	}
	m, _, ok := o.Type.method("get_"+p.Name, nil)
	if !ok {
		return dumps.MemberDump{Name: p.Name, RetrievalError: "getter not found"}
	}
	v, err := m.Fn(ctx, o, nil)
	if err != nil {
		return dumps.MemberDump{Name: p.Name, RetrievalError: err.Error()}
	}
	return s.memberDump(p.Name, v)
}

func (s *Sandbox) Unpin(ctx context.Context, addr uint64) error {
	if !s.heap.Unpin(addr) {
		return fmt.Errorf("unpin 0x%x: not pinned: %w", addr, agent.ErrNotFound)
	}
	return nil
}

// fromRemote turns a wire argument into a sandbox value.
func (s *Sandbox) fromRemote(a dumps.ObjectOrRemoteAddress) (any, error) {
	if a.IsNull() {
		return nil, nil
	}
	if a.IsRemoteAddress {
		o, ok := s.heap.At(a.RemoteAddress)
		if !ok {
			return nil, fmt.Errorf("argument at 0x%x: %w", a.RemoteAddress, agent.ErrObjectMoved)
		}
		if o.Value != nil {
			return o.Value, nil
		}
		return o, nil
	}
	return primitives.Decode(a.EncodedObject, a.Type)
}

func (s *Sandbox) fromRemoteAll(args []dumps.ObjectOrRemoteAddress) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := s.fromRemote(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// toRemote turns a sandbox value into its wire form. Objects are pinned so
// the controller can keep using the returned address.
func (s *Sandbox) toRemote(v any) (dumps.ObjectOrRemoteAddress, error) {
	if o, ok := v.(*Object); ok {
		return dumps.FromToken(s.heap.Pin(o), o.Type.Name), nil
	}
	return primitives.ToRemote(v)
}

func results(ret string, v dumps.ObjectOrRemoteAddress) *dumps.InvocationResults {
	if ret == "System.Void" {
		return &dumps.InvocationResults{VoidReturnType: true}
	}
	return &dumps.InvocationResults{ReturnedObjectOrAddress: &v}
}

func (s *Sandbox) Invoke(ctx context.Context, req dumps.InvocationRequest) (*dumps.InvocationResults, error) {
	if len(req.GenericArgsTypeFullNames) > 0 {
		return nil, fmt.Errorf("generic invocation of %s: %w", req.MethodName, dumps.ErrNotImplemented)
	}
	t, ok := s.Lookup(req.TypeFullName)
	if !ok {
		return nil, fmt.Errorf("type %s: %w", req.TypeFullName, agent.ErrNotFound)
	}
	var this *Object
	if req.ObjAddress != 0 {
		o, ok := s.heap.At(req.ObjAddress)
		if !ok {
			return nil, fmt.Errorf("instance 0x%x: %w", req.ObjAddress, agent.ErrObjectMoved)
		}
		this = o
		t = o.Type
	}
	args, err := s.fromRemoteAll(req.Parameters)
	if err != nil {
		return nil, err
	}
	m, _, ok := t.method(req.MethodName, args)
	if !ok {
		return nil, fmt.Errorf("%s.%s with %d arguments: %w", t.Name, req.MethodName, len(args), agent.ErrNotFound)
	}
	if !m.Static && this == nil {
		return nil, fmt.Errorf("%s.%s needs an instance: %w", t.Name, req.MethodName, agent.ErrBadRequest)
	}

	v, err := s.call(ctx, t, m, this, req.ObjAddress, args, req.Parameters)
	if err != nil {
		return nil, err
	}
	ret, err := s.toRemote(v)
	if err != nil {
		return nil, err
	}
	return results(m.Dump.ReturnTypeFullName, ret), nil
}

func (s *Sandbox) hookID(t *Type, m *Method, pos dumps.HookPosition) string {
	return dumps.FunctionHookRequest{
		TypeFullName:            t.Name,
		MethodName:              m.Dump.Name,
		HookPosition:            pos,
		ParametersTypeFullNames: m.paramTypes(),
	}.UniqueHookID()
}

// call runs m with prefix, postfix and finalizer hooks. A prefix veto skips
// the original and yields the zero result.
func (s *Sandbox) call(ctx context.Context, t *Type, m *Method, this *Object, addr uint64, args []any, wire []dumps.ObjectOrRemoteAddress) (result any, err error) {
	if s.center == nil {
		return m.Fn(ctx, this, args)
	}
	hookArgs := make([]dumps.ObjectOrRemoteAddress, 0, len(wire)+1)
	if this != nil {
		hookArgs = append(hookArgs, dumps.FromToken(addr, this.Type.Name))
	} else {
		hookArgs = append(hookArgs, dumps.Null())
	}
	hookArgs = append(hookArgs, wire...)

	// Hooks are keyed by the declaring type name the controller asked for,
	// which may be the runtime type or the declaring one.
	fire := func(pos dumps.HookPosition) bool {
		callOriginal := true
		for _, c := range t.chain() {
			id := s.hookID(c, m, pos)
			if !s.center.HasHooks(id) {
				continue
			}
			ok, err := s.center.Dispatch(ctx, id, addr, hookArgs)
			if err != nil {
				s.log.Warn("hook dispatch", zap.String("id", id), zap.Error(err))
			}
			callOriginal = callOriginal && ok
		}
		return callOriginal
	}

	defer fire(dumps.Finalizer)
	if !fire(dumps.Prefix) {
		s.log.Debug("original skipped", glog.Fn(t.Name+"."+m.Dump.Name))
		return nil, nil
	}
	result, err = m.Fn(ctx, this, args)
	if err != nil {
		return nil, err
	}
	fire(dumps.Postfix)
	return result, nil
}

func (s *Sandbox) Create(ctx context.Context, req dumps.CtorInvocationRequest) (*dumps.InvocationResults, error) {
	t, ok := s.Lookup(req.TypeFullName)
	if !ok {
		return nil, fmt.Errorf("type %s: %w", req.TypeFullName, agent.ErrNotFound)
	}
	args, err := s.fromRemoteAll(req.Parameters)
	if err != nil {
		return nil, err
	}
	var ctor *Method
	for _, c := range t.Ctors {
		if argsFit(c.Dump.Parameters, args) {
			ctor = c
			break
		}
	}
	if ctor == nil && len(args) > 0 {
		return nil, fmt.Errorf("%s has no constructor for %d arguments: %w", t.Name, len(args), agent.ErrNotFound)
	}

	o, _, err := s.NewObject(t.Name)
	if err != nil {
		return nil, err
	}
	if ctor != nil {
		if _, err := ctor.Fn(ctx, o, args); err != nil {
			return nil, err
		}
	}
	ret := dumps.FromToken(s.heap.Pin(o), t.Name)
	return &dumps.InvocationResults{ReturnedObjectOrAddress: &ret}, nil
}

func (s *Sandbox) fieldTarget(req dumps.FieldSetRequest) (*Object, dumps.TypeField, error) {
	o, ok := s.heap.At(req.ObjAddress)
	if !ok {
		return nil, dumps.TypeField{}, fmt.Errorf("instance 0x%x: %w", req.ObjAddress, agent.ErrObjectMoved)
	}
	if o.Fields == nil {
		return nil, dumps.TypeField{}, fmt.Errorf("%s has no fields: %w", o.Type.Name, agent.ErrBadRequest)
	}
	f, ok := o.Type.field(req.FieldName)
	if !ok {
		return nil, dumps.TypeField{}, fmt.Errorf("field %s.%s: %w", o.Type.Name, req.FieldName, agent.ErrNotFound)
	}
	return o, f, nil
}

func (s *Sandbox) GetField(ctx context.Context, req dumps.FieldSetRequest) (*dumps.InvocationResults, error) {
	o, f, err := s.fieldTarget(req)
	if err != nil {
		return nil, err
	}
	ret, err := s.toRemote(o.Fields[f.Name])
	if err != nil {
		return nil, err
	}
	return &dumps.InvocationResults{ReturnedObjectOrAddress: &ret}, nil
}

func (s *Sandbox) SetField(ctx context.Context, req dumps.FieldSetRequest) (*dumps.InvocationResults, error) {
	o, f, err := s.fieldTarget(req)
	if err != nil {
		return nil, err
	}
	v, err := s.fromRemote(req.Value)
	if err != nil {
		return nil, err
	}
	if v != nil && !argsFit([]dumps.MethodParameter{{Type: f.TypeFullName}}, []any{v}) {
		return nil, fmt.Errorf("field %s is %s: %w", f.Name, f.TypeFullName, agent.ErrBadRequest)
	}
	o.Fields[f.Name] = v
	return s.GetField(ctx, req)
}

func (s *Sandbox) HookInstaller(req dumps.FunctionHookRequest) (hooking.Installer, error) {
	t, ok := s.Lookup(req.TypeFullName)
	if !ok {
		return nil, fmt.Errorf("hook type %s: %w", req.TypeFullName, agent.ErrNotFound)
	}
	if _, ok := t.methodBySignature(req.MethodName, req.ParametersTypeFullNames); !ok {
		return nil, fmt.Errorf("hook %s.%s%v: %w", t.Name, req.MethodName, req.ParametersTypeFullNames, agent.ErrNotFound)
	}
	id := req.UniqueHookID()
	return hooking.InstallerFuncs{
		InstallFn: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.installed[id] = true
			return nil
		},
		UninstallFn: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.installed, id)
			return nil
		},
	}, nil
}

// DemoAnswerAddress holds a boxed System.Int32 42 after Populate.
const DemoAnswerAddress = 12345

// Populate seeds the heap with a boxed 42 at DemoAnswerAddress and two
// befriended people.
func (s *Sandbox) Populate() error {
	i32, ok := s.Lookup(primitives.TypeInt32)
	if !ok {
		return fmt.Errorf("populate: %s missing", primitives.TypeInt32)
	}
	s.heap.AllocAt(DemoAnswerAddress, &Object{Type: i32, Value: int32(42)})

	alice, _, err := s.NewObject("Sandbox.Person")
	if err != nil {
		return err
	}
	bob, _, err := s.NewObject("Sandbox.Person")
	if err != nil {
		return err
	}
	alice.Fields["Id"], alice.Fields["Name"], alice.Fields["age"] = int32(1), "Alice", int32(30)
	bob.Fields["Id"], bob.Fields["Name"], bob.Fields["age"] = int32(2), "Bob", int32(25)
	alice.Fields["Friend"], bob.Fields["Friend"] = bob, alice
	return nil
}
