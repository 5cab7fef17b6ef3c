package remote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
)

// Dumper fetches type dumps from the target. The diver communicator
// implements it.
type Dumper interface {
	DumpType(ctx context.Context, typeFullName, assembly string) (*dumps.TypeDump, error)
}

// Factory builds proxy types from dumps. Dependent types are resolved from
// the resolver's cache, then from types still being built, and finally by
// dumping them through the Dumper.
type Factory struct {
	resolver *Resolver
	dumper   Dumper
	log      *glog.Logger
}

// NewFactory returns a factory over resolver. dumper may be nil, in which
// case only already-known types can satisfy dependencies.
func NewFactory(resolver *Resolver, dumper Dumper, log *glog.Logger) *Factory {
	if log == nil {
		log = glog.Get()
	}
	return &Factory{resolver: resolver, dumper: dumper, log: log.WithCategory("types")}
}

// Resolver returns the session cache the factory fills.
func (f *Factory) Resolver() *Resolver { return f.resolver }

// Create returns the proxy for dump, building it if needed. When another
// goroutine is already building the same type, Create waits for it and
// returns the same proxy.
func (f *Factory) Create(ctx context.Context, dump *dumps.TypeDump) (*Type, error) {
	if dump == nil {
		return nil, fmt.Errorf("create: nil dump: %w", ErrTypeNotFound)
	}
	t := f.build(ctx, dump)
	if err := t.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", t, err)
	}
	return t, nil
}

// GetType returns the proxy for (assembly, name), dumping it from the target
// when it is not cached.
func (f *Factory) GetType(ctx context.Context, assembly, name string) (*Type, error) {
	if t, ok := f.resolver.Lookup(assembly, name); ok {
		if err := t.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", t, err)
		}
		return t, nil
	}
	if f.dumper == nil {
		return nil, fmt.Errorf("get type %s: no dumper: %w", name, ErrTypeNotFound)
	}
	dump, err := f.dumper.DumpType(ctx, name, assembly)
	if err != nil {
		return nil, fmt.Errorf("get type %s: %w: %v", name, ErrTypeNotFound, err)
	}
	return f.Create(ctx, dump)
}

// build reserves a handle for dump and populates it unless someone else
// already owns it. It never waits, so mutually referencing types that are
// built from two goroutines at once cannot deadlock.
func (f *Factory) build(ctx context.Context, dump *dumps.TypeDump) *Type {
	t, created := f.resolver.reserve(keyOf(dump.Assembly, dump.Type), dump.IsArray)
	if !created {
		return t
	}

	t.dump = dump
	if dump.ParentDump != nil && dump.ParentDump != dump {
		t.parent = f.build(ctx, dump.ParentDump)
	}
	t.methods = f.methods(t, dump.Methods, false)
	t.ctors = f.methods(t, dump.Constructors, true)
	f.addFields(ctx, t, dump)
	f.addProperties(ctx, t, dump)
	f.addEvents(ctx, t, dump)

	f.resolver.commit(t)
	f.log.Debug("type built",
		glog.Type(t.Name()),
		zap.Int("methods", len(t.methods)),
		zap.Int("fields", len(t.fields)),
		zap.Int("properties", len(t.properties)),
	)
	return t
}

// resolve finds a dependent type: cache, on-going, then a fresh dump.
func (f *Factory) resolve(ctx context.Context, assembly, name string) (*Type, error) {
	if name == "" {
		return nil, fmt.Errorf("empty type name: %w", ErrUnresolved)
	}
	if t, ok := f.resolver.Lookup(assembly, name); ok {
		return t, nil
	}
	if f.dumper == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnresolved)
	}
	dump, err := f.dumper.DumpType(ctx, name, assembly)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrUnresolved, err)
	}
	if dump == nil {
		return nil, fmt.Errorf("%s: empty dump: %w", name, ErrUnresolved)
	}
	return f.build(ctx, dump), nil
}

func (f *Factory) skip(t *Type, member string, err error) {
	d := Diagnostic{Type: t.Name(), Member: member, Err: err}
	f.resolver.diagnose(d)
	f.log.Debug("member skipped", glog.Type(t.Name()), zap.String("member", member), zap.Error(err))
}

// methods wraps the descriptors without touching the types they mention.
// Generic methods are dropped here since no proxy can stand for them.
func (f *Factory) methods(t *Type, descs []dumps.TypeMethod, ctors bool) []*Method {
	var out []*Method
	for _, md := range descs {
		if md.IsGeneric() {
			f.skip(t, md.Name, ErrGenericMember)
			continue
		}
		out = append(out, &Method{Name: md.Name, Declaring: t, IsCtor: ctors, dump: md, factory: f})
	}
	return out
}

// signature resolves a method's parameter and return types. The dumper
// applies its own deadline, so a background context is enough here.
func (f *Factory) signature(m *Method) (*Type, []Param, error) {
	ctx := context.Background()
	md := m.dump
	params := make([]Param, 0, len(md.Parameters))
	for _, p := range md.Parameters {
		pt, err := f.resolve(ctx, p.Assembly, p.Type)
		if err != nil {
			err = fmt.Errorf("parameter %s: %w", p.Name, err)
			f.skip(m.Declaring, md.Name, err)
			return nil, nil, err
		}
		params = append(params, Param{Name: p.Name, Type: pt})
	}
	if m.IsCtor {
		return nil, params, nil
	}
	rt, err := f.resolve(ctx, md.ReturnTypeAssembly, md.ReturnTypeFullName)
	if err != nil {
		err = fmt.Errorf("return type: %w", err)
		f.skip(m.Declaring, md.Name, err)
		return nil, nil, err
	}
	return rt, params, nil
}

func (f *Factory) addFields(ctx context.Context, t *Type, dump *dumps.TypeDump) {
	for _, fd := range dump.Fields {
		ft, err := f.resolve(ctx, fd.Assembly, fd.TypeFullName)
		if err != nil {
			f.skip(t, fd.Name, err)
			continue
		}
		t.fields = append(t.fields, &Field{Name: fd.Name, Declaring: t, Type: ft})
	}
}

func (f *Factory) addProperties(ctx context.Context, t *Type, dump *dumps.TypeDump) {
	for _, pd := range dump.Properties {
		pt, err := f.resolve(ctx, pd.Assembly, pd.TypeFullName)
		if err != nil {
			f.skip(t, pd.Name, err)
			continue
		}
		p := &Property{Name: pd.Name, Declaring: t, Type: pt, dump: pd}
		for _, m := range t.methods {
			switch m.Name {
			case "get_" + pd.Name:
				p.Getter = m
			case "set_" + pd.Name:
				p.Setter = m
			}
		}
		t.properties = append(t.properties, p)
	}
}

func (f *Factory) addEvents(ctx context.Context, t *Type, dump *dumps.TypeDump) {
	for _, ed := range dump.Events {
		et, err := f.resolve(ctx, ed.Assembly, ed.TypeFullName)
		if err != nil {
			f.skip(t, ed.Name, err)
			continue
		}
		t.events = append(t.events, &Event{Name: ed.Name, Declaring: t, Type: et})
	}
}
