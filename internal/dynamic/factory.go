package dynamic

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
)

const eventHandlerType = "System.EventHandler"

// Factory builds member tables for remote objects.
type Factory struct {
	log *glog.Logger
}

// NewFactory returns a factory logging to log, or to the global logger when
// log is nil.
func NewFactory(log *glog.Logger) *Factory {
	if log == nil {
		log = glog.Get()
	}
	return &Factory{log: log.WithCategory("dynamic")}
}

// Create builds the Object for ref. Members declared on base types are
// included; a derived method hides a base method with an equal signature.
func (f *Factory) Create(ref *RemoteObjectRef) *Object {
	o := newObject(ref)
	chain := ref.TypeDump().Ancestors()

	f.addFields(o, chain)
	f.addEvents(o, chain)
	f.addProperties(o, chain)
	f.addMethods(o, flatten(chain))

	f.log.Debug("object created",
		glog.Type(ref.TypeName()),
		glog.Addr(ref.Address()),
		zap.Int("members", len(o.members)),
	)
	return o
}

// flatten collects methods from the most derived type to the root,
// skipping any whose signature was already collected.
func flatten(chain []*dumps.TypeDump) []dumps.TypeMethod {
	var all []dumps.TypeMethod
	for _, td := range chain {
	next:
		for _, m := range td.Methods {
			for _, e := range all {
				if e.SignaturesEqual(m) {
					continue next
				}
			}
			all = append(all, m)
		}
	}
	return all
}

func (f *Factory) add(o *Object, m *Member) bool {
	if _, ok := o.members[m.Name]; ok {
		f.log.Debug("member already defined", zap.String("member", m.Name), zap.Stringer("kind", m.Kind))
		return false
	}
	o.members[m.Name] = m
	return true
}

func isEventField(typeName string) bool {
	return typeName == eventHandlerType || strings.HasPrefix(typeName, eventHandlerType+"`")
}

func (f *Factory) addFields(o *Object, chain []*dumps.TypeDump) {
	ref := o.ref
	for _, td := range chain {
		for _, fd := range td.Fields {
			if isEventField(fd.TypeFullName) {
				f.add(o, &Member{Name: fd.Name, Kind: EventMember, TypeName: fd.TypeFullName})
				continue
			}
			name := fd.Name
			f.add(o, &Member{
				Name:     name,
				Kind:     FieldMember,
				TypeName: fd.TypeFullName,
				Get: func(ctx context.Context) (any, error) {
					res, err := ref.GetField(ctx, name)
					if err != nil {
						return nil, fmt.Errorf("get field %s: %w", name, err)
					}
					return decodeResult(res)
				},
				Set: func(ctx context.Context, v any) error {
					val, err := toRemote(v)
					if err != nil {
						return fmt.Errorf("set field %s: %w", name, err)
					}
					if _, err := ref.SetField(ctx, name, val); err != nil {
						return fmt.Errorf("set field %s: %w", name, err)
					}
					return nil
				},
			})
		}
	}
}

func (f *Factory) addEvents(o *Object, chain []*dumps.TypeDump) {
	for _, td := range chain {
		for _, ed := range td.Events {
			f.add(o, &Member{Name: ed.Name, Kind: EventMember, TypeName: ed.TypeFullName})
		}
	}
}

func (f *Factory) addProperties(o *Object, chain []*dumps.TypeDump) {
	for _, td := range chain {
		for _, pd := range td.Properties {
			f.addProperty(o, pd.Name, pd.TypeFullName, pd.HasGetter(), pd.HasSetter())
		}
	}
}

func (f *Factory) addProperty(o *Object, name, typeName string, canGet, canSet bool) {
	ref := o.ref
	m := &Member{Name: name, Kind: PropertyMember, TypeName: typeName}
	if canGet {
		m.Get = func(ctx context.Context) (any, error) {
			res, err := ref.GetProperty(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("get property %s: %w", name, err)
			}
			return decodeResult(res)
		}
	}
	if canSet {
		m.Set = func(ctx context.Context, v any) error {
			val, err := toRemote(v)
			if err != nil {
				return fmt.Errorf("set property %s: %w", name, err)
			}
			if _, err := ref.Invoke(ctx, "set_"+name, nil, []dumps.ObjectOrRemoteAddress{val}); err != nil {
				return fmt.Errorf("set property %s: %w", name, err)
			}
			return nil
		}
	}
	f.add(o, m)
}

func (f *Factory) addMethods(o *Object, methods []dumps.TypeMethod) {
	for _, md := range methods {
		if md.IsGeneric() {
			f.log.Debug("generic method skipped", zap.String("method", md.Name))
			continue
		}
		f.inferProperty(o, md, methods)

		m, ok := o.members[md.Name]
		if !ok {
			m = &Member{Name: md.Name, Kind: MethodMember, TypeName: md.ReturnTypeFullName}
			o.members[md.Name] = m
		} else if m.Kind != MethodMember {
			f.log.Debug("method shadowed by member", zap.String("method", md.Name), zap.Stringer("kind", m.Kind))
			continue
		}
		m.Overloads = append(m.Overloads, Overload{Method: md, Invoke: invoker(o.ref, md)})
	}
}

// inferProperty adds a property for get_X/set_X accessors when the dump
// did not report X itself.
func (f *Factory) inferProperty(o *Object, md dumps.TypeMethod, all []dumps.TypeMethod) {
	if !strings.HasPrefix(md.Name, "get_") && !strings.HasPrefix(md.Name, "set_") {
		return
	}
	prop := md.Name[len("get_"):]
	if prop == "" || o.HasMember(prop) {
		return
	}
	var getter, setter *dumps.TypeMethod
	for i := range all {
		switch all[i].Name {
		case "get_" + prop:
			if getter == nil && len(all[i].Parameters) == 0 {
				getter = &all[i]
			}
		case "set_" + prop:
			if setter == nil && len(all[i].Parameters) == 1 {
				setter = &all[i]
			}
		}
	}
	if getter == nil && setter == nil {
		// Indexers and other accessor-shaped methods stay plain methods.
		return
	}
	typeName := ""
	if getter != nil {
		typeName = getter.ReturnTypeFullName
	} else {
		typeName = setter.Parameters[0].Type
	}
	f.addProperty(o, prop, typeName, getter != nil, setter != nil)
}

func invoker(ref *RemoteObjectRef, md dumps.TypeMethod) Invoker {
	return func(ctx context.Context, args []any) (any, error) {
		args, err := fitInts(md.Parameters, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", md.Name, err)
		}
		params, err := toRemoteAll(args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", md.Name, err)
		}
		res, err := ref.Invoke(ctx, md.Name, nil, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", md.Name, err)
		}
		return decodeResult(res)
	}
}
