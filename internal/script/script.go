// Package script runs JavaScript hook handlers.
//
// A script declares its hooks when loaded:
//
//	hook({type: "Sandbox.Person", method: "Birthday", position: "prefix"}, function (call) {
//	    log(call.method, call.instance.get("Name"));
//	    return false; // skip the original
//	});
//
// Returning false from a prefix skips the original method; any other value,
// or none, lets it run.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/dynamic"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/primitives"
)

// ErrNoHooks is returned by Load when the script declared nothing.
var ErrNoHooks = errors.New("script declares no hooks")

// Hook is one hook declared by a script.
type Hook struct {
	Type     string
	Method   string
	Params   []string // nil selects the only overload
	Position dumps.HookPosition
	Instance uint64
	Handler  *Handler
}

// Script is a loaded JavaScript program. Its VM is single-threaded, so
// handlers run one at a time; a handler must not trigger another hook of
// the same script.
type Script struct {
	name string
	log  *glog.Logger

	mu    sync.Mutex
	vm    *goja.Runtime
	hooks []Hook
}

// Load runs src and collects the hooks it declares.
func Load(name, src string, logger *glog.Logger) (*Script, error) {
	if logger == nil {
		logger = glog.Get()
	}
	s := &Script{
		name: name,
		log:  logger.WithCategory("script"),
		vm:   goja.New(),
	}
	s.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if err := s.vm.Set("hook", s.declare); err != nil {
		return nil, err
	}
	if err := s.vm.Set("log", s.print); err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, err := s.vm.RunScript(name, src)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if len(s.hooks) == 0 {
		return nil, fmt.Errorf("load %s: %w", name, ErrNoHooks)
	}
	return s, nil
}

// Hooks returns the declared hooks in declaration order.
func (s *Script) Hooks() []Hook {
	return append([]Hook(nil), s.hooks...)
}

func parsePosition(v string) (dumps.HookPosition, bool) {
	if v == "" {
		return dumps.Prefix, true
	}
	for _, p := range []dumps.HookPosition{dumps.Prefix, dumps.Postfix, dumps.Finalizer} {
		if strings.EqualFold(v, string(p)) {
			return p, true
		}
	}
	return "", false
}

// declare implements hook(spec, fn).
func (s *Script) declare(call goja.FunctionCall) goja.Value {
	spec, ok := call.Argument(0).Export().(map[string]any)
	if !ok {
		panic(s.vm.NewTypeError("hook: first argument must be an object"))
	}
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(s.vm.NewTypeError("hook: second argument must be a function"))
	}

	h := Hook{
		Type:   cast.ToString(spec["type"]),
		Method: cast.ToString(spec["method"]),
	}
	if h.Type == "" || h.Method == "" {
		panic(s.vm.NewTypeError("hook: type and method are required"))
	}
	pos, ok := parsePosition(cast.ToString(spec["position"]))
	if !ok {
		panic(s.vm.NewTypeError("hook: bad position %q", spec["position"]))
	}
	h.Position = pos
	if p, present := spec["params"]; present {
		params, err := cast.ToStringSliceE(p)
		if err != nil {
			panic(s.vm.NewTypeError("hook: params: %v", err))
		}
		h.Params = params
	}
	if inst, present := spec["instance"]; present {
		addr, err := cast.ToUint64E(inst)
		if err != nil {
			panic(s.vm.NewTypeError("hook: instance: %v", err))
		}
		h.Instance = addr
	}
	h.Handler = &Handler{script: s, fn: fn, name: h.Type + "." + h.Method}
	s.hooks = append(s.hooks, h)
	return goja.Undefined()
}

func (s *Script) print(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	s.log.Info(strings.Join(parts, " "), zap.String("script", s.name))
	return goja.Undefined()
}

// Handler runs one script function for each hook call.
type Handler struct {
	script *Script
	fn     goja.Callable
	name   string
}

var _ hooking.Handler = (*Handler)(nil)

// HandleHook calls the script function with a description of call. A
// script error lets the original run.
func (h *Handler) HandleHook(ctx context.Context, call *hooking.Call) (bool, error) {
	s := h.script
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.vm.NewObject()
	obj.Set("method", call.Method.String())
	obj.Set("position", string(call.Position))
	obj.Set("instance", s.value(ctx, call.Instance))
	args := make([]any, len(call.Args))
	for i, a := range call.Args {
		args[i] = s.value(ctx, a)
	}
	obj.Set("args", s.vm.NewArray(args...))
	obj.Set("thread", call.ThreadID)
	obj.Set("stack", call.StackTrace)
	obj.Set("degraded", call.Degraded)

	ret, err := h.fn(goja.Undefined(), obj)
	if err != nil {
		return true, fmt.Errorf("%s: %w", h.name, err)
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return true, nil
	}
	return ret.ToBoolean(), nil
}

// value converts a hook argument for the script. Remote objects become
// proxies whose calls run under ctx.
func (s *Script) value(ctx context.Context, v any) goja.Value {
	o, ok := v.(*dynamic.Object)
	if !ok {
		return s.vm.ToValue(v)
	}
	p := s.vm.NewObject()
	p.Set("type", o.Ref().TypeName())
	p.Set("address", o.Ref().Address())
	p.Set("members", o.Members())
	p.Set("get", func(name string) (any, error) {
		return o.TryGetMember(ctx, name)
	})
	p.Set("set", func(name string, v any) error {
		m, ok := o.Member(name)
		if !ok {
			return fmt.Errorf("set %s: %w", name, dynamic.ErrNoSuchMember)
		}
		val, err := coerce(v, m.TypeName)
		if err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
		return o.TrySetMember(ctx, name, val)
	})
	p.Set("invoke", func(name string, args ...any) (any, error) {
		return invoke(ctx, o, name, args)
	})
	return p
}

// coerce converts a script value to the remote primitive type typeName.
// Script numbers arrive as int64 or float64 whatever the declared width.
func coerce(v any, typeName string) (any, error) {
	if v == nil || !primitives.IsPrimitiveTypeName(typeName) {
		return v, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	return primitives.Decode(s, typeName)
}

// invoke calls the first overload of name taking len(args) parameters that
// the arguments can be coerced to.
func invoke(ctx context.Context, o *dynamic.Object, name string, args []any) (any, error) {
	m, ok := o.Member(name)
	if !ok || m.Kind != dynamic.MethodMember {
		return nil, fmt.Errorf("invoke %s: %w", name, dynamic.ErrNoSuchMember)
	}
next:
	for _, ov := range m.Overloads {
		if len(ov.Method.Parameters) != len(args) {
			continue
		}
		coerced := make([]any, len(args))
		for i, p := range ov.Method.Parameters {
			v, err := coerce(args[i], p.Type)
			if err != nil {
				continue next
			}
			coerced[i] = v
		}
		return ov.Invoke(ctx, coerced)
	}
	return nil, fmt.Errorf("invoke %s with %d arguments: %w", name, len(args), dynamic.ErrNoOverload)
}
