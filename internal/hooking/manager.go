package hooking

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/dynamic"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/primitives"
	"github.com/zboralski/remotenet/internal/remote"
	"github.com/zboralski/remotenet/internal/trace"
	"go.uber.org/zap"
)

// ErrDuplicateHook is returned when a handler already hooked on a method is
// hooked on it again, at any position. It wraps ErrNotImplemented.
var ErrDuplicateHook = fmt.Errorf("duplicate hook: %w", ErrNotImplemented)

// RawCallback receives one wire-level hook firing and answers whether the
// original method should run.
type RawCallback func(ctx context.Context, req dumps.CallbackInvocationRequest) (callOriginal bool, err error)

// Hooker is the part of the diver client the manager drives. HookMethod
// fills in the callback listener address and routes firings for the
// returned token to cb.
type Hooker interface {
	HookMethod(ctx context.Context, req dumps.FunctionHookRequest, cb RawCallback) (token int, err error)
	UnhookMethod(ctx context.Context, token int) error
}

// ObjectResolver turns a remote address from a callback into a dynamic
// object.
type ObjectResolver interface {
	Object(ctx context.Context, addr uint64, typeName string) (*dynamic.Object, error)
}

// Call is one decoded firing of a hooked method.
type Call struct {
	Method   *remote.Method
	Position dumps.HookPosition
	// Instance is a *dynamic.Object, a raw uint64 address when decoding
	// failed, or nil for static methods.
	Instance   any
	Args       []any
	StackTrace string
	ThreadID   int
	// Degraded is set when at least one object could not be decoded and its
	// raw address was substituted.
	Degraded bool
}

// Handler reacts to hooked calls. Returning false from a prefix skips the
// original method.
type Handler interface {
	HandleHook(ctx context.Context, call *Call) (callOriginal bool, err error)
}

// HandlerFunc adapts a function to Handler. Func handlers are identified by
// their code pointer, so two closures from the same literal count as the
// same handler; use a pointer type to tell them apart.
type HandlerFunc func(ctx context.Context, call *Call) (bool, error)

func (f HandlerFunc) HandleHook(ctx context.Context, call *Call) (bool, error) {
	return f(ctx, call)
}

func handlerKey(h Handler) any {
	if reflect.TypeOf(h).Comparable() {
		return h
	}
	return reflect.ValueOf(h).Pointer()
}

// hookKey leaves the position out: a handler hooks a method once.
type hookKey struct {
	method  string
	handler any
}

// Registration is one active hook held by the manager.
type Registration struct {
	ID       uuid.UUID
	Token    int
	Method   *remote.Method
	Position dumps.HookPosition
	Instance uint64
	key      hookKey
}

// Manager hooks remote methods and dispatches their firings to local
// handlers.
type Manager struct {
	hooker  Hooker
	objects ObjectResolver
	log     *glog.Logger
	trace   *trace.Collector

	mu   sync.Mutex
	regs map[hookKey]*Registration
}

// NewManager creates a manager. objects may be nil, in which case every
// object argument is delivered as its raw address. collector may be nil.
func NewManager(hooker Hooker, objects ObjectResolver, collector *trace.Collector, logger *glog.Logger) *Manager {
	if logger == nil {
		logger = glog.Get()
	}
	return &Manager{
		hooker:  hooker,
		objects: objects,
		log:     logger.WithCategory("hook"),
		trace:   collector,
		regs:    make(map[hookKey]*Registration),
	}
}

func methodID(m *remote.Method) string {
	return fmt.Sprintf("%s.%s(%v)", m.Declaring.Name(), m.Name, m.ParamTypeNames())
}

// Hook installs h on method at pos. A non-zero instance restricts the hook
// to calls on that object.
func (m *Manager) Hook(ctx context.Context, method *remote.Method, pos dumps.HookPosition, h Handler, instance uint64) (*Registration, error) {
	if method == nil || method.Declaring == nil {
		return nil, fmt.Errorf("hook: nil method")
	}
	if !pos.Valid() {
		return nil, fmt.Errorf("hook %s: bad position %q", method.Name, pos)
	}
	if h == nil {
		return nil, fmt.Errorf("hook %s: nil handler", method.Name)
	}

	key := hookKey{method: methodID(method), handler: handlerKey(h)}
	m.mu.Lock()
	if _, ok := m.regs[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("hook %s %s: %w", key.method, pos, ErrDuplicateHook)
	}
	// Reserve the slot so a concurrent duplicate fails fast.
	reg := &Registration{ID: uuid.New(), Method: method, Position: pos, Instance: instance, key: key}
	m.regs[key] = reg
	m.mu.Unlock()

	req := dumps.FunctionHookRequest{
		TypeFullName:            method.Declaring.Name(),
		MethodName:              method.Name,
		HookPosition:            pos,
		ParametersTypeFullNames: method.ParamTypeNames(),
		InstanceAddress:         instance,
	}
	token, err := m.hooker.HookMethod(ctx, req, m.dispatcher(reg, h))
	if err != nil {
		m.mu.Lock()
		delete(m.regs, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("hook %s %s: %w", key.method, pos, err)
	}

	m.mu.Lock()
	reg.Token = token
	m.mu.Unlock()
	m.log.Info("hooked", zap.String("method", key.method), zap.String("position", string(pos)),
		zap.Int("token", token), zap.String("id", reg.ID.String()))
	return reg, nil
}

// Patch hooks any of prefix, postfix and finalizer that are non-nil. One
// handler given for two positions is a duplicate. On failure the hooks
// already placed by this call are removed.
func (m *Manager) Patch(ctx context.Context, method *remote.Method, prefix, postfix, finalizer Handler) ([]*Registration, error) {
	var out []*Registration
	for _, p := range []struct {
		pos dumps.HookPosition
		h   Handler
	}{{dumps.Prefix, prefix}, {dumps.Postfix, postfix}, {dumps.Finalizer, finalizer}} {
		if p.h == nil {
			continue
		}
		reg, err := m.Hook(ctx, method, p.pos, p.h, 0)
		if err != nil {
			for _, r := range out {
				_ = m.remove(ctx, r)
			}
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// Unhook removes the hook h holds on method.
func (m *Manager) Unhook(ctx context.Context, method *remote.Method, h Handler) error {
	if method == nil || method.Declaring == nil || h == nil {
		return fmt.Errorf("unhook: nil method or handler")
	}
	id, hk := methodID(method), handlerKey(h)
	m.mu.Lock()
	var targets []*Registration
	for k, r := range m.regs {
		if k.method == id && k.handler == hk {
			targets = append(targets, r)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("unhook %s: %w", id, ErrUnknownToken)
	}

	var errs []error
	for _, r := range targets {
		errs = append(errs, m.remove(ctx, r))
	}
	return errors.Join(errs...)
}

// UnhookAll removes every hook the manager placed.
func (m *Manager) UnhookAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Registration, 0, len(m.regs))
	for _, r := range m.regs {
		all = append(all, r)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range all {
		errs = append(errs, m.remove(ctx, r))
	}
	return errors.Join(errs...)
}

// Registrations returns the active hooks.
func (m *Manager) Registrations() []*Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Registration, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, r)
	}
	return out
}

func (m *Manager) remove(ctx context.Context, r *Registration) error {
	m.mu.Lock()
	if m.regs[r.key] != r {
		m.mu.Unlock()
		return nil
	}
	delete(m.regs, r.key)
	token := r.Token
	m.mu.Unlock()

	if err := m.hooker.UnhookMethod(ctx, token); err != nil {
		return fmt.Errorf("unhook %s token %d: %w", r.key.method, token, err)
	}
	return nil
}

// dispatcher builds the wire callback for one registration.
func (m *Manager) dispatcher(reg *Registration, h Handler) RawCallback {
	return func(ctx context.Context, req dumps.CallbackInvocationRequest) (bool, error) {
		call := m.decode(ctx, reg, req)
		callOriginal, err := h.HandleHook(ctx, call)
		m.record(reg, call, callOriginal, err)
		if err != nil {
			return true, err
		}
		// Only a prefix can skip the original.
		return callOriginal || reg.Position != dumps.Prefix, nil
	}
}

// decode turns wire parameters into local values. Parameters[0] is the
// instance. Objects that cannot be resolved degrade to their raw address.
func (m *Manager) decode(ctx context.Context, reg *Registration, req dumps.CallbackInvocationRequest) *Call {
	call := &Call{
		Method:     reg.Method,
		Position:   reg.Position,
		StackTrace: req.StackTrace,
		ThreadID:   req.ThreadID,
	}
	params := req.Parameters
	if len(params) > 0 {
		call.Instance = m.decodeValue(ctx, params[0], call)
		params = params[1:]
	}
	call.Args = make([]any, len(params))
	for i, p := range params {
		call.Args[i] = m.decodeValue(ctx, p, call)
	}
	return call
}

func (m *Manager) decodeValue(ctx context.Context, p dumps.ObjectOrRemoteAddress, call *Call) any {
	if p.IsNull() {
		return nil
	}
	if !p.IsRemoteAddress {
		v, err := primitives.Decode(p.EncodedObject, p.Type)
		if err != nil {
			m.log.Warn("decode argument", zap.String("type", p.Type), zap.Error(err))
			call.Degraded = true
			return p.EncodedObject
		}
		return v
	}
	if m.objects != nil {
		obj, err := m.objects.Object(ctx, p.RemoteAddress, p.Type)
		if err == nil {
			return obj
		}
		m.log.Debug("object argument degraded", glog.Addr(p.RemoteAddress), glog.Type(p.Type), zap.Error(err))
	}
	// HACK: hand the raw address to the handler rather than dropping the
	// call.
	call.Degraded = true
	return p.RemoteAddress
}

func (m *Manager) record(reg *Registration, call *Call, callOriginal bool, err error) {
	var instance uint64
	switch v := call.Instance.(type) {
	case *dynamic.Object:
		instance = v.Ref().Address()
	case uint64:
		instance = v
	}
	name := reg.Method.Declaring.Name() + "." + reg.Method.Name
	detail := "args=" + strconv.Itoa(len(call.Args))

	m.mu.Lock()
	token := reg.Token
	m.mu.Unlock()

	m.log.Event(string(trace.Hook), name, detail)
	m.log.HookEvent(name, string(reg.Position), token, callOriginal)
	if m.trace == nil {
		return
	}
	e := trace.NewEvent(instance, string(trace.Hook), name, detail)
	e.Annotate("position", string(reg.Position))
	e.Annotate("token", strconv.Itoa(token))
	e.Annotate("skip", strconv.FormatBool(!callOriginal && reg.Position == dumps.Prefix))
	e.Annotate("degraded", strconv.FormatBool(call.Degraded))
	if call.ThreadID != 0 {
		e.Annotate("thread", strconv.Itoa(call.ThreadID))
	}
	if err != nil {
		e.Annotate("error", err.Error())
	}
	m.trace.Add(e)
}
