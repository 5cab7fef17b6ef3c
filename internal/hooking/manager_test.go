package hooking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/dynamic"
	"github.com/zboralski/remotenet/internal/remote"
	"github.com/zboralski/remotenet/internal/trace"
)

// fakeHooker keeps callbacks by token and lets tests fire them.
type fakeHooker struct {
	mu       sync.Mutex
	next     int
	cbs      map[int]RawCallback
	reqs     map[int]dumps.FunctionHookRequest
	unhooked []int
}

func newFakeHooker() *fakeHooker {
	return &fakeHooker{cbs: make(map[int]RawCallback), reqs: make(map[int]dumps.FunctionHookRequest)}
}

func (h *fakeHooker) HookMethod(ctx context.Context, req dumps.FunctionHookRequest, cb RawCallback) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.cbs[h.next] = cb
	h.reqs[h.next] = req
	return h.next, nil
}

func (h *fakeHooker) UnhookMethod(ctx context.Context, token int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.cbs[token]; !ok {
		return fmt.Errorf("token %d not hooked", token)
	}
	delete(h.cbs, token)
	h.unhooked = append(h.unhooked, token)
	return nil
}

func (h *fakeHooker) fire(t *testing.T, token int, params ...dumps.ObjectOrRemoteAddress) bool {
	t.Helper()
	h.mu.Lock()
	cb, ok := h.cbs[token]
	h.mu.Unlock()
	if !ok {
		t.Fatalf("token %d not hooked", token)
	}
	callOriginal, err := cb(context.Background(), dumps.CallbackInvocationRequest{Token: token, ThreadID: 7, Parameters: params})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	return callOriginal
}

type typeDumper map[string]*dumps.TypeDump

func (d typeDumper) DumpType(ctx context.Context, name, assembly string) (*dumps.TypeDump, error) {
	if td, ok := d[name]; ok {
		return td, nil
	}
	return nil, fmt.Errorf("no type %s", name)
}

var fooDump = &dumps.TypeDump{
	Type:     "App.Foo",
	Assembly: "App",
	Methods: []dumps.TypeMethod{{
		Name:               "Bar",
		ReturnTypeFullName: "System.Void",
		Parameters:         []dumps.MethodParameter{{Name: "n", Type: "System.Int32"}},
	}},
}

func barMethod(t *testing.T) *remote.Method {
	t.Helper()
	f := remote.NewFactory(remote.NewResolver(), typeDumper{"App.Foo": fooDump}, nil)
	ty, err := f.Create(context.Background(), fooDump)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ms := ty.MethodsNamed("Bar")
	if len(ms) != 1 {
		t.Fatalf("got %d Bar methods, want 1", len(ms))
	}
	return ms[0]
}

// objects resolves every address except 0xdead.
type objects struct{}

func (objects) Object(ctx context.Context, addr uint64, typeName string) (*dynamic.Object, error) {
	if addr == 0xdead {
		return nil, errors.New("object moved")
	}
	ref, err := dynamic.NewRemoteObjectRef(nil,
		&dumps.ObjectDump{Type: typeName, PinnedAddress: addr},
		&dumps.TypeDump{Type: typeName, Assembly: "App"})
	if err != nil {
		return nil, err
	}
	return dynamic.NewFactory(nil).Create(ref), nil
}

type recorder struct {
	calls []*Call
	ret   bool
}

func (r *recorder) HandleHook(ctx context.Context, call *Call) (bool, error) {
	r.calls = append(r.calls, call)
	return r.ret, nil
}

func TestManagerHookRequest(t *testing.T) {
	h := newFakeHooker()
	m := NewManager(h, objects{}, nil, nil)
	reg, err := m.Hook(context.Background(), barMethod(t), dumps.Prefix, &recorder{ret: true}, 0x42)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	req := h.reqs[reg.Token]
	if req.TypeFullName != "App.Foo" || req.MethodName != "Bar" || req.HookPosition != dumps.Prefix || req.InstanceAddress != 0x42 {
		t.Errorf("request = %+v", req)
	}
	if len(req.ParametersTypeFullNames) != 1 || req.ParametersTypeFullNames[0] != "System.Int32" {
		t.Errorf("parameter types = %v, want [System.Int32]", req.ParametersTypeFullNames)
	}
}

func TestManagerDuplicate(t *testing.T) {
	m := NewManager(newFakeHooker(), objects{}, nil, nil)
	method := barMethod(t)
	rec := &recorder{}
	if _, err := m.Hook(context.Background(), method, dumps.Prefix, rec, 0); err != nil {
		t.Fatal(err)
	}
	_, err := m.Hook(context.Background(), method, dumps.Prefix, rec, 0)
	if !errors.Is(err, ErrDuplicateHook) || !errors.Is(err, ErrNotImplemented) {
		t.Errorf("got %v, want duplicate hook", err)
	}
	// The position does not make it a different hook.
	for _, pos := range []dumps.HookPosition{dumps.Postfix, dumps.Finalizer} {
		if _, err := m.Hook(context.Background(), method, pos, rec, 0); !errors.Is(err, ErrDuplicateHook) {
			t.Errorf("%s: got %v, want duplicate hook", pos, err)
		}
	}
	if got := len(m.Registrations()); got != 1 {
		t.Errorf("got %d registrations, want 1", got)
	}
	// A different handler on the same method is fine.
	if _, err := m.Hook(context.Background(), method, dumps.Prefix, &recorder{}, 0); err != nil {
		t.Errorf("second handler: %v", err)
	}
}

func TestManagerPatchSameHandlerTwice(t *testing.T) {
	h := newFakeHooker()
	m := NewManager(h, nil, nil, nil)
	rec := &recorder{ret: true}
	if _, err := m.Patch(context.Background(), barMethod(t), rec, rec, nil); !errors.Is(err, ErrDuplicateHook) {
		t.Fatalf("got %v, want duplicate hook", err)
	}
	// The prefix placed before the failure is rolled back.
	if len(m.Registrations()) != 0 || len(h.cbs) != 0 {
		t.Errorf("hooks left: %d local, %d remote", len(m.Registrations()), len(h.cbs))
	}
}

func TestManagerDecode(t *testing.T) {
	h := newFakeHooker()
	col := trace.NewCollector(0)
	m := NewManager(h, objects{}, col, nil)
	rec := &recorder{ret: false}
	reg, err := m.Hook(context.Background(), barMethod(t), dumps.Prefix, rec, 0)
	if err != nil {
		t.Fatal(err)
	}

	callOriginal := h.fire(t, reg.Token,
		dumps.FromToken(0x1000, "App.Foo"),
		dumps.FromEncoded("42", "System.Int32"),
	)
	if callOriginal {
		t.Error("prefix returning false should skip the original")
	}
	call := rec.calls[0]
	obj, ok := call.Instance.(*dynamic.Object)
	if !ok || obj.Ref().Address() != 0x1000 {
		t.Errorf("instance = %#v, want dynamic object at 0x1000", call.Instance)
	}
	if len(call.Args) != 1 || call.Args[0] != int32(42) {
		t.Errorf("args = %#v, want [int32(42)]", call.Args)
	}
	if call.Degraded || call.ThreadID != 7 {
		t.Errorf("degraded=%v thread=%d", call.Degraded, call.ThreadID)
	}

	events := col.Tagged(trace.Skip)
	if len(events) != 1 || events[0].Instance != 0x1000 || !events[0].Tags.Has(trace.Prefix) {
		t.Errorf("trace events = %+v", col.Events())
	}
}

func TestManagerDegraded(t *testing.T) {
	h := newFakeHooker()
	col := trace.NewCollector(0)
	m := NewManager(h, objects{}, col, nil)
	rec := &recorder{ret: true}
	reg, _ := m.Hook(context.Background(), barMethod(t), dumps.Postfix, rec, 0)

	h.fire(t, reg.Token, dumps.FromToken(0xdead, "App.Foo"), dumps.Null())
	call := rec.calls[0]
	if call.Instance != uint64(0xdead) || !call.Degraded {
		t.Errorf("instance = %#v degraded=%v, want raw 0xdead", call.Instance, call.Degraded)
	}
	if len(call.Args) != 1 || call.Args[0] != nil {
		t.Errorf("args = %#v, want [nil]", call.Args)
	}
	if len(col.Tagged(trace.Degraded)) != 1 {
		t.Error("degraded call not tagged")
	}
}

func TestManagerPostfixCannotSkip(t *testing.T) {
	h := newFakeHooker()
	m := NewManager(h, nil, nil, nil)
	reg, _ := m.Hook(context.Background(), barMethod(t), dumps.Postfix, &recorder{ret: false}, 0)
	if !h.fire(t, reg.Token, dumps.Null()) {
		t.Error("postfix vetoed the original")
	}
}

func TestManagerPatchAndUnhook(t *testing.T) {
	h := newFakeHooker()
	m := NewManager(h, nil, nil, nil)
	method := barMethod(t)
	pre, post := &recorder{ret: true}, &recorder{ret: true}

	regs, err := m.Patch(context.Background(), method, pre, post, nil)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(regs) != 2 || regs[0].Position != dumps.Prefix || regs[1].Position != dumps.Postfix {
		t.Fatalf("regs = %+v", regs)
	}

	if err := m.Unhook(context.Background(), method, pre); err != nil {
		t.Fatalf("Unhook: %v", err)
	}
	if len(h.unhooked) != 1 || h.unhooked[0] != regs[0].Token {
		t.Errorf("unhooked = %v, want [%d]", h.unhooked, regs[0].Token)
	}
	if err := m.Unhook(context.Background(), method, pre); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}

	if err := m.UnhookAll(context.Background()); err != nil {
		t.Fatalf("UnhookAll: %v", err)
	}
	if len(m.Registrations()) != 0 || len(h.cbs) != 0 {
		t.Errorf("hooks left after UnhookAll: %d local, %d remote", len(m.Registrations()), len(h.cbs))
	}
}
