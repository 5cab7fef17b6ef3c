package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/zboralski/remotenet/internal/agent"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
)

func TestHeapPinning(t *testing.T) {
	h := NewHeap()
	a := &Object{}
	b := &Object{}
	addrA, addrB := h.Alloc(a), h.Alloc(b)
	if addrA == addrB || a.Hash == 0 {
		t.Fatalf("alloc: a=0x%x b=0x%x hash=%d", addrA, addrB, a.Hash)
	}

	if got := h.Pin(a); got != addrA {
		t.Errorf("Pin = 0x%x, want 0x%x", got, addrA)
	}
	if got := h.Pin(a); got != addrA {
		t.Errorf("second Pin = 0x%x, want 0x%x", got, addrA)
	}
	if moved := h.Compact(); moved != 1 {
		t.Errorf("Compact moved %d, want 1", moved)
	}
	if o, ok := h.At(addrA); !ok || o != a {
		t.Error("pinned object moved")
	}
	if _, ok := h.At(addrB); ok {
		t.Error("unpinned object stayed")
	}
	if now, _ := h.AddressOf(b); now == addrB {
		t.Error("AddressOf not updated")
	}

	if !h.Unpin(addrA) || h.Unpin(addrA) {
		t.Error("Unpin should succeed exactly once")
	}
	if h.Pinned(a) {
		t.Error("still pinned")
	}
	// A single unpin released both pins, so the next GC moves a.
	h.Compact()
	if _, ok := h.At(addrA); ok {
		t.Error("object released by one unpin did not move")
	}
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter, name string
		want         bool
	}{
		{"", "Sandbox.Person", true},
		{"Sandbox.Person", "Sandbox.Person", true},
		{"Sandbox.*", "Sandbox.Person", true},
		{"System.*", "Sandbox.Person", false},
		{"[", "Sandbox.Person", false},
	}
	for _, tt := range tests {
		if got := matchFilter(tt.filter, tt.name); got != tt.want {
			t.Errorf("matchFilter(%q, %q) = %v, want %v", tt.filter, tt.name, got, tt.want)
		}
	}
}

func TestInvokeHooks(t *testing.T) {
	center := hooking.NewCenter(nil)
	s := New(center, nil)
	if err := s.Populate(); err != nil {
		t.Fatal(err)
	}
	heap, _ := s.Heap(context.Background(), "Sandbox.Person", false)
	alice := heap.Objects[0].Address

	req := dumps.FunctionHookRequest{TypeFullName: "Sandbox.Person", MethodName: "Birthday", HookPosition: dumps.Prefix, ParametersTypeFullNames: []string{}}
	inst, err := s.HookInstaller(req)
	if err != nil {
		t.Fatalf("HookInstaller: %v", err)
	}
	var order []string
	veto := func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		order = append(order, "prefix")
		if instance != alice || len(args) != 1 || args[0].RemoteAddress != alice {
			t.Errorf("instance=0x%x args=%v", instance, args)
		}
		return false, nil
	}
	if err := center.Register(req.UniqueHookID(), 0, veto, center.NewToken(), inst); err != nil {
		t.Fatal(err)
	}
	if !s.Installed(req.UniqueHookID()) {
		t.Error("detour not installed")
	}

	fin := req
	fin.HookPosition = dumps.Finalizer
	finInst, _ := s.HookInstaller(fin)
	_ = center.Register(fin.UniqueHookID(), 0, func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		order = append(order, "finalizer")
		return true, nil
	}, center.NewToken(), finInst)

	res, err := s.Invoke(context.Background(), dumps.InvocationRequest{ObjAddress: alice, TypeFullName: "Sandbox.Person", MethodName: "Birthday"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.ReturnedObjectOrAddress.IsNull() {
		t.Errorf("skipped call returned %v", res.ReturnedObjectOrAddress)
	}
	if len(order) != 2 || order[0] != "prefix" || order[1] != "finalizer" {
		t.Errorf("order = %v, want [prefix finalizer]", order)
	}
	o, _ := s.Objects().At(alice)
	if o.Fields["age"] != int32(30) {
		t.Errorf("age = %v, want 30", o.Fields["age"])
	}
}

func TestInvokeErrors(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	tests := []struct {
		req  dumps.InvocationRequest
		want error
	}{
		{dumps.InvocationRequest{TypeFullName: "Nope", MethodName: "X"}, agent.ErrNotFound},
		{dumps.InvocationRequest{TypeFullName: "Sandbox.Person", MethodName: "Greet",
			Parameters: []dumps.ObjectOrRemoteAddress{dumps.FromEncoded("x", "System.String")}}, agent.ErrBadRequest},
		{dumps.InvocationRequest{ObjAddress: 0x99, TypeFullName: "Sandbox.Person", MethodName: "Greet"}, agent.ErrObjectMoved},
		{dumps.InvocationRequest{TypeFullName: "Sandbox.Person", MethodName: "Add", GenericArgsTypeFullNames: []string{"T"}}, dumps.ErrNotImplemented},
	}
	for i, tt := range tests {
		if _, err := s.Invoke(ctx, tt.req); !errors.Is(err, tt.want) {
			t.Errorf("case %d: got %v, want %v", i, err, tt.want)
		}
	}
}
