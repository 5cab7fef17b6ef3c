// Package dynamic presents a remote object as a table of tagged closures.
// Reading, writing and invoking members issues round trips through a
// RemoteObjectRef; the local Object never holds remote state of its own.
package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/remotenet/internal/dumps"
)

var (
	// ErrNotImplemented is the capability-gap signal shared with the rest of
	// the controller.
	ErrNotImplemented = dumps.ErrNotImplemented
	// ErrReleased is returned by a RemoteObjectRef after Close.
	ErrReleased = errors.New("remote object released")
	// ErrRetrieval is returned when the target reported a member it could
	// not read.
	ErrRetrieval = errors.New("member could not be retrieved")
)

// Communicator is the subset of the diver client a remote object needs.
type Communicator interface {
	DumpObject(ctx context.Context, addr uint64, typeName string, pin bool, hashcode *int32) (*dumps.ObjectDump, error)
	Unpin(ctx context.Context, addr uint64) error
	InvokeMethod(ctx context.Context, addr uint64, typeName, method string, genericArgs []string, args []dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error)
	GetField(ctx context.Context, addr uint64, typeName, field string) (*dumps.InvocationResults, error)
	SetField(ctx context.Context, addr uint64, typeName, field string, value dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error)
}

// RemoteObjectRef is a handle on one pinned remote object. Its token is the
// pinned address, which stays valid until Close unpins it.
type RemoteObjectRef struct {
	comm     Communicator
	typeDump *dumps.TypeDump

	mu       sync.Mutex
	obj      *dumps.ObjectDump
	released bool
}

// NewRemoteObjectRef wraps a pinned object dump.
func NewRemoteObjectRef(comm Communicator, obj *dumps.ObjectDump, td *dumps.TypeDump) (*RemoteObjectRef, error) {
	if obj == nil || td == nil {
		return nil, fmt.Errorf("new object ref: missing dump")
	}
	return &RemoteObjectRef{comm: comm, typeDump: td, obj: obj}, nil
}

// Address returns the token used to refer to the object on the wire.
func (r *RemoteObjectRef) Address() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.obj.PinnedAddress != 0 {
		return r.obj.PinnedAddress
	}
	return r.obj.RetrievalAddress
}

// TypeName returns the remote type's full name.
func (r *RemoteObjectRef) TypeName() string { return r.typeDump.Type }

// TypeDump returns the dump of the object's type.
func (r *RemoteObjectRef) TypeDump() *dumps.TypeDump { return r.typeDump }

// ObjectDump returns the most recent object snapshot.
func (r *RemoteObjectRef) ObjectDump() *dumps.ObjectDump {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obj
}

// Released reports whether Close has been called.
func (r *RemoteObjectRef) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *RemoteObjectRef) check() error {
	if r.Released() {
		return fmt.Errorf("%s@0x%x: %w", r.TypeName(), r.Address(), ErrReleased)
	}
	return nil
}

// FieldDump returns a field value from the object snapshot. With refresh
// the object is dumped again first.
func (r *RemoteObjectRef) FieldDump(ctx context.Context, name string, refresh bool) (dumps.MemberDump, error) {
	if err := r.check(); err != nil {
		return dumps.MemberDump{}, err
	}
	if refresh {
		obj, err := r.comm.DumpObject(ctx, r.Address(), r.TypeName(), false, nil)
		if err != nil {
			return dumps.MemberDump{}, fmt.Errorf("refresh %s: %w", r.TypeName(), err)
		}
		r.mu.Lock()
		// Keep the pin; a plain dump reports no pinned address.
		if obj.PinnedAddress == 0 {
			obj.PinnedAddress = r.obj.PinnedAddress
		}
		r.obj = obj
		r.mu.Unlock()
	}
	return member(r.ObjectDump().Fields, name)
}

// PropertyDump returns a property value from the object snapshot.
func (r *RemoteObjectRef) PropertyDump(name string) (dumps.MemberDump, error) {
	if err := r.check(); err != nil {
		return dumps.MemberDump{}, err
	}
	return member(r.ObjectDump().Properties, name)
}

func member(ms []dumps.MemberDump, name string) (dumps.MemberDump, error) {
	for _, m := range ms {
		if m.Name != name {
			continue
		}
		if m.RetrievalError != "" {
			return m, fmt.Errorf("%s: %w: %s", name, ErrRetrieval, m.RetrievalError)
		}
		return m, nil
	}
	return dumps.MemberDump{}, fmt.Errorf("%s: %w", name, ErrNoSuchMember)
}

// GetField reads a field through the target.
func (r *RemoteObjectRef) GetField(ctx context.Context, name string) (*dumps.InvocationResults, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.comm.GetField(ctx, r.Address(), r.TypeName(), name)
}

// SetField writes a field through the target.
func (r *RemoteObjectRef) SetField(ctx context.Context, name string, value dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.comm.SetField(ctx, r.Address(), r.TypeName(), name, value)
}

// GetProperty calls the property's getter on the target.
func (r *RemoteObjectRef) GetProperty(ctx context.Context, name string) (*dumps.InvocationResults, error) {
	return r.Invoke(ctx, "get_"+name, nil, nil)
}

// Invoke calls a method by name.
func (r *RemoteObjectRef) Invoke(ctx context.Context, method string, genericArgs []string, args []dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.comm.InvokeMethod(ctx, r.Address(), r.TypeName(), method, genericArgs, args)
}

// Close unpins the object. Only the first call reaches the target.
func (r *RemoteObjectRef) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	addr := r.obj.PinnedAddress
	r.mu.Unlock()

	if addr == 0 {
		return nil
	}
	if err := r.comm.Unpin(ctx, addr); err != nil {
		return fmt.Errorf("unpin 0x%x: %w", addr, err)
	}
	return nil
}

func (r *RemoteObjectRef) String() string {
	return fmt.Sprintf("%s@0x%x", r.TypeName(), r.Address())
}
