package dumps

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks capability gaps: operations the controller
// deliberately refuses instead of silently doing the wrong thing.
var ErrNotImplemented = errors.New("not implemented")

// ObjectOrRemoteAddress carries either an encoded primitive or a remote
// object address across the wire.
type ObjectOrRemoteAddress struct {
	IsRemoteAddress bool
	Type            string
	RemoteAddress   uint64 `json:",omitempty"`
	EncodedObject   string `json:",omitempty"`
}

// IsNull reports whether this is the remote null reference.
func (o ObjectOrRemoteAddress) IsNull() bool {
	return o.IsRemoteAddress && o.RemoteAddress == 0
}

func (o ObjectOrRemoteAddress) String() string {
	if o.IsRemoteAddress {
		return fmt.Sprintf("%s@0x%x", o.Type, o.RemoteAddress)
	}
	return fmt.Sprintf("%s(%q)", o.Type, o.EncodedObject)
}

// FromToken wraps a remote address.
func FromToken(addr uint64, typeName string) ObjectOrRemoteAddress {
	return ObjectOrRemoteAddress{IsRemoteAddress: true, RemoteAddress: addr, Type: typeName}
}

// FromEncoded wraps an already-encoded primitive.
func FromEncoded(encoded, typeName string) ObjectOrRemoteAddress {
	return ObjectOrRemoteAddress{EncodedObject: encoded, Type: typeName}
}

// Null is the remote null reference.
func Null() ObjectOrRemoteAddress {
	return ObjectOrRemoteAddress{IsRemoteAddress: true, Type: "System.Object"}
}

// InvocationRequest calls a method on an object (or a static method when
// ObjAddress is zero).
type InvocationRequest struct {
	ObjAddress               uint64
	TypeFullName             string
	MethodName               string
	GenericArgsTypeFullNames []string
	Parameters               []ObjectOrRemoteAddress
}

// InvocationResults is returned by invoke, ctor and field endpoints.
type InvocationResults struct {
	VoidReturnType          bool
	ReturnedObjectOrAddress *ObjectOrRemoteAddress `json:",omitempty"`
}

// CtorInvocationRequest creates a new remote object.
type CtorInvocationRequest struct {
	TypeFullName string
	Parameters   []ObjectOrRemoteAddress
}

// FieldSetRequest reads or writes a field. Value is ignored for reads.
type FieldSetRequest struct {
	ObjAddress   uint64
	TypeFullName string
	FieldName    string
	Value        ObjectOrRemoteAddress
}

// HookPosition selects where a hook runs relative to the original method.
type HookPosition string

// Hook positions.
const (
	Prefix    HookPosition = "Prefix"
	Postfix   HookPosition = "Postfix"
	Finalizer HookPosition = "Finalizer"
)

// Valid reports whether p is a known position.
func (p HookPosition) Valid() bool {
	switch p {
	case Prefix, Postfix, Finalizer:
		return true
	}
	return false
}

// FunctionHookRequest registers a hook. IP/Port locate the controller's
// callback listener.
type FunctionHookRequest struct {
	IP                      string
	Port                    int
	TypeFullName            string
	MethodName              string
	HookPosition            HookPosition
	ParametersTypeFullNames []string
	// InstanceAddress restricts the hook to one instance; zero means all.
	InstanceAddress uint64
}

// UniqueHookID identifies a (method, position) detour.
func (r FunctionHookRequest) UniqueHookID() string {
	return fmt.Sprintf("%s.%s(%v):%s", r.TypeFullName, r.MethodName, r.ParametersTypeFullNames, r.HookPosition)
}

// RegistrationResults acknowledges a hook registration.
type RegistrationResults struct {
	Token int
}

// CallbackInvocationRequest is sent by the target to the controller when a
// hooked method fires. Parameters[0] is the instance (null for statics).
type CallbackInvocationRequest struct {
	Token      int
	StackTrace string `json:",omitempty"`
	ThreadID   int    `json:",omitempty"`
	Parameters []ObjectOrRemoteAddress
}

// HookResponse is the outcome of a prefix hook.
type HookResponse struct {
	SkipOriginal bool
	ReturnValue  *ObjectOrRemoteAddress `json:",omitempty"`
}

// Status is the generic acknowledgement body.
type Status struct {
	Status string `json:"status"`
}

// StatusOK is the acknowledgement returned by mutating endpoints.
var StatusOK = Status{Status: "OK"}

// DiverError is the uniform error body returned by every endpoint.
type DiverError struct {
	Error      string `json:"error"`
	StackTrace string `json:"stackTrace"`
}
