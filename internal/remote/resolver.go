// Package remote turns type dumps from a target into proxy types that live in
// the controller. Every proxy is cached per session by (assembly, full name)
// so that identity equality of two proxies means they describe the same
// remote type.
package remote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/remotenet/internal/primitives"
)

var (
	// ErrTypeNotFound is returned when the requested root type cannot be
	// dumped or built.
	ErrTypeNotFound = errors.New("type not found")
	// ErrGenericMember marks a member skipped because it is generic.
	ErrGenericMember = errors.New("generic members are not supported")
	// ErrUnresolved marks a member skipped because a type it uses could not
	// be resolved.
	ErrUnresolved = errors.New("dependent type unresolved")
)

// Key identifies a remote type.
type Key struct {
	Assembly string
	Name     string
}

func (k Key) String() string {
	if k.Assembly == "" {
		return k.Name
	}
	return k.Name + ", " + k.Assembly
}

// Builtin type names resolve without a dump and ignore the assembly, so
// System.Int32 from two different core libraries is one proxy.
const (
	VoidTypeName   = "System.Void"
	ObjectTypeName = "System.Object"
)

// IsBuiltin reports whether name resolves locally.
func IsBuiltin(name string) bool {
	return name == VoidTypeName || name == ObjectTypeName ||
		primitives.IsPrimitiveTypeName(name) || primitives.IsPrimitiveArrayTypeName(name)
}

func keyOf(assembly, name string) Key {
	if IsBuiltin(name) {
		return Key{Name: name}
	}
	return Key{Assembly: assembly, Name: name}
}

// Diagnostic records a member that was left out of a proxy type.
type Diagnostic struct {
	Type   string
	Member string
	Err    error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s.%s: %v", d.Type, d.Member, d.Err)
}

// Resolver is the per-session type cache. Types being built are visible in
// the on-going map from the moment they are reserved, which is what lets a
// type refer to itself or to a type that refers back to it.
type Resolver struct {
	mu      sync.Mutex
	cache   map[Key]*Type
	ongoing map[Key]*Type
	diags   []Diagnostic
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		cache:   make(map[Key]*Type),
		ongoing: make(map[Key]*Type),
	}
}

// Lookup returns a finished or in-progress proxy. An empty assembly matches
// any assembly when the name is unambiguous.
func (r *Resolver) Lookup(assembly, name string) (*Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(assembly, name)
}

func (r *Resolver) lookupLocked(assembly, name string) (*Type, bool) {
	key := keyOf(assembly, name)
	if t, ok := r.cache[key]; ok {
		return t, true
	}
	if t, ok := r.ongoing[key]; ok {
		return t, true
	}
	if IsBuiltin(name) {
		t := newType(key, false)
		t.builtin = true
		close(t.ready)
		r.cache[key] = t
		return t, true
	}
	if assembly != "" {
		return nil, false
	}

	var found *Type
	for _, m := range []map[Key]*Type{r.cache, r.ongoing} {
		for k, t := range m {
			if k.Name != name {
				continue
			}
			if found != nil && found != t {
				return nil, false
			}
			found = t
		}
	}
	return found, found != nil
}

// reserve returns the proxy for key, creating and registering a placeholder
// when none exists. created tells the caller it owns populating it.
func (r *Resolver) reserve(key Key, isArray bool) (t *Type, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.lookupLocked(key.Assembly, key.Name); ok {
		return t, false
	}
	t = newType(key, isArray)
	r.ongoing[key] = t
	return t, true
}

// commit moves a populated placeholder into the permanent cache.
func (r *Resolver) commit(t *Type) {
	r.mu.Lock()
	delete(r.ongoing, t.key)
	r.cache[t.key] = t
	r.mu.Unlock()
	close(t.ready)
}

func (r *Resolver) diagnose(d Diagnostic) {
	r.mu.Lock()
	r.diags = append(r.diags, d)
	r.mu.Unlock()
}

// Diagnostics returns every member skipped so far in this session.
func (r *Resolver) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Diagnostic(nil), r.diags...)
}

// Len returns the number of finished proxies, builtins included.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// InProgress returns the number of types currently being built.
func (r *Resolver) InProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ongoing)
}
