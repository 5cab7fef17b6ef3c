// Package app ties a diver connection to the per-session type resolver,
// the dynamic object factory and the hook manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/config"
	"github.com/zboralski/remotenet/internal/diver"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/dynamic"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/rnet"
	"github.com/zboralski/remotenet/internal/remote"
	"github.com/zboralski/remotenet/internal/trace"
)

// ErrMethodNotFound is returned by Method when no overload matches.
var ErrMethodNotFound = errors.New("method not found")

// Options configures Connect. Zero values select defaults.
type Options struct {
	Addr string // diver address
	// Relay, when set, reaches the diver through an rNET relay instead of
	// dialing Addr.
	Relay     string
	Timeout   time.Duration
	ListenIP  string // hook callback listener
	Logger    *glog.Logger
	Collector *trace.Collector // hook trace; nil allocates one
}

// OptionsFrom maps a loaded configuration to session options.
func OptionsFrom(c *config.Config) Options {
	return Options{
		Addr:     c.DiverAddr(),
		Relay:    c.Diver.Relay,
		Timeout:  c.Diver.Timeout,
		ListenIP: c.Listener.IP,
	}
}

// Session is one attachment to a target.
type Session struct {
	comm    *diver.Communicator
	types   *remote.Factory
	objects *dynamic.Factory
	hooks   *hooking.Manager
	trace   *trace.Collector
	log     *glog.Logger

	mu      sync.Mutex
	domains *dumps.DomainsDump
	pinned  map[uint64]*dynamic.Object
}

// Connect dials the diver, or the relay in front of it, and checks that it
// answers /ping.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	cfg := diver.Config{
		Timeout:  opts.Timeout,
		ListenIP: opts.ListenIP,
		Logger:   opts.Logger,
	}
	if opts.Relay != "" {
		relay := opts.Relay
		cfg.Dial = func(ctx context.Context) (diver.Transport, error) {
			return rnet.DialTunnel(ctx, relay)
		}
	}
	comm, err := diver.Connect(ctx, opts.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := comm.Ping(ctx); err != nil {
		comm.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return New(comm, opts), nil
}

// New builds a session over an established communicator.
func New(comm *diver.Communicator, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = glog.Get()
	}
	collector := opts.Collector
	if collector == nil {
		collector = trace.NewCollector(0)
	}
	s := &Session{
		comm:    comm,
		types:   remote.NewFactory(remote.NewResolver(), comm, log),
		objects: dynamic.NewFactory(log),
		trace:   collector,
		log:     log.WithCategory("app"),
		pinned:  make(map[uint64]*dynamic.Object),
	}
	s.hooks = hooking.NewManager(comm, s, collector, log)
	return s
}

// Communicator returns the underlying diver client.
func (s *Session) Communicator() *diver.Communicator { return s.comm }

// Types returns the session's type factory.
func (s *Session) Types() *remote.Factory { return s.types }

// Hooks returns the session's hook manager.
func (s *Session) Hooks() *hooking.Manager { return s.hooks }

// Trace returns the hook event collector.
func (s *Session) Trace() *trace.Collector { return s.trace }

// Domains returns the target's domains. The answer is cached until
// RefreshDomains.
func (s *Session) Domains(ctx context.Context) (*dumps.DomainsDump, error) {
	s.mu.Lock()
	d := s.domains
	s.mu.Unlock()
	if d != nil {
		return d, nil
	}
	d, err := s.comm.DumpDomains(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.domains = d
	s.mu.Unlock()
	return d, nil
}

// RefreshDomains drops the cached domain list, e.g. after the target loaded
// a module.
func (s *Session) RefreshDomains() {
	s.mu.Lock()
	s.domains = nil
	s.mu.Unlock()
}

// QueryTypes lists the types matching filter in every module of every
// domain. Modules that fail to dump are skipped.
func (s *Session) QueryTypes(ctx context.Context, filter string) ([]dumps.CandidateType, error) {
	doms, err := s.Domains(ctx)
	if err != nil {
		return nil, fmt.Errorf("query types: %w", err)
	}
	var out []dumps.CandidateType
	for _, dom := range doms.AvailableDomains {
		for _, module := range dom.AvailableModules {
			td, err := s.comm.DumpTypes(ctx, filter, module)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.log.Debug("dump types", zap.String("module", module), zap.Error(err))
				continue
			}
			for _, ti := range td.Types {
				ct := dumps.CandidateType{
					Runtime:      dumps.Managed,
					TypeFullName: ti.FullTypeName,
					Assembly:     module,
				}
				if ti.XoredMethodTable != nil {
					mt := *ti.XoredMethodTable ^ dumps.MethodTableXorMask
					ct.MethodTable = &mt
				}
				out = append(out, ct)
			}
		}
	}
	return out, nil
}

// QueryInstances lists heap objects whose type matches filter. Hash codes
// make the candidates resolvable after a GC but cost the target more.
func (s *Session) QueryInstances(ctx context.Context, filter string, hashcodes bool) ([]dumps.CandidateObject, error) {
	heap, err := s.comm.DumpHeap(ctx, filter, hashcodes)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	out := make([]dumps.CandidateObject, 0, len(heap.Objects))
	for _, o := range heap.Objects {
		out = append(out, dumps.CandidateObject{
			Runtime:      dumps.Managed,
			Address:      o.Address,
			TypeFullName: o.Type,
			HashCode:     o.HashCode,
		})
	}
	return out, nil
}

// GetType returns the proxy for name. assembly may be empty.
func (s *Session) GetType(ctx context.Context, name, assembly string) (*remote.Type, error) {
	return s.types.GetType(ctx, assembly, name)
}

// Method finds the overload of typeName.name whose parameter type names are
// params. A nil params accepts the only overload.
func (s *Session) Method(ctx context.Context, typeName, name string, params []string) (*remote.Method, error) {
	t, err := s.GetType(ctx, typeName, "")
	if err != nil {
		return nil, err
	}
	candidates := t.MethodsNamed(name)
	if params == nil && len(candidates) == 1 {
		return candidates[0], nil
	}
	for _, m := range candidates {
		if slices.Equal(m.ParamTypeNames(), params) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s.%s(%v): %d overloads: %w", typeName, name, params, len(candidates), ErrMethodNotFound)
}

// typeDump returns the dump for name, going to the target for builtins the
// resolver keeps without one.
func (s *Session) typeDump(ctx context.Context, name string) (*dumps.TypeDump, error) {
	if t, err := s.types.GetType(ctx, "", name); err == nil && t.Dump() != nil {
		return t.Dump(), nil
	}
	return s.comm.DumpType(ctx, name, "")
}

// GetRemoteObject pins the object at addr and returns its dynamic view.
// hashcode, when set, lets the target find the object after a GC moved it.
// The same pinned object is returned until it is released.
func (s *Session) GetRemoteObject(ctx context.Context, addr uint64, typeName string, hashcode *int32) (*dynamic.Object, error) {
	s.mu.Lock()
	if o, ok := s.pinned[addr]; ok {
		if !o.Ref().Released() {
			s.mu.Unlock()
			return o, nil
		}
		delete(s.pinned, addr)
	}
	s.mu.Unlock()

	od, err := s.comm.DumpObject(ctx, addr, typeName, true, hashcode)
	if err != nil {
		return nil, fmt.Errorf("dump object 0x%x: %w", addr, err)
	}
	td, err := s.typeDump(ctx, od.Type)
	if err != nil {
		s.comm.Unpin(ctx, od.PinnedAddress)
		return nil, fmt.Errorf("dump type %s: %w", od.Type, err)
	}
	ref, err := dynamic.NewRemoteObjectRef(s.comm, od, td)
	if err != nil {
		return nil, err
	}
	o := s.objects.Create(ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have pinned it meanwhile; keep theirs. Both dumps
	// share the one target pin, so ref is dropped without unpinning.
	if prev, ok := s.pinned[ref.Address()]; ok && !prev.Ref().Released() {
		return prev, nil
	}
	s.pinned[ref.Address()] = o
	if addr != ref.Address() {
		s.pinned[addr] = o
	}
	return o, nil
}

// Candidate resolves a heap query result.
func (s *Session) Candidate(ctx context.Context, c dumps.CandidateObject) (*dynamic.Object, error) {
	var hc *int32
	if c.HashCode != 0 {
		hc = &c.HashCode
	}
	return s.GetRemoteObject(ctx, c.Address, c.TypeFullName, hc)
}

// Object resolves hook arguments for the hook manager.
func (s *Session) Object(ctx context.Context, addr uint64, typeName string) (*dynamic.Object, error) {
	return s.GetRemoteObject(ctx, addr, typeName, nil)
}

// Release unpins o and forgets it.
func (s *Session) Release(ctx context.Context, o *dynamic.Object) error {
	s.mu.Lock()
	for k, v := range s.pinned {
		if v == o {
			delete(s.pinned, k)
		}
	}
	s.mu.Unlock()
	return o.Close(ctx)
}

// Pinned returns how many distinct objects the session holds pinned.
func (s *Session) Pinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*dynamic.Object]struct{}, len(s.pinned))
	for _, o := range s.pinned {
		seen[o] = struct{}{}
	}
	return len(seen)
}

// CreateInstance constructs a typeName on the target and returns it pinned.
func (s *Session) CreateInstance(ctx context.Context, typeName string, args ...any) (*dynamic.Object, error) {
	params, err := dynamic.Marshal(args...)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	res, err := s.comm.CreateObject(ctx, typeName, params)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	ret := res.ReturnedObjectOrAddress
	if ret == nil || !ret.IsRemoteAddress {
		return nil, fmt.Errorf("create %s: no object returned", typeName)
	}
	// The target already pinned the new object. Pinning it again while
	// dumping changes nothing, and Release undoes both.
	return s.GetRemoteObject(ctx, ret.RemoteAddress, typeName, nil)
}

// Close removes every hook, unpins every object and closes the connection.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if err := s.hooks.UnhookAll(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	objs := make(map[*dynamic.Object]struct{}, len(s.pinned))
	for _, o := range s.pinned {
		objs[o] = struct{}{}
	}
	s.pinned = make(map[uint64]*dynamic.Object)
	s.mu.Unlock()

	for o := range objs {
		if err := o.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.comm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
