// Package agent serves the diver endpoints for a Target over the simple HTTP
// protocol. Every handler runs behind an error boundary: failures and panics
// become a DiverError body with a non-2xx status, and the serve loop keeps
// going.
package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/diver"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

var (
	// ErrNotFound maps to 404.
	ErrNotFound = stderrors.New("not found")
	// ErrBadRequest maps to 400.
	ErrBadRequest = stderrors.New("bad request")
	// ErrObjectMoved maps to 410 so the controller can tell a relocated
	// object from other failures.
	ErrObjectMoved = diver.ErrObjectMoved
)

// ObjectQuery is the decoded /object query.
type ObjectQuery struct {
	Address          uint64
	TypeName         string
	Pin              bool
	Hashcode         *int32
	HashcodeFallback bool
}

// Target is the process the agent exposes.
type Target interface {
	Domains(ctx context.Context) (*dumps.DomainsDump, error)
	Heap(ctx context.Context, filter string, hashcodes bool) (*dumps.HeapDump, error)
	Types(ctx context.Context, filter, importerModule string) (*dumps.TypesDump, error)
	Type(ctx context.Context, req dumps.TypeDumpRequest) (*dumps.TypeDump, error)
	Object(ctx context.Context, q ObjectQuery) (*dumps.ObjectDump, error)
	Unpin(ctx context.Context, addr uint64) error
	Invoke(ctx context.Context, req dumps.InvocationRequest) (*dumps.InvocationResults, error)
	Create(ctx context.Context, req dumps.CtorInvocationRequest) (*dumps.InvocationResults, error)
	GetField(ctx context.Context, req dumps.FieldSetRequest) (*dumps.InvocationResults, error)
	SetField(ctx context.Context, req dumps.FieldSetRequest) (*dumps.InvocationResults, error)
	// HookInstaller validates a hook request and returns what patches the
	// method. Dispatch goes through the Center the target was built with.
	HookInstaller(req dumps.FunctionHookRequest) (hooking.Installer, error)
}

type handlerFunc func(ctx context.Context, req *simplehttp.Request) (any, error)

// Agent routes requests to a Target.
type Agent struct {
	target    Target
	center    *hooking.Center
	callbacks *diver.CallbackClient
	log       *glog.Logger
	routes    map[string]handlerFunc
}

// New creates an agent. center must be the one target dispatches hooks
// through.
func New(target Target, center *hooking.Center, logger *glog.Logger) *Agent {
	if logger == nil {
		logger = glog.Get()
	}
	a := &Agent{
		target:    target,
		center:    center,
		callbacks: &diver.CallbackClient{Logger: logger},
		log:       logger.WithCategory("agent"),
	}
	a.routes = map[string]handlerFunc{
		diver.PathPing:         a.ping,
		diver.PathDomains:      a.domains,
		diver.PathHeap:         a.heap,
		diver.PathTypes:        a.types,
		diver.PathType:         a.typeDump,
		diver.PathObject:       a.object,
		diver.PathUnpin:        a.unpin,
		diver.PathInvoke:       a.invoke,
		diver.PathCreateObject: a.createObject,
		diver.PathGetField:     a.getField,
		diver.PathSetField:     a.setField,
		diver.PathHook:         a.hook,
		diver.PathUnhook:       a.unhook,
	}
	return a
}

// Paths lists the served endpoints.
func (a *Agent) Paths() []string {
	out := make([]string, 0, len(a.routes))
	for p := range a.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Serve accepts connections on ln until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context, ln net.Listener, maxConns int) error {
	defer a.callbacks.Close()
	srv := &simplehttp.Server{Handler: a, MaxConns: maxConns, Logger: a.log}
	return srv.Serve(ctx, ln)
}

// ServeSimpleHTTP dispatches one request behind the error boundary.
func (a *Agent) ServeSimpleHTTP(ctx context.Context, req *simplehttp.Request) (resp *simplehttp.Response) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.WithStack(fmt.Errorf("panic in %s: %v", req.URL, r))
			a.log.Error("handler panicked", zap.String("path", req.URL), zap.Any("panic", r))
			resp = errorResponse(http.StatusInternalServerError, err)
		}
	}()

	h, ok := a.routes[req.URL]
	if !ok {
		return errorResponse(http.StatusNotFound, errors.Errorf("unknown path %s", req.URL))
	}
	out, err := h(ctx, req)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			a.log.Warn("handler failed", zap.String("path", req.URL), zap.Error(err))
		}
		return errorResponse(status, errors.WithStack(err))
	}
	b, err := json.Marshal(out)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, errors.Wrap(err, "encode response"))
	}
	return simplehttp.ResponseFromJSON(http.StatusOK, string(b), nil)
}

func statusOf(err error) int {
	switch {
	case stderrors.Is(err, ErrObjectMoved):
		return http.StatusGone
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case stderrors.Is(err, dumps.ErrNotImplemented):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorResponse renders err as a DiverError. The stack trace is the
// innermost one recorded by github.com/pkg/errors.
func errorResponse(status int, err error) *simplehttp.Response {
	de := dumps.DiverError{Error: err.Error()}
	var st stackTracer
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s
		}
	}
	if st != nil {
		de.StackTrace = fmt.Sprintf("%+v", st.StackTrace())
	}
	b, _ := json.Marshal(de)
	return simplehttp.ResponseFromJSON(status, string(b), nil)
}
