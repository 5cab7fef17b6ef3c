// Package diver is the controller's client for a target agent. Every
// endpoint the agent serves has one typed method here; wire errors come
// back as *RemoteError.
package diver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

// Endpoint paths.
const (
	PathPing         = "/ping"
	PathDomains      = "/domains"
	PathHeap         = "/heap"
	PathTypes        = "/types"
	PathType         = "/type"
	PathObject       = "/object"
	PathUnpin        = "/unpin"
	PathInvoke       = "/invoke"
	PathCreateObject = "/create_object"
	PathGetField     = "/get_field"
	PathSetField     = "/set_field"
	PathHook         = "/hook"
	PathUnhook       = "/unhook"
	PathCallback     = "/invoke_callback"
)

// Query keys.
const (
	KeyAddress          = "address"
	KeyTypeName         = "type_name"
	KeyPinRequest       = "pinRequest"
	KeyPinObject        = "pinObject"
	KeyHashcode         = "hashcode"
	KeyHashcodeFallback = "hashcode_fallback"
	KeyTypeFilter       = "type_filter"
	KeyDumpHashcodes    = "dump_hashcodes"
	KeyImporterModule   = "importer_module"
	KeyToken            = "token"
)

// PongStatus is the body status of a healthy /ping.
const PongStatus = "pong"

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

var (
	// ErrObjectMoved is returned when the target could not find an object at
	// the given address, typically after a GC relocated it.
	ErrObjectMoved = errors.New("object moved")
	// ErrNotConnected is returned when no transport is available and none
	// can be dialed.
	ErrNotConnected = errors.New("not connected")
	// ErrBadPong is returned when /ping answers with something else.
	ErrBadPong = errors.New("unexpected ping answer")
)

// RemoteError is an error reported by the agent.
type RemoteError struct {
	Status     int
	Path       string
	Message    string
	StackTrace string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %d: %s", e.Path, e.Status, e.Message)
}

// Is lets errors.Is match ErrObjectMoved on 410 answers.
func (e *RemoteError) Is(target error) bool {
	return target == ErrObjectMoved && e.Status == http.StatusGone
}

// Transport carries one request to the agent and back.
// *simplehttp.Client and *rnet.Tunnel implement it.
type Transport interface {
	Send(ctx context.Context, req *simplehttp.Request) (*simplehttp.Response, error)
	Close() error
}

// DialFunc opens a fresh transport, used to reconnect after a broken one.
type DialFunc func(ctx context.Context) (Transport, error)

// Config tunes a Communicator. Zero values select defaults.
type Config struct {
	Timeout time.Duration
	// Dial reopens the transport after a transport error. Nil disables
	// reconnecting.
	Dial DialFunc
	// Listener receives hook callbacks. When nil, HookMethod starts one on
	// ListenIP.
	Listener *CallbacksListener
	ListenIP string
	Logger   *glog.Logger
}

// Communicator talks to one agent.
type Communicator struct {
	timeout  time.Duration
	dial     DialFunc
	listenIP string
	log      *glog.Logger

	mu        sync.Mutex
	transport Transport
	listener  *CallbacksListener
	ownsLn    bool
}

// New wraps an established transport. t may be nil when cfg.Dial is set.
func New(t Transport, cfg Config) *Communicator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Get()
	}
	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}
	return &Communicator{
		timeout:   cfg.Timeout,
		dial:      cfg.Dial,
		listenIP:  cfg.ListenIP,
		log:       cfg.Logger.WithCategory("diver"),
		transport: t,
		listener:  cfg.Listener,
	}
}

// Connect dials addr over the simple HTTP protocol and reconnects the same
// way after transport errors.
func Connect(ctx context.Context, addr string, cfg Config) (*Communicator, error) {
	ccfg := simplehttp.ClientConfig{Logger: cfg.Logger}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context) (Transport, error) {
			return simplehttp.Dial(ctx, addr, ccfg)
		}
	}
	t, err := cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return New(t, cfg), nil
}

func (c *Communicator) conn(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return c.transport, nil
	}
	if c.dial == nil {
		return nil, ErrNotConnected
	}
	t, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}
	c.log.Info("reconnected")
	c.transport = t
	return t, nil
}

// drop forgets a transport that failed so the next call redials.
func (c *Communicator) drop(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	t.Close()
}

// send performs one round trip and decodes a 2xx JSON body into out. out
// may be nil.
func (c *Communicator) send(ctx context.Context, path string, query url.Values, body any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		payload = string(b)
	}

	t, err := c.conn(ctx)
	if err != nil {
		return err
	}
	resp, err := t.Send(ctx, simplehttp.RequestFromJSON(path, query, payload))
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("transport failed", zap.String("path", path), zap.Error(err))
			c.drop(t)
		}
		return fmt.Errorf("%s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseRemoteError(path, resp)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func parseRemoteError(path string, resp *simplehttp.Response) error {
	re := &RemoteError{Status: resp.StatusCode, Path: path}
	var de dumps.DiverError
	if err := json.Unmarshal(resp.Body, &de); err == nil && de.Error != "" {
		re.Message = de.Error
		re.StackTrace = de.StackTrace
	} else {
		re.Message = strings.TrimSpace(string(resp.Body))
		if re.Message == "" {
			re.Message = http.StatusText(resp.StatusCode)
		}
	}
	return re
}

// Ping checks the agent is alive.
func (c *Communicator) Ping(ctx context.Context) error {
	var st dumps.Status
	if err := c.send(ctx, PathPing, nil, nil, &st); err != nil {
		return err
	}
	if st.Status != PongStatus {
		return fmt.Errorf("%w: %q", ErrBadPong, st.Status)
	}
	return nil
}

// DumpDomains lists the target's domains and modules.
func (c *Communicator) DumpDomains(ctx context.Context) (*dumps.DomainsDump, error) {
	var out dumps.DomainsDump
	if err := c.send(ctx, PathDomains, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpHeap lists live objects whose type matches filter.
func (c *Communicator) DumpHeap(ctx context.Context, filter string, hashcodes bool) (*dumps.HeapDump, error) {
	q := url.Values{}
	q.Set(KeyTypeFilter, filter)
	q.Set(KeyDumpHashcodes, strconv.FormatBool(hashcodes))
	var out dumps.HeapDump
	if err := c.send(ctx, PathHeap, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpTypes lists types matching filter, optionally restricted to what
// importerModule imports.
func (c *Communicator) DumpTypes(ctx context.Context, filter, importerModule string) (*dumps.TypesDump, error) {
	q := url.Values{}
	q.Set(KeyTypeFilter, filter)
	if importerModule != "" {
		q.Set(KeyImporterModule, importerModule)
	}
	var out dumps.TypesDump
	if err := c.send(ctx, PathTypes, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpType returns the shape of one type. An empty assembly lets the agent
// search every assembly.
func (c *Communicator) DumpType(ctx context.Context, name, assembly string) (*dumps.TypeDump, error) {
	return c.DumpTypeRequest(ctx, dumps.TypeDumpRequest{Assembly: assembly, TypeFullName: name})
}

// DumpTypeRequest is DumpType with full control over the lookup key.
func (c *Communicator) DumpTypeRequest(ctx context.Context, req dumps.TypeDumpRequest) (*dumps.TypeDump, error) {
	var out dumps.TypeDump
	if err := c.send(ctx, PathType, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpObject snapshots the object at addr, optionally pinning it. When
// hashcode is set the agent verifies it, and falls back to searching the
// heap by hashcode if the object moved.
func (c *Communicator) DumpObject(ctx context.Context, addr uint64, typeName string, pin bool, hashcode *int32) (*dumps.ObjectDump, error) {
	q := url.Values{}
	q.Set(KeyAddress, strconv.FormatUint(addr, 10))
	q.Set(KeyTypeName, typeName)
	// Older agents read pinObject.
	q.Set(KeyPinRequest, strconv.FormatBool(pin))
	q.Set(KeyPinObject, strconv.FormatBool(pin))
	if hashcode != nil {
		q.Set(KeyHashcode, strconv.FormatInt(int64(*hashcode), 10))
		q.Set(KeyHashcodeFallback, "true")
	}
	var out dumps.ObjectDump
	if err := c.send(ctx, PathObject, q, nil, &out); err != nil {
		return nil, fmt.Errorf("dump object 0x%x: %w", addr, err)
	}
	return &out, nil
}

// Unpin releases a pinned object.
func (c *Communicator) Unpin(ctx context.Context, addr uint64) error {
	q := url.Values{}
	q.Set(KeyAddress, strconv.FormatUint(addr, 10))
	return c.send(ctx, PathUnpin, q, nil, nil)
}

// InvokeMethod calls method on the object at addr, or a static method when
// addr is zero.
func (c *Communicator) InvokeMethod(ctx context.Context, addr uint64, typeName, method string, genericArgs []string, args []dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error) {
	req := dumps.InvocationRequest{
		ObjAddress:               addr,
		TypeFullName:             typeName,
		MethodName:               method,
		GenericArgsTypeFullNames: genericArgs,
		Parameters:               args,
	}
	var out dumps.InvocationResults
	if err := c.send(ctx, PathInvoke, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateObject constructs a new remote object. The result holds its pinned
// address.
func (c *Communicator) CreateObject(ctx context.Context, typeName string, args []dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error) {
	req := dumps.CtorInvocationRequest{TypeFullName: typeName, Parameters: args}
	var out dumps.InvocationResults
	if err := c.send(ctx, PathCreateObject, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetField reads a field of the object at addr.
func (c *Communicator) GetField(ctx context.Context, addr uint64, typeName, field string) (*dumps.InvocationResults, error) {
	req := dumps.FieldSetRequest{ObjAddress: addr, TypeFullName: typeName, FieldName: field}
	var out dumps.InvocationResults
	if err := c.send(ctx, PathGetField, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetField writes a field of the object at addr and returns the new value.
func (c *Communicator) SetField(ctx context.Context, addr uint64, typeName, field string, value dumps.ObjectOrRemoteAddress) (*dumps.InvocationResults, error) {
	req := dumps.FieldSetRequest{ObjAddress: addr, TypeFullName: typeName, FieldName: field, Value: value}
	var out dumps.InvocationResults
	if err := c.send(ctx, PathSetField, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Communicator) callbacks(ctx context.Context) (*CallbacksListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return c.listener, nil
	}
	ln, err := ListenCallbacks(ctx, c.listenIP, 0, c.log)
	if err != nil {
		return nil, err
	}
	c.listener, c.ownsLn = ln, true
	return ln, nil
}

// HookMethod registers a hook and routes its firings to cb. The callback
// listener is started on first use.
func (c *Communicator) HookMethod(ctx context.Context, req dumps.FunctionHookRequest, cb hooking.RawCallback) (int, error) {
	ln, err := c.callbacks(ctx)
	if err != nil {
		return 0, fmt.Errorf("hook %s.%s: %w", req.TypeFullName, req.MethodName, err)
	}
	req.IP, req.Port = ln.IP(), ln.Port()

	var out dumps.RegistrationResults
	if err := c.send(ctx, PathHook, nil, req, &out); err != nil {
		return 0, err
	}
	ln.Register(out.Token, cb)
	c.log.Debug("hooked", zap.String("id", req.UniqueHookID()), zap.Int("token", out.Token))
	return out.Token, nil
}

// UnhookMethod removes a hook registered by HookMethod.
func (c *Communicator) UnhookMethod(ctx context.Context, token int) error {
	q := url.Values{}
	q.Set(KeyToken, strconv.Itoa(token))
	err := c.send(ctx, PathUnhook, q, nil, nil)

	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln != nil {
		ln.Unregister(token)
	}
	return err
}

// Close shuts the transport and any listener the communicator started.
func (c *Communicator) Close() error {
	c.mu.Lock()
	t, ln, owns := c.transport, c.listener, c.ownsLn
	c.transport, c.listener = nil, nil
	c.mu.Unlock()

	var errs []error
	if ln != nil && owns {
		errs = append(errs, ln.Close())
	}
	if t != nil {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
