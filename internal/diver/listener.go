package diver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/primitives"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

// registrationGrace is how long a callback for an unknown token waits for
// HookMethod to record it. The agent may fire before /hook has returned.
const registrationGrace = 2 * time.Second

// CallbacksListener serves the controller end of the callback channel.
type CallbacksListener struct {
	ln     net.Listener
	log    *glog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	cbs     map[int]hooking.RawCallback
	changed chan struct{} // closed and replaced on every Register
}

// ListenCallbacks starts a listener on ip:port. Port zero picks a free
// port.
func ListenCallbacks(ctx context.Context, ip string, port int, logger *glog.Logger) (*CallbacksListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen callbacks: %w", err)
	}
	return ServeCallbacks(ln, logger), nil
}

// ServeCallbacks serves the callback channel on an existing listener.
func ServeCallbacks(ln net.Listener, logger *glog.Logger) *CallbacksListener {
	if logger == nil {
		logger = glog.Get()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &CallbacksListener{
		ln:      ln,
		log:     logger.WithCategory("callbacks"),
		cancel:  cancel,
		done:    make(chan struct{}),
		cbs:     make(map[int]hooking.RawCallback),
		changed: make(chan struct{}),
	}
	srv := &simplehttp.Server{Handler: l, Logger: l.log}
	go func() {
		defer close(l.done)
		if err := srv.Serve(ctx, ln); err != nil {
			l.log.Warn("callback listener stopped", zap.Error(err))
		}
	}()
	return l
}

// Addr returns the listening address.
func (l *CallbacksListener) Addr() net.Addr { return l.ln.Addr() }

// IP returns the listening IP as the agent should dial it.
func (l *CallbacksListener) IP() string {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	host, _, _ := net.SplitHostPort(l.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (l *CallbacksListener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Register routes callbacks for token to cb.
func (l *CallbacksListener) Register(token int, cb hooking.RawCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cbs[token] = cb
	close(l.changed)
	l.changed = make(chan struct{})
}

// Unregister stops routing token.
func (l *CallbacksListener) Unregister(token int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cbs, token)
}

// Len returns the number of registered tokens.
func (l *CallbacksListener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cbs)
}

func (l *CallbacksListener) lookup(ctx context.Context, token int) (hooking.RawCallback, bool) {
	timer := time.NewTimer(registrationGrace)
	defer timer.Stop()
	for {
		l.mu.Lock()
		cb, ok := l.cbs[token]
		changed := l.changed
		l.mu.Unlock()
		if ok {
			return cb, true
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close stops serving and waits for the serve loop to exit.
func (l *CallbacksListener) Close() error {
	l.cancel()
	<-l.done
	return nil
}

// ServeSimpleHTTP answers /ping and /invoke_callback.
func (l *CallbacksListener) ServeSimpleHTTP(ctx context.Context, req *simplehttp.Request) *simplehttp.Response {
	switch req.URL {
	case PathPing:
		return jsonResponse(http.StatusOK, dumps.Status{Status: PongStatus})
	case PathCallback:
		return l.invoke(ctx, req)
	}
	return errorResponse(http.StatusNotFound, fmt.Sprintf("unknown path %s", req.URL))
}

func (l *CallbacksListener) invoke(ctx context.Context, req *simplehttp.Request) *simplehttp.Response {
	var call dumps.CallbackInvocationRequest
	if err := json.Unmarshal(req.Body, &call); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("decode callback: %v", err))
	}
	cb, ok := l.lookup(ctx, call.Token)
	if !ok {
		return errorResponse(http.StatusNotFound, fmt.Sprintf("unknown token %d", call.Token))
	}

	callOriginal, err := cb(ctx, call)
	if err != nil {
		l.log.Warn("callback failed", zap.Int("token", call.Token), zap.Error(err))
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
	ret, _ := primitives.ToRemote(callOriginal)
	return jsonResponse(http.StatusOK, dumps.InvocationResults{ReturnedObjectOrAddress: &ret})
}

func jsonResponse(status int, v any) *simplehttp.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
	return simplehttp.ResponseFromJSON(status, string(b), nil)
}

func errorResponse(status int, msg string) *simplehttp.Response {
	b, _ := json.Marshal(dumps.DiverError{Error: msg})
	return simplehttp.ResponseFromJSON(status, string(b), nil)
}

// DecodeCallOriginal reads the boolean a callback listener answered with.
// Anything but an explicit false lets the original run.
func DecodeCallOriginal(res *dumps.InvocationResults) bool {
	if res == nil || res.ReturnedObjectOrAddress == nil || res.ReturnedObjectOrAddress.IsRemoteAddress {
		return true
	}
	v, err := primitives.Decode(res.ReturnedObjectOrAddress.EncodedObject, primitives.TypeBoolean)
	if err != nil {
		return true
	}
	b, _ := v.(bool)
	return b
}
