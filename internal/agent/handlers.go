package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/diver"
	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

func decodeBody(req *simplehttp.Request, v any) error {
	if len(req.Body) == 0 {
		return fmt.Errorf("%s: empty body: %w", req.URL, ErrBadRequest)
	}
	if err := json.Unmarshal(req.Body, v); err != nil {
		return fmt.Errorf("%s: %v: %w", req.URL, err, ErrBadRequest)
	}
	return nil
}

func queryAddress(q url.Values, key string) (uint64, error) {
	s := q.Get(key)
	if s == "" {
		return 0, fmt.Errorf("missing %s: %w", key, ErrBadRequest)
	}
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", key, s, ErrBadRequest)
	}
	return addr, nil
}

// queryBool accepts any spelling cast understands; missing means false.
func queryBool(q url.Values, keys ...string) (bool, error) {
	for _, k := range keys {
		s := q.Get(k)
		if s == "" {
			continue
		}
		b, err := cast.ToBoolE(s)
		if err != nil {
			return false, fmt.Errorf("bad %s %q: %w", k, s, ErrBadRequest)
		}
		return b, nil
	}
	return false, nil
}

func (a *Agent) ping(ctx context.Context, req *simplehttp.Request) (any, error) {
	return dumps.Status{Status: diver.PongStatus}, nil
}

func (a *Agent) domains(ctx context.Context, req *simplehttp.Request) (any, error) {
	return a.target.Domains(ctx)
}

func (a *Agent) heap(ctx context.Context, req *simplehttp.Request) (any, error) {
	hashcodes, err := queryBool(req.Query, diver.KeyDumpHashcodes)
	if err != nil {
		return nil, err
	}
	return a.target.Heap(ctx, req.Query.Get(diver.KeyTypeFilter), hashcodes)
}

func (a *Agent) types(ctx context.Context, req *simplehttp.Request) (any, error) {
	return a.target.Types(ctx, req.Query.Get(diver.KeyTypeFilter), req.Query.Get(diver.KeyImporterModule))
}

func (a *Agent) typeDump(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.TypeDumpRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	if r.TypeFullName == "" && r.MethodTableAddress == 0 {
		return nil, fmt.Errorf("type: need a name or a method table: %w", ErrBadRequest)
	}
	return a.target.Type(ctx, r)
}

func (a *Agent) object(ctx context.Context, req *simplehttp.Request) (any, error) {
	q := req.Query
	addr, err := queryAddress(q, diver.KeyAddress)
	if err != nil {
		return nil, err
	}
	pin, err := queryBool(q, diver.KeyPinRequest, diver.KeyPinObject)
	if err != nil {
		return nil, err
	}
	fallback, err := queryBool(q, diver.KeyHashcodeFallback)
	if err != nil {
		return nil, err
	}
	oq := ObjectQuery{Address: addr, TypeName: q.Get(diver.KeyTypeName), Pin: pin, HashcodeFallback: fallback}
	if s := q.Get(diver.KeyHashcode); s != "" {
		hc, err := cast.ToInt32E(s)
		if err != nil {
			return nil, fmt.Errorf("bad %s %q: %w", diver.KeyHashcode, s, ErrBadRequest)
		}
		oq.Hashcode = &hc
	}
	return a.target.Object(ctx, oq)
}

func (a *Agent) unpin(ctx context.Context, req *simplehttp.Request) (any, error) {
	addr, err := queryAddress(req.Query, diver.KeyAddress)
	if err != nil {
		return nil, err
	}
	if err := a.target.Unpin(ctx, addr); err != nil {
		return nil, err
	}
	return dumps.StatusOK, nil
}

func (a *Agent) invoke(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.InvocationRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	return a.target.Invoke(ctx, r)
}

func (a *Agent) createObject(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.CtorInvocationRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	return a.target.Create(ctx, r)
}

func (a *Agent) getField(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.FieldSetRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	return a.target.GetField(ctx, r)
}

func (a *Agent) setField(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.FieldSetRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	return a.target.SetField(ctx, r)
}

// hook registers a callback that forwards firings to the controller's
// listener at IP:Port.
func (a *Agent) hook(ctx context.Context, req *simplehttp.Request) (any, error) {
	var r dumps.FunctionHookRequest
	if err := decodeBody(req, &r); err != nil {
		return nil, err
	}
	if !r.HookPosition.Valid() {
		return nil, fmt.Errorf("hook position %q: %w", r.HookPosition, ErrBadRequest)
	}
	if r.IP == "" || r.Port == 0 {
		return nil, fmt.Errorf("hook: missing callback address: %w", ErrBadRequest)
	}
	installer, err := a.target.HookInstaller(r)
	if err != nil {
		return nil, err
	}

	token := a.center.NewToken()
	forward := func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		return a.callbacks.Invoke(ctx, r.IP, r.Port, dumps.CallbackInvocationRequest{
			Token:      token,
			Parameters: args,
		})
	}
	if err := a.center.Register(r.UniqueHookID(), r.InstanceAddress, forward, token, installer); err != nil {
		return nil, err
	}
	a.log.Info("hook registered", zap.String("id", r.UniqueHookID()), zap.Int("token", token),
		glog.Ptr("instance", r.InstanceAddress))
	return dumps.RegistrationResults{Token: token}, nil
}

func (a *Agent) unhook(ctx context.Context, req *simplehttp.Request) (any, error) {
	s := req.Query.Get(diver.KeyToken)
	token, err := cast.ToIntE(s)
	if err != nil || s == "" {
		return nil, fmt.Errorf("bad %s %q: %w", diver.KeyToken, s, ErrBadRequest)
	}
	if err := a.center.UnregisterToken(token); err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrNotFound)
	}
	return dumps.StatusOK, nil
}
