package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zboralski/remotenet/internal/agent"
	"github.com/zboralski/remotenet/internal/agent/sandbox"
	"github.com/zboralski/remotenet/internal/diver"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/hooking"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
	"github.com/zboralski/remotenet/internal/remote"
)

type harness struct {
	sb   *sandbox.Sandbox
	addr string
	comm *diver.Communicator
}

func serve(t *testing.T, wrap func(*sandbox.Sandbox) agent.Target) *harness {
	t.Helper()
	center := hooking.NewCenter(nil)
	sb := sandbox.New(center, nil)
	require.NoError(t, sb.Populate())

	var target agent.Target = sb
	if wrap != nil {
		target = wrap(sb)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.New(target, center, nil).Serve(ctx, ln, 0)
	}()

	comm, err := diver.Connect(ctx, ln.Addr().String(), diver.Config{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		comm.Close()
		cancel()
		<-done
	})
	return &harness{sb: sb, addr: ln.Addr().String(), comm: comm}
}

// raw sends one request with an exact query, bypassing the communicator.
func (h *harness) raw(t *testing.T, path string, q url.Values) *simplehttp.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := simplehttp.Dial(ctx, h.addr, simplehttp.ClientConfig{})
	require.NoError(t, err)
	defer cl.Close()
	resp, err := cl.Send(ctx, simplehttp.RequestFromJSON(path, q, ""))
	require.NoError(t, err)
	return resp
}

func TestPinnedPrimitiveObject(t *testing.T) {
	h := serve(t, nil)
	q := url.Values{"address": {"12345"}, "pinObject": {"true"}}

	resp := h.raw(t, "/object", q)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))
	var first dumps.ObjectDump
	require.NoError(t, json.Unmarshal(resp.Body, &first))
	require.Equal(t, dumps.Primitive, first.ObjectType)
	require.Equal(t, "42", first.PrimitiveValue)
	require.Equal(t, "System.Int32", first.Type)
	require.NotZero(t, first.PinnedAddress)

	// A GC does not move a pinned object.
	h.sb.Objects().Compact()
	resp = h.raw(t, "/object", url.Values{"address": {"12345"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))
	var second dumps.ObjectDump
	require.NoError(t, json.Unmarshal(resp.Body, &second))
	require.Equal(t, "42", second.PrimitiveValue)

	resp = h.raw(t, "/object", q)
	var third dumps.ObjectDump
	require.NoError(t, json.Unmarshal(resp.Body, &third))
	require.Equal(t, first.PinnedAddress, third.PinnedAddress)

	// Pinned twice, but one unpin releases it and the next GC moves it.
	ctx := context.Background()
	require.NoError(t, h.comm.Unpin(ctx, first.PinnedAddress))
	require.Error(t, h.comm.Unpin(ctx, first.PinnedAddress))
	h.sb.Objects().Compact()

	_, err := h.comm.DumpObject(ctx, sandbox.DemoAnswerAddress, "System.Int32", false, nil)
	require.ErrorIs(t, err, diver.ErrObjectMoved)

	// The hash code still finds it.
	od, err := h.comm.DumpObject(ctx, sandbox.DemoAnswerAddress, "System.Int32", false, &first.HashCode)
	require.NoError(t, err)
	require.Equal(t, "42", od.PrimitiveValue)
	require.NotEqual(t, uint64(sandbox.DemoAnswerAddress), od.RetrievalAddress)
}

func TestQueries(t *testing.T) {
	h := serve(t, nil)
	ctx := context.Background()

	require.NoError(t, h.comm.Ping(ctx))

	doms, err := h.comm.DumpDomains(ctx)
	require.NoError(t, err)
	require.Equal(t, "sandbox", doms.Current)
	require.Contains(t, doms.AvailableDomains[0].AvailableModules, sandbox.AppModule)

	types, err := h.comm.DumpTypes(ctx, "Sandbox.*", "")
	require.NoError(t, err)
	require.Len(t, types.Types, 2)
	require.Equal(t, "Sandbox.Entity", types.Types[0].FullTypeName)

	td, err := h.comm.DumpType(ctx, "Sandbox.Person", sandbox.AppModule)
	require.NoError(t, err)
	require.NotNil(t, td.ParentDump)
	require.Equal(t, "Sandbox.Entity", td.ParentDump.Type)

	_, err = h.comm.DumpType(ctx, "Sandbox.Missing", "")
	var re *diver.RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusNotFound, re.Status)
	require.NotEmpty(t, re.StackTrace)

	heap, err := h.comm.DumpHeap(ctx, "Sandbox.Person", true)
	require.NoError(t, err)
	require.Len(t, heap.Objects, 2)
	require.NotZero(t, heap.Objects[0].HashCode)
}

func TestInvokeAndFields(t *testing.T) {
	h := serve(t, nil)
	ctx := context.Background()

	res, err := h.comm.InvokeMethod(ctx, 0, "Sandbox.Person", "Add", nil,
		[]dumps.ObjectOrRemoteAddress{dumps.FromEncoded("2", "System.Int32"), dumps.FromEncoded("40", "System.Int32")})
	require.NoError(t, err)
	require.Equal(t, "42", res.ReturnedObjectOrAddress.EncodedObject)

	heap, err := h.comm.DumpHeap(ctx, "Sandbox.Person", false)
	require.NoError(t, err)
	alice := heap.Objects[0].Address

	res, err = h.comm.InvokeMethod(ctx, alice, "Sandbox.Person", "Greet", nil,
		[]dumps.ObjectOrRemoteAddress{dumps.FromEncoded("Carol", "System.String")})
	require.NoError(t, err)
	require.Equal(t, "Hello Carol, I am Alice", res.ReturnedObjectOrAddress.EncodedObject)

	// Inherited method.
	res, err = h.comm.InvokeMethod(ctx, alice, "Sandbox.Person", "Describe", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "Sandbox.Person#1", res.ReturnedObjectOrAddress.EncodedObject)

	res, err = h.comm.SetField(ctx, alice, "Sandbox.Person", "Name", dumps.FromEncoded("Alicia", "System.String"))
	require.NoError(t, err)
	require.Equal(t, "Alicia", res.ReturnedObjectOrAddress.EncodedObject)

	res, err = h.comm.GetField(ctx, alice, "Sandbox.Person", "Friend")
	require.NoError(t, err)
	require.True(t, res.ReturnedObjectOrAddress.IsRemoteAddress)
	require.Equal(t, "Sandbox.Person", res.ReturnedObjectOrAddress.Type)

	_, err = h.comm.SetField(ctx, alice, "Sandbox.Person", "age", dumps.FromEncoded("old", "System.String"))
	var re *diver.RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusBadRequest, re.Status)

	res, err = h.comm.CreateObject(ctx, "Sandbox.Person",
		[]dumps.ObjectOrRemoteAddress{dumps.FromEncoded("Dan", "System.String"), dumps.FromEncoded("5", "System.Int32")})
	require.NoError(t, err)
	od, err := h.comm.DumpObject(ctx, res.ReturnedObjectOrAddress.RemoteAddress, "Sandbox.Person", false, nil)
	require.NoError(t, err)
	require.Equal(t, dumps.NonPrimitive, od.ObjectType)
	var age string
	for _, p := range od.Properties {
		if p.Name == "Age" {
			age = p.EncodedValue
		}
	}
	require.Equal(t, "5", age)
}

func TestHookSkipsOriginal(t *testing.T) {
	h := serve(t, nil)
	ctx := context.Background()

	types := remote.NewFactory(remote.NewResolver(), h.comm, nil)
	person, err := types.GetType(ctx, sandbox.AppModule, "Sandbox.Person")
	require.NoError(t, err)
	birthday := person.MethodsNamed("Birthday")
	require.Len(t, birthday, 1)

	heap, err := h.comm.DumpHeap(ctx, "Sandbox.Person", false)
	require.NoError(t, err)
	alice := heap.Objects[0].Address

	mgr := hooking.NewManager(h.comm, nil, nil, nil)
	fired := make(chan *hooking.Call, 4)
	veto := hooking.HandlerFunc(func(ctx context.Context, call *hooking.Call) (bool, error) {
		fired <- call
		return false, nil
	})
	_, err = mgr.Hook(ctx, birthday[0], dumps.Prefix, veto, 0)
	require.NoError(t, err)

	_, err = mgr.Hook(ctx, birthday[0], dumps.Prefix, veto, 0)
	require.ErrorIs(t, err, hooking.ErrDuplicateHook)

	_, err = h.comm.InvokeMethod(ctx, alice, "Sandbox.Person", "Birthday", nil, nil)
	require.NoError(t, err)
	call := <-fired
	require.Equal(t, alice, call.Instance)
	require.True(t, call.Degraded)

	res, err := h.comm.GetField(ctx, alice, "Sandbox.Person", "age")
	require.NoError(t, err)
	require.Equal(t, "30", res.ReturnedObjectOrAddress.EncodedObject)

	require.NoError(t, mgr.UnhookAll(ctx))
	res, err = h.comm.InvokeMethod(ctx, alice, "Sandbox.Person", "Birthday", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "31", res.ReturnedObjectOrAddress.EncodedObject)
}

// panicky panics on /domains.
type panicky struct{ *sandbox.Sandbox }

func (panicky) Domains(ctx context.Context) (*dumps.DomainsDump, error) {
	panic("boom")
}

func TestErrorBoundary(t *testing.T) {
	h := serve(t, func(sb *sandbox.Sandbox) agent.Target { return panicky{sb} })
	ctx := context.Background()

	_, err := h.comm.DumpDomains(ctx)
	var re *diver.RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusInternalServerError, re.Status)
	require.Contains(t, re.Message, "boom")
	require.Contains(t, re.StackTrace, "Domains")

	// The serve loop survived.
	require.NoError(t, h.comm.Ping(ctx))

	resp := h.raw(t, "/object", url.Values{"address": {"nope"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var de dumps.DiverError
	require.NoError(t, json.Unmarshal(resp.Body, &de))
	require.Contains(t, de.Error, "address")

	resp = h.raw(t, "/nowhere", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
