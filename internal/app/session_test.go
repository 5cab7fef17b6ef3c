package app_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zboralski/remotenet/internal/agent"
	"github.com/zboralski/remotenet/internal/agent/sandbox"
	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/dynamic"
	"github.com/zboralski/remotenet/internal/hooking"
	"github.com/zboralski/remotenet/internal/protocol/rnet"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
	"github.com/zboralski/remotenet/internal/trace"
)

// target serves a populated sandbox on loopback and returns its address.
func target(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	center := hooking.NewCenter(nil)
	sb := sandbox.New(center, nil)
	require.NoError(t, sb.Populate())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.New(sb, center, nil).Serve(ctx, ln, 0)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sb, ln.Addr().String()
}

func connect(t *testing.T, opts app.Options) *app.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts.Timeout = 5 * time.Second
	s, err := app.Connect(ctx, opts)
	require.NoError(t, err)
	return s
}

func TestQueries(t *testing.T) {
	_, addr := target(t)
	s := connect(t, app.Options{Addr: addr})
	defer s.Close(context.Background())
	ctx := context.Background()

	types, err := s.QueryTypes(ctx, "Sandbox.*")
	require.NoError(t, err)
	require.Len(t, types, 2)
	require.Equal(t, sandbox.AppModule, types[0].Assembly)
	require.NotNil(t, types[0].MethodTable)

	objs, err := s.QueryInstances(ctx, "Sandbox.Person", true)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, dumps.Managed, objs[0].Runtime)
	require.NotZero(t, objs[0].HashCode)

	person, err := s.GetType(ctx, "Sandbox.Person", "")
	require.NoError(t, err)
	require.Equal(t, "Sandbox.Entity", person.Parent().Name())

	_, err = s.Method(ctx, "Sandbox.Person", "Greet", nil)
	require.ErrorIs(t, err, app.ErrMethodNotFound)
	m, err := s.Method(ctx, "Sandbox.Person", "Greet", []string{"System.String"})
	require.NoError(t, err)
	require.Equal(t, "Greet", m.Name)
}

func TestRemoteObjects(t *testing.T) {
	sb, addr := target(t)
	s := connect(t, app.Options{Addr: addr})
	ctx := context.Background()

	objs, err := s.QueryInstances(ctx, "Sandbox.Person", true)
	require.NoError(t, err)
	alice, err := s.Candidate(ctx, objs[0])
	require.NoError(t, err)

	again, err := s.Candidate(ctx, objs[0])
	require.NoError(t, err)
	require.Same(t, alice, again)
	require.Equal(t, 1, s.Pinned())

	name, err := alice.TryGetMember(ctx, "Name")
	require.NoError(t, err)
	require.Equal(t, "Alice", name)

	desc, err := alice.TryInvoke(ctx, "Describe")
	require.NoError(t, err)
	require.Equal(t, "Sandbox.Person#1", desc)

	dan, err := s.CreateInstance(ctx, "Sandbox.Person", "Dan", int32(5))
	require.NoError(t, err)
	name, err = dan.TryGetMember(ctx, "Name")
	require.NoError(t, err)
	require.Equal(t, "Dan", name)
	require.Equal(t, 2, s.Pinned())

	// The create and the dump pinned dan once between them.
	danAddr := dan.Ref().Address()
	o, ok := sb.Objects().At(danAddr)
	require.True(t, ok)
	require.True(t, sb.Objects().Pinned(o))
	require.NoError(t, s.Release(ctx, dan))
	require.False(t, sb.Objects().Pinned(o))

	aliceAddr := alice.Ref().Address()
	require.NoError(t, s.Close(ctx))
	require.Zero(t, s.Pinned())
	o, ok = sb.Objects().At(aliceAddr)
	require.True(t, ok)
	require.False(t, sb.Objects().Pinned(o))
}

func TestHookResolvesInstance(t *testing.T) {
	_, addr := target(t)
	s := connect(t, app.Options{Addr: addr})
	defer s.Close(context.Background())
	ctx := context.Background()

	objs, err := s.QueryInstances(ctx, "Sandbox.Person", true)
	require.NoError(t, err)
	alice, err := s.Candidate(ctx, objs[0])
	require.NoError(t, err)

	birthday, err := s.Method(ctx, "Sandbox.Person", "Birthday", nil)
	require.NoError(t, err)

	calls := make(chan *hooking.Call, 1)
	_, err = s.Hooks().Hook(ctx, birthday, dumps.Prefix, hooking.HandlerFunc(func(ctx context.Context, call *hooking.Call) (bool, error) {
		calls <- call
		return true, nil
	}), 0)
	require.NoError(t, err)

	age, err := alice.TryInvoke(ctx, "Birthday")
	require.NoError(t, err)
	require.Equal(t, int32(31), age)

	call := <-calls
	require.False(t, call.Degraded)
	inst, ok := call.Instance.(*dynamic.Object)
	require.True(t, ok)
	require.Same(t, alice, inst)

	require.NotEmpty(t, s.Trace().Tagged(trace.Hook))
}

func TestConnectThroughRelay(t *testing.T) {
	_, addr := target(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream, err := simplehttp.Dial(ctx, addr, simplehttp.ClientConfig{})
	require.NoError(t, err)
	defer upstream.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = (&rnet.Relay{Diver: upstream}).Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
	}()

	s := connect(t, app.Options{Relay: ln.Addr().String()})
	defer s.Close(context.Background())

	doms, err := s.Domains(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sandbox", doms.Current)
}
