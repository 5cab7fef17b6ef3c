package hooking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zboralski/remotenet/internal/dumps"
)

type countingInstaller struct {
	installs   atomic.Int32
	uninstalls atomic.Int32
	fail       error
}

func (c *countingInstaller) Install() error {
	if c.fail != nil {
		return c.fail
	}
	c.installs.Add(1)
	return nil
}

func (c *countingInstaller) Uninstall() error {
	c.uninstalls.Add(1)
	return nil
}

func answer(v bool) CallbackFunc {
	return func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		return v, nil
	}
}

const hookID = "App.Foo.Bar([]):Prefix"

func TestCenterRefCounting(t *testing.T) {
	c := NewCenter(nil)
	inst := &countingInstaller{}

	for tok := 1; tok <= 3; tok++ {
		if err := c.Register(hookID, 0, answer(true), tok, inst); err != nil {
			t.Fatalf("Register(%d): %v", tok, err)
		}
	}
	if got := inst.installs.Load(); got != 1 {
		t.Errorf("installs = %d, want 1", got)
	}
	if got := c.Count(hookID); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	for tok := 1; tok <= 2; tok++ {
		if err := c.Unregister(hookID, tok); err != nil {
			t.Fatalf("Unregister(%d): %v", tok, err)
		}
		if got := inst.uninstalls.Load(); got != 0 {
			t.Fatalf("uninstalled with %d callbacks left", c.Count(hookID))
		}
	}
	if err := c.Unregister(hookID, 3); err != nil {
		t.Fatalf("Unregister(3): %v", err)
	}
	if got := inst.uninstalls.Load(); got != 1 {
		t.Errorf("uninstalls = %d, want 1", got)
	}
	if c.HasHooks(hookID) || c.Len() != 0 {
		t.Error("hook still present after last removal")
	}

	// A fresh registration reinstalls.
	if err := c.Register(hookID, 0, answer(true), 4, inst); err != nil {
		t.Fatal(err)
	}
	if got := inst.installs.Load(); got != 2 {
		t.Errorf("installs = %d, want 2", got)
	}
}

func TestCenterConcurrentRegister(t *testing.T) {
	c := NewCenter(nil)
	inst := &countingInstaller{}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Register(hookID, 0, answer(true), c.NewToken(), inst); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := inst.installs.Load(); got != 1 {
		t.Errorf("installs = %d, want 1", got)
	}
	if got := c.Count(hookID); got != 32 {
		t.Errorf("Count = %d, want 32", got)
	}
}

func TestCenterInstallFailure(t *testing.T) {
	c := NewCenter(nil)
	boom := errors.New("boom")
	if err := c.Register(hookID, 0, answer(true), 1, &countingInstaller{fail: boom}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if c.HasHooks(hookID) {
		t.Error("failed install left a hook behind")
	}
}

func TestCenterDispatch(t *testing.T) {
	tests := []struct {
		name     string
		regs     map[uint64]bool // instance filter -> answer
		instance uint64
		want     bool
	}{
		{"no hooks", nil, 0x10, true},
		{"all agree", map[uint64]bool{0: true, 0x10: true}, 0x10, true},
		{"one vetoes", map[uint64]bool{0: true, 0x10: false}, 0x10, false},
		{"veto on other instance", map[uint64]bool{0: true, 0x20: false}, 0x10, true},
		{"global veto", map[uint64]bool{0: false}, 0x30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCenter(nil)
			for inst, v := range tt.regs {
				if err := c.Register(hookID, inst, answer(v), c.NewToken(), InstallerFuncs{}); err != nil {
					t.Fatal(err)
				}
			}
			got, err := c.Dispatch(context.Background(), hookID, tt.instance, nil)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if got != tt.want {
				t.Errorf("callOriginal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCenterDispatchErrors(t *testing.T) {
	c := NewCenter(nil)
	boom := errors.New("boom")
	var ran atomic.Int32
	failing := func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		ran.Add(1)
		return false, boom
	}
	after := func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
		ran.Add(1)
		return true, nil
	}
	_ = c.Register(hookID, 0, failing, 1, InstallerFuncs{})
	_ = c.Register(hookID, 0, after, 2, InstallerFuncs{})

	got, err := c.Dispatch(context.Background(), hookID, 0, nil)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if !got {
		t.Error("failing callback vetoed the original")
	}
	if ran.Load() != 2 {
		t.Errorf("ran %d callbacks, want 2", ran.Load())
	}
}

func TestCenterUnregisterErrors(t *testing.T) {
	c := NewCenter(nil)
	if err := c.Unregister(hookID, 1); !errors.Is(err, ErrNoHook) {
		t.Errorf("got %v, want ErrNoHook", err)
	}
	_ = c.Register(hookID, 0, answer(true), 1, InstallerFuncs{})
	if err := c.Unregister(hookID, 2); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
	if err := c.Register(hookID, 0, answer(true), 1, InstallerFuncs{}); err == nil {
		t.Error("duplicate token accepted")
	}
	if err := c.UnregisterToken(1); err != nil {
		t.Errorf("UnregisterToken: %v", err)
	}
	if err := c.UnregisterToken(1); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
}
