// Package hooking keeps track of method hooks on both ends of the wire.
//
// Center is the agent-side dispatch table: one detour per (method, position)
// fans out to any number of registered callbacks. Manager is the
// controller-side bookkeeping that turns wire callbacks into local handler
// calls with decoded arguments.
package hooking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
	"go.uber.org/zap"
)

// ErrNotImplemented is shared with the rest of the controller.
var ErrNotImplemented = dumps.ErrNotImplemented

var (
	// ErrUnknownToken is returned when unregistering a token that is not
	// registered under the hook.
	ErrUnknownToken = errors.New("unknown hook token")
	// ErrNoHook is returned when no detour exists for a hook id.
	ErrNoHook = errors.New("no such hook")
)

// CallbackFunc runs for one firing of a hooked method. It returns false to
// ask the target to skip the original method.
type CallbackFunc func(ctx context.Context, instance uint64, args []dumps.ObjectOrRemoteAddress) (callOriginal bool, err error)

// Installer patches and unpatches the target method behind a hook id.
type Installer interface {
	Install() error
	Uninstall() error
}

// InstallerFuncs adapts a pair of functions to Installer. Nil functions are
// no-ops.
type InstallerFuncs struct {
	InstallFn   func() error
	UninstallFn func() error
}

func (f InstallerFuncs) Install() error {
	if f.InstallFn == nil {
		return nil
	}
	return f.InstallFn()
}

func (f InstallerFuncs) Uninstall() error {
	if f.UninstallFn == nil {
		return nil
	}
	return f.UninstallFn()
}

type registration struct {
	token    int
	instance uint64
	callback CallbackFunc
}

// detour is one installed patch and the callbacks layered on it.
type detour struct {
	mu        sync.Mutex
	installer Installer
	regs      []registration
	dead      bool // uninstalled; callers must look up a fresh entry
}

// Center maps hook ids to detours. Each detour has its own lock so
// registration on one method never blocks dispatch on another.
type Center struct {
	Logger *glog.Logger

	mu     sync.RWMutex
	hooks  map[string]*detour
	tokens atomic.Int64
}

// NewCenter creates an empty dispatch table.
func NewCenter(logger *glog.Logger) *Center {
	if logger == nil {
		logger = glog.Get()
	}
	return &Center{Logger: logger.WithCategory("hook"), hooks: make(map[string]*detour)}
}

// NewToken allocates a registration token unique within this center.
func (c *Center) NewToken() int {
	return int(c.tokens.Add(1))
}

func (c *Center) entry(hookID string, installer Installer) *detour {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.hooks[hookID]
	if !ok {
		d = &detour{installer: installer}
		c.hooks[hookID] = d
	}
	return d
}

func (c *Center) drop(hookID string, d *detour) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks[hookID] == d {
		delete(c.hooks, hookID)
	}
}

// Register layers callback on the detour for hookID. The first registration
// installs the detour through installer; later ones reuse it and ignore
// their installer.
func (c *Center) Register(hookID string, instance uint64, callback CallbackFunc, token int, installer Installer) error {
	if callback == nil {
		return fmt.Errorf("register %s: nil callback", hookID)
	}
	for {
		d := c.entry(hookID, installer)
		d.mu.Lock()
		if d.dead {
			d.mu.Unlock()
			continue
		}
		for _, r := range d.regs {
			if r.token == token {
				d.mu.Unlock()
				return fmt.Errorf("register %s: token %d already registered", hookID, token)
			}
		}
		if len(d.regs) == 0 {
			if err := d.installer.Install(); err != nil {
				d.dead = true
				d.mu.Unlock()
				c.drop(hookID, d)
				return fmt.Errorf("install %s: %w", hookID, err)
			}
			c.Logger.HookInstall(hookID, true, 1)
		}
		d.regs = append(d.regs, registration{token: token, instance: instance, callback: callback})
		n := len(d.regs)
		d.mu.Unlock()
		c.Logger.Debug("registered", zap.String("id", hookID), zap.Int("token", token), glog.Ptr("instance", instance), zap.Int("callbacks", n))
		return nil
	}
}

// Unregister removes the callback registered under token. Removing the last
// callback uninstalls the detour.
func (c *Center) Unregister(hookID string, token int) error {
	c.mu.RLock()
	d, ok := c.hooks[hookID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", hookID, ErrNoHook)
	}

	d.mu.Lock()
	idx := -1
	for i, r := range d.regs {
		if r.token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return fmt.Errorf("unregister %s token %d: %w", hookID, token, ErrUnknownToken)
	}
	d.regs = append(d.regs[:idx], d.regs[idx+1:]...)
	if len(d.regs) > 0 {
		d.mu.Unlock()
		return nil
	}
	d.dead = true
	err := d.installer.Uninstall()
	d.mu.Unlock()

	// The map lock is never taken while holding a detour lock.
	c.drop(hookID, d)
	c.Logger.HookInstall(hookID, false, 0)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", hookID, err)
	}
	return nil
}

// UnregisterToken removes token from whichever hook holds it.
func (c *Center) UnregisterToken(token int) error {
	c.mu.RLock()
	var found string
	for id, d := range c.hooks {
		d.mu.Lock()
		for _, r := range d.regs {
			if r.token == token {
				found = id
				break
			}
		}
		d.mu.Unlock()
		if found != "" {
			break
		}
	}
	c.mu.RUnlock()
	if found == "" {
		return fmt.Errorf("unregister token %d: %w", token, ErrUnknownToken)
	}
	return c.Unregister(found, token)
}

// Dispatch runs every callback registered for hookID that matches instance.
// A registration with instance zero matches every call. The original runs
// only if all matching callbacks agree; callback errors are joined and do
// not veto the original.
func (c *Center) Dispatch(ctx context.Context, hookID string, instance uint64, args []dumps.ObjectOrRemoteAddress) (bool, error) {
	c.mu.RLock()
	d, ok := c.hooks[hookID]
	c.mu.RUnlock()
	if !ok {
		return true, nil
	}

	d.mu.Lock()
	regs := append([]registration(nil), d.regs...)
	d.mu.Unlock()

	callOriginal := true
	var errs []error
	for _, r := range regs {
		if r.instance != 0 && r.instance != instance {
			continue
		}
		ok, err := r.callback(ctx, instance, args)
		if err != nil {
			c.Logger.Warn("callback failed", zap.String("id", hookID), zap.Int("token", r.token), zap.Error(err))
			errs = append(errs, fmt.Errorf("token %d: %w", r.token, err))
			continue
		}
		callOriginal = callOriginal && ok
	}
	return callOriginal, errors.Join(errs...)
}

// HasHooks reports whether a detour is installed for hookID.
func (c *Center) HasHooks(hookID string) bool {
	return c.Count(hookID) > 0
}

// Count returns the number of callbacks layered on hookID.
func (c *Center) Count(hookID string) int {
	c.mu.RLock()
	d, ok := c.hooks[hookID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}

// Len returns the number of installed detours.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}
