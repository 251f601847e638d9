//go:build !no_scripts

// Package script lets Lua files declare features. Each script runs in its own
// sandboxed VM; its providers and handlers are called back on the agent loop.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// DefaultCallTimeout bounds every provider and handler call into Lua.
const DefaultCallTimeout = time.Second

var ErrClosed = errors.New("script: engine closed")

// scriptVM is the Lua state of one script. Calls are serialized by mu.
type scriptVM struct {
	id       string
	state    *lua.LState
	mu       sync.Mutex
	features []*thing.Feature
	closed   bool
}

// Engine loads scripts and owns their VMs.
type Engine struct {
	logger      *slog.Logger
	callTimeout time.Duration

	mu     sync.Mutex
	vms    map[string]*scriptVM
	closed bool
}

// NewEngine creates an engine. A zero callTimeout uses DefaultCallTimeout.
func NewEngine(logger *slog.Logger, callTimeout time.Duration) *Engine {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Engine{
		logger:      logger.With("component", "script"),
		callTimeout: callTimeout,
		vms:         make(map[string]*scriptVM),
	}
}

// LoadDir runs every enabled script in dir and returns the features they
// declared, in script order.
func (e *Engine) LoadDir(dir string) ([]*thing.Feature, error) {
	scripts, err := List(dir)
	if err != nil {
		return nil, err
	}
	var features []*thing.Feature
	for _, s := range scripts {
		if !s.Enabled() {
			e.logger.Info("script disabled", "id", s.ID)
			continue
		}
		fs, err := e.Load(s)
		if err != nil {
			return nil, err
		}
		features = append(features, fs...)
	}
	return features, nil
}

// Load runs the top-level code of s, which declares features through the
// `thing` global, and returns them.
func (e *Engine) Load(s *Script) ([]*thing.Feature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.vms[s.ID]; ok {
		return nil, fmt.Errorf("script %s: already loaded", s.ID)
	}

	L := newSandbox()
	vm := &scriptVM{id: s.ID, state: L}
	registerThingModule(L, vm, e)

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	L.SetContext(ctx)
	err := L.DoString(s.Code)
	L.RemoveContext()
	cancel()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("execute script %s: %w", s.ID, err)
	}
	for _, f := range vm.features {
		if err := f.Err(); err != nil {
			L.Close()
			return nil, fmt.Errorf("script %s: %w", s.ID, err)
		}
	}

	e.vms[s.ID] = vm
	e.logger.Info("script loaded", "id", s.ID, "name", s.Meta.Name, "features", len(vm.features))
	return vm.features, nil
}

// Close shuts every VM down. Providers of closed VMs keep reporting their
// last value; handlers fail.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, vm := range e.vms {
		vm.mu.Lock()
		vm.closed = true
		vm.state.Close()
		vm.mu.Unlock()
		delete(e.vms, id)
	}
}

func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// call invokes fn under the call timeout, passing arg when it is not nil,
// and returns its first result.
func (e *Engine) call(vm *scriptVM, fn *lua.LFunction, arg *wire.Value) (lua.LValue, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return lua.LNil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	L := vm.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	var args []lua.LValue
	if arg != nil {
		args = append(args, goToLua(L, arg.Interface()))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}
