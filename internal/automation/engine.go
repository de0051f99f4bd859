//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"bambu-farm/internal/fleet"
	"bambu-farm/internal/printer"
)

// Fleet is what scripts may read and control.
type Fleet interface {
	Status(id string) (*printer.Status, bool)
	List() []fleet.PrinterInfo
	StopPrint(id string) error
	PausePrint(id string) error
	ResumePrint(id string) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is one bambu.on registration.
type luaEventHandler struct {
	eventType string
	printerID string // empty matches any printer
	file      string // empty matches any file
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf overrides where bambu.log output goes; used by RunLuaCode.
	logf func(level, msg string)
}

// Engine runs one Lua VM per enabled script and feeds it fleet events.
type Engine struct {
	events  *fleet.EventBus
	fleet   Fleet
	scripts *Scripts
	notify  NotifyConfig
	http    *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. Start loads the scripts.
func NewEngine(events *fleet.EventBus, f Fleet, scripts *Scripts, notify NotifyConfig, logger *slog.Logger) *Engine {
	return &Engine{
		events:  events,
		fleet:   f,
		scripts: scripts,
		notify:  notify,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the bus and starts every enabled script. A script
// that fails to load is logged and skipped.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	list, err := e.scripts.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range list {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels every VM and unsubscribes.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script from disk; a disabled script is only
// stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)
	s, err := e.scripts.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// Running lists the ids of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// newSandbox returns a Lua state without filesystem, process or dynamic
// loading access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := newSandbox()
	L.SetContext(ctx)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerBambuModule(L, vm, e)
	registerNotifyModule(L, e)
	return vm
}

// RunLuaCode runs code in a throwaway VM, then calls every handler it
// registered once with a synthetic event. Used to check a script before
// enabling it.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm.logf = func(level, msg string) {
		logMu.Lock()
		if level != "info" {
			msg = "[" + level + "] " + msg
		}
		logs = append(logs, msg)
		logMu.Unlock()
	}
	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (5s)"
			}
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := vm.state.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		ev.RawSetString("printer_id", lua.LString(h.printerID))
		ev.RawSetString("file", lua.LString(h.file))
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	// Top-level code runs with a deadline so a runaway loop cannot wedge
	// startup; handlers run under the VM's own context.
	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	L.SetContext(runCtx)
	err := L.DoString(s.LuaCode)
	runCancel()
	if err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}
	L.SetContext(ctx)

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It never blocks the
// bus: a full VM queue drops the event.
func (e *Engine) dispatchEvent(event fleet.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	data := eventData(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, data) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "event", event.Type)
			}
		}
	}
}

// eventData flattens an event payload to the map scripts see, using the
// payload's JSON field names.
func eventData(event fleet.Event) map[string]any {
	if m, ok := event.Data.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]any) bool {
	if h.eventType != eventType && h.eventType != "*" {
		return false
	}
	if h.printerID != "" {
		if id, _ := data["printer_id"].(string); id != h.printerID {
			return false
		}
	}
	if h.file != "" {
		file, _ := data["file"].(string)
		if file == "" {
			file, _ = data["filename"].(string)
		}
		if !strings.EqualFold(file, h.file) {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "event", eventType, "panic", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range data {
		ev.RawSetString(k, goToLua(L, v))
	}
	ev.RawSetString("type", lua.LString(eventType))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
	}
}

// goToLua converts JSON-shaped Go values to Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
