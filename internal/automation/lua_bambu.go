//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerBambuModule installs the `bambu` global.
func registerBambuModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return bambuOn(L, vm) },
		"after":        func(L *lua.LState) int { return bambuAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return bambuLog(L, vm, e) },
		"status":       func(L *lua.LState) int { return bambuStatus(L, e) },
		"printers":     func(L *lua.LState) int { return bambuPrinters(L, e) },
		"stop_print":   func(L *lua.LState) int { return bambuControl(L, e, e.fleet.StopPrint) },
		"pause_print":  func(L *lua.LState) int { return bambuControl(L, e, e.fleet.PausePrint) },
		"resume_print": func(L *lua.LState) int { return bambuControl(L, e, e.fleet.ResumePrint) },
		"now":          bambuNow,
		"time_between": bambuTimeBetween,
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("bambu", mod)
}

// bambu.on(event_type, {printer=..., file=...}, fn)
func bambuOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	var fn *lua.LFunction
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		if v := tbl.RawGetString("printer"); v != lua.LNil {
			h.printerID = v.String()
		}
		if v := tbl.RawGetString("file"); v != lua.LNil {
			h.file = v.String()
		}
		fn = L.CheckFunction(3)
	} else {
		// Filter table is optional: bambu.on(type, fn).
		fn = L.CheckFunction(2)
	}
	h.fn = fn

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// bambu.after(seconds, fn) runs fn later on the script's VM.
func bambuAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// bambu.log(msg [, level])
func bambuLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")
	if vm.logf != nil {
		vm.logf(level, msg)
		return 0
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// bambu.status(printer_id) returns the last-known status table or nil.
func bambuStatus(L *lua.LState, e *Engine) int {
	st, ok := e.fleet.Status(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	tbl := goToLua(L, jsonMap(st)).(*lua.LTable)
	tbl.RawSetString("state", lua.LString(st.State.String()))
	L.Push(tbl)
	return 1
}

// bambu.printers() returns {id, name, serial, model, connected, state}.
func bambuPrinters(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, p := range e.fleet.List() {
		row := L.NewTable()
		row.RawSetString("id", lua.LString(p.ID))
		row.RawSetString("name", lua.LString(p.Name))
		row.RawSetString("serial", lua.LString(p.Serial))
		row.RawSetString("model", lua.LString(p.Model))
		if p.Status != nil {
			row.RawSetString("connected", lua.LBool(p.Status.Connected))
			row.RawSetString("state", lua.LString(p.Status.State.String()))
		}
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}

// bambu.stop_print / pause_print / resume_print(printer_id) -> bool
func bambuControl(L *lua.LState, e *Engine, op func(id string) error) int {
	id := L.CheckString(1)
	if err := op(id); err != nil {
		e.logger.Warn("script printer command failed", "printer", id, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// bambu.now(component)
func bambuNow(L *lua.LState) int {
	now := time.Now()
	switch c := L.OptString(1, "timestamp"); c {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+c)
		return 0
	}
	return 1
}

// bambu.time_between(from_hour, to_hour) handles ranges across midnight.
func bambuTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

func jsonMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}
