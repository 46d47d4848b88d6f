//go:build !no_automation

package automation

import (
	lua "github.com/yuin/gopher-lua"

	"clock-onair/internal/line"
)

// registerStudioModule registers the `studio` global table in a Lua state.
//
// Example script:
//
//	studio.on("top", function(event)
//	    if event.active then
//	        studio.ordres(1, true)
//	    end
//	end)
func registerStudioModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return studioOn(L, vm)
	}))

	mod.RawSetString("ordres", L.NewFunction(func(L *lua.LState) int {
		return studioOrdres(L, e)
	}))

	mod.RawSetString("now_playing", L.NewFunction(func(L *lua.LState) int {
		return studioNowPlaying(L, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return studioLog(L, e)
	}))

	L.SetGlobal("studio", mod)
}

const maxHandlersPerScript = 100

// studio.on(type, callback)
func studioOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	vm.mu.Unlock()

	return 0
}

// studio.ordres(channel, active)
func studioOrdres(L *lua.LState, e *Engine) int {
	channel := L.CheckInt(1)
	active := L.CheckBool(2)

	state := 0
	if active {
		state = 1
	}
	if e.fanout != nil {
		e.fanout.Broadcast(line.Frame{Cmd: "ordres", Channel: channel, State: state})
	}
	return 0
}

// studio.now_playing() -> table or nil
func studioNowPlaying(L *lua.LState, e *Engine) int {
	if e.nowPlaying == nil {
		L.Push(lua.LNil)
		return 1
	}
	snap := e.nowPlaying()
	if snap == nil {
		L.Push(lua.LNil)
		return 1
	}

	t := L.NewTable()
	t.RawSetString("station", lua.LString(snap.Station))
	t.RawSetString("title", lua.LString(snap.Title))
	t.RawSetString("artist", lua.LString(snap.Artist))
	t.RawSetString("album", lua.LString(snap.Album))
	t.RawSetString("durationMs", lua.LNumber(snap.DurationMs))
	t.RawSetString("introMs", lua.LNumber(snap.IntroMs))
	t.RawSetString("outroMs", lua.LNumber(snap.OutroMs))
	t.RawSetString("receivedAt", lua.LString(snap.ReceivedAt))
	L.Push(t)
	return 1
}

// studio.log(msg)
func studioLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
