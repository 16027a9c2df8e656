package lua

import (
	"context"
	"time"

	"bridge-controller/internal/core"

	lua "github.com/yuin/gopher-lua"
)

// registerGoFunctions exposes the router API to the given Lua state.
func (e *Engine) registerGoFunctions(L *lua.LState, ctx context.Context) {
	L.SetGlobal("send", L.NewFunction(func(L *lua.LState) int { return e.luaSend(L, ctx) }))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int { return luaSleep(L, ctx) }))
	L.SetGlobal("should_stop", L.NewFunction(func(L *lua.LState) int { return luaShouldStop(L, ctx) }))
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
}

func (e *Engine) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	line := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			line += "\t"
		}
		line += L.ToStringMeta(L.Get(i)).String()
	}
	e.log.Infof("[script] %s", line)
	return 0
}

// luaSend submits a command by name. It returns true once queued, or false
// and a message.
func (e *Engine) luaSend(L *lua.LState, ctx context.Context) int {
	kind := core.ParseKind(L.CheckString(1))
	if kind == core.KindInvalid {
		L.Push(lua.LFalse)
		L.Push(lua.LString("unknown command"))
		return 2
	}

	cmd := core.Command{Origin: core.OriginScript, Kind: kind}
	if err := core.Submit(ctx, e.inbox, cmd, e.SubmitTimeout); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// cancellableSleep reports whether ctx was cancelled before d elapsed.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

func luaSleep(L *lua.LState, ctx context.Context) int {
	cancellableSleep(ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
	return 0
}

func luaShouldStop(L *lua.LState, ctx context.Context) int {
	L.Push(lua.LBool(ctx.Err() != nil))
	return 1
}
