package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the engine global:
//
//	engine.condition.apply(pid, id)   -> ok, err
//	engine.condition.remove(pid, id)  -> ok, err
//	engine.condition.has(pid, id)     -> bool
//	engine.participant.wounds(pid)    -> int | nil, err
//	engine.participant.threshold(pid) -> int | nil, err
//	engine.dice.roll(expr)            -> int | nil, err
//	engine.log(msg)
func (m *Manager) registerModules(L *lua.LState) {
	engine := L.NewTable()

	cond := L.NewTable()
	L.SetFuncs(cond, map[string]lua.LGFunction{
		"apply":  m.luaConditionChange(func() func(string, string) error { return m.ApplyCondition }),
		"remove": m.luaConditionChange(func() func(string, string) error { return m.RemoveCondition }),
		"has":    m.luaHasCondition,
	})
	L.SetField(engine, "condition", cond)

	participant := L.NewTable()
	L.SetFuncs(participant, map[string]lua.LGFunction{
		"wounds":    m.luaCount(func() func(string) (int, error) { return m.WoundCount }),
		"threshold": m.luaCount(func() func(string) (int, error) { return m.WoundThreshold }),
	})
	L.SetField(engine, "participant", participant)

	d := L.NewTable()
	L.SetFuncs(d, map[string]lua.LGFunction{"roll": m.luaRoll})
	L.SetField(engine, "dice", d)

	L.SetField(engine, "log", L.NewFunction(m.luaLog))
	L.SetGlobal("engine", engine)
}

// The callback getters are read at call time so callbacks injected after
// Load are honoured.

func (m *Manager) luaConditionChange(get func() func(string, string) error) lua.LGFunction {
	return func(L *lua.LState) int {
		pid, id := L.CheckString(1), L.CheckString(2)
		fn := get()
		if fn == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("not available"))
			return 2
		}
		if err := fn(pid, id); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}
}

func (m *Manager) luaHasCondition(L *lua.LState) int {
	pid, id := L.CheckString(1), L.CheckString(2)
	if m.HasCondition == nil {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(m.HasCondition(pid, id)))
	return 1
}

func (m *Manager) luaCount(get func() func(string) (int, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		pid := L.CheckString(1)
		fn := get()
		if fn == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("not available"))
			return 2
		}
		n, err := fn(pid)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LNumber(n))
		return 1
	}
}

func (m *Manager) luaRoll(L *lua.LState) int {
	res, err := m.roller.RollExpr(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(res.Total()))
	return 1
}

func (m *Manager) luaLog(L *lua.LState) int {
	m.logger.Info("script", zap.String("message", L.CheckString(1)))
	return 0
}
