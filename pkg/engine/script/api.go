package script

import (
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
	lua "github.com/yuin/gopher-lua"
)

// register installs the state API as globals of the system's VM.
func (s *System) register() {
	for name, fn := range map[string]lua.LGFunction{
		"rows": s.luaRows,
		"get":  s.luaGet,
		"set":  s.luaSet,
		"find": s.luaFind,
		"emit": s.luaEmit,
		"tick": s.luaTick,
		"log":  s.luaLog,
	} {
		s.vm.SetGlobal(name, s.vm.NewFunction(fn))
	}
}

// fail records err and raises it as a Lua error. It never returns.
func (s *System) fail(L *lua.LState, err error) int {
	s.err = err
	L.RaiseError("%s", err.Error())
	return 0
}

func (s *System) active(L *lua.LState) bool {
	if s.ctx == nil {
		s.fail(L, eris.New("state API called outside of update"))
		return false
	}
	return true
}

func (s *System) view(L *lua.LState, table string) state.View {
	v, err := s.ctx.Read(table)
	if err != nil {
		s.fail(L, err)
		return nil
	}
	return v
}

// rows(table) -> number of rows.
func (s *System) luaRows(L *lua.LState) int {
	table := L.CheckString(1)
	if !s.active(L) {
		return 0
	}
	L.Push(lua.LNumber(s.view(L, table).Len()))
	return 1
}

// get(table, col, row) -> value.
func (s *System) luaGet(L *lua.LState) int {
	table, col, row := L.CheckString(1), L.CheckString(2), L.CheckInt(3)
	if !s.active(L) {
		return 0
	}
	v, err := s.view(L, table).Value(row-1, col)
	if err != nil {
		return s.fail(L, err)
	}
	L.Push(toLua(v))
	return 1
}

// set(table, col, row, value).
func (s *System) luaSet(L *lua.LState) int {
	table, col, row := L.CheckString(1), L.CheckString(2), L.CheckInt(3)
	value, err := fromLua(L.CheckAny(4))
	if err != nil {
		return s.fail(L, eris.Wrapf(state.ErrSchemaViolation, "set %s.%s: %v", table, col, err))
	}
	if !s.active(L) {
		return 0
	}
	w, err := s.ctx.Write(table)
	if err != nil {
		return s.fail(L, err)
	}
	if err := w.SetValue(row-1, col, value); err != nil {
		return s.fail(L, err)
	}
	return 0
}

// find(table, col, value) -> row or nil.
func (s *System) luaFind(L *lua.LState) int {
	table, col := L.CheckString(1), L.CheckString(2)
	value, err := fromLua(L.CheckAny(3))
	if err != nil {
		return s.fail(L, eris.Wrapf(state.ErrSchemaViolation, "find %s.%s: %v", table, col, err))
	}
	if !s.active(L) {
		return 0
	}
	row, ok, err := s.view(L, table).FindRow(col, value)
	if err != nil {
		return s.fail(L, err)
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(row + 1))
	return 1
}

// emit(name, fields).
func (s *System) luaEmit(L *lua.LState) int {
	name := L.CheckString(1)
	fields := map[string]any{}
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		var err error
		tbl.ForEach(func(k, v lua.LValue) {
			key, ok := k.(lua.LString)
			if !ok {
				err = eris.Errorf("event %s has a non-string field key", name)
				return
			}
			value, convErr := fromLua(v)
			if convErr != nil {
				err = eris.Wrapf(convErr, "event %s field %s", name, key)
				return
			}
			fields[string(key)] = value
		})
		if err != nil {
			return s.fail(L, err)
		}
	}
	if !s.active(L) {
		return 0
	}
	s.events = append(s.events, Event{Kind: name, Fields: fields})
	return 0
}

// tick() -> number of the running tick.
func (s *System) luaTick(L *lua.LState) int {
	if !s.active(L) {
		return 0
	}
	L.Push(lua.LNumber(s.ctx.Tick()))
	return 1
}

// log(message).
func (s *System) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	logger := &s.logger
	if s.ctx != nil {
		logger = s.ctx.Logger()
	}
	logger.Info().Str("script", s.path).Msg(msg)
	return 0
}

func toLua(v any) lua.LValue {
	switch v := v.(type) {
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	}
	return lua.LNil
}

func fromLua(v lua.LValue) (any, error) {
	switch v := v.(type) {
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case lua.LBool:
		return bool(v), nil
	}
	return nil, eris.Errorf("unsupported lua value of type %s", v.Type())
}
