package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

// codec converts between the custom backend's canonical JSON messages and
// its wire lines.
type codec interface {
	// encode turns an outgoing message into one wire line.
	encode(msg []byte) ([]byte, error)

	// decode turns a wire line into a message. ok is false for lines that
	// are not protocol messages.
	decode(line []byte) (msg []byte, ok bool, err error)

	close()
}

var errCodecClosed = errors.New("codec closed")

// jsonCodec speaks the canonical messages directly.
type jsonCodec struct{}

func (jsonCodec) encode(msg []byte) ([]byte, error) { return msg, nil }

func (jsonCodec) decode(line []byte) ([]byte, bool, error) {
	if len(line) == 0 || line[0] != '{' {
		return nil, false, nil
	}
	if !gjson.ValidBytes(line) {
		return nil, true, errors.New("malformed message")
	}
	return line, true, nil
}

func (jsonCodec) close() {}

// luaCodec runs a script defining encode(msg) and decode(line). encode
// receives the message as a table and returns the line to send. decode
// receives a line and returns a message table, or nil when the line is
// program output.
type luaCodec struct {
	mu    sync.Mutex
	L     *lua.LState
	encFn *lua.LFunction
	decFn *lua.LFunction
	done  bool
}

// newLuaCodec loads the codec script at path.
func newLuaCodec(path string) (*luaCodec, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load"} {
		L.SetGlobal(name, lua.LNil)
	}

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading codec %s: %w", path, err)
	}
	c := &luaCodec{L: L}
	var ok bool
	if c.encFn, ok = L.GetGlobal("encode").(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("codec %s: encode is not a function", path)
	}
	if c.decFn, ok = L.GetGlobal("decode").(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("codec %s: decode is not a function", path)
	}
	return c, nil
}

func (c *luaCodec) call(fn *lua.LFunction, arg lua.LValue) (lua.LValue, error) {
	if err := c.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return lua.LNil, err
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return ret, nil
}

func (c *luaCodec) encode(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, errCodecClosed
	}
	ret, err := c.call(c.encFn, jsonToLua(c.L, gjson.ParseBytes(msg)))
	if err != nil {
		return nil, fmt.Errorf("codec encode: %w", err)
	}
	s, ok := ret.(lua.LString)
	if !ok {
		return nil, fmt.Errorf("codec encode returned %s, want string", ret.Type())
	}
	return []byte(s), nil
}

func (c *luaCodec) decode(line []byte) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, true, errCodecClosed
	}
	ret, err := c.call(c.decFn, lua.LString(line))
	if err != nil {
		return nil, true, fmt.Errorf("codec decode: %w", err)
	}
	if ret == lua.LNil {
		return nil, false, nil
	}
	t, ok := ret.(*lua.LTable)
	if !ok {
		return nil, true, fmt.Errorf("codec decode returned %s, want table", ret.Type())
	}
	msg, err := json.Marshal(luaToGo(t, make(map[*lua.LTable]bool)))
	if err != nil {
		return nil, true, fmt.Errorf("codec decode: %w", err)
	}
	return msg, true, nil
}

func (c *luaCodec) close() {
	c.mu.Lock()
	if !c.done {
		c.done = true
		c.L.Close()
	}
	c.mu.Unlock()
}

func jsonToLua(L *lua.LState, v gjson.Result) lua.LValue {
	switch {
	case v.IsArray():
		t := L.NewTable()
		for _, item := range v.Array() {
			t.Append(jsonToLua(L, item))
		}
		return t
	case v.IsObject():
		t := L.NewTable()
		v.ForEach(func(key, value gjson.Result) bool {
			t.RawSetString(key.String(), jsonToLua(L, value))
			return true
		})
		return t
	}
	switch v.Type {
	case gjson.String:
		return lua.LString(v.String())
	case gjson.Number:
		return lua.LNumber(v.Float())
	case gjson.True:
		return lua.LTrue
	case gjson.False:
		return lua.LFalse
	}
	return lua.LNil
}

// luaToGo converts a Lua value for JSON encoding. Tables with keys 1..n are
// arrays; cycles become null.
func luaToGo(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)

		if n := v.Len(); n > 0 {
			count := 0
			v.ForEach(func(lua.LValue, lua.LValue) { count++ })
			if count == n {
				arr := make([]any, n)
				for i := 1; i <= n; i++ {
					arr[i-1] = luaToGo(v.RawGetInt(i), seen)
				}
				return arr
			}
		}
		m := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			key := k.String()
			if n, ok := k.(lua.LNumber); ok {
				key = strconv.FormatFloat(float64(n), 'f', -1, 64)
			}
			m[key] = luaToGo(val, seen)
		})
		return m
	}
	return nil
}
