package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/roach88/lifeflow/internal/ir"
)

// LuaEnv runs script-node chunks in a sandboxed Lua state.
//
// Scripts see three locals, entity, context and actor, and return a table.
// The table becomes the step output; two keys are special: "route" names
// the outgoing edge to take and "context" is merged into the instance's
// context bag.
type LuaEnv struct {
	statePool chan *lua.State
	scripts   sync.Map
}

type compiledLua struct {
	bytecode []byte
}

const (
	luaStatePoolSize    = 10
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
	luaGlobalTableName  = "_G"
	luaPrelude          = "local entity, context, actor = ...\n"
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// NewLuaEnv creates a script environment with a small state pool.
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{statePool: make(chan *lua.State, luaStatePoolSize)}
}

// Validate reports whether src compiles.
func (e *LuaEnv) Validate(src string) error {
	_, err := e.compile(src)
	return err
}

// Run executes src with the given inputs and returns its result table.
func (e *LuaEnv) Run(src string, entity, context, actor map[string]any) (map[string]any, error) {
	key := ir.MustHash(src)
	var c *compiledLua
	if v, ok := e.scripts.Load(key); ok {
		c = v.(*compiledLua)
	} else {
		compiled, err := e.compile(src)
		if err != nil {
			return nil, err
		}
		e.scripts.Store(key, compiled)
		c = compiled
	}

	L := e.getState()
	defer e.returnState(L)

	e.setupSandbox(L)
	if err := L.Load(bytes.NewReader(c.bytecode), "chunk", "b"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	goToLua(L, entity)
	goToLua(L, context)
	goToLua(L, actor)

	if err := L.ProtectedCall(3, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}

	var result map[string]any
	if L.IsTable(-1) {
		result = luaTableToMap(L, -1)
	} else {
		result = map[string]any{"result": luaToGo(L, -1)}
	}
	L.Pop(1)
	return result, nil
}

func (e *LuaEnv) compile(src string) (*compiledLua, error) {
	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, luaPrelude+src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	return &compiledLua{bytecode: buf.Bytes()}, nil
}

func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (e *LuaEnv) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			L.PushInteger(i + 1)
			goToLua(L, item)
			L.SetTable(luaArrayTableIndex)
		}
	case map[string]any:
		L.CreateTable(0, len(v))
		for k, item := range v {
			L.PushString(k)
			goToLua(L, item)
			L.SetTable(luaMapTableIndex)
		}
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		num, _ := L.ToNumber(index)
		if num == float64(int(num)) {
			return int(num)
		}
		return num
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, index)
	default:
		return nil
	}
}

func luaTableToMap(L *lua.State, index int) map[string]any {
	result := map[string]any{}
	L.PushNil()
	for L.Next(index - 1) {
		if L.TypeOf(-2) == lua.TypeString {
			key, _ := L.ToString(-2)
			result[key] = luaToGo(L, -1)
		}
		L.Pop(1)
	}
	return result
}

func luaTableToAny(L *lua.State, index int) any {
	isArray := true
	length := 0

	L.PushNil()
	for L.Next(index - 1) {
		if L.TypeOf(-2) != lua.TypeNumber {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		abs := index
		if index < 0 {
			abs = L.Top() + index + 1
		}
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(abs, i)
			arr[i-1] = luaToGo(L, -1)
			L.Pop(1)
		}
		return arr
	}

	result := map[string]any{}
	L.PushNil()
	for L.Next(index - 1) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			key = fmt.Sprintf("%v", luaToGo(L, -2))
		}
		result[key] = luaToGo(L, -1)
		L.Pop(1)
	}
	return result
}
