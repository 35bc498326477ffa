package hook

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

const messageType = "llproxy.message"

var (
	ErrNoOptions  = errors.New("lua hook did not return an options table")
	ErrNoHandler  = errors.New("lua hook does not define handle(msg)")
	ErrDirection  = errors.New("direction must be in, out or both")
	ErrNotMessage = errors.New("not a message")
)

// Options is the table a hook script returns.
type Options struct {
	Name      string
	Messages  []string
	Direction string
}

// LuaHook runs a Lua script's handle(msg) for every matching message. A
// single interpreter is shared by all sessions, so calls are serialized.
type LuaHook struct {
	opts     Options
	path     string
	messages map[string]struct{}
	dir      protocol.Direction
	anyDir   bool
	logger   zerolog.Logger

	mu     sync.Mutex
	L      *lua.LState
	handle *lua.LFunction
}

// LoadLua runs the script at path once to collect its options and handler.
//
//	return {
//	  name = "mute",
//	  messages = {"ChatFromViewer"},
//	  direction = "out",
//	}
//
// with a global function handle(msg) that returns "drop" to drop the
// message. msg exposes name(), direction(), sequence(), reliable(),
// blocks(block), get(block, var [, index]) and set(block, var, value
// [, index]); indexes start at 1.
func LoadLua(path string) (*LuaHook, error) {
	L := lua.NewState()
	h := &LuaHook{path: path, L: L}
	if err := h.load(); err != nil {
		L.Close()
		return nil, fmt.Errorf("load lua hook %s: %w", path, err)
	}
	return h, nil
}

func (h *LuaHook) load() error {
	L := h.L
	h.logger = log.With().Str("com", "lua-hook").Str("script", h.path).Logger()
	registerMessageType(L)
	L.SetGlobal("log", L.NewFunction(h.luaLog))

	if err := L.DoFile(h.path); err != nil {
		return err
	}
	if L.GetTop() == 0 {
		return ErrNoOptions
	}
	table, ok := L.Get(-1).(*lua.LTable)
	L.Pop(L.GetTop())
	if !ok {
		return ErrNoOptions
	}
	if err := gluamapper.Map(table, &h.opts); err != nil {
		return err
	}
	if h.opts.Name == "" {
		h.opts.Name = h.path
	}

	switch h.opts.Direction {
	case "", "both":
		h.anyDir = true
	case "in":
		h.dir = protocol.DirectionIn
	case "out":
		h.dir = protocol.DirectionOut
	default:
		return fmt.Errorf("%w, got %q", ErrDirection, h.opts.Direction)
	}
	if len(h.opts.Messages) > 0 {
		h.messages = make(map[string]struct{}, len(h.opts.Messages))
		for _, name := range h.opts.Messages {
			h.messages[name] = struct{}{}
		}
	}

	fn, ok := L.GetGlobal("handle").(*lua.LFunction)
	if !ok {
		return ErrNoHandler
	}
	h.handle = fn
	h.logger = h.logger.With().Str("hook", h.opts.Name).Logger()
	return nil
}

func (h *LuaHook) Name() string {
	return h.opts.Name
}

func (h *LuaHook) Options() Options {
	o := h.opts
	o.Messages = slices.Clone(o.Messages)
	return o
}

// Wants reports whether the hook's filters select msg.
func (h *LuaHook) Wants(msg *protocol.Message) bool {
	if !h.anyDir && msg.Direction != h.dir {
		return false
	}
	if h.messages != nil {
		if _, ok := h.messages[msg.Name]; !ok {
			return false
		}
	}
	return true
}

// HandleMessage implements proxy.Hook. Script errors are logged and the
// message is forwarded.
func (h *LuaHook) HandleMessage(_ *proxy.Session, _ *proxy.Region, msg *protocol.Message) proxy.Verdict {
	if !h.Wants(msg) {
		return proxy.Forward
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	L := h.L
	ud := L.NewUserData()
	ud.Value = msg
	L.SetMetatable(ud, L.GetTypeMetatable(messageType))
	if err := L.CallByParam(lua.P{Fn: h.handle, NRet: 1, Protect: true}, ud); err != nil {
		h.logger.Warn().Err(err).Str("message", msg.Name).Msg("handle failed")
		return proxy.Forward
	}
	ret := L.Get(-1)
	L.Pop(1)
	if lua.LVAsString(ret) == "drop" {
		return proxy.Drop
	}
	return proxy.Forward
}

func (h *LuaHook) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
}

func (h *LuaHook) luaLog(L *lua.LState) int {
	h.logger.Info().Msg(L.CheckString(1))
	return 0
}

var messageMethods = map[string]lua.LGFunction{
	"name": func(L *lua.LState) int {
		L.Push(lua.LString(checkMessage(L).Name))
		return 1
	},
	"direction": func(L *lua.LState) int {
		L.Push(lua.LString(checkMessage(L).Direction.String()))
		return 1
	},
	"sequence": func(L *lua.LState) int {
		L.Push(lua.LNumber(checkMessage(L).Sequence))
		return 1
	},
	"reliable": func(L *lua.LState) int {
		L.Push(lua.LBool(checkMessage(L).Reliable()))
		return 1
	},
	"blocks": func(L *lua.LState) int {
		m := checkMessage(L)
		L.Push(lua.LNumber(len(m.Blocks(L.CheckString(2)))))
		return 1
	},
	"get": func(L *lua.LState) int {
		m := checkMessage(L)
		v, err := m.Get(L.CheckString(2), L.OptInt(4, 1)-1, L.CheckString(3))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(toLua(L, v))
		return 1
	},
	"set": func(L *lua.LState) int {
		m := checkMessage(L)
		block, name := L.CheckString(2), L.CheckString(3)
		tb, ok := m.Template.Block(block)
		if !ok {
			L.ArgError(2, "unknown block "+block)
			return 0
		}
		f, ok := tb.Field(name)
		if !ok {
			L.ArgError(3, "unknown variable "+name)
			return 0
		}
		v, err := fromLua(f, L.CheckAny(4))
		if err == nil {
			err = m.Set(block, L.OptInt(5, 1)-1, name, v)
		}
		if err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	},
}

func registerMessageType(L *lua.LState) {
	mt := L.NewTypeMetatable(messageType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), messageMethods))
}

func checkMessage(L *lua.LState) *protocol.Message {
	ud := L.CheckUserData(1)
	if m, ok := ud.Value.(*protocol.Message); ok {
		return m
	}
	L.ArgError(1, ErrNotMessage.Error())
	return nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case uint8:
		return lua.LNumber(x)
	case uint16:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case int8:
		return lua.LNumber(x)
	case int16:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case bool:
		return lua.LBool(x)
	case []byte:
		return lua.LString(x)
	case uuid.UUID:
		return lua.LString(x.String())
	case netip.Addr:
		return lua.LString(x.String())
	case protocol.Vector3:
		return vectorTable(L, float64(x.X), float64(x.Y), float64(x.Z))
	case protocol.Vector3d:
		return vectorTable(L, x.X, x.Y, x.Z)
	case protocol.Vector4:
		return vectorTable(L, float64(x.X), float64(x.Y), float64(x.Z), float64(x.W))
	case protocol.Quaternion:
		return vectorTable(L, float64(x.X), float64(x.Y), float64(x.Z), float64(x.W))
	case nil:
		return lua.LNil
	}
	return lua.LString(fmt.Sprint(v))
}

var axes = []string{"x", "y", "z", "w"}

func vectorTable(L *lua.LState, c ...float64) *lua.LTable {
	t := L.CreateTable(0, len(c))
	for i, v := range c {
		t.RawSetString(axes[i], lua.LNumber(v))
	}
	return t
}

func fromLua(f *template.Field, lv lua.LValue) (any, error) {
	switch x := lv.(type) {
	case lua.LNumber:
		return float64(x), nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		c := func(axis string) float64 { return float64(lua.LVAsNumber(x.RawGetString(axis))) }
		switch f.Type {
		case template.TypeVector3:
			return protocol.Vector3{X: float32(c("x")), Y: float32(c("y")), Z: float32(c("z"))}, nil
		case template.TypeVector3d:
			return protocol.Vector3d{X: c("x"), Y: c("y"), Z: c("z")}, nil
		case template.TypeVector4:
			return protocol.Vector4{X: float32(c("x")), Y: float32(c("y")), Z: float32(c("z")), W: float32(c("w"))}, nil
		case template.TypeQuaternion:
			return protocol.QuaternionFromXYZ(float32(c("x")), float32(c("y")), float32(c("z"))), nil
		}
	}
	return nil, fmt.Errorf("%w: %s for %s", protocol.ErrTypeMismatch, lv.Type(), f.Type)
}
