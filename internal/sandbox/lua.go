package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/pool"
)

// hookInterval is the instruction count between budget checks.
const hookInterval = 1000

// DefaultInstructionBudget bounds one script call.
const DefaultInstructionBudget = 5_000_000

// LuaConfig configures a Lua sandbox.
type LuaConfig struct {
	Scene  string
	Source string
	// ChunkName labels the script in error messages. Default: the scene id.
	ChunkName string
	// InstructionBudget bounds each call into the script. Zero selects
	// DefaultInstructionBudget; negative disables the bound.
	InstructionBudget int
	// Messages supplies decode and emit scratch. Nil selects a private
	// pool.
	Messages pool.Renter[crdt.Message]
	Logger   *slog.Logger
}

// Lua runs a scene script on github.com/Shopify/go-lua.
//
// The script keeps its own CRDT replica. It sees these globals:
//
//	crdt.put(entity, component, payload)
//	crdt.delete(entity, component)
//	crdt.remove_entity(entity)
//	crdt.get(entity, component) -> payload or nil
//	crdt.incoming() -> list of {type, entity, component, timestamp, data}
//	codec.transform(px, py, pz [, sx, sy, sz]) -> Transform payload
//	component.Transform, component.TextShape, ...
//	engine.log(message)
//
// and may define onStart() and onUpdate(dt).
type Lua struct {
	cfg    LuaConfig
	logger *slog.Logger
	state  *lua.State

	replica  *crdt.State
	messages pool.Renter[crdt.Message]
	incoming []crdt.Message
	outgoing []crdt.Message

	ctx    context.Context
	budget budget
	abort  error
	closed bool
}

// NewLua creates a Lua sandbox. The script is loaded by Init.
func NewLua(cfg LuaConfig) *Lua {
	if cfg.ChunkName == "" {
		cfg.ChunkName = cfg.Scene
	}
	if cfg.InstructionBudget == 0 {
		cfg.InstructionBudget = DefaultInstructionBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	messages := cfg.Messages
	if messages == nil {
		messages = pool.NewInstancePool[crdt.Message](0)
	}
	return &Lua{
		cfg:      cfg,
		logger:   logger,
		replica:  crdt.NewState(),
		messages: messages,
		budget:   budget{scene: cfg.Scene, limit: cfg.InstructionBudget},
	}
}

// Replica exposes the script-side CRDT state.
func (s *Lua) Replica() *crdt.State {
	return s.replica
}

// Init implements Sandbox.
func (s *Lua) Init(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.state != nil {
		return errors.New("sandbox: already initialized")
	}

	l := lua.NewState()
	openSafeLibraries(l)
	s.register(l)
	lua.SetDebugHook(l, s.hook, lua.MaskCount, hookInterval)
	s.state = l

	if err := lua.LoadBuffer(l, s.cfg.Source, s.cfg.ChunkName, "t"); err != nil {
		l.SetTop(0)
		return &ScriptError{Scene: s.cfg.Scene, Phase: "load", Err: err}
	}
	if err := s.call(ctx, "load", 0); err != nil {
		return err
	}
	return s.callHook(ctx, "start", "onStart")
}

// openSafeLibraries opens the libraries a scene may use. io, os, package
// and debug are left out.
func openSafeLibraries(l *lua.State) {
	libs := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
		{"bit32", lua.Bit32Open},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

func (s *Lua) register(l *lua.State) {
	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "put", Function: s.luaPut},
		{Name: "delete", Function: s.luaDelete},
		{Name: "remove_entity", Function: s.luaRemoveEntity},
		{Name: "get", Function: s.luaGet},
		{Name: "incoming", Function: s.luaIncoming},
	}, 0)
	l.SetGlobal("crdt")

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "transform", Function: luaTransform},
	}, 0)
	l.SetGlobal("codec")

	l.NewTable()
	for name, id := range map[string]ecs.ComponentID{
		"Transform":     ecs.ComponentTransform,
		"Material":      ecs.ComponentMaterial,
		"MeshRenderer":  ecs.ComponentMeshRenderer,
		"TextShape":     ecs.ComponentTextShape,
		"GltfContainer": ecs.ComponentGltfContainer,
	} {
		l.PushInteger(int(id))
		l.SetField(-2, name)
	}
	l.SetGlobal("component")

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "log", Function: s.luaLog},
	}, 0)
	l.SetGlobal("engine")
}

// Tick implements Sandbox.
func (s *Lua) Tick(ctx context.Context, dt time.Duration, incoming []byte, out *pool.PooledBuffer) error {
	if s.closed {
		return ErrClosed
	}
	if s.state == nil {
		return errors.New("sandbox: not initialized")
	}

	s.incoming = crdt.Decode(incoming, s.messages.Rent(16), func(err error) {
		s.logger.Warn("dropped malformed host message", "scene_id", s.cfg.Scene, "error", err)
	})
	for _, m := range s.incoming {
		s.replica.Apply(m)
	}

	err := s.callHook(ctx, "update", "onUpdate", dt.Seconds())
	s.flush(out)
	s.incoming = s.recycle(s.incoming)
	return err
}

// flush writes everything the script produced, including output of a call
// that later failed: those writes already happened on the replica.
func (s *Lua) flush(out *pool.PooledBuffer) {
	if len(s.outgoing) == 0 {
		return
	}
	size := 0
	for _, m := range s.outgoing {
		size += crdt.EncodedSize(m)
	}
	out.Grow(size)
	encoded := crdt.Encode(out.Data[out.Len:out.Len], s.outgoing...)
	out.Len += len(encoded)
	s.outgoing = s.recycle(s.outgoing)
}

// recycle returns msgs to the pool and yields the nil slice to store in
// its place.
func (s *Lua) recycle(msgs []crdt.Message) []crdt.Message {
	if msgs != nil {
		clear(msgs)
		s.messages.Return(msgs[:0])
	}
	return nil
}

// Close implements Sandbox.
func (s *Lua) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.state = nil
	s.outgoing = s.recycle(s.outgoing)
	s.incoming = s.recycle(s.incoming)
	return nil
}

// callHook calls the global function name if the script defines it.
func (s *Lua) callHook(ctx context.Context, phase, name string, args ...float64) error {
	l := s.state
	l.Global(name)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil
	}
	for _, a := range args {
		l.PushNumber(a)
	}
	return s.call(ctx, phase, len(args))
}

// call runs the function below nargs arguments on the stack under the
// instruction budget. The stack is empty afterwards.
func (s *Lua) call(ctx context.Context, phase string, nargs int) error {
	defer s.state.SetTop(0)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ctx = ctx
	s.abort = nil
	s.budget.reset()
	defer func() { s.ctx = nil }()

	err := s.state.ProtectedCall(nargs, 0, 0)
	if err == nil {
		return nil
	}
	if s.abort != nil {
		abort := s.abort
		s.abort = nil
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(abort, ctxErr) {
			return abort
		}
		return &ScriptError{Scene: s.cfg.Scene, Phase: phase, Err: abort}
	}
	return &ScriptError{Scene: s.cfg.Scene, Phase: phase, Err: err}
}

func (s *Lua) hook(l *lua.State, _ lua.Debug) {
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			s.abort = err
			lua.Errorf(l, "%s", err.Error())
		}
	}
	if err := s.budget.charge(hookInterval); err != nil {
		s.abort = err
		lua.Errorf(l, "%s", err.Error())
	}
}

func checkUint32(l *lua.State, arg int) uint32 {
	v := lua.CheckInteger(l, arg)
	if v < 0 || v > math.MaxUint32 {
		lua.ArgumentError(l, arg, "value out of range")
	}
	return uint32(v)
}

func (s *Lua) emit(l *lua.State, msg crdt.Message, err error) {
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	if s.outgoing == nil {
		s.outgoing = s.messages.Rent(16)
	}
	s.outgoing = pool.Expand(s.messages, s.outgoing, len(s.outgoing)+1)
	s.outgoing = append(s.outgoing, msg)
}

func (s *Lua) luaPut(l *lua.State) int {
	e := crdt.EntityID(checkUint32(l, 1))
	c := crdt.ComponentID(checkUint32(l, 2))
	payload := lua.CheckString(l, 3)
	msg, err := s.replica.Update(e, c, []byte(payload))
	s.emit(l, msg, err)
	return 0
}

func (s *Lua) luaDelete(l *lua.State) int {
	e := crdt.EntityID(checkUint32(l, 1))
	c := crdt.ComponentID(checkUint32(l, 2))
	msg, err := s.replica.Remove(e, c)
	s.emit(l, msg, err)
	return 0
}

func (s *Lua) luaRemoveEntity(l *lua.State) int {
	e := crdt.EntityID(checkUint32(l, 1))
	if s.replica.IsDeleted(e) {
		return 0
	}
	s.emit(l, s.replica.RemoveEntity(e), nil)
	return 0
}

func (s *Lua) luaGet(l *lua.State) int {
	e := crdt.EntityID(checkUint32(l, 1))
	c := crdt.ComponentID(checkUint32(l, 2))
	data, ok := s.replica.Get(e, c)
	if !ok {
		l.PushNil()
		return 1
	}
	l.PushString(string(data))
	return 1
}

func (s *Lua) luaIncoming(l *lua.State) int {
	l.NewTable()
	for i, m := range s.incoming {
		l.NewTable()
		l.PushInteger(int(m.Type))
		l.SetField(-2, "type")
		l.PushInteger(int(m.Entity))
		l.SetField(-2, "entity")
		l.PushInteger(int(m.Component))
		l.SetField(-2, "component")
		l.PushInteger(int(m.Timestamp))
		l.SetField(-2, "timestamp")
		if m.Type == crdt.PutComponent {
			l.PushString(string(m.Data))
			l.SetField(-2, "data")
		}
		l.RawSetInt(-2, i+1)
	}
	return 1
}

func (s *Lua) luaLog(l *lua.State) int {
	msg := lua.CheckString(l, 1)
	s.logger.Info("scene log", "scene_id", s.cfg.Scene, "message", msg)
	return 0
}

func luaTransform(l *lua.State) int {
	t := ecs.Transform{
		Position: geom.Vec3{X: lua.CheckNumber(l, 1), Y: lua.CheckNumber(l, 2), Z: lua.CheckNumber(l, 3)},
		Rotation: geom.Identity,
		Scale: geom.Vec3{
			X: lua.OptNumber(l, 4, 1),
			Y: lua.OptNumber(l, 5, 1),
			Z: lua.OptNumber(l, 6, 1),
		},
	}
	data, err := ecs.EncodeTransform(t)
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	l.PushString(string(data))
	return 1
}

// String identifies the sandbox in logs.
func (s *Lua) String() string {
	return fmt.Sprintf("lua(%s)", s.cfg.Scene)
}
