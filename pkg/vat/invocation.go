package vat

import (
	"fmt"

	"github.com/cuemby/hutch/pkg/ids"
	"github.com/cuemby/hutch/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

// knownNatives is the vocabulary of host capabilities a power may grant.
// Each is addressable by a short well-known name, so any power granting
// one is auditable from its stored JSON.
var knownNatives = map[string]lua.LGFunction{
	types.NativeMakeUrbject: nativeMakeUrbject,
}

// safeGlobals is the part of the Lua standard environment guest code may
// see. No io, no os, no load, no require: a guest holds exactly the
// authorities in its args and power, nothing ambient.
var safeGlobals = []string{
	"assert", "error", "ipairs", "next", "pairs", "pcall", "select",
	"tonumber", "tostring", "type", "unpack",
	"string", "table", "math",
}

// newSandboxState builds a Lua interpreter with the package, base, table,
// string and math libraries opened and no others (no io, no os). Guest
// frames never see these globals directly: newGuestEnv copies only the
// safeGlobals subset into each frame's environment.
func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			// opening a builtin lib cannot fail short of a broken build
			panic(fmt.Sprintf("vat: open lua lib %s: %v", lib.name, err))
		}
	}
	return L
}

// Invocation is one guest stack frame: a code chunk bound to a powid. A
// turn starts with one and grows nested frames through ref:call().
type Invocation struct {
	turn       *Turn
	code       string
	powid      string
	innerPower lua.LValue
}

func newInvocation(t *Turn, code, powid string) (*Invocation, error) {
	inner, err := t.getPower(powid)
	if err != nil {
		return nil, err
	}
	return &Invocation{turn: t, code: code, powid: powid, innerPower: inner}, nil
}

// invoke unpacks serialized args and executes the frame.
func (inv *Invocation) invoke(argsJSON, fromVat string) (lua.LValue, error) {
	args, err := inv.turn.unpack(argsJSON, packArgs)
	if err != nil {
		return nil, err
	}
	return inv.execute(args, fromVat)
}

// execute compiles the frame's code into a fresh environment, runs the
// chunk to collect its definitions, then calls call(args, power). The
// return value is a host value, meaningful only to ref:call() parents.
func (inv *Invocation) execute(args lua.LValue, fromVat string) (lua.LValue, error) {
	t := inv.turn

	fn, err := t.L.LoadString(inv.code)
	if err != nil {
		return nil, fmt.Errorf("compile guest code (from %s): %w", fromVat, err)
	}
	env := t.newGuestEnv()
	fn.Env = env

	t.stack = append(t.stack, inv)
	defer func() { t.stack = t.stack[:len(t.stack)-1] }()

	if err := t.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return nil, fmt.Errorf("guest code failed (from %s): %w", fromVat, err)
	}

	callFn, ok := env.RawGetString("call").(*lua.LFunction)
	if !ok {
		return nil, ErrNoCallFunction
	}
	if err := t.L.CallByParam(lua.P{Fn: callFn, NRet: 1, Protect: true},
		args, inv.innerPower); err != nil {
		return nil, fmt.Errorf("guest call failed (from %s): %w", fromVat, err)
	}
	ret := t.L.Get(-1)
	t.L.Pop(1)
	return ret, nil
}

// newGuestEnv builds the restricted namespace one frame executes in:
// the safe stdlib subset plus log, add, and (when a sink is installed)
// debug. Frames never share globals; shared state flows only through
// args, power, and memory.
func (t *Turn) newGuestEnv() *lua.LTable {
	env := t.L.NewTable()
	for _, name := range safeGlobals {
		if v := t.L.GetGlobal(name); v != lua.LNil {
			env.RawSetString(name, v)
		}
	}
	env.RawSetString("log", t.L.NewFunction(func(L *lua.LState) int {
		msg := L.Get(1).String()
		t.guestLog.Info().Int("depth", len(t.stack)).Msg(msg)
		return 0
	}))
	env.RawSetString("add", t.L.NewFunction(innerAdd))
	if t.rt.Debug != nil {
		env.RawSetString("debug", t.L.NewFunction(func(L *lua.LState) int {
			t.rt.Debug(L.Get(1).String())
			return 0
		}))
	}
	return env
}

// nativeMakeUrbject implements make_urbject(code, power): store the
// child's power (reusing the powid when the guest re-hands a power this
// turn unpacked), create the urbject, and hand back a reference to it.
func nativeMakeUrbject(L *lua.LState) int {
	ud := L.CheckUserData(1)
	np := ud.Value.(*NativePower)
	t := np.turn
	code := L.CheckString(2)
	powerArg := L.Get(3)

	var powid string
	if tbl, ok := powerArg.(*lua.LTable); ok {
		if existing, ok := t.powerIdent[tbl]; ok {
			powid = existing
		}
	}
	if powid == "" {
		packed, err := t.pack(powerArg, packPower)
		if err != nil {
			t.raise(err)
			return 0
		}
		powid = ids.NewPowerID()
		if err := t.tx.CreatePower(&types.Power{ID: powid, PowerJSON: packed}); err != nil {
			t.raise(err)
			return 0
		}
	}

	urbjid := ids.NewUrbjectID()
	if err := t.tx.CreateUrbject(&types.Urbject{ID: urbjid, PowID: powid, Code: code}); err != nil {
		t.raise(err)
		return 0
	}
	t.rt.noteUrbjectCreated(urbjid)

	L.Push(t.getReference(types.RefID{Vat: t.vatID, Urbject: urbjid}))
	return 1
}
