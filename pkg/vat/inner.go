package vat

import (
	"github.com/cuemby/hutch/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

// InnerReference is the guest-visible stand-in for a refid. The swissnum
// is stored inline; the guest can send to it or call it but can never
// read the refid itself.
type InnerReference struct {
	turn *Turn
	ref  types.RefID
}

// NativePower is a host capability callable from guest code. The only
// entry in the initial vocabulary is make_urbject.
type NativePower struct {
	turn *Turn
	name string
	fn   lua.LGFunction
}

const (
	refTypeName    = "hutch.reference"
	nativeTypeName = "hutch.native"
)

// registerInnerTypes builds the per-turn metatables for the two opaque
// guest objects. Done once per LState (one LState per turn).
func (t *Turn) registerInnerTypes() {
	refMT := t.L.NewTypeMetatable(refTypeName)
	methods := t.L.SetFuncs(t.L.NewTable(), map[string]lua.LGFunction{
		"send": innerSend,
		"call": innerCall,
	})
	t.L.SetField(refMT, "__index", methods)
	t.L.SetField(refMT, "__metatable", lua.LString("locked"))
	t.refMT = refMT

	nativeMT := t.L.NewTypeMetatable(nativeTypeName)
	t.L.SetField(nativeMT, "__call", t.L.NewFunction(nativeCall))
	t.L.SetField(nativeMT, "__metatable", lua.LString("locked"))
	t.nativeMT = nativeMT
}

func (t *Turn) newReferenceUserdata(ref types.RefID) *lua.LUserData {
	ud := t.L.NewUserData()
	ud.Value = &InnerReference{turn: t, ref: ref}
	t.L.SetMetatable(ud, t.refMT)
	return ud
}

func (t *Turn) newNativeUserdata(name string, fn lua.LGFunction) *lua.LUserData {
	ud := t.L.NewUserData()
	ud.Value = &NativePower{turn: t, name: name, fn: fn}
	t.L.SetMetatable(ud, t.nativeMT)
	return ud
}

func checkReference(L *lua.LState) *InnerReference {
	ud := L.CheckUserData(1)
	if ir, ok := ud.Value.(*InnerReference); ok {
		return ir
	}
	L.ArgError(1, "reference expected")
	return nil
}

// innerSend implements ref:send(args). The args are packed immediately
// (so a later mutation of the table does not alter the message) and the
// envelope is queued for delivery at commit.
func innerSend(L *lua.LState) int {
	ir := checkReference(L)
	t := ir.turn
	args := L.Get(2)
	if err := t.queueInvoke(ir.ref, args); err != nil {
		t.raise(err)
	}
	return 0
}

// innerCall implements ref:call(args): a synchronous nested invocation on
// the same turn. The target must be local. Args and return value are host
// values and never touch the serializer.
func innerCall(L *lua.LState) int {
	ir := checkReference(L)
	t := ir.turn
	if ir.ref.Vat != t.vatID {
		t.raise(ErrRemoteCall)
		return 0
	}
	u, err := t.tx.GetUrbject(ir.ref.Urbject)
	if err != nil {
		t.raise(err)
		return 0
	}
	inv, err := newInvocation(t, u.Code, u.PowID)
	if err != nil {
		t.raise(err)
		return 0
	}
	ret, err := inv.execute(L.Get(2), t.vatID)
	if err != nil {
		t.raise(err)
		return 0
	}
	L.Push(ret)
	return 1
}

// nativeCall dispatches power(...) through the NativePower's handler.
func nativeCall(L *lua.LState) int {
	ud := L.CheckUserData(1)
	np, ok := ud.Value.(*NativePower)
	if !ok {
		L.ArgError(1, "native power expected")
		return 0
	}
	return np.fn(L)
}

// innerAdd implements the guest add(a, b) helper: a shallow-merged copy
// of two mappings. Entries of a keep their identity, so
// add(power, {...}).memory is still power.memory and memory sharing
// survives the merge.
func innerAdd(L *lua.LState) int {
	a := L.CheckTable(1)
	b := L.CheckTable(2)
	c := L.NewTable()
	a.ForEach(func(k, v lua.LValue) { c.RawSet(k, v) })
	b.ForEach(func(k, v lua.LValue) { c.RawSet(k, v) })
	L.Push(c)
	return 1
}
