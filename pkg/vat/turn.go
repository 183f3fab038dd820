package vat

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/hutch/pkg/ids"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Turn holds all state for a single message delivery: the storage
// transaction, the sandbox, the capability tables, and the queued
// effects. Everything in it dies when the turn ends; only the writes it
// made into the transaction survive (powers, urbjects and fresh memories
// stored by make_urbject during the run, then seal()'s memory writes and
// enqueues), and only if the caller commits the transaction.
type Turn struct {
	rt       *Runtime
	tx       *storage.Tx
	vatID    string
	id       string
	logger   zerolog.Logger
	guestLog zerolog.Logger

	L        *lua.LState
	refMT    *lua.LTable
	nativeMT *lua.LTable

	// queued outbound messages, in send order
	outbound []queuedSend

	// powers: powid -> unpacked inner power, plus the identity reverse
	// table so make_urbject can deduplicate a re-handed power
	powers     map[string]lua.LValue
	powerIdent map[*lua.LTable]string

	// natives: name -> canonical userdata for the turn
	natives map[string]*lua.LUserData

	// memories opened this turn, in open order. The same table is
	// returned to every caller, so nested call frames see each other's
	// writes immediately.
	memories []*openMemory
	memByID  map[string]*openMemory
	memIdent map[*lua.LTable]string

	// references: refid -> canonical userdata for the turn
	references map[types.RefID]*lua.LUserData

	// invocation stack, innermost last
	stack []*Invocation

	// sticky first host-side fault; aborts the turn even if guest code
	// swallowed the raised error
	fault error
}

type queuedSend struct {
	target string
	body   []byte
}

type openMemory struct {
	memid string
	data  *lua.LTable
}

func newTurn(rt *Runtime, tx *storage.Tx) *Turn {
	t := &Turn{
		rt:         rt,
		tx:         tx,
		vatID:      rt.VatID,
		id:         uuid.NewString(),
		powers:     make(map[string]lua.LValue),
		powerIdent: make(map[*lua.LTable]string),
		natives:    make(map[string]*lua.LUserData),
		memByID:    make(map[string]*openMemory),
		memIdent:   make(map[*lua.LTable]string),
		references: make(map[types.RefID]*lua.LUserData),
	}
	t.logger = log.ForTurn(rt.logger, t.id)
	t.guestLog = log.ForGuest(t.logger)
	t.L = newSandboxState()
	t.registerInnerTypes()
	return t
}

// Close releases the turn's interpreter. The storage transaction belongs
// to the caller.
func (t *Turn) Close() {
	t.L.Close()
}

// raise records a host-side fault and propagates it into the guest as a
// Lua error. The fault is sticky: even a guest pcall cannot un-abort the
// turn.
func (t *Turn) raise(err error) {
	if t.fault == nil {
		t.fault = err
	}
	t.L.RaiseError("%s", err.Error())
}

// getPower returns the unpacked inner power for powid, memoized for the
// turn. The identity of the returned value is stable, which is what lets
// make_urbject recognize "the parent handed me its own power" and reuse
// the powid.
func (t *Turn) getPower(powid string) (lua.LValue, error) {
	if inner, ok := t.powers[powid]; ok {
		return inner, nil
	}
	p, err := t.tx.GetPower(powid)
	if err != nil {
		return nil, err
	}
	inner, err := t.unpack(p.PowerJSON, packPower)
	if err != nil {
		return nil, fmt.Errorf("unpack power %s: %w", powid, err)
	}
	t.powers[powid] = inner
	if tbl, ok := inner.(*lua.LTable); ok {
		t.powerIdent[tbl] = powid
	}
	return inner, nil
}

// getMemory returns the live mapping for memid, opening it on first use.
// Idempotent: every caller in the turn shares one table.
func (t *Turn) getMemory(memid string) (lua.LValue, error) {
	if m, ok := t.memByID[memid]; ok {
		return m.data, nil
	}
	stored, err := t.tx.GetMemory(memid)
	if err != nil {
		return nil, err
	}
	inner, err := t.unpack(stored.DataJSON, packMemory)
	if err != nil {
		return nil, fmt.Errorf("unpack memory %s: %w", memid, err)
	}
	data, ok := inner.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("memory %s is not a mapping", memid)
	}
	m := &openMemory{memid: memid, data: data}
	t.memories = append(t.memories, m)
	t.memByID[memid] = m
	t.memIdent[data] = memid
	return data, nil
}

// getReference returns the canonical InnerReference for refid. Guest code
// comparing references by identity relies on this.
func (t *Turn) getReference(ref types.RefID) *lua.LUserData {
	if ud, ok := t.references[ref]; ok {
		return ud
	}
	ud := t.newReferenceUserdata(ref)
	t.references[ref] = ud
	return ud
}

// getNativePower returns the canonical NativePower for name.
func (t *Turn) getNativePower(name string) (lua.LValue, error) {
	if ud, ok := t.natives[name]; ok {
		return ud, nil
	}
	fn, ok := knownNatives[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownNative, name)
	}
	ud := t.newNativeUserdata(name, fn)
	t.natives[name] = ud
	return ud, nil
}

// putMemory resolves the mapping in a power's memory slot to a memid. A
// mapping that is an already-opened memory keeps its memid (the child
// shares the parent's memory); anything else becomes the initial
// contents of a freshly minted one. Handing the same raw mapping to two
// make_urbject calls mints two memories: only a memory obtained through
// a power is shareable.
func (t *Turn) putMemory(data *lua.LTable) (string, error) {
	if memid, ok := t.memIdent[data]; ok {
		return memid, nil
	}
	packed, err := t.pack(data, packMemory)
	if err != nil {
		return "", err
	}
	memid := ids.NewMemoryID()
	if err := t.tx.CreateMemory(&types.Memory{ID: memid, DataJSON: packed}); err != nil {
		return "", err
	}
	return memid, nil
}

// queueInvoke packs args and queues an invoke envelope for the target.
// Delivery happens at commit; nothing leaves an aborted turn.
func (t *Turn) queueInvoke(target types.RefID, args lua.LValue) error {
	packed, err := t.pack(args, packArgs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(&types.Envelope{
		Command:  types.CommandInvoke,
		UrbjID:   target.Urbject,
		ArgsJSON: packed,
	})
	if err != nil {
		return err
	}
	t.outbound = append(t.outbound, queuedSend{target: target.Vat, body: body})
	return nil
}

// Run executes one turn: unpack args, run the guest, then seal the
// turn's effects into the transaction. The caller owns the transaction
// and performs the final commit (or rollback on error).
func (t *Turn) Run(code, powid, argsJSON, fromVat string) (lua.LValue, error) {
	inv, err := newInvocation(t, code, powid)
	if err != nil {
		return nil, err
	}
	ret, err := inv.invoke(argsJSON, fromVat)
	if t.fault != nil {
		// host-side faults are the root cause even when the guest
		// wrapped or swallowed the raised error
		err = t.fault
	}
	if err != nil {
		return nil, err
	}
	if err := t.seal(); err != nil {
		return nil, err
	}
	return ret, nil
}

// seal writes the turn's persistent effects into the transaction: every
// opened memory is repacked and written back, then every queued message
// is enqueued in send order. Messages addressed to this vat loop back to
// the local inbound queue.
func (t *Turn) seal() error {
	for _, m := range t.memories {
		packed, err := t.pack(m.data, packMemory)
		if err != nil {
			return fmt.Errorf("pack memory %s: %w", m.memid, err)
		}
		if err := t.tx.WriteMemory(&types.Memory{ID: m.memid, DataJSON: packed}); err != nil {
			return err
		}
	}
	for _, msg := range t.outbound {
		if msg.target == t.vatID {
			if _, err := t.tx.EnqueueInbound(t.vatID, msg.body); err != nil {
				return err
			}
		} else {
			if _, err := t.tx.EnqueueOutbound(msg.target, msg.body); err != nil {
				return err
			}
		}
		t.rt.noteEnqueued(msg.target)
	}
	return nil
}
