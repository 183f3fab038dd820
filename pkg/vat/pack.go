package vat

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cuemby/hutch/pkg/ids"
	"github.com/cuemby/hutch/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

// packMode selects which capability tags a pack or unpack may handle.
// Powers may carry everything; memories and args carry references only.
type packMode int

const (
	packPower packMode = iota
	packMemory
	packArgs
)

func (m packMode) allowNative() bool { return m == packPower }
func (m packMode) allowMemory() bool { return m == packPower }

// packing serializes guest values into the on-disk/on-wire JSON form.
//
// Tags are emitted under a one-time nonce key and the nonce is textually
// substituted with __power__ as the very last step; any guest-supplied
// mapping that already contains the literal __power__ key is rejected.
// The guest never learns the nonce, so it cannot construct a dict that
// survives as a tag.
type packing struct {
	turn  *Turn
	mode  packMode
	nonce string
	seen  map[*lua.LTable]bool
}

func (t *Turn) pack(v lua.LValue, mode packMode) (string, error) {
	p := &packing{
		turn:  t,
		mode:  mode,
		nonce: ids.PackNonce(),
		seen:  make(map[*lua.LTable]bool),
	}
	return p.pack(v)
}

func (p *packing) pack(v lua.LValue) (string, error) {
	var tree any
	var err error
	if p.mode == packPower {
		tree, err = p.encodePowerTop(v)
	} else {
		tree, err = p.encode(v)
	}
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("encode packed value: %w", err)
	}
	return strings.ReplaceAll(string(out), p.nonce, types.PowerMarker), nil
}

// encodePowerTop gives the top-level "memory" slot of a power its special
// treatment: the mapping there is resolved (or minted) as a Memory and
// replaced by a memory tag. The walk operates on a shallow copy; the
// guest's table is never modified. A mapping that happens to be an opened
// memory but sits anywhere else serializes by value like plain data.
func (p *packing) encodePowerTop(v lua.LValue) (any, error) {
	switch tv := v.(type) {
	case *lua.LNilType:
		return map[string]any{}, nil
	case *lua.LTable:
		out := make(map[string]any)
		var werr error
		tv.ForEach(func(k, val lua.LValue) {
			if werr != nil {
				return
			}
			key, ok := k.(lua.LString)
			if !ok {
				werr = fmt.Errorf("%w: power key %s", ErrNotSerializable, k.Type())
				return
			}
			if string(key) == types.PowerMarker {
				werr = ErrForbiddenPower
				return
			}
			if string(key) == "memory" && val != lua.LNil {
				mem, ok := val.(*lua.LTable)
				if !ok {
					werr = fmt.Errorf("%w: power memory must be a mapping", ErrNotSerializable)
					return
				}
				memid, err := p.turn.putMemory(mem)
				if err != nil {
					werr = err
					return
				}
				out[string(key)] = map[string]any{p.nonce: string(types.KindMemory), "swissnum": memid}
				return
			}
			enc, err := p.encode(val)
			if err != nil {
				werr = err
				return
			}
			out[string(key)] = enc
		})
		if werr != nil {
			return nil, werr
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: power must be a mapping", ErrNotSerializable)
	}
}

func (p *packing) encode(v lua.LValue) (any, error) {
	switch tv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(tv), nil
	case lua.LNumber:
		return jsonNumber(float64(tv)), nil
	case lua.LString:
		return string(tv), nil
	case *lua.LUserData:
		return p.encodeOpaque(tv)
	case *lua.LTable:
		return p.encodeTable(tv)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSerializable, v.Type())
	}
}

func (p *packing) encodeOpaque(ud *lua.LUserData) (any, error) {
	switch o := ud.Value.(type) {
	case *InnerReference:
		return map[string]any{
			p.nonce:    string(types.KindReference),
			"swissnum": []any{o.ref.Vat, o.ref.Urbject},
		}, nil
	case *NativePower:
		if !p.mode.allowNative() {
			return nil, fmt.Errorf("%w: %s", ErrNativeNotSerializable, o.name)
		}
		return map[string]any{
			p.nonce:    string(types.KindNative),
			"swissnum": o.name,
		}, nil
	default:
		return nil, fmt.Errorf("%w: foreign userdata", ErrNotSerializable)
	}
}

func (p *packing) encodeTable(tbl *lua.LTable) (any, error) {
	if p.seen[tbl] {
		return nil, ErrCircular
	}
	p.seen[tbl] = true
	defer delete(p.seen, tbl)

	if n, isArray := arrayLen(tbl); isArray {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			enc, err := p.encode(tbl.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			out = append(out, enc)
		}
		return out, nil
	}

	out := make(map[string]any)
	var werr error
	tbl.ForEach(func(k, val lua.LValue) {
		if werr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			werr = fmt.Errorf("%w: table key %s", ErrNotSerializable, k.Type())
			return
		}
		if string(key) == types.PowerMarker {
			werr = ErrForbiddenPower
			return
		}
		enc, err := p.encode(val)
		if err != nil {
			werr = err
			return
		}
		out[string(key)] = enc
	})
	if werr != nil {
		return nil, werr
	}
	return out, nil
}

// arrayLen reports whether a table's keys are exactly 1..n. The empty
// table counts as a mapping, so {} packs as a JSON object.
func arrayLen(tbl *lua.LTable) (int, bool) {
	n := 0
	maxIdx := 0
	ok := true
	tbl.ForEach(func(k, _ lua.LValue) {
		if !ok {
			return
		}
		num, isNum := k.(lua.LNumber)
		if !isNum || float64(num) != math.Trunc(float64(num)) || num < 1 {
			ok = false
			return
		}
		n++
		if int(num) > maxIdx {
			maxIdx = int(num)
		}
	})
	if !ok || n == 0 || n != maxIdx {
		return 0, false
	}
	return n, true
}

// jsonNumber renders integral floats without a fraction so numbers
// round-trip textually (123 stays 123, not 123.0).
func jsonNumber(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}

// unpacking deserializes a stored or received JSON document into guest
// values, resolving tags through the Turn's capability tables subject to
// the mode. At most one memory tag may be consumed per invocation.
type unpacking struct {
	turn        *Turn
	allowNative bool
	allowMemory bool
}

func (t *Turn) unpack(doc string, mode packMode) (lua.LValue, error) {
	if doc == "" {
		doc = "{}"
	}
	up := &unpacking{
		turn:        t,
		allowNative: mode.allowNative(),
		allowMemory: mode.allowMemory(),
	}
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode packed value: %w", err)
	}
	return up.decode(tree)
}

func (up *unpacking) decode(v any) (lua.LValue, error) {
	switch tv := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(tv), nil
	case string:
		return lua.LString(tv), nil
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("decode number %q: %w", tv, err)
		}
		return lua.LNumber(f), nil
	case []any:
		out := up.turn.L.NewTable()
		for i, item := range tv {
			dv, err := up.decode(item)
			if err != nil {
				return nil, err
			}
			out.RawSetInt(i+1, dv)
		}
		return out, nil
	case map[string]any:
		if kind, tagged := tv[types.PowerMarker]; tagged {
			return up.decodeTag(kind, tv["swissnum"])
		}
		out := up.turn.L.NewTable()
		for k, item := range tv {
			dv, err := up.decode(item)
			if err != nil {
				return nil, err
			}
			out.RawSetString(k, dv)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode: unhandled value %T", v)
	}
}

func (up *unpacking) decodeTag(kind, swissnum any) (lua.LValue, error) {
	kindStr, _ := kind.(string)
	if kindStr == string(types.KindNative) && up.allowNative {
		name, ok := swissnum.(string)
		if !ok {
			return nil, fmt.Errorf("%w: malformed native swissnum", ErrUnknownPowerKind)
		}
		return up.turn.getNativePower(name)
	}
	if kindStr == string(types.KindMemory) {
		if !up.allowMemory {
			return nil, ErrOneMemory
		}
		up.allowMemory = false
		memid, ok := swissnum.(string)
		if !ok {
			return nil, fmt.Errorf("%w: malformed memory swissnum", ErrUnknownPowerKind)
		}
		return up.turn.getMemory(memid)
	}
	if kindStr == string(types.KindReference) {
		pair, ok := swissnum.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: malformed reference swissnum", ErrUnknownPowerKind)
		}
		vatid, vok := pair[0].(string)
		urbjid, uok := pair[1].(string)
		if !vok || !uok {
			return nil, fmt.Errorf("%w: malformed reference swissnum", ErrUnknownPowerKind)
		}
		return up.turn.getReference(types.RefID{Vat: vatid, Urbject: urbjid}), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownPowerKind, kindStr)
}
