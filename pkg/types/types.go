package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PowerMarker is the reserved key that turns a JSON object into a
// capability tag. Guest data may never contain it.
const PowerMarker = "__power__"

// PowerKind discriminates capability tags in stored powers and memories.
type PowerKind string

const (
	KindReference PowerKind = "reference"
	KindMemory    PowerKind = "memory"
	KindNative    PowerKind = "native"
)

// NativeMakeUrbject is the only native power in the initial vocabulary.
const NativeMakeUrbject = "make_urbject"

// Urbject is an addressable (code, power) binding. Immutable once created.
type Urbject struct {
	ID    string `json:"urbjid"`
	PowID string `json:"powid"`
	Code  string `json:"code"`
}

// Power is the static authority granted to an urbject's code. PowerJSON is
// a JSON document whose tagged dicts name the granted authorities.
// Immutable once created.
type Power struct {
	ID        string `json:"powid"`
	PowerJSON string `json:"power_json"`
}

// Memory is a named mutable JSON mapping persisted across turns. It is
// mutated only by the turn that opened it, at commit.
type Memory struct {
	ID       string `json:"memid"`
	DataJSON string `json:"data_json"`
}

// RefID is a globally qualified urbject address. Urbject references are
// always (vat, urbject) pairs, even when local.
type RefID struct {
	Vat     string
	Urbject string
}

func (r RefID) String() string { return MakeSpid(r.Vat, r.Urbject) }

// Envelope is the inter-vat message payload. Command selects the core
// entry point; the remaining fields depend on the command.
type Envelope struct {
	Command  string `json:"command"`
	UrbjID   string `json:"urbjid,omitempty"`
	MemID    string `json:"memid,omitempty"`
	Code     string `json:"code,omitempty"`
	ArgsJSON string `json:"args_json,omitempty"`
}

const (
	CommandInvoke  = "invoke"
	CommandExecute = "execute"
)

// QueuedMessage is one entry in a message queue. Outbound Seq numbers
// increase monotonically per peer; inbound Seq numbers come from one
// local counter shared by all senders.
type QueuedMessage struct {
	Peer     string    `json:"peer"`
	Seq      uint64    `json:"seq"`
	Body     []byte    `json:"body"`
	Received time.Time `json:"received,omitempty"`
}

// Peer is an address-book entry mapping a vat id to a reachable URL.
type Peer struct {
	VatID string `json:"vatid"`
	URL   string `json:"url"`
}

// MakeSpid joins a vat id and an urbject id into the colon-joined form the
// CLI passes around.
func MakeSpid(vatid, urbjid string) string {
	return vatid + ":" + urbjid
}

// ParseSpid splits a spid back into its vat and urbject ids.
func ParseSpid(spid string) (vatid, urbjid string, err error) {
	i := strings.LastIndex(spid, ":")
	if i < 0 {
		return "", "", fmt.Errorf("not a spid (missing ':'): %q", spid)
	}
	vatid, urbjid = spid[:i], spid[i+1:]
	if !strings.HasPrefix(vatid, "vat-") || !strings.HasPrefix(urbjid, "urb-") {
		return "", "", fmt.Errorf("not a spid: %q", spid)
	}
	return vatid, urbjid, nil
}

// ReferenceTag renders the stored form of a reference capability.
func ReferenceTag(ref RefID) map[string]any {
	return map[string]any{
		PowerMarker: string(KindReference),
		"swissnum":  []any{ref.Vat, ref.Urbject},
	}
}

// MemoryTag renders the stored form of a memory capability.
func MemoryTag(memid string) map[string]any {
	return map[string]any{
		PowerMarker: string(KindMemory),
		"swissnum":  memid,
	}
}

// NativeTag renders the stored form of a native capability.
func NativeTag(name string) map[string]any {
	return map[string]any{
		PowerMarker: string(KindNative),
		"swissnum":  name,
	}
}

// EncodeTags marshals a tag document built from the helpers above.
func EncodeTags(doc map[string]any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode power document: %w", err)
	}
	return string(b), nil
}
