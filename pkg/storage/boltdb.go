package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUrbjects = []byte("urbjects")
	bucketPowers   = []byte("powers")
	bucketMemories = []byte("memories")
	bucketPeers    = []byte("peers")
	bucketOutbound = []byte("outbound") // nested bucket per peer vat id
	bucketInbound  = []byte("inbound")  // flat FIFO keyed by local seq
	bucketCounters = []byte("counters")
	bucketNode     = []byte("node")
)

// Counter keys
const (
	counterInbound       = "inbound_seq"
	counterOutboundPeer  = "outbound_seq/"  // + peer vatid
	counterInboundMsgnum = "inbound_msgnum/" // + peer vatid
)

// Tx wraps one bolt transaction with typed entity access.
type Tx struct {
	btx *bolt.Tx
}

// Commit makes every write in the transaction durable (bbolt fsyncs).
func (tx *Tx) Commit() error {
	if err := tx.btx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every write in the transaction.
func (tx *Tx) Rollback() error {
	return tx.btx.Rollback()
}

// --- Urbjects ---

func (tx *Tx) CreateUrbject(u *types.Urbject) error {
	b := tx.btx.Bucket(bucketUrbjects)
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.Put([]byte(u.ID), data)
}

func (tx *Tx) GetUrbject(id string) (*types.Urbject, error) {
	b := tx.btx.Bucket(bucketUrbjects)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("urbject %s: %w", id, ErrNotFound)
	}
	var u types.Urbject
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (tx *Tx) ListUrbjects() ([]*types.Urbject, error) {
	var urbjects []*types.Urbject
	b := tx.btx.Bucket(bucketUrbjects)
	err := b.ForEach(func(k, v []byte) error {
		var u types.Urbject
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		urbjects = append(urbjects, &u)
		return nil
	})
	return urbjects, err
}

// --- Powers ---

func (tx *Tx) CreatePower(p *types.Power) error {
	b := tx.btx.Bucket(bucketPowers)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.Put([]byte(p.ID), data)
}

func (tx *Tx) GetPower(id string) (*types.Power, error) {
	b := tx.btx.Bucket(bucketPowers)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("power %s: %w", id, ErrNotFound)
	}
	var p types.Power
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Memories ---

func (tx *Tx) CreateMemory(m *types.Memory) error {
	b := tx.btx.Bucket(bucketMemories)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put([]byte(m.ID), data)
}

func (tx *Tx) GetMemory(id string) (*types.Memory, error) {
	b := tx.btx.Bucket(bucketMemories)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	var m types.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMemory replaces a memory's contents. Upsert, same as create.
func (tx *Tx) WriteMemory(m *types.Memory) error {
	return tx.CreateMemory(m)
}

func (tx *Tx) ListMemories() ([]*types.Memory, error) {
	var memories []*types.Memory
	b := tx.btx.Bucket(bucketMemories)
	err := b.ForEach(func(k, v []byte) error {
		var m types.Memory
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		memories = append(memories, &m)
		return nil
	})
	return memories, err
}

// --- Peers (address book) ---

func (tx *Tx) PutPeer(p *types.Peer) error {
	b := tx.btx.Bucket(bucketPeers)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.Put([]byte(p.VatID), data)
}

func (tx *Tx) GetPeer(vatid string) (*types.Peer, error) {
	b := tx.btx.Bucket(bucketPeers)
	data := b.Get([]byte(vatid))
	if data == nil {
		return nil, fmt.Errorf("peer %s: %w", vatid, ErrNotFound)
	}
	var p types.Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (tx *Tx) ListPeers() ([]*types.Peer, error) {
	var peers []*types.Peer
	b := tx.btx.Bucket(bucketPeers)
	err := b.ForEach(func(k, v []byte) error {
		var p types.Peer
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		peers = append(peers, &p)
		return nil
	})
	return peers, err
}

// --- Outbound queues ---

// EnqueueOutbound appends a message to the peer's FIFO and returns its
// sequence number. Sequence numbers are monotonic per peer and double as
// the transport message number.
func (tx *Tx) EnqueueOutbound(peer string, body []byte) (uint64, error) {
	seq, err := tx.nextCounter(counterOutboundPeer + peer)
	if err != nil {
		return 0, err
	}
	ob := tx.btx.Bucket(bucketOutbound)
	pb, err := ob.CreateBucketIfNotExists([]byte(peer))
	if err != nil {
		return 0, fmt.Errorf("failed to create outbound bucket for %s: %w", peer, err)
	}
	msg := types.QueuedMessage{Peer: peer, Seq: seq, Body: body}
	data, err := json.Marshal(&msg)
	if err != nil {
		return 0, err
	}
	if err := pb.Put(seqKey(seq), data); err != nil {
		return 0, err
	}
	return seq, nil
}

// OutboundPeers lists peers with at least one pending outbound message.
func (tx *Tx) OutboundPeers() ([]string, error) {
	var peers []string
	ob := tx.btx.Bucket(bucketOutbound)
	err := ob.ForEachBucket(func(k []byte) error {
		pb := ob.Bucket(k)
		ck, _ := pb.Cursor().First()
		if ck != nil {
			peers = append(peers, string(k))
		}
		return nil
	})
	return peers, err
}

// PeekOutbound returns the lowest-seq pending message for a peer, or
// ErrNotFound when the queue is empty.
func (tx *Tx) PeekOutbound(peer string) (*types.QueuedMessage, error) {
	ob := tx.btx.Bucket(bucketOutbound)
	pb := ob.Bucket([]byte(peer))
	if pb == nil {
		return nil, fmt.Errorf("outbound for %s: %w", peer, ErrNotFound)
	}
	k, v := pb.Cursor().First()
	if k == nil {
		return nil, fmt.Errorf("outbound for %s: %w", peer, ErrNotFound)
	}
	var msg types.QueuedMessage
	if err := json.Unmarshal(v, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AckOutbound retires a delivered message. Idempotent.
func (tx *Tx) AckOutbound(peer string, seq uint64) error {
	ob := tx.btx.Bucket(bucketOutbound)
	pb := ob.Bucket([]byte(peer))
	if pb == nil {
		return nil
	}
	return pb.Delete(seqKey(seq))
}

// --- Inbound queue ---

// EnqueueInbound appends a received message to the local dispatch FIFO.
func (tx *Tx) EnqueueInbound(fromPeer string, body []byte) (uint64, error) {
	seq, err := tx.nextCounter(counterInbound)
	if err != nil {
		return 0, err
	}
	msg := types.QueuedMessage{Peer: fromPeer, Seq: seq, Body: body, Received: time.Now().UTC()}
	data, err := json.Marshal(&msg)
	if err != nil {
		return 0, err
	}
	b := tx.btx.Bucket(bucketInbound)
	if err := b.Put(seqKey(seq), data); err != nil {
		return 0, err
	}
	return seq, nil
}

// PeekInbound returns the oldest undispatched message, or ErrNotFound.
func (tx *Tx) PeekInbound() (*types.QueuedMessage, error) {
	b := tx.btx.Bucket(bucketInbound)
	k, v := b.Cursor().First()
	if k == nil {
		return nil, fmt.Errorf("inbound: %w", ErrNotFound)
	}
	var msg types.QueuedMessage
	if err := json.Unmarshal(v, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteInbound acknowledges a dispatched message. Must be part of the
// same transaction as the turn that consumed it.
func (tx *Tx) DeleteInbound(seq uint64) error {
	return tx.btx.Bucket(bucketInbound).Delete(seqKey(seq))
}

// InboundDepth counts undispatched messages.
func (tx *Tx) InboundDepth() (int, error) {
	n := 0
	err := tx.btx.Bucket(bucketInbound).ForEach(func(k, v []byte) error {
		n++
		return nil
	})
	return n, err
}

// --- Transport nonce counters ---

// NextInboundMsgnum returns the message number expected next from a peer.
func (tx *Tx) NextInboundMsgnum(peer string) (uint64, error) {
	return tx.readCounter(counterInboundMsgnum + peer)
}

// BumpInboundMsgnum records that the expected message number was consumed.
func (tx *Tx) BumpInboundMsgnum(peer string) error {
	_, err := tx.nextCounter(counterInboundMsgnum + peer)
	return err
}

// --- Node configuration ---

// SetNodeConfig stores a node-level key (the node keypair halves).
func (tx *Tx) SetNodeConfig(key string, value []byte) error {
	return tx.btx.Bucket(bucketNode).Put([]byte(key), value)
}

// GetNodeConfig reads a node-level key.
func (tx *Tx) GetNodeConfig(key string) ([]byte, error) {
	data := tx.btx.Bucket(bucketNode).Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("node config %s: %w", key, ErrNotFound)
	}
	// copy: bolt data is only valid during the transaction
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// --- helpers ---

// nextCounter returns the current value of a counter and advances it.
// Counters start at 0.
func (tx *Tx) nextCounter(name string) (uint64, error) {
	b := tx.btx.Bucket(bucketCounters)
	cur := uint64(0)
	if v := b.Get([]byte(name)); v != nil {
		cur = binary.BigEndian.Uint64(v)
	}
	if err := b.Put([]byte(name), seqKey(cur+1)); err != nil {
		return 0, err
	}
	return cur, nil
}

func (tx *Tx) readCounter(name string) (uint64, error) {
	b := tx.btx.Bucket(bucketCounters)
	if v := b.Get([]byte(name)); v != nil {
		return binary.BigEndian.Uint64(v), nil
	}
	return 0, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
