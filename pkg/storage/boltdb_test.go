package storage

import (
	"errors"
	"testing"

	"github.com/cuemby/hutch/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *Tx) error {
		if err := tx.CreatePower(&types.Power{ID: "pow-1", PowerJSON: "{}"}); err != nil {
			return err
		}
		if err := tx.CreateUrbject(&types.Urbject{ID: "urb-1", PowID: "pow-1", Code: "function call(args, power) end"}); err != nil {
			return err
		}
		return tx.CreateMemory(&types.Memory{ID: "mem-1", DataJSON: `{"counter":0}`})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.View(func(tx *Tx) error {
		u, err := tx.GetUrbject("urb-1")
		if err != nil {
			return err
		}
		if u.PowID != "pow-1" {
			t.Errorf("urbject powid = %q", u.PowID)
		}
		p, err := tx.GetPower("pow-1")
		if err != nil {
			return err
		}
		if p.PowerJSON != "{}" {
			t.Errorf("power json = %q", p.PowerJSON)
		}
		m, err := tx.GetMemory("mem-1")
		if err != nil {
			return err
		}
		if m.DataJSON != `{"counter":0}` {
			t.Errorf("memory json = %q", m.DataJSON)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.View(func(tx *Tx) error {
		_, err := tx.GetUrbject("urb-nope")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOutboundQueueOrdering(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *Tx) error {
		for _, body := range []string{"first", "second", "third"} {
			if _, err := tx.EnqueueOutbound("vat-peer", []byte(body)); err != nil {
				return err
			}
		}
		_, err := tx.EnqueueOutbound("vat-other", []byte("elsewhere"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// drain vat-peer in order
	for i, want := range []string{"first", "second", "third"} {
		err := s.Update(func(tx *Tx) error {
			msg, err := tx.PeekOutbound("vat-peer")
			if err != nil {
				return err
			}
			if string(msg.Body) != want {
				t.Errorf("message %d = %q, want %q", i, msg.Body, want)
			}
			if msg.Seq != uint64(i) {
				t.Errorf("message %d seq = %d", i, msg.Seq)
			}
			return tx.AckOutbound("vat-peer", msg.Seq)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	err = s.View(func(tx *Tx) error {
		if _, err := tx.PeekOutbound("vat-peer"); !errors.Is(err, ErrNotFound) {
			t.Errorf("drained queue peek = %v, want ErrNotFound", err)
		}
		peers, err := tx.OutboundPeers()
		if err != nil {
			return err
		}
		if len(peers) != 1 || peers[0] != "vat-other" {
			t.Errorf("pending peers = %v", peers)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInboundQueueFIFO(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *Tx) error {
		if _, err := tx.EnqueueInbound("vat-a", []byte("one")); err != nil {
			return err
		}
		_, err := tx.EnqueueInbound("vat-b", []byte("two"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Update(func(tx *Tx) error {
		msg, err := tx.PeekInbound()
		if err != nil {
			return err
		}
		if string(msg.Body) != "one" || msg.Peer != "vat-a" {
			t.Errorf("first inbound = %q from %q", msg.Body, msg.Peer)
		}
		if err := tx.DeleteInbound(msg.Seq); err != nil {
			return err
		}
		msg, err = tx.PeekInbound()
		if err != nil {
			return err
		}
		if string(msg.Body) != "two" {
			t.Errorf("second inbound = %q", msg.Body)
		}
		depth, err := tx.InboundDepth()
		if err != nil {
			return err
		}
		if depth != 1 {
			t.Errorf("depth = %d, want 1", depth)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.CreateMemory(&types.Memory{ID: "mem-x", DataJSON: "{}"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.EnqueueOutbound("vat-p", []byte("m")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	err = s.View(func(tx *Tx) error {
		if _, err := tx.GetMemory("mem-x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("memory survived rollback: %v", err)
		}
		peers, err := tx.OutboundPeers()
		if err != nil {
			return err
		}
		if len(peers) != 0 {
			t.Errorf("outbound survived rollback: %v", peers)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMsgnumCounters(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *Tx) error {
		n, err := tx.NextInboundMsgnum("vat-p")
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("fresh msgnum = %d", n)
		}
		if err := tx.BumpInboundMsgnum("vat-p"); err != nil {
			return err
		}
		n, err = tx.NextInboundMsgnum("vat-p")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("bumped msgnum = %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
