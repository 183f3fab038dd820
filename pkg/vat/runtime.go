package vat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/ids"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// Runtime is the turn engine for one vat: it owns dispatch of the
// inbound queue, runs one turn at a time, and emits events and metrics
// around each.
type Runtime struct {
	VatID string

	// Debug, when set, is injected into guest namespaces as debug(x).
	// Test hook; nil in production nodes.
	Debug func(string)

	store  *storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a runtime for vatID over store. broker may be nil.
func New(vatID string, store *storage.Store, broker *events.Broker) *Runtime {
	return &Runtime{
		VatID:  vatID,
		store:  store,
		broker: broker,
		logger: log.ForVat(vatID),
	}
}

// Store exposes the underlying store to collaborators (transport, web).
func (rt *Runtime) Store() *storage.Store { return rt.store }

// ProcessEnvelope runs one inbound payload inside the caller's
// transaction. A nil return means the turn's effects are sealed in tx
// (or the payload was malformed and deliberately dropped); an error
// means the caller must roll tx back.
func (rt *Runtime) ProcessEnvelope(tx *storage.Tx, fromVat string, body []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		rt.logger.Warn().Err(err).Msg("dropping malformed message")
		metrics.MessagesDropped.Inc()
		return nil
	}

	switch env.Command {
	case types.CommandInvoke:
		if env.UrbjID == "" {
			rt.logger.Warn().Msg("dropping invoke without urbjid")
			metrics.MessagesDropped.Inc()
			return nil
		}
		u, err := tx.GetUrbject(env.UrbjID)
		if err != nil {
			return err
		}
		t := newTurn(rt, tx)
		defer t.Close()
		_, err = t.Run(u.Code, u.PowID, env.ArgsJSON, fromVat)
		return err

	case types.CommandExecute:
		if env.MemID == "" || env.Code == "" {
			rt.logger.Warn().Msg("dropping execute without memid or code")
			metrics.MessagesDropped.Inc()
			return nil
		}
		powid, err := CreatePowerForMemid(tx, env.MemID, true)
		if err != nil {
			return err
		}
		t := newTurn(rt, tx)
		defer t.Close()
		_, err = t.Run(env.Code, powid, env.ArgsJSON, fromVat)
		return err

	default:
		rt.logger.Info().Str("command", env.Command).Msg("ignored command")
		metrics.MessagesDropped.Inc()
		return nil
	}
}

// DispatchOne pops and runs the oldest inbound message. Returns false
// when the queue is empty. On a fault the transaction is rolled back and
// the message stays queued for the next drain attempt.
func (rt *Runtime) DispatchOne() (bool, error) {
	tx, err := rt.store.Begin(true)
	if err != nil {
		return false, err
	}

	msg, err := tx.PeekInbound()
	if err != nil {
		tx.Rollback()
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	if err := rt.ProcessEnvelope(tx, msg.Peer, msg.Body); err != nil {
		tx.Rollback()
		rt.noteTurn("aborted", start, err)
		return true, err
	}
	if err := tx.DeleteInbound(msg.Seq); err != nil {
		tx.Rollback()
		rt.noteTurn("aborted", start, err)
		return true, err
	}
	if err := tx.Commit(); err != nil {
		rt.noteTurn("aborted", start, err)
		return true, err
	}
	rt.noteTurn("committed", start, nil)
	return true, nil
}

// DrainInbound dispatches queued messages until the queue is empty or a
// turn faults. Returns the number of committed turns.
func (rt *Runtime) DrainInbound() (int, error) {
	n := 0
	for {
		ran, err := rt.DispatchOne()
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// QueueEnvelope enqueues an envelope for target, addressed through the
// normal queues (loopback when target is this vat). Used by the CLI and
// the poke surface.
func (rt *Runtime) QueueEnvelope(target string, env *types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return rt.store.Update(func(tx *storage.Tx) error {
		if target == rt.VatID {
			_, err := tx.EnqueueInbound(rt.VatID, body)
			return err
		}
		_, err := tx.EnqueueOutbound(target, body)
		return err
	})
}

// CreateMemory mints and stores a memory with the given initial JSON.
func (rt *Runtime) CreateMemory(dataJSON string) (string, error) {
	if dataJSON == "" {
		dataJSON = "{}"
	}
	memid := ids.NewMemoryID()
	err := rt.store.Update(func(tx *storage.Tx) error {
		return tx.CreateMemory(&types.Memory{ID: memid, DataJSON: dataJSON})
	})
	if err != nil {
		return "", err
	}
	if rt.broker != nil {
		rt.broker.Publish(events.MemoryCreated, memid, nil)
	}
	return memid, nil
}

// CreateUrbject stores code bound to a fresh power granting memid (when
// non-empty) and make_urbject. Returns the new urbjid.
func (rt *Runtime) CreateUrbject(code, memid string) (string, error) {
	urbjid := ids.NewUrbjectID()
	err := rt.store.Update(func(tx *storage.Tx) error {
		powid, err := CreatePowerForMemid(tx, memid, true)
		if err != nil {
			return err
		}
		return tx.CreateUrbject(&types.Urbject{ID: urbjid, PowID: powid, Code: code})
	})
	if err != nil {
		return "", err
	}
	rt.noteUrbjectCreated(urbjid)
	return urbjid, nil
}

// CreatePowerForMemid builds the ad-hoc power the execute path and the
// CLI grant: the named memory (optional) plus the make_urbject native.
func CreatePowerForMemid(tx *storage.Tx, memid string, grantMakeUrbject bool) (string, error) {
	doc := map[string]any{}
	if memid != "" {
		doc["memory"] = types.MemoryTag(memid)
	}
	if grantMakeUrbject {
		doc[types.NativeMakeUrbject] = types.NativeTag(types.NativeMakeUrbject)
	}
	powerJSON, err := types.EncodeTags(doc)
	if err != nil {
		return "", err
	}
	powid := ids.NewPowerID()
	if err := tx.CreatePower(&types.Power{ID: powid, PowerJSON: powerJSON}); err != nil {
		return "", err
	}
	return powid, nil
}

func (rt *Runtime) noteTurn(result string, start time.Time, err error) {
	metrics.TurnsTotal.WithLabelValues(result).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		rt.logger.Error().Err(err).Msg("turn aborted")
		if rt.broker != nil {
			rt.broker.Publish(events.TurnAborted, err.Error(), nil)
		}
		return
	}
	rt.logger.Debug().Msg("turn committed")
	if rt.broker != nil {
		rt.broker.Publish(events.TurnCommitted, "", nil)
	}
}

func (rt *Runtime) noteEnqueued(target string) {
	direction := "outbound"
	if target == rt.VatID {
		direction = "loopback"
	}
	metrics.MessagesEnqueued.WithLabelValues(direction).Inc()
	if rt.broker != nil {
		rt.broker.Publish(events.MessageEnqueued, target, map[string]string{"target": target})
	}
}

func (rt *Runtime) noteUrbjectCreated(urbjid string) {
	metrics.UrbjectsCreated.Inc()
	if rt.broker != nil {
		rt.broker.Publish(events.UrbjectCreated, urbjid, nil)
	}
}
