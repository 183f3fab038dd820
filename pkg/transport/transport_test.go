package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/vat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Options{Level: "error", JSON: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newCodec(t *testing.T) *Codec {
	t.Helper()
	pub, priv, err := NewKeypair()
	require.NoError(t, err)
	c, err := NewCodec(pub, priv)
	require.NoError(t, err)
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)

	sealed, err := a.Seal(b.VatID(), 0, []byte("hello"))
	require.NoError(t, err)
	opened, err := b.Open(a.VatID(), 0, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), opened)
}

func TestOpenRejectsWrongMsgnum(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)

	sealed, err := a.Seal(b.VatID(), 3, []byte("hello"))
	require.NoError(t, err)
	_, err = b.Open(a.VatID(), 4, sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestAckNoncesAreDistinct(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)

	// a message and an ack for the same msgnum must not open as each
	// other
	msg, err := a.Seal(b.VatID(), 1, []byte("payload"))
	require.NoError(t, err)
	_, err = b.OpenAck(a.VatID(), 1, msg)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestThirdPartyCannotOpen(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)
	eve := newCodec(t)

	sealed, err := a.Seal(b.VatID(), 0, []byte("secret"))
	require.NoError(t, err)
	_, err = eve.Open(a.VatID(), 0, sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

// testVat is one end of a two-vat exchange: store, runtime, transport,
// and an HTTP listener for the peer-facing endpoint.
type testVat struct {
	codec *Codec
	store *storage.Store
	rt    *vat.Runtime
	tr    *Transport
	srv   *httptest.Server
}

func newTestVat(t *testing.T) *testVat {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := newCodec(t)
	v := &testVat{
		codec: c,
		store: s,
		rt:    vat.New(c.VatID(), s, nil),
		tr:    New(c, s),
	}
	v.srv = httptest.NewServer(v.tr.Handler())
	t.Cleanup(v.srv.Close)
	return v
}

func (v *testVat) addPeer(t *testing.T, other *testVat) {
	t.Helper()
	err := v.store.Update(func(tx *storage.Tx) error {
		return tx.PutPeer(&types.Peer{VatID: other.codec.VatID(), URL: other.srv.URL})
	})
	require.NoError(t, err)
}

func TestCrossVatDelivery(t *testing.T) {
	a := newTestVat(t)
	b := newTestVat(t)
	a.addPeer(t, b)

	memid, err := b.rt.CreateMemory("{}")
	require.NoError(t, err)
	urbjid, err := b.rt.CreateUrbject(`
function call(args, power)
    power.memory.argfoo = args.foo
end
`, memid)
	require.NoError(t, err)

	// vat A queues an invoke for B's urbject and delivers it
	err = a.rt.QueueEnvelope(b.codec.VatID(), &types.Envelope{
		Command:  types.CommandInvoke,
		UrbjID:   urbjid,
		ArgsJSON: `{"foo":21}`,
	})
	require.NoError(t, err)
	require.NoError(t, a.tr.DeliverPending())

	// B's queue now holds the message; run it
	n, err := b.rt.DrainInbound()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got string
	err = b.store.View(func(tx *storage.Tx) error {
		m, err := tx.GetMemory(memid)
		if err != nil {
			return err
		}
		got = m.DataJSON
		return nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"argfoo":21}`, got)

	// the outbound entry was acked and retired
	err = a.store.View(func(tx *storage.Tx) error {
		peers, err := tx.OutboundPeers()
		if err != nil {
			return err
		}
		assert.Empty(t, peers)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicateDeliveryIsEnqueuedOnce(t *testing.T) {
	a := newTestVat(t)
	b := newTestVat(t)
	a.addPeer(t, b)

	body, _ := json.Marshal(&types.Envelope{Command: "hello"})
	err := a.rt.QueueEnvelope(b.codec.VatID(), &types.Envelope{Command: "hello"})
	require.NoError(t, err)
	require.NoError(t, a.tr.DeliverPending())

	// simulate a lost ack: resend msgnum 0 by hand; the peer acks it
	// again without enqueueing a second copy
	sealed, err := a.codec.Seal(b.codec.VatID(), 0, body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, b.srv.URL+"/vat", bytes.NewReader(sealed))
	require.NoError(t, err)
	req.Header.Set(headerFrom, a.codec.VatID())
	req.Header.Set(headerMsgnum, "0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ackSealed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	ack, err := a.codec.OpenAck(b.codec.VatID(), 0, ackSealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), ack)

	err = b.store.View(func(tx *storage.Tx) error {
		depth, err := tx.InboundDepth()
		if err != nil {
			return err
		}
		assert.Equal(t, 1, depth)
		return nil
	})
	require.NoError(t, err)
}

func TestCallbackAcrossVats(t *testing.T) {
	a := newTestVat(t)
	b := newTestVat(t)
	a.addPeer(t, b)
	b.addPeer(t, a)

	memA, err := a.rt.CreateMemory("{}")
	require.NoError(t, err)

	// A hosts a responder-facing callback that records the response
	callback, err := a.rt.CreateUrbject(`
function call(args, power)
    power.memory.results = args.response
end
`, memA)
	require.NoError(t, err)

	// B hosts a responder that answers any message carrying a callback
	responder, err := b.rt.CreateUrbject(`
function call(args, power)
    args.callback:send({response = 34})
end
`, "")
	require.NoError(t, err)

	// A hosts the initiator which sends its callback to B's responder
	initiator, err := a.rt.CreateUrbject(`
function call(args, power)
    args.responder:send({callback = args.callback})
end
`, "")
	require.NoError(t, err)

	args, _ := json.Marshal(map[string]any{
		"responder": types.ReferenceTag(types.RefID{Vat: b.codec.VatID(), Urbject: responder}),
		"callback":  types.ReferenceTag(types.RefID{Vat: a.codec.VatID(), Urbject: callback}),
	})
	err = a.rt.QueueEnvelope(a.codec.VatID(), &types.Envelope{
		Command:  types.CommandInvoke,
		UrbjID:   initiator,
		ArgsJSON: string(args),
	})
	require.NoError(t, err)

	// turn 1 on A (initiator), deliver, turn 2 on B (responder),
	// deliver, turn 3 on A (callback)
	_, err = a.rt.DrainInbound()
	require.NoError(t, err)
	require.NoError(t, a.tr.DeliverPending())
	_, err = b.rt.DrainInbound()
	require.NoError(t, err)
	require.NoError(t, b.tr.DeliverPending())
	_, err = a.rt.DrainInbound()
	require.NoError(t, err)

	var got string
	err = a.store.View(func(tx *storage.Tx) error {
		m, err := tx.GetMemory(memA)
		if err != nil {
			return err
		}
		got = m.DataJSON
		return nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":34}`, got)
}
