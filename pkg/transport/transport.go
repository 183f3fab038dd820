package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/rs/zerolog"
)

const (
	headerFrom   = "X-Hutch-From"
	headerMsgnum = "X-Hutch-Msgnum"

	backoffBase = 5 * time.Second
	backoffCap  = 2 * time.Hour
)

var ackBody = []byte("ack")

// Transport moves sealed messages between vats over HTTP, Waterken
// style: messages stay queued until the peer's ack retires them, and a
// peer that cannot be reached is retried forever on a doubling backoff.
type Transport struct {
	codec  *Codec
	store  *storage.Store
	client *http.Client
	logger zerolog.Logger

	// OnReceive, when set, is called after a message lands in the
	// inbound queue. The node wires it to the dispatcher drain.
	OnReceive func()

	mu      sync.Mutex
	backoff map[string]*peerBackoff
	kick    chan struct{}
}

type peerBackoff struct {
	next  time.Time
	delay time.Duration
}

// New creates a transport for the given identity over the vat store.
func New(codec *Codec, store *storage.Store) *Transport {
	return &Transport{
		codec:   codec,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("transport"),
		backoff: make(map[string]*peerBackoff),
		kick:    make(chan struct{}, 1),
	}
}

// Handler serves the peer-facing endpoint. The request body is the
// sealed message; the response body is the sealed ack. Duplicates (an
// already-consumed msgnum) are acked without re-enqueueing; messages
// from the future are refused, since they mean either a rolled-back
// receiver or a confused sender.
func (tr *Transport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		from := r.Header.Get(headerFrom)
		msgnum, err := strconv.ParseUint(r.Header.Get(headerMsgnum), 10, 64)
		if err != nil || from == "" {
			http.Error(w, "missing sender or msgnum", http.StatusBadRequest)
			return
		}
		sealed, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			http.Error(w, "short read", http.StatusBadRequest)
			return
		}

		status := http.StatusOK
		var enqueued bool
		err = tr.store.Update(func(tx *storage.Tx) error {
			expected, err := tx.NextInboundMsgnum(from)
			if err != nil {
				return err
			}
			switch {
			case msgnum > expected:
				status = http.StatusConflict
				return nil
			case msgnum < expected:
				// already processed; ack again so the sender retires it
				return nil
			}
			plaintext, err := tr.codec.Open(from, msgnum, sealed)
			if err != nil {
				status = http.StatusBadRequest
				return nil
			}
			if _, err := tx.EnqueueInbound(from, plaintext); err != nil {
				return err
			}
			enqueued = true
			return tx.BumpInboundMsgnum(from)
		})
		if err != nil {
			tr.logger.Error().Err(err).Msg("inbound store failure")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		if status != http.StatusOK {
			tr.logger.Warn().Str("from", from).Uint64("msgnum", msgnum).
				Int("status", status).Msg("refused inbound message")
			http.Error(w, "refused", status)
			return
		}

		ack, err := tr.codec.SealAck(from, msgnum, ackBody)
		if err != nil {
			http.Error(w, "cannot ack", http.StatusInternalServerError)
			return
		}
		w.Write(ack)

		if enqueued && tr.OnReceive != nil {
			go tr.OnReceive()
		}
	})
}

// Kick requests an immediate delivery attempt, bypassing backoffs once.
// Called when fresh messages are enqueued.
func (tr *Transport) Kick() {
	tr.mu.Lock()
	for _, b := range tr.backoff {
		b.next = time.Time{}
	}
	tr.mu.Unlock()
	select {
	case tr.kick <- struct{}{}:
	default:
	}
}

// Run drives outbound delivery until ctx is done.
func (tr *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-tr.kick:
		}
		if err := tr.DeliverPending(); err != nil {
			tr.logger.Error().Err(err).Msg("delivery sweep failed")
		}
	}
}

// DeliverPending attempts delivery to every peer with queued messages
// whose backoff has elapsed. Messages to one peer go strictly in
// sequence order; the first failure stops that peer's drain and doubles
// its backoff.
func (tr *Transport) DeliverPending() error {
	var peers []string
	err := tr.store.View(func(tx *storage.Tx) error {
		var err error
		peers, err = tx.OutboundPeers()
		return err
	})
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if !tr.due(peer) {
			continue
		}
		if err := tr.drainPeer(peer); err != nil {
			tr.delay(peer)
			tr.logger.Warn().Err(err).Str("peer", peer).Msg("delivery failed, will retry")
		} else {
			tr.reset(peer)
		}
	}
	return nil
}

func (tr *Transport) drainPeer(peer string) error {
	for {
		var msg *storagePeek
		err := tr.store.View(func(tx *storage.Tx) error {
			qm, err := tx.PeekOutbound(peer)
			if err != nil {
				return err
			}
			p, err := tx.GetPeer(peer)
			if err != nil {
				return err
			}
			msg = &storagePeek{seq: qm.Seq, body: qm.Body, url: p.URL}
			return nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tr.send(peer, msg); err != nil {
			metrics.DeliveryAttempts.WithLabelValues("error").Inc()
			return err
		}
		metrics.DeliveryAttempts.WithLabelValues("ok").Inc()

		err = tr.store.Update(func(tx *storage.Tx) error {
			return tx.AckOutbound(peer, msg.seq)
		})
		if err != nil {
			return err
		}
	}
}

type storagePeek struct {
	seq  uint64
	body []byte
	url  string
}

func (tr *Transport) send(peer string, msg *storagePeek) error {
	sealed, err := tr.codec.Seal(peer, msg.seq, msg.body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, msg.url+"/vat", bytes.NewReader(sealed))
	if err != nil {
		return err
	}
	req.Header.Set(headerFrom, tr.codec.VatID())
	req.Header.Set(headerMsgnum, strconv.FormatUint(msg.seq, 10))

	resp, err := tr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s answered %d", peer, resp.StatusCode)
	}
	ackSealed, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	ack, err := tr.codec.OpenAck(peer, msg.seq, ackSealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(ack, ackBody) {
		return fmt.Errorf("peer %s sent a malformed ack", peer)
	}
	return nil
}

func (tr *Transport) due(peer string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.backoff[peer]
	return !ok || !time.Now().Before(b.next)
}

func (tr *Transport) delay(peer string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.backoff[peer]
	if !ok {
		b = &peerBackoff{delay: backoffBase}
		tr.backoff[peer] = b
	} else {
		b.delay *= 2
		if b.delay > backoffCap {
			b.delay = backoffCap
		}
	}
	b.next = time.Now().Add(b.delay)
}

func (tr *Transport) reset(peer string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.backoff, peer)
}
