package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/ids"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/vat"
	"github.com/cuemby/hutch/pkg/web"
	"github.com/rs/zerolog"
)

// Node config keys in the node bucket.
const (
	keyPubkey  = "pubkey"
	keyPrivkey = "privkey"
)

const nonceFile = "web.nonce"

// Node wires one vat together: store, identity, turn engine, transport,
// events, and the control port.
type Node struct {
	Basedir string
	Config  *Config

	store  *storage.Store
	codec  *transport.Codec
	rt     *vat.Runtime
	tr     *transport.Transport
	broker *events.Broker
	logger zerolog.Logger
}

// Create initializes a new node basedir: keypair, database, config.
// Refuses to touch an existing directory.
func Create(basedir, listen string) (vatid string, err error) {
	if _, err := os.Stat(basedir); err == nil {
		return "", fmt.Errorf("basedir %q already exists, refusing to touch it", basedir)
	}
	if err := os.MkdirAll(basedir, 0700); err != nil {
		return "", err
	}

	store, err := storage.Open(basedir)
	if err != nil {
		return "", err
	}
	defer store.Close()

	pub, priv, err := transport.NewKeypair()
	if err != nil {
		return "", err
	}
	err = store.Update(func(tx *storage.Tx) error {
		if err := tx.SetNodeConfig(keyPubkey, pub); err != nil {
			return err
		}
		return tx.SetNodeConfig(keyPrivkey, priv)
	})
	if err != nil {
		return "", err
	}

	cfg := DefaultConfig()
	if listen != "" {
		cfg.Listen = listen
	}
	if err := SaveConfig(basedir, cfg); err != nil {
		return "", err
	}
	return ids.VatID(pub), nil
}

// Open loads an existing node basedir.
func Open(basedir string) (*Node, error) {
	cfg, err := LoadConfig(basedir)
	if err != nil {
		return nil, fmt.Errorf("%q does not look like a hutch basedir: %w", basedir, err)
	}
	store, err := storage.Open(basedir)
	if err != nil {
		return nil, err
	}

	var pub, priv []byte
	err = store.View(func(tx *storage.Tx) error {
		if pub, err = tx.GetNodeConfig(keyPubkey); err != nil {
			return err
		}
		priv, err = tx.GetNodeConfig(keyPrivkey)
		return err
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	codec, err := transport.NewCodec(pub, priv)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	rt := vat.New(codec.VatID(), store, broker)
	tr := transport.New(codec, store)

	return &Node{
		Basedir: basedir,
		Config:  cfg,
		store:   store,
		codec:   codec,
		rt:      rt,
		tr:      tr,
		broker:  broker,
		logger:  log.ForVat(codec.VatID()),
	}, nil
}

// VatID returns the node's vat identity.
func (n *Node) VatID() string { return n.codec.VatID() }

// Runtime exposes the turn engine.
func (n *Node) Runtime() *vat.Runtime { return n.rt }

// Store exposes the vat store.
func (n *Node) Store() *storage.Store { return n.store }

// Close releases the node's resources.
func (n *Node) Close() error {
	return n.store.Close()
}

// Run serves the node until ctx is done: the transport endpoint, the
// nonce-gated control panel, metrics, and pprof, plus the outbound
// delivery loop and the inbound drain.
func (n *Node) Run(ctx context.Context) error {
	metrics.Register()

	// control nonce for this run, replaced on every start
	nonce := ids.Nonce()
	noncePath := filepath.Join(n.Basedir, nonceFile)
	if err := os.WriteFile(noncePath, []byte(nonce), 0600); err != nil {
		return err
	}
	defer os.Remove(noncePath)

	drain := func() {
		if _, err := n.rt.DrainInbound(); err != nil {
			n.logger.Error().Err(err).Msg("inbound drain stopped on fault")
		}
		n.updateQueueGauge()
		n.tr.Kick()
	}
	n.tr.OnReceive = drain

	control := web.New(n.rt, n.broker, nonce)
	control.Drain = drain
	control.KickTransport = n.tr.Kick

	mux := http.NewServeMux()
	mux.Handle("/vat", n.tr.Handler())
	control.Routes(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: n.Config.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		n.logger.Info().Str("listen", n.Config.Listen).Msg("node started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go n.tr.Run(ctx)

	// catch up on anything queued while the node was down
	drain()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (n *Node) updateQueueGauge() {
	_ = n.store.View(func(tx *storage.Tx) error {
		depth, err := tx.InboundDepth()
		if err != nil {
			return err
		}
		metrics.InboundDepth.Set(float64(depth))
		return nil
	})
}
