package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/vat"
	"github.com/rs/zerolog"
)

const eventRingSize = 50

// Server is the nonce-gated control panel of a node: a poke endpoint
// for administrative nudges and a status endpoint for inspection.
type Server struct {
	// Drain runs the inbound dispatcher; KickTransport prods the
	// outbound delivery loop. Wired by the node.
	Drain         func()
	KickTransport func()

	rt     *vat.Runtime
	nonce  string
	start  time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	recent []*events.Event
}

// New builds a control server requiring the given nonce as a bearer
// token. It subscribes to the broker to keep a small ring of recent
// events for /status.
func New(rt *vat.Runtime, broker *events.Broker, nonce string) *Server {
	s := &Server{
		rt:     rt,
		nonce:  nonce,
		start:  time.Now(),
		logger: log.WithComponent("web"),
	}
	if broker != nil {
		sub := broker.Subscribe()
		go func() {
			for ev := range sub {
				s.mu.Lock()
				s.recent = append(s.recent, ev)
				if len(s.recent) > eventRingSize {
					s.recent = s.recent[len(s.recent)-eventRingSize:]
				}
				s.mu.Unlock()
			}
		}()
	}
	return s
}

// Routes mounts the control endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.gated(s.handleStatus))
	mux.HandleFunc("/poke", s.gated(s.handlePoke))
}

// gated requires the control nonce as "Authorization: Bearer <nonce>".
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.nonce == "" || auth != s.nonce {
			http.Error(w, "bad control nonce", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		VatID        string          `json:"vat_id"`
		Uptime       string          `json:"uptime"`
		InboundDepth int             `json:"inbound_depth"`
		Peers        []*types.Peer   `json:"peers"`
		Urbjects     int             `json:"urbjects"`
		Memories     int             `json:"memories"`
		Recent       []*events.Event `json:"recent_events"`
	}
	st := status{VatID: s.rt.VatID, Uptime: time.Since(s.start).Round(time.Second).String()}

	err := s.rt.Store().View(func(tx *storage.Tx) error {
		var err error
		if st.InboundDepth, err = tx.InboundDepth(); err != nil {
			return err
		}
		if st.Peers, err = tx.ListPeers(); err != nil {
			return err
		}
		urbjects, err := tx.ListUrbjects()
		if err != nil {
			return err
		}
		st.Urbjects = len(urbjects)
		memories, err := tx.ListMemories()
		if err != nil {
			return err
		}
		st.Memories = len(memories)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	st.Recent = append([]*events.Event(nil), s.recent...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&st)
}

// handlePoke accepts the small command language the original control
// panel spoke: one line of text selecting an administrative nudge.
func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "short read", http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(string(raw))
	s.logger.Info().Str("poke", body).Msg("control poke")

	reply, err := s.poke(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fmt.Fprintln(w, reply)
}

func (s *Server) poke(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		s.trigger()
		return "I am poked", nil
	}

	switch fields[0] {
	case "send":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: send <vatid>")
		}
		err := s.rt.QueueEnvelope(fields[1], &types.Envelope{Command: "hello"})
		if err != nil {
			return "", err
		}
		s.trigger()
		return "message sent", nil

	case "create-memory":
		memid, err := s.rt.CreateMemory("{}")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("created memory %s", memid), nil

	case "execute":
		if len(fields) != 3 {
			return "", fmt.Errorf("usage: execute <vatid> <memid>")
		}
		err := s.rt.QueueEnvelope(fields[1], &types.Envelope{
			Command:  types.CommandExecute,
			MemID:    fields[2],
			Code:     "function call(args, power)\n    log('I have power!')\nend\n",
			ArgsJSON: `{"foo":12}`,
		})
		if err != nil {
			return "", err
		}
		s.trigger()
		return "execute sent", nil

	case "invoke":
		if len(fields) != 3 {
			return "", fmt.Errorf("usage: invoke <vatid> <urbjid>")
		}
		err := s.rt.QueueEnvelope(fields[1], &types.Envelope{
			Command:  types.CommandInvoke,
			UrbjID:   fields[2],
			ArgsJSON: `{"foo":12}`,
		})
		if err != nil {
			return "", err
		}
		s.trigger()
		return "invoke sent", nil
	}

	s.trigger()
	return "I am poked", nil
}

func (s *Server) trigger() {
	if s.Drain != nil {
		s.Drain()
	}
	if s.KickTransport != nil {
		s.KickTransport()
	}
}
