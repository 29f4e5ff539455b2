// Package adminsrv is the read-only observability surface of spec.md
// §6: an HTTP health check and a websocket tail of the Audit Log, for
// operators rather than signing clients. Grounded on the teacher's
// RPCServer (chain/node/rpc.go), which pairs a plain HTTP mux with a
// gorilla/websocket upgrade on a second endpoint the same way.
package adminsrv

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fero-hsm/ferod/internal/audit"
	"github.com/fero-hsm/ferod/internal/store"
)

// Server exposes /healthz and /audit/tail.
type Server struct {
	addr     string
	store    *store.Store
	ledger   *audit.Ledger
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds an admin Server bound to addr once Serve is called.
func New(addr string, s *store.Store, ledger *audit.Ledger) *Server {
	return &Server{
		addr:   addr,
		store:  s,
		ledger: ledger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/audit/tail", s.handleAuditTail)

	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.http.Close()
	}()

	log.Printf("adminsrv: listening on %s", s.addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// healthResponse reports enough for an operator's liveness probe
// without leaking store-level detail, per spec.md §7's "internal
// errors never leak store-level detail" even for diagnostic endpoints.
type healthResponse struct {
	Status         string `json:"status"`
	HighestHSMIdx  int64  `json:"highest_hsm_index"`
	FeroLogRows    int    `json:"fero_log_rows"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	highest, err := s.store.HighestHSMIndex()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "store unavailable"})
		return
	}
	logs, err := s.store.FeroLogs()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "store unavailable"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		HighestHSMIdx: highest,
		FeroLogRows:   len(logs),
	})
}

// handleAuditTail upgrades to a websocket and streams the full ledger
// backlog followed by new rows as they are appended. It is read-only:
// the connection never receives client messages.
func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adminsrv: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	backlog, err := s.ledger.All()
	if err != nil {
		log.Printf("adminsrv: read ledger backlog: %v", err)
		return
	}

	lastSeen := int64(0)
	for _, rec := range backlog {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
		lastSeen = rec.ID
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rows, err := s.ledger.All()
			if err != nil {
				log.Printf("adminsrv: poll ledger: %v", err)
				return
			}
			for _, rec := range rows {
				if rec.ID <= lastSeen {
					continue
				}
				if err := conn.WriteJSON(rec); err != nil {
					return
				}
				lastSeen = rec.ID
			}
		case <-r.Context().Done():
			return
		}
	}
}
