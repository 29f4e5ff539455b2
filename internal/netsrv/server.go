// Package netsrv is the network-reachable surface of the signing
// service: a length-delimited request/response listener accepting
// connections from the transport-level bastion in front of it (out of
// scope here per spec.md §1 — this package only speaks the wire
// protocol, it never authenticates the peer). Grounded on the teacher's
// P2PNetwork accept loop (chain/node/p2p.go's Start/acceptConnections),
// generalized from a WebSocket-upgraded peer handshake to a raw
// length-delimited frame stream.
package netsrv

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/fero-hsm/ferod/internal/dispatch"
	"github.com/fero-hsm/ferod/internal/wire"
)

// Server accepts connections and dispatches each framed request to a
// Dispatcher. Requests on the same connection are handled sequentially
// (spec.md doesn't call for request pipelining); separate connections
// run concurrently, relying on Dispatcher's own internal serialization
// for the HSM critical section.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server bound to addr once Serve is called.
func New(addr string, d *dispatch.Dispatcher) *Server {
	return &Server{addr: addr, dispatcher: d}
}

// Serve blocks accepting connections until ctx is cancelled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("netsrv: listening on %s", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			log.Printf("netsrv: accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections; in-flight requests are allowed
// to run to completion (spec.md §5's cancellation rule: a client
// disconnect after Executing never aborts the operation).
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	log.Printf("netsrv[%s]: accepted connection from %s", connID, conn.RemoteAddr())

	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("netsrv[%s]: read frame: %v", connID, err)
			}
			return
		}

		req, err := wire.DecodeRequest(body)
		if err != nil {
			resp := wire.Response{Error: &wire.ErrorPayload{Kind: "InvalidPayload", Message: err.Error()}}
			if encoded, encErr := wire.EncodeResponse(resp); encErr == nil {
				wire.WriteFrame(conn, encoded)
			}
			continue
		}

		// Execution is never cancelled once started, per spec.md §5. ctx
		// is the server's lifetime context; it is passed through to the
		// Gateway, and the Gateway implementations here do not consult it.
		resp := s.dispatcher.Handle(ctx, req)
		if resp.Error != nil {
			log.Printf("netsrv[%s]: %s -> %s: %s", connID, req.Method, resp.Error.Kind, resp.Error.Message)
		}

		encoded, err := wire.EncodeResponse(resp)
		if err != nil {
			log.Printf("netsrv[%s]: encode response: %v", connID, err)
			return
		}
		if err := wire.WriteFrame(conn, encoded); err != nil {
			log.Printf("netsrv[%s]: write frame: %v", connID, err)
			return
		}
	}
}
