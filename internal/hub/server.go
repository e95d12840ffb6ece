// Package hub implements a relay that nodes register with and send envelopes
// through. Envelopes are forwarded verbatim to the destination's connection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"natrelay/internal/config"
	"natrelay/internal/model"
	"natrelay/internal/relay"
)

// Server accepts relay sessions over TCP and, optionally, WebSocket.
type Server struct {
	cfg      config.RelayConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	node model.NodeDescriptor
	t    relay.Transport
	// mu serializes writes from concurrent forwarders.
	mu sync.Mutex
}

func (p *peer) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t.WriteFrame(b)
}

// frame is either a REGISTER message or an Envelope.
type frame struct {
	Command string               `json:"command"`
	Node    model.NodeDescriptor `json:"node"`
	model.Envelope
}

// NewServer constructs a relay hub.
func NewServer(cfg config.RelayConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		log:   logger,
		peers: make(map[string]*peer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe runs the TCP listener and the WebSocket endpoint, when
// configured, until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.log.Info("relay listening", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, ln) })

	if s.cfg.WebSocketListen != "" {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.WebSocketPath, s)
		server := &http.Server{
			Addr:              s.cfg.WebSocketListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("relay websocket listening",
				zap.String("addr", s.cfg.WebSocketListen),
				zap.String("path", s.cfg.WebSocketPath))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}
	return g.Wait()
}

// Serve accepts TCP relay connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleStream(conn)
	}
}

// ServeHTTP upgrades the request to a WebSocket relay connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	t := relay.NewWebSocketTransport(conn)
	s.handle(t, func() (json.RawMessage, error) {
		return t.ReadChunk()
	})
}

func (s *Server) handleStream(conn net.Conn) {
	dec := json.NewDecoder(conn)
	s.handle(relay.NewStreamTransport(conn), func() (json.RawMessage, error) {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		return raw, err
	})
}

func (s *Server) handle(t relay.Transport, next func() (json.RawMessage, error)) {
	var p *peer
	defer func() {
		if p != nil {
			s.unregister(p)
		}
		_ = t.Close()
	}()

	for {
		raw, err := next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("relay connection ended", zap.String("remote", t.RemoteAddr()), zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.Warn("malformed frame", zap.String("remote", t.RemoteAddr()), zap.Error(err))
			return
		}

		if f.Command == model.CommandRegister {
			if f.Node.NodeID == "" {
				s.log.Warn("register without node id", zap.String("remote", t.RemoteAddr()))
				return
			}
			if p != nil {
				s.unregister(p)
			}
			p = &peer{node: f.Node, t: t}
			s.register(p)
			continue
		}

		if p == nil {
			s.log.Warn("envelope before register", zap.String("remote", t.RemoteAddr()))
			return
		}
		s.forward(p, f.Envelope, raw)
	}
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	prev := s.peers[p.node.NodeID]
	s.peers[p.node.NodeID] = p
	s.mu.Unlock()

	if prev != nil && prev.t != p.t {
		_ = prev.t.Close()
	}
	s.log.Info("node registered", zap.String("node", p.node.NodeID), zap.String("remote", p.t.RemoteAddr()))
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.node.NodeID] == p {
		delete(s.peers, p.node.NodeID)
		s.log.Info("node unregistered", zap.String("node", p.node.NodeID))
	}
}

func (s *Server) forward(from *peer, env model.Envelope, raw []byte) {
	dest := env.DestinationNodeHash
	if dest == "" {
		dest = env.DestinationNode.NodeID
	}

	s.mu.Lock()
	target := s.peers[dest]
	s.mu.Unlock()

	if target == nil {
		s.log.Warn("unknown destination, dropping envelope",
			zap.String("from", from.node.NodeID),
			zap.String("node", dest))
		return
	}
	if err := target.write(raw); err != nil {
		s.log.Warn("forward failed",
			zap.String("from", from.node.NodeID),
			zap.String("node", dest),
			zap.Error(err))
	}
}

// Registered reports whether nodeID currently has a live registration.
func (s *Server) Registered(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[nodeID]
	return ok
}

// Nodes returns the registered node IDs in sorted order.
func (s *Server) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
