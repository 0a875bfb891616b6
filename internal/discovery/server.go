// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-relay/internal/config"
	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// edgeReadSize é o máximo lido de um edge por recv.
const edgeReadSize = 4 * 1024

// responseWriteTimeout limita a escrita de uma resposta list/find.
const responseWriteTimeout = 5 * time.Second

// sweepInterval é o intervalo da varredura de timeout dos edges.
const sweepInterval = 5 * time.Second

// edgeEvent é o que as goroutines leitoras entregam à task do registry.
type edgeEvent struct {
	edgeID int
	data   []byte
	err    error
}

// Server é a task dona do registry: aceita edges, enquadra as linhas
// NDJSON, despacha helo/bye/list/find e aplica o timeout de inatividade.
// Todo o estado (sessões + tabela) pertence à goroutine de Run.
type Server struct {
	cfg      config.DiscoveryConfig
	logger   *slog.Logger
	registry *Registry
	limiter  *AcceptLimiter

	edges      map[int]*EdgeSession
	nextEdgeID int

	conns  chan net.Conn
	events chan edgeEvent

	// Contadores lidos pelo status reporter em outra goroutine.
	edgeCount    atomic.Int32
	serviceCount atomic.Int32
	edgesServed  atomic.Uint64
	rejected     atomic.Uint64
	rateLimited  atomic.Uint64
	violations   atomic.Uint64
	timeouts     atomic.Uint64
}

// NewServer cria o server de discovery.
func NewServer(cfg config.DiscoveryConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "discovery"),
		registry: NewRegistry(cfg.MaxServices),
		limiter:  NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		edges:    make(map[int]*EdgeSession),
		conns:    make(chan net.Conn, 16),
		events:   make(chan edgeEvent, 64),
	}
}

// Run executa a task do registry até o context ser cancelado.
func (s *Server) Run(ctx context.Context, ln net.Listener) {
	go s.acceptLoop(ctx, ln)

	sweep := sweepInterval
	if s.cfg.EdgeTimeout < sweep {
		sweep = s.cfg.EdgeTimeout / 2
		if sweep <= 0 {
			sweep = time.Millisecond
		}
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			go func() {
				for range s.events {
				}
			}()
			return

		case conn := <-s.conns:
			s.handleAccept(conn)

		case ev := <-s.events:
			s.handleEvent(ev)

		case <-ticker.C:
			s.sweepTimeouts()
		}
	}
}

// acceptLoop aceita conexões aplicando o rate limit, até o listener fechar.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			consecutiveErrors++
			s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0

		if !s.limiter.Allow() {
			s.rateLimited.Add(1)
			s.logger.Warn("accept rate limited", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		select {
		case s.conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) handleAccept(conn net.Conn) {
	if len(s.edges) >= s.cfg.MaxEdges {
		s.rejected.Add(1)
		s.logger.Warn("edge table full, refusing", "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}

	s.nextEdgeID++
	sess := NewEdgeSession(s.nextEdgeID, conn)
	s.edges[sess.ID] = sess
	s.edgesServed.Add(1)
	s.edgeCount.Store(int32(len(s.edges)))

	s.logger.Info("edge connected", "edge", sess.ID, "remote", conn.RemoteAddr().String())

	go s.readLoop(sess)
}

// readLoop lê de um edge e encaminha (bytes | erro) à task dona.
func (s *Server) readLoop(sess *EdgeSession) {
	buf := make([]byte, edgeReadSize)
	for {
		n, err := sess.Conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.events <- edgeEvent{edgeID: sess.ID, data: data}
		}
		if err != nil {
			s.events <- edgeEvent{edgeID: sess.ID, err: err}
			return
		}
	}
}

func (s *Server) handleEvent(ev edgeEvent) {
	sess, ok := s.edges[ev.edgeID]
	if !ok {
		return // evento atrasado de um edge já removido
	}

	if ev.err != nil {
		s.removeEdge(sess, ev.err.Error())
		return
	}

	sess.Feed(ev.data, func(line []byte) {
		s.handleLine(sess, line)
	}, func() {
		s.violations.Add(1)
		s.logger.Warn("oversize line dropped", "edge", sess.ID, "remote", sess.Addr)
	})
}

// handleLine despacha uma linha completa de um edge.
func (s *Server) handleLine(sess *EdgeSession, line []byte) {
	m, err := protocol.ParseMessage(line)
	if err != nil {
		if errors.Is(err, protocol.ErrNotJSON) {
			return // texto avulso é tolerado
		}
		s.violations.Add(1)
		s.logger.Warn("dropping invalid command", "edge", sess.ID, "error", err)
		return
	}

	switch m.Cmd {
	case protocol.CmdHelo:
		s.handleHelo(sess, m)
	case protocol.CmdBye:
		removed := s.registry.RemoveBye(sess.ID, m.ID, m.Svc)
		s.logger.Info("bye", "edge", sess.ID, "id", m.ID, "svc", m.Svc, "removed", removed)
	case protocol.CmdList:
		s.respond(sess, protocol.CmdList, s.registry.List())
	case protocol.CmdFind:
		s.respond(sess, protocol.CmdFind, s.registry.Find(m.Svc))
	}

	s.serviceCount.Store(int32(s.registry.Count()))
}

func (s *Server) handleHelo(sess *EdgeSession, m *protocol.Message) {
	// O ip gravado é sempre o endereço observado da sessão, nunca o alegado
	if err := s.registry.Upsert(sess.ID, sess.Addr, m); err != nil {
		s.violations.Add(1)
		s.logger.Warn("helo rejected", "edge", sess.ID, "id", m.ID, "svc", m.Svc, "error", err)
		return
	}
	s.logger.Info("helo",
		"edge", sess.ID,
		"id", m.ID,
		"svc", m.Svc,
		"ip", sess.Addr,
		"port", m.Port,
		"data", m.Data,
	)
}

// respond escreve a resposta NDJSON ao peer. Erro de escrita remove o edge.
func (s *Server) respond(sess *EdgeSession, cmd string, services []protocol.ServiceEntry) {
	out, err := protocol.EncodeResponse(cmd, services)
	if err != nil {
		s.logger.Error("encoding response", "edge", sess.ID, "error", err)
		return
	}

	sess.Conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if _, err := sess.Conn.Write(out); err != nil {
		s.removeEdge(sess, "write error: "+err.Error())
	}
}

// sweepTimeouts remove edges sem atividade há mais que o timeout.
func (s *Server) sweepTimeouts() {
	now := time.Now()
	for _, sess := range s.edges {
		if now.Sub(sess.LastSeen) > s.cfg.EdgeTimeout {
			s.timeouts.Add(1)
			s.removeEdge(sess, "inactivity timeout")
		}
	}
}

// removeEdge fecha a sessão e remove atomicamente todos os seus serviços.
func (s *Server) removeEdge(sess *EdgeSession, reason string) {
	if _, ok := s.edges[sess.ID]; !ok {
		return
	}
	removed := s.registry.RemoveEdge(sess.ID)
	sess.Conn.Close()
	delete(s.edges, sess.ID)

	s.edgeCount.Store(int32(len(s.edges)))
	s.serviceCount.Store(int32(s.registry.Count()))

	s.logger.Info("edge removed",
		"edge", sess.ID,
		"remote", sess.Addr,
		"services_dropped", removed,
		"reason", reason,
	)
}

func (s *Server) shutdown() {
	for _, sess := range s.edges {
		sess.Conn.Close()
	}
	s.edges = map[int]*EdgeSession{}
	s.edgeCount.Store(0)
}

// RegistryStatus é o snapshot do registry para o status reporter.
type RegistryStatus struct {
	Edges       int32
	Services    int32
	EdgesServed uint64
	Rejected    uint64
	RateLimited uint64
	Violations  uint64
	Timeouts    uint64
}

// Status retorna o snapshot atual. Seguro de qualquer goroutine.
func (s *Server) Status() RegistryStatus {
	return RegistryStatus{
		Edges:       s.edgeCount.Load(),
		Services:    s.serviceCount.Load(),
		EdgesServed: s.edgesServed.Load(),
		Rejected:    s.rejected.Load(),
		RateLimited: s.rateLimited.Load(),
		Violations:  s.violations.Load(),
		Timeouts:    s.timeouts.Load(),
	}
}
