// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// bridgeReadSize é o máximo lido por recv em cada lado da bridge.
const bridgeReadSize = 4 * 1024

// bridgeWriteTimeout limita o forward para o lado oposto. O protocolo de
// comando é requisição/resposta em texto; um peer que não absorve 4KB
// nesse prazo está morto e a bridge inteira cai.
const bridgeWriteTimeout = 5 * time.Second

// bridgePendingMax limita os bytes do producer retidos enquanto o
// controller ainda não conectou.
const bridgePendingMax = 64 * 1024

// Bridge encaminha bytes entre exatamente um producer (o edge) e um
// controller remoto no mesmo listener. O primeiro socket aceito vira
// producer, o segundo controller, o terceiro é recusado. Qualquer EOF ou
// erro em um dos lados derruba os dois: meia-bridge deixaria o peer
// sobrevivente preso num diálogo sem resposta.
type Bridge struct {
	logger *slog.Logger

	producer   net.Conn
	controller net.Conn

	// pending retém bytes do producer emitidos antes do controller chegar.
	pending []byte

	conns  chan net.Conn
	events chan connEvent

	producerUp   atomic.Bool
	controllerUp atomic.Bool
	bytesBridged atomic.Uint64
	pairsBridged atomic.Uint64
	refused      atomic.Uint64
}

// NewBridge cria a bridge de controle.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{
		logger: logger.With("component", "bridge"),
		conns:  make(chan net.Conn, 4),
		events: make(chan connEvent, 16),
	}
}

// Run executa a task da bridge até o context ser cancelado.
func (b *Bridge) Run(ctx context.Context, ln net.Listener) {
	go acceptLoop(ctx, ln, b.conns, b.logger)

	for {
		select {
		case <-ctx.Done():
			b.teardown("shutdown")
			go func() {
				for range b.events {
				}
			}()
			return

		case conn := <-b.conns:
			b.handleAccept(conn)

		case ev := <-b.events:
			if !b.member(ev.conn) {
				continue // evento atrasado de uma bridge já derrubada
			}
			if ev.err != nil {
				b.logger.Info("bridge peer closed", "remote", ev.conn.RemoteAddr().String(), "reason", ev.err)
				b.teardown("peer closed")
				continue
			}
			b.forward(ev.conn, ev.data)
		}
	}
}

func (b *Bridge) handleAccept(conn net.Conn) {
	switch {
	case b.producer == nil:
		b.producer = conn
		b.producerUp.Store(true)
		b.logger.Info("bridge producer attached", "remote", conn.RemoteAddr().String())
		go readLoop(conn, bridgeReadSize, b.events)
	case b.controller == nil:
		b.controller = conn
		b.controllerUp.Store(true)
		b.pairsBridged.Add(1)
		b.logger.Info("bridge controller attached", "remote", conn.RemoteAddr().String())
		go readLoop(conn, bridgeReadSize, b.events)
		b.flushPending()
	default:
		b.refused.Add(1)
		b.logger.Warn("bridge already occupied, refusing", "remote", conn.RemoteAddr().String())
		conn.Close()
	}
}

// forward escreve os bytes no lado oposto ao que os recebeu. Bytes do
// producer sem controller presente ficam retidos até o limite de pending.
func (b *Bridge) forward(from net.Conn, data []byte) {
	to := b.controller
	if from == b.controller {
		to = b.producer
	}

	if to == nil {
		if len(b.pending)+len(data) <= bridgePendingMax {
			b.pending = append(b.pending, data...)
		}
		return
	}

	if !b.write(to, data) {
		b.teardown("forward failed")
	}
}

// flushPending entrega ao controller o que o producer mandou antes dele.
func (b *Bridge) flushPending() {
	if len(b.pending) == 0 {
		return
	}
	data := b.pending
	b.pending = nil
	if !b.write(b.controller, data) {
		b.teardown("forward failed")
	}
}

func (b *Bridge) write(to net.Conn, data []byte) bool {
	to.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	n, err := to.Write(data)
	b.bytesBridged.Add(uint64(n))
	if err != nil || n < len(data) {
		b.logger.Warn("bridge forward failed", "to", to.RemoteAddr().String(), "error", err)
		return false
	}
	return true
}

// member informa se a conexão ainda é um dos lados atuais da bridge.
func (b *Bridge) member(conn net.Conn) bool {
	return conn == b.producer || conn == b.controller
}

// teardown fecha os dois lados e limpa os slots. A bridge volta a aceitar
// um novo par.
func (b *Bridge) teardown(reason string) {
	if b.producer == nil && b.controller == nil {
		return
	}
	b.logger.Info("bridge teardown", "reason", reason)
	if b.producer != nil {
		b.producer.Close()
		b.producer = nil
	}
	if b.controller != nil {
		b.controller.Close()
		b.controller = nil
	}
	b.pending = nil
	b.producerUp.Store(false)
	b.controllerUp.Store(false)
}

// BridgeStatus é o snapshot da bridge para o status reporter.
type BridgeStatus struct {
	ProducerUp   bool
	ControllerUp bool
	BytesBridged uint64
	Pairs        uint64
	Refused      uint64
}

// Status retorna o snapshot atual. Seguro de qualquer goroutine.
func (b *Bridge) Status() BridgeStatus {
	return BridgeStatus{
		ProducerUp:   b.producerUp.Load(),
		ControllerUp: b.controllerUp.Load(),
		BytesBridged: b.bytesBridged.Load(),
		Pairs:        b.pairsBridged.Load(),
		Refused:      b.refused.Load(),
	}
}
