// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// producerReadSize é o máximo lido do producer por recv.
const producerReadSize = 64 * 1024

// drainInterval garante drenagem periódica mesmo sem tráfego novo
// (rings esvaziam depois que o producer some).
const drainInterval = 25 * time.Millisecond

// StreamConfig parametriza um relay de stream.
type StreamConfig struct {
	Name         string // "detector" | "display"
	SampleRate   uint32
	MaxConsumers int
	RingSeconds  int
}

// RingCapacity retorna a capacidade do ring por consumer:
// sample_rate × ring_seconds × pior caso de bytes por amostra.
func (c StreamConfig) RingCapacity() int {
	return int(c.SampleRate) * c.RingSeconds * protocol.BytesPerSample
}

// connEvent é o que as goroutines leitoras entregam à task do stream.
type connEvent struct {
	conn net.Conn
	data []byte
	err  error
}

// StreamRelay liga um producer a N consumers num único port TCP.
//
// Convenção do port único: todo socket aceito atacha como consumer (e já
// recebe o header); o primeiro socket que transmitir bytes é promovido a
// producer, e um socket que transmita depois dele o desloca (fecha o
// antigo, adota o novo). Consumers sobrevivem à queda do producer — os
// rings drenam até esvaziar e as conexões ficam ociosas.
//
// Toda a mutação de estado (consumer set, rings, slot de producer) acontece
// na goroutine de Run; leitores por conexão apenas encaminham eventos.
type StreamRelay struct {
	cfg    StreamConfig
	logger *slog.Logger

	consumers *ConsumerSet
	producer  net.Conn

	conns  chan net.Conn
	events chan connEvent

	// capture recebe uma cópia de cada chunk retransmitido (archiver).
	// nil desabilita a captura.
	capture chan<- []byte

	// Contadores lidos pelo status reporter em outra goroutine.
	producerUp    atomic.Bool
	bytesRelayed  atomic.Uint64
	consumerCount atomic.Int32
	served        atomic.Uint64
	evictions     atomic.Uint64
	overflowBytes atomic.Uint64
	refused       atomic.Uint64
}

// NewStreamRelay cria o relay de um stream.
func NewStreamRelay(cfg StreamConfig, logger *slog.Logger, capture chan<- []byte) *StreamRelay {
	logger = logger.With("stream", cfg.Name)
	return &StreamRelay{
		cfg:       cfg,
		logger:    logger,
		consumers: NewConsumerSet(protocol.EncodeStreamHeader(cfg.SampleRate), cfg.RingCapacity(), cfg.MaxConsumers, logger),
		conns:     make(chan net.Conn, 16),
		events:    make(chan connEvent, 64),
		capture:   capture,
	}
}

// Run executa a task do stream até o context ser cancelado. O listener é
// fechado pelo chamador no shutdown; o accept loop termina junto.
func (r *StreamRelay) Run(ctx context.Context, ln net.Listener) {
	go acceptLoop(ctx, ln, r.conns, r.logger)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			// Libera leitores ainda bloqueados publicando eventos
			go func() {
				for range r.events {
				}
			}()
			return

		case conn := <-r.conns:
			r.handleAccept(conn)

		case ev := <-r.events:
			if ev.err != nil {
				r.handleClosed(ev.conn, ev.err)
			} else {
				r.handleData(ev.conn, ev.data)
			}
			r.syncCounters()

		case <-ticker.C:
			r.consumers.Drain()
			r.syncCounters()
		}
	}
}

// handleAccept atacha a conexão como consumer e inicia seu leitor.
func (r *StreamRelay) handleAccept(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	_, err := r.consumers.Attach(conn)
	if err != nil {
		r.refused.Add(1)
		r.logger.Warn("refusing connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	r.logger.Info("consumer attached",
		"remote", conn.RemoteAddr().String(),
		"consumers", r.consumers.Count(),
	)

	go readLoop(conn, producerReadSize, r.events)
}

// handleData processa bytes recebidos de uma conexão: do producer atual,
// retransmite; de qualquer outra, promove a conexão a producer.
func (r *StreamRelay) handleData(conn net.Conn, data []byte) {
	if conn != r.producer {
		if !r.promote(conn) {
			return // conexão já desatachada; evento atrasado
		}
	}
	r.relay(data)
}

// promote adota a conexão transmissora como producer, deslocando o atual.
func (r *StreamRelay) promote(conn net.Conn) bool {
	if !r.consumers.Promote(conn) {
		return false
	}

	if r.producer != nil {
		r.logger.Info("producer replaced",
			"old", r.producer.RemoteAddr().String(),
			"new", conn.RemoteAddr().String(),
		)
		r.producer.Close()
	} else {
		r.logger.Info("producer attached", "remote", conn.RemoteAddr().String())
	}

	r.producer = conn
	r.producerUp.Store(true)
	return true
}

// relay retransmite um chunk: broadcast aos rings, tee para o archiver e
// drenagem imediata.
func (r *StreamRelay) relay(data []byte) {
	r.bytesRelayed.Add(uint64(len(data)))
	r.consumers.Broadcast(data)

	if r.capture != nil {
		select {
		case r.capture <- data:
		default:
			// archiver atrasado: o caminho do relay nunca espera por ele
		}
	}

	r.consumers.Drain()
}

// handleClosed trata EOF/erro de leitura de qualquer conexão.
func (r *StreamRelay) handleClosed(conn net.Conn, err error) {
	if conn == r.producer {
		r.logger.Info("producer closed", "remote", conn.RemoteAddr().String(), "reason", err)
		conn.Close()
		r.producer = nil
		r.producerUp.Store(false)
		return
	}

	if r.consumers.Detach(conn) {
		r.logger.Info("consumer closed",
			"remote", conn.RemoteAddr().String(),
			"reason", err,
			"consumers", r.consumers.Count(),
		)
	}
}

func (r *StreamRelay) shutdown() {
	if r.producer != nil {
		r.producer.Close()
		r.producer = nil
		r.producerUp.Store(false)
	}
	r.consumers.CloseAll()
	r.syncCounters()
}

// syncCounters espelha os contadores do set nas cópias atômicas que o
// status reporter lê.
func (r *StreamRelay) syncCounters() {
	r.consumerCount.Store(int32(r.consumers.Count()))
	r.served.Store(r.consumers.Served())
	r.evictions.Store(r.consumers.Evictions())
	r.overflowBytes.Store(r.consumers.OverflowBytes())
}

// StreamStatus é o snapshot que o status reporter imprime a cada tick.
type StreamStatus struct {
	Name          string
	ProducerUp    bool
	Consumers     int32
	Served        uint64
	BytesRelayed  uint64
	OverflowBytes uint64
	Evictions     uint64
	Refused       uint64
}

// Status retorna o snapshot atual do stream. Seguro de qualquer goroutine.
func (r *StreamRelay) Status() StreamStatus {
	return StreamStatus{
		Name:          r.cfg.Name,
		ProducerUp:    r.producerUp.Load(),
		Consumers:     r.consumerCount.Load(),
		Served:        r.served.Load(),
		BytesRelayed:  r.bytesRelayed.Load(),
		OverflowBytes: r.overflowBytes.Load(),
		Evictions:     r.evictions.Load(),
		Refused:       r.refused.Load(),
	}
}

// acceptLoop aceita conexões até o listener fechar, com backoff em erros
// consecutivos para não entrar em hot loop.
func acceptLoop(ctx context.Context, ln net.Listener, out chan<- net.Conn, logger *slog.Logger) {
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
			logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
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
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// readLoop lê da conexão e encaminha (bytes | erro) à task dona. Nunca toca
// estado compartilhado; termina no primeiro erro.
func readLoop(conn net.Conn, bufSize int, out chan<- connEvent) {
	buf := make([]byte, bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- connEvent{conn: conn, data: data}
		}
		if err != nil {
			out <- connEvent{conn: conn, err: err}
			return
		}
	}
}
