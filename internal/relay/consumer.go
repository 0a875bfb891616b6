// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// consumerWriteTimeout é o deadline curto de cada tentativa de send.
// Expirar o deadline é a condição "would block": o tail não enviado
// volta à frente do ring e a próxima drenagem tenta de novo.
const consumerWriteTimeout = 10 * time.Millisecond

// drainChunk é o quantum de leitura do ring por tentativa de send.
const drainChunk = 8192

// ErrCapacityExceeded indica que o stream atingiu o limite de consumers.
var ErrCapacityExceeded = errors.New("relay: consumer capacity exceeded")

// Consumer é uma conexão atachada a um stream, com seu ring dedicado.
// O header de 16 bytes é entregue integralmente antes de qualquer dado;
// headerOff rastreia a entrega parcial entre drenagens.
type Consumer struct {
	conn        net.Conn
	addr        string
	ring        *Ring
	headerOff   int
	connectedAt time.Time

	bytesQueued    uint64
	bytesDelivered uint64
}

// HeaderSent informa se o header já foi entregue por completo.
// Monotônico: uma vez true, nunca volta.
func (c *Consumer) HeaderSent() bool { return c.headerOff == protocol.StreamHeaderSize }

// Addr retorna o endereço remoto do consumer.
func (c *Consumer) Addr() string { return c.addr }

// ConsumerSet é a coleção de consumers de um stream. Pertence exclusivamente
// à task do stream; nenhum método é thread-safe.
type ConsumerSet struct {
	header    [protocol.StreamHeaderSize]byte
	ringCap   int
	max       int
	logger    *slog.Logger
	consumers []*Consumer

	served        uint64 // total acumulado de consumers atachados
	evictions     uint64
	overflowTally uint64 // overflow de consumers já removidos
}

// NewConsumerSet cria o conjunto para um stream com o header e limites dados.
func NewConsumerSet(header [protocol.StreamHeaderSize]byte, ringCap, max int, logger *slog.Logger) *ConsumerSet {
	return &ConsumerSet{
		header:  header,
		ringCap: ringCap,
		max:     max,
		logger:  logger,
	}
}

// Attach registra uma conexão como consumer, alocando seu ring.
// Retorna ErrCapacityExceeded no limite; o chamador fecha a conexão.
func (s *ConsumerSet) Attach(conn net.Conn) (*Consumer, error) {
	if len(s.consumers) >= s.max {
		return nil, ErrCapacityExceeded
	}

	ring, err := NewRing(s.ringCap)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		ring:        ring,
		connectedAt: time.Now(),
	}
	s.consumers = append(s.consumers, c)
	s.served++
	return c, nil
}

// Broadcast escreve os bytes no ring de todos os consumers. Nunca falha;
// consumers lentos absorvem a perda via overflow do próprio ring.
func (s *ConsumerSet) Broadcast(p []byte) {
	for _, c := range s.consumers {
		c.ring.Write(p)
		c.bytesQueued += uint64(len(p))
	}
}

// Drain tenta mover bytes de cada ring para o socket correspondente, em
// ordem reversa de índice (a remoção compacta o slice sem perturbar a
// iteração). Deadline expirado é transitório; qualquer outro erro de
// escrita evita o consumer.
func (s *ConsumerSet) Drain() {
	for i := len(s.consumers) - 1; i >= 0; i-- {
		c := s.consumers[i]

		if !c.HeaderSent() {
			if !s.sendHeader(c) {
				s.evictAt(i)
			}
			continue
		}

		if !s.sendData(c) {
			s.evictAt(i)
		}
	}
}

// sendHeader tenta completar a entrega do header. Retorna false em erro fatal.
func (s *ConsumerSet) sendHeader(c *Consumer) bool {
	c.conn.SetWriteDeadline(time.Now().Add(consumerWriteTimeout))
	n, err := c.conn.Write(s.header[c.headerOff:])
	c.headerOff += n

	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	return true
}

// sendData drena o ring até esvaziar ou o socket bloquear.
// Um send parcial devolve o tail não enviado à frente do ring.
func (s *ConsumerSet) sendData(c *Consumer) bool {
	var buf [drainChunk]byte
	for c.ring.Len() > 0 {
		n := c.ring.Read(buf[:])

		c.conn.SetWriteDeadline(time.Now().Add(consumerWriteTimeout))
		sent, err := c.conn.Write(buf[:n])
		c.bytesDelivered += uint64(sent)

		if sent < n {
			c.ring.Unread(buf[sent:n])
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return true // would block; tenta na próxima drenagem
			}
			return false
		}
	}
	return true
}

// Promote remove a conexão do conjunto sem fechá-la e a devolve ao chamador
// (adoção como producer). Retorna false se a conexão não é um consumer.
func (s *ConsumerSet) Promote(conn net.Conn) bool {
	for i, c := range s.consumers {
		if c.conn == conn {
			s.overflowTally += c.ring.Overflows()
			s.removeAt(i)
			return true
		}
	}
	return false
}

// Detach fecha e remove a conexão, se atachada. Retorna true se removeu.
func (s *ConsumerSet) Detach(conn net.Conn) bool {
	for i, c := range s.consumers {
		if c.conn == conn {
			s.closeAt(i)
			return true
		}
	}
	return false
}

// CloseAll fecha e remove todos os consumers (shutdown).
func (s *ConsumerSet) CloseAll() {
	for i := len(s.consumers) - 1; i >= 0; i-- {
		s.closeAt(i)
	}
}

func (s *ConsumerSet) evictAt(i int) {
	c := s.consumers[i]
	s.evictions++
	s.logger.Info("consumer evicted",
		"remote", c.addr,
		"queued", c.bytesQueued,
		"delivered", c.bytesDelivered,
		"connected_for", time.Since(c.connectedAt).Truncate(time.Second).String(),
	)
	s.closeAt(i)
}

func (s *ConsumerSet) closeAt(i int) {
	c := s.consumers[i]
	s.overflowTally += c.ring.Overflows()
	c.conn.Close()
	s.removeAt(i)
}

func (s *ConsumerSet) removeAt(i int) {
	c := s.consumers[i]
	c.ring = nil
	s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
}

// Count retorna o número de consumers atachados.
func (s *ConsumerSet) Count() int { return len(s.consumers) }

// Served retorna o total acumulado de consumers já atendidos.
func (s *ConsumerSet) Served() uint64 { return s.served }

// Evictions retorna o total de consumers removidos por erro de escrita.
func (s *ConsumerSet) Evictions() uint64 { return s.evictions }

// OverflowBytes retorna o total de bytes perdidos por overflow, somando
// consumers ativos e já removidos.
func (s *ConsumerSet) OverflowBytes() uint64 {
	total := s.overflowTally
	for _, c := range s.consumers {
		total += c.ring.Overflows()
	}
	return total
}
