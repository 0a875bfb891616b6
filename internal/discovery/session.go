// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package discovery

import (
	"bytes"
	"net"
	"time"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// EdgeSession é a sessão de um edge conectado ao registry: a conexão, o
// endereço remoto observado (host, sem porta), o acumulador de linhas
// parciais e o timestamp de última atividade.
type EdgeSession struct {
	ID       int
	Conn     net.Conn
	Addr     string // host observado; é o ip gravado nos serviços
	LastSeen time.Time

	acc []byte
}

// NewEdgeSession cria a sessão para uma conexão aceita.
func NewEdgeSession(id int, conn net.Conn) *EdgeSession {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return &EdgeSession{
		ID:       id,
		Conn:     conn,
		Addr:     host,
		LastSeen: time.Now(),
		acc:      make([]byte, 0, protocol.MaxLineLen),
	}
}

// Feed acumula bytes recebidos e emite cada linha completa via emit.
// A linha entregue não inclui o '\n'. Linha maior que o acumulador é uma
// violação de protocolo: o acumulado é descartado e o parsing ressincroniza
// no próximo newline; onOversize é chamado uma vez por descarte.
// Qualquer byte recebido atualiza LastSeen.
func (s *EdgeSession) Feed(data []byte, emit func(line []byte), onOversize func()) {
	s.LastSeen = time.Now()

	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')

		if nl < 0 {
			if len(s.acc)+len(data) > protocol.MaxLineLen {
				// Linha gigante sem fim à vista: descarta e ressincroniza
				s.acc = s.acc[:0]
				if len(data) > protocol.MaxLineLen {
					data = data[len(data)-protocol.MaxLineLen:]
				}
				onOversize()
			}
			s.acc = append(s.acc, data...)
			return
		}

		head := data[:nl]
		data = data[nl+1:]

		if len(s.acc)+len(head) > protocol.MaxLineLen {
			// A linha completa excede o limite: dropa, segue da próxima
			s.acc = s.acc[:0]
			onOversize()
			continue
		}

		line := head
		if len(s.acc) > 0 {
			line = append(s.acc, head...)
			s.acc = s.acc[:0]
		}
		emit(line)
	}
}

// PendingBytes retorna o tamanho da linha parcial acumulada.
func (s *EdgeSession) PendingBytes() int { return len(s.acc) }
