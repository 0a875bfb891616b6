// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package discovery implementa o registry central de serviços: edges
// anunciam seus serviços via NDJSON e clients consultam a tabela para
// localizar serviços atrás de NAT.
package discovery

import (
	"errors"
	"time"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// ErrServiceTableFull indica que a tabela atingiu o limite de serviços.
var ErrServiceTableFull = errors.New("discovery: service table full")

// Service é um registro da tabela. OwnerEdge é o handle da sessão dona;
// IP é sempre o endereço remoto observado do edge, nunca o que ele alega.
type Service struct {
	ID           string
	Svc          string
	IP           string
	Port         int
	Data         int
	Caps         string
	OwnerEdge    int
	RegisteredAt time.Time
}

// Registry é a tabela de serviços. Tabela plana com handles inteiros para
// o edge dono — sem back-pointers, remoção de edge itera e compacta.
// Pertence exclusivamente à task de discovery.
type Registry struct {
	maxServices int
	services    []Service
}

// NewRegistry cria a tabela com o limite de serviços dado.
func NewRegistry(maxServices int) *Registry {
	return &Registry{maxServices: maxServices}
}

// Upsert registra ou atualiza o serviço (svc, id). Um repeat HELO atualiza
// o registro existente in place, inclusive transferindo o dono. Chave nova
// com a tabela cheia retorna ErrServiceTableFull.
func (r *Registry) Upsert(owner int, ip string, m *protocol.Message) error {
	for i := range r.services {
		if r.services[i].Svc == m.Svc && r.services[i].ID == m.ID {
			r.services[i].IP = ip
			r.services[i].Port = m.Port
			r.services[i].Data = m.Data
			r.services[i].Caps = m.Caps
			r.services[i].OwnerEdge = owner
			return nil
		}
	}

	if len(r.services) >= r.maxServices {
		return ErrServiceTableFull
	}

	r.services = append(r.services, Service{
		ID:           m.ID,
		Svc:          m.Svc,
		IP:           ip,
		Port:         m.Port,
		Data:         m.Data,
		Caps:         m.Caps,
		OwnerEdge:    owner,
		RegisteredAt: time.Now(),
	})
	return nil
}

// RemoveBye remove serviços do edge dono: (svc, id) quando svc é dado,
// senão todos com aquele id. Retorna quantos removeu.
func (r *Registry) RemoveBye(owner int, id, svc string) int {
	removed := 0
	for i := len(r.services) - 1; i >= 0; i-- {
		s := &r.services[i]
		if s.OwnerEdge != owner || s.ID != id {
			continue
		}
		if svc != "" && s.Svc != svc {
			continue
		}
		r.removeAt(i)
		removed++
	}
	return removed
}

// RemoveEdge remove atomicamente todos os serviços do edge. Retorna
// quantos removeu.
func (r *Registry) RemoveEdge(owner int) int {
	removed := 0
	for i := len(r.services) - 1; i >= 0; i-- {
		if r.services[i].OwnerEdge == owner {
			r.removeAt(i)
			removed++
		}
	}
	return removed
}

func (r *Registry) removeAt(i int) {
	r.services = append(r.services[:i], r.services[i+1:]...)
}

// List retorna a tabela inteira como entries de resposta.
func (r *Registry) List() []protocol.ServiceEntry {
	return r.entries("")
}

// Find retorna as entries cujo service tag é svc.
func (r *Registry) Find(svc string) []protocol.ServiceEntry {
	return r.entries(svc)
}

func (r *Registry) entries(svc string) []protocol.ServiceEntry {
	out := make([]protocol.ServiceEntry, 0, len(r.services))
	for _, s := range r.services {
		if svc != "" && s.Svc != svc {
			continue
		}
		out = append(out, protocol.ServiceEntry{
			ID:   s.ID,
			Svc:  s.Svc,
			IP:   s.IP,
			Port: s.Port,
			Data: s.Data,
			Caps: s.Caps,
		})
	}
	return out
}

// Count retorna o número de serviços registrados.
func (r *Registry) Count() int { return len(r.services) }

// OwnedBy retorna quantos serviços pertencem ao edge.
func (r *Registry) OwnedBy(owner int) int {
	n := 0
	for _, s := range r.services {
		if s.OwnerEdge == owner {
			n++
		}
	}
	return n
}
