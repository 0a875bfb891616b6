// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package discovery

import (
	"fmt"
	"testing"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

func helo(id, svc string, port, data int) *protocol.Message {
	return &protocol.Message{Cmd: protocol.CmdHelo, ID: id, Svc: svc, Port: port, Data: data, Caps: "rx"}
}

func TestRegistry_UpsertAndList(t *testing.T) {
	r := NewRegistry(128)

	if err := r.Upsert(1, "198.51.100.7", helo("A", "sdr_server", 4535, 4536)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	entries := r.List()
	if len(entries) != 1 {
		t.Fatalf("List = %d entries", len(entries))
	}
	e := entries[0]
	if e.ID != "A" || e.Svc != "sdr_server" || e.Port != 4535 || e.Data != 4536 || e.Caps != "rx" {
		t.Fatalf("entry = %+v", e)
	}
	// O ip é sempre o observado, nunca o alegado pelo edge
	if e.IP != "198.51.100.7" {
		t.Fatalf("ip = %q", e.IP)
	}
}

func TestRegistry_RepeatHeloUpdatesInPlace(t *testing.T) {
	r := NewRegistry(128)

	r.Upsert(1, "198.51.100.7", helo("A", "sdr_server", 4535, 4536))
	r.Upsert(1, "198.51.100.7", helo("A", "sdr_server", 5000, 5001))

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1 ((svc,id) is unique)", r.Count())
	}
	if e := r.List()[0]; e.Port != 5000 || e.Data != 5001 {
		t.Fatalf("entry not updated: %+v", e)
	}
}

func TestRegistry_UniquenessAcrossEdges(t *testing.T) {
	r := NewRegistry(128)

	r.Upsert(1, "198.51.100.7", helo("A", "sdr_server", 4535, 4536))
	r.Upsert(2, "203.0.113.9", helo("A", "sdr_server", 4535, 4536))

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	e := r.List()[0]
	if e.IP != "203.0.113.9" {
		t.Fatalf("ip must follow the new owner, got %q", e.IP)
	}
	if r.OwnedBy(1) != 0 || r.OwnedBy(2) != 1 {
		t.Fatal("ownership must transfer on repeat helo")
	}
}

func TestRegistry_ByeWithAndWithoutSvc(t *testing.T) {
	r := NewRegistry(128)

	r.Upsert(1, "ip1", helo("A", "sdr_server", 1, 2))
	r.Upsert(1, "ip1", helo("A", "signal_splitter", 3, 4))
	r.Upsert(1, "ip1", helo("B", "sdr_server", 5, 6))

	// bye com svc: remove só (svc, id)
	if removed := r.RemoveBye(1, "A", "sdr_server"); removed != 1 {
		t.Fatalf("RemoveBye(A, sdr_server) = %d", removed)
	}
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}

	// bye sem svc: remove todos com o id
	if removed := r.RemoveBye(1, "A", ""); removed != 1 {
		t.Fatalf("RemoveBye(A) = %d", removed)
	}
	if r.Count() != 1 || r.List()[0].ID != "B" {
		t.Fatal("only B must remain")
	}
}

func TestRegistry_ByeOnlyRemovesOwnServices(t *testing.T) {
	r := NewRegistry(128)

	r.Upsert(1, "ip1", helo("A", "sdr_server", 1, 2))

	if removed := r.RemoveBye(2, "A", ""); removed != 0 {
		t.Fatalf("bye from another edge removed %d services", removed)
	}
	if r.Count() != 1 {
		t.Fatal("service of edge 1 must survive bye from edge 2")
	}
}

func TestRegistry_RemoveEdgeIsAtomic(t *testing.T) {
	r := NewRegistry(128)

	for i := 0; i < 5; i++ {
		r.Upsert(1, "ip1", helo(fmt.Sprintf("S%d", i), "sdr_server", 100+i, 200+i))
	}
	r.Upsert(2, "ip2", helo("X", "signal_splitter", 9, 10))

	if removed := r.RemoveEdge(1); removed != 5 {
		t.Fatalf("RemoveEdge = %d, want 5", removed)
	}
	if r.OwnedBy(1) != 0 {
		t.Fatal("no service may keep a dead owner")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_Find(t *testing.T) {
	r := NewRegistry(128)

	r.Upsert(1, "ip1", helo("A", "sdr_server", 1, 2))
	r.Upsert(1, "ip1", helo("B", "signal_splitter", 3, 4))
	r.Upsert(2, "ip2", helo("C", "sdr_server", 5, 6))

	found := r.Find("sdr_server")
	if len(found) != 2 {
		t.Fatalf("Find = %d entries, want 2", len(found))
	}
	for _, e := range found {
		if e.Svc != "sdr_server" {
			t.Fatalf("unexpected svc %q", e.Svc)
		}
	}

	if len(r.Find("missing")) != 0 {
		t.Fatal("Find for unknown svc must be empty")
	}
}

func TestRegistry_ServiceTableFull(t *testing.T) {
	r := NewRegistry(3)

	for i := 0; i < 3; i++ {
		if err := r.Upsert(1, "ip1", helo(fmt.Sprintf("S%d", i), "sdr_server", 1, 2)); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	// Chave nova é rejeitada
	if err := r.Upsert(1, "ip1", helo("S3", "sdr_server", 1, 2)); err != ErrServiceTableFull {
		t.Fatalf("expected ErrServiceTableFull, got %v", err)
	}

	// Update de chave existente continua permitido na capacidade
	if err := r.Upsert(1, "ip1", helo("S0", "sdr_server", 9, 9)); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
}
