// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-relay/internal/logging"
	"github.com/nishisan-dev/n-relay/internal/protocol"
)

func startStream(t *testing.T, maxConsumers int) (*StreamRelay, string, context.CancelFunc) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	relay := NewStreamRelay(StreamConfig{
		Name:         "detector",
		SampleRate:   protocol.DetectorSampleRate,
		MaxConsumers: maxConsumers,
		RingSeconds:  1,
	}, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, ln)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-done
	})

	return relay, ln.Addr().String(), cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// makeFrames constrói n frames DATA com payloads determinísticos.
func makeFrames(n, samples int, seqBase uint32) []byte {
	var out bytes.Buffer
	for i := 0; i < n; i++ {
		h := protocol.EncodeDataHeader(protocol.DataHeader{
			Seq:        seqBase + uint32(i),
			NumSamples: uint32(samples),
		})
		out.Write(h[:])
		payload := make([]byte, samples*protocol.BytesPerSample)
		for j := range payload {
			payload[j] = byte((int(seqBase) + i + j) % 251)
		}
		out.Write(payload)
	}
	return out.Bytes()
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}

// Cenário: um producer, três consumers. Cada consumer recebe exatamente o
// header FT32 com sample rate 50000 e depois os frames na ordem emitida.
func TestStreamRelay_SingleProducerThreeConsumers(t *testing.T) {
	relay, addr, _ := startStream(t, 100)

	consumers := make([]net.Conn, 3)
	for i := range consumers {
		consumers[i] = dial(t, addr)
	}
	waitFor(t, "consumers attached", func() bool { return relay.Status().Consumers == 3 })

	producer := dial(t, addr)
	waitFor(t, "producer candidate attached", func() bool { return relay.Status().Consumers == 4 })

	frames := makeFrames(10, 4096, 0)
	if _, err := producer.Write(frames); err != nil {
		t.Fatalf("producer write: %v", err)
	}
	waitFor(t, "producer promoted", func() bool { return relay.Status().ProducerUp })

	wantHeader := protocol.EncodeStreamHeader(protocol.DetectorSampleRate)
	for i, conn := range consumers {
		header := readExactly(t, conn, protocol.StreamHeaderSize)
		if !bytes.Equal(header, wantHeader[:]) {
			t.Fatalf("consumer %d: bad header %v", i, header)
		}

		got := readExactly(t, conn, len(frames))
		if !bytes.Equal(got, frames) {
			t.Fatalf("consumer %d: frames mismatch", i)
		}
	}

	st := relay.Status()
	if st.Consumers != 3 {
		t.Fatalf("Consumers = %d, want 3 after promotion", st.Consumers)
	}
	if st.BytesRelayed != uint64(len(frames)) {
		t.Fatalf("BytesRelayed = %d, want %d", st.BytesRelayed, len(frames))
	}
}

// Cenário: restart do producer. Os consumers não veem segundo header e os
// frames novos chegam contíguos após os antigos.
func TestStreamRelay_ProducerRestart(t *testing.T) {
	relay, addr, _ := startStream(t, 100)

	consumer := dial(t, addr)
	waitFor(t, "consumer attached", func() bool { return relay.Status().Consumers == 1 })

	producer := dial(t, addr)
	waitFor(t, "candidate attached", func() bool { return relay.Status().Consumers == 2 })

	first := makeFrames(10, 256, 0)
	if _, err := producer.Write(first); err != nil {
		t.Fatalf("producer write: %v", err)
	}
	waitFor(t, "producer promoted", func() bool { return relay.Status().ProducerUp })

	header := readExactly(t, consumer, protocol.StreamHeaderSize)
	if _, err := protocol.ParseStreamHeader(header); err != nil {
		t.Fatalf("bad header: %v", err)
	}
	got := readExactly(t, consumer, len(first))
	if !bytes.Equal(got, first) {
		t.Fatal("first batch mismatch")
	}

	// Producer cai; consumers persistem
	producer.Close()
	waitFor(t, "producer down", func() bool { return !relay.Status().ProducerUp })
	if relay.Status().Consumers != 1 {
		t.Fatal("consumer must survive producer loss")
	}

	// Producer novo conecta e transmite
	producer2 := dial(t, addr)
	waitFor(t, "candidate attached", func() bool { return relay.Status().Consumers == 2 })

	second := makeFrames(5, 256, 100)
	if _, err := producer2.Write(second); err != nil {
		t.Fatalf("producer2 write: %v", err)
	}
	waitFor(t, "producer promoted again", func() bool { return relay.Status().ProducerUp })

	// Sem segundo header: os bytes seguintes são exatamente os frames novos
	got = readExactly(t, consumer, len(second))
	if !bytes.Equal(got, second) {
		t.Fatal("second batch must arrive contiguously, with no second header")
	}
}

// Um transmissor novo desloca o producer corrente (last-wins).
func TestStreamRelay_ProducerDisplaced(t *testing.T) {
	relay, addr, _ := startStream(t, 100)

	consumer := dial(t, addr)
	waitFor(t, "consumer attached", func() bool { return relay.Status().Consumers == 1 })

	producer1 := dial(t, addr)
	waitFor(t, "candidate attached", func() bool { return relay.Status().Consumers == 2 })
	if _, err := producer1.Write(makeFrames(1, 64, 0)); err != nil {
		t.Fatalf("producer1 write: %v", err)
	}
	waitFor(t, "producer1 promoted", func() bool { return relay.Status().ProducerUp })

	producer2 := dial(t, addr)
	waitFor(t, "producer2 attached", func() bool { return relay.Status().Consumers == 2 })
	if _, err := producer2.Write(makeFrames(1, 64, 50)); err != nil {
		t.Fatalf("producer2 write: %v", err)
	}

	// producer1 foi fechado pelo relay
	waitFor(t, "producer1 closed", func() bool {
		producer1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := producer1.Read(make([]byte, 1))
		return err == io.EOF
	})

	// O consumer recebeu header + frame do p1 + frame do p2
	readExactly(t, consumer, protocol.StreamHeaderSize)
	readExactly(t, consumer, (protocol.DataHeaderSize+64*protocol.BytesPerSample)*2)
}

// O consumer excedente ao limite é recusado (socket fechado).
func TestStreamRelay_ConsumerCap(t *testing.T) {
	relay, addr, _ := startStream(t, 2)

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	_, _ = c1, c2
	waitFor(t, "two consumers", func() bool { return relay.Status().Consumers == 2 })

	extra := dial(t, addr)
	extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF on refused consumer, got %v", err)
	}

	waitFor(t, "refusal counted", func() bool { return relay.Status().Refused == 1 })
	if relay.Status().Consumers != 2 {
		t.Fatalf("Consumers = %d, want 2", relay.Status().Consumers)
	}
}
