// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func listSegments(t *testing.T, dir, ext string) []string {
	t.Helper()
	segments, err := committedSegments(dir, ext)
	if err != nil {
		t.Fatalf("committedSegments: %v", err)
	}
	return segments
}

func TestSegmentWriter_GzipRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSegmentWriter(dir, "detector", "gzip", ".iq.gz", 1024*1024)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	data := bytes.Repeat([]byte("iq-sample-data-"), 100)
	if err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	streamDir := filepath.Join(dir, "detector")
	segments := listSegments(t, streamDir, ".iq.gz")
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}

	f, err := os.Open(filepath.Join(streamDir, segments[0]))
	if err != nil {
		t.Fatalf("opening segment: %v", err)
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decompressed content mismatch")
	}
}

func TestSegmentWriter_ZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSegmentWriter(dir, "display", "zst", ".iq.zst", 1024*1024)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	data := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 5000)
	if err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	streamDir := filepath.Join(dir, "display")
	segments := listSegments(t, streamDir, ".iq.zst")
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}

	raw, err := os.ReadFile(filepath.Join(streamDir, segments[0]))
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	zr, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decompressed content mismatch")
	}
}

func TestSegmentWriter_RotatesAtLimit(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSegmentWriter(dir, "detector", "gzip", ".iq.gz", 1024)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	// Cada write de 512B; a cada 1024B raw um segmento é comitado
	for i := 0; i < 6; i++ {
		if err := w.Write(make([]byte, 512)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	streamDir := filepath.Join(dir, "detector")
	segments := listSegments(t, streamDir, ".iq.gz")
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}

	// Nenhum .tmp órfão
	entries, _ := os.ReadDir(streamDir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("orphan temp file %s", e.Name())
		}
	}
}

func TestSegmentWriter_EmptySegmentDiscarded(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSegmentWriter(dir, "detector", "gzip", ".iq.gz", 1024)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	streamDir := filepath.Join(dir, "detector")
	if segments := listSegments(t, streamDir, ".iq.gz"); len(segments) != 0 {
		t.Fatalf("empty segment must not be committed, got %v", segments)
	}
}

func TestPrune_KeepsNewest(t *testing.T) {
	dir := t.TempDir()

	names := []string{
		"2026-07-01T02-00-00-000.iq.gz",
		"2026-07-02T02-00-00-000.iq.gz",
		"2026-07-03T02-00-00-000.iq.gz",
		"2026-07-04T02-00-00-000.iq.gz",
		"2026-07-05T02-00-00-000.iq.gz",
	}
	for _, name := range names {
		os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644)
	}

	removed, err := Prune(dir, ".iq.gz", 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed = %d, want 3", len(removed))
	}

	remaining := listSegments(t, dir, ".iq.gz")
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	if remaining[0] != names[3] || remaining[1] != names[4] {
		t.Fatalf("remaining = %v, want the two newest", remaining)
	}
}
