// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive implementa a captura opcional de streams I/Q: os bytes
// retransmitidos são gravados em segmentos comprimidos rotativos, com
// offload agendado para S3 quando habilitado.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// SegmentWriter grava um stream em segmentos comprimidos de tamanho
// limitado: escreve num .tmp, e no corte renomeia para o nome final com
// timestamp (commit atômico) e abre o próximo.
type SegmentWriter struct {
	dir         string
	stream      string
	compression string // gzip|zst
	ext         string
	maxRaw      int64

	file     *os.File
	comp     io.WriteCloser
	rawBytes int64
}

// NewSegmentWriter cria o writer e abre o primeiro segmento.
func NewSegmentWriter(dir, stream, compression, ext string, maxRaw int64) (*SegmentWriter, error) {
	streamDir := filepath.Join(dir, stream)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	w := &SegmentWriter{
		dir:         streamDir,
		stream:      stream,
		compression: compression,
		ext:         ext,
		maxRaw:      maxRaw,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SegmentWriter) open() error {
	f, err := os.CreateTemp(w.dir, "segment-*.tmp")
	if err != nil {
		return fmt.Errorf("creating segment temp file: %w", err)
	}

	var comp io.WriteCloser
	switch w.compression {
	case "zst":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		comp = zw
	default:
		comp = pgzip.NewWriter(f)
	}

	w.file = f
	w.comp = comp
	w.rawBytes = 0
	return nil
}

// Write grava os bytes no segmento corrente e corta quando o tamanho raw
// atinge o limite.
func (w *SegmentWriter) Write(p []byte) error {
	if _, err := w.comp.Write(p); err != nil {
		return fmt.Errorf("writing segment: %w", err)
	}
	w.rawBytes += int64(len(p))

	if w.rawBytes >= w.maxRaw {
		if err := w.Rotate(); err != nil {
			return err
		}
	}
	return nil
}

// Rotate comita o segmento corrente e abre o próximo.
func (w *SegmentWriter) Rotate() error {
	if err := w.commit(); err != nil {
		return err
	}
	return w.open()
}

// Close comita o segmento corrente e encerra o writer. Segmento vazio é
// descartado em vez de comitado.
func (w *SegmentWriter) Close() error {
	if w.rawBytes == 0 {
		w.comp.Close()
		w.file.Close()
		return os.Remove(w.file.Name())
	}
	return w.commit()
}

func (w *SegmentWriter) commit() error {
	if err := w.comp.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("closing compressor: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing segment file: %w", err)
	}

	// Dois commits no mesmo milissegundo não podem sobrescrever um ao
	// outro: o timestamp avança até achar um nome livre (a ordem
	// cronológica dos nomes se mantém).
	now := time.Now().UTC()
	var finalPath string
	for {
		timestamp := strings.ReplaceAll(now.Format("2006-01-02T15-04-05.000"), ".", "-")
		finalPath = filepath.Join(w.dir, timestamp+w.ext)
		if _, err := os.Stat(finalPath); os.IsNotExist(err) {
			break
		}
		now = now.Add(time.Millisecond)
	}

	if err := os.Rename(w.file.Name(), finalPath); err != nil {
		return fmt.Errorf("renaming segment to final: %w", err)
	}
	return nil
}

// Prune remove segmentos comitados excedentes, mantendo os maxSegments
// mais recentes. Retorna os nomes removidos.
func Prune(dir, ext string, maxSegments int) ([]string, error) {
	if maxSegments <= 0 {
		return nil, nil
	}

	segments, err := committedSegments(dir, ext)
	if err != nil {
		return nil, err
	}

	if len(segments) <= maxSegments {
		return nil, nil
	}

	toRemove := segments[:len(segments)-maxSegments]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("removing old segment %s: %w", name, err)
		}
	}
	return toRemove, nil
}

// committedSegments lista os segmentos comitados em ordem cronológica
// (o nome com timestamp ordena naturalmente).
func committedSegments(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	var segments []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)
	return segments, nil
}
