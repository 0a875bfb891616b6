// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nishisan-dev/n-relay/internal/config"
)

// captureQueueDepth dimensiona a fila entre o relay e o archiver. O relay
// publica sem bloquear; fila cheia descarta o chunk (o caminho crítico do
// fan-out nunca espera pelo disco).
const captureQueueDepth = 256

// Archiver consome os chunks capturados de um stream e os grava em
// segmentos comprimidos rotativos.
type Archiver struct {
	stream string
	cfg    config.ArchiveConfig
	logger *slog.Logger

	in chan []byte

	bytesCaptured atomic.Uint64
}

// NewArchiver cria o archiver de um stream.
func NewArchiver(stream string, cfg config.ArchiveConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		stream: stream,
		cfg:    cfg,
		logger: logger.With("component", "archiver", "stream", stream),
		in:     make(chan []byte, captureQueueDepth),
	}
}

// Capture é o canal que o relay alimenta com cópias dos chunks.
func (a *Archiver) Capture() chan<- []byte { return a.in }

// Run grava até o context ser cancelado; no shutdown comita o segmento
// corrente.
func (a *Archiver) Run(ctx context.Context) {
	w, err := NewSegmentWriter(a.cfg.Dir, a.stream, a.cfg.Compression, a.cfg.FileExtension(), a.cfg.SegmentSizeRaw)
	if err != nil {
		a.logger.Error("archiver disabled: cannot open segment", "error", err)
		// Continua consumindo para não acumular no canal
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.in:
			}
		}
	}

	a.logger.Info("archiver started",
		"dir", a.cfg.Dir,
		"compression", a.cfg.Compression,
		"segment_size", a.cfg.SegmentSize,
	)

	for {
		select {
		case <-ctx.Done():
			if err := w.Close(); err != nil {
				a.logger.Error("closing segment", "error", err)
			}
			a.logger.Info("archiver stopped", "captured_bytes", a.bytesCaptured.Load())
			return

		case data := <-a.in:
			rotated := w.rawBytes+int64(len(data)) >= w.maxRaw
			if err := w.Write(data); err != nil {
				a.logger.Error("writing segment", "error", err)
				continue
			}
			a.bytesCaptured.Add(uint64(len(data)))

			if rotated {
				if removed, err := Prune(w.dir, a.cfg.FileExtension(), a.cfg.MaxSegments); err != nil {
					a.logger.Warn("pruning segments", "error", err)
				} else if len(removed) > 0 {
					a.logger.Info("segments pruned", "removed", len(removed))
				}
			}
		}
	}
}
