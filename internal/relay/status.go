// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-relay/internal/discovery"
)

// StatusReporter imprime o relatório periódico de status: producer
// up/down e consumers por stream, liveness da bridge, edges e serviços
// do registry, e opcionalmente métricas de sistema.
type StatusReporter struct {
	interval time.Duration
	logger   *slog.Logger

	streams []*StreamRelay
	bridge  *Bridge
	disc    *discovery.Server
	sysmon  *SystemMonitor // nil quando system_stats desabilitado
	metrics *Metrics       // nil quando o endpoint está desabilitado
}

// NewStatusReporter cria o reporter.
func NewStatusReporter(interval time.Duration, logger *slog.Logger, streams []*StreamRelay, bridge *Bridge, disc *discovery.Server, sysmon *SystemMonitor, metrics *Metrics) *StatusReporter {
	return &StatusReporter{
		interval: interval,
		logger:   logger.With("component", "status"),
		streams:  streams,
		bridge:   bridge,
		disc:     disc,
		sysmon:   sysmon,
		metrics:  metrics,
	}
}

// Run imprime o status a cada intervalo até o context ser cancelado.
// No shutdown imprime um relatório final com os contadores acumulados.
func (r *StatusReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report("final status")
			return
		case <-ticker.C:
			r.report("status")
		}
	}
}

func (r *StatusReporter) report(msg string) {
	for _, s := range r.streams {
		st := s.Status()
		r.logger.Info(msg,
			"stream", st.Name,
			"producer", boolUpDown(st.ProducerUp),
			"consumers", st.Consumers,
			"clients_served", st.Served,
			"relayed_MB", fmt.Sprintf("%.1f", float64(st.BytesRelayed)/(1024*1024)),
			"overflow_MB", fmt.Sprintf("%.1f", float64(st.OverflowBytes)/(1024*1024)),
			"evictions", st.Evictions,
		)
	}

	bs := r.bridge.Status()
	r.logger.Info(msg,
		"bridge_producer", boolUpDown(bs.ProducerUp),
		"bridge_controller", boolUpDown(bs.ControllerUp),
		"bridged_bytes", bs.BytesBridged,
	)

	ds := r.disc.Status()
	r.logger.Info(msg,
		"edges", ds.Edges,
		"services", ds.Services,
		"edges_served", ds.EdgesServed,
		"violations", ds.Violations,
	)

	if r.sysmon != nil {
		sys := r.sysmon.Stats()
		r.logger.Info(msg,
			"cpu_pct", fmt.Sprintf("%.1f", sys.CPUPercent),
			"mem_pct", fmt.Sprintf("%.1f", sys.MemoryPercent),
			"load1", fmt.Sprintf("%.2f", sys.LoadAverage),
		)
	}

	if r.metrics != nil {
		r.metrics.Update(r.streams, r.bridge, r.disc)
	}
}

func boolUpDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}
