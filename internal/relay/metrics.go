// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-relay/internal/discovery"
)

// Metrics expõe os contadores do relay em formato Prometheus. Os valores
// são espelhados a cada tick do status reporter a partir dos snapshots.
type Metrics struct {
	registry *prometheus.Registry

	consumers     *prometheus.GaugeVec
	producerUp    *prometheus.GaugeVec
	clientsServed *prometheus.GaugeVec
	bytesRelayed  *prometheus.GaugeVec
	overflowBytes *prometheus.GaugeVec
	evictions     *prometheus.GaugeVec

	bridgeUp     *prometheus.GaugeVec
	bridgedBytes prometheus.Gauge

	edges      prometheus.Gauge
	services   prometheus.Gauge
	violations prometheus.Gauge
}

// NewMetrics registra os collectors num registry dedicado.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		consumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_consumers",
			Help: "Current number of attached consumers per stream",
		}, []string{"stream"}),
		producerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_producer_up",
			Help: "Whether the stream has an attached producer (0/1)",
		}, []string{"stream"}),
		clientsServed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_clients_served_total",
			Help: "Cumulative consumers served per stream",
		}, []string{"stream"}),
		bytesRelayed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_relayed_bytes_total",
			Help: "Total bytes relayed from the producer per stream",
		}, []string{"stream"}),
		overflowBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_overflow_bytes_total",
			Help: "Total bytes dropped to ring overflow per stream",
		}, []string{"stream"}),
		evictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_stream_evictions_total",
			Help: "Total consumers evicted on write error per stream",
		}, []string{"stream"}),
		bridgeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrelay_bridge_peer_up",
			Help: "Whether each bridge side is attached (0/1)",
		}, []string{"side"}),
		bridgedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrelay_bridge_bytes_total",
			Help: "Total bytes forwarded across the control bridge",
		}),
		edges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrelay_registry_edges",
			Help: "Current number of registered edge sessions",
		}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrelay_registry_services",
			Help: "Current number of registered services",
		}),
		violations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrelay_registry_violations_total",
			Help: "Total protocol violations observed on the discovery port",
		}),
	}

	reg.MustRegister(
		m.consumers, m.producerUp, m.clientsServed, m.bytesRelayed,
		m.overflowBytes, m.evictions, m.bridgeUp, m.bridgedBytes,
		m.edges, m.services, m.violations,
	)
	return m
}

// Update espelha os snapshots atuais nos gauges.
func (m *Metrics) Update(streams []*StreamRelay, bridge *Bridge, disc *discovery.Server) {
	for _, s := range streams {
		st := s.Status()
		m.consumers.WithLabelValues(st.Name).Set(float64(st.Consumers))
		m.producerUp.WithLabelValues(st.Name).Set(boolToFloat(st.ProducerUp))
		m.clientsServed.WithLabelValues(st.Name).Set(float64(st.Served))
		m.bytesRelayed.WithLabelValues(st.Name).Set(float64(st.BytesRelayed))
		m.overflowBytes.WithLabelValues(st.Name).Set(float64(st.OverflowBytes))
		m.evictions.WithLabelValues(st.Name).Set(float64(st.Evictions))
	}

	bs := bridge.Status()
	m.bridgeUp.WithLabelValues("producer").Set(boolToFloat(bs.ProducerUp))
	m.bridgeUp.WithLabelValues("controller").Set(boolToFloat(bs.ControllerUp))
	m.bridgedBytes.Set(float64(bs.BytesBridged))

	ds := disc.Status()
	m.edges.Set(float64(ds.Edges))
	m.services.Set(float64(ds.Services))
	m.violations.Set(float64(ds.Violations))
}

// Serve inicia o endpoint HTTP /metrics e o encerra com o context.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", "address", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
