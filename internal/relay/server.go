// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-relay/internal/archive"
	"github.com/nishisan-dev/n-relay/internal/config"
	"github.com/nishisan-dev/n-relay/internal/discovery"
	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// Listeners agrupa os quatro listeners do relay. RunWithListeners os
// recebe prontos para que os testes usem ports efêmeros.
type Listeners struct {
	Detector  net.Listener
	Display   net.Listener
	Control   net.Listener
	Discovery net.Listener
}

// Close fecha os listeners já abertos.
func (l Listeners) Close() {
	for _, ln := range []net.Listener{l.Detector, l.Display, l.Control, l.Discovery} {
		if ln != nil {
			ln.Close()
		}
	}
}

// Run faz o bind dos quatro ports e bloqueia até o context ser cancelado.
// Falha de bind é fatal: retorna erro e o main encerra com status != 0.
func Run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	var ls Listeners
	binds := []struct {
		name string
		addr string
		dst  *net.Listener
	}{
		{"detector", cfg.Relay.DetectorListen, &ls.Detector},
		{"display", cfg.Relay.DisplayListen, &ls.Display},
		{"control", cfg.Relay.ControlListen, &ls.Control},
		{"discovery", cfg.Relay.DiscoveryListen, &ls.Discovery},
	}

	for _, b := range binds {
		ln, err := net.Listen("tcp", b.addr)
		if err != nil {
			ls.Close()
			return fmt.Errorf("listening on %s (%s): %w", b.addr, b.name, err)
		}
		*b.dst = ln
		logger.Info("listening", "port", b.name, "address", ln.Addr().String())
	}

	return RunWithListeners(ctx, cfg, logger, ls)
}

// RunWithListeners executa o relay sobre listeners já abertos (testes usam
// ports efêmeros). Bloqueia até o context ser cancelado; então fecha os
// listeners e espera as tasks (streams, bridge, discovery, archivers,
// status), que encerram em paralelo, cada uma fechando os próprios peers ao
// ver o context cancelado. Por fim para o sysmon e o uploader.
func RunWithListeners(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger, ls Listeners) error {
	var wg sync.WaitGroup

	// Archivers (opcionais) — um por stream capturado
	var archivers map[string]*archive.Archiver
	var uploader *archive.Uploader
	if cfg.Archive.Enabled {
		archivers = make(map[string]*archive.Archiver)
		for _, name := range cfg.Archive.Streams {
			archivers[name] = archive.NewArchiver(name, cfg.Archive, logger)
		}

		if cfg.Archive.S3.Enabled {
			up, err := archive.NewUploader(ctx, cfg.Archive, cfg.Archive.Streams, logger)
			if err != nil {
				return fmt.Errorf("creating s3 uploader: %w", err)
			}
			if err := up.Start(ctx); err != nil {
				return fmt.Errorf("starting s3 uploader: %w", err)
			}
			uploader = up
		}
	}

	captureChan := func(name string) chan<- []byte {
		if a, ok := archivers[name]; ok {
			return a.Capture()
		}
		return nil
	}

	detector := NewStreamRelay(StreamConfig{
		Name:         "detector",
		SampleRate:   protocol.DetectorSampleRate,
		MaxConsumers: cfg.Relay.MaxConsumers,
		RingSeconds:  cfg.Relay.RingSeconds,
	}, logger, captureChan("detector"))

	display := NewStreamRelay(StreamConfig{
		Name:         "display",
		SampleRate:   protocol.DisplaySampleRate,
		MaxConsumers: cfg.Relay.MaxConsumers,
		RingSeconds:  cfg.Relay.RingSeconds,
	}, logger, captureChan("display"))

	bridge := NewBridge(logger)
	disc := discovery.NewServer(cfg.Discovery, logger)

	// As duas tasks de stream não compartilham nada e rodam em paralelo;
	// bridge e registry têm cada um a sua task.
	wg.Add(4)
	go func() { defer wg.Done(); detector.Run(ctx, ls.Detector) }()
	go func() { defer wg.Done(); display.Run(ctx, ls.Display) }()
	go func() { defer wg.Done(); bridge.Run(ctx, ls.Control) }()
	go func() { defer wg.Done(); disc.Run(ctx, ls.Discovery) }()

	for _, a := range archivers {
		wg.Add(1)
		go func(a *archive.Archiver) { defer wg.Done(); a.Run(ctx) }(a)
	}

	var sysmon *SystemMonitor
	if cfg.Status.SystemStatsEnabled() {
		sysmon = NewSystemMonitor(logger)
		sysmon.Start()
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
		metrics.Serve(ctx, cfg.Metrics.Listen, logger)
	}

	status := NewStatusReporter(cfg.Status.Interval, logger, []*StreamRelay{detector, display}, bridge, disc, sysmon, metrics)
	wg.Add(1)
	go func() { defer wg.Done(); status.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutting down relay")

	// Fechar os listeners encerra os accept loops; cada task fecha seus
	// peers ao ver o context cancelado.
	ls.Close()
	wg.Wait()

	if sysmon != nil {
		sysmon.Stop()
	}
	if uploader != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		uploader.Stop(stopCtx)
		cancel()
	}

	logger.Info("relay shutdown complete")
	return nil
}
