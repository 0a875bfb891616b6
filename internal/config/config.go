// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nrelay-server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig representa a configuração completa do nrelay-server.
type RelayConfig struct {
	Relay     RelayListeners  `yaml:"relay"`
	Logging   LoggingInfo     `yaml:"logging"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Status    StatusConfig    `yaml:"status"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// RelayListeners contém os endereços de escuta e limites dos streams.
type RelayListeners struct {
	DetectorListen  string `yaml:"detector_listen"`  // default: ":4410"
	DisplayListen   string `yaml:"display_listen"`   // default: ":4411"
	ControlListen   string `yaml:"control_listen"`   // default: ":4409"
	DiscoveryListen string `yaml:"discovery_listen"` // default: ":5401"

	// MaxConsumers limita consumers atachados por stream.
	MaxConsumers int `yaml:"max_consumers"` // default: 100

	// RingSeconds dimensiona o ring de cada consumer:
	// capacity = sample_rate × ring_seconds × 8 bytes (I/Q float32).
	RingSeconds int `yaml:"ring_seconds"` // default: 30
}

// LoggingInfo configura o logger estruturado.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
	File   string `yaml:"file"`   // vazio = só stdout
}

// DiscoveryConfig configura o registry de serviços.
type DiscoveryConfig struct {
	MaxEdges    int           `yaml:"max_edges"`    // default: 32
	MaxServices int           `yaml:"max_services"` // default: 128
	EdgeTimeout time.Duration `yaml:"edge_timeout"` // default: 120s

	// AcceptRate/AcceptBurst limitam a taxa de accepts no listener de
	// discovery (token bucket). 0 desabilita o limite.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// StatusConfig configura o relatório periódico de status.
type StatusConfig struct {
	Interval    time.Duration `yaml:"interval"`     // default: 5s
	SystemStats *bool         `yaml:"system_stats"` // nil = habilitado
}

// MetricsConfig configura o endpoint Prometheus opcional.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9849"
}

// ArchiveConfig configura a captura opcional de streams em segmentos comprimidos.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Streams lista quais streams capturar: "detector" e/ou "display".
	Streams []string `yaml:"streams"`

	Compression string `yaml:"compression"`  // gzip|zst (default: gzip)
	SegmentSize string `yaml:"segment_size"` // ex: "256mb" (default)
	MaxSegments int    `yaml:"max_segments"` // default: 8

	S3 S3Config `yaml:"s3"`

	// SegmentSizeRaw é preenchido por validate(); não vem do YAML.
	SegmentSizeRaw int64 `yaml:"-"`
}

// S3Config configura o offload de segmentos para S3.
type S3Config struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`   // default: "nrelay"
	Schedule string `yaml:"schedule"` // cron spec (default: "@every 5m")
}

// SystemStatsEnabled resolve o default do campo opcional.
func (s StatusConfig) SystemStatsEnabled() bool {
	return s.SystemStats == nil || *s.SystemStats
}

// CaptureStream verifica se o stream nomeado está na lista de captura.
func (a ArchiveConfig) CaptureStream(name string) bool {
	for _, s := range a.Streams {
		if s == name {
			return true
		}
	}
	return false
}

// FileExtension retorna a extensão dos segmentos deste archive.
func (a ArchiveConfig) FileExtension() string {
	switch a.Compression {
	case "zst":
		return ".iq.zst"
	default:
		return ".iq.gz"
	}
}

// LoadRelayConfig lê e valida o arquivo YAML de configuração.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading relay config: %w", err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}

	return &cfg, nil
}

// Default retorna a configuração com todos os defaults aplicados.
func Default() *RelayConfig {
	cfg := &RelayConfig{}
	cfg.Validate()
	return cfg
}

// Validate aplica defaults e rejeita combinações inválidas.
func (c *RelayConfig) Validate() error {
	if c.Relay.DetectorListen == "" {
		c.Relay.DetectorListen = ":4410"
	}
	if c.Relay.DisplayListen == "" {
		c.Relay.DisplayListen = ":4411"
	}
	if c.Relay.ControlListen == "" {
		c.Relay.ControlListen = ":4409"
	}
	if c.Relay.DiscoveryListen == "" {
		c.Relay.DiscoveryListen = ":5401"
	}
	if c.Relay.MaxConsumers <= 0 {
		c.Relay.MaxConsumers = 100
	}
	if c.Relay.RingSeconds <= 0 {
		c.Relay.RingSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Discovery.MaxEdges <= 0 {
		c.Discovery.MaxEdges = 32
	}
	if c.Discovery.MaxServices <= 0 {
		c.Discovery.MaxServices = 128
	}
	if c.Discovery.EdgeTimeout <= 0 {
		c.Discovery.EdgeTimeout = 120 * time.Second
	}
	if c.Discovery.AcceptRate < 0 {
		return fmt.Errorf("discovery.accept_rate must be >= 0, got %.2f", c.Discovery.AcceptRate)
	}
	if c.Discovery.AcceptRate > 0 && c.Discovery.AcceptBurst <= 0 {
		c.Discovery.AcceptBurst = 8
	}

	if c.Status.Interval <= 0 {
		c.Status.Interval = 5 * time.Second
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9849"
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when archive is enabled")
		}
		if len(c.Archive.Streams) == 0 {
			c.Archive.Streams = []string{"detector"}
		}
		for _, s := range c.Archive.Streams {
			if s != "detector" && s != "display" {
				return fmt.Errorf("archive.streams: unknown stream %q (want detector or display)", s)
			}
		}
		if c.Archive.Compression == "" {
			c.Archive.Compression = "gzip"
		}
		c.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Archive.Compression))
		if c.Archive.Compression != "gzip" && c.Archive.Compression != "zst" {
			return fmt.Errorf("archive.compression must be gzip or zst, got %q", c.Archive.Compression)
		}
		if c.Archive.SegmentSize == "" {
			c.Archive.SegmentSize = "256mb"
		}
		parsed, err := ParseByteSize(c.Archive.SegmentSize)
		if err != nil {
			return fmt.Errorf("archive.segment_size: %w", err)
		}
		if parsed < 1024*1024 {
			return fmt.Errorf("archive.segment_size must be at least 1mb, got %s", c.Archive.SegmentSize)
		}
		c.Archive.SegmentSizeRaw = parsed
		if c.Archive.MaxSegments <= 0 {
			c.Archive.MaxSegments = 8
		}

		if c.Archive.S3.Enabled {
			if c.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required when s3 offload is enabled")
			}
			if c.Archive.S3.Prefix == "" {
				c.Archive.S3.Prefix = "nrelay"
			}
			if c.Archive.S3.Schedule == "" {
				c.Archive.S3.Schedule = "@every 5m"
			}
		}
	}

	return nil
}
