// Package config implements the YAML-driven configuration the core reads
// at startup (spec.md §6 "Configuration (the options the core consumes,
// however delivered)"), loaded the same way the teacher's coordinator
// loads its own config: read the file, then unmarshal onto a
// DefaultConfig() base (coordinator/cfg.go's LoadConfig).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/comocapture/internal/logging"
)

// SnifferConfig describes one entry of spec.md §6's `sniffers[]`.
type SnifferConfig struct {
	// Driver selects the concrete sniffer implementation: "file",
	// "netflow" or "upstream".
	Driver string `yaml:"driver"`
	// Device is the driver-specific device string (a trace-file path, a
	// UDP listen address, a peer TCP address).
	Device string `yaml:"device"`
	// Args carries any additional driver-specific options.
	Args map[string]string `yaml:"args"`
	// Paced, for the file driver, replays packets at the wall-clock pace
	// recorded in the trace rather than as fast as possible.
	Paced bool `yaml:"paced"`
}

// SheddingMethod selects a module's load-shedding method, spec.md §4.9.
type SheddingMethod string

const (
	SheddingNone   SheddingMethod = ""
	SheddingPacket SheddingMethod = "packet"
	SheddingFlow   SheddingMethod = "flow"
)

// ModuleConfig describes one entry of spec.md §6's `modules[]`.
type ModuleConfig struct {
	Name     string `yaml:"name"`
	Binary   string `yaml:"binary"`
	// Filter is left as a raw blob here; the expression-tree compiler that
	// turns it into a filter.Expr is external to the core (spec.md §4.5
	// "Expression trees are opaque to the core... produced by an external
	// compiler").
	Filter []byte `yaml:"filter"`

	FlushInterval time.Duration  `yaml:"flush_interval"`
	UseShmem      bool           `yaml:"use_shmem"`
	Shedding      SheddingMethod `yaml:"shedding_method"`

	// Args is the arbitrary per-module args blob, passed through to the
	// module's own Init callback unparsed.
	Args []byte `yaml:"args"`
}

// Config is the top-level configuration for the capture core.
type Config struct {
	// ShmemSize is the size of the process-shared arena used for
	// memory-pressure accounting (spec.md §6 `shmem_size`); the cabuf
	// pointer ring is sized separately by CabufSize.
	ShmemSize datasize.ByteSize `yaml:"shmem_size"`
	// DBPath is passed through to EXPORT unread by the core (spec.md §6
	// `db_path`).
	DBPath string `yaml:"db_path"`
	// InlineMode spawns a query immediately after startup and exits when
	// it completes (spec.md §6 `inline_mode`).
	InlineMode bool `yaml:"inline_mode"`

	// LiveThreshold is Δ, the merge quiescence gap (spec.md §6
	// `live_threshold`).
	LiveThreshold time.Duration `yaml:"live_threshold"`
	// Timebin is W, the merge bin-alignment width (spec.md §6 `timebin`,
	// default 100ms).
	Timebin time.Duration `yaml:"timebin"`

	// CabufSize is the number of packet-pointer slots in the shared ring
	// (spec.md §3 "Ring of packet pointers").
	CabufSize uint32 `yaml:"cabuf_size"`
	// PpbufSize is the default per-sniffer ring capacity, absent an
	// explicit sniffer-level override.
	PpbufSize uint32 `yaml:"ppbuf_size"`

	Sniffers []SnifferConfig `yaml:"sniffers"`
	Modules  []ModuleConfig  `yaml:"modules"`

	// Shedding enables the load-shedding controller of spec.md §4.9
	// globally; individual modules still opt in via their own
	// shedding_method.
	Shedding SheddingConfig `yaml:"shedding"`

	// SupervisorListen, ExportListen and ClientListen are the stream-socket
	// addresses the three IPC peer classes of spec.md §6 connect on.
	SupervisorListen string `yaml:"supervisor_listen"`
	ExportListen     string `yaml:"export_listen"`
	ClientListen     string `yaml:"client_listen"`

	Logging logging.Config `yaml:"logging"`
}

// SheddingConfig tunes the predictive load-shedding controller (spec.md
// §4.9).
type SheddingConfig struct {
	Enabled bool `yaml:"enabled"`
	// CPUFreqHz and BinWidth give the available-cycles budget
	// `A = bin_width * cpu_freq`; no recent-overhead term is subtracted.
	CPUFreqHz uint64        `yaml:"cpu_freq_hz"`
	BinWidth  time.Duration `yaml:"bin_width"`
	// Window is N, the rolling observation window for FCBF (spec.md §4.9,
	// default 60).
	Window int `yaml:"window"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ShmemSize:        2 * datasize.MB,
		InlineMode:       false,
		LiveThreshold:    100 * time.Millisecond,
		Timebin:          100 * time.Millisecond,
		CabufSize:        1 << 16,
		PpbufSize:        1 << 12,
		SupervisorListen: "[::1]:0",
		ExportListen:     "[::1]:14080",
		ClientListen:     "[::1]:14081",
		Shedding: SheddingConfig{
			Enabled:   false,
			CPUFreqHz: 2_000_000_000,
			BinWidth:  time.Second,
			Window:    60,
		},
		Logging: logging.Config{Level: 0},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path,
// onto a DefaultConfig() base - exactly coordinator.LoadConfig's shape.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
