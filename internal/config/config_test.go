package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DefaultConfigIsSane(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*datasize.MB, cfg.ShmemSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Timebin)
	assert.False(t, cfg.Shedding.Enabled)
}

func Test_LoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
shmem_size: 4MB
live_threshold: 50ms
sniffers:
  - driver: file
    device: /tmp/trace.pcap
modules:
  - name: counters
    flush_interval: 1s
    shedding_method: packet
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4*datasize.MB, cfg.ShmemSize)
	assert.Equal(t, 50*time.Millisecond, cfg.LiveThreshold)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 100*time.Millisecond, cfg.Timebin)
	require.Len(t, cfg.Sniffers, 1)
	assert.Equal(t, "file", cfg.Sniffers[0].Driver)
	require.Len(t, cfg.Modules, 1)
	assert.Equal(t, SheddingPacket, cfg.Modules[0].Shedding)
}

func Test_LoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
