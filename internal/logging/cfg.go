package logging

import "go.uber.org/zap/zapcore"

// Config is the `logging:` block of the capture core's YAML config file
// (config.Config.Logging), decoded alongside shmem_size/sniffers[]/
// modules[] and every other top-level option of spec.md §6.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}
