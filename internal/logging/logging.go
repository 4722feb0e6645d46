// Package logging builds the structured zap logger every comocapture
// binary runs on: the CAPTURE core's event loop, sniffer drivers, and IPC
// peer channels all log through the *zap.SugaredLogger this package
// returns, with golang.org/x/term picking colorized output only when
// stderr is an actual terminal (e.g. a developer running the core
// in-place) rather than a pipe or log-collector socket.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init builds the capture core's logger from the `logging` section of its
// config file (config.Config.Logging), returning the level as a mutable
// zap.AtomicLevel so a future SIGHUP-triggered reconfigure could adjust
// verbosity without restarting the daemon.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}
