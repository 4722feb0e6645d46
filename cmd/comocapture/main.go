// Command comocapture is the CAPTURE core daemon: it loads its
// configuration, starts the shared arena and sniffers, and runs the
// single-threaded event loop of spec.md §4.7 until interrupted or a
// control-plane peer forces a fatal exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/comocapture/internal/capture"
	"github.com/yanet-platform/comocapture/internal/config"
	"github.com/yanet-platform/comocapture/internal/logging"
	"github.com/yanet-platform/comocapture/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "comocapture",
	Short: "Passive network-measurement CAPTURE core",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration, builds the engine and drives it until
// interrupted. Exit codes follow spec.md §6: 0 on a clean interrupt, 1 on
// any fatal startup or runtime error (module load failure, shared-memory
// allocation failure, no sniffer could be initialised).
func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	engine, err := capture.New(cfg, capture.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize capture core: %w", err)
	}
	defer engine.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return engine.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
