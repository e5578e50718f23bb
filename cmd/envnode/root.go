package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/envnode/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "envnode",
	Short: "Environmental sensor node and reference collector",
	Long: `envnode runs a battery-powered environmental sensor node that delivers
calibration and sensor records to a fixed collector, retrying with a bounded
number of attempts and resetting itself after sustained failure.

The same binary runs the reference collector and issues remote configuration
commands to nodes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/envnode/config.yaml", "Path to config file")
}

func loadConfig() *config.Config {
	return config.LoadConfig(configPath)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
