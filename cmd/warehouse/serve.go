package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/warehouse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the service",
	Long: `Run the HTTP API together with the subscription poller and the disk
space reclaimer. Plain-text secrets in the config file are obfuscated in
place before it is loaded.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	n, err := config.ObfuscateFile(cfgFile)
	if err != nil {
		return fmt.Errorf("obfuscating config: %w", err)
	}

	if n > 0 {
		log.WithField("secrets", n).Info("Obfuscated secrets in config file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	svc := warehouse.New(log, cfg)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting warehouse: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")

	// Stop before cancelling so that in-flight passes complete.
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stopping warehouse: %w", err)
	}

	return nil
}
