// Package main runs the device security subsystem as a daemon. It wires
// the vault core from configuration, runs the startup integrity sweep and
// keeps background maintenance alive until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	vaultcore "github.com/fieldclinic/vaultcore"
	"github.com/fieldclinic/vaultcore/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/vaultcore/vaultcore.yaml", "Path to configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	ledgerURL := flag.String("ledger-url", "", "Ledger NATS URL (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Vault core starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *ledgerURL != "" {
		cfg.Ledger.URL = *ledgerURL
		cfg.Ledger.Enabled = true
	}

	core, err := vaultcore.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble vault core")
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := core.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup checks failed")
	}
	if !report.OK() {
		log.Error().
			Int("corrupted", len(report.Corrupted)).
			Int("integrity_failures", len(report.IntegrityFailures)).
			Msg("Integrity sweep found damaged records")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	log.Info().Msg("Vault core shutdown complete")
}
