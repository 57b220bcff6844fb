// Command meta runs the central coordinator: catalog, id allocation, and
// the raft-replicated version chain (pkg/meta). Network transport and the
// command-line launcher are non-goals of the core this repo implements, so
// this entrypoint is deliberately thin — it wires pkg/meta.Coordinator up
// from a config file and blocks, the way a real meta process would host
// the coordinator behind whatever RPC front-end a deployment adds.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/riverstream/river/pkg/config"
	"github.com/riverstream/river/pkg/log"
	"github.com/riverstream/river/pkg/meta"
)

var (
	configPath = flag.String("config", "", "Path to meta config YAML (defaults applied if empty)")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON    = flag.Bool("log-json", false, "Output logs in JSON format")
)

func main() {
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithComponent("cmd/meta")

	cfg := config.DefaultMetaConfig()
	if *configPath != "" {
		loaded, err := config.LoadMetaConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load meta config")
		}
		cfg = loaded
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "meta-1"
	}

	coord, err := meta.New(meta.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("start coordinator")
	}

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("bind_addr", cfg.BindAddr).
		Str("data_dir", cfg.DataDir).
		Msg("meta coordinator bootstrapped")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := coord.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("coordinator shutdown")
	}
}
