// Command compute runs a single compute node: the local version manager
// and its sstable-backed persistence, plus the DDL façade that places
// materialized-view actor graphs. Network transport between meta and
// compute is a non-goal of the core (per spec.md §1), so this single-node
// entrypoint embeds its own pkg/meta.Coordinator rather than dialing a
// separate meta process — the same "touched only at the interface" choice
// spec.md §6 calls for CoordinatorClient/ComputeClient, applied to the
// process boundary itself. A deployment that needs meta and compute split
// across machines would replace the embedded Coordinator with an RPC
// client satisfying the same version.CoordinatorClient/ddl.Catalog
// interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/riverstream/river/pkg/config"
	"github.com/riverstream/river/pkg/ddl"
	"github.com/riverstream/river/pkg/errs"
	"github.com/riverstream/river/pkg/log"
	"github.com/riverstream/river/pkg/meta"
	"github.com/riverstream/river/pkg/sstable"
	"github.com/riverstream/river/pkg/streamgraph"
	"github.com/riverstream/river/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to compute config YAML (defaults applied if empty)")
	metaNodeID  = flag.String("meta-node-id", "meta-embedded", "Node ID for the embedded meta coordinator")
	metaBind    = flag.String("meta-bind-addr", "127.0.0.1:0", "Raft bind address for the embedded meta coordinator")
	metaDataDir = flag.String("meta-data-dir", "./data/meta-embedded", "Data directory for the embedded meta coordinator")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON     = flag.Bool("log-json", false, "Output logs in JSON format")
)

// localComputeClient tracks placed actor graphs in memory. Executing the
// placed dispatchers/operators is out of scope here (spec.md §1 stops at
// "transforms a logical fragment DAG into a sharded actor graph"); this
// client only satisfies ddl.ComputeClient's placement bookkeeping so
// CreateMaterializedView's rollback contract has something real to drop.
type localComputeClient struct {
	mu     sync.Mutex
	placed map[uint64]*streamgraph.ActorGraph
}

func newLocalComputeClient() *localComputeClient {
	return &localComputeClient{placed: make(map[uint64]*streamgraph.ActorGraph)}
}

func (c *localComputeClient) Place(ctx context.Context, mvID uint64, graph *streamgraph.ActorGraph) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.placed[mvID]; exists {
		return errs.New(errs.Conflict, "compute.Place", fmt.Errorf("mv %d already placed", mvID))
	}
	c.placed[mvID] = graph
	return nil
}

func (c *localComputeClient) Drop(ctx context.Context, mvID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.placed, mvID)
	return nil
}

func main() {
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithComponent("cmd/compute")

	cfg := config.DefaultComputeConfig()
	if *configPath != "" {
		loaded, err := config.LoadComputeConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load compute config")
		}
		cfg = loaded
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "compute-1"
	}

	coord, err := meta.New(meta.Config{
		NodeID:   *metaNodeID,
		BindAddr: *metaBind,
		DataDir:  *metaDataDir,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("start embedded meta coordinator")
	}

	store, err := sstable.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open sstable store")
	}

	versionMgr := version.NewManager(version.Config{
		FlushThresholdBytes: cfg.FlushThresholdBytes,
		WriteBlockBytes:     cfg.WriteBlockBytes,
	}, coord)
	versionMgr.SetSSTWriter(store)

	// ddlSvc is what a SQL front-end would drive CREATE/DROP MATERIALIZED
	// VIEW through; that front-end is a non-goal here, so it is only
	// constructed and held, not yet called from this entrypoint.
	ddlSvc := ddl.New(coord, newLocalComputeClient(), coord)

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("data_dir", cfg.DataDir).
		Msg("compute node bootstrapped")
	logger.Debug().Str("ddl_service", fmt.Sprintf("%T", ddlSvc)).Msg("ddl service ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("sstable store close")
	}
	if err := coord.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("coordinator shutdown")
	}
}
