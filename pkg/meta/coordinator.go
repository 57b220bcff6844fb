package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/riverstream/river/pkg/ddl"
	"github.com/riverstream/river/pkg/errs"
	"github.com/riverstream/river/pkg/log"
	"github.com/riverstream/river/pkg/sharedbuffer"
	"github.com/riverstream/river/pkg/streamgraph"
	"github.com/riverstream/river/pkg/version"
)

// Config configures a single meta coordinator node. Grounded on the
// teacher's manager.Config (NodeID/BindAddr/DataDir, nothing more).
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// applyTimeout bounds how long a raft.Apply future is awaited; grounded on
// the teacher's use of fixed multi-second raft timeouts throughout
// manager.go.
const applyTimeout = 5 * time.Second

// Coordinator is the meta node: a raft group replicating catalogState,
// fronted by the Allocator/Catalog/CoordinatorClient interfaces the rest
// of the engine depends on.
type Coordinator struct {
	nodeID string
	raft   *raft.Raft
	fsm    *FSM
}

// New constructs and bootstraps a single-node raft cluster rooted at
// cfg.DataDir, exactly mirroring the teacher's Manager.Bootstrap sequence:
// TCP transport, file snapshot store, boltdb log/stable stores, then a
// one-member BootstrapCluster call.
func New(cfg Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("meta: create data dir: %w", err)
	}

	fsm := NewFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("meta: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("meta: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("meta: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("meta: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("meta: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("meta: create raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("meta: bootstrap cluster: %w", err)
	}

	c := &Coordinator{nodeID: cfg.NodeID, raft: r, fsm: fsm}
	c.waitForLeader()
	return c, nil
}

// waitForLeader blocks briefly until this single-node cluster elects
// itself leader, so the first Apply call after New doesn't race the
// election.
func (c *Coordinator) waitForLeader() {
	deadline := time.Now().Add(applyTimeout)
	for time.Now().Before(deadline) {
		if c.raft.State() == raft.Leader {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.WithComponent("meta").Warn().Msg("coordinator: leader election did not complete within timeout")
}

// apply marshals cmd, replicates it through raft, and unmarshals the FSM's
// applyResult. Every mutating Coordinator method goes through this so
// catalog state changes are linearized the same way regardless of which
// node receives the request.
func (c *Coordinator) apply(ctx context.Context, op string, payload interface{}) (applyResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return applyResult{}, errs.New(errs.Codec, "meta.apply", err)
	}
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return applyResult{}, errs.New(errs.Codec, "meta.apply", err)
	}

	future := c.raft.Apply(cmdData, applyTimeout)
	if err := future.Error(); err != nil {
		return applyResult{}, errs.New(errs.Store, "meta.apply", err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, errs.New(errs.Store, "meta.apply", fmt.Errorf("unexpected FSM response type %T", future.Response()))
	}
	if res.Err != "" {
		return applyResult{}, errs.New(errs.InvalidArgument, "meta.apply:"+op, fmt.Errorf("%s", res.Err))
	}
	return res, nil
}

// --- streamgraph.Allocator ---

var _ streamgraph.Allocator = (*Coordinator)(nil)

// Reserve implements streamgraph.Allocator.
func (c *Coordinator) Reserve(ctx context.Context, kind streamgraph.IDKind, count int) (uint32, error) {
	res, err := c.apply(ctx, opReserveIDs, struct {
		Kind  streamgraph.IDKind
		Count int
	}{kind, count})
	if err != nil {
		return 0, err
	}
	return res.Offset, nil
}

// --- ddl.Catalog ---

var _ ddl.Catalog = (*Coordinator)(nil)

func (c *Coordinator) AllocateMVID(ctx context.Context) (uint64, error) {
	res, err := c.apply(ctx, opAllocateMVID, struct{}{})
	if err != nil {
		return 0, err
	}
	return res.MVID, nil
}

func (c *Coordinator) StartCreateTableProcedure(ctx context.Context, mvID uint64, dependentRelations []uint64) error {
	_, err := c.apply(ctx, opStartCreateTable, struct {
		MVID               uint64
		Name               string
		DependentRelations []uint64
	}{mvID, fmt.Sprintf("mv_%d", mvID), dependentRelations})
	return err
}

func (c *Coordinator) FinishCreateTableProcedure(ctx context.Context, mvID uint64, mapping []ddl.VNodeMapping) (uint64, error) {
	res, err := c.apply(ctx, opFinishCreateTable, struct {
		MVID    uint64
		Mapping []ddl.VNodeMapping
	}{mvID, mapping})
	if err != nil {
		return 0, err
	}
	return res.CatalogVersion, nil
}

func (c *Coordinator) CancelCreateTableProcedure(ctx context.Context, mvID uint64) error {
	_, err := c.apply(ctx, opCancelCreateTable, struct{ MVID uint64 }{mvID})
	return err
}

func (c *Coordinator) FinishDropTableProcedure(ctx context.Context, mvID uint64) (uint64, error) {
	res, err := c.apply(ctx, opFinishDropTable, struct{ MVID uint64 }{mvID})
	if err != nil {
		return 0, err
	}
	return res.CatalogVersion, nil
}

func (c *Coordinator) CreateSchema(ctx context.Context, databaseID uint64, name string) (uint64, uint64, error) {
	res, err := c.apply(ctx, opCreateSchema, struct {
		DatabaseID uint64
		Name       string
	}{databaseID, name})
	if err != nil {
		return 0, 0, err
	}
	return res.ResourceID, res.CatalogVersion, nil
}

func (c *Coordinator) DropSchema(ctx context.Context, schemaID uint64) (uint64, error) {
	res, err := c.apply(ctx, opDropSchema, struct{ SchemaID uint64 }{schemaID})
	if err != nil {
		return 0, err
	}
	return res.CatalogVersion, nil
}

func (c *Coordinator) CreateDatabase(ctx context.Context, name string) (uint64, uint64, error) {
	res, err := c.apply(ctx, opCreateDatabase, struct{ Name string }{name})
	if err != nil {
		return 0, 0, err
	}
	return res.ResourceID, res.CatalogVersion, nil
}

func (c *Coordinator) DropDatabase(ctx context.Context, databaseID uint64) (uint64, error) {
	res, err := c.apply(ctx, opDropDatabase, struct{ DatabaseID uint64 }{databaseID})
	if err != nil {
		return 0, err
	}
	return res.CatalogVersion, nil
}

func (c *Coordinator) CreateMaterializedSource(ctx context.Context, schemaID uint64, name string) (uint64, uint64, error) {
	res, err := c.apply(ctx, opCreateMaterializedSource, struct {
		SchemaID uint64
		Name     string
	}{schemaID, name})
	if err != nil {
		return 0, 0, err
	}
	return res.ResourceID, res.CatalogVersion, nil
}

func (c *Coordinator) DropMaterializedSource(ctx context.Context, sourceID uint64) (uint64, error) {
	res, err := c.apply(ctx, opDropMaterializedSource, struct{ SourceID uint64 }{sourceID})
	if err != nil {
		return 0, err
	}
	return res.CatalogVersion, nil
}

// --- version.CoordinatorClient ---

var _ version.CoordinatorClient = (*Coordinator)(nil)

// PinVersion returns the current version directly from FSM state: a pin
// is a read, not a catalog mutation, so it doesn't need to go through
// raft for linearizability against other pins.
func (c *Coordinator) PinVersion(ctx context.Context, lastPinned uint64) (*version.Version, error) {
	s := c.fsm.snapshotState()
	return s.CurrentVersion, nil
}

func (c *Coordinator) UnpinVersion(ctx context.Context, versionIDs []uint64) error {
	_, err := c.apply(ctx, opUnpinVersion, struct{ VersionIDs []uint64 }{versionIDs})
	return err
}

func (c *Coordinator) AddTables(ctx context.Context, contextID uint64, ssts []sharedbuffer.SSTInfo, epoch uint64) (*version.Version, error) {
	runs := make([]version.SortedRun, len(ssts))
	for i, info := range ssts {
		runs[i] = version.SortedRun{ID: info.ID, KeyRangeMin: info.MinKey, KeyRangeMax: info.MaxKey, FileSize: int64(info.ByteSize)}
	}
	res, err := c.apply(ctx, opAddTables, struct {
		SSTs  []version.SortedRun
		Epoch uint64
	}{runs, epoch})
	if err != nil {
		return nil, err
	}
	return res.Version, nil
}

func (c *Coordinator) CommitEpoch(ctx context.Context, epoch uint64) error {
	_, err := c.apply(ctx, opCommitEpoch, struct {
		ContextID uint64
		Epoch     uint64
	}{0, epoch})
	return err
}

// Shutdown gracefully stops this node's raft participation.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}
