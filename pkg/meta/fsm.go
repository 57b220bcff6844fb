// Package meta is the central coordinator: catalog storage, fragment/
// actor/table id allocation, and the raft-replicated version chain
// compute nodes pin against. It is the "coordinator" side of every
// interface pkg/version, pkg/streamgraph, and pkg/ddl define as a seam.
//
// Grounded on the teacher's pkg/manager/manager.go (a raft.Raft wrapped in
// a Manager struct, bootstrapped single-node for local runs) and
// pkg/manager/fsm.go (a Command{Op, Data} envelope dispatched through one
// big Apply switch, snapshotted/restored as one JSON blob) — the same
// shape, generalized from container/service/task/secret/volume/network
// records to catalog/version records.
package meta

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/riverstream/river/pkg/ddl"
	"github.com/riverstream/river/pkg/streamgraph"
	"github.com/riverstream/river/pkg/version"
)

// Command is one raft log entry: an operation name plus its json-encoded
// argument payload, mirroring the teacher's WarrenFSM.Command envelope.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opReserveIDs               = "reserve_ids"
	opAllocateMVID             = "allocate_mv_id"
	opStartCreateTable         = "start_create_table"
	opFinishCreateTable        = "finish_create_table"
	opCancelCreateTable        = "cancel_create_table"
	opFinishDropTable          = "finish_drop_table"
	opCreateSchema             = "create_schema"
	opDropSchema               = "drop_schema"
	opCreateDatabase           = "create_database"
	opDropDatabase             = "drop_database"
	opCreateMaterializedSource = "create_materialized_source"
	opDropMaterializedSource   = "drop_materialized_source"
	opAddTables                = "add_tables"
	opCommitEpoch              = "commit_epoch"
	opUnpinVersion             = "unpin_version"
)

// tableState is one materialized view's catalog row.
type tableState struct {
	ID                  uint64
	Name                string
	State               streamgraph.MVState
	DependentRelations  []uint64
	VNodeMapping        []ddl.VNodeMapping
}

// namedResource is the catalog row shape shared by schemas, databases, and
// materialized sources: an id and a name, nothing more is needed for this
// engine's scope.
type namedResource struct {
	ID         uint64
	Name       string
	DatabaseID uint64 // schemas only
	SchemaID   uint64 // materialized sources only
}

// catalogState is the FSM's entire durable state, encoded whole for
// Snapshot/Restore exactly like the teacher's WarrenSnapshot.
type catalogState struct {
	NextFragmentID uint64
	NextActorID    uint64
	NextTableID    uint64
	NextMVID       uint64
	NextResourceID uint64
	CatalogVersion uint64

	Tables             map[uint64]*tableState
	Schemas            map[uint64]*namedResource
	Databases          map[uint64]*namedResource
	MaterializedSources map[uint64]*namedResource
	RelationRefCounts  map[uint64]int

	CurrentVersion *version.Version
	NextVersionID  uint64
	LastCommitted  map[uint64]uint64 // contextID -> last committed epoch
}

func newCatalogState() *catalogState {
	return &catalogState{
		NextMVID:       1,
		NextResourceID: 1,
		NextVersionID:  1,
		Tables:              map[uint64]*tableState{},
		Schemas:             map[uint64]*namedResource{},
		Databases:           map[uint64]*namedResource{},
		MaterializedSources: map[uint64]*namedResource{},
		RelationRefCounts:   map[uint64]int{},
		CurrentVersion:      &version.Version{},
		LastCommitted:       map[uint64]uint64{},
	}
}

// FSM implements raft.FSM over catalogState.
type FSM struct {
	mu    sync.RWMutex
	state *catalogState
}

// NewFSM builds an empty FSM.
func NewFSM() *FSM {
	return &FSM{state: newCatalogState()}
}

// snapshotState returns a deep-enough copy of the current state for a read-only
// caller (Coordinator's non-mutating reads take this path instead of going
// through raft, since they don't need linearizable ordering against other
// reads).
func (f *FSM) snapshotState() *catalogState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := json.Marshal(f.state)
	if err != nil {
		panic(fmt.Sprintf("meta: snapshotState marshal: %v", err))
	}
	var cp catalogState
	if err := json.Unmarshal(data, &cp); err != nil {
		panic(fmt.Sprintf("meta: snapshotState unmarshal: %v", err))
	}
	return &cp
}

// applyResult is what Apply returns for every op: either a typed payload
// or an error, inspected by the Coordinator method that issued the command.
type applyResult struct {
	Offset         uint32 `json:"offset,omitempty"`
	MVID           uint64 `json:"mv_id,omitempty"`
	ResourceID     uint64 `json:"resource_id,omitempty"`
	CatalogVersion uint64 `json:"catalog_version,omitempty"`
	Version        *version.Version `json:"version,omitempty"`
	Err            string `json:"err,omitempty"`
}

func errResult(err error) applyResult { return applyResult{Err: err.Error()} }

// Apply applies one committed raft log entry to the catalog state.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return errResult(fmt.Errorf("unmarshal command: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state

	switch cmd.Op {
	case opReserveIDs:
		var req struct {
			Kind  streamgraph.IDKind
			Count int
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		var offset uint64
		switch req.Kind {
		case streamgraph.IDKindFragment:
			offset = s.NextFragmentID
			s.NextFragmentID += uint64(req.Count)
		case streamgraph.IDKindActor:
			offset = s.NextActorID
			s.NextActorID += uint64(req.Count)
		case streamgraph.IDKindTable:
			offset = s.NextTableID
			s.NextTableID += uint64(req.Count)
		default:
			return errResult(fmt.Errorf("reserve_ids: unknown id kind %d", req.Kind))
		}
		return applyResult{Offset: uint32(offset)}

	case opAllocateMVID:
		id := s.NextMVID
		s.NextMVID++
		return applyResult{MVID: id}

	case opStartCreateTable:
		var req struct {
			MVID               uint64
			Name               string
			DependentRelations []uint64
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		if _, exists := s.Tables[req.MVID]; exists {
			return errResult(fmt.Errorf("start_create_table: mv %d already exists", req.MVID))
		}
		s.Tables[req.MVID] = &tableState{
			ID: req.MVID, Name: req.Name, State: streamgraph.MVCreating,
			DependentRelations: req.DependentRelations,
		}
		for _, rel := range req.DependentRelations {
			s.RelationRefCounts[rel]++
		}
		return applyResult{}

	case opFinishCreateTable:
		var req struct {
			MVID    uint64
			Mapping []ddl.VNodeMapping
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		t, ok := s.Tables[req.MVID]
		if !ok {
			return errResult(fmt.Errorf("finish_create_table: unknown mv %d", req.MVID))
		}
		placed, err := streamgraph.AdvanceOnGraphGenerated(t.State)
		if err != nil {
			return errResult(err)
		}
		running, err := streamgraph.AdvanceOnComputeAck(placed)
		if err != nil {
			return errResult(err)
		}
		t.State = running
		t.VNodeMapping = req.Mapping
		s.CatalogVersion++
		return applyResult{CatalogVersion: s.CatalogVersion}

	case opCancelCreateTable:
		var req struct{ MVID uint64 }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		t, ok := s.Tables[req.MVID]
		if !ok {
			return applyResult{} // idempotent: already gone
		}
		for _, rel := range t.DependentRelations {
			s.RelationRefCounts[rel]--
			if s.RelationRefCounts[rel] <= 0 {
				delete(s.RelationRefCounts, rel)
			}
		}
		delete(s.Tables, req.MVID)
		return applyResult{}

	case opFinishDropTable:
		var req struct{ MVID uint64 }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		t, ok := s.Tables[req.MVID]
		if !ok {
			return errResult(fmt.Errorf("finish_drop_table: unknown mv %d", req.MVID))
		}
		for _, rel := range t.DependentRelations {
			s.RelationRefCounts[rel]--
			if s.RelationRefCounts[rel] <= 0 {
				delete(s.RelationRefCounts, rel)
			}
		}
		delete(s.Tables, req.MVID)
		s.CatalogVersion++
		return applyResult{CatalogVersion: s.CatalogVersion}

	case opCreateSchema:
		var req struct {
			DatabaseID uint64
			Name       string
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		id := s.NextResourceID
		s.NextResourceID++
		s.Schemas[id] = &namedResource{ID: id, Name: req.Name, DatabaseID: req.DatabaseID}
		s.CatalogVersion++
		return applyResult{ResourceID: id, CatalogVersion: s.CatalogVersion}

	case opDropSchema:
		var req struct{ SchemaID uint64 }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		delete(s.Schemas, req.SchemaID)
		s.CatalogVersion++
		return applyResult{CatalogVersion: s.CatalogVersion}

	case opCreateDatabase:
		var req struct{ Name string }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		id := s.NextResourceID
		s.NextResourceID++
		s.Databases[id] = &namedResource{ID: id, Name: req.Name}
		s.CatalogVersion++
		return applyResult{ResourceID: id, CatalogVersion: s.CatalogVersion}

	case opDropDatabase:
		var req struct{ DatabaseID uint64 }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		delete(s.Databases, req.DatabaseID)
		s.CatalogVersion++
		return applyResult{CatalogVersion: s.CatalogVersion}

	case opCreateMaterializedSource:
		var req struct {
			SchemaID uint64
			Name     string
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		id := s.NextResourceID
		s.NextResourceID++
		s.MaterializedSources[id] = &namedResource{ID: id, Name: req.Name, SchemaID: req.SchemaID}
		s.CatalogVersion++
		return applyResult{ResourceID: id, CatalogVersion: s.CatalogVersion}

	case opDropMaterializedSource:
		var req struct{ SourceID uint64 }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		delete(s.MaterializedSources, req.SourceID)
		s.CatalogVersion++
		return applyResult{CatalogVersion: s.CatalogVersion}

	case opAddTables:
		var req struct {
			SSTs  []version.SortedRun
			Epoch uint64
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		next := &version.Version{
			ID:             s.NextVersionID,
			CommittedEpoch: req.Epoch,
			SafeEpoch:      s.CurrentVersion.SafeEpoch,
			Levels:         append(cloneLevels(s.CurrentVersion.Levels), version.Level{Runs: req.SSTs}),
		}
		s.NextVersionID++
		s.CurrentVersion = next
		return applyResult{Version: next}

	case opCommitEpoch:
		var req struct {
			ContextID uint64
			Epoch     uint64
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errResult(err)
		}
		s.LastCommitted[req.ContextID] = req.Epoch
		if req.Epoch > s.CurrentVersion.SafeEpoch {
			s.CurrentVersion.SafeEpoch = req.Epoch
		}
		return applyResult{}

	case opUnpinVersion:
		// Ref-counting across compute nodes is a coordinator-local
		// bookkeeping concern this engine doesn't model further than
		// accepting the request; nothing in catalogState needs updating.
		return applyResult{}

	default:
		return errResult(fmt.Errorf("unknown command: %s", cmd.Op))
	}
}

func cloneLevels(levels []version.Level) []version.Level {
	out := make([]version.Level, len(levels))
	for i, l := range levels {
		out[i] = version.Level{Runs: append([]version.SortedRun(nil), l.Runs...)}
	}
	return out
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.snapshotState()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var s catalogState
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return fmt.Errorf("meta: restore decode: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = &s
	return nil
}

type fsmSnapshot struct {
	state *catalogState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
