// Package ddl is the stateless façade over the catalog and the fragment-
// to-actor builder: it owns the create/drop materialized-view ordering
// and rollback contract, plus the remaining catalog-only DDL operations.
//
// Grounded on original_source's ddl_service.rs (the create/cancel/finish
// procedure ordering) and the teacher's pkg/manager/manager.go Apply-via-
// raft pattern: every catalog mutation here is a command the real
// implementation would apply through pkg/meta's raft FSM, the same way
// WarrenFSM.Apply switches on command kind.
package ddl

import (
	"context"
	"fmt"

	"github.com/riverstream/river/pkg/streamgraph"
)

// Catalog is the subset of the coordinator's catalog surface DDL needs.
// Every mutating method returns the catalog's new monotone version.
type Catalog interface {
	AllocateMVID(ctx context.Context) (uint64, error)
	StartCreateTableProcedure(ctx context.Context, mvID uint64, dependentRelations []uint64) error
	FinishCreateTableProcedure(ctx context.Context, mvID uint64, mapping []VNodeMapping) (catalogVersion uint64, err error)
	CancelCreateTableProcedure(ctx context.Context, mvID uint64) error

	FinishDropTableProcedure(ctx context.Context, mvID uint64) (catalogVersion uint64, err error)

	CreateSchema(ctx context.Context, databaseID uint64, name string) (resourceID, catalogVersion uint64, err error)
	DropSchema(ctx context.Context, schemaID uint64) (catalogVersion uint64, err error)
	CreateDatabase(ctx context.Context, name string) (resourceID, catalogVersion uint64, err error)
	DropDatabase(ctx context.Context, databaseID uint64) (catalogVersion uint64, err error)
	CreateMaterializedSource(ctx context.Context, schemaID uint64, name string) (resourceID, catalogVersion uint64, err error)
	DropMaterializedSource(ctx context.Context, sourceID uint64) (catalogVersion uint64, err error)
}

// ComputeClient ships an actor graph to compute nodes and tears it down.
type ComputeClient interface {
	Place(ctx context.Context, mvID uint64, graph *streamgraph.ActorGraph) error
	Drop(ctx context.Context, mvID uint64) error
}

// Service is the DDL façade. It holds no mutable state of its own; every
// operation's durable state lives in Catalog.
type Service struct {
	catalog Catalog
	compute ComputeClient
	alloc   streamgraph.Allocator
}

// New builds a DDL service over the given catalog, compute client, and id
// allocator.
func New(catalog Catalog, compute ComputeClient, alloc streamgraph.Allocator) *Service {
	return &Service{catalog: catalog, compute: compute, alloc: alloc}
}

// CreateMVRequest names a materialized view to create.
type CreateMVRequest struct {
	Name       string
	Graph      *streamgraph.Graph
	SchemaID   uint64
	DatabaseID uint64
}

// CreateMaterializedView implements §4.H's 6-step ordering: allocate id →
// compute dependent_relations → reserve catalog ref-counts → build +
// place the actor graph → on success, compute the vnode mapping and
// publish the catalog version; on any failure at step ≥ 4, cancel the
// catalog reservation and drop any compute-node state.
func (s *Service) CreateMaterializedView(ctx context.Context, req CreateMVRequest) (mvID uint64, catalogVersion uint64, err error) {
	mvID, err = s.catalog.AllocateMVID(ctx)
	if err != nil {
		return 0, 0, err
	}

	dependentRelations := dependentRelations(req.Graph)

	if err := s.catalog.StartCreateTableProcedure(ctx, mvID, dependentRelations); err != nil {
		return mvID, 0, err
	}

	actorGraph, err := streamgraph.Build(ctx, req.Graph, s.alloc, req.Name, uint32(req.SchemaID), uint32(req.DatabaseID))
	if err != nil {
		return mvID, 0, s.cancelCreate(ctx, mvID, err, false)
	}

	if err := s.compute.Place(ctx, mvID, actorGraph); err != nil {
		return mvID, 0, s.cancelCreate(ctx, mvID, err, true)
	}

	mapping := computeMVVNodeMappings(actorGraph)
	catalogVersion, err = s.catalog.FinishCreateTableProcedure(ctx, mvID, mapping)
	if err != nil {
		return mvID, 0, s.cancelCreate(ctx, mvID, err, true)
	}
	return mvID, catalogVersion, nil
}

// cancelCreate rolls back a failed create: cancel the catalog's ref-count
// reservation, and — once placement has actually been attempted (stage
// ≥ 4) — drop any partial compute-node state too.
func (s *Service) cancelCreate(ctx context.Context, mvID uint64, cause error, dropCompute bool) error {
	if cancelErr := s.catalog.CancelCreateTableProcedure(ctx, mvID); cancelErr != nil {
		return fmt.Errorf("%w (catalog cancel also failed: %v)", cause, cancelErr)
	}
	if dropCompute {
		if dropErr := s.compute.Drop(ctx, mvID); dropErr != nil {
			return fmt.Errorf("%w (compute drop also failed: %v)", cause, dropErr)
		}
	}
	return cause
}

// DropMaterializedView is the mirror image of create: drop compute-node
// state first, then release the catalog's ref-counts.
func (s *Service) DropMaterializedView(ctx context.Context, mvID uint64) (catalogVersion uint64, err error) {
	if err := s.compute.Drop(ctx, mvID); err != nil {
		return 0, err
	}
	return s.catalog.FinishDropTableProcedure(ctx, mvID)
}

// dependentRelations walks a fragment DAG's plan trees and collects the
// distinct set of upstream relation ids a new MV reads from (§4.H step 2).
func dependentRelations(graph *streamgraph.Graph) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	var walk func(n *streamgraph.PlanNode)
	walk = func(n *streamgraph.PlanNode) {
		if n == nil {
			return
		}
		if n.Kind == streamgraph.PlanScan && !seen[n.ScanRelationID] {
			seen[n.ScanRelationID] = true
			out = append(out, n.ScanRelationID)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for i := range graph.Fragments {
		walk(graph.Fragments[i].Plan)
	}
	return out
}

// Passthrough non-MV DDL. Each wraps the catalog 1:1; DDL has no
// ordering/rollback contract of its own for these since they are single
// catalog mutations, not multi-stage compute-node placements.

func (s *Service) CreateSchema(ctx context.Context, databaseID uint64, name string) (uint64, uint64, error) {
	return s.catalog.CreateSchema(ctx, databaseID, name)
}

func (s *Service) DropSchema(ctx context.Context, schemaID uint64) (uint64, error) {
	return s.catalog.DropSchema(ctx, schemaID)
}

func (s *Service) CreateDatabase(ctx context.Context, name string) (uint64, uint64, error) {
	return s.catalog.CreateDatabase(ctx, name)
}

func (s *Service) DropDatabase(ctx context.Context, databaseID uint64) (uint64, error) {
	return s.catalog.DropDatabase(ctx, databaseID)
}

func (s *Service) CreateMaterializedSource(ctx context.Context, schemaID uint64, name string) (uint64, uint64, error) {
	return s.catalog.CreateMaterializedSource(ctx, schemaID, name)
}

func (s *Service) DropMaterializedSource(ctx context.Context, sourceID uint64) (uint64, error) {
	return s.catalog.DropMaterializedSource(ctx, sourceID)
}
