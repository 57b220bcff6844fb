// Package streamgraph lowers a fragment DAG (one stream plan tree per
// fragment, a distribution flag, a parallelism hint, dispatch-typed edges)
// into a sharded actor graph: per-fragment actor ids, downstream
// dispatchers wired to global actor ids, and a rewritten plan tree per
// actor with exchange/table-id placeholders filled in.
//
// Grounded on original_source's stream_graph.rs (the id-allocation →
// topological-order → per-fragment-lowering → build_inner pipeline) and
// the teacher's pkg/scheduler.go control-flow shape (list → filter →
// assign loop), generalized from container placement to actor placement.
package streamgraph

import "fmt"

// DispatchKind is an edge's dispatch strategy.
type DispatchKind uint8

const (
	DispatchHash DispatchKind = iota
	DispatchBroadcast
	DispatchSimple
	DispatchNoShuffle
)

func (k DispatchKind) String() string {
	switch k {
	case DispatchHash:
		return "hash"
	case DispatchBroadcast:
		return "broadcast"
	case DispatchSimple:
		return "simple"
	case DispatchNoShuffle:
		return "no_shuffle"
	default:
		return "unknown"
	}
}

// Distribution is a fragment's placement flag.
type Distribution uint8

const (
	DistributionHash Distribution = iota
	DistributionSingleton
)

// FragmentID, ActorID and TableID are local ids before global-offset
// conversion; after Build runs they hold the converted (global) value.
type FragmentID uint32
type ActorID uint32
type TableID uint32

// PlanNodeKind tags a stream plan node for the rewrite pass. Grounded on
// §9's "deep inheritance in plan nodes" redesign note: one closed sum
// instead of a node class hierarchy.
type PlanNodeKind uint8

const (
	PlanOther PlanNodeKind = iota
	PlanExchange
	PlanMerge
	PlanHashJoin
	PlanLookup
	PlanArrange
	PlanTopN
	PlanAppendOnlyTopN
	PlanHashAgg
	PlanGlobalSimpleAgg
	PlanLocalSimpleAgg
	PlanChain
	PlanBatchPlan
	// PlanScan is a source/table scan leaf, carrying the upstream
	// relation id pkg/ddl walks the plan for when computing a new MV's
	// dependent_relations set.
	PlanScan
)

// PlanNode is one node of a fragment's stream plan tree.
type PlanNode struct {
	Kind     PlanNodeKind
	Children []*PlanNode

	// PlanExchange: which downstream-bound edge this exchange corresponds
	// to, by link id; filled into the matching PlanMerge's UpstreamActorIDs
	// during rewriting.
	ExchangeLinkID uint64

	// PlanMerge: the actor ids this merge reads from. Left nil
	// (deferred) for a ChainNode's embedded merge, per §4.G step 4's
	// "filled by the stream manager after upstream MV placement".
	UpstreamActorIDs []ActorID

	// PlanHashJoin: left/right internal table ids plus naming/catalog
	// context, stamped during rewriting.
	LeftTableID, RightTableID     TableID
	LeftTableName, RightTableName string
	SchemaID, DatabaseID          uint32

	// PlanLookup/Arrange/TopN/AppendOnlyTopN: the node's own internal
	// table id(s), stamped during rewriting.
	TableIDs []TableID

	// PlanHashAgg/GlobalSimpleAgg/LocalSimpleAgg: one internal table per
	// agg call; AggCallCount must equal len(TableIDs) after stamping.
	AggCallCount int

	// PlanScan: the relation id this leaf reads from.
	ScanRelationID uint64
}

func (n *PlanNode) clone() *PlanNode {
	cp := *n
	cp.Children = make([]*PlanNode, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = c.clone()
	}
	cp.TableIDs = append([]TableID(nil), n.TableIDs...)
	cp.UpstreamActorIDs = append([]ActorID(nil), n.UpstreamActorIDs...)
	return &cp
}

// Edge is one dispatch-typed connection from Upstream to Downstream.
type Edge struct {
	LinkID         uint64
	Dispatch       DispatchKind
	HashColumns    []int
	SameWorkerNode bool
	Upstream       FragmentID
	Downstream     FragmentID
}

// Fragment is one node of the input DAG.
type Fragment struct {
	ID              FragmentID
	Plan            *PlanNode
	Distribution    Distribution
	Parallelism     int
	DownstreamEdges []Edge // edges from this fragment to its downstreams
}

// Graph is the input fragment DAG.
type Graph struct {
	Fragments []Fragment
}

// InvalidGraphError marks a fragment set that fails a build-time
// assertion: a cycle, a NoShuffle parallelism mismatch, a non-NoShuffle
// edge claiming same_worker_node, or an agg-call/internal-table mismatch.
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string { return fmt.Sprintf("invalid graph: %s", e.Reason) }

func invalidGraph(format string, args ...interface{}) error {
	return &InvalidGraphError{Reason: fmt.Sprintf(format, args...)}
}

// Dispatcher is one actor's downstream wiring for one edge.
type Dispatcher struct {
	LinkID             uint64
	Kind               DispatchKind
	DownstreamActorIDs []ActorID
	SameWorkerNode     bool
}

// Actor is one lowered unit of execution: a global id, its local plan
// tree (with exchanges/table-ids rewritten), its downstream dispatchers,
// and the upstream actor ids it consumes from.
type Actor struct {
	ID               ActorID
	FragmentID       FragmentID
	Plan             *PlanNode
	Dispatchers      []Dispatcher
	UpstreamActorIDs []ActorID
	// UpstreamByLink maps an incoming edge's link id to the upstream
	// actor ids feeding this actor over that link, so the rewrite pass
	// can fill each PlanExchange/PlanMerge node with the right subset.
	UpstreamByLink map[uint64][]ActorID
}

// ActorGraph is streamgraph.Build's output: every fragment's actors,
// plus the id-allocation bookkeeping a caller needs to persist.
type ActorGraph struct {
	Actors            []Actor
	FragmentIDOffset  uint32
	ActorIDOffset     uint32
	TableIDOffset     uint32
	FragmentIDByLocal map[FragmentID]FragmentID // local -> global
}
