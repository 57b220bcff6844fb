package streamgraph

import "context"

// IDKind selects which contiguous id space Allocator.Reserve draws from.
type IDKind uint8

const (
	IDKindFragment IDKind = iota
	IDKindActor
	IDKindTable
)

// Allocator reserves a contiguous block of count ids from kind's space and
// returns the block's starting offset. Grounded on §4.G step 1: "reserve a
// contiguous block of fragment IDs, actor IDs, and internal-table IDs from
// the coordinator."
type Allocator interface {
	Reserve(ctx context.Context, kind IDKind, count int) (offset uint32, err error)
}

// countInternalTables walks a fragment's plan tree and counts how many
// internal-table ids it will need once rewritten: 2 for a HashJoinNode,
// len(TableIDs) for Lookup/Arrange/TopN/AppendOnlyTopN (recorded by the
// planner as placeholder slots before allocation), and AggCallCount for
// the Agg variants.
func countInternalTables(n *PlanNode) int {
	if n == nil {
		return 0
	}
	total := 0
	switch n.Kind {
	case PlanHashJoin:
		total += 2
	case PlanLookup, PlanArrange, PlanTopN, PlanAppendOnlyTopN:
		total += len(n.TableIDs)
	case PlanHashAgg, PlanGlobalSimpleAgg, PlanLocalSimpleAgg:
		total += n.AggCallCount
	}
	for _, c := range n.Children {
		total += countInternalTables(c)
	}
	return total
}

// Build lowers graph into an ActorGraph: id allocation, topological-order
// validation, per-fragment actor allocation and edge wiring, and plan
// rewriting (build_inner), per §4.G.
func Build(ctx context.Context, graph *Graph, alloc Allocator, mvName string, schemaID, databaseID uint32) (*ActorGraph, error) {
	fragOffset, err := alloc.Reserve(ctx, IDKindFragment, len(graph.Fragments))
	if err != nil {
		return nil, err
	}

	totalActors := 0
	totalTables := 0
	for _, f := range graph.Fragments {
		totalActors += f.Parallelism
		totalTables += countInternalTables(f.Plan)
	}
	actorOffset, err := alloc.Reserve(ctx, IDKindActor, totalActors)
	if err != nil {
		return nil, err
	}
	tableOffset, err := alloc.Reserve(ctx, IDKindTable, totalTables)
	if err != nil {
		return nil, err
	}

	byLocal := make(map[FragmentID]*Fragment, len(graph.Fragments))
	globalID := make(map[FragmentID]FragmentID, len(graph.Fragments))
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		byLocal[f.ID] = f
		globalID[f.ID] = FragmentID(uint32(f.ID) + fragOffset)
	}

	order, err := topologicalOrder(graph)
	if err != nil {
		return nil, err
	}

	actorIDs := make(map[FragmentID][]ActorID, len(graph.Fragments))
	nextActor := actorOffset
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		ids := make([]ActorID, f.Parallelism)
		for j := range ids {
			ids[j] = ActorID(nextActor)
			nextActor++
		}
		actorIDs[f.ID] = ids
	}

	actors := make(map[ActorID]*Actor, totalActors)
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		for _, aid := range actorIDs[f.ID] {
			actors[aid] = &Actor{ID: aid, FragmentID: globalID[f.ID], Plan: f.Plan.clone()}
		}
	}

	// Wire edges in topological order (sinks first) so that, when an
	// upstream fragment's edge is wired, the downstream fragment's actor
	// ids are already known.
	wired := make(map[FragmentID]bool, len(graph.Fragments))
	for _, fid := range order {
		wired[fid] = true
	}
	for _, fid := range order {
		f := byLocal[fid]
		for _, e := range f.DownstreamEdges {
			if err := wireEdge(f, byLocal[e.Downstream], e, actorIDs, actors); err != nil {
				return nil, err
			}
		}
	}

	nextTable := tableOffset
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		for _, aid := range actorIDs[f.ID] {
			a := actors[aid]
			if err := rewritePlan(a.Plan, a.UpstreamByLink, &nextTable, mvName, schemaID, databaseID); err != nil {
				return nil, err
			}
		}
	}

	out := make([]Actor, 0, totalActors)
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		for _, aid := range actorIDs[f.ID] {
			out = append(out, *actors[aid])
		}
	}

	byLocalOut := make(map[FragmentID]FragmentID, len(globalID))
	for k, v := range globalID {
		byLocalOut[k] = v
	}

	return &ActorGraph{
		Actors:            out,
		FragmentIDOffset:  fragOffset,
		ActorIDOffset:     actorOffset,
		TableIDOffset:     tableOffset,
		FragmentIDByLocal: byLocalOut,
	}, nil
}

// topologicalOrder implements §4.G step 2: a queue of zero-downstream
// fragments, decrementing upstream neighbours' downstream counts as each
// fragment finishes; a nonzero leftover count means the graph is not a DAG.
func topologicalOrder(graph *Graph) ([]FragmentID, error) {
	downstreamCount := make(map[FragmentID]int, len(graph.Fragments))
	upstreamOf := make(map[FragmentID][]FragmentID, len(graph.Fragments))
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		seen := make(map[FragmentID]bool)
		for _, e := range f.DownstreamEdges {
			if !seen[e.Downstream] {
				seen[e.Downstream] = true
				downstreamCount[f.ID]++
				upstreamOf[e.Downstream] = append(upstreamOf[e.Downstream], f.ID)
			}
		}
	}

	var queue []FragmentID
	for i := range graph.Fragments {
		f := &graph.Fragments[i]
		if downstreamCount[f.ID] == 0 {
			queue = append(queue, f.ID)
		}
	}

	var order []FragmentID
	remaining := make(map[FragmentID]int, len(downstreamCount))
	for k, v := range downstreamCount {
		remaining[k] = v
	}
	for len(queue) > 0 {
		fid := queue[0]
		queue = queue[1:]
		order = append(order, fid)
		for _, u := range upstreamOf[fid] {
			remaining[u]--
			if remaining[u] == 0 {
				queue = append(queue, u)
			}
		}
	}

	if len(order) != len(graph.Fragments) {
		return nil, invalidGraph("fragment graph is not a DAG: %d of %d fragments reachable from sinks", len(order), len(graph.Fragments))
	}
	return order, nil
}

// wireEdge implements §4.G step 3: NoShuffle pairs actors 1:1 and requires
// equal parallelism; every other dispatch kind connects all upstream
// actors to all downstream actors and must not claim same_worker_node
// (the resolved OQ2 decision).
func wireEdge(upstream, downstream *Fragment, e Edge, actorIDs map[FragmentID][]ActorID, actors map[ActorID]*Actor) error {
	up := actorIDs[upstream.ID]
	down := actorIDs[downstream.ID]

	if e.Dispatch == DispatchNoShuffle {
		if len(up) != len(down) {
			return invalidGraph("NoShuffle edge %d requires equal parallelism, got %d and %d", e.LinkID, len(up), len(down))
		}
		for i := range up {
			attachDispatcher(actors[up[i]], e, []ActorID{down[i]})
			linkUpstream(actors[down[i]], e.LinkID, up[i])
		}
		return nil
	}

	if e.SameWorkerNode {
		return invalidGraph("edge %d: same_worker_node is only valid on NoShuffle edges", e.LinkID)
	}
	for _, u := range up {
		attachDispatcher(actors[u], e, append([]ActorID(nil), down...))
	}
	for _, d := range down {
		linkUpstream(actors[d], e.LinkID, up...)
	}
	return nil
}

func linkUpstream(a *Actor, linkID uint64, upstream ...ActorID) {
	if a.UpstreamByLink == nil {
		a.UpstreamByLink = make(map[uint64][]ActorID)
	}
	a.UpstreamByLink[linkID] = append(a.UpstreamByLink[linkID], upstream...)
	a.UpstreamActorIDs = append(a.UpstreamActorIDs, upstream...)
}

func attachDispatcher(a *Actor, e Edge, downstream []ActorID) {
	a.Dispatchers = append(a.Dispatchers, Dispatcher{
		LinkID:             e.LinkID,
		Kind:               e.Dispatch,
		DownstreamActorIDs: downstream,
		SameWorkerNode:     e.SameWorkerNode,
	})
}
