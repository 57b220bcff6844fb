package streamgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	next map[IDKind]uint32
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: map[IDKind]uint32{}}
}

func (a *fakeAllocator) Reserve(ctx context.Context, kind IDKind, count int) (uint32, error) {
	offset := a.next[kind]
	a.next[kind] = offset + uint32(count)
	return offset, nil
}

func leaf() *PlanNode { return &PlanNode{Kind: PlanOther} }

func exchangeWrapper(linkID uint64) *PlanNode {
	return &PlanNode{Kind: PlanOther, Children: []*PlanNode{{Kind: PlanExchange, ExchangeLinkID: linkID}}}
}

// TestScenarioS2HashDispatch23 is the literal S-2 scenario: 2 upstream
// actors hash-dispatch to 3 downstream actors, m×n.
func TestScenarioS2HashDispatch23(t *testing.T) {
	const linkID = uint64(42)
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: leaf(), Parallelism: 2, DownstreamEdges: []Edge{
			{LinkID: linkID, Dispatch: DispatchHash, HashColumns: []int{0}, Upstream: 0, Downstream: 1},
		}},
		{ID: 1, Plan: exchangeWrapper(linkID), Parallelism: 3},
	}}

	ag, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.NoError(t, err)
	require.Len(t, ag.Actors, 5)

	byID := map[ActorID]*Actor{}
	for i := range ag.Actors {
		byID[ag.Actors[i].ID] = &ag.Actors[i]
	}

	a11, a12 := byID[0], byID[1]
	a21, a22, a23 := byID[2], byID[3], byID[4]

	for _, up := range []*Actor{a11, a12} {
		require.Len(t, up.Dispatchers, 1)
		require.Equal(t, linkID, up.Dispatchers[0].LinkID)
		require.Equal(t, DispatchHash, up.Dispatchers[0].Kind)
		require.Equal(t, []ActorID{2, 3, 4}, up.Dispatchers[0].DownstreamActorIDs)
		require.False(t, up.Dispatchers[0].SameWorkerNode)
	}

	for _, down := range []*Actor{a21, a22, a23} {
		require.Equal(t, []ActorID{0, 1}, down.UpstreamActorIDs)
		require.Len(t, down.Plan.Children, 1)
		require.Equal(t, PlanMerge, down.Plan.Children[0].Kind)
		require.Equal(t, []ActorID{0, 1}, down.Plan.Children[0].UpstreamActorIDs)
	}
}

// TestTopologicalOrderDetectsCycle is half of Testable Property 5: a
// non-DAG input returns InvalidGraphError.
func TestTopologicalOrderDetectsCycle(t *testing.T) {
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: leaf(), Parallelism: 1, DownstreamEdges: []Edge{
			{LinkID: 1, Dispatch: DispatchSimple, Upstream: 0, Downstream: 1},
		}},
		{ID: 1, Plan: leaf(), Parallelism: 1, DownstreamEdges: []Edge{
			{LinkID: 2, Dispatch: DispatchSimple, Upstream: 1, Downstream: 0},
		}},
	}}

	_, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.Error(t, err)
	var invalid *InvalidGraphError
	require.ErrorAs(t, err, &invalid)
}

// TestNoShuffleRequiresEqualParallelism and
// TestNonNoShuffleRejectsSameWorkerNode cover the rest of Testable
// Property 5 and the resolved OQ2 decision.
func TestNoShuffleRequiresEqualParallelism(t *testing.T) {
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: leaf(), Parallelism: 2, DownstreamEdges: []Edge{
			{LinkID: 1, Dispatch: DispatchNoShuffle, Upstream: 0, Downstream: 1},
		}},
		{ID: 1, Plan: exchangeWrapper(1), Parallelism: 3},
	}}
	_, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.Error(t, err)
}

func TestNoShufflePairsActorsOneToOne(t *testing.T) {
	const linkID = uint64(7)
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: leaf(), Parallelism: 2, DownstreamEdges: []Edge{
			{LinkID: linkID, Dispatch: DispatchNoShuffle, SameWorkerNode: true, Upstream: 0, Downstream: 1},
		}},
		{ID: 1, Plan: exchangeWrapper(linkID), Parallelism: 2},
	}}
	ag, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.NoError(t, err)

	byID := map[ActorID]*Actor{}
	for i := range ag.Actors {
		byID[ag.Actors[i].ID] = &ag.Actors[i]
	}
	require.Equal(t, []ActorID{2}, byID[0].Dispatchers[0].DownstreamActorIDs)
	require.Equal(t, []ActorID{3}, byID[1].Dispatchers[0].DownstreamActorIDs)
	require.True(t, byID[0].Dispatchers[0].SameWorkerNode)
}

func TestNonNoShuffleRejectsSameWorkerNode(t *testing.T) {
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: leaf(), Parallelism: 1, DownstreamEdges: []Edge{
			{LinkID: 1, Dispatch: DispatchBroadcast, SameWorkerNode: true, Upstream: 0, Downstream: 1},
		}},
		{ID: 1, Plan: exchangeWrapper(1), Parallelism: 1},
	}}
	_, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.Error(t, err)
	var invalid *InvalidGraphError
	require.ErrorAs(t, err, &invalid)
}

func TestAggNodeTableCountMustMatchAggCalls(t *testing.T) {
	agg := &PlanNode{Kind: PlanHashAgg, AggCallCount: 2, TableIDs: make([]TableID, 1)}
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: agg, Parallelism: 1},
	}}
	_, err := Build(context.Background(), graph, newFakeAllocator(), "mv", 1, 1)
	require.Error(t, err)
}

func TestHashJoinTableIDsStampedWithOffset(t *testing.T) {
	join := &PlanNode{Kind: PlanHashJoin}
	graph := &Graph{Fragments: []Fragment{
		{ID: 0, Plan: join, Parallelism: 1},
	}}
	ag, err := Build(context.Background(), graph, newFakeAllocator(), "orders_mv", 5, 9)
	require.NoError(t, err)
	require.Len(t, ag.Actors, 1)
	p := ag.Actors[0].Plan
	require.Equal(t, TableID(0), p.LeftTableID)
	require.Equal(t, TableID(1), p.RightTableID)
	require.Equal(t, "orders_mv_0", p.LeftTableName)
	require.Equal(t, "orders_mv_1", p.RightTableName)
	require.Equal(t, uint32(5), p.SchemaID)
	require.Equal(t, uint32(9), p.DatabaseID)
}

func TestMVStateMachine(t *testing.T) {
	s, err := AdvanceOnGraphGenerated(MVCreating)
	require.NoError(t, err)
	require.Equal(t, MVPlaced, s)

	s, err = AdvanceOnComputeAck(s)
	require.NoError(t, err)
	require.Equal(t, MVRunning, s)

	_, err = AdvanceOnFailure(s)
	require.Error(t, err)

	s, err = AdvanceOnFailure(MVPlaced)
	require.NoError(t, err)
	require.Equal(t, MVCancelled, s)
}
