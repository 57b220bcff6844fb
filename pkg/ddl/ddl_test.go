package ddl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstream/river/pkg/streamgraph"
)

type fakeAllocator struct {
	next map[streamgraph.IDKind]uint32
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: map[streamgraph.IDKind]uint32{}}
}

func (a *fakeAllocator) Reserve(ctx context.Context, kind streamgraph.IDKind, count int) (uint32, error) {
	offset := a.next[kind]
	a.next[kind] = offset + uint32(count)
	return offset, nil
}

type catalogCall struct {
	name string
	mvID uint64
}

type fakeCatalog struct {
	calls []catalogCall

	failStart  bool
	failFinish bool
	mvID       uint64
}

func (c *fakeCatalog) AllocateMVID(ctx context.Context) (uint64, error) {
	c.mvID++
	c.calls = append(c.calls, catalogCall{"allocate", c.mvID})
	return c.mvID, nil
}

func (c *fakeCatalog) StartCreateTableProcedure(ctx context.Context, mvID uint64, deps []uint64) error {
	c.calls = append(c.calls, catalogCall{"start", mvID})
	if c.failStart {
		return errors.New("start failed")
	}
	return nil
}

func (c *fakeCatalog) FinishCreateTableProcedure(ctx context.Context, mvID uint64, mapping []VNodeMapping) (uint64, error) {
	c.calls = append(c.calls, catalogCall{"finish", mvID})
	if c.failFinish {
		return 0, errors.New("finish failed")
	}
	return 100, nil
}

func (c *fakeCatalog) CancelCreateTableProcedure(ctx context.Context, mvID uint64) error {
	c.calls = append(c.calls, catalogCall{"cancel", mvID})
	return nil
}

func (c *fakeCatalog) FinishDropTableProcedure(ctx context.Context, mvID uint64) (uint64, error) {
	c.calls = append(c.calls, catalogCall{"drop", mvID})
	return 200, nil
}

func (c *fakeCatalog) CreateSchema(ctx context.Context, databaseID uint64, name string) (uint64, uint64, error) {
	return 1, 1, nil
}
func (c *fakeCatalog) DropSchema(ctx context.Context, schemaID uint64) (uint64, error) { return 1, nil }
func (c *fakeCatalog) CreateDatabase(ctx context.Context, name string) (uint64, uint64, error) {
	return 1, 1, nil
}
func (c *fakeCatalog) DropDatabase(ctx context.Context, databaseID uint64) (uint64, error) {
	return 1, nil
}
func (c *fakeCatalog) CreateMaterializedSource(ctx context.Context, schemaID uint64, name string) (uint64, uint64, error) {
	return 1, 1, nil
}
func (c *fakeCatalog) DropMaterializedSource(ctx context.Context, sourceID uint64) (uint64, error) {
	return 1, nil
}

type fakeCompute struct {
	placed    map[uint64]*streamgraph.ActorGraph
	dropped   []uint64
	failPlace bool
	onDrop    func()
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{placed: map[uint64]*streamgraph.ActorGraph{}}
}

func (c *fakeCompute) Place(ctx context.Context, mvID uint64, graph *streamgraph.ActorGraph) error {
	if c.failPlace {
		return errors.New("place failed")
	}
	c.placed[mvID] = graph
	return nil
}

func (c *fakeCompute) Drop(ctx context.Context, mvID uint64) error {
	if c.onDrop != nil {
		c.onDrop()
	}
	c.dropped = append(c.dropped, mvID)
	delete(c.placed, mvID)
	return nil
}

func leaf() *streamgraph.PlanNode { return &streamgraph.PlanNode{Kind: streamgraph.PlanOther} }

func scan(relID uint64) *streamgraph.PlanNode {
	return &streamgraph.PlanNode{Kind: streamgraph.PlanScan, ScanRelationID: relID}
}

func simpleGraph() *streamgraph.Graph {
	return &streamgraph.Graph{Fragments: []streamgraph.Fragment{
		{ID: 0, Plan: &streamgraph.PlanNode{Kind: streamgraph.PlanOther, Children: []*streamgraph.PlanNode{scan(7), scan(9)}}, Parallelism: 2},
	}}
}

func TestCreateMaterializedViewHappyPath(t *testing.T) {
	catalog := &fakeCatalog{}
	compute := newFakeCompute()
	svc := New(catalog, compute, newFakeAllocator())

	mvID, version, err := svc.CreateMaterializedView(context.Background(), CreateMVRequest{
		Name: "orders_mv", Graph: simpleGraph(), SchemaID: 1, DatabaseID: 1,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), mvID)
	require.Equal(t, uint64(100), version)

	require.Contains(t, compute.placed, mvID)
	require.Empty(t, compute.dropped)

	var names []string
	for _, c := range catalog.calls {
		names = append(names, c.name)
	}
	require.Equal(t, []string{"allocate", "start", "finish"}, names)
}

func TestCreateMaterializedViewComputesDependentRelations(t *testing.T) {
	graph := simpleGraph()
	deps := dependentRelations(graph)
	require.ElementsMatch(t, []uint64{7, 9}, deps)
}

func TestCreateMaterializedViewRollsBackOnStartFailure(t *testing.T) {
	catalog := &fakeCatalog{failStart: true}
	compute := newFakeCompute()
	svc := New(catalog, compute, newFakeAllocator())

	_, _, err := svc.CreateMaterializedView(context.Background(), CreateMVRequest{
		Name: "mv", Graph: simpleGraph(), SchemaID: 1, DatabaseID: 1,
	})
	require.Error(t, err)

	// start failed before compute placement was ever attempted: no cancel,
	// no compute drop should have happened (there's nothing to roll back).
	require.Empty(t, compute.dropped)
	var names []string
	for _, c := range catalog.calls {
		names = append(names, c.name)
	}
	require.Equal(t, []string{"allocate", "start"}, names)
}

func TestCreateMaterializedViewRollsBackOnPlaceFailure(t *testing.T) {
	catalog := &fakeCatalog{}
	compute := newFakeCompute()
	compute.failPlace = true
	svc := New(catalog, compute, newFakeAllocator())

	_, _, err := svc.CreateMaterializedView(context.Background(), CreateMVRequest{
		Name: "mv", Graph: simpleGraph(), SchemaID: 1, DatabaseID: 1,
	})
	require.Error(t, err)

	var names []string
	for _, c := range catalog.calls {
		names = append(names, c.name)
	}
	require.Equal(t, []string{"allocate", "start", "cancel"}, names)
	// placement was attempted (stage 4), so any partial compute-node state
	// is dropped as well.
	require.Equal(t, []uint64{1}, compute.dropped)
}

func TestCreateMaterializedViewRollsBackOnFinishFailure(t *testing.T) {
	catalog := &fakeCatalog{failFinish: true}
	compute := newFakeCompute()
	svc := New(catalog, compute, newFakeAllocator())

	mvID, _, err := svc.CreateMaterializedView(context.Background(), CreateMVRequest{
		Name: "mv", Graph: simpleGraph(), SchemaID: 1, DatabaseID: 1,
	})
	require.Error(t, err)

	var names []string
	for _, c := range catalog.calls {
		names = append(names, c.name)
	}
	require.Equal(t, []string{"allocate", "start", "finish", "cancel"}, names)
	// placement had succeeded by the time finish failed: compute state
	// must be torn down too.
	require.Contains(t, compute.dropped, mvID)
}

func TestDropMaterializedViewDropsComputeBeforeCatalog(t *testing.T) {
	catalog := &fakeCatalog{}
	compute := newFakeCompute()
	compute.placed[5] = &streamgraph.ActorGraph{}
	compute.onDrop = func() {
		require.Empty(t, catalog.calls, "compute drop must precede catalog release")
	}
	svc := New(catalog, compute, newFakeAllocator())

	version, err := svc.DropMaterializedView(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(200), version)
	require.Equal(t, []uint64{5}, compute.dropped)
	require.Equal(t, []catalogCall{{"drop", 5}}, catalog.calls)
}

func TestComputeVNodeMappingSplitsContiguously(t *testing.T) {
	actors := []streamgraph.ActorID{10, 11, 12}
	mapping := ComputeVNodeMapping(actors)
	require.Len(t, mapping, 3)

	// 256 / 3 = 85 remainder 1: first actor gets 86, the rest 85.
	require.Equal(t, uint8(0), mapping[0].VNodeStart)
	require.Equal(t, 86, mapping[0].VNodeEnd)
	require.Equal(t, uint8(86), mapping[1].VNodeStart)
	require.Equal(t, 171, mapping[1].VNodeEnd)
	require.Equal(t, uint8(171), mapping[2].VNodeStart)
	require.Equal(t, 256, mapping[2].VNodeEnd)

	total := 0
	for _, m := range mapping {
		total += m.VNodeEnd - int(m.VNodeStart)
	}
	require.Equal(t, 256, total)
}

func TestComputeVNodeMappingSingleActorOwnsEverything(t *testing.T) {
	mapping := ComputeVNodeMapping([]streamgraph.ActorID{3})
	require.Len(t, mapping, 1)
	require.Equal(t, uint8(0), mapping[0].VNodeStart)
	require.Equal(t, 256, mapping[0].VNodeEnd)
}
