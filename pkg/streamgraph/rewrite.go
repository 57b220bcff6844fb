package streamgraph

import "fmt"

// rewritePlan implements §4.G step 4 (build_inner): replace each
// PlanExchange child with a PlanMerge filled from its edge's upstream
// actor ids, stamp internal-table ids on join/lookup/arrange/topn/agg
// nodes by adding tableOffset, and leave a ChainNode's embedded merge
// deferred (nil UpstreamActorIDs), per the spec's "filled by the stream
// manager after upstream MV placement".
func rewritePlan(n *PlanNode, upstreamByLink map[uint64][]ActorID, nextTable *uint32, mvName string, schemaID, databaseID uint32) error {
	if n == nil {
		return nil
	}

	if n.Kind == PlanChain {
		if len(n.Children) != 2 || n.Children[0].Kind != PlanMerge || n.Children[1].Kind != PlanBatchPlan {
			return invalidGraph("ChainNode must have exactly [MergeNode, BatchPlanNode] children")
		}
		// The chain's merge is deferred; nothing else to do for it. Its
		// BatchPlanNode sibling carries no table ids to rewrite here.
		return nil
	}

	for i, child := range n.Children {
		if child.Kind == PlanExchange {
			ids, ok := upstreamByLink[child.ExchangeLinkID]
			if !ok {
				return invalidGraph("exchange link %d has no wired upstream actors", child.ExchangeLinkID)
			}
			n.Children[i] = &PlanNode{Kind: PlanMerge, UpstreamActorIDs: append([]ActorID(nil), ids...)}
			continue
		}
		if err := rewritePlan(child, upstreamByLink, nextTable, mvName, schemaID, databaseID); err != nil {
			return err
		}
	}

	switch n.Kind {
	case PlanHashJoin:
		n.LeftTableID = TableID(*nextTable)
		n.LeftTableName = fmt.Sprintf("%s_%d", mvName, *nextTable)
		*nextTable++
		n.RightTableID = TableID(*nextTable)
		n.RightTableName = fmt.Sprintf("%s_%d", mvName, *nextTable)
		*nextTable++
		n.SchemaID = schemaID
		n.DatabaseID = databaseID
	case PlanLookup, PlanArrange, PlanTopN, PlanAppendOnlyTopN:
		for i := range n.TableIDs {
			n.TableIDs[i] = TableID(*nextTable)
			*nextTable++
		}
	case PlanHashAgg, PlanGlobalSimpleAgg, PlanLocalSimpleAgg:
		if len(n.TableIDs) != n.AggCallCount {
			return invalidGraph("agg node has %d internal tables for %d agg calls", len(n.TableIDs), n.AggCallCount)
		}
		for i := range n.TableIDs {
			n.TableIDs[i] = TableID(*nextTable)
			*nextTable++
		}
	}
	return nil
}
