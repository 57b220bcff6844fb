package ddl

import "github.com/riverstream/river/pkg/streamgraph"

// VNodeCount is the fixed vnode space every state table hashes into,
// matching pkg/statetable's VNodeCount convention.
const VNodeCount = 256

// VNodeMapping assigns a contiguous, half-open range of vnodes
// [VNodeStart, VNodeEnd) to one actor of a materialized view's root
// fragment. Supplemented from original_source's vnode_mapping.rs — the
// distilled spec never names this type, but pkg/statetable.UpdateVNodeBitmap
// needs exactly this shape to learn which vnodes an actor now owns after
// a scale event.
// VNodeEnd is exclusive and stored as an int (not uint8) because the very
// last range's end is VNodeCount (256), which overflows a byte.
type VNodeMapping struct {
	ActorID    streamgraph.ActorID
	VNodeStart uint8
	VNodeEnd   int
}

// ContainsVNode reports whether vnode falls in this mapping's range.
func (m VNodeMapping) ContainsVNode(vnode uint8) bool {
	return int(vnode) >= int(m.VNodeStart) && int(vnode) < m.VNodeEnd
}

// ComputeVNodeMapping splits VNodeCount vnodes into len(actorIDs)
// contiguous ranges, as evenly as size allows: the first
// VNodeCount%len(actorIDs) actors get one extra vnode. actorIDs order
// determines range order. Panics on an empty actor slice — Build never
// produces a fragment with zero actors.
func ComputeVNodeMapping(actorIDs []streamgraph.ActorID) []VNodeMapping {
	n := len(actorIDs)
	if n == 0 {
		panic("ddl: ComputeVNodeMapping requires at least one actor")
	}
	base := VNodeCount / n
	extra := VNodeCount % n

	out := make([]VNodeMapping, 0, n)
	next := 0
	for i, id := range actorIDs {
		size := base
		if i < extra {
			size++
		}
		start := next
		end := start + size
		out = append(out, VNodeMapping{ActorID: id, VNodeStart: uint8(start), VNodeEnd: end})
		next = end
	}
	return out
}

// computeMVVNodeMappings picks the actor graph's root fragment — the
// fragment whose actors hold the MV's own state table — and computes its
// vnode mapping. The root fragment is taken to be the one with the highest
// global fragment id. Build converts local fragment ids to global ones by a
// fixed offset, so this is the fragment with the highest local id in the
// input graph; it is not checked to be the sink.
func computeMVVNodeMappings(graph *streamgraph.ActorGraph) []VNodeMapping {
	byFragment := map[streamgraph.FragmentID][]streamgraph.ActorID{}
	var rootFragment streamgraph.FragmentID
	first := true
	for i := range graph.Actors {
		a := &graph.Actors[i]
		byFragment[a.FragmentID] = append(byFragment[a.FragmentID], a.ID)
		if first || a.FragmentID > rootFragment {
			rootFragment = a.FragmentID
			first = false
		}
	}
	return ComputeVNodeMapping(byFragment[rootFragment])
}
