package codec

import (
	"github.com/cespare/xxhash/v2"
)

// DefaultVNodeCount is the fixed 256-way partitioning spec §3/§6 assumes; a
// vnode fits in VNodeSize (1) byte.
const DefaultVNodeCount = 256

// VNode derives the 1-byte virtual node a row belongs to from its
// distribution-key columns, by value-encoding those columns and hashing the
// result with xxhash. A table with no distribution key (distKeyIndices
// empty, e.g. a singleton/broadcast table) always maps to vnode 0.
func VNode(row Row, types []DataType, distKeyIndices []int, vnodeCount int) (uint8, error) {
	if len(distKeyIndices) == 0 {
		return 0, nil
	}
	if vnodeCount <= 0 {
		vnodeCount = DefaultVNodeCount
	}
	var buf []byte
	for _, idx := range distKeyIndices {
		var err error
		buf, err = appendValueDatum(buf, row[idx], types[idx])
		if err != nil {
			return 0, err
		}
	}
	h := xxhash.Sum64(buf)
	return uint8(h % uint64(vnodeCount)), nil
}
