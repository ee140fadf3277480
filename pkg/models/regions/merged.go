package regions

import (
	"time"

	"github.com/tab-sharding/tabrs/pkg/tablog"
)

// MergedDescriptor computes the descriptor of the region that results from
// fusing a and b. It is commutative in its arguments.
func MergedDescriptor(a *RegionDescriptor, b *RegionDescriptor) *RegionDescriptor {
	return MergedDescriptorAt(a, b, time.Now().UnixMilli())
}

// MergedDescriptorAt is MergedDescriptor with an explicit wall clock reading,
// in milliseconds. The region id is a timestamp: the merged region's id must
// not sort below either input id or the merged row would land in the wrong
// place in the catalog.
func MergedDescriptorAt(a *RegionDescriptor, b *RegionDescriptor, nowMillis int64) *RegionDescriptor {
	rid := nowMillis
	if rid < a.ID || rid < b.ID {
		tablog.Zero.Warn().
			Int64("region-a-id", a.ID).
			Int64("region-b-id", b.ID).
			Int64("current-time", rid).
			Msg("regions: clock skew while computing merged region id")
		rid = max(a.ID, b.ID) + 1
	}

	var startKey KeyBound
	if a.Compare(b) <= 0 {
		startKey = a.StartKey
	} else {
		startKey = b.StartKey
	}

	var endKey KeyBound
	if len(a.EndKey) == 0 || !CmpEndKeysLess(a.EndKey, b.EndKey) {
		endKey = a.EndKey
	} else {
		endKey = b.EndKey
	}

	return NewRegionDescriptor(a.Table, startKey, endKey, rid)
}
