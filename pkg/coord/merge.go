// Package coord adapts the transition-node store to the region merge
// choreography. Every operation targets the single node keyed by the merged
// region's encoded name; all updates are compare-and-swap on node version.
package coord

import (
	"context"
	"time"

	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
)

func mergingRecord(event qdb.TransitionEvent, region *regions.RegionDescriptor, origin string, payload []byte) *qdb.RegionTransition {
	return &qdb.RegionTransition{
		Event:      event,
		RegionName: region.Name(),
		ServerName: origin,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    payload,
	}
}

// CreateEphemeralMerging installs the ephemeral MERGING node for the merged
// region and immediately self-transitions it MERGING to MERGING to pick up a
// version usable for later compare-and-swap. Creation alone returns no such
// version, and the self-transition also fires the controller's change
// callback. Fails with an RS_NODE_EXISTS error when another server holds the
// node.
func CreateEphemeralMerging(ctx context.Context, q qdb.TransitQDB, merged *regions.RegionDescriptor, origin string) (int64, error) {
	tablog.Zero.Debug().
		Str("region", merged.EncodedName()).
		Str("origin", origin).
		Msg("coord: creating ephemeral node in MERGING state")

	rec := mergingRecord(qdb.EventRegionMerging, merged, origin, nil)
	if err := q.CreateEphemeralTransition(ctx, merged.EncodedName(), rec); err != nil {
		return qdb.VersionNone, err
	}
	return TransitionMerging(ctx, q, merged, origin, qdb.VersionNone)
}

// TransitionMerging moves the node MERGING to MERGING, returning the new
// version or VersionNone when the swap was not applied.
func TransitionMerging(ctx context.Context, q qdb.TransitQDB, region *regions.RegionDescriptor, origin string, expectVersion int64) (int64, error) {
	rec := mergingRecord(qdb.EventRegionMerging, region, origin, nil)
	return q.CASTransition(ctx, region.EncodedName(), qdb.EventRegionMerging, expectVersion, rec)
}

// TransitionMergeFinal announces the commit: moves the node MERGING to MERGE
// with the (merged, a, b) descriptors as payload.
func TransitionMergeFinal(ctx context.Context, q qdb.TransitQDB, merged, a, b *regions.RegionDescriptor, origin string, expectVersion int64) (int64, error) {
	payload, err := regions.ToDelimited(merged, a, b)
	if err != nil {
		return qdb.VersionNone, err
	}
	rec := mergingRecord(qdb.EventRegionMerge, merged, origin, payload)
	return q.CASTransition(ctx, merged.EncodedName(), qdb.EventRegionMerging, expectVersion, rec)
}

// TickleMerge re-writes the MERGE node with the (a, b) payload so the
// controller gets a fresh watch event even if it missed earlier ones.
// VersionNone back means the node is gone: the controller has processed the
// merge.
func TickleMerge(ctx context.Context, q qdb.TransitQDB, merged, a, b *regions.RegionDescriptor, origin string, expectVersion int64) (int64, error) {
	payload, err := regions.ToDelimited(a, b)
	if err != nil {
		return qdb.VersionNone, err
	}
	rec := mergingRecord(qdb.EventRegionMerge, merged, origin, payload)
	return q.CASTransition(ctx, merged.EncodedName(), qdb.EventRegionMerge, expectVersion, rec)
}

// DeleteMergingNode removes the node iff it is still in MERGING state. A
// missing node is fine; the node may have been hijacked or already cleaned.
func DeleteMergingNode(ctx context.Context, q qdb.TransitQDB, merged *regions.RegionDescriptor) error {
	return q.DeleteTransitionIfEvent(ctx, merged.EncodedName(), qdb.EventRegionMerging)
}
