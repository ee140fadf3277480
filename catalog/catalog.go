// Package catalog layers the checked catalog operations of the merge
// choreography over the raw row store.
package catalog

import (
	"context"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
)

const (
	mergeRowsBackoffBase = 50 * time.Millisecond
	mergeRowsMaxRetries  = 5
)

// MergeRegions records the new topology in the catalog: the merged row is
// inserted carrying its merge lineage, and the a and b rows are marked merged
// into it. All three rows go through one atomic batch; the retry only
// re-submits the whole batch, so partial updates are never observable.
func MergeRegions(ctx context.Context, q qdb.CatalogQDB, merged, a, b *regions.RegionDescriptor, server string) error {
	tablog.Zero.Info().
		Str("merged", merged.String()).
		Str("region-a", a.String()).
		Str("region-b", b.String()).
		Str("server", server).
		Msg("catalog: merge regions")

	rows := []*qdb.RegionRow{
		{
			Descriptor: merged,
			State:      qdb.RegionStateOnline,
			Server:     server,
			MergeA:     a,
			MergeB:     b,
		},
		{
			Descriptor: a,
			State:      qdb.RegionStateMerged,
			Server:     server,
			MergedInto: merged,
		},
		{
			Descriptor: b,
			State:      qdb.RegionStateMerged,
			Server:     server,
			MergedInto: merged,
		},
	}

	backoff := retry.WithMaxRetries(mergeRowsMaxRetries, retry.NewFibonacci(mergeRowsBackoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := q.PutRegionRows(ctx, rows...); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// RegionsFromMergeQualifier returns the merge parents recorded on the given
// region's catalog row, or (nil, nil) when the row carries no merge
// qualifier. A region still carrying one is itself the product of an
// unreaped prior merge.
func RegionsFromMergeQualifier(ctx context.Context, q qdb.CatalogQDB, regionName []byte) (*regions.RegionDescriptor, *regions.RegionDescriptor, error) {
	row, err := q.GetRegionRow(ctx, regionName)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, nil
	}
	return row.MergeA, row.MergeB, nil
}
