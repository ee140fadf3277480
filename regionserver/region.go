package regionserver

import (
	"sync"

	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/regionserver/regionfs"
)

// WriteState tracks whether the region accepts writes. The merge rollback
// flips WritesEnabled back on directly.
type WriteState struct {
	WritesEnabled bool
}

// Region is a live, mounted region on this server: a descriptor with an
// attached filesystem view and a close/initialize lifecycle.
type Region struct {
	desc *regions.RegionDescriptor
	rfs  *regionfs.RegionFS

	WriteState WriteState

	mu     sync.Mutex
	closed bool
}

func NewRegion(desc *regions.RegionDescriptor, rfs *regionfs.RegionFS) *Region {
	return &Region{
		desc:       desc,
		rfs:        rfs,
		WriteState: WriteState{WritesEnabled: true},
	}
}

func (r *Region) Descriptor() *regions.RegionDescriptor { return r.desc }
func (r *Region) RegionFS() *regionfs.RegionFS          { return r.rfs }
func (r *Region) EncodedName() string                   { return r.desc.EncodedName() }

// IsMergeable reports whether the region can take part in a merge right now.
// A closed region or one with writes disabled is mid-operation and must not
// be touched.
func (r *Region) IsMergeable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.WriteState.WritesEnabled
}

// Close shuts the region down and returns its store files by family. If the
// region was already closed by someone else, Close returns (nil, nil); the
// nil map is the signal the caller matches on.
func (r *Region) Close(abort bool) (map[string][]regionfs.StoreFile, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil
	}
	r.closed = true
	r.WriteState.WritesEnabled = false
	r.mu.Unlock()

	files, err := r.rfs.StoreFiles()
	if err != nil {
		return nil, err
	}
	tablog.Zero.Debug().
		Str("region", r.EncodedName()).
		Bool("abort", abort).
		Msg("region: closed")
	return files, nil
}

// Initialize re-opens a previously closed region in place. Used by the merge
// rollback to bring a closed region back.
func (r *Region) Initialize() error {
	if err := r.rfs.CreateRegionDir(); err != nil {
		return err
	}
	r.mu.Lock()
	r.closed = false
	r.WriteState.WritesEnabled = true
	r.mu.Unlock()

	tablog.Zero.Debug().
		Str("region", r.EncodedName()).
		Msg("region: initialized")
	return nil
}

// Open mounts the region, reporting progress through the given reporter.
// Opening a merged region walks all its reference files, which may take a
// while on a large region.
func (r *Region) Open(reporter *LoggingProgress) error {
	r.mu.Lock()
	if !r.closed && r.WriteState.WritesEnabled {
		r.mu.Unlock()
		return rserror.Newf(rserror.RS_REGION_ERROR, "region %s is already open", r.EncodedName())
	}
	r.mu.Unlock()

	if err := r.rfs.CreateRegionDir(); err != nil {
		return err
	}
	files, err := r.rfs.StoreFiles()
	if err != nil {
		return err
	}
	for family, sfs := range files {
		if reporter != nil {
			reporter.Progress()
		}
		tablog.Zero.Debug().
			Str("region", r.EncodedName()).
			Str("family", family).
			Int("store-files", len(sfs)).
			Msg("region: opened family")
	}

	r.mu.Lock()
	r.closed = false
	r.WriteState.WritesEnabled = true
	r.mu.Unlock()
	return nil
}

// CreateMergedRegionFromMerges commits the prepared subtree under this
// region's merges dir to its final location and mounts it as a region. The
// merged region comes up closed; the caller opens it once the catalog is
// updated.
func (r *Region) CreateMergedRegionFromMerges(merged *regions.RegionDescriptor, other *Region) (*Region, error) {
	if _, err := r.rfs.CommitMergedRegion(merged); err != nil {
		return nil, err
	}
	mergedRegion := NewRegion(merged, regionfs.New(r.rfs.DataDir(), merged))
	mergedRegion.mu.Lock()
	mergedRegion.closed = true
	mergedRegion.WriteState.WritesEnabled = false
	mergedRegion.mu.Unlock()
	return mergedRegion, nil
}
