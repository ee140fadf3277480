package qdb

import (
	"github.com/tab-sharding/tabrs/pkg/models/regions"
)

// TransitionEvent is the state a region-in-transition node is in.
type TransitionEvent int

const (
	EventNone TransitionEvent = iota
	// EventRegionMerging marks a merge claimed but not yet committed.
	EventRegionMerging
	// EventRegionMerge marks a merge past its commit point, awaiting the
	// controller's acknowledgement.
	EventRegionMerge
)

func (e TransitionEvent) String() string {
	switch e {
	case EventRegionMerging:
		return "REGION_MERGING"
	case EventRegionMerge:
		return "REGION_MERGE"
	default:
		return "NONE"
	}
}

// RegionTransition is the record stored in a region-in-transition node.
type RegionTransition struct {
	Event      TransitionEvent `json:"event"`
	RegionName []byte          `json:"region_name"`
	ServerName string          `json:"server_name"`
	Timestamp  int64           `json:"timestamp"`
	Payload    []byte          `json:"payload,omitempty"`
}

// Region row states recorded in the catalog.
const (
	RegionStateOnline = "ONLINE"
	RegionStateMerged = "MERGED"
)

// RegionRow is one catalog row: the authoritative record of a region's key
// range, assignment and merge lineage. MergeA/MergeB are the merge
// qualifiers: set on a freshly merged region's row until the janitor reaps
// the parents.
type RegionRow struct {
	Descriptor *regions.RegionDescriptor `json:"descriptor"`
	State      string                    `json:"state"`
	Server     string                    `json:"server"`
	MergeA     *regions.RegionDescriptor `json:"merge_a,omitempty"`
	MergeB     *regions.RegionDescriptor `json:"merge_b,omitempty"`
	MergedInto *regions.RegionDescriptor `json:"merged_into,omitempty"`
}

// HasMergeQualifier reports whether the row still carries merge lineage.
func (r *RegionRow) HasMergeQualifier() bool {
	return r != nil && (r.MergeA != nil || r.MergeB != nil)
}
