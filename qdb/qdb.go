package qdb

import "context"

// VersionNone is returned by CAS transitions when the node is gone or the
// caller lost ownership (state or version mismatch).
const VersionNone int64 = -1

// TransitQDB keeps the region-in-transition nodes of the coordination tree.
// Transition nodes are ephemeral: they vanish when the session that created
// them dies. All updates are compare-and-swap on the node version.
type TransitQDB interface {
	// CreateEphemeralTransition installs a fresh transition node. It fails
	// with an RS_NODE_EXISTS error when the key is already occupied.
	CreateEphemeralTransition(ctx context.Context, key string, rec *RegionTransition) error

	// GetTransition returns the current record and node version, or
	// (nil, VersionNone, nil) when no node exists.
	GetTransition(ctx context.Context, key string) (*RegionTransition, int64, error)

	// CASTransition moves the node from fromEvent to rec.Event iff the node
	// exists, currently carries fromEvent and its version equals
	// expectVersion (expectVersion == VersionNone skips the version check).
	// Returns the new version, or VersionNone when the swap was not applied.
	CASTransition(ctx context.Context, key string, fromEvent TransitionEvent, expectVersion int64, rec *RegionTransition) (int64, error)

	// DeleteTransitionIfEvent removes the node iff it is still in the given
	// event. A missing node is not an error.
	DeleteTransitionIfEvent(ctx context.Context, key string, event TransitionEvent) error
}

// CatalogQDB keeps the catalog rows mapping region names to descriptors,
// assignment and merge lineage.
type CatalogQDB interface {
	// PutRegionRows writes all rows in a single atomic batch; either every
	// row lands or none does.
	PutRegionRows(ctx context.Context, rows ...*RegionRow) error

	GetRegionRow(ctx context.Context, regionName []byte) (*RegionRow, error)

	DeleteRegionRow(ctx context.Context, regionName []byte) error
}

// XQDB is the full store surface a region server wires against.
type XQDB interface {
	TransitQDB
	CatalogQDB
}
