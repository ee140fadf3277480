package coord_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tab-sharding/tabrs/pkg/coord"
	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/qdb"
	"github.com/tab-sharding/tabrs/qdb/memqdb"
)

const origin = "host,1234,node"

var regionA = regions.NewRegionDescriptor("t1", []byte("a"), []byte("m"), 100)
var regionB = regions.NewRegionDescriptor("t1", []byte("m"), []byte("z"), 200)
var merged = regions.MergedDescriptorAt(regionA, regionB, 1000)

func TestCreateEphemeralMergingPicksUpVersion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db := memqdb.NewMemQDB()

	version, err := coord.CreateEphemeralMerging(ctx, db, merged, origin)
	assert.NoError(err)
	assert.NotEqual(qdb.VersionNone, version)

	rec, nodeVersion, err := db.GetTransition(ctx, merged.EncodedName())
	assert.NoError(err)
	assert.Equal(qdb.EventRegionMerging, rec.Event)
	assert.Equal(merged.Name(), rec.RegionName)
	assert.Equal(origin, rec.ServerName)
	// the returned version is the post-self-transition one
	assert.Equal(nodeVersion, version)
}

func TestCreateEphemeralMergingOccupied(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db := memqdb.NewMemQDB()

	_, err := coord.CreateEphemeralMerging(ctx, db, merged, origin)
	assert.NoError(err)

	_, err = coord.CreateEphemeralMerging(ctx, db, merged, "other,5678,node")
	assert.Error(err)
	assert.True(rserror.IsNodeExists(err))
}

func TestMergeFinalAndTickle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db := memqdb.NewMemQDB()

	version, err := coord.CreateEphemeralMerging(ctx, db, merged, origin)
	assert.NoError(err)

	version, err = coord.TransitionMergeFinal(ctx, db, merged, regionA, regionB, origin, version)
	assert.NoError(err)
	assert.NotEqual(qdb.VersionNone, version)

	rec, _, err := db.GetTransition(ctx, merged.EncodedName())
	assert.NoError(err)
	assert.Equal(qdb.EventRegionMerge, rec.Event)
	descs, err := regions.ParseDelimited(rec.Payload)
	assert.NoError(err)
	assert.Len(descs, 3)
	assert.True(descs[0].Equal(merged))
	assert.True(descs[1].Equal(regionA))
	assert.True(descs[2].Equal(regionB))

	version, err = coord.TickleMerge(ctx, db, merged, regionA, regionB, origin, version)
	assert.NoError(err)
	assert.NotEqual(qdb.VersionNone, version)

	rec, _, err = db.GetTransition(ctx, merged.EncodedName())
	assert.NoError(err)
	descs, err = regions.ParseDelimited(rec.Payload)
	assert.NoError(err)
	assert.Len(descs, 2)
	assert.True(descs[0].Equal(regionA))
	assert.True(descs[1].Equal(regionB))

	// the controller deletes the node: the next tickle reports it gone
	assert.NoError(db.DeleteTransitionIfEvent(ctx, merged.EncodedName(), qdb.EventRegionMerge))
	version, err = coord.TickleMerge(ctx, db, merged, regionA, regionB, origin, version)
	assert.NoError(err)
	assert.Equal(qdb.VersionNone, version)
}

func TestDeleteMergingNode(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db := memqdb.NewMemQDB()

	// tolerate missing node
	assert.NoError(coord.DeleteMergingNode(ctx, db, merged))

	_, err := coord.CreateEphemeralMerging(ctx, db, merged, origin)
	assert.NoError(err)
	assert.NoError(coord.DeleteMergingNode(ctx, db, merged))

	rec, _, err := db.GetTransition(ctx, merged.EncodedName())
	assert.NoError(err)
	assert.Nil(rec)
}

func TestDeleteMergingNodeLeavesMergeState(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db := memqdb.NewMemQDB()

	version, err := coord.CreateEphemeralMerging(ctx, db, merged, origin)
	assert.NoError(err)
	_, err = coord.TransitionMergeFinal(ctx, db, merged, regionA, regionB, origin, version)
	assert.NoError(err)

	// the node moved past MERGING; delete must leave it alone
	assert.NoError(coord.DeleteMergingNode(ctx, db, merged))
	rec, _, err := db.GetTransition(ctx, merged.EncodedName())
	assert.NoError(err)
	assert.NotNil(rec)
	assert.Equal(qdb.EventRegionMerge, rec.Event)
}
