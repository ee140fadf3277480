package regionserver_test

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tab-sharding/tabrs/pkg/config"
	"github.com/tab-sharding/tabrs/pkg/coord"
	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/qdb"
	"github.com/tab-sharding/tabrs/qdb/memqdb"
	"github.com/tab-sharding/tabrs/regionserver"
	"github.com/tab-sharding/tabrs/regionserver/regionfs"
)

func testConfig(dataDir string) *config.RegionServer {
	return &config.RegionServer{
		NodeName:               "node-1",
		Host:                   "localhost",
		Port:                   "16020",
		DataFolder:             dataDir,
		MergeOpenLogIntervalMs: 10000,
	}
}

func makeRegion(t *testing.T, dataDir, startKey, endKey string, id int64) *regionserver.Region {
	t.Helper()
	var end []byte
	if endKey != "" {
		end = []byte(endKey)
	}
	desc := regions.NewRegionDescriptor("t1", []byte(startKey), end, id)
	rfs := regionfs.New(dataDir, desc)
	require.NoError(t, rfs.CreateRegionDir())
	familyDir := path.Join(rfs.RegionDir(), "cf")
	require.NoError(t, os.MkdirAll(familyDir, 0755))
	require.NoError(t, os.WriteFile(path.Join(familyDir, "f1"), []byte("data"), 0644))
	return regionserver.NewRegion(desc, rfs)
}

// runFakeController stands in for the external controller: once the
// transition node reaches MERGE, delete it.
func runFakeController(ctx context.Context, db qdb.XQDB, key string) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			rec, _, err := db.GetTransition(ctx, key)
			if err == nil && rec != nil && rec.Event == qdb.EventRegionMerge {
				_ = db.DeleteTransitionIfEvent(ctx, key, qdb.EventRegionMerge)
				return
			}
		}
	}()
}

func TestMergeHappyPath(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, srv))

	mergedDesc := mt.MergedRegionDescriptor()
	runFakeController(ctx, db, mergedDesc.EncodedName())

	merged, err := mt.Execute(ctx, srv, srv)
	require.NoError(t, err)
	require.NotNil(t, merged)

	assert.Equal([]regionserver.JournalEntry{
		regionserver.SetMergingInQDB,
		regionserver.CreatedMergeDir,
		regionserver.ClosedRegionA,
		regionserver.OfflinedRegionA,
		regionserver.ClosedRegionB,
		regionserver.OfflinedRegionB,
		regionserver.StartedMergedRegionCreation,
		regionserver.PONR,
	}, mt.Journal())

	// merged region online, parents gone
	assert.Equal(1, srv.OnlineRegions().Len())
	assert.NotNil(srv.OnlineRegions().Get(mergedDesc.EncodedName()))
	assert.Nil(srv.OnlineRegions().Get(a.EncodedName()))
	assert.Nil(srv.OnlineRegions().Get(b.EncodedName()))

	// merged range spans both inputs
	assert.Equal([]byte("a"), []byte(mergedDesc.StartKey))
	assert.Equal([]byte("z"), []byte(mergedDesc.EndKey))

	// reference files from both parents landed in the merged region
	files, err := merged.RegionFS().StoreFiles()
	assert.NoError(err)
	assert.Len(files["cf"], 2)

	// catalog reflects the new topology
	mergedRow, err := db.GetRegionRow(ctx, mergedDesc.Name())
	assert.NoError(err)
	require.NotNil(t, mergedRow)
	assert.True(mergedRow.HasMergeQualifier())
	rowA, err := db.GetRegionRow(ctx, a.Descriptor().Name())
	assert.NoError(err)
	require.NotNil(t, rowA)
	assert.Equal(qdb.RegionStateMerged, rowA.State)

	// the controller consumed the transition node
	rec, _, err := db.GetTransition(ctx, mergedDesc.EncodedName())
	assert.NoError(err)
	assert.Nil(rec)
}

func TestMergeNormalizesRegionOrder(t *testing.T) {
	assert := assert.New(t)
	dataDir := t.TempDir()

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	// passing them backwards must not matter
	mt := regionserver.NewMergeTransaction(b, a, false)
	assert.Equal(a.RegionFS().MergesDir(), mt.MergesDir())
}

func TestMergeForcibleNonAdjacent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()

	a := makeRegion(t, dataDir, "a", "c", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	mt := regionserver.NewMergeTransaction(a, b, true)
	require.True(t, mt.Prepare(ctx, nil))

	// nil host: testing mode, no coordination or catalog edits
	merged, err := mt.Execute(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal([]byte("a"), []byte(merged.Descriptor().StartKey))
	assert.Equal([]byte("z"), []byte(merged.Descriptor().EndKey))
}

func TestPrepareRejections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()

	a := makeRegion(t, dataDir, "a", "c", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	// not adjacent and not forcible
	mt := regionserver.NewMergeTransaction(a, b, false)
	assert.False(mt.Prepare(ctx, nil))

	// same region
	mt = regionserver.NewMergeTransaction(a, a, false)
	assert.False(mt.Prepare(ctx, nil))

	// different tables
	descOther := regions.NewRegionDescriptor("t2", []byte("c"), []byte("m"), 300)
	other := regionserver.NewRegion(descOther, regionfs.New(dataDir, descOther))
	mt = regionserver.NewMergeTransaction(a, other, true)
	assert.False(mt.Prepare(ctx, nil))

	// unmergeable: region mid-operation
	c := makeRegion(t, dataDir, "c", "m", 400)
	_, err := c.Close(false)
	require.NoError(t, err)
	mt = regionserver.NewMergeTransaction(a, c, false)
	assert.False(mt.Prepare(ctx, nil))
}

func TestPrepareRejectsUnreapedMergeParent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	// region a is itself a fresh merge product, not yet reaped
	parent1 := regions.NewRegionDescriptor("t1", []byte("a"), []byte("g"), 10)
	parent2 := regions.NewRegionDescriptor("t1", []byte("g"), []byte("m"), 20)
	require.NoError(t, db.PutRegionRows(ctx, &qdb.RegionRow{
		Descriptor: a.Descriptor(),
		State:      qdb.RegionStateOnline,
		MergeA:     parent1,
		MergeB:     parent2,
	}))

	mt := regionserver.NewMergeTransaction(a, b, false)
	assert.False(mt.Prepare(ctx, srv))
}

type catalogReadErrQDB struct {
	qdb.XQDB
}

func (q *catalogReadErrQDB) GetRegionRow(ctx context.Context, regionName []byte) (*qdb.RegionRow, error) {
	return nil, errors.New("catalog unavailable")
}

func TestPrepareCatalogReadErrorIsFalseNotFatal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	srv := regionserver.NewServer(testConfig(dataDir), &catalogReadErrQDB{memqdb.NewMemQDB()})

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	mt := regionserver.NewMergeTransaction(a, b, false)
	assert.False(mt.Prepare(ctx, srv))
}

func TestExecuteFailsWhenNodeOccupied(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, srv))

	// another server already holds the transition node
	_, err := coord.CreateEphemeralMerging(ctx, db, mt.MergedRegionDescriptor(), "other,1,x")
	require.NoError(t, err)

	_, err = mt.Execute(ctx, srv, srv)
	assert.Error(err)
	assert.Empty(mt.Journal())

	ok, rerr := mt.Rollback(ctx, srv, srv)
	assert.NoError(rerr)
	assert.True(ok)

	// nothing changed
	assert.Equal(2, srv.OnlineRegions().Len())
	assert.True(a.IsMergeable())
	assert.True(b.IsMergeable())
}

func TestExecuteFailsWhenServerStopped(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	srv := regionserver.NewServer(testConfig(dataDir), memqdb.NewMemQDB())
	srv.Stop()

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, nil))

	_, err := mt.Execute(ctx, srv, srv)
	assert.Error(err)
	assert.Empty(mt.Journal())
}

func TestRollbackAfterConcurrentCloseOfRegionB(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, srv))

	// a concurrent actor closes region b under us
	_, err := b.Close(false)
	require.NoError(t, err)

	_, err = mt.Execute(ctx, srv, srv)
	require.Error(t, err)
	assert.True(errors.Is(err, rserror.ErrClosedByOtherServer))

	// CLOSED_REGION_B must NOT be journaled
	assert.Equal([]regionserver.JournalEntry{
		regionserver.SetMergingInQDB,
		regionserver.CreatedMergeDir,
		regionserver.ClosedRegionA,
		regionserver.OfflinedRegionA,
	}, mt.Journal())

	ok, rerr := mt.Rollback(ctx, srv, srv)
	assert.NoError(rerr)
	assert.True(ok)

	// region a is back online and writable
	assert.NotNil(srv.OnlineRegions().Get(a.EncodedName()))
	assert.True(a.IsMergeable())
	// region b stays whatever the other actor left it as
	assert.NotNil(srv.OnlineRegions().Get(b.EncodedName()))

	// merges dir cleaned, transition node deleted
	_, err = os.Stat(mt.MergesDir())
	assert.True(os.IsNotExist(err))
	rec, _, err := db.GetTransition(ctx, mt.MergedRegionDescriptor().EncodedName())
	assert.NoError(err)
	assert.Nil(rec)

	// rollback is idempotent: running it again changes nothing
	ok, rerr = mt.Rollback(ctx, srv, srv)
	assert.NoError(rerr)
	assert.True(ok)
	assert.NotNil(srv.OnlineRegions().Get(a.EncodedName()))
	assert.True(a.IsMergeable())
}

type catalogWriteErrQDB struct {
	qdb.XQDB
}

func (q *catalogWriteErrQDB) PutRegionRows(ctx context.Context, rows ...*qdb.RegionRow) error {
	return errors.New("catalog down")
}

func TestRollbackImpossiblePastPONR(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	db := &catalogWriteErrQDB{memqdb.NewMemQDB()}
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, srv))

	_, err := mt.Execute(ctx, srv, srv)
	require.Error(t, err)
	assert.Contains(mt.Journal(), regionserver.PONR)

	ok, rerr := mt.Rollback(ctx, srv, srv)
	assert.NoError(rerr)
	assert.False(ok)

	// past the point of no return nothing is undone: the merged region
	// directory stays for the controller to roll forward from
	mergedDir := path.Join(dataDir, "t1", mt.MergedRegionDescriptor().EncodedName())
	assert.DirExists(mergedDir)
}

func TestHandshakeInterrupted(t *testing.T) {
	assert := assert.New(t)
	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(context.TODO(), srv))

	// no controller around: cancel the context to break out of the
	// handshake loop
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := mt.Execute(ctx, srv, srv)
	require.Error(t, err)
	assert.True(errors.Is(err, context.Canceled))
	assert.Contains(mt.Journal(), regionserver.PONR)

	ok, rerr := mt.Rollback(ctx, srv, srv)
	assert.NoError(rerr)
	assert.False(ok)
}

// stoppingAfterFirstCheck reports stopping on every IsStopping call after
// the first, so the merge passes the liveness check and then observes a stop
// signal mid-flight.
type stoppingAfterFirstCheck struct {
	*regionserver.Server
	checks int
}

func (s *stoppingAfterFirstCheck) IsStopping() bool {
	s.checks++
	return s.checks > 1
}

func TestMergedRegionNotOpenedWhenStopping(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	dataDir := t.TempDir()
	db := memqdb.NewMemQDB()
	srv := regionserver.NewServer(testConfig(dataDir), db)
	services := &stoppingAfterFirstCheck{Server: srv}

	a := makeRegion(t, dataDir, "a", "m", 100)
	b := makeRegion(t, dataDir, "m", "z", 200)
	srv.AddToOnlineRegions(a)
	srv.AddToOnlineRegions(b)

	mt := regionserver.NewMergeTransaction(a, b, false)
	require.True(t, mt.Prepare(ctx, services))

	merged, err := mt.Execute(ctx, srv, services)
	require.NoError(t, err)
	require.NotNil(t, merged)

	// the merge committed but the merged region was not deployed here
	assert.Contains(mt.Journal(), regionserver.PONR)
	assert.Nil(srv.OnlineRegions().Get(merged.EncodedName()))
	row, err := db.GetRegionRow(ctx, merged.Descriptor().Name())
	assert.NoError(err)
	assert.NotNil(row)
}
