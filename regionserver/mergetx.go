package regionserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tab-sharding/tabrs/catalog"
	"github.com/tab-sharding/tabrs/pkg/coord"
	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
	"github.com/tab-sharding/tabrs/regionserver/regionfs"
)

// JournalEntry is one completed step of the merge transaction. The journal
// records how far the transaction got so Rollback knows how much to undo.
type JournalEntry int

const (
	// SetMergingInQDB: the ephemeral MERGING transition node is up.
	SetMergingInQDB JournalEntry = iota
	// CreatedMergeDir: the temporary merge working directory exists.
	CreatedMergeDir
	// ClosedRegionA: merging region A has been closed.
	ClosedRegionA
	// OfflinedRegionA: region A has been taken out of the online set.
	OfflinedRegionA
	// ClosedRegionB: merging region B has been closed.
	ClosedRegionB
	// OfflinedRegionB: region B has been taken out of the online set.
	OfflinedRegionB
	// StartedMergedRegionCreation: creation of the merged region has begun.
	// Appended before the effect so cleanup can find partial state.
	StartedMergedRegionCreation
	// PONR: point of no return. Past this, failures are not recoverable
	// other than by crashing out the region server.
	PONR
)

func (je JournalEntry) String() string {
	switch je {
	case SetMergingInQDB:
		return "SET_MERGING_IN_QDB"
	case CreatedMergeDir:
		return "CREATED_MERGE_DIR"
	case ClosedRegionA:
		return "CLOSED_REGION_A"
	case OfflinedRegionA:
		return "OFFLINED_REGION_A"
	case ClosedRegionB:
		return "CLOSED_REGION_B"
	case OfflinedRegionB:
		return "OFFLINED_REGION_B"
	case StartedMergedRegionCreation:
		return "STARTED_MERGED_REGION_CREATION"
	case PONR:
		return "PONR"
	default:
		return fmt.Sprintf("JournalEntry(%d)", int(je))
	}
}

const (
	tickleInterval     = 100 * time.Millisecond
	tickleLogEverySpin = 10
)

// MergeTransaction fuses two adjacent regions into one. Construct it with
// NewMergeTransaction, call Prepare to validate the pair, Execute to run the
// merge and Rollback to clean up when Execute fails.
//
// The transaction is single use and not thread safe. The caller serializes
// merges so that at most one involves any given region at a time.
type MergeTransaction struct {
	// regionA sorts before regionB
	regionA *Region
	regionB *Region

	// mergedDesc is computed by Prepare
	mergedDesc *regions.RegionDescriptor

	// mergesDir is under regionA
	mergesDir string

	znodeVersion int64

	// We only merge adjacent regions if forcible is false
	forcible bool

	journal []JournalEntry
}

func NewMergeTransaction(a *Region, b *Region, forcible bool) *MergeTransaction {
	mt := &MergeTransaction{
		forcible:     forcible,
		znodeVersion: qdb.VersionNone,
	}
	if a.Descriptor().Compare(b.Descriptor()) <= 0 {
		mt.regionA = a
		mt.regionB = b
	} else {
		mt.regionA = b
		mt.regionB = a
	}
	mt.mergesDir = mt.regionA.RegionFS().MergesDir()
	return mt
}

// Prepare validates the merge inputs. It has no side effects on the
// coordination tree or the filesystem; on success the merged descriptor is
// computed and stored. Returns false when the pair is not mergeable.
func (mt *MergeTransaction) Prepare(ctx context.Context, services Services) bool {
	a := mt.regionA.Descriptor()
	b := mt.regionB.Descriptor()

	if a.Table != b.Table {
		tablog.Zero.Info().
			Str("region-a", a.String()).
			Str("region-b", b.String()).
			Msg("mergetx: can't merge regions because they do not belong to the same table")
		return false
	}
	if a.Equal(b) {
		tablog.Zero.Info().
			Str("region", a.String()).
			Msg("mergetx: can't merge a region with itself")
		return false
	}
	if !mt.forcible && !regions.Adjacent(a, b) {
		tablog.Zero.Info().
			Str("region-a", a.String()).
			Str("region-b", b.String()).
			Msg("mergetx: skip merging because regions are not adjacent")
		return false
	}
	if !mt.regionA.IsMergeable() || !mt.regionB.IsMergeable() {
		return false
	}

	regionAHasMergeQualifier, errA := mt.hasMergeQualifier(ctx, services, a.Name())
	regionBHasMergeQualifier, errB := mt.hasMergeQualifier(ctx, services, b.Name())
	if errA != nil || errB != nil {
		tablog.Zero.Warn().
			AnErr("region-a-err", errA).
			AnErr("region-b-err", errB).
			Str("region-a", a.String()).
			Str("region-b", b.String()).
			Msg("mergetx: failed judging whether merge transaction is available")
		return false
	}
	if regionAHasMergeQualifier || regionBHasMergeQualifier {
		blamed := a
		if !regionAHasMergeQualifier {
			blamed = b
		}
		tablog.Zero.Debug().
			Str("region", blamed.String()).
			Msg("mergetx: region is not mergeable because it has a merge qualifier in the catalog")
		return false
	}

	mt.mergedDesc = regions.MergedDescriptor(a, b)
	return true
}

func (mt *MergeTransaction) hasMergeQualifier(ctx context.Context, services Services, regionName []byte) (bool, error) {
	if services == nil || services.Catalog() == nil {
		return false, nil
	}
	mergeA, mergeB, err := catalog.RegionsFromMergeQualifier(ctx, services.Catalog(), regionName)
	if err != nil {
		return false, err
	}
	return mergeA != nil || mergeB != nil, nil
}

// Execute runs the transaction. If it returns an error the transaction
// failed; call Rollback. host may be nil when testing, in which case no
// coordination or catalog edits are attempted.
func (mt *MergeTransaction) Execute(ctx context.Context, host Host, services Services) (*Region, error) {
	merged, err := mt.createMergedRegion(ctx, host, services)
	if err != nil {
		return nil, err
	}
	if err := mt.openMergedRegion(ctx, host, services, merged); err != nil {
		return nil, err
	}
	if err := mt.transitionNode(ctx, host, services); err != nil {
		return nil, err
	}
	return merged, nil
}

func (mt *MergeTransaction) createMergedRegion(ctx context.Context, host Host, services Services) (*Region, error) {
	tablog.Zero.Info().
		Str("region-a", mt.regionA.EncodedName()).
		Str("region-b", mt.regionB.EncodedName()).
		Bool("forcible", mt.forcible).
		Msg("mergetx: starting merge")

	if (host != nil && host.IsStopped()) || (services != nil && services.IsStopping()) {
		return nil, rserror.New(rserror.RS_SERVER_STOPPED, "server is stopped or stopping")
	}

	// If true, no cluster to write catalog edits to or transition nodes in.
	testing := host == nil || host.Cfg().TestingNoCluster

	if !testing && host.QDB() != nil {
		// Set the ephemeral MERGING node up. Creation alone does not return
		// a version usable for CAS; the self-transition below picks one up
		// and fires the controller's change callback. If the transition
		// fails, rollback deletes the created node since SET_MERGING is
		// already journaled.
		if _, err := coord.CreateEphemeralMerging(ctx, host.QDB(), mt.mergedDesc, host.ServerName()); err != nil {
			return nil, fmt.Errorf("failed creating MERGING node on %s: %w", mt.mergedDesc.EncodedName(), err)
		}
	}
	mt.journal = append(mt.journal, SetMergingInQDB)
	if !testing && host.QDB() != nil {
		version, err := coord.TransitionMerging(ctx, host.QDB(), mt.mergedDesc, host.ServerName(), qdb.VersionNone)
		if err != nil {
			return nil, fmt.Errorf("failed setting MERGING node on %s: %w", mt.mergedDesc.EncodedName(), err)
		}
		mt.znodeVersion = version
	}

	if err := mt.regionA.RegionFS().CreateMergesDir(); err != nil {
		return nil, err
	}
	mt.journal = append(mt.journal, CreatedMergeDir)

	storeFilesOfRegionA, err := mt.closeAndOfflineRegion(services, mt.regionA, true, testing)
	if err != nil {
		return nil, err
	}
	storeFilesOfRegionB, err := mt.closeAndOfflineRegion(services, mt.regionB, false, testing)
	if err != nil {
		return nil, err
	}

	// mergeStoreFiles creates the merged region subtree under region A's
	// merges dir. Nothing to unroll on failure; cleanup of CREATED_MERGE_DIR
	// covers it.
	if err := mt.mergeStoreFiles(storeFilesOfRegionA, storeFilesOfRegionB); err != nil {
		return nil, err
	}

	// Journal that we are creating the merged region BEFORE the change: we
	// could fail halfway through and leave store files that need cleanup.
	mt.journal = append(mt.journal, StartedMergedRegionCreation)
	mergedRegion, err := mt.regionA.CreateMergedRegionFromMerges(mt.mergedDesc, mt.regionB)
	if err != nil {
		return nil, err
	}

	// The point of no return. Subsequent failures need to crash out this
	// region server.
	mt.journal = append(mt.journal, PONR)

	// Add the merged region and retire region A and B as one atomic catalog
	// update. This row set is what decides merged-or-not on recovery: the
	// controller rolls forward if it landed, back if it did not.
	if !testing {
		if err := catalog.MergeRegions(ctx, host.QDB(), mt.mergedDesc,
			mt.regionA.Descriptor(), mt.regionB.Descriptor(), host.ServerName()); err != nil {
			return nil, err
		}
	}
	return mergedRegion, nil
}

func (mt *MergeTransaction) closeAndOfflineRegion(services Services, region *Region, isRegionA bool, testing bool) (map[string][]regionfs.StoreFile, error) {
	storeFiles, errToThrow := region.Close(false)
	if errToThrow == nil && storeFiles == nil {
		// The region was closed by a concurrent actor. We must abandon the
		// merge: the region has probably been moved to a different server
		// or is on its way there.
		errToThrow = rserror.ErrClosedByOtherServer
	}
	if !errors.Is(errToThrow, rserror.ErrClosedByOtherServer) {
		if isRegionA {
			mt.journal = append(mt.journal, ClosedRegionA)
		} else {
			mt.journal = append(mt.journal, ClosedRegionB)
		}
	}
	if errToThrow != nil {
		return nil, errToThrow
	}

	if !testing {
		services.RemoveFromOnlineRegions(region)
	}
	if isRegionA {
		mt.journal = append(mt.journal, OfflinedRegionA)
	} else {
		mt.journal = append(mt.journal, OfflinedRegionB)
	}
	return storeFiles, nil
}

// mergeStoreFiles creates reference files for every store file of both
// regions under region A's merges dir.
func (mt *MergeTransaction) mergeStoreFiles(storeFilesOfRegionA, storeFilesOfRegionB map[string][]regionfs.StoreFile) error {
	rfsA := mt.regionA.RegionFS()
	for familyName, storeFiles := range storeFilesOfRegionA {
		for _, storeFile := range storeFiles {
			if _, err := rfsA.MergeStoreFile(mt.mergedDesc, familyName, storeFile, mt.mergesDir); err != nil {
				return err
			}
		}
	}
	rfsB := mt.regionB.RegionFS()
	for familyName, storeFiles := range storeFilesOfRegionB {
		for _, storeFile := range storeFiles {
			if _, err := rfsB.MergeStoreFile(mt.mergedDesc, familyName, storeFile, mt.mergesDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// openMergedRegion performs the time-consuming open of the merged region and
// deploys it on this server.
func (mt *MergeTransaction) openMergedRegion(ctx context.Context, host Host, services Services, merged *Region) error {
	stopped := host != nil && host.IsStopped()
	stopping := services != nil && services.IsStopping()
	if stopped || stopping {
		tablog.Zero.Info().
			Str("region", merged.EncodedName()).
			Bool("stopping", stopping).
			Bool("stopped", stopped).
			Msg("mergetx: not opening merged region")
		return nil
	}

	var reporter *LoggingProgress
	if host != nil {
		interval := time.Duration(host.Cfg().MergeOpenLogIntervalMs) * time.Millisecond
		reporter = NewLoggingProgress(merged.Descriptor(), interval)
	}
	if err := merged.Open(reporter); err != nil {
		return err
	}

	if services != nil {
		if err := services.PostOpenDeployTasks(ctx, merged); err != nil {
			return fmt.Errorf("failed post-open deploy of merged region %s: %w", merged.EncodedName(), err)
		}
		services.AddToOnlineRegions(merged)
	}
	return nil
}

// transitionNode finishes the transaction: announce the merge on the
// transition node, then keep tickling it until the controller deletes it.
// The tickling guards against the controller missing watch events.
func (mt *MergeTransaction) transitionNode(ctx context.Context, host Host, services Services) error {
	if host == nil || host.QDB() == nil {
		return nil
	}

	version, err := coord.TransitionMergeFinal(ctx, host.QDB(), mt.mergedDesc,
		mt.regionA.Descriptor(), mt.regionB.Descriptor(), host.ServerName(), mt.znodeVersion)
	if err != nil {
		return fmt.Errorf("failed telling controller about merge %s: %w", mt.mergedDesc.EncodedName(), err)
	}
	mt.znodeVersion = version

	startTime := time.Now()
	spins := 0
	for {
		if spins%tickleLogEverySpin == 0 {
			tablog.Zero.Debug().
				Str("region", mt.mergedDesc.EncodedName()).
				Dur("waited", time.Since(startTime)).
				Msg("mergetx: still waiting on the controller to process the merge")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed telling controller about merge %s: %w", mt.mergedDesc.EncodedName(), ctx.Err())
		case <-time.After(tickleInterval):
		}
		// VersionNone back means the node is gone: the controller is done.
		version, err = coord.TickleMerge(ctx, host.QDB(), mt.mergedDesc,
			mt.regionA.Descriptor(), mt.regionB.Descriptor(), host.ServerName(), mt.znodeVersion)
		if err != nil {
			return fmt.Errorf("failed telling controller about merge %s: %w", mt.mergedDesc.EncodedName(), err)
		}
		mt.znodeVersion = version
		spins++
		if mt.znodeVersion == qdb.VersionNone || host.IsStopped() || (services != nil && services.IsStopping()) {
			break
		}
	}

	// The merges dir and its dross stay in place on purpose: the merge
	// succeeded, and the catalog janitor cleans it up when region A is
	// reaped.
	return nil
}

// Rollback undoes the journaled steps in reverse. Returns true when the
// transaction was fully rolled back, false when it had passed the point of
// no return so the caller must abort the server to minimize damage. A
// non-nil error means a rollback step itself failed; abort in that case too.
func (mt *MergeTransaction) Rollback(ctx context.Context, host Host, services Services) (bool, error) {
	if mt.mergedDesc == nil {
		panic("mergetx: rollback before prepare")
	}
	for i := len(mt.journal) - 1; i >= 0; i-- {
		je := mt.journal[i]
		switch je {

		case SetMergingInQDB:
			if host != nil && host.QDB() != nil {
				mt.cleanTransitionNode(ctx, host)
			}

		case CreatedMergeDir:
			mt.regionA.WriteState.WritesEnabled = true
			mt.regionB.WriteState.WritesEnabled = true
			if err := mt.regionA.RegionFS().CleanupMergesDir(); err != nil {
				return false, err
			}

		case ClosedRegionA:
			if err := mt.regionA.Initialize(); err != nil {
				tablog.Zero.Error().
					Err(err).
					Str("region", mt.regionA.EncodedName()).
					Msg("mergetx: failed rolling back CLOSED_REGION_A")
				return false, err
			}

		case OfflinedRegionA:
			if services != nil {
				services.AddToOnlineRegions(mt.regionA)
			}

		case ClosedRegionB:
			if err := mt.regionB.Initialize(); err != nil {
				tablog.Zero.Error().
					Err(err).
					Str("region", mt.regionB.EncodedName()).
					Msg("mergetx: failed rolling back CLOSED_REGION_B")
				return false, err
			}

		case OfflinedRegionB:
			if services != nil {
				services.AddToOnlineRegions(mt.regionB)
			}

		case StartedMergedRegionCreation:
			if err := mt.regionA.RegionFS().CleanupMergedRegion(mt.mergedDesc); err != nil {
				return false, err
			}

		case PONR:
			// We got to the point of no return. Return immediately; do not
			// undo anything, the caller has to abort.
			return false, nil

		default:
			panic(fmt.Sprintf("mergetx: unhandled journal entry: %v", je))
		}
	}
	return true, nil
}

// cleanTransitionNode deletes the MERGING node if it is still ours. A
// missing node is fine; any other store error is grounds for aborting the
// host, since we cannot know what state the claim is in.
func (mt *MergeTransaction) cleanTransitionNode(ctx context.Context, host Host) {
	if err := coord.DeleteMergingNode(ctx, host.QDB(), mt.mergedDesc); err != nil {
		host.Abort(fmt.Sprintf("failed cleanup of transition node %s", mt.mergedDesc.EncodedName()), err)
	}
}

// MergedRegionDescriptor is the descriptor computed by Prepare, nil before.
func (mt *MergeTransaction) MergedRegionDescriptor() *regions.RegionDescriptor {
	return mt.mergedDesc
}

// Journal returns a copy of the journal for inspection.
func (mt *MergeTransaction) Journal() []JournalEntry {
	out := make([]JournalEntry, len(mt.journal))
	copy(out, mt.journal)
	return out
}

// MergesDir returns the merge working directory, for tests.
func (mt *MergeTransaction) MergesDir() string {
	return mt.mergesDir
}
