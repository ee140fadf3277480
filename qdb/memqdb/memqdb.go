package memqdb

import (
	"context"
	"sync"

	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
)

type transitionNode struct {
	rec     *qdb.RegionTransition
	version int64
}

// MemQDB is the in-memory store used by tests and by the nocluster testing
// mode. Node versions follow a store-wide revision counter, etcd style.
type MemQDB struct {
	mu sync.RWMutex

	transitions map[string]*transitionNode
	rows        map[string]*qdb.RegionRow

	revision int64
}

var _ qdb.XQDB = &MemQDB{}

func NewMemQDB() *MemQDB {
	return &MemQDB{
		transitions: map[string]*transitionNode{},
		rows:        map[string]*qdb.RegionRow{},
	}
}

// ==============================================================================
//                              TRANSITION NODES
// ==============================================================================

func (q *MemQDB) CreateEphemeralTransition(ctx context.Context, key string, rec *qdb.RegionTransition) error {
	tablog.Zero.Debug().
		Str("key", key).
		Str("event", rec.Event.String()).
		Msg("memqdb: create ephemeral transition")
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.transitions[key]; ok {
		return rserror.Newf(rserror.RS_NODE_EXISTS, "transition node %v already exists", key)
	}
	q.revision++
	q.transitions[key] = &transitionNode{rec: rec, version: q.revision}
	return nil
}

func (q *MemQDB) GetTransition(ctx context.Context, key string) (*qdb.RegionTransition, int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	node, ok := q.transitions[key]
	if !ok {
		return nil, qdb.VersionNone, nil
	}
	return node.rec, node.version, nil
}

func (q *MemQDB) CASTransition(ctx context.Context, key string, fromEvent qdb.TransitionEvent, expectVersion int64, rec *qdb.RegionTransition) (int64, error) {
	tablog.Zero.Debug().
		Str("key", key).
		Str("from", fromEvent.String()).
		Str("to", rec.Event.String()).
		Int64("expect-version", expectVersion).
		Msg("memqdb: cas transition")
	q.mu.Lock()
	defer q.mu.Unlock()

	node, ok := q.transitions[key]
	if !ok {
		return qdb.VersionNone, nil
	}
	if node.rec.Event != fromEvent {
		return qdb.VersionNone, nil
	}
	if expectVersion != qdb.VersionNone && node.version != expectVersion {
		return qdb.VersionNone, nil
	}
	q.revision++
	node.rec = rec
	node.version = q.revision
	return node.version, nil
}

func (q *MemQDB) DeleteTransitionIfEvent(ctx context.Context, key string, event qdb.TransitionEvent) error {
	tablog.Zero.Debug().
		Str("key", key).
		Str("event", event.String()).
		Msg("memqdb: delete transition")
	q.mu.Lock()
	defer q.mu.Unlock()

	node, ok := q.transitions[key]
	if !ok {
		return nil
	}
	if node.rec.Event != event {
		// Not ours anymore; somebody hijacked the node. Leave it be.
		tablog.Zero.Warn().
			Str("key", key).
			Str("state", node.rec.Event.String()).
			Msg("memqdb: transition node not in expected state, skipping delete")
		return nil
	}
	delete(q.transitions, key)
	return nil
}

// ==============================================================================
//                                CATALOG ROWS
// ==============================================================================

func (q *MemQDB) PutRegionRows(ctx context.Context, rows ...*qdb.RegionRow) error {
	tablog.Zero.Debug().
		Int("rows", len(rows)).
		Msg("memqdb: put region rows")
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, row := range rows {
		q.rows[string(row.Descriptor.Name())] = row
	}
	return nil
}

func (q *MemQDB) GetRegionRow(ctx context.Context, regionName []byte) (*qdb.RegionRow, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	row, ok := q.rows[string(regionName)]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (q *MemQDB) DeleteRegionRow(ctx context.Context, regionName []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.rows, string(regionName))
	return nil
}
