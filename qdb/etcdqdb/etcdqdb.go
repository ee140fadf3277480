package etcdqdb

import (
	"context"
	"encoding/json"
	"path"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"google.golang.org/grpc"

	"github.com/tab-sharding/tabrs/pkg/models/rserror"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
)

// EtcdQDB keeps transition nodes and catalog rows in etcd. Transition nodes
// are ephemeral: each is attached to a kept-alive lease so that a dead
// region server's claims expire on their own. The node version handed to
// callers is the key's ModRevision, which makes every transition a
// compare-and-swap against concurrent writers.
type EtcdQDB struct {
	cli *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ qdb.XQDB = &EtcdQDB{}

func NewEtcdQDB(addr string) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr},
		DialOptions: []grpc.DialOption{ // TODO remove WithInsecure
			grpc.WithInsecure(), //nolint:all
		},
	})
	if err != nil {
		return nil, err
	}

	tablog.Zero.Debug().
		Str("address", addr).
		Uint("client", tablog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	return &EtcdQDB{
		cli:    cli,
		leases: map[string]clientv3.LeaseID{},
	}, nil
}

const (
	regionTransitionNamespace = "/region-in-transition/"
	catalogNamespace          = "/catalog/"

	transitionKeepAliveTtl = 3
)

func transitionNodePath(key string) string {
	return path.Join(regionTransitionNamespace, key)
}

func catalogNodePath(regionName []byte) string {
	return path.Join(catalogNamespace, string(regionName))
}

func (q *EtcdQDB) Client() *clientv3.Client {
	return q.cli
}

// ==============================================================================
//                              TRANSITION NODES
// ==============================================================================

func (q *EtcdQDB) CreateEphemeralTransition(ctx context.Context, key string, rec *qdb.RegionTransition) error {
	tablog.Zero.Debug().
		Str("key", key).
		Str("event", rec.Event.String()).
		Msg("etcdqdb: create ephemeral transition")

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	leaseGrantResp, err := q.cli.Grant(ctx, transitionKeepAliveTtl)
	if err != nil {
		tablog.Zero.Error().Err(err).Msg("etcdqdb: lease grant failed")
		return err
	}

	keepAliveCh, err := q.cli.KeepAlive(context.Background(), leaseGrantResp.ID)
	if err != nil {
		tablog.Zero.Error().Err(err).Msg("etcdqdb: lease keep alive failed")
		return err
	}

	nodePath := transitionNodePath(key)
	op := clientv3.OpPut(nodePath, string(raw), clientv3.WithLease(leaseGrantResp.ID))
	stat, err := q.cli.Txn(ctx).If(clientv3util.KeyMissing(nodePath)).Then(op).Commit()
	if err != nil {
		return err
	}
	if !stat.Succeeded {
		if _, err := q.cli.Revoke(ctx, leaseGrantResp.ID); err != nil {
			return err
		}
		return rserror.Newf(rserror.RS_NODE_EXISTS, "transition node %v already exists", key)
	}

	q.mu.Lock()
	q.leases[key] = leaseGrantResp.ID
	q.mu.Unlock()

	go func() {
		for resp := range keepAliveCh {
			tablog.Zero.Debug().
				Int64("lease-id", int64(resp.ID)).
				Msg("etcd keep alive channel")
		}
	}()

	return nil
}

func (q *EtcdQDB) GetTransition(ctx context.Context, key string) (*qdb.RegionTransition, int64, error) {
	resp, err := q.cli.Get(ctx, transitionNodePath(key))
	if err != nil {
		return nil, qdb.VersionNone, err
	}

	switch len(resp.Kvs) {
	case 0:
		return nil, qdb.VersionNone, nil
	case 1:
		rec := &qdb.RegionTransition{}
		if err := json.Unmarshal(resp.Kvs[0].Value, rec); err != nil {
			return nil, qdb.VersionNone, err
		}
		return rec, resp.Kvs[0].ModRevision, nil
	default:
		return nil, qdb.VersionNone, rserror.Newf(rserror.RS_METADATA_CORRUPTION, "possible data corruption: multiple key-value pairs found for %v", key)
	}
}

func (q *EtcdQDB) CASTransition(ctx context.Context, key string, fromEvent qdb.TransitionEvent, expectVersion int64, rec *qdb.RegionTransition) (int64, error) {
	tablog.Zero.Debug().
		Str("key", key).
		Str("from", fromEvent.String()).
		Str("to", rec.Event.String()).
		Int64("expect-version", expectVersion).
		Msg("etcdqdb: cas transition")

	cur, version, err := q.GetTransition(ctx, key)
	if err != nil {
		return qdb.VersionNone, err
	}
	if cur == nil || cur.Event != fromEvent {
		return qdb.VersionNone, nil
	}
	if expectVersion != qdb.VersionNone && version != expectVersion {
		return qdb.VersionNone, nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return qdb.VersionNone, err
	}

	nodePath := transitionNodePath(key)
	op := clientv3.OpPut(nodePath, string(raw), clientv3.WithIgnoreLease())
	stat, err := q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(nodePath), "=", version)).
		Then(op).
		Commit()
	if err != nil {
		return qdb.VersionNone, err
	}
	if !stat.Succeeded {
		return qdb.VersionNone, nil
	}
	return stat.Responses[0].GetResponsePut().Header.Revision, nil
}

func (q *EtcdQDB) DeleteTransitionIfEvent(ctx context.Context, key string, event qdb.TransitionEvent) error {
	tablog.Zero.Debug().
		Str("key", key).
		Str("event", event.String()).
		Msg("etcdqdb: delete transition")

	cur, version, err := q.GetTransition(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if cur.Event != event {
		// Not ours anymore; somebody hijacked the node. Leave it be.
		tablog.Zero.Warn().
			Str("key", key).
			Str("state", cur.Event.String()).
			Msg("etcdqdb: transition node not in expected state, skipping delete")
		return nil
	}

	nodePath := transitionNodePath(key)
	if _, err := q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(nodePath), "=", version)).
		Then(clientv3.OpDelete(nodePath)).
		Commit(); err != nil {
		return err
	}

	q.mu.Lock()
	leaseID, ok := q.leases[key]
	delete(q.leases, key)
	q.mu.Unlock()
	if ok {
		if _, err := q.cli.Revoke(ctx, leaseID); err != nil {
			tablog.Zero.Warn().Err(err).Str("key", key).Msg("etcdqdb: lease revoke failed")
		}
	}
	return nil
}

// ==============================================================================
//                                CATALOG ROWS
// ==============================================================================

func (q *EtcdQDB) PutRegionRows(ctx context.Context, rows ...*qdb.RegionRow) error {
	tablog.Zero.Debug().
		Int("rows", len(rows)).
		Msg("etcdqdb: put region rows")

	ops := make([]clientv3.Op, 0, len(rows))
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(catalogNodePath(row.Descriptor.Name()), string(raw)))
	}

	// All rows go through a single txn: partial catalog updates must never
	// be observable.
	if _, err := q.cli.Txn(ctx).Then(ops...).Commit(); err != nil {
		return err
	}
	return nil
}

func (q *EtcdQDB) GetRegionRow(ctx context.Context, regionName []byte) (*qdb.RegionRow, error) {
	resp, err := q.cli.Get(ctx, catalogNodePath(regionName))
	if err != nil {
		return nil, err
	}

	switch len(resp.Kvs) {
	case 0:
		return nil, nil
	case 1:
		row := &qdb.RegionRow{}
		if err := json.Unmarshal(resp.Kvs[0].Value, row); err != nil {
			return nil, err
		}
		return row, nil
	default:
		return nil, rserror.Newf(rserror.RS_METADATA_CORRUPTION, "possible data corruption: multiple catalog rows found for %s", regionName)
	}
}

func (q *EtcdQDB) DeleteRegionRow(ctx context.Context, regionName []byte) error {
	_, err := q.cli.Delete(ctx, catalogNodePath(regionName))
	return err
}
