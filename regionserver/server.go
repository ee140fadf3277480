package regionserver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/exp/maps"

	"github.com/tab-sharding/tabrs/pkg/config"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
)

// Host is the lifecycle capability of the hosting server a transaction
// needs: stop signal, identity, configuration and the coordination/catalog
// store.
type Host interface {
	IsStopped() bool
	ServerName() string
	Cfg() *config.RegionServer
	QDB() qdb.XQDB
	Abort(reason string, err error)
}

// Services is the region-registry capability of the hosting server: the
// online-region set and the post-open deploy hook.
type Services interface {
	IsStopping() bool
	AddToOnlineRegions(region *Region)
	RemoveFromOnlineRegions(region *Region)
	PostOpenDeployTasks(ctx context.Context, region *Region) error
	Catalog() qdb.CatalogQDB
}

// OnlineRegions is the set of regions currently mounted on this server.
type OnlineRegions struct {
	mu      sync.RWMutex
	regions map[string]*Region
}

func NewOnlineRegions() *OnlineRegions {
	return &OnlineRegions{
		regions: map[string]*Region{},
	}
}

func (o *OnlineRegions) Add(region *Region) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regions[region.EncodedName()] = region
}

func (o *OnlineRegions) Remove(region *Region) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.regions, region.EncodedName())
}

func (o *OnlineRegions) Get(encodedName string) *Region {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.regions[encodedName]
}

func (o *OnlineRegions) Snapshot() map[string]*Region {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Clone(o.regions)
}

func (o *OnlineRegions) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.regions)
}

// Server hosts regions on this node. It implements both Host and Services.
type Server struct {
	cfg *config.RegionServer
	db  qdb.XQDB

	online *OnlineRegions

	stopped  atomic.Bool
	stopping atomic.Bool
}

var _ Host = &Server{}
var _ Services = &Server{}

func NewServer(cfg *config.RegionServer, db qdb.XQDB) *Server {
	srv := &Server{
		cfg:    cfg,
		db:     db,
		online: NewOnlineRegions(),
	}
	Register.SetLast(srv)
	return srv
}

func (s *Server) IsStopped() bool  { return s.stopped.Load() }
func (s *Server) IsStopping() bool { return s.stopping.Load() }

func (s *Server) Stop() {
	s.stopping.Store(true)
	s.stopped.Store(true)
}

func (s *Server) ServerName() string {
	return fmt.Sprintf("%s,%s,%s", s.cfg.Host, s.cfg.Port, s.cfg.NodeName)
}

func (s *Server) Cfg() *config.RegionServer { return s.cfg }
func (s *Server) QDB() qdb.XQDB             { return s.db }
func (s *Server) Catalog() qdb.CatalogQDB   { return s.db }

func (s *Server) OnlineRegions() *OnlineRegions { return s.online }

func (s *Server) AddToOnlineRegions(region *Region) {
	s.online.Add(region)
}

func (s *Server) RemoveFromOnlineRegions(region *Region) {
	s.online.Remove(region)
}

// PostOpenDeployTasks finishes deployment of a freshly opened region: its
// catalog row gets this server stamped as the assignee.
func (s *Server) PostOpenDeployTasks(ctx context.Context, region *Region) error {
	if s.db == nil || s.cfg.TestingNoCluster {
		return nil
	}
	row, err := s.db.GetRegionRow(ctx, region.Descriptor().Name())
	if err != nil {
		return err
	}
	if row == nil {
		row = &qdb.RegionRow{
			Descriptor: region.Descriptor(),
			State:      qdb.RegionStateOnline,
		}
	}
	row.Server = s.ServerName()
	return s.db.PutRegionRows(ctx, row)
}

// Abort terminates the server after an unrecoverable failure. The external
// controller takes over from whatever state is left in the coordination tree
// and the catalog.
func (s *Server) Abort(reason string, err error) {
	tablog.Zero.Error().
		Err(err).
		Str("reason", reason).
		Msg("regionserver: aborting")
	s.Stop()
}
