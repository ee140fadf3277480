package app

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/regionserver"
)

type App struct {
	srv *regionserver.Server
}

func NewApp(srv *regionserver.Server) *App {
	return &App{
		srv: srv,
	}
}

// Run serves until a termination signal arrives, then stops the server so
// in-flight merges observe the stop signal and wind down.
func (app *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		tablog.Zero.Info().Msg("app: stop signal received")
		app.srv.Stop()
		return nil
	})

	tablog.Zero.Info().
		Str("server", app.srv.ServerName()).
		Msg("app: region server started")
	return g.Wait()
}
