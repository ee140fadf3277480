package main

import (
	"github.com/spf13/cobra"

	"github.com/tab-sharding/tabrs/pkg/config"
	"github.com/tab-sharding/tabrs/pkg/tablog"
	"github.com/tab-sharding/tabrs/qdb"
	"github.com/tab-sharding/tabrs/qdb/etcdqdb"
	"github.com/tab-sharding/tabrs/qdb/memqdb"
	"github.com/tab-sharding/tabrs/regionserver"
	"github.com/tab-sharding/tabrs/regionserver/app"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use: "tabrs-regionserver --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadRegionServerCfg(cfgPath); err != nil {
			return err
		}
		if err := tablog.UpdateZeroLogLevel(config.RegionServerConfig().LogLevel); err != nil {
			return err
		}

		var db qdb.XQDB
		if config.RegionServerConfig().TestingNoCluster {
			db = memqdb.NewMemQDB()
		} else {
			edb, err := etcdqdb.NewEtcdQDB(config.RegionServerConfig().QdbAddr)
			if err != nil {
				return err
			}
			db = edb
		}

		srv := regionserver.NewServer(config.RegionServerConfig(), db)

		return app.NewApp(srv).Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/tabrs/regionserver.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		tablog.Zero.Fatal().Err(err).Msg("regionserver exited with error")
	}
}
