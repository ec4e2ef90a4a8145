package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kv-sharding/kvcoord/coordinator/app"
	"github.com/kv-sharding/kvcoord/pkg/config"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/proxyclient"
	"github.com/kv-sharding/kvcoord/qdb"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use: "kvcoord-coordinator --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.LoadCoordinatorCfg(cfgPath); err != nil {
			return err
		}
		cfg := config.CoordinatorConfig()

		if err := kvlog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
			return err
		}
		if cfg.ReporterID == "" {
			cfg.ReporterID = uuid.NewString()
		}

		db, err := qdb.NewQDB(cfg.QdbKind)
		if err != nil {
			return err
		}

		proxies := proxyclient.NewPool(cfg.ProxyDialTimeout, cfg.ProxyIOTimeout)
		defer func() {
			if err := proxies.Close(); err != nil {
				kvlog.Zero.Error().Err(err).Msg("failed to close proxy clients")
			}
		}()

		coordApp := app.NewApp(db, proxies)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			kvlog.Zero.Info().Msg("shutting down coordinator")
			coordApp.Stop()
		}()

		return coordApp.Run(context.Background())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/kvcoord/coordinator.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		kvlog.Zero.Fatal().Err(err).Msg("")
	}
}
