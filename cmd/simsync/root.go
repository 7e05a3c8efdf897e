package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fieldstack/simsync/internal/config"
	"github.com/fieldstack/simsync/internal/platform/logger"
)

// cli carries state shared by every subcommand.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:          "simsync",
		Short:        "Reconcile SIM card inventory against provider reports",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if c.cfgFile != "" {
				c.v.SetConfigFile(c.cfgFile)
			}
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file path (yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	c.bindFlag("server.log_level", root.PersistentFlags(), "log-level")

	root.AddCommand(
		c.newServeCmd(),
		c.newMigrateCmd(),
		c.newTokenCmd(),
		c.newCleanupCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads and validates configuration and installs the default logger.
func (c *cli) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.v)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, log, nil
}

func (c *cli) bindFlag(key string, fs *pflag.FlagSet, flagName string) {
	if err := c.v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}
