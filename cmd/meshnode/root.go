package main

import (
	"os"

	"peermesh/pkg/config"
	"peermesh/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"config.yaml",
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "meshnode",
		Short:         "Full-mesh WebRTC membership node",
		Long:          `meshnode keeps a fully connected WebRTC data-channel mesh, discovering members by gossip and evicting unreachable ones by vote.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newOfferCmd())
	cmd.AddCommand(newEventsCmd(opts))
	return cmd
}

// load reads the configured file, or the first default path that exists.
func (o *rootOptions) load() (*config.Config, error) {
	if o.configPath != "" {
		return config.Load(o.configPath)
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	// a missing file yields the defaults plus environment overrides
	return config.Load(defaultConfigPaths[0])
}

func (o *rootOptions) logger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.Logging.Level, cfg.Logging.Format)
}
