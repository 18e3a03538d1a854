package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"peermesh/internal/node"

	"github.com/spf13/cobra"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var joinURL, joinSecret string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mesh member",
		Long:  `Runs a mesh member with its control API and handshake endpoint. With --join it bootstraps into an existing mesh through that member's handshake endpoint.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			zapLogger := root.logger(cfg)
			defer zapLogger.Sync()
			log := zapLogger.Sugar()

			n, err := node.New(cfg, zapLogger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ready := func() {
				if joinURL == "" {
					return
				}
				go func() {
					id, err := n.Join(ctx, joinURL, joinSecret)
					if err != nil {
						log.Errorw("Failed to join mesh", "url", joinURL, "error", err)
						return
					}
					log.Infow("Joined mesh", "url", joinURL, "local_id", id.String())
				}()
			}
			return n.Run(ctx, ready)
		},
	}
	cmd.Flags().StringVar(&joinURL, "join", "", "handshake endpoint of an existing member (ws:// or wss://)")
	cmd.Flags().StringVar(&joinSecret, "secret", "", "join invite issued by the existing member")
	cmd.MarkFlagsRequiredTogether("join", "secret")
	return cmd
}

// runContext is used by commands that only need interrupt handling.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
