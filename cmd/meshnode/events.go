package main

import (
	"encoding/json"
	"fmt"

	"peermesh/internal/infrastructure/distributed"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newEventsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream membership events published by mesh members",
		Long:  `Subscribes to the redis channel mesh members publish membership events on and prints each event as a JSON line.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			zapLogger := root.logger(cfg)
			defer zapLogger.Sync()

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			ctx, stop := runContext(cmd)
			defer stop()

			bus := distributed.NewEventBus(client, cfg.Redis.Channel, 1, zapLogger.Sugar())
			out := json.NewEncoder(cmd.OutOrStdout())
			err = bus.Subscribe(ctx, func(event distributed.Event) error {
				return out.Encode(event)
			})
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			return nil
		},
	}
}
