package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReplayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Reprocess webhook events that were recorded but never finished",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.Storage.Driver == "memory" || cfg.Queue.Driver == "memory" {
				return errors.New("replay needs persistent storage and a shared queue")
			}

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.gateway.Replay(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("🔄 Replay finished", zap.Int("events", n))
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s)\n", n)
			return nil
		},
	}
}
