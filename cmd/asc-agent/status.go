package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rand/asc/internal/messagebus"
	"github.com/rand/asc/pkg/config"
	"github.com/rand/asc/pkg/models"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Observe agent status published over NATS",
	}
	cmd.AddCommand(newStatusWatchCommand())
	return cmd
}

func newStatusWatchCommand() *cobra.Command {
	var (
		natsURL string
		agent   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every agent heartbeat as a JSON line until interrupted",
		Example: `  asc-agent status watch --nats-url nats://localhost:4222
  asc-agent status watch --agent tester`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if natsURL == "" {
				natsURL = cfg.Heartbeat.NatsURL
			}

			mb, err := messagebus.NewNatsMessageBus(messagebus.Config{URL: natsURL})
			if err != nil {
				return err
			}
			defer mb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchStatus(ctx, mb, cmd.OutOrStdout(), agent)
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (defaults to heartbeat.nats_url)")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Only show this agent")
	return cmd
}

// watchStatus writes each heartbeat from sub to w as one JSON line until ctx
// is done. A non-empty agent filters by agent name.
func watchStatus(ctx context.Context, sub messagebus.StatusSubscriber, w io.Writer, agent string) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	err := sub.SubscribeStatus(func(hb *models.Heartbeat) {
		if agent != "" && hb.AgentName != agent {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(hb)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
