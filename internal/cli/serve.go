package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/engine"
	"github.com/flowforge/orchestrator/internal/logging"
	"github.com/flowforge/orchestrator/internal/spawner"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine tick loop until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// runServe wires the engine to the session spawner and drives it
// until SIGINT/SIGTERM, alongside an independent ticker expiring
// lapsed credential leases (spec §4.B: "Runs at a configurable
// interval (default 60 s)").
func runServe(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	sp := spawner.New(svc.cfg.Agent.Command, svc.cfg.Agent.Args)

	eng := engine.New(svc.workflows, svc.credentials, svc.git, sp,
		engine.WithTickInterval(svc.cfg.Engine.TickInterval.Duration()),
		engine.WithMinPollInterval(svc.cfg.Engine.MinPollInterval.Duration()),
		engine.WithMaxPollInterval(svc.cfg.Engine.MaxPollInterval.Duration()),
		engine.WithPollBackoffFactor(svc.cfg.Engine.PollBackoffFactor),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	logging.Infof("engine started, tick=%s", svc.cfg.Engine.TickInterval.Duration())

	leaseTicker := time.NewTicker(svc.cfg.Engine.LeaseExpiryInterval.Duration())
	defer leaseTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			eng.Stop()
			logging.Infof("engine stopped")
			return nil
		case <-leaseTicker.C:
			n, err := svc.credentials.ExpireLeases()
			if err != nil {
				logging.Errorf("expiring leases: %s", err)
				continue
			}
			if n > 0 {
				logging.Infof("expired %d lease(s)", n)
			}
		}
	}
}
