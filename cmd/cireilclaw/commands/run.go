package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/harness"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start all configured agents",
		Long: `Load every agent under the cireilclaw root, connect their chat
transports, and start heartbeats and cron jobs. The first interrupt
drains gracefully; a second one force-exits.`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	h, err := harness.New(config.RootDir(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		return err
	}
	logger.Info("cireilclaw running, press Ctrl+C to stop", "agents", len(h.Agents()))

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("shutdown signal received, draining")
	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-sigs:
		logger.Error("second interrupt, forcing exit")
		os.Exit(1)
		return nil
	}
}
