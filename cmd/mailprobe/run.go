package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/scheduler"
	"github.com/tracyhatemice/mailprobe/internal/server"
)

func newRunCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Probe continuously on the configured interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runContinuous(cmd.Context(), rt)
		},
	}
}

func runContinuous(parent context.Context, rt *runtimeState) error {
	log := rt.log
	cfg := rt.cfg

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.RealClock{}
	a, err := buildApp(cfg, log, clk)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warnw("Failed to release resources", "error", err)
		}
	}()

	if err := a.warm(ctx, cfg.Monitoring.RequestTimeout()); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("credential rejected at startup: %w", err)}
	}

	var wg sync.WaitGroup

	if cfg.Status.Listen != "" {
		srv := server.NewServer(cfg.Status.Listen, log.Desugar().Named("http"), a.recorder, a.cycle, cfg.LogLevel == "debug")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Errorw("Status server failed", "error", err)
			}
		}()
	}

	sched := scheduler.New(a.cycle, clk, cfg.Monitoring.Interval(), log.Named("scheduler"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	<-ctx.Done()
	log.Infow("Shutting down, waiting for the running cycle to finish")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Warnw("Forced shutdown")
		os.Exit(exitFailure)
	}()

	wg.Wait()
	log.Infow("mailprobe stopped")
	return nil
}
