package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/probe"
)

func newOnceCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single probe cycle and exit",
		Long: `Run a single probe cycle and exit.

The exit status is 0 when the probe was delivered, 1 when the cycle failed
and 2 when the configuration or credentials are unusable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), rt, cmd.OutOrStdout())
		},
	}
}

func runOnce(parent context.Context, rt *runtimeState, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(rt.cfg, rt.log, clock.RealClock{})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer func() {
		if err := a.close(); err != nil {
			rt.log.Warnw("Failed to release resources", "error", err)
		}
	}()

	if err := a.warm(ctx, rt.cfg.Monitoring.RequestTimeout()); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("credential rejected at startup: %w", err)}
	}

	return onceResult(out, a.cycle.Run(ctx))
}

// onceResult prints o and maps it to the exit status of the once command.
func onceResult(out io.Writer, o probe.Outcome) error {
	printOutcome(out, o)
	if !o.Success {
		return &exitError{code: exitFailure}
	}
	return nil
}

func printOutcome(out io.Writer, o probe.Outcome) {
	if o.Success {
		fmt.Fprintf(out, "delivered probe %s in %.3fs\n", o.ProbeID, *o.DeliverySeconds)
		return
	}
	fmt.Fprintf(out, "probe %s failed: %s", o.ProbeID, o.Reason())
	if o.Detail != "" {
		fmt.Fprintf(out, " (%s)", o.Detail)
	}
	fmt.Fprintln(out)
}
