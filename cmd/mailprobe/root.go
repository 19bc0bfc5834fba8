package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/config"
	"github.com/tracyhatemice/mailprobe/internal/logging"
)

// Process exit statuses.
const (
	exitFailure = 1
	exitConfig  = 2
)

// Commands carrying this annotation read the configuration without
// validating it.
const uncheckedConfig = "mailprobe/unchecked-config"

// exitError carries the exit status of a command. A nil err means the
// command already reported the problem.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

type runtimeState struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	log        *zap.SugaredLogger
}

func newRootCommand() *cobra.Command {
	rt := &runtimeState{}

	root := &cobra.Command{
		Use:           "mailprobe",
		Short:         "Measure end-to-end email delivery latency",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.load(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if rt.log != nil {
				_ = rt.log.Sync()
			}
		},
	}

	defaultConfig := os.Getenv("MAILPROBE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&rt.configPath, "config", defaultConfig, "path to configuration file (env MAILPROBE_CONFIG)")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override log_level from the configuration")

	root.AddCommand(
		newRunCommand(rt),
		newOnceCommand(rt),
		newAuthorizeCommand(rt),
	)
	return root
}

func (rt *runtimeState) load(cmd *cobra.Command) error {
	read := config.Load
	if _, ok := cmd.Annotations[uncheckedConfig]; ok {
		read = config.Read
	}
	cfg, err := read(rt.configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if rt.logLevel != "" {
		cfg.LogLevel = rt.logLevel
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	rt.cfg = cfg
	rt.log = log
	return nil
}
