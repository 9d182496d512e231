// Command perfcore runs the self-tuning performance monitor and predictive
// cache warmer, and offers offline inspection of its host profile and
// persisted thresholds.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/perfcore/internal/core/config"
	"github.com/mohammed-shakir/perfcore/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "perfcore",
		Short: "Self-tuning performance monitor with predictive cache warming",
		Long: `perfcore learns metric baselines, adapts alert thresholds to the host it
runs on, raises context-aware alerts and warms cache keys it expects to be
requested next.

Configuration is read from the environment (ADDR, REDIS_ADDR, STATE_DRIVER,
RULES_FILE, KAFKA_*, PREDICTIVE_*, ...).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newProfileCmd(), newReportCmd())
	return root
}

func buildLogger(cfg config.Config, component string) *slog.Logger {
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "perfcore",
		Component: component,
	}, os.Stdout)
	return logger.NewSlog(&zl)
}
