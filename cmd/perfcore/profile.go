package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/perfcore/internal/capability"
)

func newProfileCmd() *cobra.Command {
	var opts capability.Options
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Profile the host and print its capability class as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := capability.Run(cmd.Context(), opts)
			if err != nil {
				// the profile falls back to defaults for the failed parts
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.BenchDir, "bench-dir", "", "directory for the disk benchmark scratch file (default: system temp dir)")
	f.IntVar(&opts.BenchIterations, "bench-iterations", 0, "disk benchmark iterations (default 10)")
	f.BoolVar(&opts.SkipBenchmark, "skip-bench", false, "skip the disk benchmark and assume the default throughput")
	return cmd
}
