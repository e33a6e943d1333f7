package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"petfeeder/internal/feeding"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "feeder",
		Short: "Recurring feeding scheduler and dispatch engine",
		Long: `feeder evaluates every owner's weekly feeding schedules on a fixed tick,
dispenses each due portion at most once per occurrence and records the result.

Configuration is read from --config (JSON or YAML). MATCH_WINDOW_SECONDS,
TICK_INTERVAL_SECONDS, ACTUATOR_TIMEOUT_SECONDS, PORTION_MIN, PORTION_MAX and
TIME_ZONE override the file.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", os.Getenv("FEEDER_CONFIG"), "path to config file (json or yaml)")

	root.AddCommand(
		runCommand(),
		tickCommand(),
		feedCommand(),
		foodLevelCommand(),
		checkConfigCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration errors to EX_CONFIG so init systems can tell
// them apart from runtime failures.
func exitCode(err error) int {
	if errors.Is(err, feeding.ErrConfiguration) {
		return 78
	}
	return 1
}
