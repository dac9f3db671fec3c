package cmd

import (
	"github.com/spf13/cobra"
)

// dataRoot is the --data-root persistent flag every subcommand reads
// through to locate pipeline-data/ (spec.md §6 "data-root").
var dataRoot string

// jsonOutput forces one-shot JSON output instead of a rendered table, used
// automatically when stdout isn't a TTY (SPEC_FULL.md §D go-isatty note).
var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "pipeforgectl",
	Short: "Inspect and control pipeforge jobs",
	Long: `pipeforgectl is a thin operator CLI over the pipeline job lifecycle:
listing and inspecting jobs across the current and complete buckets,
stopping a running job's runner process, and watching jobs update live.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", ".", "pipeline data root directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "force JSON output")
	rootCmd.AddCommand(jobsCmd)
}
