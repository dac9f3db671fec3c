package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/pipeforge/pipeforge/internal/lifecycle"
	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/reader"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect pipeline jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs across current and complete, newest-priority first",
	RunE: func(cmd *cobra.Command, args []string) error {
		currentIDs, err := reader.ListJobs(dataRoot, paths.Current)
		if err != nil {
			return fmt.Errorf("listing current jobs: %w", err)
		}
		completeIDs, err := reader.ListJobs(dataRoot, paths.Complete)
		if err != nil {
			return fmt.Errorf("listing complete jobs: %w", err)
		}

		current := summarize(currentIDs, paths.Current)
		complete := summarize(completeIDs, paths.Complete)
		agg := reader.AggregateJobs(current, complete)

		if wantJSON() {
			return printJSON(agg)
		}
		return printTable(agg)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <jobId>",
	Short: "Show one job's status document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := reader.ReadJob(dataRoot, args[0], "")
		if err != nil {
			return fmt.Errorf("reading job %s: %w", args[0], err)
		}
		return printJSON(map[string]any{
			"status": rec.Status.Raw,
			"meta":   rec.Meta,
			"bucket": rec.Bucket,
		})
	},
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <jobId>",
	Short: "Signal a running job's runner process to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := lifecycle.StopJob(dataRoot, args[0]); err != nil {
			return fmt.Errorf("stopping job %s: %w", args[0], err)
		}
		fmt.Printf("sent stop signal to job %s\n", args[0])
		return nil
	},
}

var jobsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the last N entries of the completed-run summary log",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := cmd.Flags().GetInt("n")
		if err != nil {
			return err
		}
		runs, err := reader.TailRuns(dataRoot, n)
		if err != nil {
			return fmt.Errorf("tailing runs.jsonl: %w", err)
		}
		return printJSON(runs)
	},
}

func summarize(ids []string, bucket paths.Bucket) []reader.JobSummary {
	out := make([]reader.JobSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := reader.ReadJob(dataRoot, id, bucket)
		if err != nil {
			continue
		}
		out = append(out, reader.SummarizeJob(rec))
	}
	return out
}

func wantJSON() bool {
	return jsonOutput || !isatty.IsTerminal(os.Stdout.Fd())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(jobs []reader.JobSummary) error {
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	fmt.Printf("%-24s %-10s %-10s %-24s\n", "JOB ID", "BUCKET", "STATE", "CREATED AT")
	for _, j := range jobs {
		fmt.Printf("%-24s %-10s %-10s %-24s\n", j.ID, j.Bucket, j.State, j.CreatedAt)
	}
	return nil
}

func init() {
	jobsRecentCmd.Flags().Int("n", 10, "number of recent runs to show")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsStopCmd, jobsRecentCmd, jobsWatchCmd)
}
