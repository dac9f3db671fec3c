package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/reader"
)

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render a live-updating table of jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		bus := eventbus.New(nil)
		stop := make(chan struct{})
		go pollAndPublish(bus, interval, stop)
		defer close(stop)

		p := tea.NewProgram(newWatchModel(bus))
		_, err = p.Run()
		return err
	},
}

func init() {
	jobsWatchCmd.Flags().Duration("interval", time.Second, "poll interval")
}

// pollAndPublish re-reads the aggregated job list on a ticker and publishes
// a state:change event whenever the snapshot differs from the last one.
// This is the in-process demonstration of the event bus's subscriber
// contract called for by SPEC_FULL.md §D: pipeforgectl runs in its own
// process from pipeforged/pipeforge-runner, so there is no cross-process
// bus to subscribe to — the poller manufactures the same event shape the
// status writer would publish in-process.
func pollAndPublish(bus *eventbus.Bus, interval time.Duration, stop <-chan struct{}) {
	var last []reader.JobSummary
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current, _ := listSummaries(paths.Current)
			complete, _ := listSummaries(paths.Complete)
			agg := reader.AggregateJobs(current, complete)
			if !summariesEqual(agg, last) {
				last = agg
				bus.Publish(eventbus.TopicStateChange, agg)
			}
		}
	}
}

func listSummaries(bucket paths.Bucket) ([]reader.JobSummary, error) {
	ids, err := reader.ListJobs(dataRoot, bucket)
	if err != nil {
		return nil, err
	}
	out := make([]reader.JobSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := reader.ReadJob(dataRoot, id, bucket)
		if err != nil {
			continue
		}
		out = append(out, reader.SummarizeJob(rec))
	}
	return out, nil
}

func summariesEqual(a, b []reader.JobSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

type watchModel struct {
	bus  *eventbus.Bus
	sub  *eventbus.Subscription
	jobs []reader.JobSummary
}

type jobsMsg []reader.JobSummary

func newWatchModel(bus *eventbus.Bus) watchModel {
	return watchModel{bus: bus, sub: bus.Subscribe(eventbus.TopicStateChange)}
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.sub)
}

func waitForEvent(sub *eventbus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.C
		if !ok {
			return nil
		}
		jobs, _ := ev.([]reader.JobSummary)
		return jobsMsg(jobs)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case jobsMsg:
		m.jobs = msg
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

func (m watchModel) View() string {
	out := headerStyle.Render(fmt.Sprintf("%-24s %-10s %-10s", "JOB ID", "BUCKET", "STATE")) + "\n"
	for _, j := range m.jobs {
		row := fmt.Sprintf("%-24s %-10s %-10s", j.ID, j.Bucket, j.State)
		switch j.State {
		case "running":
			row = runningStyle.Render(row)
		case "failed":
			row = failedStyle.Render(row)
		case "complete":
			row = doneStyle.Render(row)
		}
		out += row + "\n"
	}
	out += "\n(press q to quit)\n"
	return out
}
