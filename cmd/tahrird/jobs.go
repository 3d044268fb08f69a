package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
	"github.com/tahrirhq/tahrir/internal/ui"
)

var (
	jobsStatus string
	jobsType   string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobs(cmd.Context())
	},
}

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered jobs with their final error",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeadletters(cmd.Context())
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by job status (queued, running, completed, failed, dead_lettered)")
	jobsCmd.Flags().StringVar(&jobsType, "type", "", "filter by job type")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "max rows")
	deadlettersCmd.Flags().IntVar(&jobsLimit, "limit", 50, "max rows")
	rootCmd.AddCommand(jobsCmd, deadlettersCmd)
}

// openReadStore connects to the deployment's database for inspection
// commands.
func openReadStore(ctx context.Context) (store.Storage, error) {
	st, err := openStore(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func runJobs(ctx context.Context) error {
	st, err := openReadStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := core.JobFilter{Limit: jobsLimit}
	if jobsStatus != "" {
		s := core.JobStatus(jobsStatus)
		if !s.IsValid() {
			return fmt.Errorf("unknown job status %q", jobsStatus)
		}
		filter.Status = &s
	}
	if jobsType != "" {
		t := core.JobType(jobsType)
		if !t.IsValid() {
			return fmt.Errorf("unknown job type %q", jobsType)
		}
		filter.JobType = &t
	}

	jobs, err := st.ListJobs(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}

	tbl := ui.NewTable("ID", "TYPE", "STATUS", "ATTEMPT", "QUEUED", "ERROR")
	for _, j := range jobs {
		raw := []string{
			shortID(j.ID),
			string(j.JobType),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			relTime(j.QueuedAt),
			j.Error,
		}
		styled := append([]string(nil), raw...)
		styled[2] = ui.RenderJobStatus(j.Status)
		tbl.AddRow(raw, styled)
	}
	fmt.Print(tbl.Render(ui.TerminalWidth()))
	fmt.Println(ui.MutedStyle.Render(fmt.Sprintf("%d job(s)", len(jobs))))
	return nil
}

func runDeadletters(ctx context.Context) error {
	st, err := openReadStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	letters, err := st.ListDeadLetters(ctx, jobsLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(letters)
	}

	tbl := ui.NewTable("JOB", "TYPE", "QUEUE", "WHEN", "ERROR")
	for _, d := range letters {
		tbl.AddRow([]string{
			shortID(d.JobID),
			string(d.JobType),
			d.QueueName,
			relTime(d.CreatedAt),
			d.Error,
		}, nil)
	}
	fmt.Print(tbl.Render(ui.TerminalWidth()))
	fmt.Println(ui.MutedStyle.Render(fmt.Sprintf("%d dead letter(s)", len(letters))))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// relTime renders an age like "3m" or "2d" for table cells.
func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
