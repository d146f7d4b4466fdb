package main

import (
	"github.com/spf13/cobra"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
)

var (
	jobsUser   string
	jobsStatus string
	jobsKind   string
	jobsBatch  string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and replay queue jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		jobs, err := e.Store.ListJobs(ctx, jobsUser, store.JobFilter{
			Status:  model.JobStatus(jobsStatus),
			Kind:    model.JobKind(jobsKind),
			BatchID: jobsBatch,
			Limit:   jobsLimit,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			printf("no jobs match")
			return nil
		}

		for _, j := range jobs {
			line := j.ID + "  " + string(j.Kind) + "  " + string(j.Status)
			if j.LastError != "" {
				line += "  " + j.LastError
			}
			printf("%s  attempts=%d/%d", line, j.Attempts, j.MaxAttempts)
		}
		return nil
	},
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay <job-id>",
	Short: "Re-queue a terminally failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Store.ReplayJob(ctx, args[0]); err != nil {
			return err
		}
		printf("job %s queued", args[0])
		return nil
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsUser, "user", "", "filter by user id")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, running, completed, failed)")
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "filter by kind (normalize, resolve, embed, summarize)")
	jobsListCmd.Flags().StringVar(&jobsBatch, "batch", "", "filter by batch id")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 100, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsReplayCmd)
	rootCmd.AddCommand(jobsCmd)
}
