package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/embed"
	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/queue"
	"github.com/harborwell/intake-cli/internal/resilience"
)

var (
	workDrain   bool
	workWorkers int
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the job queue workers",
	Long:  "Claims and executes queued jobs: normalize, resolve, embed, summarize. Runs until interrupted, or drains the queue once with --drain.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		asst, err := initAssistant()
		if err != nil {
			return err
		}
		indexer := embed.NewIndexer(e.Store, initEmbedder(), asst, e.Guard)

		workers := cfg.Worker.Workers
		if workWorkers > 0 {
			workers = workWorkers
		}

		d := queue.NewDispatcher(e.Store, queue.Options{
			Workers:      workers,
			PollInterval: time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
			JobTimeout:   time.Duration(cfg.Worker.JobTimeoutSecs) * time.Second,
			Retry: resilience.RetryConfig{
				MaxAttempts: cfg.Worker.MaxAttempts,
			},
		})
		d.Register(model.JobNormalize, e.Resolver.HandleNormalize)
		d.Register(model.JobResolve, e.Resolver.HandleResolve)
		d.Register(model.JobEmbed, indexer.HandleEmbed)
		d.Register(model.JobSummarize, indexer.HandleSummarize)

		if workDrain {
			n, err := d.Drain(ctx)
			if err != nil {
				return err
			}
			printf("drained %d jobs", n)
			return nil
		}

		zap.L().Info("starting workers", zap.Int("workers", workers))
		return d.Run(ctx)
	},
}

func init() {
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "process queued jobs once and exit")
	workCmd.Flags().IntVar(&workWorkers, "workers", 0, "worker count (default from config)")
	rootCmd.AddCommand(workCmd)
}
