package main

import (
	"github.com/spf13/cobra"

	"github.com/harborwell/intake-cli/internal/ingest"
)

var ingestBatchID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <manifest>",
	Short: "Ingest a batch manifest (YAML or JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, err := ingest.LoadManifest(args[0])
		if err != nil {
			return err
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		batchID := m.BatchID
		if ingestBatchID != "" {
			batchID = ingestBatchID
		}

		res, err := e.Gateway.IngestBatch(ctx, m.UserID, batchID, m.Events)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestBatchID, "batch", "", "override the manifest's batch id")
	rootCmd.AddCommand(ingestCmd)
}
