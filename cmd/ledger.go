package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	ledgerUser  string
	ledgerBatch string
	ledgerLimit int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the sync ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ledgerUser == "" {
			return eris.New("--user is required")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.Store.ListLedger(ctx, ledgerUser, ledgerBatch, ledgerLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printf("no ledger entries")
			return nil
		}
		return printJSON(entries)
	},
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerUser, "user", "", "user id")
	ledgerCmd.Flags().StringVar(&ledgerBatch, "batch", "", "filter by batch id")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 100, "max entries")
	rootCmd.AddCommand(ledgerCmd)
}
