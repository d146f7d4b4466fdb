package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var undoUser string

var undoCmd = &cobra.Command{
	Use:   "undo <batch-id>",
	Short: "Revert everything an ingestion batch created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if undoUser == "" {
			return eris.New("--user is required")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Gateway.UndoBatch(ctx, undoUser, args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	undoCmd.Flags().StringVar(&undoUser, "user", "", "user id")
	rootCmd.AddCommand(undoCmd)
}
