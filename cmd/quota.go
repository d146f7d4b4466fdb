package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var quotaUser string

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and grant AI-service budgets",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's remaining budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if quotaUser == "" {
			return eris.New("--user is required")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		remaining, err := e.Guard.Remaining(ctx, quotaUser)
		if err != nil {
			return err
		}
		printf("%s: %d units remaining", quotaUser, remaining)
		return nil
	},
}

var quotaGrantCmd = &cobra.Command{
	Use:   "grant <units>",
	Short: "Add units to a user's budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if quotaUser == "" {
			return eris.New("--user is required")
		}

		units, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid unit count %q", args[0])
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Guard.Grant(ctx, quotaUser, units); err != nil {
			return err
		}

		remaining, err := e.Guard.Remaining(ctx, quotaUser)
		if err != nil {
			return err
		}
		printf("%s: %d units remaining", quotaUser, remaining)
		return nil
	},
}

func init() {
	quotaCmd.PersistentFlags().StringVar(&quotaUser, "user", "", "user id")
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaGrantCmd)
	rootCmd.AddCommand(quotaCmd)
}
