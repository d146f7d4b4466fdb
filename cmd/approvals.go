package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	approvalsUser  string
	approvalsLimit int
	approveName    string
	approveBatch   string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review pending identity suggestions",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if approvalsUser == "" {
			return eris.New("--user is required")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		suggestions, err := e.Store.ListPendingSuggestions(ctx, approvalsUser, approvalsLimit)
		if err != nil {
			return err
		}
		if len(suggestions) == 0 {
			printf("no pending suggestions")
			return nil
		}

		for _, s := range suggestions {
			printf("%s  %s %-10s %-40s events=%d", s.ID, s.Provider, s.Kind, s.Value, s.EventCount)
			if s.Excerpt != "" {
				printf("    %s", s.Excerpt)
			}
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <suggestion-id>",
	Short: "Approve a suggestion, creating or linking a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Resolver.Approve(ctx, args[0], approveName, approveBatch)
		if err != nil {
			return err
		}

		verb := "linked to existing"
		if res.Created {
			verb = "created"
		}
		printf("%s contact %s (%s), %d interactions linked",
			verb, res.Contact.ID, res.Contact.DisplayName, res.Linked)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <suggestion-id>",
	Short: "Reject a suggestion, ignoring its identifier permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		rejected, err := e.Resolver.Reject(ctx, args[0])
		if err != nil {
			return err
		}
		printf("rejected, %d events marked", rejected)
		return nil
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsUser, "user", "", "user id")
	approvalsListCmd.Flags().IntVar(&approvalsLimit, "limit", 50, "max suggestions to list")
	approveCmd.Flags().StringVar(&approveName, "name", "", "display name for a newly created contact")
	approveCmd.Flags().StringVar(&approveBatch, "batch", "", "batch id the new contact is attributed to")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approveCmd)
	approvalsCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}
