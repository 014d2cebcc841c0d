package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage stored conversations",
	}

	cmd.AddCommand(threadsListCmd())
	cmd.AddCommand(threadsShowCmd())
	cmd.AddCommand(threadsDeleteCmd())

	return cmd
}

func threadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errHistoryDisabled
			}

			threads, err := a.history.ListThreads(cmd.Context())
			if err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tCREATED")
			for _, th := range threads {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", th.ID, th.Title, len(th.Messages), th.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func threadsShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errHistoryDisabled
			}

			th, err := a.history.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(th)
			}

			fmt.Fprintf(out, "%s\n", th.Title)
			fmt.Fprintf(out, "Model: %s\n", th.ModelID)
			if th.SystemPrompt != "" {
				fmt.Fprintf(out, "System: %s\n", th.SystemPrompt)
			}
			fmt.Fprintln(out)
			for _, m := range th.Messages {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Date.Format("15:04"), m.Role, m.Text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the thread as JSON")

	return cmd
}

func threadsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <thread-id>...",
		Aliases: []string{"rm"},
		Short:   "Delete stored conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errHistoryDisabled
			}

			for _, id := range args {
				if err := a.history.DeleteThread(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}
