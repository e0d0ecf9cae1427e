package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Voice call history",
	}

	var limit int
	history := &cobra.Command{
		Use:   "history [store_id]",
		Short: "List a store's escalation calls, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			calls, err := newClient().CallHistory(storeID, limit)
			if err != nil {
				return fmt.Errorf("failed to load call history: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tRECIPIENT\tPHONE\tSTATUS\tOUTCOME\tDURATION\tSCHEDULED")
			for _, c := range calls {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%ds\t%s\n",
					c.ID, c.RecipientName, c.ToPhone, c.CallStatus, c.Outcome, c.DurationSeconds, formatTime(&c.ScheduledAt))
			}
			return w.Flush()
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum number of calls")

	cmd.AddCommand(history)
	return cmd
}
