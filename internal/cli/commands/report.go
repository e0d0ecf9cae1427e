package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Digest report commands",
	}

	var date string
	send := &cobra.Command{
		Use:       "send [daily|weekly]",
		Short:     "Render and email a digest report now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daily", "weekly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			result, err := newClient().SendReport(args[0], day)
			if err != nil {
				return fmt.Errorf("failed to send report: %w", err)
			}

			fmt.Printf("Sent %q to %s\n", result.Subject, strings.Join(result.Recipients, ", "))
			return nil
		},
	}
	send.Flags().StringVar(&date, "date", "", "Report start date (YYYY-MM-DD, default today)")

	cmd.AddCommand(send)
	return cmd
}
