package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewAlertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alert",
		Short:   "Alert management commands",
		Aliases: []string{"alerts", "a"},
	}

	// Add subcommands
	cmd.AddCommand(newAlertListCommand())
	cmd.AddCommand(newAlertProcessCommand())
	cmd.AddCommand(newAlertAcknowledgeCommand())
	cmd.AddCommand(newAlertResolveCommand())
	cmd.AddCommand(newAlertEscalateCommand())

	return cmd
}

func newAlertListCommand() *cobra.Command {
	var (
		storeID  uint
		status   string
		severity string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List alerts",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := newClient().ListAlerts(storeID, status, severity)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSTORE\tSEVERITY\tLEVEL\tSTATUS\tTITLE\tDUE")
			for _, alert := range alerts {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
					alert.ID,
					alert.StoreID,
					alert.Severity,
					alert.EscalationLevel,
					alert.Status,
					alert.Title,
					formatTime(alert.ExpiresAt),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().UintVar(&storeID, "store", 0, "Filter by store id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by alert status (active/acknowledged/resolved)")
	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity (yellow/red)")

	return cmd
}

func newAlertProcessCommand() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "process [store_id]",
		Short: "Open alerts for a store's yellow and red KPIs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			day, err := parseDate(date)
			if err != nil {
				return err
			}

			items, err := newClient().ProcessStoreKpis(storeID, day)
			if err != nil {
				return fmt.Errorf("failed to process kpis: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KPI\tRESULT\tALERT")
			for _, item := range items {
				switch {
				case item.Error != "":
					fmt.Fprintf(w, "%s\terror: %s\t-\n", item.KpiCode, item.Error)
				case item.Resolved != nil:
					fmt.Fprintf(w, "%s\tresolved\t%d\n", item.KpiCode, item.Resolved.ID)
				case item.Result != nil && item.Result.Created:
					fmt.Fprintf(w, "%s\tcreated\t%d\n", item.KpiCode, item.Result.Alert.ID)
				case item.Result != nil:
					fmt.Fprintf(w, "%s\texisting\t%d\n", item.KpiCode, item.Result.Alert.ID)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Metric date (YYYY-MM-DD, default today)")
	return cmd
}

func newAlertAcknowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "acknowledge [alert_id]",
		Short:   "Acknowledge an alert",
		Aliases: []string{"ack"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := newClient().AcknowledgeAlert(id); err != nil {
				return fmt.Errorf("failed to acknowledge alert: %w", err)
			}

			fmt.Printf("Alert %d acknowledged\n", id)
			return nil
		},
	}
	return cmd
}

func newAlertResolveCommand() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "resolve [alert_id]",
		Short: "Resolve an alert and complete its open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := newClient().ResolveAlert(id, note); err != nil {
				return fmt.Errorf("failed to resolve alert: %w", err)
			}

			fmt.Printf("Alert %d resolved\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Resolution note")
	return cmd
}

func newAlertEscalateCommand() *cobra.Command {
	var (
		level  int
		reason string
	)

	cmd := &cobra.Command{
		Use:   "escalate [alert_id]",
		Short: "Manually escalate an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			esc, err := newClient().Escalate(id, level, reason)
			if err != nil {
				return fmt.Errorf("failed to escalate alert: %w", err)
			}

			fmt.Printf("Alert %d escalated to level %d (%s)\n", id, esc.ToLevel, esc.Metadata.Action)
			return nil
		},
	}

	cmd.Flags().IntVar(&level, "level", 0, "Target escalation level (1-4)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the escalation")
	cmd.MarkFlagRequired("level")
	return cmd
}
