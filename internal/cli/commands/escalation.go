package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewEscalationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalation",
		Short:   "Escalation commands",
		Aliases: []string{"esc"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every open alert against the escalation rules now",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().Sweep()
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			fmt.Printf("Scanned %d alerts, %d escalated, %d failed\n",
				result.Scanned, len(result.Escalations), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("  alert %d: %s\n", e.AlertID, e.Error)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List escalations awaiting acknowledgement",
		RunE: func(cmd *cobra.Command, args []string) error {
			escalations, err := newClient().PendingEscalations()
			if err != nil {
				return fmt.Errorf("failed to list escalations: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tALERT\tSTORE\tLEVEL\tTO\tESCALATED")
			for _, e := range escalations {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d->%d\t%s\t%s\n",
					e.ID, e.AlertID, e.StoreID, e.FromLevel, e.ToLevel, e.EscalatedToName, formatTime(&e.EscalatedAt))
			}
			return w.Flush()
		},
	})

	return cmd
}

func NewRuleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rule",
		Short:   "Escalation rule management",
		Aliases: []string{"rules"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [organization_id]",
		Short: "List an organization's escalation rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseID(args[0])
			if err != nil {
				return err
			}
			rules, err := newClient().ListRules(orgID)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tHOURS\tLEVELS\tACTION\tACTIVE\tFIRED")
			for _, r := range rules {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d->%d\t%s\t%v\t%d\n",
					r.ID, r.Name, r.TriggerCondition, r.DurationHours, r.FromLevel, r.ToLevel, r.Action, r.IsActive, r.TriggerCount)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable [rule_id]",
		Short: "Enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := newClient().EnableRule(id); err != nil {
				return fmt.Errorf("failed to enable rule: %w", err)
			}
			fmt.Printf("Rule %d enabled\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable [rule_id]",
		Short: "Disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := newClient().DisableRule(id); err != nil {
				return fmt.Errorf("failed to disable rule: %w", err)
			}
			fmt.Printf("Rule %d disabled\n", id)
			return nil
		},
	})

	cmd.AddCommand(newRuleExportCommand())
	cmd.AddCommand(newRuleImportCommand())
	return cmd
}

func newRuleExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export [organization_id]",
		Short: "Export an organization's rules as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := newClient().ExportRules(orgID)
			if err != nil {
				return fmt.Errorf("failed to export rules: %w", err)
			}
			if output == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Printf("Rules exported to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newRuleImportCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import [organization_id]",
		Short: "Import rules from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			n, err := newClient().ImportRules(orgID, data)
			if err != nil {
				return fmt.Errorf("failed to import rules: %w", err)
			}
			fmt.Printf("Imported %d rules\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file produced by rule export")
	cmd.MarkFlagRequired("file")
	return cmd
}
