package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "health",
		Short:   "Store health commands",
		Aliases: []string{"h"},
	}

	cmd.AddCommand(newHealthCheckCommand())
	cmd.AddCommand(newHealthCheckAllCommand())
	cmd.AddCommand(newHealthDashboardCommand())

	return cmd
}

func newHealthCheckCommand() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "check [store_id]",
		Short: "Recompute one store's health snapshot",
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

			rep, err := newClient().CheckStoreHealth(storeID, day)
			if err != nil {
				return fmt.Errorf("failed to check store health: %w", err)
			}

			s := rep.Snapshot
			fmt.Printf("Store %d on %s: %s (score %.1f, level %d)\n",
				s.StoreID, s.SnapshotDate.Format(dateLayout), s.OverallStatus, s.HealthScore, s.EscalationLevel)
			fmt.Println(s.Summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD, default today)")
	return cmd
}

func newHealthCheckAllCommand() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "check-all",
		Short: "Recompute health snapshots for every active store",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			result, err := newClient().CheckAllStores(day)
			if err != nil {
				return fmt.Errorf("failed to check stores: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "STORE\tNAME\tSTATUS\tSCORE\tLEVEL")
			for _, s := range result.Stores {
				switch {
				case s.Error != "":
					fmt.Fprintf(w, "%s\t%s\terror: %s\t-\t-\n", s.StoreCode, s.StoreName, s.Error)
				case s.Report == nil:
					fmt.Fprintf(w, "%s\t%s\tno data\t-\t-\n", s.StoreCode, s.StoreName)
				default:
					snap := s.Report.Snapshot
					fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\n", s.StoreCode, s.StoreName, snap.OverallStatus, snap.HealthScore, snap.EscalationLevel)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD, default today)")
	return cmd
}

func newHealthDashboardCommand() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the cross-store health overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			o, err := newClient().Dashboard(day)
			if err != nil {
				return fmt.Errorf("failed to load dashboard: %w", err)
			}

			fmt.Printf("Stores: %d  green: %d  yellow: %d  red: %d  requiring action: %d  average score: %.1f\n",
				o.TotalStores, o.GreenStores, o.YellowStores, o.RedStores, o.StoresRequiringAction, o.AverageHealthScore)
			if len(o.CriticalStores) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "\nSTORE\tNAME\tSTATUS\tSCORE\tLEVEL")
			for _, s := range o.CriticalStores {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\n", s.StoreCode, s.StoreName, s.OverallStatus, s.HealthScore, s.EscalationLevel)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Dashboard date (YYYY-MM-DD, default today)")
	return cmd
}
