package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewKpiCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Record and inspect store KPIs",
	}

	cmd.AddCommand(newKpiRecordCommand())
	cmd.AddCommand(newKpiBatchCommand())
	cmd.AddCommand(newKpiLatestCommand())

	return cmd
}

func newKpiRecordCommand() *cobra.Command {
	var (
		storeID uint
		code    string
		value   float64
		date    string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one KPI value and show its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			result, err := newClient().CalculateKpi(storeID, code, day, value)
			if err != nil {
				return fmt.Errorf("failed to record kpi: %w", err)
			}

			m := result.Metric
			fmt.Printf("%s on %s: %.2f (variance %.2f%%) -> %s\n",
				code, m.MetricDate.Format(dateLayout), m.Value, m.VariancePct, m.Status)
			return nil
		},
	}

	cmd.Flags().UintVar(&storeID, "store", 0, "Store id")
	cmd.Flags().StringVar(&code, "kpi", "", "KPI code")
	cmd.Flags().Float64Var(&value, "value", 0, "Measured value")
	cmd.Flags().StringVar(&date, "date", "", "Metric date (YYYY-MM-DD, default today)")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("kpi")
	cmd.MarkFlagRequired("value")
	return cmd
}

func newKpiBatchCommand() *cobra.Command {
	var (
		storeID uint
		date    string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Record several KPI values from a JSON file of code to value",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			var values map[string]float64
			if err := json.Unmarshal(data, &values); err != nil {
				return fmt.Errorf("failed to parse %s: %w", file, err)
			}

			items, err := newClient().CalculateBatch(storeID, day, values)
			if err != nil {
				return fmt.Errorf("failed to record kpis: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KPI\tVALUE\tVARIANCE %\tSTATUS")
			for _, item := range items {
				if item.Error != "" {
					fmt.Fprintf(w, "%s\t-\t-\terror: %s\n", item.KpiCode, item.Error)
					continue
				}
				m := item.Result.Metric
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%s\n", item.KpiCode, m.Value, m.VariancePct, m.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().UintVar(&storeID, "store", 0, "Store id")
	cmd.Flags().StringVar(&date, "date", "", "Metric date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file, e.g. {\"sales\": 10250, \"traffic\": 830}")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newKpiLatestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest [store_id]",
		Short: "Show the newest value of every KPI for a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			metrics, err := newClient().LatestKpis(storeID)
			if err != nil {
				return fmt.Errorf("failed to load kpis: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KPI\tDATE\tVALUE\tVARIANCE %\tSTATUS")
			for _, m := range metrics {
				name := fmt.Sprintf("#%d", m.KpiDefinitionID)
				if m.KpiDefinition != nil {
					name = m.KpiDefinition.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\n",
					name, m.MetricDate.Format(dateLayout), m.Value, m.VariancePct, m.Status)
			}
			return w.Flush()
		},
	}
	return cmd
}
