package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storehealth/internal/api/client"
)

const dateLayout = "2006-01-02"

// NewRootCommand builds the storehealthctl command tree. The server address
// and token come from flags, STOREHEALTH_* variables or the CLI config file.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storehealthctl",
		Short: "Store health CLI",
		Long: `storehealthctl talks to the store health API. It records KPIs,
checks store health, and manages alerts, escalations and escalation rules.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "API server address")
	cmd.PersistentFlags().String("token", "", "API bearer token")
	viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))

	cmd.AddCommand(newLoginCommand())
	cmd.AddCommand(NewKpiCommand())
	cmd.AddCommand(NewHealthCommand())
	cmd.AddCommand(NewAlertCommand())
	cmd.AddCommand(NewEscalationCommand())
	cmd.AddCommand(NewRuleCommand())
	cmd.AddCommand(NewCallCommand())
	cmd.AddCommand(NewReportCommand())
	return cmd
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storehealthctl.yaml"
	}
	return filepath.Join(home, ".storehealthctl.yaml")
}

func loadConfig() error {
	viper.SetEnvPrefix("STOREHEALTH")
	viper.AutomaticEnv()

	path := configPath()
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func newClient() *client.Client {
	return client.NewClient(viper.GetString("server"), viper.GetString("token"))
}

func newLoginCommand() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newClient().Login(username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			viper.Set("token", token)
			if err := viper.WriteConfigAs(configPath()); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			fmt.Println("Login successful")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Operator username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Operator password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id: %s", arg)
	}
	return uint(id), nil
}

// parseDate accepts YYYY-MM-DD; empty means today on the server.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %s", value)
	}
	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
