package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIAddr = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetd",
		Short: "Fleet orchestrator for autonomous trading bots",
		Long: `fleetd schedules backtests, evolution and promotion for a fleet of
trading bots and supervises their live instances.`,
		SilenceUsage: true,
	}

	// --- Daemon ---
	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	migrateCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	// --- Client ---
	var (
		addr    string
		token   string
		timeout time.Duration
	)
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status snapshot of a running orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr, token, timeout).printStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}

	var approvedBy string
	approveCmd := &cobra.Command{
		Use:   "approve-live [bot_id]",
		Short: "Promote a CANARY bot to LIVE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr, token, timeout).approveLive(cmd.Context(), args[0], approvedBy, cmd.OutOrStdout())
		},
	}
	approveCmd.Flags().StringVar(&approvedBy, "by", "", "operator approving the promotion")
	_ = approveCmd.MarkFlagRequired("by")

	reenableCmd := &cobra.Command{
		Use:   "reenable [bot_id]",
		Short: "Clear a bot's kill flag; trading stays disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr, token, timeout).reenable(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	for _, c := range []*cobra.Command{statusCmd, approveCmd, reenableCmd} {
		c.Flags().StringVar(&addr, "addr", defaultAPIAddr, "base URL of the status API")
		c.Flags().StringVar(&token, "token", os.Getenv("FLEET_API_TOKEN"), "bearer token for operator routes (default $FLEET_API_TOKEN)")
		c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	}

	rootCmd.AddCommand(runCmd, migrateCmd, statusCmd, approveCmd, reenableCmd)
	return rootCmd
}
