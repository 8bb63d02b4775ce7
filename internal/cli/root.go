// Package cli provides the command-line interface for Robolink.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robolink/robolink/internal/cli/commands"
	"github.com/robolink/robolink/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "robolink",
	Short: "Robolink - robot teleoperation signaling relay",
	Long: `Robolink relays session-negotiation messages between remote operators
and physical robots over persistent channels, and keeps its registry of
open channels accurate with an active probe-and-confirm liveness protocol.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			_ = os.Setenv("ROBOLINK_CONFIG_PATH", path)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(commands.NewRelayCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewJobsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.robolink/robolink.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
