package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/robolink/robolink/internal/config"
	"github.com/robolink/robolink/internal/relay"
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  `Display the current status of the relay: uptime, open channels, and idle channel count.`,
		Example: `  robolink status
  robolink status --host 127.0.0.1 --port 18790 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runStatus(cmd.OutOrStdout(), cfg, host, port, jsonOutput)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "relay host (default: from config)")
	cmd.Flags().IntVar(&port, "port", 0, "relay port (default: from config)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runStatus(out io.Writer, cfg *config.Config, host string, port int, jsonOutput bool) {
	status, addr, err := fetchRelayStatus(cfg, host, port)

	if jsonOutput {
		if err != nil {
			fmt.Fprintf(out, `{"running": false, "error": %q}`, err.Error())
			fmt.Fprintln(out)
			return
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	fmt.Fprintln(out, "Robolink Status")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	if err != nil {
		fmt.Fprintln(out, "Relay:     not running")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the relay with: robolink relay")
		return
	}

	fmt.Fprintf(out, "Relay:     running on %s\n", addr)
	fmt.Fprintf(out, "Version:   %s\n", status.Version)
	fmt.Fprintf(out, "Uptime:    %s\n", status.Uptime)
	fmt.Fprintf(out, "Channels:  %d open, %d idle\n", status.Connections, status.IdleConnections)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Memory:    %s alloc, %s sys\n",
		formatBytes(status.Memory.Alloc),
		formatBytes(status.Memory.Sys))
	fmt.Fprintf(out, "Runtime:   %s (%s/%s)\n", status.GoVersion, status.OS, status.Arch)
	fmt.Fprintln(out)
}

func fetchRelayStatus(cfg *config.Config, host string, port int) (*relay.StatusResponse, string, error) {
	client, addr := apiClient(cfg, host, port)

	var status relay.StatusResponse
	resp, err := client.R().SetResult(&status).Get("/api/status")
	if err != nil {
		return nil, addr, fmt.Errorf("cannot connect to relay: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, addr, fmt.Errorf("relay returned status %d", resp.StatusCode())
	}
	// A 200 whose body did not decode (wrong content type, non-relay
	// listener on the port) leaves the result zero-valued.
	if status.Status == "" {
		return nil, addr, fmt.Errorf("relay returned an unreadable status response")
	}
	return &status, addr, nil
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
