package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/robolink/robolink/internal/config"
)

// NewJobsCommand creates the jobs subcommand.
func NewJobsCommand() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the relay's background jobs",
	}

	cmd.PersistentFlags().StringVar(&host, "host", "", "relay host (default: from config)")
	cmd.PersistentFlags().IntVar(&port, "port", 0, "relay port (default: from config)")

	runCmd := &cobra.Command{
		Use:       "run <reaper|keepalive>",
		Short:     "Trigger a job run on the relay and print its summary",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reaper", "keepalive"},
		Example: `  robolink jobs run reaper
  robolink jobs run keepalive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runJob(cmd, cfg, host, port, args[0])
		},
	}
	cmd.AddCommand(runCmd)

	return cmd
}

func runJob(cmd *cobra.Command, cfg *config.Config, host string, port int, name string) error {
	client, addr := apiClient(cfg, host, port)

	var body map[string]interface{}
	resp, err := client.R().SetResult(&body).SetError(&body).Post("/api/jobs/" + name + "/run")
	if err != nil {
		return fmt.Errorf("cannot connect to relay at %s: %w", addr, err)
	}

	data, _ := json.MarshalIndent(body, "", "  ")
	cmd.Println(string(data))

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("job %s failed with status %d", name, resp.StatusCode())
	}
	return nil
}
