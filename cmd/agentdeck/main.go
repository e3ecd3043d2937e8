// AgentDeck drives coding-agent CLIs (claude, opencode) from Telegram,
// one prompt at a time, across configured project directories.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "AgentDeck - remote control for coding-agent CLIs",
	Long: `AgentDeck lets a single owner drive coding-agent CLIs through Telegram,
one prompt at a time, across on-disk project directories.

  agentdeck serve          Start the bot, worker pool and dashboard API
  agentdeck runs           List recent runs
  agentdeck status <id>    Show one run
  agentdeck logs <id> -f   Stream a run's events`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("AGENTDECK_SERVER", "http://127.0.0.1:4312"), "AgentDeck dashboard URL")
}

// apiGet issues a GET against the dashboard API, attaching the basic auth
// credentials from the environment when they are set.
func apiGet(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return nil, err
	}
	if user := os.Getenv("DASHBOARD_BASIC_AUTH_USER"); user != "" {
		req.SetBasicAuth(user, os.Getenv("DASHBOARD_BASIC_AUTH_PASS"))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: agentdeck serve", err)
	}
	return resp, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
