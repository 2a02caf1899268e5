// =============================================================================
// STATUS COMMANDS - STATS, HEALTH, VERSION
// =============================================================================

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"shardq/internal/api"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	Long: `Show node-wide and per-shard counters.

Examples:
  shardq stats
  shardq stats -o json | jq '.queue.in_flight'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.Stats(commandContext(cmd))
		if err != nil {
			return err
		}
		return formatter.FormatStats(stats)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check node health",
	Long: `Call the node's liveness probe. Exits non-zero when the node is
unhealthy, so it can be used in scripts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		healthy, body, err := client.Health(commandContext(cmd))
		if err != nil {
			return err
		}
		if err := formatter.FormatKeyValues(body); err != nil {
			return err
		}
		if !healthy {
			return fmt.Errorf("node is unhealthy")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Show client and server version information. The server part is
omitted when the server cannot be reached.

Examples:
  shardq version
  shardq version -o json`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := map[string]interface{}{
		"client_version":    api.Version,
		"client_git_commit": api.GitCommit,
		"client_build_time": api.BuildTime,
		"client_go_version": runtime.Version(),
	}
	if server, err := client.Version(commandContext(cmd)); err == nil {
		for k, v := range server {
			info["server_"+k] = v
		}
	}
	return formatter.FormatKeyValues(info)
}
