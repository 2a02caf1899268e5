// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    Server URL (default: http://localhost:8080)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: 30)
//   --api-key       API key when the server has auth enabled
//   --cli-config    CLI config file (default: ~/.shardq/config.yaml)
//
// SUBCOMMANDS:
//   serve       Run a shardq node
//   publish     Publish a message
//   consume     Receive a message
//   ack         Acknowledge a message
//   dlq         Dead-letter operations
//   stats       Show queue counters
//   health      Check node health
//   config      Manage CLI configuration
//   auth        API key helpers
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"shardq/internal/cli"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	// Global flags
	serverFlag    string
	contextFlag   string
	outputFlag    string
	timeoutFlag   int
	apiKeyFlag    string
	cliConfigFlag string

	// Shared instances
	cliConfig *cli.Config
	client    *cli.Client
	formatter *cli.Formatter
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "shardq",
	Short: "Sharded in-memory message queue",
	Long: `shardq - a sharded in-memory message queue.

  • Messages are routed to shards by key hash, or round-robin without a key
  • At-least-once delivery: unacknowledged messages are redelivered
  • Per-message TTL and bounded shards with backpressure
  • Messages that exhaust their retries go to a dead-letter sink

Run a node with "shardq serve", then use the other commands against it.
Use "shardq [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		cli.PrintError("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Server URL (env: SHARDQ_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: SHARDQ_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 0,
		"Request timeout in seconds (default 30, or the context's timeout)")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "",
		"API key for servers with auth enabled (env: SHARDQ_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&cliConfigFlag, "cli-config", "",
		"CLI config file (default ~/.shardq/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient sets up the HTTP client and formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)
	formatter.SetWriter(cmd.OutOrStdout())

	// serve configures itself from its own file; keygen is offline
	if cmd.Name() == "serve" || cmd.Name() == "keygen" {
		return nil
	}

	cliConfig, err = cli.LoadConfigFromPath(cliConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load CLI config: %w", err)
	}

	target := cli.Resolve(serverFlag, contextFlag, apiKeyFlag, cliConfig)

	timeout := 30 * time.Second
	if target.Timeout > 0 {
		timeout = time.Duration(target.Timeout) * time.Second
	}
	if timeoutFlag > 0 {
		timeout = time.Duration(timeoutFlag) * time.Second
	}

	client = cli.NewClient(cli.ClientConfig{
		ServerURL: target.Server,
		Timeout:   timeout,
		APIKey:    target.APIKey,
	})
	return nil
}

func cliConfigPath() string {
	if cliConfigFlag != "" {
		return cliConfigFlag
	}
	return cli.DefaultConfigPath()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func out(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
