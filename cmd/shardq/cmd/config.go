// =============================================================================
// CONFIG COMMANDS - MANAGE CLI CONFIGURATION
// =============================================================================
//
// COMMANDS:
//   shardq config view                 Show contexts
//   shardq config use-context <name>   Switch context
//   shardq config set-context <name>   Create or update a context (--server-url)
//   shardq config delete-context <name>
//
// These edit ~/.shardq/config.yaml (or --cli-config). They never talk to a
// server.
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"shardq/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage shardq CLI contexts, each naming one server.

Examples:
  shardq config view
  shardq config set-context staging --server-url https://shardq.staging.example.com
  shardq config set-context staging --api-key sq_4b1c...
  shardq config use-context staging`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFlag == "table" {
			fmt.Fprintf(out(cmd), "Config file: %s\n\n", cliConfigPath())
		}
		return formatter.FormatContexts(cliConfig)
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cliConfig.UseContext(args[0]); err != nil {
			return err
		}
		if err := cliConfig.SaveToPath(cliConfigPath()); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "Switched to context %q\n", args[0])
		return nil
	},
}

var (
	setContextServer  string
	setContextTimeout int
)

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx, err := cliConfig.GetContext(name)
		if err != nil {
			if setContextServer == "" {
				return errors.New("--server-url is required for a new context")
			}
			ctx = &cli.ContextConfig{}
		}
		if setContextServer != "" {
			ctx.Server = setContextServer
		}
		if cmd.Flags().Changed("timeout-seconds") {
			ctx.Timeout = setContextTimeout
		}
		if apiKeyFlag != "" {
			ctx.APIKey = apiKeyFlag
		}
		cliConfig.SetContext(name, ctx)
		if cliConfig.CurrentContext == "" {
			cliConfig.CurrentContext = name
		}
		if err := cliConfig.SaveToPath(cliConfigPath()); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "Context %q saved\n", name)
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if _, err := cliConfig.GetContext(name); err != nil {
			return err
		}
		delete(cliConfig.Contexts, name)
		if cliConfig.CurrentContext == name {
			cliConfig.CurrentContext = ""
		}
		if err := cliConfig.SaveToPath(cliConfigPath()); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "Context %q deleted\n", name)
		return nil
	},
}

func init() {
	configSetContextCmd.Flags().StringVar(&setContextServer, "server-url", "",
		"Server URL for the context")
	configSetContextCmd.Flags().IntVar(&setContextTimeout, "timeout-seconds", 0,
		"Request timeout in seconds for the context")

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
}
