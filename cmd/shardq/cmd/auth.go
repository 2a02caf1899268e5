// =============================================================================
// AUTH COMMANDS - API KEY HELPERS
// =============================================================================
//
// USAGE:
//   shardq auth keygen [--name orders-service] [--role producer]
//
// keygen prints a fresh key for the client and the config entry for the
// node. Only the hash goes into the node config:
//
//   auth:
//     keys:
//       - name: orders-service
//         key: "sha256:<digest>"
//         roles: [producer]
//
// =============================================================================

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"shardq/internal/security"
)

var (
	keygenName  string
	keygenRoles []string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "API key helpers",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its config entry",
	Long: `Generate a random API key.

The key itself is shown once; give it to the client (--api-key or
SHARDQ_API_KEY). Add the printed hash to the node's auth.keys.

Examples:
  shardq auth keygen --name orders-service --role producer
  shardq auth keygen --name ops --role admin -o json`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenName, "name", "client", "Key name")
	keygenCmd.Flags().StringSliceVar(&keygenRoles, "role", []string{security.RoleReadonly},
		"Roles granted to the key (admin, producer, consumer, readonly)")
	authCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	entry := security.KeyConfig{Name: keygenName, Roles: keygenRoles}

	key, err := security.GenerateKey()
	if err != nil {
		return err
	}
	entry.Key = security.HashPrefix + security.HashKey(key)

	if problems := (security.Config{Enabled: true, Keys: []security.KeyConfig{entry}}).Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid key: %s", strings.Join(problems, "; "))
	}

	return formatter.FormatKeyValues(map[string]interface{}{
		"name":  entry.Name,
		"key":   key,
		"hash":  entry.Key,
		"roles": strings.Join(entry.Roles, ","),
	})
}
