// =============================================================================
// PUBLISH COMMAND - SEND MESSAGES
// =============================================================================
//
// USAGE:
//   shardq publish -m <value> [-m <value>...] [flags]
//
// FLAGS:
//   -m, --message   Message value (repeatable)
//   -k, --key       Routing key; same key, same shard
//   --ttl           Time to live (default: server's default_ttl)
//   --shard         Publish to this shard directly, ignoring the key
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	publishMessages []string
	publishKey      string
	publishTTL      time.Duration
	publishShard    int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish messages",
	Long: `Publish one or more messages.

Messages with the same key land on the same shard. Without a key, messages
are spread round-robin.

Examples:
  # Publish one message
  shardq publish -m "hello"

  # Keyed publish with a short TTL
  shardq publish -k order-42 -m '{"total": 10}' --ttl 30s

  # Several messages straight to shard 3
  shardq publish --shard 3 -m a -m b -m c`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringArrayVarP(&publishMessages, "message", "m", nil,
		"Message value (repeatable)")
	publishCmd.Flags().StringVarP(&publishKey, "key", "k", "",
		"Routing key")
	publishCmd.Flags().DurationVar(&publishTTL, "ttl", 0,
		"Time to live (default: server default)")
	publishCmd.Flags().IntVar(&publishShard, "shard", -1,
		"Target shard (default: chosen by key or round-robin)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	if len(publishMessages) == 0 {
		return errors.New("at least one --message is required")
	}
	if publishTTL < 0 {
		return fmt.Errorf("--ttl must be positive, got %s", publishTTL)
	}

	var ttl string
	if publishTTL > 0 {
		ttl = publishTTL.String()
	}
	var shard *int
	if publishShard >= 0 {
		s := publishShard
		shard = &s
	}

	ctx := commandContext(cmd)
	for _, value := range publishMessages {
		resp, err := client.Publish(ctx, publishKey, value, ttl, shard)
		if err != nil {
			return err
		}
		if err := formatter.FormatPublish(resp); err != nil {
			return err
		}
	}
	return nil
}
