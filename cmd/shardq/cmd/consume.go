// =============================================================================
// CONSUME / ACK COMMANDS - RECEIVE AND ACKNOWLEDGE MESSAGES
// =============================================================================
//
// USAGE:
//   shardq consume [flags]
//   shardq ack <id> [<id>...]
//
// A consumed message stays in flight until it is acked. If the visibility
// timeout passes first, the node delivers it again.
//
//   consume ──► in flight ──► ack ──► gone
//                   │
//                   └── visibility timeout ──► redelivered (retry_count+1)
//
// =============================================================================

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shardq/internal/queue"
)

// =============================================================================
// CONSUME
// =============================================================================

var (
	consumeShard int
	consumeWait  time.Duration
	consumeCount int
	consumeAck   bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Receive messages",
	Long: `Receive messages, waiting up to --wait for each one.

Without --shard the node serves whichever shard has a message ready.
Received messages must be acked (here with --ack, or later with
"shardq ack") or they will be redelivered.

Examples:
  # One message from any shard, waiting up to 5s
  shardq consume --wait 5s

  # Up to 10 messages from shard 2, acking each
  shardq consume --shard 2 -n 10 --ack

  # Scripting
  shardq consume -o json | jq -r '.value'`,
	Args: cobra.NoArgs,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().IntVar(&consumeShard, "shard", -1,
		"Shard to consume from (default: any)")
	consumeCmd.Flags().DurationVarP(&consumeWait, "wait", "w", 0,
		"How long to wait for each message")
	consumeCmd.Flags().IntVarP(&consumeCount, "count", "n", 1,
		"Maximum messages to receive")
	consumeCmd.Flags().BoolVar(&consumeAck, "ack", false,
		"Acknowledge each message after printing it")
}

func runConsume(cmd *cobra.Command, args []string) error {
	if consumeCount < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", consumeCount)
	}

	ctx := commandContext(cmd)
	for received := 0; received < consumeCount; received++ {
		msg, err := client.Consume(ctx, consumeShard, consumeWait)
		if err != nil {
			return err
		}
		if msg == nil {
			if received == 0 {
				return formatter.FormatMessage(nil)
			}
			return nil
		}

		if err := formatter.FormatMessage(msg); err != nil {
			return err
		}
		if consumeAck {
			if _, err := client.Ack(ctx, msg.ID); err != nil {
				return fmt.Errorf("ack %s: %w", msg.Ref, err)
			}
		}
	}
	return nil
}

// =============================================================================
// ACK
// =============================================================================

var ackCmd = &cobra.Command{
	Use:   "ack <id> [<id>...]",
	Short: "Acknowledge messages",
	Long: `Acknowledge consumed messages so they are not redelivered.

Ids are accepted in decimal form or as shard/sequence refs.

Examples:
  shardq ack 281474976710657
  shardq ack 1/1 1/2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAck,
}

func runAck(cmd *cobra.Command, args []string) error {
	ids := make([]uint64, len(args))
	for i, arg := range args {
		id, err := queue.ParseID(arg)
		if err != nil {
			return fmt.Errorf("invalid message id %q: %w", arg, err)
		}
		ids[i] = id
	}

	ctx := commandContext(cmd)
	for _, id := range ids {
		resp, err := client.Ack(ctx, id)
		if err != nil {
			return err
		}
		if err := formatter.FormatAck(resp); err != nil {
			return err
		}
	}
	return nil
}
