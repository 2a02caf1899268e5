// =============================================================================
// SHARDQ - MAIN ENTRY POINT
// =============================================================================
//
// One binary runs the node and talks to it:
//
//   shardq serve --config shardq.yaml            # run a node
//   shardq publish -k order-42 -m '{"total":10}' # publish through HTTP
//   shardq consume --wait 5s --ack               # long-poll and ack
//   shardq dlq drain                             # empty the dead-letter sink
//   shardq stats -o json                         # counters for scripts
//
// CONFIGURATION:
//   Node:   YAML file plus SHARDQ_* environment variables
//   Client: ~/.shardq/config.yaml, SHARDQ_SERVER, SHARDQ_CONTEXT
//
// =============================================================================

package main

import (
	"os"

	"shardq/cmd/shardq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
