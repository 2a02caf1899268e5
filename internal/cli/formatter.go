// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
// Every command prints through a Formatter:
//   - table (default): human-readable columns
//   - json: for scripting with jq
//   - yaml: same field names as json
//
//   $ shardq stats
//   SHARD  CAPACITY  FIFO  IN-FLIGHT  PUBLISHED  ACKED  DEAD
//   0      1024      3     1          120        116    0
//   1      1024      0     0          98         98     0
//
//   $ shardq stats -o json | jq '.queue.fifo_depth'
//   3
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"shardq/internal/api"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// structured writes data as json or yaml and reports whether it did.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		return true, f.formatJSON(data)
	case OutputYAML:
		return true, f.formatYAML(data)
	default:
		return false, nil
	}
}

func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// formatYAML goes through JSON first so YAML keys match the json tags of the
// API types.
func (f *Formatter) formatYAML(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// SPECIFIC DATA TYPE FORMATTERS
// =============================================================================

// FormatPublish outputs the result of a publish.
func (f *Formatter) FormatPublish(resp *api.PublishResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("ID", "REF", "SHARD")
	table.WriteHeaders()
	table.WriteRow(resp.ID, resp.Ref, resp.Shard)
	return table.Flush()
}

// FormatMessage outputs one consumed message. A nil message prints nothing in
// table mode and null otherwise.
func (f *Formatter) FormatMessage(msg *api.MessageResponse) error {
	if ok, err := f.structured(msg); ok {
		return err
	}
	if msg == nil {
		fmt.Fprintln(f.writer, "No message available")
		return nil
	}

	fmt.Fprintf(f.writer, "ID:           %d (%s)\n", msg.ID, msg.Ref)
	fmt.Fprintf(f.writer, "Shard:        %d\n", msg.Shard)
	fmt.Fprintf(f.writer, "Retry Count:  %d\n", msg.RetryCount)
	fmt.Fprintf(f.writer, "Enqueued At:  %s\n", formatTime(msg.EnqueuedAt))
	fmt.Fprintf(f.writer, "Expires At:   %s\n", formatTime(msg.ExpiresAt))
	fmt.Fprintf(f.writer, "Value:        %s\n", truncate(msg.Value, 200))
	return nil
}

// FormatAck outputs an acknowledgment result.
func (f *Formatter) FormatAck(resp *api.AckResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}
	if resp.Acked {
		fmt.Fprintf(f.writer, "✓ Acknowledged %d\n", resp.ID)
	} else {
		fmt.Fprintf(f.writer, "Message %d was not in flight\n", resp.ID)
	}
	return nil
}

// FormatDeadLetters outputs drained dead letters.
func (f *Formatter) FormatDeadLetters(resp *api.DrainResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}
	if resp.Count == 0 {
		fmt.Fprintln(f.writer, "No dead letters")
		return nil
	}

	table := f.Table()
	table.SetHeaders("ID", "SHARD", "RETRIES", "REASON", "DEAD LETTERED", "VALUE")
	table.WriteHeaders()
	for _, dl := range resp.DeadLetters {
		table.WriteRow(dl.Message.Ref, dl.Message.Shard, dl.RetryCount, dl.Reason,
			formatTime(dl.DeadLetteredAt), truncate(dl.Message.Value, 50))
	}
	return table.Flush()
}

// FormatStats outputs node and per-shard counters.
func (f *Formatter) FormatStats(stats *api.StatsResponse) error {
	if ok, err := f.structured(stats); ok {
		return err
	}

	q := stats.Queue
	fmt.Fprintf(f.writer, "Node:          %s\n", stats.NodeID)
	fmt.Fprintf(f.writer, "Shards:        %d\n", q.ShardCount)
	fmt.Fprintf(f.writer, "FIFO Depth:    %d\n", q.FIFODepth)
	fmt.Fprintf(f.writer, "In Flight:     %d\n", q.InFlight)
	fmt.Fprintf(f.writer, "Published:     %d\n", q.Published)
	fmt.Fprintf(f.writer, "Acked:         %d\n", q.Acked)
	fmt.Fprintf(f.writer, "Expired:       %d\n", q.Expired)
	fmt.Fprintf(f.writer, "Redelivered:   %d\n", q.Redelivered)
	if stats.DeadLetters < 0 {
		fmt.Fprintf(f.writer, "Dead Letters:  unavailable\n")
	} else {
		fmt.Fprintf(f.writer, "Dead Letters:  %d\n", stats.DeadLetters)
	}
	fmt.Fprintln(f.writer)

	table := f.Table()
	table.SetHeaders("SHARD", "CAPACITY", "FIFO", "IN-FLIGHT", "PUBLISHED", "ACKED", "DEAD", "RUNNING")
	table.WriteHeaders()
	for _, s := range q.Shards {
		table.WriteRow(s.ShardID, s.Capacity, s.FIFODepth, s.InFlight, s.Published, s.Acked, s.DeadLettered, s.Running)
	}
	return table.Flush()
}

// FormatKeyValues outputs a flat map sorted by key, as used for health and
// version responses.
func (f *Formatter) FormatKeyValues(data map[string]interface{}) error {
	if ok, err := f.structured(data); ok {
		return err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := f.Table()
	for _, k := range keys {
		table.WriteRow(k+":", formatValue(data[k]))
	}
	return table.Flush()
}

// FormatContexts outputs CLI contexts, marking the current one.
func (f *Formatter) FormatContexts(config *Config) error {
	if ok, err := f.structured(config); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("CURRENT", "NAME", "SERVER", "TIMEOUT")
	table.WriteHeaders()
	for _, name := range config.ListContexts() {
		ctx := config.Contexts[name]
		current := ""
		if name == config.CurrentContext {
			current = "*"
		}
		timeout := "-"
		if ctx.Timeout > 0 {
			timeout = fmt.Sprintf("%ds", ctx.Timeout)
		}
		table.WriteRow(current, name, ctx.Server, timeout)
	}
	return table.Flush()
}

// =============================================================================
// HELPERS
// =============================================================================

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprint(val)
	default:
		return fmt.Sprint(val)
	}
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}
