package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"shardq/internal/api"
	"shardq/internal/queue"
)

func newTestFormatter(t *testing.T, format string) (*Formatter, *bytes.Buffer) {
	t.Helper()
	f, err := ParseOutputFormat(format)
	if err != nil {
		t.Fatalf("ParseOutputFormat(%q): %v", format, err)
	}
	var buf bytes.Buffer
	formatter := NewFormatter(f)
	formatter.SetWriter(&buf)
	return formatter, &buf
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputTable, false},
		{"table", OutputTable, false},
		{"JSON", OutputJSON, false},
		{"yml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func sampleStats() *api.StatsResponse {
	return &api.StatsResponse{
		NodeID:      "node-1",
		DeadLetters: 2,
		Queue: queue.RouterStats{
			ShardCount: 2,
			FIFODepth:  3,
			Published:  10,
			Shards: []queue.ShardStats{
				{ShardID: 0, Capacity: 8, FIFODepth: 3, Published: 7, Running: true},
				{ShardID: 1, Capacity: 8, Published: 3, Running: true},
			},
		},
	}
}

func TestFormatStats_Table(t *testing.T) {
	f, buf := newTestFormatter(t, "table")
	if err := f.FormatStats(sampleStats()); err != nil {
		t.Fatalf("FormatStats: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"node-1", "Dead Letters:  2", "SHARD", "IN-FLIGHT"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// header plus one row per shard
	lines := strings.Split(strings.TrimSpace(out[strings.Index(out, "SHARD"):]), "\n")
	if len(lines) != 3 {
		t.Errorf("expected 3 table lines, got %d:\n%s", len(lines), out)
	}
}

func TestFormatStats_JSONAndYAMLShareKeys(t *testing.T) {
	f, buf := newTestFormatter(t, "json")
	if err := f.FormatStats(sampleStats()); err != nil {
		t.Fatalf("FormatStats json: %v", err)
	}
	var fromJSON map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("invalid json: %v", err)
	}

	f, buf = newTestFormatter(t, "yaml")
	if err := f.FormatStats(sampleStats()); err != nil {
		t.Fatalf("FormatStats yaml: %v", err)
	}
	var fromYAML map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}

	for _, key := range []string{"node_id", "dead_letters", "queue"} {
		if _, ok := fromJSON[key]; !ok {
			t.Errorf("json missing %q", key)
		}
		if _, ok := fromYAML[key]; !ok {
			t.Errorf("yaml missing %q", key)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	f, buf := newTestFormatter(t, "table")
	if err := f.FormatMessage(nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No message available") {
		t.Errorf("unexpected output for nil message: %q", buf.String())
	}

	buf.Reset()
	msg := &api.MessageResponse{
		ID:         1<<48 | 5,
		Ref:        "1/5",
		Shard:      1,
		Value:      strings.Repeat("x", 300),
		EnqueuedAt: time.Now(),
	}
	if err := f.FormatMessage(msg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "(1/5)") || !strings.Contains(out, "...") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "Expires At:   -") {
		t.Errorf("zero time should print as -:\n%s", out)
	}
}

func TestFormatDeadLetters(t *testing.T) {
	f, buf := newTestFormatter(t, "table")
	if err := f.FormatDeadLetters(&api.DrainResponse{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No dead letters") {
		t.Errorf("unexpected empty output: %q", buf.String())
	}

	buf.Reset()
	resp := &api.DrainResponse{
		Count: 1,
		DeadLetters: []api.DeadLetterResponse{{
			Message:    api.MessageResponse{Ref: "0/1", Value: "v"},
			RetryCount: 3,
			Reason:     string(queue.ReasonMaxRetriesExceeded),
		}},
	}
	if err := f.FormatDeadLetters(resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "MAX_RETRIES_EXCEEDED") {
		t.Errorf("missing reason:\n%s", buf.String())
	}
}

func TestFormatKeyValues_Sorted(t *testing.T) {
	f, buf := newTestFormatter(t, "table")
	err := f.FormatKeyValues(map[string]interface{}{
		"status": "ok",
		"shards": float64(4),
		"check":  map[string]interface{}{"a": "pass"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "check:") > strings.Index(out, "shards:") || strings.Index(out, "shards:") > strings.Index(out, "status:") {
		t.Errorf("keys not sorted:\n%s", out)
	}
	if !strings.Contains(out, "4\n") || strings.Contains(out, "4.0") {
		t.Errorf("whole numbers should print without decimals:\n%s", out)
	}
	if !strings.Contains(out, `{"a":"pass"}`) {
		t.Errorf("nested values should print as json:\n%s", out)
	}
}

func TestFormatContexts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetContext("staging", &ContextConfig{Server: "http://staging:8080"})

	f, buf := newTestFormatter(t, "table")
	if err := f.FormatContexts(cfg); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "*") || !strings.Contains(lines[1], "local") {
		t.Errorf("current context not marked: %q", lines[1])
	}

	f, buf = newTestFormatter(t, "json")
	if err := f.FormatContexts(cfg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"current-context": "local"`) {
		t.Errorf("unexpected json:\n%s", buf.String())
	}
}
