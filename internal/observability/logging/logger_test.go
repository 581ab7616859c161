package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/policygate/policygate/internal/observability"
)

func newBuffered(enc encoder, min Level) (*logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &logger{enc: enc, out: &buf, min: min}, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"trace": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONEncoder_Event(t *testing.T) {
	l, buf := newBuffered(jsonEncoder{}, LevelDebug)
	ctx := observability.WithGivenOpID(context.Background(), "op-123")

	l.Event(ctx, "proposal.approved", map[string]any{"proposal_id": "p-1", "attempts": 2})

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	e := lines[0]
	for _, key := range []string{"ts", "level", "event", "component", "op_id", "schema_version", "go_version"} {
		if _, ok := e[key]; !ok {
			t.Errorf("missing %q in %v", key, e)
		}
	}
	if e["event"] != "policygate.proposal.approved" {
		t.Errorf("event = %v", e["event"])
	}
	if e["op_id"] != "op-123" {
		t.Errorf("op_id = %v", e["op_id"])
	}
	if e["schema_version"] != SchemaVersion {
		t.Errorf("schema_version = %v", e["schema_version"])
	}
	fields := e["fields"].(map[string]any)
	if fields["attempts"] != float64(2) || fields["proposal_id"] != "p-1" {
		t.Errorf("fields = %v", fields)
	}
}

func TestJSONEncoder_MessageFields(t *testing.T) {
	l, buf := newBuffered(jsonEncoder{}, LevelDebug)

	l.Error("store", "write failed", "error", errors.New("disk full"), 42, "ignored", "dangling")
	l.Info("router", "routed")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	first := lines[0]
	if first["level"] != "error" || first["component"] != "store" || first["msg"] != "write failed" {
		t.Errorf("unexpected line %v", first)
	}
	fields := first["fields"].(map[string]any)
	if len(fields) != 1 || fields["error"] != "disk full" {
		t.Errorf("fields = %v, want only error=disk full", fields)
	}
	if _, ok := lines[1]["fields"]; ok {
		t.Errorf("fields should be omitted when empty: %v", lines[1])
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name string
		min  Level
		emit func(Logger)
		want bool
	}{
		{"debug below info", LevelInfo, func(l Logger) { l.Debug("c", "m") }, false},
		{"info at info", LevelInfo, func(l Logger) { l.Info("c", "m") }, true},
		{"info below warn", LevelWarn, func(l Logger) { l.Info("c", "m") }, false},
		{"warn below error", LevelError, func(l Logger) { l.Warn("c", "m") }, false},
		{"error at error", LevelError, func(l Logger) { l.Error("c", "m") }, true},
		{"event below warn", LevelWarn, func(l Logger) { l.Event(context.Background(), "e", nil) }, false},
	}
	for _, tt := range tests {
		for _, enc := range []encoder{jsonEncoder{}, textEncoder{}} {
			l, buf := newBuffered(enc, tt.min)
			tt.emit(l)
			if got := buf.Len() > 0; got != tt.want {
				t.Errorf("%s (%T): wrote=%v, want %v", tt.name, enc, got, tt.want)
			}
		}
	}
}

func TestTextEncoder(t *testing.T) {
	l, buf := newBuffered(textEncoder{}, LevelDebug)

	l.Warn("router", "fixer failed", "violation", "v-1", "attempt", 2, "error", errors.New("boom"))
	line := buf.String()
	if !strings.Contains(line, "WARN [router] fixer failed attempt=2 error=boom violation=v-1\n") {
		t.Errorf("unexpected line %q", line)
	}

	buf.Reset()
	l.Event(observability.WithGivenOpID(context.Background(), "op-9"), "scan.ingested", map[string]any{"violations": 3})
	if got := buf.String(); !strings.Contains(got, "INFO [event] scan.ingested op_id=op-9 violations=3") {
		t.Errorf("unexpected event line %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format  string
		wantNop bool
		wantErr bool
	}{
		{"pretty", false, false},
		{"jsonl", false, false},
		{"none", true, false},
		{"", true, false},
		{"xml", false, true},
	}
	for _, tt := range tests {
		l, err := NewLogger(Config{Format: tt.format})
		if (err != nil) != tt.wantErr {
			t.Fatalf("NewLogger(%q) err = %v, wantErr %v", tt.format, err, tt.wantErr)
		}
		if err != nil {
			continue
		}
		if _, nop := l.(nopLogger); nop != tt.wantNop {
			t.Errorf("NewLogger(%q) nop = %v, want %v", tt.format, nop, tt.wantNop)
		}
		_ = l.Close()
	}
}

func TestNewLogger_FileOutputAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policygate.log")
	for i := 0; i < 2; i++ {
		l, err := NewLogger(Config{Format: "jsonl", Output: path})
		if err != nil {
			t.Fatalf("NewLogger: %v", err)
		}
		l.Info("engine", "started")
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("got %d lines, want 2", n)
	}
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	if From(ctx) == nil {
		t.Fatal("From should never return nil")
	}
	From(ctx).Event(ctx, "noop", nil)

	l, _ := newBuffered(jsonEncoder{}, LevelInfo)
	if From(WithLogger(ctx, l)) != Logger(l) {
		t.Error("From should return the stored logger")
	}
}
