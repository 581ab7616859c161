package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/policygate/policygate/internal/classifier"
	"github.com/policygate/policygate/internal/engine"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/policygate/policygate/internal/router"
)

const criticalProdScan = `[{"rule_id":"CKV_AWS_20","severity":"CRITICAL","message":"bucket is public","file":"envs/prod/s3.tf","line":3}]`

// writeConfig points the engine at a fresh data directory with logging off
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policygate.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\nlogging:\n  format: none\nfixer:\n  retry_backoff: 1ms\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutputFormat(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGate(t *testing.T) {
	rep := &engine.Report{}
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityHigh, models.SeverityCritical} {
		rep.Routed = append(rep.Routed, router.Outcome{Assessment: classifier.Assessment{Severity: sev}})
	}

	tests := []struct {
		threshold models.Severity
		want      int
	}{
		{"", 0},
		{models.SeverityCritical, 1},
		{models.SeverityHigh, 2},
		{models.SeverityLow, 3},
	}
	for _, tt := range tests {
		err := gate(rep, tt.threshold)
		var gerr *GateError
		if tt.want == 0 {
			if err != nil {
				t.Errorf("gate(%q) = %v, want nil", tt.threshold, err)
			}
			continue
		}
		if !errors.As(err, &gerr) || gerr.Count != tt.want {
			t.Errorf("gate(%q) = %v, want %d", tt.threshold, err, tt.want)
		}
		if exitCode(err) != 2 {
			t.Errorf("exitCode = %d, want 2", exitCode(err))
		}
	}
}

func TestTableCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "-c", cfg, "table", "presets")
	if err != nil {
		t.Fatalf("presets: %v", err)
	}
	for _, name := range classifier.PresetNames() {
		if !strings.Contains(out, name) {
			t.Errorf("presets output missing %q:\n%s", name, out)
		}
	}

	out, err = run(t, "", "-c", cfg, "table", "explain", "--severity", "critical", "--env", "production", "--format", "json")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	var a classifier.Assessment
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("explain output: %v\n%s", err, out)
	}
	if a.Decision != models.DecisionEscalate || a.Rule != "critical-escalate" {
		t.Errorf("explain = %+v", a)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: x\nrules:\n  - name: r\n    decision: MAYBE\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "-c", cfg, "table", "validate", bad); err == nil {
		t.Error("validate accepted an invalid decision")
	}

	out, err = run(t, "", "-c", cfg, "table", "show", "--preset", "strict")
	if err != nil || !strings.Contains(out, "name: strict") {
		t.Errorf("show strict = %v\n%s", err, out)
	}
}

func TestIngestAndReview(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, criticalProdScan, "-c", cfg, "ingest", "--source", "ci_plan", "--target", "plan-prod", "--format", "json")
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	var rep engine.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("ingest output: %v\n%s", err, out)
	}
	if rep.New != 1 || len(rep.Routed) != 1 || rep.Routed[0].Proposal == nil {
		t.Fatalf("report = %+v", rep)
	}
	id := rep.Routed[0].Proposal.ID

	// state survives across processes through the data directory
	out, err = run(t, "", "-c", cfg, "proposals", "list", "--state", "pending", "--format", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ps []models.RemediationProposal
	if err := json.Unmarshal([]byte(out), &ps); err != nil {
		t.Fatalf("list output: %v\n%s", err, out)
	}
	if len(ps) != 1 || ps[0].ID != id || ps[0].Decision != models.DecisionEscalate {
		t.Fatalf("pending = %+v", ps)
	}

	if _, err := run(t, "", "-c", cfg, "proposals", "approve", id); !errors.Is(err, models.ErrApproverRequired) {
		t.Errorf("approve without --as = %v, want ErrApproverRequired", err)
	}

	out, err = run(t, "", "-c", cfg, "proposals", "reject", id, "--as", "alice", "--reason", "accepted risk")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(out, string(models.StateRejected)) {
		t.Errorf("reject output:\n%s", out)
	}

	out, err = run(t, "", "-c", cfg, "ledger", "query", "--proposal", id, "--format", "json")
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	var es []models.ActivityEntry
	if err := json.Unmarshal([]byte(out), &es); err != nil {
		t.Fatalf("ledger output: %v\n%s", err, out)
	}
	rejected := false
	for _, e := range es {
		rejected = rejected || (e.Kind == models.ActivityTransition && e.To == string(models.StateRejected))
	}
	if !rejected {
		t.Errorf("history has no transition to rejected: %+v", es)
	}

	export := filepath.Join(t.TempDir(), "audit", "ledger.jsonl")
	if _, err := run(t, "", "-c", cfg, "ledger", "export", "-o", export); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(export)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines < len(es) {
		t.Errorf("export has %d lines, want >= %d", lines, len(es))
	}

	out, err = run(t, "", "-c", cfg, "ledger", "verify")
	if err != nil || !strings.Contains(out, "ledger ok") {
		t.Errorf("verify = %v\n%s", err, out)
	}
}

func TestIngestFailOn(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, criticalProdScan, "-c", cfg, "ingest", "-s", "ci_plan", "-t", "plan-prod", "--fail-on", "high")
	var gerr *GateError
	if !errors.As(err, &gerr) || gerr.Count != 1 {
		t.Fatalf("err = %v, want GateError with 1 violation", err)
	}
}

func TestIngestArgumentErrors(t *testing.T) {
	cfg := writeConfig(t)
	tests := []struct {
		name string
		args []string
	}{
		{"bad source", []string{"ingest", "-s", "nope", "-t", "x"}},
		{"missing target", []string{"ingest", "-s", "ci_plan"}},
		{"scan with file", []string{"ingest", "-s", "ci_plan", "--scan", "results.json"}},
		{"bad fail-on", []string{"ingest", "-s", "ci_plan", "-t", "x", "--fail-on", "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, "[]", append([]string{"-c", cfg}, tt.args...)...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRolloutCommands(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := run(t, "", "-c", cfg, "rollout", "register", "CKV_AWS_20", "production", "--as", "ops"); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := run(t, "", "-c", cfg, "rollout", "promote", "CKV_AWS_20", "production", "--as", "ops")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !strings.Contains(out, "DRYRUN -> WARN") {
		t.Errorf("promote output: %s", out)
	}

	out, err = run(t, "", "-c", cfg, "rollout", "list", "--format", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var rs []models.PolicyRollout
	if err := json.Unmarshal([]byte(out), &rs); err != nil {
		t.Fatalf("list output: %v\n%s", err, out)
	}
	if len(rs) != 1 || rs[0].Stage != models.StageWarn {
		t.Errorf("rollouts = %+v", rs)
	}

	if _, err := run(t, "", "-c", cfg, "rollout", "register", "CKV_AWS_20", "moon"); err == nil {
		t.Error("register accepted an unknown environment")
	}
}

func TestReceiptRecordsIngest(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "receipt.json")

	_, err := run(t, criticalProdScan, "-c", cfg, "--receipt", path, "ingest", "-s", "ci_plan", "-t", "plan-prod", "--fail-on", "critical")
	if err == nil {
		t.Fatal("expected the gate to fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("receipt not written: %v", err)
	}
	var r receipt.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("receipt: %v\n%s", err, data)
	}
	if r.Command != "policygate ingest" || r.Result.Status != "fail" {
		t.Errorf("receipt = %+v", r)
	}
	if r.Config == nil || r.Config.Path != cfg {
		t.Errorf("config ref = %+v", r.Config)
	}
	if r.Ingest == nil || r.Ingest.New != 1 || r.Ingest.Decisions["ESCALATE"] != 1 {
		t.Errorf("ingest summary = %+v", r.Ingest)
	}
}

func TestSignedLedgerExport(t *testing.T) {
	cfg := writeConfig(t)
	dir := t.TempDir()
	priv, pub := filepath.Join(dir, "ledger.key"), filepath.Join(dir, "ledger.pub")
	export := filepath.Join(dir, "ledger.jsonl")

	if _, err := run(t, criticalProdScan, "-c", cfg, "ingest", "-s", "ci_plan", "-t", "plan-prod"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := run(t, "", "-c", cfg, "ledger", "keygen", "--private", priv, "--public", pub); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if _, err := run(t, "", "-c", cfg, "ledger", "export", "-o", export, "--sign-key", priv); err != nil {
		t.Fatalf("export: %v", err)
	}

	out, err := run(t, "", "-c", cfg, "ledger", "verify-export", export, "--public-key", pub)
	if err != nil || !strings.Contains(out, "signature ok") {
		t.Fatalf("verify-export = %v\n%s", err, out)
	}

	data, err := os.ReadFile(export)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "ESCALATE", "AUTO_FIX", 1)
	if err := os.WriteFile(export, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "-c", cfg, "ledger", "verify-export", export, "--public-key", pub); err == nil {
		t.Error("tampered export verified")
	}

	if _, err := run(t, "", "-c", cfg, "ledger", "export", "--sign-key", priv); err == nil {
		t.Error("signing a stdout export should be refused")
	}
}
