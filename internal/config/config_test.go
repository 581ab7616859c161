package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/policygate/policygate/internal/models"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policygate.yaml")
	content := `
data_dir: /var/lib/policygate
listen: 0.0.0.0:9090
classifier:
  preset: strict
normalizer:
  cluster_severity:
    K8sPSPPrivilegedContainer: HIGH
  compliance_tags:
    CKV_AWS_: [PCI-DSS-3.4]
approval:
  sweep_interval: 15s
  requeue_grace: 2h
  exec_timeout: 5m
  lock_wait: 1m
  downgrade_window: 72h
rollout:
  evaluation_interval: 30m
  defaults:
    min_dwell: 72h
    threshold: 1.0
    spike_ceiling: 3.0
    spike_min_delta: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.DataDir != "/var/lib/policygate" || c.Listen != "0.0.0.0:9090" {
		t.Errorf("data_dir=%q listen=%q", c.DataDir, c.Listen)
	}
	if c.Classifier.Preset != "strict" {
		t.Errorf("preset = %q", c.Classifier.Preset)
	}
	if c.Approval.SweepInterval != 15*time.Second || c.Approval.DowngradeWindow != 72*time.Hour {
		t.Errorf("approval = %+v", c.Approval)
	}
	if c.Rollout.Defaults.MinDwell != 72*time.Hour || c.Rollout.Defaults.SpikeCeiling != 3.0 {
		t.Errorf("rollout defaults = %+v", c.Rollout.Defaults)
	}
	if c.Normalizer.ClusterSeverity["K8sPSPPrivilegedContainer"] != models.SeverityHigh {
		t.Errorf("cluster severity = %+v", c.Normalizer.ClusterSeverity)
	}
	// untouched sections keep their defaults
	if c.Fixer.Timeout != 5*time.Minute || len(c.Normalizer.EnvironmentRules) == 0 {
		t.Errorf("defaults lost: fixer=%+v rules=%d", c.Fixer, len(c.Normalizer.EnvironmentRules))
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "listen_addr: x\n", "field listen_addr not found"},
		{"sweep interval above a minute", "approval:\n  sweep_interval: 2m\n", "SweepInterval"},
		{"bad preset", "classifier:\n  preset: lenient\n", "Preset"},
		{"bad listen", "listen: nowhere\n", "Listen"},
		{"bad severity", "normalizer:\n  cluster_severity:\n    K8sX: SEVERE\n", "ClusterSeverity"},
		{"bad webhook", "notify:\n  webhook: not a url\n", "Webhook"},
		{"loopback webhook", "notify:\n  webhook: https://127.0.0.1/hook\n", "private or reserved"},
		{"plain http webhook", "notify:\n  webhook: http://hooks.example.com/x\n", "scheme"},
		{"bad otel protocol", "otel:\n  enabled: true\n  protocol: zipkin\n", "protocol"},
		{"no data dir", "data_dir: \"\"\n", "DataDir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_InMemoryNeedsNoDataDir(t *testing.T) {
	if _, err := Parse(strings.NewReader("data_dir: \"\"\nin_memory: true\n")); err != nil {
		t.Errorf("in-memory config rejected: %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty file rejected: %v", err)
	}
	if c.Listen != Default().Listen {
		t.Errorf("listen = %q", c.Listen)
	}
}
