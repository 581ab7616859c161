// Package config loads the engine configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/policygate/policygate/internal/approval"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/netutil"
	"github.com/policygate/policygate/internal/normalizer"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"gopkg.in/yaml.v3"
)

// Config is the whole engine configuration
type Config struct {
	DataDir string `yaml:"data_dir" validate:"required_without=InMemory"`
	// InMemory keeps all tables in memory; for demos and tests only
	InMemory bool   `yaml:"in_memory"`
	Listen   string `yaml:"listen" validate:"required,hostname_port"`

	Logging    logging.Config   `yaml:"logging"`
	OTel       otelobs.Config   `yaml:"otel"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Evaluators EvaluatorsConfig `yaml:"evaluators"`
	Fixer      FixerConfig      `yaml:"fixer"`
	Router     RouterConfig     `yaml:"router"`
	Approval   approval.Config  `yaml:"approval"`
	Rollout    RolloutConfig    `yaml:"rollout"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// ClassifierConfig selects the decision table. TablePath wins over Preset.
type ClassifierConfig struct {
	TablePath string        `yaml:"table_path"`
	Preset    string        `yaml:"preset" validate:"omitempty,oneof=default strict"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce" validate:"gte=0"`
}

type NormalizerConfig struct {
	EnvironmentRules       []normalizer.EnvironmentRule `yaml:"environment_rules" validate:"dive"`
	ComplianceTags         map[string][]string          `yaml:"compliance_tags"`
	ClusterSeverity        map[string]models.Severity   `yaml:"cluster_severity" validate:"dive,oneof=CRITICAL HIGH MEDIUM LOW"`
	DefaultClusterSeverity models.Severity              `yaml:"default_cluster_severity" validate:"oneof=CRITICAL HIGH MEDIUM LOW"`
}

// Options converts to normalizer options
func (n NormalizerConfig) Options() normalizer.Options {
	return normalizer.Options{
		EnvironmentRules:       n.EnvironmentRules,
		ComplianceTags:         n.ComplianceTags,
		ClusterSeverity:        n.ClusterSeverity,
		DefaultClusterSeverity: n.DefaultClusterSeverity,
	}
}

// CommandConfig is an external process with a bounded run time
type CommandConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// Target names the scan target of batches produced by this evaluator
	Target string `yaml:"target"`
}

type EvaluatorsConfig struct {
	CI      CommandConfig `yaml:"ci"`
	Cluster CommandConfig `yaml:"cluster"`
	Backoff time.Duration `yaml:"backoff" validate:"gte=0"`
}

type FixerConfig struct {
	Command      string        `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	// RateLimit is invocations per second, 0 for unlimited
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type RouterConfig struct {
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`
}

type RolloutConfig struct {
	EvaluationInterval time.Duration        `yaml:"evaluation_interval" validate:"gt=0"`
	Defaults           models.PromotionRule `yaml:"defaults"`
}

type NotifyConfig struct {
	Webhook string            `yaml:"webhook" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
	// AllowPrivateHosts and AllowHTTP relax the webhook endpoint checks,
	// for in-cluster receivers
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
	AllowHTTP         bool `yaml:"allow_http"`
}

// Client is the outbound HTTP policy for the webhook
func (n NotifyConfig) Client() netutil.ClientConfig {
	c := netutil.DefaultConfig()
	c.AllowPrivateHosts = n.AllowPrivateHosts
	c.AllowHTTP = n.AllowHTTP
	if n.Timeout > 0 {
		c.Timeout = n.Timeout
	}
	return c
}

// Default configuration
func Default() *Config {
	return &Config{
		DataDir: ".policygate",
		Listen:  "127.0.0.1:8080",
		Logging: logging.DefaultConfig(),
		OTel:    otelobs.DefaultConfig(),
		Classifier: ClassifierConfig{
			Preset:   "default",
			Debounce: 250 * time.Millisecond,
		},
		Normalizer: NormalizerConfig{
			EnvironmentRules:       normalizer.DefaultEnvironmentRules(),
			DefaultClusterSeverity: models.SeverityMedium,
		},
		Evaluators: EvaluatorsConfig{
			CI:      CommandConfig{Timeout: 5 * time.Minute},
			Cluster: CommandConfig{Timeout: 5 * time.Minute},
			Backoff: time.Second,
		},
		Fixer: FixerConfig{
			Timeout:      5 * time.Minute,
			RetryBackoff: 2 * time.Second,
			RateLimit:    2,
			Burst:        4,
		},
		Router:   RouterConfig{Workers: 4},
		Approval: approval.DefaultConfig(),
		Rollout: RolloutConfig{
			EvaluationInterval: time.Hour,
			Defaults:           models.DefaultPromotionRule(),
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.OTel.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Notify.Webhook != "" {
		if err := netutil.ValidateURL(c.Notify.Webhook, c.Notify.Client()); err != nil {
			return fmt.Errorf("invalid config: notify webhook: %w", err)
		}
	}
	if c.Classifier.TablePath == "" && c.Classifier.Preset == "" {
		return errors.New("invalid config: classifier needs table_path or preset")
	}
	return nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads path, or returns the defaults when path is empty
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
