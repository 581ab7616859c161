// Package otel wires OpenTelemetry tracing for policygate. Tracing is off
// unless enabled in the config file or with --otel.
package otel

import (
	"errors"
	"time"
)

const (
	ProtocolHTTP = "otlphttp"
	ProtocolGRPC = "otlpgrpc"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is host:port for grpc or a URL for http. Empty falls back
	// to OTEL_EXPORTER_OTLP_ENDPOINT, then the protocol's local default.
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	// Environment is reported as deployment.environment.name
	Environment string        `yaml:"environment"`
	SampleRatio float64       `yaml:"sample_ratio"`
	Timeout     time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Protocol:    ProtocolHTTP,
		ServiceName: "policygate",
		SampleRatio: 1.0,
		Timeout:     10 * time.Second,
	}
}

// Validate only checks an enabled config
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Protocol != ProtocolHTTP && c.Protocol != ProtocolGRPC {
		errs = append(errs, errors.New("otel: protocol must be 'otlphttp' or 'otlpgrpc'"))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, errors.New("otel: sample_ratio must be between 0 and 1"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("otel: timeout must not be negative"))
	}
	return errors.Join(errs...)
}
