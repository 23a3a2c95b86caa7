package config

import "time"

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and other observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig configures security features.
type SecurityConfig struct {
	Posture SecurityPostureConfig `yaml:"posture"`
}

// SecurityPostureConfig controls continuous security posture auditing.
type SecurityPostureConfig struct {
	Enabled            bool                   `yaml:"enabled"`
	Interval           time.Duration          `yaml:"interval"`
	IncludeFilesystem  *bool                  `yaml:"include_filesystem"`
	IncludeConfig      *bool                  `yaml:"include_config"`
	CheckSymlinks      *bool                  `yaml:"check_symlinks"`
	AllowGroupReadable bool                   `yaml:"allow_group_readable"`
	EmitEvents         *bool                  `yaml:"emit_events"`
	AutoRemediation    SecurityRemediationCfg `yaml:"auto_remediation"`
}

// SecurityRemediationCfg configures posture remediation behavior.
type SecurityRemediationCfg struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // lockdown | warn_only
}
