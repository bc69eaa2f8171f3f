package config

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// ObservabilityConfig configures tracing and diagnostics.
type ObservabilityConfig struct {
	Tracing     TracingConfig     `yaml:"tracing"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
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

// DiagnosticsConfig controls the global diagnostic event stream.
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled"`
}
