package types

// ProjectConfig is the top-level planrunner.yaml configuration.
type ProjectConfig struct {
	Backend   BackendConfig   `yaml:"backend" json:"backend"`
	Polling   PollingConfig   `yaml:"polling,omitempty" json:"polling,omitempty"`
	Snapshot  SnapshotConfig  `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	Phases    []PhaseConfig   `yaml:"phases,omitempty" json:"phases,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty" json:"logging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// BackendConfig configures the HTTP client for the plan-generation backend.
type BackendConfig struct {
	BaseURL   string               `yaml:"baseUrl" json:"baseUrl"`
	Token     string               `yaml:"token,omitempty" json:"token,omitempty"` // ${VAR} references are expanded
	Timeout   string               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimit float64              `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"` // requests per second, 0 = unlimited
	RateBurst int                  `yaml:"rateBurst,omitempty" json:"rateBurst,omitempty"`
	Breaker   CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	UserAgent string               `yaml:"userAgent,omitempty" json:"userAgent,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker settings for backend calls.
type CircuitBreakerConfig struct {
	FailThreshold int    `yaml:"failThreshold,omitempty" json:"failThreshold,omitempty"`
	Cooldown      string `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	FailWindow    string `yaml:"failWindow,omitempty" json:"failWindow,omitempty"`
}

// PollingConfig configures job status polling.
type PollingConfig struct {
	Interval         string  `yaml:"interval,omitempty" json:"interval,omitempty"`
	ErrorBackoff     string  `yaml:"errorBackoff,omitempty" json:"errorBackoff,omitempty"`
	MaxErrorBackoff  string  `yaml:"maxErrorBackoff,omitempty" json:"maxErrorBackoff,omitempty"`
	Multiplier       float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxRejectedPolls int     `yaml:"maxRejectedPolls,omitempty" json:"maxRejectedPolls,omitempty"` // consecutive 4xx status fetches before the job fails
}

// SnapshotConfig configures the shared project-state cache.
type SnapshotConfig struct {
	RefreshInterval string `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"`
}

// PhaseConfig overrides the creation endpoint or required fields of a phase.
type PhaseConfig struct {
	Phase    Phase    `yaml:"phase" json:"phase"`
	Endpoint string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // text, json
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}
