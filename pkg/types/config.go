// Package types - Configuration data structures
package types

// Config represents the complete application configuration structure.
//
// This is the root configuration object loaded from YAML and overridden by
// environment variables. Zero values are replaced by defaults in
// internal/config.
type Config struct {
	// Core application settings
	App     AppConfig     `yaml:"app"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	// Commit hook pipeline
	Pipeline          PipelineConfig          `yaml:"pipeline"`
	Validators        ValidatorsConfig        `yaml:"validators"`
	Sinks             SinksConfig             `yaml:"sinks"`
	ValidationService ValidationServiceConfig `yaml:"validation_service"`

	// Branch lock manager
	LockManager LockManagerConfig `yaml:"lock_manager"`

	// Dead letter queue service
	DLQ DLQServiceConfig `yaml:"dlq"`

	// Shared key/value store
	Redis RedisConfig `yaml:"redis"`

	// Operational features
	ResourceMonitoring ResourceMonitoringConfig `yaml:"resource_monitoring"`
	HotReload          HotReloadConfig          `yaml:"hot_reload"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string `yaml:"name"`             // Application name for identification
	Version         string `yaml:"version"`          // Application version
	Environment     string `yaml:"environment"`      // Deployment environment (dev, staging, prod)
	LogLevel        string `yaml:"log_level"`        // Logging level (trace, debug, info, warn, error)
	LogFormat       string `yaml:"log_format"`       // Log output format (json, text)
	ShutdownTimeout string `yaml:"shutdown_timeout"` // Graceful shutdown deadline
	DefaultConfigs  *bool  `yaml:"default_configs"`  // Apply built-in defaults (nil means true)
}

// ServerConfig contains the admin HTTP server settings.
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`       // Enable admin HTTP server
	Host         string `yaml:"host"`          // Server bind host
	Port         int    `yaml:"port"`          // Server bind port
	ReadTimeout  string `yaml:"read_timeout"`  // HTTP read timeout
	WriteTimeout string `yaml:"write_timeout"` // HTTP write timeout
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable metrics collection
	Port    int    `yaml:"port"`    // Metrics server port
	Path    string `yaml:"path"`    // Metrics endpoint path
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`       // Enable distributed tracing
	ServiceName  string  `yaml:"service_name"`  // Service name reported on spans
	Exporter     string  `yaml:"exporter"`      // Exporter type (otlp, none)
	Endpoint     string  `yaml:"endpoint"`      // Collector endpoint
	SampleRate   float64 `yaml:"sample_rate"`   // Trace sampling ratio (0.0 - 1.0)
	InsecureMode bool    `yaml:"insecure_mode"` // Disable TLS to the collector
}

// PipelineConfig contains commit hook pipeline settings.
type PipelineConfig struct {
	ValidationAsync       bool     `yaml:"validation_async"`         // Run validators detached instead of gating the commit
	MaxDiffSizeMB         int      `yaml:"max_diff_size_mb"`         // Size gate threshold in MiB
	StrictValidation      bool     `yaml:"strict_validation"`        // Rule failures block instead of audit-bypass
	StrictSecurity        bool     `yaml:"strict_security"`          // Tampering findings block instead of audit-bypass
	EnablePIIValidation   bool     `yaml:"enable_pii_validation"`    // Run the PII validator
	SchemaCacheTTLSeconds int      `yaml:"schema_cache_ttl_seconds"` // Schema definition cache TTL
	ValidationTimeout     string   `yaml:"validation_timeout"`       // Per-validator deadline
	SizeBypassPrefixes    []string `yaml:"size_bypass_prefixes"`     // Author prefixes allowed to bypass the size gate
	ExecutorWorkers       int      `yaml:"executor_workers"`         // Background executor worker count
	ExecutorQueueSize     int      `yaml:"executor_queue_size"`      // Background executor queue capacity
}

// ValidatorsConfig contains per-validator settings.
type ValidatorsConfig struct {
	Tampering TamperingValidatorConfig `yaml:"tampering"`
	Schema    SchemaValidatorConfig    `yaml:"schema"`
	PII       PIIValidatorConfig       `yaml:"pii"`
	Rules     RuleValidatorConfig      `yaml:"rules"`
}

// TamperingValidatorConfig contains tampering detection settings. The
// protected field set and the suspicious pattern list are fixed.
type TamperingValidatorConfig struct {
	Enabled bool `yaml:"enabled"` // Enable tampering validator
}

// SchemaValidatorConfig contains schema validation settings.
type SchemaValidatorConfig struct {
	Enabled           bool     `yaml:"enabled"`            // Enable schema validator
	DefinitionsFile   string   `yaml:"definitions_file"`   // Optional schema definitions YAML
	ReservedPrefixes  []string `yaml:"reserved_prefixes"`  // Type name prefixes reserved for the platform
	ProtectedBranches []string `yaml:"protected_branches"` // Branch purposes requiring privileged authors
}

// PIIValidatorConfig contains PII scanning settings.
type PIIValidatorConfig struct {
	Enabled            bool     `yaml:"enabled"`              // Enable PII validator
	AllowedEmailFields []string `yaml:"allowed_email_fields"` // Field names where emails are permitted
}

// RuleValidatorConfig contains rule engine delegation settings.
type RuleValidatorConfig struct {
	Enabled   bool     `yaml:"enabled"`    // Enable rule validator
	Level     string   `yaml:"level"`      // Validation level (MINIMAL, STANDARD, STRICT, PARANOID)
	SkipRules []string `yaml:"skip_rules"` // Rule names excluded from commit validation
}

// SinksConfig contains sink configurations.
type SinksConfig struct {
	Bus     BusSinkConfig     `yaml:"bus"`     // Message bus commit event sink
	Audit   AuditSinkConfig   `yaml:"audit"`   // Audit service sink
	Webhook WebhookSinkConfig `yaml:"webhook"` // Webhook sink
	Metrics MetricsSinkConfig `yaml:"metrics"` // Metrics sink
}

// BusSinkConfig contains message bus producer settings.
type BusSinkConfig struct {
	Enabled          bool     `yaml:"enabled"`            // Enable bus sink
	Brokers          []string `yaml:"brokers"`            // Broker addresses
	TopicPrefix      string   `yaml:"topic_prefix"`       // Commit event topic prefix
	Compression      string   `yaml:"compression"`        // Producer compression (none, gzip, snappy, lz4, zstd)
	RequiredAcks     string   `yaml:"required_acks"`      // Ack level (none, local, all)
	FlushFrequency   string   `yaml:"flush_frequency"`    // Producer flush interval
	SASLEnabled      bool     `yaml:"sasl_enabled"`       // Enable SASL authentication
	SASLMechanism    string   `yaml:"sasl_mechanism"`     // SASL mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)
	SASLUsername     string   `yaml:"sasl_username"`      // SASL username
	SASLPassword     string   `yaml:"sasl_password"`      // SASL password
	TLSEnabled       bool     `yaml:"tls_enabled"`        // Enable TLS to brokers
	FallbackInMemory bool     `yaml:"fallback_in_memory"` // Fall back to the in-memory broker when brokers are unreachable
}

// AuditSinkConfig contains audit service settings.
type AuditSinkConfig struct {
	Enabled       bool   `yaml:"enabled"`        // Enable audit sink
	URL           string `yaml:"url"`            // Audit service base URL
	Timeout       string `yaml:"timeout"`        // Request timeout
	SpoolPath     string `yaml:"spool_path"`     // Local append-only fallback file
	ReplayEnabled bool   `yaml:"replay_enabled"` // Re-submit spooled events when the service recovers
	ReplayDelay   string `yaml:"replay_delay"`   // Wait between replay sweeps
}

// WebhookSinkConfig contains webhook sink settings.
type WebhookSinkConfig struct {
	Enabled bool              `yaml:"enabled"` // Enable webhook sink
	URL     string            `yaml:"url"`     // Webhook endpoint URL
	Timeout string            `yaml:"timeout"` // Request timeout
	Headers map[string]string `yaml:"headers"` // Additional HTTP headers
	Policy  string            `yaml:"policy"`  // Retry policy name (webhook by default)
}

// MetricsSinkConfig contains metrics sink settings.
type MetricsSinkConfig struct {
	Enabled bool `yaml:"enabled"` // Enable metrics sink
}

// LockManagerConfig contains branch lock manager settings.
type LockManagerConfig struct {
	CleanupIntervalS         int               `yaml:"cleanup_interval_s"`          // Seconds between cleanup sweeps
	BatchSize                int               `yaml:"batch_size"`                  // Locks examined per sweep batch
	HeartbeatCheckIntervalS  int               `yaml:"heartbeat_check_interval_s"`  // Seconds between heartbeat staleness checks
	HeartbeatGraceMultiplier float64           `yaml:"heartbeat_grace_multiplier"`  // Interval multiplier before a lock counts as stale
	DefaultTimeouts          map[string]string `yaml:"default_timeouts"`            // Per lock type TTL overrides (INDEXING, MAINTENANCE, ...)
	DefaultHeartbeatS        int               `yaml:"default_heartbeat_s"`         // Default heartbeat interval for new locks
	CacheEnabled             bool              `yaml:"cache_enabled"`               // Replicate locks and state through the shared cache
	StateCacheTTLS           int               `yaml:"state_cache_ttl_s"`           // Branch state cache TTL
	StateDir                 string            `yaml:"state_dir"`                   // Branch state journal directory (empty disables the journal)
}

// DLQServiceConfig contains dead letter queue service settings.
type DLQServiceConfig struct {
	Enabled          bool             `yaml:"enabled"`           // Enable the DLQ service
	ProcessIntervalS int              `yaml:"process_interval_s"` // Background processor poll interval
	Queues           []DLQQueueConfig `yaml:"queues"`            // Registered queues
}

// DLQQueueConfig contains per-queue DLQ settings.
type DLQQueueConfig struct {
	Name              string `yaml:"name"`               // Queue name
	MaxRetries        int    `yaml:"max_retries"`        // Retry ceiling before poison promotion
	TTLSeconds        int    `yaml:"ttl_s"`              // Live message TTL
	PoisonThreshold   int    `yaml:"poison_threshold"`   // Alert threshold for poison queue depth
	BatchSize         int    `yaml:"batch_size"`         // Concurrent retries per processor pass
	ProcessingTimeout string `yaml:"processing_timeout"` // Per-retry handler deadline
	EnableCompression bool   `yaml:"enable_compression"` // Compress original payloads at rest
	CompressionCodec  string `yaml:"compression_codec"`  // Codec (zstd, snappy, lz4)
	RedisKeyPrefix    string `yaml:"redis_key_prefix"`   // Extra key prefix for shared deployments
}

// RedisConfig contains shared key/value store settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`      // Use redis; in-memory store otherwise
	Addr        string `yaml:"addr"`         // host:port
	Password    string `yaml:"password"`     // Optional AUTH password
	DB          int    `yaml:"db"`           // Database index
	DialTimeout string `yaml:"dial_timeout"` // Connection timeout
	PoolSize    int    `yaml:"pool_size"`    // Connection pool size
}

// ResourceMonitoringConfig contains resource monitor settings.
type ResourceMonitoringConfig struct {
	Enabled          bool    `yaml:"enabled"`            // Enable resource monitoring
	CheckInterval    string  `yaml:"check_interval"`     // Sampling interval
	MemoryWarnMB     float64 `yaml:"memory_warn_mb"`     // Warn above this RSS
	CPUWarnPercent   float64 `yaml:"cpu_warn_percent"`   // Warn above this CPU share
	GoroutineWarn    int     `yaml:"goroutine_warn"`     // Warn above this goroutine count
	DegradeOnWarning bool    `yaml:"degrade_on_warning"` // Raise the degraded flag on threshold crossings
}

// HotReloadConfig contains config file watch settings.
type HotReloadConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Watch the config file for changes
	DebounceMs int    `yaml:"debounce_ms"` // Coalesce rapid change events
	Path       string `yaml:"path"`        // Override path (defaults to the loaded file)
}
