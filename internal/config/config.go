// Package config loads the application configuration from YAML, fills in
// defaults, and applies environment variable overrides. Precedence is
// environment over file over defaults. Call ValidateConfig before handing
// the result to the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"ontogate/pkg/types"
)

// LoadConfig reads the YAML file when one is given, applies defaults for
// unset values, then applies environment overrides. A missing or broken
// file is reported but not fatal: defaults plus environment may still form
// a usable configuration.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			fmt.Printf("Warning: failed to load config file %s: %v\n", configFile, err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	return config, nil
}

func loadConfigFile(filename string, config *types.Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// shouldApplyDefaults decides whether the built-in defaults are wanted.
// The ONTOGATE_DEFAULT_CONFIGS environment variable wins over the file
// setting; unset means yes.
func shouldApplyDefaults(config *types.Config) bool {
	if value := os.Getenv("ONTOGATE_DEFAULT_CONFIGS"); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	if config.App.DefaultConfigs != nil {
		return *config.App.DefaultConfigs
	}
	return true
}

// applyDefaults fills every unset value with the standard deployment
// shape. Enabled flags of the core surfaces default to on; the runtime
// off switches are the corresponding environment variables.
func applyDefaults(config *types.Config) {
	if !shouldApplyDefaults(config) {
		return
	}

	// App defaults
	if config.App.Name == "" {
		config.App.Name = "ontogate"
	}
	if config.App.Version == "" {
		config.App.Version = "1.0.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}
	if config.App.ShutdownTimeout == "" {
		config.App.ShutdownTimeout = "30s"
	}

	// Admin server defaults
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8420
	}
	if config.Server.ReadTimeout == "" {
		config.Server.ReadTimeout = "15s"
	}
	if config.Server.WriteTimeout == "" {
		config.Server.WriteTimeout = "15s"
	}
	config.Server.Enabled = true // Default enabled

	// Metrics defaults
	if config.Metrics.Port == 0 {
		config.Metrics.Port = 9420
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	config.Metrics.Enabled = true // Default enabled

	// Tracing defaults (opt-in, stays off unless the file or environment
	// turns it on)
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "ontogate"
	}
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = "otlp"
	}
	if config.Tracing.Endpoint == "" {
		config.Tracing.Endpoint = "localhost:4318"
	}
	if config.Tracing.SampleRate == 0 {
		config.Tracing.SampleRate = 1.0
	}

	// Pipeline defaults
	if config.Pipeline.MaxDiffSizeMB == 0 {
		config.Pipeline.MaxDiffSizeMB = 10
	}
	if config.Pipeline.SchemaCacheTTLSeconds == 0 {
		config.Pipeline.SchemaCacheTTLSeconds = 300
	}
	if config.Pipeline.ValidationTimeout == "" {
		config.Pipeline.ValidationTimeout = "30s"
	}
	if len(config.Pipeline.SizeBypassPrefixes) == 0 {
		config.Pipeline.SizeBypassPrefixes = []string{"system@", "admin@", "migration@", "import@"}
	}
	if config.Pipeline.ExecutorWorkers == 0 {
		config.Pipeline.ExecutorWorkers = 4
	}
	if config.Pipeline.ExecutorQueueSize == 0 {
		config.Pipeline.ExecutorQueueSize = 256
	}
	config.Pipeline.EnablePIIValidation = true // Default enabled

	// Validator defaults
	config.Validators.Tampering.Enabled = true
	config.Validators.Schema.Enabled = true
	config.Validators.PII.Enabled = true
	config.Validators.Rules.Enabled = true
	if config.Validators.Rules.Level == "" {
		config.Validators.Rules.Level = string(types.LevelStandard)
	}

	// Validation service defaults, aligned with the service constructor
	if config.ValidationService.DefaultLevel == "" {
		config.ValidationService.DefaultLevel = string(types.LevelStandard)
	}
	if config.ValidationService.SecurityScoreMin == 0 {
		config.ValidationService.SecurityScoreMin = 70
	}
	if config.ValidationService.CacheTTLSeconds == 0 {
		config.ValidationService.CacheTTLSeconds = 300
	}
	if config.ValidationService.MaxDepth == 0 {
		config.ValidationService.MaxDepth = 10
	}
	if config.ValidationService.MaxStringLength == 0 {
		config.ValidationService.MaxStringLength = 10000
	}
	if config.ValidationService.MaxKeys == 0 {
		config.ValidationService.MaxKeys = 1000
	}
	config.ValidationService.Enabled = true
	config.ValidationService.CacheEnabled = true

	// Sink defaults
	if config.Sinks.Bus.TopicPrefix == "" {
		config.Sinks.Bus.TopicPrefix = "terminus.commit"
	}
	if config.Sinks.Bus.Compression == "" {
		config.Sinks.Bus.Compression = "snappy"
	}
	if config.Sinks.Bus.RequiredAcks == "" {
		config.Sinks.Bus.RequiredAcks = "local"
	}
	if config.Sinks.Bus.FlushFrequency == "" {
		config.Sinks.Bus.FlushFrequency = "500ms"
	}
	config.Sinks.Bus.Enabled = true
	config.Sinks.Bus.FallbackInMemory = true

	if config.Sinks.Audit.Timeout == "" {
		config.Sinks.Audit.Timeout = "10s"
	}
	if config.Sinks.Audit.SpoolPath == "" {
		config.Sinks.Audit.SpoolPath = "data/audit_spool.jsonl"
	}
	if config.Sinks.Audit.ReplayDelay == "" {
		config.Sinks.Audit.ReplayDelay = "30s"
	}
	config.Sinks.Audit.Enabled = true
	config.Sinks.Audit.ReplayEnabled = true

	// The webhook sink stays inert until a URL is configured.
	if config.Sinks.Webhook.Timeout == "" {
		config.Sinks.Webhook.Timeout = "5s"
	}
	if config.Sinks.Webhook.Policy == "" {
		config.Sinks.Webhook.Policy = "webhook"
	}
	config.Sinks.Webhook.Enabled = true

	config.Sinks.Metrics.Enabled = true

	// Lock manager defaults
	if config.LockManager.CleanupIntervalS == 0 {
		config.LockManager.CleanupIntervalS = 300
	}
	if config.LockManager.BatchSize == 0 {
		config.LockManager.BatchSize = 50
	}
	if config.LockManager.HeartbeatCheckIntervalS == 0 {
		config.LockManager.HeartbeatCheckIntervalS = 30
	}
	if config.LockManager.HeartbeatGraceMultiplier == 0 {
		config.LockManager.HeartbeatGraceMultiplier = 3.0
	}
	if config.LockManager.DefaultHeartbeatS == 0 {
		config.LockManager.DefaultHeartbeatS = 60
	}
	if config.LockManager.StateCacheTTLS == 0 {
		config.LockManager.StateCacheTTLS = 3600
	}
	if config.LockManager.StateDir == "" {
		config.LockManager.StateDir = "data/lock_journal"
	}
	if config.LockManager.DefaultTimeouts == nil {
		config.LockManager.DefaultTimeouts = map[string]string{}
	}
	for lockType, timeout := range map[string]string{
		string(types.LockTypeIndexing):    "4h",
		string(types.LockTypeMaintenance): "1h",
		string(types.LockTypeMigration):   "6h",
		string(types.LockTypeBackup):      "2h",
		string(types.LockTypeManual):      "24h",
	} {
		if _, ok := config.LockManager.DefaultTimeouts[lockType]; !ok {
			config.LockManager.DefaultTimeouts[lockType] = timeout
		}
	}
	config.LockManager.CacheEnabled = true

	// DLQ defaults; per-queue values are normalized at registration
	if config.DLQ.ProcessIntervalS == 0 {
		config.DLQ.ProcessIntervalS = 30
	}
	if len(config.DLQ.Queues) == 0 {
		config.DLQ.Queues = []types.DLQQueueConfig{{Name: "webhook_delivery"}}
	}
	config.DLQ.Enabled = true

	// Redis defaults (the in-memory store is used until redis is enabled)
	if config.Redis.Addr == "" {
		config.Redis.Addr = "localhost:6379"
	}
	if config.Redis.DialTimeout == "" {
		config.Redis.DialTimeout = "5s"
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 10
	}

	// Resource monitoring defaults
	if config.ResourceMonitoring.CheckInterval == "" {
		config.ResourceMonitoring.CheckInterval = "30s"
	}
	if config.ResourceMonitoring.MemoryWarnMB == 0 {
		config.ResourceMonitoring.MemoryWarnMB = 1024
	}
	if config.ResourceMonitoring.CPUWarnPercent == 0 {
		config.ResourceMonitoring.CPUWarnPercent = 80
	}
	if config.ResourceMonitoring.GoroutineWarn == 0 {
		config.ResourceMonitoring.GoroutineWarn = 5000
	}
	config.ResourceMonitoring.Enabled = true
	config.ResourceMonitoring.DegradeOnWarning = true

	// Hot reload defaults (opt-in)
	if config.HotReload.DebounceMs == 0 {
		config.HotReload.DebounceMs = 500
	}
}

// applyEnvironmentOverrides applies environment variables on top of the
// loaded configuration. The platform options keep their documented names
// (VALIDATION_ASYNC, MAX_DIFF_SIZE_MB, STRICT_VALIDATION, STRICT_SECURITY,
// ENABLE_PII_VALIDATION, SCHEMA_CACHE_TTL_SECONDS); operational settings
// follow the usual SECTION_FIELD convention.
func applyEnvironmentOverrides(config *types.Config) {
	// Logging overrides
	if level := getEnvString("LOG_LEVEL", ""); level != "" {
		config.App.LogLevel = level
	}
	if format := getEnvString("LOG_FORMAT", ""); format != "" {
		config.App.LogFormat = format
	}
	if env := getEnvString("APP_ENVIRONMENT", ""); env != "" {
		config.App.Environment = env
	}

	// Admin server overrides
	if port := getEnvInt("API_PORT", 0); port != 0 {
		config.Server.Port = port
	}
	if host := getEnvString("API_HOST", ""); host != "" {
		config.Server.Host = host
	}
	config.Server.Enabled = getEnvBool("API_ENABLED", config.Server.Enabled)

	// Metrics overrides
	if port := getEnvInt("METRICS_PORT", 0); port != 0 {
		config.Metrics.Port = port
	}
	if path := getEnvString("METRICS_PATH", ""); path != "" {
		config.Metrics.Path = path
	}
	config.Metrics.Enabled = getEnvBool("METRICS_ENABLED", config.Metrics.Enabled)

	// Resource monitoring override
	config.ResourceMonitoring.Enabled = getEnvBool("RESOURCE_MONITORING_ENABLED", config.ResourceMonitoring.Enabled)

	// Tracing overrides
	config.Tracing.Enabled = getEnvBool("TRACING_ENABLED", config.Tracing.Enabled)
	if endpoint := getEnvString("TRACING_ENDPOINT", ""); endpoint != "" {
		config.Tracing.Endpoint = endpoint
	}
	if rate := getEnvFloat("TRACING_SAMPLE_RATE", 0); rate != 0 {
		config.Tracing.SampleRate = rate
	}

	// Pipeline overrides (documented platform option names)
	config.Pipeline.ValidationAsync = getEnvBool("VALIDATION_ASYNC", config.Pipeline.ValidationAsync)
	if size := getEnvInt("MAX_DIFF_SIZE_MB", 0); size != 0 {
		config.Pipeline.MaxDiffSizeMB = size
	}
	config.Pipeline.StrictValidation = getEnvBool("STRICT_VALIDATION", config.Pipeline.StrictValidation)
	config.Pipeline.StrictSecurity = getEnvBool("STRICT_SECURITY", config.Pipeline.StrictSecurity)
	config.Pipeline.EnablePIIValidation = getEnvBool("ENABLE_PII_VALIDATION", config.Pipeline.EnablePIIValidation)
	if ttl := getEnvInt("SCHEMA_CACHE_TTL_SECONDS", 0); ttl != 0 {
		config.Pipeline.SchemaCacheTTLSeconds = ttl
	}
	if timeout := getEnvString("VALIDATION_TIMEOUT", ""); timeout != "" {
		config.Pipeline.ValidationTimeout = timeout
	}

	// Lock manager overrides
	if interval := getEnvInt("CLEANUP_INTERVAL_S", 0); interval != 0 {
		config.LockManager.CleanupIntervalS = interval
	}
	if size := getEnvInt("CLEANUP_BATCH_SIZE", 0); size != 0 {
		config.LockManager.BatchSize = size
	}
	if interval := getEnvInt("HEARTBEAT_CHECK_INTERVAL_S", 0); interval != 0 {
		config.LockManager.HeartbeatCheckIntervalS = interval
	}
	if grace := getEnvFloat("HEARTBEAT_GRACE_MULTIPLIER", 0); grace != 0 {
		config.LockManager.HeartbeatGraceMultiplier = grace
	}

	// Sink overrides
	config.Sinks.Bus.Enabled = getEnvBool("BUS_ENABLED", config.Sinks.Bus.Enabled)
	if brokers := getEnvStringSlice("BUS_BROKERS", nil); brokers != nil {
		config.Sinks.Bus.Brokers = brokers
	}
	if prefix := getEnvString("BUS_TOPIC_PREFIX", ""); prefix != "" {
		config.Sinks.Bus.TopicPrefix = prefix
	}

	config.Sinks.Audit.Enabled = getEnvBool("AUDIT_ENABLED", config.Sinks.Audit.Enabled)
	if url := getEnvString("AUDIT_URL", ""); url != "" {
		config.Sinks.Audit.URL = url
	}
	if path := getEnvString("AUDIT_SPOOL_PATH", ""); path != "" {
		config.Sinks.Audit.SpoolPath = path
	}

	config.Sinks.Webhook.Enabled = getEnvBool("WEBHOOK_ENABLED", config.Sinks.Webhook.Enabled)
	if url := getEnvString("WEBHOOK_URL", ""); url != "" {
		config.Sinks.Webhook.URL = url
	}
	if headers := getEnvStringMap("WEBHOOK_HEADERS", nil); headers != nil {
		config.Sinks.Webhook.Headers = headers
	}

	// DLQ overrides
	config.DLQ.Enabled = getEnvBool("DLQ_ENABLED", config.DLQ.Enabled)
	if interval := getEnvInt("DLQ_PROCESS_INTERVAL_S", 0); interval != 0 {
		config.DLQ.ProcessIntervalS = interval
	}

	// Redis overrides
	config.Redis.Enabled = getEnvBool("REDIS_ENABLED", config.Redis.Enabled)
	if addr := getEnvString("REDIS_ADDR", ""); addr != "" {
		config.Redis.Addr = addr
	}
	if password := getEnvString("REDIS_PASSWORD", ""); password != "" {
		config.Redis.Password = password
	}
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		config.Redis.DB = db
	}

	// Hot reload override
	config.HotReload.Enabled = getEnvBool("HOT_RELOAD_ENABLED", config.HotReload.Enabled)
}

// Environment variable helpers

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func getEnvStringMap(key string, defaultValue map[string]string) map[string]string {
	if value := os.Getenv(key); value != "" {
		result := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
				result[strings.TrimSpace(kv[0])] = kv[1]
			} else if trimmed := strings.TrimSpace(kv[0]); trimmed != "" {
				result[trimmed] = ""
			}
		}
		return result
	}
	return defaultValue
}

// ValidateConfig checks the configuration for values the application
// cannot run with.
func ValidateConfig(config *types.Config) error {
	if err := validateAppConfig(config); err != nil {
		return err
	}
	if err := validateServerConfig(config); err != nil {
		return err
	}
	if err := validateTracingConfig(config); err != nil {
		return err
	}
	if err := validatePipelineConfig(config); err != nil {
		return err
	}
	if err := validateLockManagerConfig(config); err != nil {
		return err
	}
	if err := validateSinksConfig(config); err != nil {
		return err
	}
	if err := validateDLQConfig(config); err != nil {
		return err
	}
	if err := validateRedisConfig(config); err != nil {
		return err
	}
	return validateValidationServiceConfig(config)
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
	"fatal": true, "panic": true,
}

func validateAppConfig(config *types.Config) error {
	if config.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !validLogLevels[strings.ToLower(config.App.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", config.App.LogLevel)
	}
	if config.App.LogFormat != "json" && config.App.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s", config.App.LogFormat)
	}
	if config.App.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(config.App.ShutdownTimeout); err != nil {
			return fmt.Errorf("invalid shutdown timeout: %s", config.App.ShutdownTimeout)
		}
	}
	return nil
}

func validateServerConfig(config *types.Config) error {
	if config.Server.Enabled {
		if config.Server.Port <= 0 || config.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", config.Server.Port)
		}
		if config.Server.ReadTimeout != "" {
			if _, err := time.ParseDuration(config.Server.ReadTimeout); err != nil {
				return fmt.Errorf("invalid read timeout: %s", config.Server.ReadTimeout)
			}
		}
		if config.Server.WriteTimeout != "" {
			if _, err := time.ParseDuration(config.Server.WriteTimeout); err != nil {
				return fmt.Errorf("invalid write timeout: %s", config.Server.WriteTimeout)
			}
		}
	}
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
		}
		if config.Server.Enabled && config.Metrics.Port == config.Server.Port {
			return fmt.Errorf("port conflict: server and metrics both on %d", config.Server.Port)
		}
	}
	return nil
}

func validateTracingConfig(config *types.Config) error {
	if !config.Tracing.Enabled {
		return nil
	}
	if config.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint cannot be empty when tracing is enabled")
	}
	if config.Tracing.SampleRate < 0 || config.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %v", config.Tracing.SampleRate)
	}
	return nil
}

func validatePipelineConfig(config *types.Config) error {
	if config.Pipeline.MaxDiffSizeMB <= 0 {
		return fmt.Errorf("max diff size must be positive, got %d", config.Pipeline.MaxDiffSizeMB)
	}
	if config.Pipeline.MaxDiffSizeMB > 1024 {
		return fmt.Errorf("max diff size too large: %d MB", config.Pipeline.MaxDiffSizeMB)
	}
	if config.Pipeline.ValidationTimeout != "" {
		if _, err := time.ParseDuration(config.Pipeline.ValidationTimeout); err != nil {
			return fmt.Errorf("invalid validation timeout: %s", config.Pipeline.ValidationTimeout)
		}
	}
	if config.Pipeline.ExecutorWorkers <= 0 {
		return fmt.Errorf("executor worker count must be positive, got %d", config.Pipeline.ExecutorWorkers)
	}
	if config.Pipeline.ExecutorWorkers > 128 {
		return fmt.Errorf("executor worker count too large: %d", config.Pipeline.ExecutorWorkers)
	}
	if config.Pipeline.ExecutorQueueSize <= 0 {
		return fmt.Errorf("executor queue size must be positive, got %d", config.Pipeline.ExecutorQueueSize)
	}
	if config.Pipeline.SchemaCacheTTLSeconds < 0 {
		return fmt.Errorf("schema cache TTL cannot be negative, got %d", config.Pipeline.SchemaCacheTTLSeconds)
	}
	return nil
}

func validateLockManagerConfig(config *types.Config) error {
	if config.LockManager.CleanupIntervalS <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %d", config.LockManager.CleanupIntervalS)
	}
	if config.LockManager.BatchSize <= 0 {
		return fmt.Errorf("cleanup batch size must be positive, got %d", config.LockManager.BatchSize)
	}
	if config.LockManager.HeartbeatCheckIntervalS <= 0 {
		return fmt.Errorf("heartbeat check interval must be positive, got %d", config.LockManager.HeartbeatCheckIntervalS)
	}
	if config.LockManager.HeartbeatGraceMultiplier < 1 {
		return fmt.Errorf("heartbeat grace multiplier must be at least 1, got %v", config.LockManager.HeartbeatGraceMultiplier)
	}
	for lockType, timeout := range config.LockManager.DefaultTimeouts {
		switch types.LockType(lockType) {
		case types.LockTypeIndexing, types.LockTypeMaintenance, types.LockTypeMigration,
			types.LockTypeBackup, types.LockTypeManual:
		default:
			return fmt.Errorf("unknown lock type in default timeouts: %s", lockType)
		}
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid lock timeout for %s: %s", lockType, timeout)
		}
	}
	return nil
}

var validBusCompression = map[string]bool{
	"": true, "none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true,
}

var validBusAcks = map[string]bool{
	"": true, "none": true, "local": true, "all": true,
}

var validSASLMechanisms = map[string]bool{
	"": true, "PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
}

func validateSinksConfig(config *types.Config) error {
	anyEnabled := config.Sinks.Bus.Enabled ||
		config.Sinks.Audit.Enabled ||
		config.Sinks.Webhook.Enabled ||
		config.Sinks.Metrics.Enabled

	if !anyEnabled {
		return fmt.Errorf("at least one sink must be enabled")
	}

	if config.Sinks.Bus.Enabled {
		if len(config.Sinks.Bus.Brokers) == 0 && !config.Sinks.Bus.FallbackInMemory {
			return fmt.Errorf("bus sink requires brokers or the in-memory fallback")
		}
		if !validBusCompression[config.Sinks.Bus.Compression] {
			return fmt.Errorf("invalid bus compression codec: %s", config.Sinks.Bus.Compression)
		}
		if !validBusAcks[config.Sinks.Bus.RequiredAcks] {
			return fmt.Errorf("invalid bus required acks: %s", config.Sinks.Bus.RequiredAcks)
		}
		if config.Sinks.Bus.FlushFrequency != "" {
			if _, err := time.ParseDuration(config.Sinks.Bus.FlushFrequency); err != nil {
				return fmt.Errorf("invalid bus flush frequency: %s", config.Sinks.Bus.FlushFrequency)
			}
		}
		if config.Sinks.Bus.SASLEnabled && !validSASLMechanisms[config.Sinks.Bus.SASLMechanism] {
			return fmt.Errorf("invalid SASL mechanism: %s", config.Sinks.Bus.SASLMechanism)
		}
	}

	if config.Sinks.Audit.Enabled {
		if config.Sinks.Audit.Timeout != "" {
			if _, err := time.ParseDuration(config.Sinks.Audit.Timeout); err != nil {
				return fmt.Errorf("invalid audit timeout: %s", config.Sinks.Audit.Timeout)
			}
		}
		if config.Sinks.Audit.ReplayDelay != "" {
			if _, err := time.ParseDuration(config.Sinks.Audit.ReplayDelay); err != nil {
				return fmt.Errorf("invalid audit replay delay: %s", config.Sinks.Audit.ReplayDelay)
			}
		}
	}

	if config.Sinks.Webhook.Enabled && config.Sinks.Webhook.Timeout != "" {
		if _, err := time.ParseDuration(config.Sinks.Webhook.Timeout); err != nil {
			return fmt.Errorf("invalid webhook timeout: %s", config.Sinks.Webhook.Timeout)
		}
	}

	return nil
}

func validateDLQConfig(config *types.Config) error {
	if !config.DLQ.Enabled {
		return nil
	}
	if config.DLQ.ProcessIntervalS <= 0 {
		return fmt.Errorf("DLQ process interval must be positive, got %d", config.DLQ.ProcessIntervalS)
	}
	seen := make(map[string]bool, len(config.DLQ.Queues))
	for _, queue := range config.DLQ.Queues {
		if queue.Name == "" {
			return fmt.Errorf("DLQ queue name cannot be empty")
		}
		if seen[queue.Name] {
			return fmt.Errorf("duplicate DLQ queue: %s", queue.Name)
		}
		seen[queue.Name] = true
		if queue.MaxRetries < 0 {
			return fmt.Errorf("DLQ max retries cannot be negative for queue %s", queue.Name)
		}
		if queue.TTLSeconds < 0 {
			return fmt.Errorf("DLQ TTL cannot be negative for queue %s", queue.Name)
		}
		if queue.ProcessingTimeout != "" {
			if _, err := time.ParseDuration(queue.ProcessingTimeout); err != nil {
				return fmt.Errorf("invalid processing timeout for queue %s: %s", queue.Name, queue.ProcessingTimeout)
			}
		}
	}
	return nil
}

func validateRedisConfig(config *types.Config) error {
	if !config.Redis.Enabled {
		return nil
	}
	if config.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when redis is enabled")
	}
	if config.Redis.DB < 0 {
		return fmt.Errorf("redis database index cannot be negative, got %d", config.Redis.DB)
	}
	if config.Redis.DialTimeout != "" {
		if _, err := time.ParseDuration(config.Redis.DialTimeout); err != nil {
			return fmt.Errorf("invalid redis dial timeout: %s", config.Redis.DialTimeout)
		}
	}
	return nil
}

func validateValidationServiceConfig(config *types.Config) error {
	if !config.ValidationService.Enabled {
		return nil
	}
	switch types.ValidationLevel(config.ValidationService.DefaultLevel) {
	case types.LevelMinimal, types.LevelStandard, types.LevelStrict, types.LevelParanoid:
	default:
		return fmt.Errorf("invalid validation level: %s", config.ValidationService.DefaultLevel)
	}
	if config.ValidationService.SecurityScoreMin < 0 || config.ValidationService.SecurityScoreMin > 100 {
		return fmt.Errorf("security score minimum must be between 0 and 100, got %d", config.ValidationService.SecurityScoreMin)
	}
	return nil
}
