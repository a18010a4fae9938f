// Package config provides configuration management for conductor.
//
// Configuration is layered: DefaultConfig, then an optional YAML or JSON file,
// then CONDUCTOR_* environment variables. Validate runs last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUCTOR_"

// Config holds the complete configuration for conductor
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	State        StateConfig        `yaml:"state" json:"state"`
	MessageQueue MessageQueueConfig `yaml:"message_queue" json:"message_queue"`
	Bus          BusConfig          `yaml:"bus" json:"bus"`
	Workflow     WorkflowConfig     `yaml:"workflow" json:"workflow"`
	Alerting     AlertingConfig     `yaml:"alerting" json:"alerting"`
	Sink         SinkConfig         `yaml:"sink" json:"sink"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" json:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTP            HTTPConfig      `yaml:"http" json:"http"`
	GRPC            GRPCConfig      `yaml:"grpc" json:"grpc"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// HTTPConfig holds HTTP API configuration
type HTTPConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// GRPCConfig holds the gRPC health service configuration
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

// RateLimitConfig holds per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// StateConfig holds state store configuration
type StateConfig struct {
	Type          string        `yaml:"type" json:"type"`
	Path          string        `yaml:"path" json:"path"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"redis_password"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" json:"key_prefix"`
	EventTTL      time.Duration `yaml:"event_ttl" json:"event_ttl"`
}

// MessageQueueConfig holds delivery transport configuration
type MessageQueueConfig struct {
	Type           string        `yaml:"type" json:"type"`
	StorePath      string        `yaml:"store_path" json:"store_path"`
	WorkerPoolSize int           `yaml:"worker_pool_size" json:"worker_pool_size"`
	MessageTimeout time.Duration `yaml:"message_timeout" json:"message_timeout"`
	InboxCapacity  int           `yaml:"inbox_capacity" json:"inbox_capacity"`
}

// BusConfig holds message bus policy
type BusConfig struct {
	RequireDelivery     bool   `yaml:"require_delivery" json:"require_delivery"`
	StatusTopic         string `yaml:"status_topic" json:"status_topic"`
	PublishStatusChange bool   `yaml:"publish_status_changes" json:"publish_status_changes"`
}

// WorkflowConfig holds workflow engine limits
type WorkflowConfig struct {
	GlobalConcurrency  int           `yaml:"global_concurrency" json:"global_concurrency"`
	PerRunConcurrency  int           `yaml:"per_run_concurrency" json:"per_run_concurrency"`
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" json:"default_node_timeout"`
	CompletionTopic    string        `yaml:"completion_topic" json:"completion_topic"`
	DefinitionsDir     string        `yaml:"definitions_dir" json:"definitions_dir"`
}

// AlertingConfig holds metrics and alert engine policy
type AlertingConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	AutoResolve      bool          `yaml:"auto_resolve" json:"auto_resolve"`
	SampleRetention  time.Duration `yaml:"sample_retention" json:"sample_retention"`
	MaxSamples       int           `yaml:"max_samples" json:"max_samples"`
	RulesFile        string        `yaml:"rules_file" json:"rules_file"`
	PublishAlerts    bool          `yaml:"publish_alerts" json:"publish_alerts"`
}

// SinkConfig holds event sink configuration
type SinkConfig struct {
	BufferSize   int      `yaml:"buffer_size" json:"buffer_size"`
	LogEvents    bool     `yaml:"log_events" json:"log_events"`
	StoreEvents  bool     `yaml:"store_events" json:"store_events"`
	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" json:"kafka_topic"`
}

// MonitoringConfig holds monitoring and observability configuration
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Format      string `yaml:"format" json:"format"`
	Output      string `yaml:"output" json:"output"`
	FilePath    string `yaml:"file_path" json:"file_path"`
	Development bool   `yaml:"development" json:"development"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Host:         "0.0.0.0",
				Port:         8080,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
			GRPC: GRPCConfig{
				Enabled: true,
				Host:    "0.0.0.0",
				Port:    9090,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
			ShutdownTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Type:      "memory",
			Path:      "./conductor-data",
			KeyPrefix: "conductor",
			EventTTL:  7 * 24 * time.Hour,
		},
		MessageQueue: MessageQueueConfig{
			Type:           "memory",
			StorePath:      "./conductor-amq-data",
			WorkerPoolSize: 10,
			MessageTimeout: 30 * time.Second,
			InboxCapacity:  1000,
		},
		Bus: BusConfig{
			RequireDelivery:     false,
			StatusTopic:         "agents.status",
			PublishStatusChange: true,
		},
		Workflow: WorkflowConfig{
			GlobalConcurrency:  64,
			PerRunConcurrency:  8,
			DefaultNodeTimeout: 5 * time.Minute,
		},
		Alerting: AlertingConfig{
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
			AutoResolve:      true,
			SampleRetention:  time.Hour,
			MaxSamples:       1000,
			PublishAlerts:    false,
		},
		Sink: SinkConfig{
			BufferSize:  1024,
			LogEvents:   true,
			StoreEvents: true,
			KafkaTopic:  "conductor.events",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Path:      "/metrics",
				Namespace: "conductor",
			},
			Tracing: TracingConfig{
				Enabled:     false,
				ServiceName: "conductor",
				SampleRate:  0.1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadConfigFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from YAML or JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = strings.ToLower(val) == "true"
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *Config) {
	envString("HTTP_HOST", &config.Server.HTTP.Host)
	envInt("HTTP_PORT", &config.Server.HTTP.Port)
	envBool("GRPC_ENABLED", &config.Server.GRPC.Enabled)
	envInt("GRPC_PORT", &config.Server.GRPC.Port)
	envBool("RATE_LIMIT_ENABLED", &config.Server.RateLimit.Enabled)

	envString("STATE_TYPE", &config.State.Type)
	envString("STATE_PATH", &config.State.Path)
	envString("REDIS_ADDR", &config.State.RedisAddr)
	envString("REDIS_PASSWORD", &config.State.RedisPassword)
	envInt("REDIS_DB", &config.State.RedisDB)

	envString("MQ_TYPE", &config.MessageQueue.Type)
	envString("AMQ_STORE_PATH", &config.MessageQueue.StorePath)
	envInt("AMQ_WORKER_POOL_SIZE", &config.MessageQueue.WorkerPoolSize)

	envBool("BUS_REQUIRE_DELIVERY", &config.Bus.RequireDelivery)

	envInt("WORKFLOW_GLOBAL_CONCURRENCY", &config.Workflow.GlobalConcurrency)
	envInt("WORKFLOW_PER_RUN_CONCURRENCY", &config.Workflow.PerRunConcurrency)
	envDuration("WORKFLOW_NODE_TIMEOUT", &config.Workflow.DefaultNodeTimeout)
	envString("WORKFLOW_COMPLETION_TOPIC", &config.Workflow.CompletionTopic)

	envDuration("HEARTBEAT_TIMEOUT", &config.Alerting.HeartbeatTimeout)
	envBool("ALERT_AUTO_RESOLVE", &config.Alerting.AutoResolve)
	envString("ALERT_RULES_FILE", &config.Alerting.RulesFile)

	if val := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); val != "" {
		config.Sink.KafkaBrokers = strings.Split(val, ",")
	}
	envString("KAFKA_TOPIC", &config.Sink.KafkaTopic)

	envBool("METRICS_ENABLED", &config.Monitoring.Metrics.Enabled)
	envBool("TRACING_ENABLED", &config.Monitoring.Tracing.Enabled)
	envString("TRACING_ENDPOINT", &config.Monitoring.Tracing.Endpoint)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Port 0 binds a free port.
	if c.Server.HTTP.Port < 0 || c.Server.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTP.Port)
	}
	if c.Server.GRPC.Enabled && (c.Server.GRPC.Port < 0 || c.Server.GRPC.Port > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPC.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit requests_per_second must be positive")
	}

	switch c.State.Type {
	case "memory":
	case "badger":
		if c.State.Path == "" {
			return fmt.Errorf("state path is required for badger store")
		}
	case "redis":
		if c.State.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for redis store")
		}
	default:
		return fmt.Errorf("invalid state type: %s, must be one of [memory badger redis]", c.State.Type)
	}

	switch c.MessageQueue.Type {
	case "memory":
	case "amq":
		if c.MessageQueue.StorePath == "" {
			return fmt.Errorf("message queue store path is required for amq")
		}
	default:
		return fmt.Errorf("invalid message queue type: %s, must be one of [memory amq]", c.MessageQueue.Type)
	}

	if c.Workflow.GlobalConcurrency <= 0 {
		return fmt.Errorf("workflow global_concurrency must be positive")
	}
	if c.Workflow.PerRunConcurrency <= 0 {
		return fmt.Errorf("workflow per_run_concurrency must be positive")
	}
	if c.Workflow.DefaultNodeTimeout <= 0 {
		return fmt.Errorf("workflow default_node_timeout must be positive")
	}

	if c.Alerting.HeartbeatTimeout <= 0 {
		return fmt.Errorf("alerting heartbeat_timeout must be positive")
	}
	if c.Alerting.SweepInterval < 0 {
		return fmt.Errorf("alerting sweep_interval must not be negative")
	}

	if c.Sink.BufferSize <= 0 {
		return fmt.Errorf("sink buffer_size must be positive")
	}
	if len(c.Sink.KafkaBrokers) > 0 && c.Sink.KafkaTopic == "" {
		return fmt.Errorf("sink kafka_topic is required when brokers are set")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s, must be one of %v", c.Logging.Level, validLogLevels)
	}
	validLogFormats := []string{"json", "console"}
	if !contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("invalid log format: %s, must be one of %v", c.Logging.Format, validLogFormats)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("file path must be specified for file output")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile saves the configuration to a file
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
