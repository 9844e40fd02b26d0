package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OptInMode selects which deployments the watcher tracks
type OptInMode string

const (
	// OptInLabel tracks deployments carrying the opt-in label
	OptInLabel OptInMode = "label"
	// OptInNamespace tracks every deployment in namespaces carrying the opt-in annotation
	OptInNamespace OptInMode = "namespace"
	// OptInAll tracks every deployment in the cluster
	OptInAll OptInMode = "all"
)

// Config holds application configuration. It is built once at startup
// and passed into every component constructor.
type Config struct {
	// Identity
	ClusterName string

	// Storage
	DatabaseURL string

	// Inference
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ModelName     string
	MockInference bool

	// Metrics backend for the metrics-query tool
	PrometheusURL string

	// Watcher
	OptIn              OptInMode
	RolloutTimeout     time.Duration
	ReconcileInterval  time.Duration
	NamespaceScanEvery time.Duration

	// Incident thresholds
	TerminatingStuckAfter time.Duration
	EvictionThreshold     int
	EvictionWindow        time.Duration
	RestartThreshold      int
	RestartWindow         time.Duration

	// Incident correlation
	CorrelationWindow     time.Duration
	IncidentMinBatchCount int

	// Rate limiting (sliding hour)
	MaxPerNamespacePerHour int
	MaxPerClusterPerHour   int

	// Context collection/reduction
	LogTailWindow  time.Duration
	MaxLogLines    int
	MaxEvents      int
	MaxLogClusters int
	EventLookback  time.Duration

	// Analyzer
	PollInterval time.Duration
	WorkerCount  int

	// Agent loop budgets
	AgentMaxIterations  int
	AgentMaxToolErrors  int
	ToolTimeout         time.Duration
	InferenceTimeout    time.Duration
	InferenceMaxRetries int

	// Notification destination fallback when no namespace annotation resolves
	DefaultChannel string

	// Telemetry
	MetricsListenAddr string

	// Output
	LogLevel string
	Verbose  bool
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	return &Config{
		ClusterName: getEnv("CLUSTER_NAME", "default"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost port=5432 user=sentinel password=devpassword dbname=rolloutsentinel sslmode=disable"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		ModelName:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MockInference: getEnvBool("MOCK_INFERENCE", false),

		PrometheusURL: getEnv("PROMETHEUS_URL", "http://localhost:9090"),

		OptIn:              OptInMode(getEnv("OPT_IN_MODE", string(OptInLabel))),
		RolloutTimeout:     getEnvDuration("ROLLOUT_TIMEOUT_SECONDS", 15*time.Minute),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL_SECONDS", 10*time.Second),
		NamespaceScanEvery: getEnvDuration("NAMESPACE_SCAN_INTERVAL_SECONDS", 60*time.Second),

		TerminatingStuckAfter: getEnvDuration("TERMINATING_STUCK_MINUTES", 10*time.Minute),
		EvictionThreshold:     getEnvInt("EVICTION_THRESHOLD", 5),
		EvictionWindow:        getEnvDuration("EVICTION_WINDOW_SECONDS", 10*time.Minute),
		RestartThreshold:      getEnvInt("RESTART_THRESHOLD", 10),
		RestartWindow:         getEnvDuration("RESTART_WINDOW_SECONDS", 15*time.Minute),

		CorrelationWindow:     getEnvDuration("CORRELATION_WINDOW_SECONDS", 30*time.Minute),
		IncidentMinBatchCount: getEnvInt("INCIDENT_MIN_BATCH_COUNT", 3),

		MaxPerNamespacePerHour: getEnvInt("MAX_INVESTIGATIONS_PER_NAMESPACE_HOUR", 5),
		MaxPerClusterPerHour:   getEnvInt("MAX_INVESTIGATIONS_PER_CLUSTER_HOUR", 20),

		LogTailWindow:  getEnvDuration("LOG_TAIL_SECONDS", 5*time.Minute),
		MaxLogLines:    getEnvInt("MAX_LOG_LINES", 200),
		MaxEvents:      getEnvInt("MAX_EVENTS", 20),
		MaxLogClusters: getEnvInt("MAX_LOG_CLUSTERS", 8),
		EventLookback:  getEnvDuration("EVENT_LOOKBACK_SECONDS", 30*time.Minute),

		PollInterval: getEnvDuration("POLL_INTERVAL_SECONDS", 15*time.Second),
		WorkerCount:  getEnvInt("WORKER_COUNT", 2),

		AgentMaxIterations:  getEnvInt("AGENT_MAX_ITERATIONS", 15),
		AgentMaxToolErrors:  getEnvInt("AGENT_MAX_TOOL_ERRORS", 4),
		ToolTimeout:         getEnvDuration("TOOL_TIMEOUT_SECONDS", 30*time.Second),
		InferenceTimeout:    getEnvDuration("INFERENCE_TIMEOUT_SECONDS", 120*time.Second),
		InferenceMaxRetries: getEnvInt("INFERENCE_MAX_RETRIES", 3),

		DefaultChannel: getEnv("DEFAULT_CHANNEL", ""),

		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":8000"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Verbose:  getEnvBool("VERBOSE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer number of seconds, except keys ending
// in _MINUTES which are read as minutes.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	if strings.HasSuffix(key, "_MINUTES") {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.OptIn {
	case OptInLabel, OptInNamespace, OptInAll:
	default:
		return fmt.Errorf("invalid OPT_IN_MODE %q (want label, namespace or all)", c.OptIn)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RolloutTimeout < time.Minute {
		return fmt.Errorf("rollout timeout must be at least 1 minute")
	}
	if c.AgentMaxIterations < 1 {
		return fmt.Errorf("agent max iterations must be at least 1")
	}
	if c.MaxPerNamespacePerHour < 1 || c.MaxPerClusterPerHour < 1 {
		return fmt.Errorf("investigation rate limits must be at least 1 per hour")
	}
	if c.MaxPerClusterPerHour < c.MaxPerNamespacePerHour {
		return fmt.Errorf("cluster-wide rate limit cannot be below the per-namespace limit")
	}
	if c.IncidentMinBatchCount < 1 {
		return fmt.Errorf("incident min batch count must be at least 1")
	}
	if !c.MockInference && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set unless MOCK_INFERENCE is enabled")
	}
	return nil
}
