// Package config defines the enumerated arcache configuration and its loader.
package config

import (
	"errors"
	"net"
	"strings"
	"time"
)

// Reflection depths.
const (
	ReflectionBasic         = "basic"
	ReflectionDetailed      = "detailed"
	ReflectionComprehensive = "comprehensive"
)

// Success policies.
const (
	SuccessPolicyAll  = "all"
	SuccessPolicyMean = "mean"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// KnownCriteria lists every accepted evaluation criterion.
var KnownCriteria = []string{
	"task-success",
	"quality",
	"efficiency",
	"accuracy",
	"completeness",
	"relevance",
	"clarity",
	"innovation",
}

// Config is the complete arcache configuration.
type Config struct {
	Learning  LearningConfig  `koanf:"learning"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Cache     CacheConfig     `koanf:"cache"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LearningConfig holds the learning coordinator and memory store options.
type LearningConfig struct {
	MemoryEnabled       bool     `koanf:"memory_enabled"`
	MaxMemoryEntries    int      `koanf:"max_memory_entries"`
	ReflectionDepth     string   `koanf:"reflection_depth"`
	EvaluationCriteria  []string `koanf:"evaluation_criteria"`
	LearningRate        float64  `koanf:"learning_rate"`
	MemoryRetention     int      `koanf:"memory_retention"` // days
	FeedbackIntegration bool     `koanf:"feedback_integration"`
	AutoCleanup         bool     `koanf:"auto_cleanup"`
	RelevanceThreshold  float64  `koanf:"relevance_threshold"`
	ConfidenceThreshold float64  `koanf:"confidence_threshold"`
	SuccessPolicy       string   `koanf:"success_policy"`
	MaxRetrieved        int      `koanf:"max_retrieved"`
	MaxEnrichedBytes    int      `koanf:"max_enriched_bytes"` // 0 = unlimited
	ExecutionTimeout    Duration `koanf:"execution_timeout"`  // 0 = none
	ExecutionRate       float64  `koanf:"execution_rate"`     // executions per second, 0 = unlimited
	ExecutionBurst      int      `koanf:"execution_burst"`
	PlateauWindow       int      `koanf:"plateau_window"`
	PlateauDuration     int      `koanf:"plateau_duration"`
	PlateauEpsilon      float64  `koanf:"plateau_epsilon"`
	SemanticPromotion   int      `koanf:"semantic_promotion"` // 0 disables
	CleanupInterval     Duration `koanf:"cleanup_interval"`
}

// Retention returns MemoryRetention as a duration.
func (c LearningConfig) Retention() time.Duration {
	return time.Duration(c.MemoryRetention) * 24 * time.Hour
}

// RetrievalConfig holds relevance scoring weights.
type RetrievalConfig struct {
	KeywordWeight   float64  `koanf:"keyword_weight"`
	TaskTypeWeight  float64  `koanf:"task_type_weight"`
	RecencyWeight   float64  `koanf:"recency_weight"`
	RecencyHalfLife Duration `koanf:"recency_half_life"`
}

// CacheConfig holds resource cache options.
type CacheConfig struct {
	DefaultTTL      Duration `koanf:"default_ttl"`
	MaxEntries      int      `koanf:"max_entries"` // 0 = unbounded
	CleanupInterval Duration `koanf:"cleanup_interval"`
}

// StorageConfig selects the memory persistence backend.
type StorageConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// LoggingConfig holds logger options.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// TelemetryConfig controls OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"` // no TLS; local endpoints only
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Learning: LearningConfig{
			MemoryEnabled:       true,
			MaxMemoryEntries:    100,
			ReflectionDepth:     ReflectionDetailed,
			EvaluationCriteria:  []string{"task-success", "quality"},
			LearningRate:        0.3,
			MemoryRetention:     30,
			AutoCleanup:         true,
			RelevanceThreshold:  0.3,
			ConfidenceThreshold: 0.6,
			SuccessPolicy:       SuccessPolicyAll,
			MaxRetrieved:        5,
			MaxEnrichedBytes:    16 * 1024,
			ExecutionTimeout:    Duration(2 * time.Minute),
			ExecutionBurst:      1,
			PlateauWindow:       5,
			PlateauDuration:     3,
			PlateauEpsilon:      1e-4,
			SemanticPromotion:   3,
			CleanupInterval:     Duration(time.Hour),
		},
		Retrieval: RetrievalConfig{
			KeywordWeight:   0.5,
			TaskTypeWeight:  0.3,
			RecencyWeight:   0.2,
			RecencyHalfLife: Duration(7 * 24 * time.Hour),
		},
		Cache: CacheConfig{
			DefaultTTL:      Duration(5 * time.Minute),
			MaxEntries:      1000,
			CleanupInterval: Duration(time.Minute),
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        ProtocolGRPC,
			Insecure:        true,
			ServiceName:     "arcache",
			ServiceVersion:  "0.1.0",
			SamplingRate:    1.0,
			MetricsEnabled:  true,
			ExportInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks every section and returns all violations joined.
// Each violation is a *ConfigurationError.
func (c *Config) Validate() error {
	return errors.Join(
		c.Learning.Validate(),
		c.Retrieval.Validate(),
		c.Cache.Validate(),
		c.Storage.Validate(),
		c.Logging.Validate(),
		c.Telemetry.Validate(),
	)
}

// Validate checks learning options against their documented ranges.
func (c LearningConfig) Validate() error {
	var errs []error
	add := func(err *ConfigurationError) { errs = append(errs, err) }

	if c.MaxMemoryEntries < 1 || c.MaxMemoryEntries > 1000 {
		add(invalid("learning.max_memory_entries", c.MaxMemoryEntries, "must be between 1 and 1000"))
	}
	switch c.ReflectionDepth {
	case ReflectionBasic, ReflectionDetailed, ReflectionComprehensive:
	default:
		add(invalid("learning.reflection_depth", c.ReflectionDepth, "must be basic, detailed or comprehensive"))
	}
	if len(c.EvaluationCriteria) == 0 {
		add(invalid("learning.evaluation_criteria", nil, "at least one criterion is required"))
	}
	seen := make(map[string]bool, len(c.EvaluationCriteria))
	for _, name := range c.EvaluationCriteria {
		if !isKnownCriterion(name) {
			add(invalid("learning.evaluation_criteria", name, "unknown criterion"))
		}
		if seen[name] {
			add(invalid("learning.evaluation_criteria", name, "duplicate criterion"))
		}
		seen[name] = true
	}
	if !unit(c.LearningRate) {
		add(invalid("learning.learning_rate", c.LearningRate, "must be within [0, 1]"))
	}
	if c.MemoryRetention < 1 {
		add(invalid("learning.memory_retention", c.MemoryRetention, "must be at least 1 day"))
	}
	if !unit(c.RelevanceThreshold) {
		add(invalid("learning.relevance_threshold", c.RelevanceThreshold, "must be within [0, 1]"))
	}
	if !unit(c.ConfidenceThreshold) {
		add(invalid("learning.confidence_threshold", c.ConfidenceThreshold, "must be within [0, 1]"))
	}
	if c.SuccessPolicy != SuccessPolicyAll && c.SuccessPolicy != SuccessPolicyMean {
		add(invalid("learning.success_policy", c.SuccessPolicy, "must be all or mean"))
	}
	if c.MaxRetrieved < 1 {
		add(invalid("learning.max_retrieved", c.MaxRetrieved, "must be at least 1"))
	}
	if c.MaxEnrichedBytes < 0 {
		add(invalid("learning.max_enriched_bytes", c.MaxEnrichedBytes, "must not be negative"))
	}
	if c.ExecutionRate < 0 {
		add(invalid("learning.execution_rate", c.ExecutionRate, "must not be negative"))
	}
	if c.ExecutionRate > 0 && c.ExecutionBurst < 1 {
		add(invalid("learning.execution_burst", c.ExecutionBurst, "must be at least 1 when execution_rate is set"))
	}
	if c.PlateauWindow < 1 {
		add(invalid("learning.plateau_window", c.PlateauWindow, "must be at least 1"))
	}
	if c.PlateauDuration < 1 {
		add(invalid("learning.plateau_duration", c.PlateauDuration, "must be at least 1"))
	}
	if c.PlateauEpsilon <= 0 {
		add(invalid("learning.plateau_epsilon", c.PlateauEpsilon, "must be positive"))
	}
	if c.SemanticPromotion < 0 {
		add(invalid("learning.semantic_promotion", c.SemanticPromotion, "must not be negative"))
	}
	if c.AutoCleanup && c.CleanupInterval <= 0 {
		add(invalid("learning.cleanup_interval", c.CleanupInterval.Duration(), "must be positive when auto_cleanup is enabled"))
	}
	return errors.Join(errs...)
}

// Validate checks the scoring weights.
func (c RetrievalConfig) Validate() error {
	var errs []error
	weights := map[string]float64{
		"retrieval.keyword_weight":   c.KeywordWeight,
		"retrieval.task_type_weight": c.TaskTypeWeight,
		"retrieval.recency_weight":   c.RecencyWeight,
	}
	for key, w := range weights {
		if w < 0 {
			errs = append(errs, invalid(key, w, "must not be negative"))
		}
	}
	if c.KeywordWeight+c.TaskTypeWeight+c.RecencyWeight <= 0 {
		errs = append(errs, invalid("retrieval", nil, "weights must sum to a positive value"))
	}
	if c.RecencyHalfLife <= 0 {
		errs = append(errs, invalid("retrieval.recency_half_life", c.RecencyHalfLife.Duration(), "must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the cache options.
func (c CacheConfig) Validate() error {
	var errs []error
	if c.DefaultTTL <= 0 {
		errs = append(errs, invalid("cache.default_ttl", c.DefaultTTL.Duration(), "must be positive"))
	}
	if c.MaxEntries < 0 {
		errs = append(errs, invalid("cache.max_entries", c.MaxEntries, "must not be negative"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, invalid("cache.cleanup_interval", c.CleanupInterval.Duration(), "must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the storage driver.
func (c StorageConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if c.Path == "" {
			return invalid("storage.path", nil, "required for the sqlite driver")
		}
		return nil
	default:
		return invalid("storage.driver", c.Driver, "must be memory or sqlite")
	}
}

// Validate checks the logging options.
func (c LoggingConfig) Validate() error {
	var errs []error
	switch c.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, invalid("logging.level", c.Level, "must be trace, debug, info, warn or error"))
	}
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, invalid("logging.format", c.Format, "must be json or console"))
	}
	return errors.Join(errs...)
}

func isKnownCriterion(name string) bool {
	for _, known := range KnownCriteria {
		if known == name {
			return true
		}
	}
	return false
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// Validate checks the exporter settings. A disabled section is not checked.
func (c TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, invalid("telemetry.endpoint", nil, "required when telemetry is enabled"))
	} else if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		errs = append(errs, invalid("telemetry.insecure", c.Endpoint, "insecure export is only allowed to local endpoints"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, invalid("telemetry.protocol", c.Protocol, "must be grpc or http/protobuf"))
	}
	if c.ServiceName == "" {
		errs = append(errs, invalid("telemetry.service_name", nil, "required when telemetry is enabled"))
	}
	if !unit(c.SamplingRate) {
		errs = append(errs, invalid("telemetry.sampling_rate", c.SamplingRate, "must be within [0, 1]"))
	}
	if c.MetricsEnabled && c.ExportInterval <= 0 {
		errs = append(errs, invalid("telemetry.export_interval", c.ExportInterval.Duration(), "must be positive when metrics are enabled"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, invalid("telemetry.shutdown_timeout", c.ShutdownTimeout.Duration(), "must be positive"))
	}
	return errors.Join(errs...)
}

// isLocalEndpoint reports whether endpoint (host:port, optionally with an
// http scheme) names the loopback interface.
func isLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
