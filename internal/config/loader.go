package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ARCACHE_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads configuration from the YAML file at path (optional, "" skips it),
// then applies ARCACHE_ environment overrides on top of Default().
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ARCACHE_LEARNING_LEARNING_RATE, ARCACHE_CACHE_DEFAULT_TTL, ...)
//  2. YAML config file
//  3. Default()
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	ARCACHE_LEARNING_LEARNING_RATE -> learning.learning_rate
//	ARCACHE_STORAGE_DRIVER         -> storage.driver
//
// Unknown keys and out-of-range values are rejected; every rejection is a
// *ConfigurationError (possibly several, joined).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return fromKoanf(k)
}

// LoadBytes parses YAML content without consulting the environment.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return fromKoanf(k)
}

// envKey maps ARCACHE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	if err := rejectUnknownKeys(k.Keys()); err != nil {
		return nil, err
	}

	cfg := Default()
	// Lists replace the default rather than merging element-wise.
	if k.Exists("learning.evaluation_criteria") {
		cfg.Learning.EvaluationCriteria = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate using the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config path is not a regular file")
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func rejectUnknownKeys(keys []string) error {
	known := KnownKeys()
	allowed := make(map[string]bool, len(known))
	for _, key := range known {
		allowed[key] = true
	}

	var unknown []string
	for _, key := range keys {
		if !allowed[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &ConfigurationError{
		Key:    unknown[0],
		Reason: fmt.Sprintf("unknown option(s): %s", strings.Join(unknown, ", ")),
	}
}

// KnownKeys returns every dotted option name accepted by the loader, sorted.
func KnownKeys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), "", &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("koanf")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			collectKeys(field.Type, key, keys)
			continue
		}
		*keys = append(*keys, key)
	}
}
