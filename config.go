package gymops

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigData holds parsed YAML configuration as nested maps.
// Modules read their own section by name, e.g. "cache.redis_addr".
type ConfigData map[string]any

// Matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LoadConfig reads a YAML config file, expanding environment references
// before parsing.
func LoadConfig(path string) (ConfigData, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses YAML bytes into ConfigData.
func ParseConfig(raw []byte) (ConfigData, error) {
	var cfg ConfigData
	if err := yaml.Unmarshal([]byte(expandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg == nil {
		cfg = ConfigData{}
	}
	return cfg, nil
}

func expandEnv(content string) string {
	return envRef.ReplaceAllStringFunc(content, func(ref string) string {
		groups := envRef.FindStringSubmatch(ref)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[2]
	})
}

// Get walks a dot-separated path. It returns nil when any segment is missing.
func (cfg ConfigData) Get(path string) any {
	var node any = map[string]any(cfg)
	for _, key := range strings.Split(path, ".") {
		m := asMap(node)
		if m == nil {
			return nil
		}
		next, ok := m[key]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

func asMap(node any) map[string]any {
	switch typed := node.(type) {
	case map[string]any:
		return typed
	case ConfigData:
		return typed
	}
	return nil
}

// GetString returns the value at path as a string. Scalars are formatted,
// anything else yields "".
func (cfg ConfigData) GetString(path string) string {
	switch typed := cfg.Get(path).(type) {
	case string:
		return typed
	case int:
		return strconv.Itoa(typed)
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	}
	return ""
}

// GetInt returns the value at path as an int, or 0.
func (cfg ConfigData) GetInt(path string) int {
	switch typed := cfg.Get(path).(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		n, _ := strconv.Atoi(typed)
		return n
	}
	return 0
}

// GetBool returns the value at path as a bool, or false.
func (cfg ConfigData) GetBool(path string) bool {
	switch typed := cfg.Get(path).(type) {
	case bool:
		return typed
	case string:
		b, _ := strconv.ParseBool(typed)
		return b
	}
	return false
}

// GetDuration parses a duration such as "10m". Returns fallback if the value
// is missing or malformed.
func (cfg ConfigData) GetDuration(path string, fallback time.Duration) time.Duration {
	raw := cfg.GetString(path)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// Section returns a subsection, or nil if it does not exist.
func (cfg ConfigData) Section(name string) ConfigData {
	if m := asMap(cfg.Get(name)); m != nil {
		return ConfigData(m)
	}
	return nil
}
