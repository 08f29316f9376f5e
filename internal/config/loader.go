package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment overrides, e.g. PATCHLOOP_LOOP_MAX_ITERATIONS.
	EnvPrefix = "PATCHLOOP_"

	// DefaultFileName is looked up in the target repository when no file is given.
	DefaultFileName = ".patchloop.yaml"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds the configuration from defaults, then the YAML file at path,
// then PATCHLOOP_ environment variables. An empty path skips the file; a
// named file that does not exist is an error.
//
// Environment keys split on the first underscore after the prefix:
//
//	PATCHLOOP_LOOP_MAX_ITERATIONS -> loop.max_iterations
//	PATCHLOOP_GATES_CPU_SECONDS   -> gates.cpu_seconds
//	PATCHLOOP_ARTIFACTS           -> artifacts
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

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 || isTopLevel(lower) {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// isTopLevel reports keys that contain an underscore but have no section.
func isTopLevel(key string) bool {
	return key == "state_dir"
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
