package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gend/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// Device placement policy: "auto" or an explicit device (e.g. "cpu").
	Device string `json:"device" yaml:"device" toml:"device"`

	// Quantization profile pinned for the process lifetime.
	Quant types.QuantProfile `json:"quant" yaml:"quant" toml:"quant"`

	// Admission tunables.
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds int `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	// Idle model handles are released after this many seconds.
	IdleTTLSeconds int `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds" toml:"idle_ttl_seconds"`

	// Runtime tunables for the generation backend.
	CtxSize   int `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads   int `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
