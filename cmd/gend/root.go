package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gend/internal/backend"
	"gend/internal/config"
	"gend/internal/registry"
	"gend/internal/session"
)

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gend",
		Short:         "Local text-generation session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", envOr("GEND_CONFIG", ""), "Path to config file (yaml/json/toml)")
	root.PersistentFlags().String("models-dir", envOr("GEND_MODELS_DIR", "~/models/llm"), "Directory to scan for *.gguf model files")
	root.PersistentFlags().String("default-model", envOr("GEND_DEFAULT_MODEL", ""), "Default model id when a request omits model")
	root.PersistentFlags().String("device", envOr("GEND_DEVICE", "auto"), "Device placement policy: auto or an explicit device")
	root.PersistentFlags().Int("bits", 4, "Quantization bit width (4 or 8)")
	root.PersistentFlags().String("quant-type", "", "Quantization scheme (nf4, fp4, int8)")
	root.PersistentFlags().String("compute-dtype", "", "Compute dtype (bfloat16, float16, float32)")
	root.PersistentFlags().Bool("double-quant", false, "Quantize the quantization constants too")
	root.PersistentFlags().String("log-level", envOr("GEND_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	root.AddCommand(buildServeCmd(), buildRunCmd(), buildModelsCmd())
	return root
}

// resolveConfig merges the config file (if any) with flag/env values.
// Flags win when explicitly set; the file fills the rest.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	override := func(name string, set func()) {
		if cmd.Flags().Changed(name) {
			set()
		}
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir, _ = cmd.Flags().GetString("models-dir")
	}
	override("models-dir", func() { cfg.ModelsDir, _ = cmd.Flags().GetString("models-dir") })
	if cfg.DefaultModel == "" {
		cfg.DefaultModel, _ = cmd.Flags().GetString("default-model")
	}
	override("default-model", func() { cfg.DefaultModel, _ = cmd.Flags().GetString("default-model") })
	if cfg.Device == "" {
		cfg.Device, _ = cmd.Flags().GetString("device")
	}
	override("device", func() { cfg.Device, _ = cmd.Flags().GetString("device") })
	if cfg.Quant.Bits == 0 {
		cfg.Quant.Bits, _ = cmd.Flags().GetInt("bits")
	}
	override("bits", func() { cfg.Quant.Bits, _ = cmd.Flags().GetInt("bits") })
	override("quant-type", func() { cfg.Quant.QuantType, _ = cmd.Flags().GetString("quant-type") })
	override("compute-dtype", func() { cfg.Quant.ComputeDType, _ = cmd.Flags().GetString("compute-dtype") })
	override("double-quant", func() { cfg.Quant.DoubleQuant, _ = cmd.Flags().GetBool("double-quant") })
	if cfg.LogLevel == "" {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	override("log-level", func() { cfg.LogLevel, _ = cmd.Flags().GetString("log-level") })
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// newHub scans the models directory and wires the hub with the llama loader.
func newHub(cfg config.Config, log zerolog.Logger) (*session.Hub, error) {
	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	loader := backend.NewLoader(backend.Config{
		CtxSize:   cfg.CtxSize,
		Threads:   cfg.Threads,
		GPULayers: cfg.GPULayers,
	})
	return session.NewHub(session.HubConfig{
		Registry:      reg,
		DefaultModel:  cfg.DefaultModel,
		Profile:       cfg.Quant,
		Device:        cfg.Device,
		Loader:        loader,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitSeconds) * time.Second,
		IdleTTL:       time.Duration(cfg.IdleTTLSeconds) * time.Second,
		Logger:        log,
	})
}
