package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("GEND_TEST_KEY", "")
	if got := envOr("GEND_TEST_KEY", "fallback"); got != "fallback" {
		t.Fatalf("unset env: got %q", got)
	}
	t.Setenv("GEND_TEST_KEY", "explicit")
	if got := envOr("GEND_TEST_KEY", "fallback"); got != "explicit" {
		t.Fatalf("set env: got %q", got)
	}
}

func TestResolveConfigFlagsOnly(t *testing.T) {
	root := buildRootCmd()
	if err := root.ParseFlags([]string{"--models-dir", "/srv/models", "--bits", "8", "--quant-type", "int8"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(root)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.ModelsDir != "/srv/models" {
		t.Fatalf("models dir: got %q", cfg.ModelsDir)
	}
	if cfg.Quant.Bits != 8 || cfg.Quant.QuantType != "int8" {
		t.Fatalf("quant: got %+v", cfg.Quant)
	}
	if cfg.Device != "auto" {
		t.Fatalf("device default: got %q", cfg.Device)
	}
}

func TestResolveConfigFileWithFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gend.yaml")
	body := []byte("models_dir: /opt/models\ndefault_model: m1\ndevice: cpu\nquant:\n  bits: 4\n  quant_type: nf4\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	root := buildRootCmd()
	if err := root.ParseFlags([]string{"--config", path, "--device", "cuda:0"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(root)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.ModelsDir != "/opt/models" || cfg.DefaultModel != "m1" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Device != "cuda:0" {
		t.Fatalf("flag should override file device, got %q", cfg.Device)
	}
	if cfg.Quant.Bits != 4 || cfg.Quant.QuantType != "nf4" {
		t.Fatalf("quant from file: got %+v", cfg.Quant)
	}
}

func TestResolveConfigBadFile(t *testing.T) {
	root := buildRootCmd()
	if err := root.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := resolveConfig(root); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
