// Package registry discovers loadable model files on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gend/pkg/types"
)

// quantRe matches quantization variant tags embedded in gguf filenames,
// e.g. "mistral-7b-instruct.Q4_K_M.gguf".
var quantRe = regexp.MustCompile(`(?i)\b(q[2-8](?:_[a-z0-9]+)*|f16|f32)\b`)

// knownFamilies are name fragments mapped to a model family tag.
var knownFamilies = []string{"llama", "mistral", "falcon", "phi", "qwen", "gemma"}

// LoadDir scans a directory for *.gguf files and builds a registry from
// filenames. ID is the filename without extension; quant and family are
// derived from the name when recognizable.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models = append(models, types.Model{
			ID:     id,
			Name:   id,
			Path:   filepath.Join(abs, name),
			Quant:  quantTag(name),
			Family: familyTag(name),
		})
	}
	return models, nil
}

func quantTag(name string) string {
	if m := quantRe.FindString(name); m != "" {
		return strings.ToUpper(m)
	}
	return ""
}

func familyTag(name string) string {
	lower := strings.ToLower(name)
	for _, f := range knownFamilies {
		if strings.Contains(lower, f) {
			return f
		}
	}
	return ""
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
