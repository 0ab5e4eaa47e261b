package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"layerstream/internal/common/fsutil"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, fmt.Errorf("empty config path")
	}
	p, err := fsutil.Resolve(path)
	if err != nil {
		return f, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return f, err
	}
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return f, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return f, fmt.Errorf("parse %s: %w", p, err)
	}
	return f, nil
}
