package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend persists config values by dotted key ("ingest.chunk_size").
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// configPathEnv overrides the config file location.
const configPathEnv = "ASTRORAG_CONFIG"

func newPlatformBackend() Backend {
	return openFileBackend(configFilePath())
}

func configFilePath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.yaml")
}

// fileBackend stores config in a YAML file where each dotted key is a
// nested mapping:
//
//	ingest:
//	  chunk_size: 500
type fileBackend struct {
	path string
	root map[string]any
}

// openFileBackend loads path. A missing file is an empty config; an
// unreadable one is reported on stderr and treated as empty, since logging
// is configured from the values read here.
func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, root: map[string]any{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := yaml.Unmarshal(data, &b.root); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		b.root = map[string]any{}
	}
	if b.root == nil {
		b.root = map[string]any{}
	}
	return b
}

func (b *fileBackend) lookup(key string) (any, bool) {
	parts := strings.Split(key, ".")
	node := b.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil, false
		}
		node = next
	}
	v, ok := node[parts[len(parts)-1]]
	return v, ok && v != nil
}

func (b *fileBackend) set(key string, val any) error {
	parts := strings.Split(key, ".")
	node := b.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = val
	return b.save()
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.root)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unexpected %T value", key, v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

// Delete removes key and any section it leaves empty.
func (b *fileBackend) Delete(key string) error {
	if !prune(b.root, strings.Split(key, ".")) {
		return nil
	}
	return b.save()
}

func prune(node map[string]any, parts []string) bool {
	if len(parts) == 1 {
		if _, ok := node[parts[0]]; !ok {
			return false
		}
		delete(node, parts[0])
		return true
	}
	child, ok := node[parts[0]].(map[string]any)
	if !ok {
		return false
	}
	removed := prune(child, parts[1:])
	if len(child) == 0 {
		delete(node, parts[0])
	}
	return removed
}
