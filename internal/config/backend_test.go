package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackend_NestedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	b := openFileBackend(path)
	if err := b.SetInt("ingest.chunk_size", 400); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("index.namespace", "nadi"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ingest:\n    chunk_size: 400") {
		t.Errorf("file is not nested:\n%s", data)
	}

	reopened := openFileBackend(path)
	if v, ok, err := reopened.GetInt("ingest.chunk_size"); err != nil || !ok || v != 400 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reopened.GetString("index.namespace"); !ok || v != "nadi" {
		t.Errorf("GetString = %q, %v", v, ok)
	}
	if _, ok, _ := reopened.GetString("index.backend"); ok {
		t.Error("unset key should not be found")
	}
}

func TestFileBackend_HandWrittenValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  temperature: 0.4
  max_tokens: "800"
embedding:
  cache: false
  batch_size: 2.5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b := openFileBackend(path)
	if v, _, _ := b.GetString("llm.temperature"); v != "0.4" {
		t.Errorf("temperature = %q", v)
	}
	if v, _, err := b.GetInt("llm.max_tokens"); err != nil || v != 800 {
		t.Errorf("max_tokens = %d, %v", v, err)
	}
	if v, _, _ := b.GetString("embedding.cache"); v != "false" {
		t.Errorf("cache = %q", v)
	}
	if _, ok, err := b.GetInt("embedding.batch_size"); !ok || err == nil {
		t.Error("fractional integer should be an error")
	}
}

func TestFileBackend_DeletePrunesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	b := openFileBackend(path)
	b.SetString("prompt.template_path", "/tmp/bnn.yaml")
	b.SetInt("server.port", 4100)

	if err := b.Delete("prompt.template_path"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := b.root["prompt"]; ok {
		t.Error("empty section should be removed")
	}
	if err := b.Delete("prompt.template_path"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
	if v, ok, _ := openFileBackend(path).GetInt("server.port"); !ok || v != 4100 {
		t.Errorf("server.port = %d, %v", v, ok)
	}
}

func TestFileBackend_InvalidFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ingest: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := openFileBackend(path)
	if _, ok, _ := b.GetString("ingest.root"); ok {
		t.Error("invalid file should load as empty")
	}
}

func TestConfigFilePath_EnvOverride(t *testing.T) {
	t.Setenv(configPathEnv, "/etc/astrorag.yaml")
	if got := configFilePath(); got != "/etc/astrorag.yaml" {
		t.Errorf("configFilePath = %q", got)
	}
}
