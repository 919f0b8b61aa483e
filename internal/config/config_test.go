package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: gemini
  temperature: 0.7
  top_p: 0.95
  max_output_tokens: 1024
  gemini:
    model: gemini-2.0-flash
embedding:
  provider: cohere
  model: embed-multilingual-v3.0
  dimensions: 1024
rerank:
  model: rerank-multilingual-v3.0
  top_n: 3
pipeline:
  retriever_k: 10
  provider_timeout: 30s
qdrant:
  host: qdrant.internal
  port: 6334
  collection: arabic-docs
ledger:
  db_path: /var/lib/arag/sessions.db
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Clear env vars that the YAML should set.
	envKeys := []string{
		"MODEL_PROVIDER", "GENERATION_TEMPERATURE", "GENERATION_TOP_P", "GENERATION_MAX_OUTPUT_TOKENS",
		"GEMINI_MODEL",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"COHERE_RERANK_MODEL", "RERANK_TOP_N",
		"RETRIEVER_K", "PROVIDER_TIMEOUT",
		"QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION",
		"ARAG_DB", "LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	log := slog.Default()
	loaded, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":               "gemini",
		"GENERATION_TEMPERATURE":       "0.7",
		"GENERATION_TOP_P":             "0.95",
		"GENERATION_MAX_OUTPUT_TOKENS": "1024",
		"GEMINI_MODEL":                 "gemini-2.0-flash",
		"EMBEDDING_PROVIDER":           "cohere",
		"EMBEDDING_MODEL":              "embed-multilingual-v3.0",
		"EMBEDDING_DIMENSIONS":         "1024",
		"COHERE_RERANK_MODEL":          "rerank-multilingual-v3.0",
		"RERANK_TOP_N":                 "3",
		"RETRIEVER_K":                  "10",
		"PROVIDER_TIMEOUT":             "30s",
		"QDRANT_HOST":                  "qdrant.internal",
		"QDRANT_PORT":                  "6334",
		"QDRANT_COLLECTION":            "arabic-docs",
		"ARAG_DB":                      "/var/lib/arag/sessions.db",
		"LOG_LEVEL":                    "debug",
		"LOG_FORMAT":                   "text",
	}
	for k, want := range checks {
		got := os.Getenv(k)
		if got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: ollama
`)
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env var BEFORE loading — it should NOT be overwritten.
	t.Setenv("MODEL_PROVIDER", "gemini")

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := os.Getenv("MODEL_PROVIDER"); got != "gemini" {
		t.Errorf("MODEL_PROVIDER: expected env override %q, got %q", "gemini", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestFloat32Str(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want string
	}{
		{0.0, ""},
		{0.2, "0.2"},
		{0.3, "0.3"},
		{1.0, "1"},
	}
	for _, tt := range tests {
		if got := float32Str(tt.in); got != tt.want {
			t.Errorf("float32Str(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
