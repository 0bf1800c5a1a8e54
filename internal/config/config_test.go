package config

import (
	"os"
	"path/filepath"
	"testing"
)

func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_ = os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range keys {
			_ = os.Unsetenv(key)
		}
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	unsetAfter(t, "PORT", "QUEUE_BACKEND", "WORKER_STAGES", "MAX_UPLOAD_MB", "LANG_DEFAULT")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.QueueBackend != "local" {
		t.Fatalf("expected local queue backend, got %q", cfg.QueueBackend)
	}
	if cfg.DefaultLanguage != "ru" {
		t.Fatalf("expected ru default language, got %q", cfg.DefaultLanguage)
	}
	if cfg.MaxUploadBytes() != 512<<20 {
		t.Fatalf("expected 512MB upload limit, got %d", cfg.MaxUploadBytes())
	}
	if !cfg.HasStage("asr") || !cfg.HasStage("SUMMARIZE") {
		t.Fatalf("expected both stages by default, got %v", cfg.WorkerStages)
	}
}

func TestLoadParsesTypedValues(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "NATS")
	t.Setenv("WORKER_STAGES", " asr , ,")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("REMOTE_STATUS_ENABLED", "true")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.QueueBackend != "nats" {
		t.Fatalf("expected lowercased backend, got %q", cfg.QueueBackend)
	}
	if len(cfg.WorkerStages) != 1 || cfg.WorkerStages[0] != "asr" || cfg.HasStage("summarize") {
		t.Fatalf("expected only asr stage, got %v", cfg.WorkerStages)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.RateLimitRPS)
	}
	if !cfg.RemoteStatusEnabled {
		t.Fatalf("expected remote status enabled")
	}
	if cfg.QueueMaxAttempts != 3 {
		t.Fatalf("expected fallback on invalid int, got %d", cfg.QueueMaxAttempts)
	}
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	unsetAfter(t, "MP_TEST_PLAIN", "MP_TEST_QUOTED", "MP_TEST_SINGLE", "MP_TEST_COMMENT", "MP_TEST_EXPORTED")
	t.Setenv("MP_TEST_PRESET", "from-process")

	path := writeFile(t, ".env", `# comment
MP_TEST_PLAIN=value
MP_TEST_QUOTED="line\nnext"
MP_TEST_SINGLE='raw\n'
MP_TEST_COMMENT=kept # dropped
export MP_TEST_EXPORTED=yes
MP_TEST_PRESET=from-file
not a pair
`)
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}

	expect := map[string]string{
		"MP_TEST_PLAIN":    "value",
		"MP_TEST_QUOTED":   "line\nnext",
		"MP_TEST_SINGLE":   `raw\n`,
		"MP_TEST_COMMENT":  "kept",
		"MP_TEST_EXPORTED": "yes",
		"MP_TEST_PRESET":   "from-process",
	}
	for key, want := range expect {
		if got := os.Getenv(key); got != want {
			t.Fatalf("expected %s=%q, got %q", key, want, got)
		}
	}
}

func TestLoadFileOverlay(t *testing.T) {
	unsetAfter(t, "MP_YAML_PORT", "MP_YAML_STAGES", "MP_YAML_FLAG", "MP_YAML_RATE", "MP_YAML_EMPTY")
	t.Setenv("MP_YAML_KEEP", "env")

	path := writeFile(t, "pipeline.yaml", `
mp_yaml_port: 9090
MP_YAML_STAGES: [asr, summarize]
MP_YAML_FLAG: true
MP_YAML_RATE: 1.5
MP_YAML_EMPTY:
MP_YAML_KEEP: yaml
`)
	if err := LoadFile(path); err != nil {
		t.Fatalf("load file: %v", err)
	}

	expect := map[string]string{
		"MP_YAML_PORT":   "9090",
		"MP_YAML_STAGES": "asr,summarize",
		"MP_YAML_FLAG":   "true",
		"MP_YAML_RATE":   "1.5",
		"MP_YAML_KEEP":   "env",
	}
	for key, want := range expect {
		if got := os.Getenv(key); got != want {
			t.Fatalf("expected %s=%q, got %q", key, want, got)
		}
	}
	if value, ok := os.LookupEnv("MP_YAML_EMPTY"); !ok || value != "" {
		t.Fatalf("expected empty value to be set, got %q ok=%v", value, ok)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if err := LoadFile(""); err != nil {
		t.Fatalf("expected empty path to be a no-op, got %v", err)
	}
	if err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for a missing explicit config file")
	}
	nested := writeFile(t, "nested.yaml", "QUEUE:\n  backend: redis\n")
	if err := LoadFile(nested); err == nil {
		t.Fatalf("expected error for nested maps")
	}
}
