package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
version: "1"
name: release
description: builds and ships a release
resources:
  build_slots: 2
max_workers: 4
defaults:
  retry:
    max_attempts: 3
    initial_delay: 100ms
    max_delay: 1s
    multiplier: 2
    strategy: exponential
aggregators:
  - id: build
    strategy: sequential
    timeout: 2m
    behaviors:
      - id: compile
        strategy: sequential
        commands:
          - id: compile-backend
            uses: shell
            with:
              command: make backend
            timeout: 30s
            estimated_duration: 10s
            requirements:
              - resource: build_slots
                amount: 1
  - id: test
    strategy: parallel
    depends_on:
      - target: build
    behaviors:
      - id: unit
        strategy: parallel
        commands:
          - id: unit-tests
            uses: shell
            with:
              command: make test
            severity: soft
            parallelizable: true
  - id: deploy
    strategy: sequential
    depends_on:
      - target: test
        when: env == "production"
    commands:
      - id: ship
        uses: shell
        with:
          command: make deploy
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pipeline.yaml", sampleConfig))
	if err != nil {
		t.Fatalf("Expected config, got: %v", err)
	}

	if cfg.Name != "release" {
		t.Errorf("Expected name release, got %q", cfg.Name)
	}
	if len(cfg.Aggregators) != 3 {
		t.Fatalf("Expected 3 aggregators, got %d", len(cfg.Aggregators))
	}
	if cfg.Resources["build_slots"] != 2 {
		t.Errorf("Expected build_slots budget 2, got %.2f", cfg.Resources["build_slots"])
	}

	build := cfg.Aggregators[0]
	if build.Timeout.Std() != 2*time.Minute {
		t.Errorf("Expected 2m timeout, got %v", build.Timeout.Std())
	}
	if build.Retry == nil || build.Retry.MaxAttempts != 3 {
		t.Errorf("Expected default retry applied, got %+v", build.Retry)
	}

	cmd := build.Behaviors[0].Commands[0]
	if cmd.Uses != "shell" || cmd.With["command"] != "make backend" {
		t.Errorf("Unexpected command config: %+v", cmd)
	}
	if cmd.Timeout.Std() != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cmd.Timeout.Std())
	}

	deploy := cfg.Aggregators[2]
	if deploy.DependsOn[0].When != `env == "production"` {
		t.Errorf("Expected when expression preserved, got %q", deploy.DependsOn[0].When)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(sampleConfig, "max_workers: 4", "max_workerz: 4", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("Expected error for unknown field")
	}
}

func TestParse_RejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"missing version":     strings.Replace(sampleConfig, `version: "1"`, "", 1),
		"missing name":        strings.Replace(sampleConfig, "name: release", "", 1),
		"invalid strategy":    strings.Replace(sampleConfig, "strategy: sequential", "strategy: chaotic", 1),
		"missing command use": strings.Replace(sampleConfig, "uses: shell", "", 1),
	}

	for label, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", label)
		}
	}
}

func TestParse_RejectsDuplicateIDs(t *testing.T) {
	dup := strings.Replace(sampleConfig, "id: test", "id: build", 1)
	_, err := Parse([]byte(dup))
	if err == nil {
		t.Fatal("Expected duplicate aggregator ID error")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate in message, got: %v", err)
	}
}

func TestParse_FailFast(t *testing.T) {
	doc := strings.Replace(sampleConfig, "  - id: build\n", "  - id: build\n    fail_fast: true\n", 1)
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Expected config, got: %v", err)
	}
	if !cfg.Aggregators[0].FailFast {
		t.Error("Expected fail_fast to be set on build")
	}
	if cfg.Aggregators[1].FailFast {
		t.Error("Expected fail_fast unset on test")
	}
}

func TestParse_RejectsInvalidDuration(t *testing.T) {
	bad := strings.Replace(sampleConfig, "timeout: 2m", "timeout: soon", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}

func TestLoad_RejectsUnsupportedExtension(t *testing.T) {
	if _, err := Load(writeConfig(t, "pipeline.toml", sampleConfig)); err == nil {
		t.Fatal("Expected error for unsupported extension")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	configs, err := LoadDirectory(dir)
	if err != nil {
		t.Fatalf("Expected configs, got: %v", err)
	}
	if len(configs) != 1 {
		t.Errorf("Expected 1 config, got %d", len(configs))
	}

	if _, err := LoadDirectory(t.TempDir()); err == nil {
		t.Error("Expected error for empty directory")
	}
}
