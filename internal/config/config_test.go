package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
port: "8080"
logLevel: info
databaseURL: postgres://localhost/bookwright
redisAddr: localhost:6379
llmBaseURL: https://api.example.com/v1
jwksURL: https://auth.example.com/.well-known/jwks.json
pageSize: 6
initialCreditGrant: 20
authorReuseProbability: 0.5
models:
  - id: 1
    name: standard
    searchCost: 3
    pagesPerCredit: 50
  - id: 2
    name: premium
    searchCost: 6
    pagesPerCredit: 50
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.PageSize != 6 || len(cfg.Models) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Models[1].SearchCost != 6 {
		t.Fatalf("model pricing not parsed: %+v", cfg.Models[1])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db-prod/bookwright")
	t.Setenv("LLM_API_KEY", "sk-prod")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db-prod/bookwright" {
		t.Fatalf("env DATABASE_URL not applied: %s", cfg.DatabaseURL)
	}
	if cfg.LLMAPIKey != "sk-prod" {
		t.Fatalf("env LLM_API_KEY not applied")
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mangle  func(string) string
		wantMsg string
	}{
		{"missing port", func(s string) string { return strings.Replace(s, `port: "8080"`, "", 1) }, "port is required"},
		{"missing models", func(s string) string { return s[:strings.Index(s, "models:")] }, "at least one model"},
		{"zero page size", func(s string) string { return strings.Replace(s, "pageSize: 6", "pageSize: 0", 1) }, "pageSize"},
		{"bad probability", func(s string) string {
			return strings.Replace(s, "authorReuseProbability: 0.5", "authorReuseProbability: 1.5", 1)
		}, "authorReuseProbability"},
		{"duplicate model id", func(s string) string { return strings.Replace(s, "id: 2", "id: 1", 1) }, "duplicate model id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mangle(validYAML)))
			if err == nil || !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected error containing %q, got %v", tc.wantMsg, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
