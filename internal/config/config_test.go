package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"phi-deid/internal/phi"
)

// envMap is a lookupFunc over a fixed set of variables.
func envMap(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if !cfg.CacheEnabled {
		t.Error("CacheEnabled should default to true")
	}
	if cfg.CacheCapacity != 100 {
		t.Errorf("CacheCapacity: got %d, want 100", cfg.CacheCapacity)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers: got %d, want 4", cfg.Workers)
	}
	if cfg.Policy != "safe_harbor" {
		t.Errorf("Policy: got %s", cfg.Policy)
	}
	if cfg.PseudonymStore != "" {
		t.Errorf("PseudonymStore should default to memory, got %s", cfg.PseudonymStore)
	}
	if !cfg.UsePatterns || cfg.UseNER || cfg.UseAIDetection || cfg.UseValidator {
		t.Error("only the pattern tier should be enabled by default")
	}
	if cfg.ValidatorThreshold != 0.7 {
		t.Errorf("ValidatorThreshold: got %f, want 0.7", cfg.ValidatorThreshold)
	}
	if cfg.OllamaMaxConcurrent != 1 {
		t.Errorf("OllamaMaxConcurrent: got %d, want 1", cfg.OllamaMaxConcurrent)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	cfg := defaults()
	loadEnv(cfg, envMap(map[string]string{
		"PHI_CACHE_CAPACITY":        "500",
		"PHI_CACHE_ENABLED":         "false",
		"PHI_WORKERS":               "8",
		"PHI_POLICY":                "pseudonymize",
		"PHI_PSEUDONYM_STORE":       "/var/lib/phideid/pseudonyms.db",
		"PHI_USE_NER":               "true",
		"PHI_NER_URL":               "http://ner:8001",
		"PHI_NER_MIN_SCORE":         "0.8",
		"PHI_USE_AI_DETECTION":      "1",
		"PHI_OLLAMA_MODEL":          "llama3:8b",
		"PHI_OLLAMA_MAX_CONCURRENT": "4",
		"PHI_USE_VALIDATOR":         "true",
		"PHI_VALIDATOR_THRESHOLD":   "0.6",
		"PHI_LOG_LEVEL":             "debug",
		"PHI_MANAGEMENT_PORT":       "9091",
		"PHI_MANAGEMENT_TOKEN":      "secret-token",
	}))

	if cfg.CacheCapacity != 500 || cfg.CacheEnabled {
		t.Errorf("cache: %d %t", cfg.CacheCapacity, cfg.CacheEnabled)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers: got %d", cfg.Workers)
	}
	if cfg.Policy != "pseudonymize" || cfg.PseudonymStore != "/var/lib/phideid/pseudonyms.db" {
		t.Errorf("policy/store: %s %s", cfg.Policy, cfg.PseudonymStore)
	}
	if !cfg.UseNER || cfg.NERURL != "http://ner:8001" || cfg.NERMinScore != 0.8 {
		t.Errorf("ner: %t %s %f", cfg.UseNER, cfg.NERURL, cfg.NERMinScore)
	}
	if !cfg.UseAIDetection || cfg.OllamaModel != "llama3:8b" || cfg.OllamaMaxConcurrent != 4 {
		t.Errorf("ollama: %t %s %d", cfg.UseAIDetection, cfg.OllamaModel, cfg.OllamaMaxConcurrent)
	}
	if !cfg.UseValidator || cfg.ValidatorThreshold != 0.6 {
		t.Errorf("validator: %t %f", cfg.UseValidator, cfg.ValidatorThreshold)
	}
	if cfg.LogLevel != "debug" || cfg.ManagementPort != 9091 || cfg.ManagementToken != "secret-token" {
		t.Errorf("misc: %s %d %s", cfg.LogLevel, cfg.ManagementPort, cfg.ManagementToken)
	}
}

func TestLoadEnv_InvalidValuesIgnored(t *testing.T) {
	cfg := defaults()
	loadEnv(cfg, envMap(map[string]string{
		"PHI_WORKERS":               "not-a-number",
		"PHI_OLLAMA_MAX_CONCURRENT": "0",
		"PHI_CACHE_ENABLED":         "maybe",
		"PHI_VALIDATOR_THRESHOLD":   "high",
	}))
	if cfg.Workers != 4 {
		t.Errorf("Workers: got %d, want 4 (invalid env should be ignored)", cfg.Workers)
	}
	if cfg.OllamaMaxConcurrent != 1 {
		t.Errorf("OllamaMaxConcurrent: got %d, want 1 (zero should be ignored)", cfg.OllamaMaxConcurrent)
	}
	if !cfg.CacheEnabled {
		t.Error("CacheEnabled flipped by an unparseable bool")
	}
	if cfg.ValidatorThreshold != 0.7 {
		t.Errorf("ValidatorThreshold: got %f", cfg.ValidatorThreshold)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"cacheCapacity": 42,
		"policy":        "tag",
		"placeholders":  map[string]string{"name": "[PATIENT]"},
		"useNER":        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "phideid.json", string(data))

	cfg := defaults()
	loadFile(cfg, path)

	if cfg.CacheCapacity != 42 || cfg.Policy != "tag" || !cfg.UseNER {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Placeholders["name"] != "[PATIENT]" {
		t.Errorf("placeholders: %v", cfg.Placeholders)
	}
	if cfg.Workers != 4 {
		t.Errorf("unset keys should keep defaults, Workers = %d", cfg.Workers)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "phideid.yaml", strings.Join([]string{
		"workers: 2",
		"policy: redact",
		"categories:",
		"  badge_number: certificate_license_number",
		"useAIDetection: true",
		"ollamaModel: phi3:mini",
	}, "\n"))

	cfg := defaults()
	loadFile(cfg, path)

	if cfg.Workers != 2 || cfg.Policy != "redact" {
		t.Errorf("yaml values not applied: workers=%d policy=%s", cfg.Workers, cfg.Policy)
	}
	if !cfg.UseAIDetection || cfg.OllamaModel != "phi3:mini" {
		t.Errorf("ollama: %t %s", cfg.UseAIDetection, cfg.OllamaModel)
	}
	if got := cfg.CategoryTable()[phi.Kind("badge_number")]; got != phi.CategoryLicense {
		t.Errorf("category override: %s", got)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.CacheCapacity != 100 {
		t.Errorf("CacheCapacity changed unexpectedly: %d", cfg.CacheCapacity)
	}
}

func TestLoadFile_Invalid_PreservesDefaults(t *testing.T) {
	for _, name := range []string{"bad.json", "bad.yaml"} {
		path := writeFile(t, name, `{"workers": 9, this is not valid`)
		cfg := defaults()
		loadFile(cfg, path)
		if cfg.Workers != 4 {
			t.Errorf("%s: Workers changed on bad file: %d", name, cfg.Workers)
		}
	}
}

func TestWithDotenv(t *testing.T) {
	path := writeFile(t, ".env", "PHI_WORKERS=6\nPHI_POLICY=redact\n")
	t.Setenv("PHI_POLICY", "tag")

	cfg := defaults()
	loadEnv(cfg, withDotenv(path))

	if cfg.Workers != 6 {
		t.Errorf("Workers from .env: got %d, want 6", cfg.Workers)
	}
	if cfg.Policy != "tag" {
		t.Errorf("process env should win over .env, got %s", cfg.Policy)
	}
	if _, set := os.LookupEnv("PHI_WORKERS"); set {
		t.Error(".env must not modify the process environment")
	}
}

func TestWithDotenv_Missing(t *testing.T) {
	t.Setenv("PHI_WORKERS", "3")
	cfg := defaults()
	loadEnv(cfg, withDotenv(filepath.Join(t.TempDir(), ".env")))
	if cfg.Workers != 3 {
		t.Errorf("Workers: got %d, want 3", cfg.Workers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "phideid.json", `{"workers": 2, "logLevel": "warn"}`)
	t.Setenv("PHI_WORKERS", "7")

	cfg := Load(path)
	if cfg.Workers != 7 {
		t.Errorf("Workers: got %d, want env value 7", cfg.Workers)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s, want file value warn", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown policy", func(c *Config) { c.Policy = "shred" }, "shred"},
		{"zero capacity", func(c *Config) { c.CacheCapacity = 0 }, "cacheCapacity"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"threshold above one", func(c *Config) { c.ValidatorThreshold = 1.5 }, "validatorThreshold"},
		{"negative min score", func(c *Config) { c.NERMinScore = -0.1 }, "nerMinScore"},
		{"port", func(c *Config) { c.ManagementPort = 70000 }, "managementPort"},
		{"unknown category", func(c *Config) { c.Categories = map[string]string{"name": "shoe_size"} }, "shoe_size"},
		{"empty placeholder", func(c *Config) { c.Placeholders = map[string]string{"ssn": ""} }, "placeholders[ssn]"},
		{"no tiers", func(c *Config) { c.UsePatterns = false }, "no detection tier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestTables(t *testing.T) {
	cfg := defaults()
	cfg.Placeholders = map[string]string{"MRN": "[RECORD]"}
	if got := cfg.PlaceholderTable()[phi.KindMRN]; got != "[RECORD]" {
		t.Errorf("alias should map to canonical kind, got %q", got)
	}
	if got := cfg.ManagementAddr(); got != "127.0.0.1:8081" {
		t.Errorf("ManagementAddr: got %s", got)
	}
}
