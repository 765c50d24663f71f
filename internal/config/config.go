// Package config loads and holds all de-identification settings.
// Layers, lowest precedence first: built-in defaults, the config file
// (JSON, or YAML for .yaml/.yml), a .env file, then PHI_* environment
// variables. Values already present in the environment win over .env.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

// DefaultFile is read when Load is given an empty path.
const DefaultFile = "phideid.json"

var log = logger.New("CONFIG", "info")

// Config holds the full configuration.
type Config struct {
	CacheEnabled  bool `json:"cacheEnabled" yaml:"cacheEnabled"`
	CacheCapacity int  `json:"cacheCapacity" yaml:"cacheCapacity"`
	Workers       int  `json:"workers" yaml:"workers"`

	Policy         string            `json:"policy" yaml:"policy"`
	Placeholders   map[string]string `json:"placeholders" yaml:"placeholders"`
	Categories     map[string]string `json:"categories" yaml:"categories"`
	PseudonymStore string            `json:"pseudonymStore" yaml:"pseudonymStore"` // bbolt file; empty keeps pseudonyms in memory

	UsePatterns bool `json:"usePatterns" yaml:"usePatterns"`

	UseNER         bool    `json:"useNER" yaml:"useNER"`
	NERURL         string  `json:"nerURL" yaml:"nerURL"`
	NERMinScore    float64 `json:"nerMinScore" yaml:"nerMinScore"`
	NERTimeoutSecs int     `json:"nerTimeoutSecs" yaml:"nerTimeoutSecs"`

	UseAIDetection      bool   `json:"useAIDetection" yaml:"useAIDetection"`
	OllamaEndpoint      string `json:"ollamaEndpoint" yaml:"ollamaEndpoint"`
	OllamaModel         string `json:"ollamaModel" yaml:"ollamaModel"`
	OllamaMaxConcurrent int    `json:"ollamaMaxConcurrent" yaml:"ollamaMaxConcurrent"`
	OllamaTimeoutSecs   int    `json:"ollamaTimeoutSecs" yaml:"ollamaTimeoutSecs"`

	UseValidator       bool    `json:"useValidator" yaml:"useValidator"`
	ValidatorThreshold float64 `json:"validatorThreshold" yaml:"validatorThreshold"`

	LogLevel string `json:"logLevel" yaml:"logLevel"`

	BindAddress     string `json:"bindAddress" yaml:"bindAddress"`
	ManagementPort  int    `json:"managementPort" yaml:"managementPort"`
	ManagementToken string `json:"managementToken" yaml:"managementToken"`
}

// Load returns config with defaults overridden by the file at path (or
// DefaultFile when path is empty), .env and the environment. Unreadable
// or malformed files are logged and skipped; call Validate on the result.
func Load(path string) *Config {
	if path == "" {
		path = DefaultFile
	}
	cfg := defaults()
	loadFile(cfg, path)
	loadEnv(cfg, withDotenv(".env"))
	return cfg
}

func defaults() *Config {
	return &Config{
		CacheEnabled:        true,
		CacheCapacity:       100,
		Workers:             4,
		Policy:              string(anonymizer.PolicySafeHarbor),
		UsePatterns:         true,
		UseNER:              false,
		NERURL:              "http://127.0.0.1:8001",
		NERMinScore:         0.5,
		NERTimeoutSecs:      10,
		UseAIDetection:      false,
		OllamaEndpoint:      "http://127.0.0.1:11434",
		OllamaModel:         "llama3.2:3b",
		OllamaMaxConcurrent: 1,
		OllamaTimeoutSecs:   30,
		UseValidator:        false,
		ValidatorThreshold:  0.7,
		LogLevel:            "info",
		BindAddress:         "127.0.0.1",
		ManagementPort:      8081,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("load_file", "could not read %s: %v", path, err)
		}
		return // file is optional
	}

	// Decode into a copy so a half-parsed file leaves cfg untouched.
	next := *cfg
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &next)
	default:
		err = json.Unmarshal(data, &next)
	}
	if err != nil {
		log.Warnf("load_file", "could not parse %s: %v", path, err)
		return
	}
	*cfg = next
	log.Infof("load_file", "loaded %s", path)
}

// lookupFunc mirrors os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// withDotenv layers the .env file at path under the process environment.
// The process environment itself is not modified.
func withDotenv(path string) lookupFunc {
	vars, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("load_dotenv", "could not parse %s: %v", path, err)
		}
		return os.LookupEnv
	}
	log.Infof("load_dotenv", "loaded %d variables from %s", len(vars), path)
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}
}

func loadEnv(cfg *Config, lookup lookupFunc) {
	env := func(key string) string {
		v, _ := lookup("PHI_" + key)
		return strings.TrimSpace(v)
	}
	setInt := func(key string, dst *int) {
		if v := env(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			} else {
				log.Warnf("load_env", "ignoring PHI_%s=%q", key, v)
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := env(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				log.Warnf("load_env", "ignoring PHI_%s=%q", key, v)
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := env(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				log.Warnf("load_env", "ignoring PHI_%s=%q", key, v)
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}

	setBool("CACHE_ENABLED", &cfg.CacheEnabled)
	setInt("CACHE_CAPACITY", &cfg.CacheCapacity)
	setInt("WORKERS", &cfg.Workers)
	setString("POLICY", &cfg.Policy)
	setString("PSEUDONYM_STORE", &cfg.PseudonymStore)
	setBool("USE_PATTERNS", &cfg.UsePatterns)
	setBool("USE_NER", &cfg.UseNER)
	setString("NER_URL", &cfg.NERURL)
	setFloat("NER_MIN_SCORE", &cfg.NERMinScore)
	setInt("NER_TIMEOUT_SECS", &cfg.NERTimeoutSecs)
	setBool("USE_AI_DETECTION", &cfg.UseAIDetection)
	setString("OLLAMA_ENDPOINT", &cfg.OllamaEndpoint)
	setString("OLLAMA_MODEL", &cfg.OllamaModel)
	setInt("OLLAMA_MAX_CONCURRENT", &cfg.OllamaMaxConcurrent)
	setInt("OLLAMA_TIMEOUT_SECS", &cfg.OllamaTimeoutSecs)
	setBool("USE_VALIDATOR", &cfg.UseValidator)
	setFloat("VALIDATOR_THRESHOLD", &cfg.ValidatorThreshold)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("BIND_ADDRESS", &cfg.BindAddress)
	setInt("MANAGEMENT_PORT", &cfg.ManagementPort)
	setString("MANAGEMENT_TOKEN", &cfg.ManagementToken)
}

// Validate reports every setting that cannot be used, joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := anonymizer.ParsePolicy(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cacheCapacity must be positive, got %d", c.CacheCapacity))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.NERMinScore < 0 || c.NERMinScore > 1 {
		errs = append(errs, fmt.Errorf("nerMinScore must be within [0,1], got %v", c.NERMinScore))
	}
	if c.ValidatorThreshold < 0 || c.ValidatorThreshold > 1 {
		errs = append(errs, fmt.Errorf("validatorThreshold must be within [0,1], got %v", c.ValidatorThreshold))
	}
	if c.ManagementPort <= 0 || c.ManagementPort > 65535 {
		errs = append(errs, fmt.Errorf("managementPort out of range: %d", c.ManagementPort))
	}
	for kind, cat := range c.Categories {
		if !phi.Category(cat).Valid() {
			errs = append(errs, fmt.Errorf("categories[%s]: unknown HIPAA category %q", kind, cat))
		}
	}
	for kind, p := range c.Placeholders {
		if p == "" {
			errs = append(errs, fmt.Errorf("placeholders[%s] is empty", kind))
		}
	}
	if !c.UsePatterns && !c.UseNER && !c.UseAIDetection {
		errs = append(errs, errors.New("no detection tier enabled"))
	}
	return errors.Join(errs...)
}

// PlaceholderTable returns the placeholder overrides keyed by kind.
func (c *Config) PlaceholderTable() map[phi.Kind]string {
	out := make(map[phi.Kind]string, len(c.Placeholders))
	for k, v := range c.Placeholders {
		out[phi.ParseKind(k)] = v
	}
	return out
}

// CategoryTable returns the category overrides keyed by kind.
func (c *Config) CategoryTable() map[phi.Kind]phi.Category {
	out := make(map[phi.Kind]phi.Category, len(c.Categories))
	for k, v := range c.Categories {
		out[phi.ParseKind(k)] = phi.Category(v)
	}
	return out
}

// ManagementAddr is the host:port the management API listens on.
func (c *Config) ManagementAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.ManagementPort))
}
