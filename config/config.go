package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	AppName     = "gemini-image-analyzer"
	EnvFileName = "config.env"

	DefaultAddr       = ":8080"
	DefaultSessionTTL = 2 * time.Hour
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by defaults.
type Config struct {
	GeminiAPIKey   string   `json:"gemini_api_key" yaml:"gemini_api_key" toml:"gemini_api_key"`
	Model          string   `json:"model" yaml:"model" toml:"model"`
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	MaxUploadBytes int64    `json:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	SessionTTL     string   `json:"session_ttl" yaml:"session_ttl" toml:"session_ttl"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LedgerDB       string   `json:"ledger_db" yaml:"ledger_db" toml:"ledger_db"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the ones set in the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := getenv("GEMINI_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("ANALYZER_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("ANALYZER_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid ANALYZER_MAX_UPLOAD_BYTES %q", v)
		}
		c.MaxUploadBytes = n
	}
	if v := getenv("ANALYZER_SESSION_TTL"); v != "" {
		c.SessionTTL = v
	}
	if v := getenv("ANALYZER_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := getenv("ANALYZER_LEDGER_DB"); v != "" {
		c.LedgerDB = v
	}
	return nil
}

// SessionTTLDuration parses SessionTTL, falling back to DefaultSessionTTL.
func (c Config) SessionTTLDuration() (time.Duration, error) {
	if c.SessionTTL == "" {
		return DefaultSessionTTL, nil
	}
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid session ttl %q: %w", c.SessionTTL, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("session ttl must be positive, got %s", d)
	}
	return d, nil
}

// Resolve loads the optional config file at path, applies the environment
// on top and fills in defaults. A missing API key is not an error here; it
// is reported when an analysis is requested.
func Resolve(path string, getenv func(string) string) (Config, error) {
	var cfg Config
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if _, err := cfg.SessionTTLDuration(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
