// Package config loads cyra's settings.
//
// Sources are layered, later ones winning: built-in defaults, a TOML file,
// dotenv files, the process environment. Command-line flags are applied
// on top by the cli package.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/nimiglory/cyra/internal/findings"
)

// Config holds every setting the client uses.
type Config struct {
	API     APIConfig  `toml:"api"`
	Scan    ScanConfig `toml:"scan"`
	State   string     `toml:"state"`  // SQLite file mirroring credentials and findings
	Output  string     `toml:"output"` // "text" or "json"
	Verbose int        `toml:"verbose"`
}

// APIConfig describes the remote service.
type APIConfig struct {
	BaseURL   string        `toml:"base_url"`
	Timeout   time.Duration `toml:"timeout"`
	RateLimit float64       `toml:"rate_limit"` // requests per second, 0 = unlimited
	UserAgent string        `toml:"user_agent"`
}

// ScanConfig holds polling parameters.
type ScanConfig struct {
	Interval  time.Duration `toml:"interval"`
	MaxPolls  int           `toml:"max_polls"`
	Timeframe string        `toml:"timeframe"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8000/api",
			Timeout:   30 * time.Second,
			UserAgent: "cyra",
		},
		Scan: ScanConfig{
			Interval:  2 * time.Second,
			MaxPolls:  60,
			Timeframe: string(findings.DefaultTimeframe),
		},
		State:  DefaultStatePath(),
		Output: "text",
	}
}

// DefaultPath is the config file read when none is named.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cyra", "config.toml")
}

// DefaultStatePath is where the local state database lives.
func DefaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "cyra.db"
	}
	return filepath.Join(dir, "cyra", "state.db")
}

// Sources names the files Load reads.
type Sources struct {
	// File is a TOML config file. Empty means DefaultPath, which may be
	// absent; a named file must exist.
	File string
	// EnvFiles are dotenv files; missing ones are skipped.
	EnvFiles []string
}

// DefaultEnvFiles are the dotenv files looked up in the working directory.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Load builds a Config from src and the environment, then validates it.
func Load(src Sources) (*Config, error) {
	cfg := Default()

	path, required := src.File, true
	if path == "" {
		path, required = DefaultPath(), false
	}
	if path != "" {
		if err := cfg.loadFile(path, required); err != nil {
			return nil, err
		}
	}

	env, err := readEnv(src.EnvFiles)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// lookupFunc reads one variable.
type lookupFunc func(key string) (string, bool)

// readEnv returns a lookup over the process environment, falling back to
// the dotenv files for unset or empty variables. The process environment
// is left untouched.
func readEnv(files []string) (lookupFunc, error) {
	fileVars := make(map[string]string)
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: %s: %w", f, err)
		}
		for k, v := range vars {
			if _, seen := fileVars[k]; !seen {
				fileVars[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

// Environment variables understood by applyEnv.
const (
	EnvBaseURL   = "CYRA_API_BASE_URL"
	EnvTimeout   = "CYRA_API_TIMEOUT"
	EnvRateLimit = "CYRA_RATE_LIMIT"
	EnvState     = "CYRA_STATE"
	EnvInterval  = "CYRA_SCAN_INTERVAL"
	EnvMaxPolls  = "CYRA_SCAN_MAX_POLLS"
	EnvTimeframe = "CYRA_TIMEFRAME"
	EnvOutput    = "CYRA_OUTPUT"

	// envViteBaseURL is honoured so the web front end's .env works as is.
	envViteBaseURL = "VITE_API_BASE_URL"
)

func (c *Config) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup(envViteBaseURL); ok && v != "" {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvState); ok && v != "" {
		c.State = v
	}
	if v, ok := lookup(EnvTimeframe); ok && v != "" {
		c.Scan.Timeframe = v
	}
	if v, ok := lookup(EnvOutput); ok && v != "" {
		c.Output = v
	}

	var err error
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		if c.API.Timeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", EnvTimeout, err)
		}
	}
	if v, ok := lookup(EnvInterval); ok && v != "" {
		if c.Scan.Interval, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", EnvInterval, err)
		}
	}
	if v, ok := lookup(EnvMaxPolls); ok && v != "" {
		if c.Scan.MaxPolls, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: %s: %w", EnvMaxPolls, err)
		}
	}
	if v, ok := lookup(EnvRateLimit); ok && v != "" {
		if c.API.RateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("config: %s: %w", EnvRateLimit, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api.base_url %q must be an absolute http(s) URL", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("config: api.rate_limit must not be negative, got %g", c.API.RateLimit)
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("config: scan.interval must be positive, got %s", c.Scan.Interval)
	}
	if c.Scan.MaxPolls <= 0 {
		return fmt.Errorf("config: scan.max_polls must be positive, got %d", c.Scan.MaxPolls)
	}
	if _, err := findings.ParseTimeframe(c.Scan.Timeframe); err != nil {
		return fmt.Errorf("config: scan.timeframe: %w", err)
	}
	switch c.Output {
	case "text", "json":
	default:
		return fmt.Errorf("config: output must be text or json, got %q", c.Output)
	}
	if c.State == "" {
		return errors.New("config: state path is empty")
	}
	return nil
}
