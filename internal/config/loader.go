package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrUnknownKey is returned by Set for keys that are not settable.
var ErrUnknownKey = errors.New("unknown config key")

// Load reads settings from configPath. A missing file yields the defaults so
// that a first run works without any setup.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}
	absPath, err := filepath.Abs(expandHome(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	cfg := Defaults()
	cfg.Path = absPath

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	cfg.Path = absPath

	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg back to cfg.Path.
func Save(cfg *Config) error {
	if cfg.Path == "" {
		return fmt.Errorf("config path is empty")
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, cfg.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Clone returns a deep copy so callers can hand a snapshot to long-lived
// components without sharing slices.
func (c *Config) Clone() *Config {
	out := *c
	out.ExtraPaths = append([]string(nil), c.ExtraPaths...)
	out.DefaultPackages = append([]string(nil), c.DefaultPackages...)
	out.API.Tokens = nil
	for _, t := range c.API.Tokens {
		out.API.Tokens = append(out.API.Tokens, TokenConfig{Token: t.Token, Scopes: append([]string(nil), t.Scopes...)})
	}
	return &out
}

// Keys lists the settable keys in a stable order.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns a single key from its string form, as used by `config set`.
func (c *Config) Set(key, value string) error {
	fn, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := fn(c, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	applyConfigDefaults(c)
	return nil
}

var setters = map[string]func(*Config, string) error{
	"base_dir":         func(c *Config, v string) error { c.BaseDir = v; return nil },
	"extra_paths":      func(c *Config, v string) error { c.ExtraPaths = splitList(v); return nil },
	"package_manager":  func(c *Config, v string) error { c.PackageManager = strings.ToLower(v); return nil },
	"default_python":   func(c *Config, v string) error { c.DefaultPython = v; return nil },
	"default_packages": func(c *Config, v string) error { c.DefaultPackages = splitList(v); return nil },
	"auto_upgrade_pip": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.AutoUpgradePip = b
		return nil
	},
	"cancel_grace":       durationSetter(func(c *Config) *time.Duration { return &c.CancelGrace }),
	"timeouts.create":    durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.Create }),
	"timeouts.install":   durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.Install }),
	"timeouts.uninstall": durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.Uninstall }),
	"timeouts.freeze":    durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.Freeze }),
	"timeouts.probe":     durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.Probe }),
	"state.path":         func(c *Config, v string) error { c.State.Path = v; return nil },
	"api.listen":         func(c *Config, v string) error { c.API.Listen = v; return nil },
	"api.api_key":        func(c *Config, v string) error { c.API.APIKey = v; return nil },
	"log_level":          func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil },
	"log_format":         func(c *Config, v string) error { c.LogFormat = strings.ToLower(v); return nil },
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyConfigDefaults fills empty strings and normalizes paths. Durations
// are left alone: Load decodes onto Defaults, so a zero timeout or grace
// was written explicitly and means unbounded.
func applyConfigDefaults(cfg *Config) {
	def := Defaults()
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}
	cfg.BaseDir = expandHome(cfg.BaseDir)
	for i, p := range cfg.ExtraPaths {
		cfg.ExtraPaths[i] = expandHome(p)
	}
	if cfg.PackageManager == "" {
		cfg.PackageManager = def.PackageManager
	}
	if cfg.DefaultPython != "" {
		cfg.DefaultPython = expandHome(cfg.DefaultPython)
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	cfg.State.Path = expandHome(cfg.State.Path)
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
}

// interpolateEnv replaces ${VAR} with the environment value, leaving unknown
// placeholders untouched so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return fmt.Errorf("base_dir is required")
	}
	if envVarPattern.MatchString(cfg.BaseDir) {
		return fmt.Errorf("base_dir: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.BaseDir)[1])
	}

	switch cfg.PackageManager {
	case ManagerPip, ManagerUV:
	default:
		return fmt.Errorf("package_manager must be one of: pip, uv (got %q)", cfg.PackageManager)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format must be one of: text, json (got %q)", cfg.LogFormat)
	}

	timeouts := map[string]time.Duration{
		"timeouts.create":    cfg.Timeouts.Create,
		"timeouts.install":   cfg.Timeouts.Install,
		"timeouts.uninstall": cfg.Timeouts.Uninstall,
		"timeouts.freeze":    cfg.Timeouts.Freeze,
		"timeouts.probe":     cfg.Timeouts.Probe,
	}
	for name, d := range timeouts {
		if d < 0 {
			return fmt.Errorf("%s must not be negative (0 disables it)", name)
		}
	}
	if cfg.CancelGrace < 0 {
		return fmt.Errorf("cancel_grace must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if envVarPattern.MatchString(cfg.API.APIKey) {
		return fmt.Errorf("api.api_key: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.API.APIKey)[1])
	}
	for i, t := range cfg.API.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("api.tokens[%d]: token is required", i)
		}
		if envVarPattern.MatchString(t.Token) {
			return fmt.Errorf("api.tokens[%d]: environment variable ${%s} is not set", i, envVarPattern.FindStringSubmatch(t.Token)[1])
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d]: at least one scope is required", i)
		}
	}
	return nil
}
