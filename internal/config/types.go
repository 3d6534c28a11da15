package config

import (
	"os"
	"path/filepath"
	"time"
)

// Package manager identifiers accepted by package_manager.
const (
	ManagerPip = "pip"
	ManagerUV  = "uv"
)

// Config represents the complete venvdeck settings file.
type Config struct {
	BaseDir         string         `yaml:"base_dir"`
	ExtraPaths      []string       `yaml:"extra_paths,omitempty"`
	PackageManager  string         `yaml:"package_manager"`
	DefaultPython   string         `yaml:"default_python,omitempty"`
	AutoUpgradePip  bool           `yaml:"auto_upgrade_pip"`
	DefaultPackages []string       `yaml:"default_packages,omitempty"`
	Timeouts        TimeoutsConfig `yaml:"timeouts"`
	CancelGrace     time.Duration  `yaml:"cancel_grace"`
	State           StateConfig    `yaml:"state"`
	API             APIConfig      `yaml:"api"`
	LogLevel        string         `yaml:"log_level"`
	LogFormat       string         `yaml:"log_format"`

	// Path is the file the config was loaded from (or will be saved to).
	Path string `yaml:"-"`
}

// TimeoutsConfig bounds each kind of external command. Zero means no
// timeout.
type TimeoutsConfig struct {
	Create    time.Duration `yaml:"create"`
	Install   time.Duration `yaml:"install"`
	Uninstall time.Duration `yaml:"uninstall"`
	Freeze    time.Duration `yaml:"freeze"`
	Probe     time.Duration `yaml:"probe"`
}

// StateConfig defines where the operation journal lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the local HTTP API used by UI collaborators.
type APIConfig struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key,omitempty"`
	// Tokens are optional scoped bearer tokens alongside api_key.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is a bearer token limited to a set of scopes such as
// "envs:ro", "envs:rw", "ops:ro", "ops:rw" and "events:ro".
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		BaseDir:        defaultBaseDir(),
		PackageManager: ManagerPip,
		AutoUpgradePip: true,
		Timeouts: TimeoutsConfig{
			Create:    120 * time.Second,
			Install:   300 * time.Second,
			Uninstall: 60 * time.Second,
			Freeze:    60 * time.Second,
			Probe:     10 * time.Second,
		},
		CancelGrace: 5 * time.Second,
		State: StateConfig{
			Path: filepath.Join(defaultConfigDir(), "state.db"),
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
		LogLevel:  "warn",
		LogFormat: "text",
	}
}

// DefaultPath returns the settings file location: $VENVDECK_CONFIG if set,
// otherwise config.yaml in the platform user config directory.
func DefaultPath() string {
	if p := os.Getenv("VENVDECK_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

func defaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "venvdeck")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "venv"
	}
	return filepath.Join(home, "venv")
}
