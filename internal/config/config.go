package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file names used inside the target root and inside each target.
const (
	DefaultStateFile    = ".branchdeployd-state.json"
	DefaultTargetConfig = ".branchdeployd.json"
	DefaultProxyTimeout = 30 * time.Second
)

// Config represents the complete branchdeployd configuration
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Paths      PathsConfig      `yaml:"paths"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Auth       AuthConfig       `yaml:"auth"`
	Serve      ServeConfig      `yaml:"serve"`
}

// SourceConfig configures the repository branches are deployed from
type SourceConfig struct {
	Path string `yaml:"path"`
	// Name is the application name; defaults to the source basename without ".git".
	Name string `yaml:"name"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// TargetRoot is the directory holding one live target per branch.
	TargetRoot string `yaml:"target_root"`
	StateFile  string `yaml:"state_file"`
	HistoryDB  string `yaml:"history_db"`
}

// DeployConfig configures the per-branch lifecycle
type DeployConfig struct {
	ConfigFile     string `yaml:"config_file"`
	KeepFailedTemp bool   `yaml:"keep_failed_temp"`
}

// MiddlewareConfig configures the built-in middleware handlers
type MiddlewareConfig struct {
	RequireConfig bool   `yaml:"require_config"`
	ClosureRoot   string `yaml:"closure_root"`
	Java          string `yaml:"java"`
}

// ProxyConfig configures the restart proxy used by the restart middleware
type ProxyConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the configuration file without applying defaults or
// validating it, so callers can layer command-line overrides on top.
func Read(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	return &cfg, nil
}

// Finish applies defaults and validates the result.
func (c *Config) Finish() error {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Source.Path = os.ExpandEnv(c.Source.Path)
	c.Paths.TargetRoot = os.ExpandEnv(c.Paths.TargetRoot)
	c.Paths.HistoryDB = os.ExpandEnv(c.Paths.HistoryDB)
	c.Middleware.ClosureRoot = os.ExpandEnv(c.Middleware.ClosureRoot)
	c.Middleware.Java = os.ExpandEnv(c.Middleware.Java)
	c.Proxy.URL = os.ExpandEnv(c.Proxy.URL)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = DefaultStateFile
	}
	if c.Deploy.ConfigFile == "" {
		c.Deploy.ConfigFile = DefaultTargetConfig
	}
	if c.Middleware.Java == "" {
		c.Middleware.Java = "java"
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = DefaultProxyTimeout
	}
	// git resolves a relative remote against the temp target, not the
	// working directory, so local sources are made absolute up front.
	if c.IsLocalSource() && !filepath.IsAbs(c.Source.Path) {
		if abs, err := filepath.Abs(c.Source.Path); err == nil {
			c.Source.Path = abs
		}
	}
	if c.Source.Name == "" && c.Source.Path != "" {
		c.Source.Name = strings.TrimSuffix(filepath.Base(filepath.Clean(c.Source.Path)), ".git")
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	if c.Paths.TargetRoot == "" {
		return fmt.Errorf("paths.target_root is required")
	}
	if !filepath.IsAbs(c.Paths.TargetRoot) {
		return fmt.Errorf("paths.target_root must be an absolute path: %s", c.Paths.TargetRoot)
	}

	// File names are resolved inside directories and must not escape them.
	if strings.ContainsRune(c.Paths.StateFile, filepath.Separator) {
		return fmt.Errorf("paths.state_file must be a file name, not a path: %s", c.Paths.StateFile)
	}
	if strings.ContainsRune(c.Deploy.ConfigFile, filepath.Separator) {
		return fmt.Errorf("deploy.config_file must be a file name, not a path: %s", c.Deploy.ConfigFile)
	}

	if c.Paths.HistoryDB != "" && !filepath.IsAbs(c.Paths.HistoryDB) {
		return fmt.Errorf("paths.history_db must be an absolute path: %s", c.Paths.HistoryDB)
	}

	if c.Proxy.URL != "" && !strings.HasPrefix(c.Proxy.URL, "http://") && !strings.HasPrefix(c.Proxy.URL, "https://") {
		return fmt.Errorf("proxy.url must be an http(s) URL: %s", c.Proxy.URL)
	}
	if c.Proxy.Timeout < 0 {
		return fmt.Errorf("proxy.timeout must not be negative")
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but source.path does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but source.path does not use HTTPS scheme")
	}

	return nil
}

// ValidateServe checks the settings only the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// StateFilePath returns the path to the branch state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.TargetRoot, c.Paths.StateFile)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the source uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Source.Path, "https://")
}

// IsLocalSource returns true if the source is a filesystem path rather
// than a URL or an scp-style SSH address
func (c *Config) IsLocalSource() bool {
	return c.Source.Path != "" && !strings.Contains(c.Source.Path, "://") && !strings.HasPrefix(c.Source.Path, "git@")
}

// IsSSH returns true if the source uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Source.Path, "git@") || strings.HasPrefix(c.Source.Path, "ssh://")
}
