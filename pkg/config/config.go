// Package config provides the reqd configuration data for the server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxBodyBytes caps captured response bodies.
	DefaultMaxBodyBytes = 1 << 20 // 1 MiB

	// DefaultTimeoutMs is the per-execution deadline when the request
	// does not specify one.
	DefaultTimeoutMs = 30_000

	// MaxTimeoutMs is the hard cap on any execution deadline.
	MaxTimeoutMs = 300_000

	// DefaultMaxRetries bounds hook-requested re-executions.
	DefaultMaxRetries = 3

	DefaultMaxSessions          = 100
	DefaultMaxFlows             = 100
	DefaultMaxExecutionsPerFlow = 500
	DefaultMaxWsSessions        = 100
)

// CookieMode selects how an execution handles cookies.
type CookieMode string

const (
	CookieModeMemory     CookieMode = "memory"
	CookieModePersistent CookieMode = "persistent"
	CookieModeDisabled   CookieMode = "disabled"
)

// Config provides reqd configuration data for the server.
type Config struct {
	// Address for the server to listen on.
	Address string `yaml:"address" json:"address"`

	// WorkspaceRoot bounds all file access for request documents,
	// scripts and tests.
	WorkspaceRoot string `yaml:"workspace_root" json:"workspace_root"`

	// Token gates the control plane. Required for non-loopback binds.
	Token string `yaml:"token" json:"token"`

	// LogLevel sets the zap level [debug, info, warn, error].
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Set true to enable profiler.
	Pprof bool `yaml:"pprof" json:"pprof"`

	MaxSessions          int `yaml:"max_sessions" json:"max_sessions"`
	MaxFlows             int `yaml:"max_flows" json:"max_flows"`
	MaxExecutionsPerFlow int `yaml:"max_executions_per_flow" json:"max_executions_per_flow"`
	MaxWsSessions        int `yaml:"max_ws_sessions" json:"max_ws_sessions"`

	// MaxBodyBytes caps captured response bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// TimeoutMs is the default execution deadline.
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`

	// MaxRetries bounds hook-requested retries per execution.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// CookieMode is the default cookie handling for stateless executions.
	CookieMode CookieMode `yaml:"cookie_mode" json:"cookie_mode"`

	// CookieJarPath is the persistent jar location for persistent mode.
	CookieJarPath string `yaml:"cookie_jar_path" json:"cookie_jar_path"`

	// Variables are the project default variables, lowest layer of the
	// resolution order.
	Variables map[string]any `yaml:"variables" json:"variables"`

	// Profiles overlay variables and limits on top of the defaults.
	Profiles map[string]Profile `yaml:"profiles" json:"profiles"`
}

// Profile is a named overlay applied at config resolution.
type Profile struct {
	Variables     map[string]any `yaml:"variables" json:"variables"`
	TimeoutMs     int            `yaml:"timeout_ms" json:"timeout_ms"`
	CookieMode    CookieMode     `yaml:"cookie_mode" json:"cookie_mode"`
	CookieJarPath string         `yaml:"cookie_jar_path" json:"cookie_jar_path"`
}

// Default returns the config used when no file is supplied.
func Default() *Config {
	c := &Config{
		Address: "127.0.0.1:28080",
	}
	c.applyDefaults()
	return c
}

// LoadFile reads a YAML config file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:28080"
	}
	if c.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkspaceRoot = wd
		}
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxFlows <= 0 {
		c.MaxFlows = DefaultMaxFlows
	}
	if c.MaxExecutionsPerFlow <= 0 {
		c.MaxExecutionsPerFlow = DefaultMaxExecutionsPerFlow
	}
	if c.MaxWsSessions <= 0 {
		c.MaxWsSessions = DefaultMaxWsSessions
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.TimeoutMs > MaxTimeoutMs {
		c.TimeoutMs = MaxTimeoutMs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.CookieMode == "" {
		c.CookieMode = CookieModeMemory
	}
}

var ErrTokenRequired = errors.New("token is required for non-loopback binds")

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.WorkspaceRoot == "" {
		return errors.New("workspace_root is required")
	}
	switch c.CookieMode {
	case CookieModeMemory, CookieModePersistent, CookieModeDisabled:
	default:
		return fmt.Errorf("unknown cookie_mode %q", c.CookieMode)
	}
	if c.CookieMode == CookieModePersistent && c.CookieJarPath == "" {
		return errors.New("cookie_jar_path is required for persistent cookie_mode")
	}
	if !c.IsLoopback() && c.Token == "" {
		return ErrTokenRequired
	}
	return nil
}

// IsLoopback reports whether the configured bind address is local-only.
func (c *Config) IsLoopback() bool {
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		host = c.Address
	}
	if host == "" || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.HasPrefix(host, "localhost")
}
