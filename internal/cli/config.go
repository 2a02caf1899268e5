// =============================================================================
// CLI CONFIGURATION - CONTEXTS
// =============================================================================
//
// A context names one shardq server, kubectl style, so switching between a
// local node and a staging node is one command.
//
// PRECEDENCE (highest to lowest):
//   1. Command-line flags (--server, --context, --api-key)
//   2. Environment variables (SHARDQ_SERVER, SHARDQ_CONTEXT, SHARDQ_API_KEY)
//   3. Config file (current-context picks the server)
//   4. Default (http://localhost:8080)
//
// CONFIG FILE FORMAT (~/.shardq/config.yaml):
//
//   current-context: local
//   contexts:
//     local:
//       server: http://localhost:8080
//     staging:
//       server: https://shardq.staging.example.com
//       timeout: 10
//       api-key: sq_4b1c...
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultServer is used when nothing else names a server.
const DefaultServer = "http://localhost:8080"

// Config represents the CLI configuration file.
type Config struct {
	CurrentContext string                    `yaml:"current-context" json:"current-context"`
	Contexts       map[string]*ContextConfig `yaml:"contexts" json:"contexts"`
}

// ContextConfig describes one server.
type ContextConfig struct {
	// Server is the base URL of the shardq HTTP API.
	Server string `yaml:"server" json:"server"`

	// Timeout in seconds (optional, default 30)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// APIKey is sent with every request when the server has auth enabled.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.shardq).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardq"
	}
	return filepath.Join(home, ".shardq")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// LoadConfigFromPath loads configuration, returning the default one when the
// file does not exist yet.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}
	return &config, nil
}

// DefaultConfig returns a configuration with a single "local" context.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {
				Server:  DefaultServer,
				Timeout: 30,
			},
		},
	}
}

// SaveToPath writes the configuration with owner-only permissions.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// CONTEXT OPERATIONS
// =============================================================================

// GetContext returns a context by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	if name == "" {
		return nil, errors.New("no current context set")
	}
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext sets or updates a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// UseContext sets the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns all context names, sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Environment variable names
const (
	EnvServer  = "SHARDQ_SERVER"
	EnvContext = "SHARDQ_CONTEXT"
	EnvAPIKey  = "SHARDQ_API_KEY"
)

// Target is the resolved server a command talks to.
type Target struct {
	Server  string
	Timeout int // seconds, 0 when unset
	APIKey  string
}

// Resolve picks the server, timeout and API key to use. For the server:
// server flag > SHARDQ_SERVER > context > default, where the context is
// context flag > SHARDQ_CONTEXT > current-context. The API key follows the
// same order with its own flag and variable.
func Resolve(serverFlag, contextFlag, apiKeyFlag string, config *Config) Target {
	name := contextFlag
	if name == "" {
		name = os.Getenv(EnvContext)
	}
	if name == "" && config != nil {
		name = config.CurrentContext
	}

	var t Target
	if config != nil {
		if ctx, err := config.GetContext(name); err == nil {
			t = Target{Server: ctx.Server, Timeout: ctx.Timeout, APIKey: ctx.APIKey}
		}
	}

	if env := os.Getenv(EnvServer); env != "" {
		t.Server = env
	}
	if serverFlag != "" {
		t.Server = serverFlag
	}
	if t.Server == "" {
		t.Server = DefaultServer
	}

	if env := os.Getenv(EnvAPIKey); env != "" {
		t.APIKey = env
	}
	if apiKeyFlag != "" {
		t.APIKey = apiKeyFlag
	}
	return t
}
