package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AuthModePassword = "password"
	AuthModeHeader   = "header"

	StoreMemory   = "memory"
	StorePostgres = "postgres"

	DefaultPort         = 8000
	DefaultMaxTurns     = 10
	DefaultMaxChars     = 120000
	DefaultAgentTimeout = 180 * time.Second
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Agent     AgentConfig     `yaml:"agent"`
	Auth      AuthConfig      `yaml:"auth"`
	History   HistoryConfig   `yaml:"history"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Database  DatabaseConfig  `yaml:"database"`
	Starters  []Starter       `yaml:"starters"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig locates the served agent endpoint.
type AgentConfig struct {
	// Host is the workspace host; the serving base URL is derived from it
	// unless BaseURL is set.
	Host     string        `yaml:"host"`
	BaseURL  string        `yaml:"base_url"`
	Endpoint string        `yaml:"endpoint"`
	Title    string        `yaml:"title"`
	Timeout  time.Duration `yaml:"timeout"`
	Headers  Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with an agent request.
type Headers map[string]string

// AuthConfig selects how chat users are identified.
type AuthConfig struct {
	Mode  string            `yaml:"mode"`
	PAT   string            `yaml:"pat"`
	Users map[string]string `yaml:"users"`
}

// HistoryConfig bounds the conversation window sent upstream.
type HistoryConfig struct {
	MaxTurns int    `yaml:"max_turns"`
	MaxChars int    `yaml:"max_chars"`
	Store    string `yaml:"store"`
}

// WorkspaceConfig authenticates credential requests to the workspace API.
type WorkspaceConfig struct {
	Host         string `yaml:"host"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Token        string `yaml:"token"`
}

// DatabaseConfig locates the postgres history store.
type DatabaseConfig struct {
	Instance string `yaml:"instance"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// Starter is a suggested opening prompt shown to new sessions.
type Starter struct {
	Label   string `yaml:"label" json:"label"`
	Message string `yaml:"message" json:"message"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads YAML configuration from disk, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes the same way Load does.
func Parse(data []byte) (Config, error) {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.History.MaxTurns == 0 {
		c.History.MaxTurns = DefaultMaxTurns
	}
	if c.History.MaxChars == 0 {
		c.History.MaxChars = DefaultMaxChars
	}
	if c.History.Store == "" {
		c.History.Store = StoreMemory
	}
	if c.Workspace.Host == "" {
		c.Workspace.Host = c.Agent.Host
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}
}

// AgentBaseURL is the serving-endpoints base URL for the agent.
func (c Config) AgentBaseURL() string {
	if c.Agent.BaseURL != "" {
		return strings.TrimRight(c.Agent.BaseURL, "/")
	}
	host := strings.TrimRight(c.Agent.Host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host + "/serving-endpoints"
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Agent.Host) == "" && strings.TrimSpace(c.Agent.BaseURL) == "" {
		return fmt.Errorf("agent.host or agent.base_url must be provided")
	}
	if strings.TrimSpace(c.Agent.Endpoint) == "" {
		return fmt.Errorf("agent.endpoint must be provided")
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative")
	}
	for headerKey := range c.Agent.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("agent: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.History.MaxTurns < 0 {
		return fmt.Errorf("history.max_turns must be positive, got %d", c.History.MaxTurns)
	}
	if c.History.MaxChars < 0 {
		return fmt.Errorf("history.max_chars must be positive, got %d", c.History.MaxChars)
	}

	switch c.History.Store {
	case StoreMemory:
	case StorePostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("history.store %q must be one of %q or %q", c.History.Store, StoreMemory, StorePostgres)
	}

	for i, starter := range c.Starters {
		if strings.TrimSpace(starter.Label) == "" || strings.TrimSpace(starter.Message) == "" {
			return fmt.Errorf("starters[%d]: label and message must not be empty", i)
		}
	}
	return nil
}

func (c Config) validateAuth() error {
	switch c.Auth.Mode {
	case AuthModePassword:
		if strings.TrimSpace(c.Auth.PAT) == "" {
			return fmt.Errorf("auth: password mode requires a pat")
		}
		if len(c.Auth.Users) == 0 {
			return fmt.Errorf("auth: password mode requires at least one user")
		}
		for user, password := range c.Auth.Users {
			if strings.TrimSpace(user) == "" || password == "" {
				return fmt.Errorf("auth: users need a name and a password")
			}
		}
	case AuthModeHeader:
	default:
		return fmt.Errorf("auth.mode %q must be one of %q or %q", c.Auth.Mode, AuthModePassword, AuthModeHeader)
	}
	return nil
}

func (c Config) validateDatabase() error {
	db := c.Database
	if strings.TrimSpace(db.Instance) == "" {
		return fmt.Errorf("database.instance must be provided for the postgres store")
	}
	if strings.TrimSpace(db.Host) == "" || strings.TrimSpace(db.User) == "" || strings.TrimSpace(db.Name) == "" {
		return fmt.Errorf("database: host, user and name must be provided for the postgres store")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("database.port must be a valid TCP port, got %d", db.Port)
	}
	if strings.TrimSpace(c.Workspace.Host) == "" {
		return fmt.Errorf("workspace.host must be provided for the postgres store")
	}
	ws := c.Workspace
	if ws.Token == "" && (ws.ClientID == "" || ws.ClientSecret == "") {
		return fmt.Errorf("workspace: token or client_id/client_secret must be provided for the postgres store")
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
