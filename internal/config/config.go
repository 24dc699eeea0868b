package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the full runtime configuration. Values come from an optional
// YAML/JSON5 file, then environment variables, then defaults.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Agent   AgentConfig   `yaml:"agent"`
	Auth    AuthConfig    `yaml:"auth"`
	Tools   ToolsConfig   `yaml:"tools"`
	Data    DataConfig    `yaml:"data"`
	Logging LogConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BackendConfig points at the OpenAI-compatible inference server.
type BackendConfig struct {
	Host               string        `yaml:"host"`
	APIKey             string        `yaml:"api_key"`
	DefaultModel       string        `yaml:"default_model"`
	DefaultTemperature float32       `yaml:"default_temperature"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	MaxIterations          int    `yaml:"max_iterations"`
	MaxConversationHistory int    `yaml:"max_conversation_history"`
	SystemPromptPath       string `yaml:"system_prompt_path"`
	HotTailIterations      int    `yaml:"hot_tail_iterations"`
}

// AuthConfig configures JWT issuance and the seeded admin account.
type AuthConfig struct {
	JWTSecret            string `yaml:"jwt_secret"`
	JWTExpirationHours   int    `yaml:"jwt_expiration_hours"`
	DefaultAdminUsername string `yaml:"default_admin_username"`
	DefaultAdminPassword string `yaml:"default_admin_password"`
}

// ToolsConfig configures tool execution and the external tool services.
type ToolsConfig struct {
	Timeout            time.Duration  `yaml:"timeout"`
	MaxConcurrency     int            `yaml:"max_concurrency"`
	WebsearchEndpoint  string         `yaml:"websearch_endpoint"`
	WebsearchTopN      int            `yaml:"websearch_top_n"`
	RAGEndpoint        string         `yaml:"rag_endpoint"`
	RAGCollections     []string       `yaml:"rag_collections"`
	PythonBin          string         `yaml:"python_bin"`
	PythonExecutorMode string         `yaml:"python_executor_mode"` // inline or agent
	CoderEndpoint      string         `yaml:"coder_endpoint"`
	ShellTimeout       time.Duration  `yaml:"shell_timeout"`
	ResultBudgets      map[string]int `yaml:"result_budgets"`
}

// DataConfig roots all on-disk state under one directory.
type DataConfig struct {
	Dir            string `yaml:"dir"`
	SessionTTLDays int    `yaml:"session_ttl_days"`
	JobTTLDays     int    `yaml:"job_ttl_days"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultToolBudgets caps tool result sizes (in characters) before the
// result is truncated and spilled to disk.
var DefaultToolBudgets = map[string]int{
	"websearch":      2000,
	"python_coder":   5000,
	"rag":            3000,
	"file_reader":    4000,
	"file_writer":    500,
	"file_navigator": 2000,
	"shell_exec":     3000,
	"memory":         500,
	"default":        3000,
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        10007,
			CORSOrigins: []string{"*"},
		},
		Backend: BackendConfig{
			Host:               "http://localhost:5905",
			APIKey:             "not-needed",
			DefaultModel:       "local",
			DefaultTemperature: 0.7,
			RequestTimeout:     5 * time.Minute,
		},
		Agent: AgentConfig{
			MaxIterations:          8,
			MaxConversationHistory: 50,
			SystemPromptPath:       "",
			HotTailIterations:      1,
		},
		Auth: AuthConfig{
			JWTSecret:            "change-me-in-production",
			JWTExpirationHours:   24,
			DefaultAdminUsername: "admin",
			DefaultAdminPassword: "admin",
		},
		Tools: ToolsConfig{
			Timeout:            120 * time.Second,
			MaxConcurrency:     5,
			WebsearchTopN:      5,
			PythonBin:          "python3",
			PythonExecutorMode: "inline",
			ShellTimeout:       60 * time.Second,
			ResultBudgets:      DefaultToolBudgets,
		},
		Data: DataConfig{
			Dir:            "data",
			SessionTTLDays: 7,
			JobTTLDays:     7,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		if err := decodeInto(raw, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUILL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("QUILL_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("QUILL_BACKEND_HOST"); v != "" {
		c.Backend.Host = v
	}
	if v := os.Getenv("QUILL_BACKEND_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("QUILL_DEFAULT_MODEL"); v != "" {
		c.Backend.DefaultModel = v
	}
	if v := os.Getenv("QUILL_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("QUILL_ADMIN_PASSWORD"); v != "" {
		c.Auth.DefaultAdminPassword = v
	}
	if v := os.Getenv("QUILL_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUILL_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.MaxIterations = n
		}
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Backend.Host == "" {
		return fmt.Errorf("config: backend host is required")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("config: max_iterations must be at least 1")
	}
	if c.Tools.MaxConcurrency < 1 {
		return fmt.Errorf("config: tool max_concurrency must be at least 1")
	}
	if c.Agent.HotTailIterations < 1 {
		return fmt.Errorf("config: hot_tail_iterations must be at least 1")
	}
	return nil
}

// JWTExpiry returns the configured token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.Auth.JWTExpirationHours) * time.Hour
}

// ToolBudget returns the result budget for a tool, falling back to the
// "default" entry.
func (c *Config) ToolBudget(tool string) int {
	if b, ok := c.Tools.ResultBudgets[tool]; ok {
		return b
	}
	if b, ok := c.Tools.ResultBudgets["default"]; ok {
		return b
	}
	return DefaultToolBudgets["default"]
}

// Paths derived from the data directory.

func (c *Config) SessionsDir() string    { return filepath.Join(c.Data.Dir, "sessions") }
func (c *Config) JobsDir() string        { return filepath.Join(c.Data.Dir, "jobs") }
func (c *Config) LogsDir() string        { return filepath.Join(c.Data.Dir, "logs") }
func (c *Config) ToolResultsDir() string { return filepath.Join(c.Data.Dir, "tool_results") }
func (c *Config) ScratchDir() string     { return filepath.Join(c.Data.Dir, "scratch") }
func (c *Config) UploadsDir() string     { return filepath.Join(c.Data.Dir, "uploads") }
func (c *Config) MemoryDir() string      { return filepath.Join(c.Data.Dir, "memory") }
func (c *Config) DatabasePath() string   { return filepath.Join(c.Data.Dir, "quill.db") }
func (c *Config) StopFilePath() string   { return filepath.Join(c.Data.Dir, "STOP") }
func (c *Config) PromptsLogPath() string { return filepath.Join(c.LogsDir(), "prompts.log") }

// EnsureDirs creates every data directory the runtime writes to.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Data.Dir,
		c.SessionsDir(),
		c.JobsDir(),
		c.LogsDir(),
		c.ToolResultsDir(),
		c.ScratchDir(),
		c.UploadsDir(),
		c.MemoryDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", d, err)
		}
	}
	return nil
}
