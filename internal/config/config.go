package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agent       AgentConfig               `json:"agent"`
	Poll        PollConfig                `json:"poll"`
	Log         LogConfig                 `json:"log"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Disabled           bool   `json:"disabled"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	SnapshotTTLSeconds int    `json:"snapshot_ttl_seconds"`
	NoticeTTLHours     int    `json:"notice_ttl_hours"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	Database             string `json:"database"`
	Timezone             string `json:"timezone"`
	MinWorkers           int    `json:"min_workers"`
	MaxWorkers           int    `json:"max_workers"`
	QueueSize            int    `json:"queue_size"`
	WorkerIdleTimeout    int    `json:"worker_idle_timeout"`
	RunTimeoutSeconds    int    `json:"run_timeout_seconds"`
	TaskRetentionMinutes int    `json:"task_retention_minutes"`
	TokenTTLHours        int    `json:"token_ttl_hours"`
}

// AgentConfig selects the AgentRunner backend.
//
// Backend "model" runs an eino chat model in process, "http" forwards runs to
// a remote agent server and "mock" answers locally without any provider.
type AgentConfig struct {
	Backend     string   `json:"backend"`
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	URL         string   `json:"url"`
	AppName     string   `json:"app_name"`
	Engine      bool     `json:"engine"`
	Documents   []string `json:"documents"`
	MockDelayMs int      `json:"mock_delay_ms"`
}

type PollConfig struct {
	IntervalMs     int `json:"interval_ms"`
	MaxWaitSeconds int `json:"max_wait_seconds"`
	MaxFailures    int `json:"max_failures"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Load reads configuration from the provided path (defaults to config.json),
// applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if _, ok := cfg.Databases[cfg.BasicConfig.Database]; !ok {
		return nil, fmt.Errorf("database %q must be configured under databases", cfg.BasicConfig.Database)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	// sqlite files are resolved next to the config file
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	for i, doc := range cfg.Agent.Documents {
		if !filepath.IsAbs(doc) {
			cfg.Agent.Documents[i] = filepath.Join(filepath.Dir(absPath), doc)
		}
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTSYNC_DB"); v != "" {
		c.BasicConfig.Database = v
	}
	if v := os.Getenv("AGENTSYNC_ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("AGENTSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AGENTSYNC_AGENT_BACKEND"); v != "" {
		c.Agent.Backend = v
	}
	if v := os.Getenv("AGENTSYNC_AGENT_API_KEY"); v != "" && c.Agent.Provider != "" {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers[c.Agent.Provider]
		p.APIKey = v
		c.Providers[c.Agent.Provider] = p
	}
	if v := os.Getenv("AGENTSYNC_REDIS_DISABLED"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			c.Redis.Disabled = disabled
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.RunTimeoutSeconds <= 0 {
		b.RunTimeoutSeconds = 300
	}
	if b.TaskRetentionMinutes <= 0 {
		b.TaskRetentionMinutes = 10
	}
	if b.TokenTTLHours <= 0 {
		b.TokenTTLHours = 24
	}
	if c.Redis.SnapshotTTLSeconds <= 0 {
		c.Redis.SnapshotTTLSeconds = 30
	}
	if c.Redis.NoticeTTLHours <= 0 {
		c.Redis.NoticeTTLHours = 24
	}
	if c.Agent.Backend == "" {
		c.Agent.Backend = "mock"
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "assistant"
	}
	if c.Agent.AppName == "" {
		c.Agent.AppName = "app"
	}
	if c.Poll.IntervalMs <= 0 {
		c.Poll.IntervalMs = 3000
		if c.Agent.Engine {
			c.Poll.IntervalMs = 10000
		}
	}
	if c.Poll.MaxWaitSeconds <= 0 {
		c.Poll.MaxWaitSeconds = 120
	}
	if c.Poll.MaxFailures <= 0 {
		c.Poll.MaxFailures = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Location returns the timezone used for history grouping.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BasicConfig.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.BasicConfig.Timezone, err)
	}
	return loc, nil
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.BasicConfig.RunTimeoutSeconds) * time.Second
}

func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.BasicConfig.TaskRetentionMinutes) * time.Minute
}

func (c *Config) WorkerIdle() time.Duration {
	return time.Duration(c.BasicConfig.WorkerIdleTimeout) * time.Minute
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTLHours) * time.Hour
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

func (c *Config) PollMaxWait() time.Duration {
	return time.Duration(c.Poll.MaxWaitSeconds) * time.Second
}

func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Redis.SnapshotTTLSeconds) * time.Second
}

func (c *Config) NoticeTTL() time.Duration {
	return time.Duration(c.Redis.NoticeTTLHours) * time.Hour
}
