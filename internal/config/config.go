// Package config loads edward.yaml and environment overrides via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	DB      DBConfig      `mapstructure:"db"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Gate    GateConfig    `mapstructure:"gate"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
	Skills  SkillsConfig  `mapstructure:"skills"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Storage StorageConfig `mapstructure:"storage"`
	Preview PreviewConfig `mapstructure:"preview"`
	Search  SearchConfig  `mapstructure:"search"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"` // postgres or sqlite3
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is used by the sqlite3 driver in dev mode.
	Path string `mapstructure:"path"`
}

type SandboxConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	Workspace      string        `mapstructure:"workspace"`
	Image          string        `mapstructure:"image"`
	TTL            time.Duration `mapstructure:"ttl"`
	FlushDebounce  time.Duration `mapstructure:"flush_debounce"`
	MaxBufferBytes int           `mapstructure:"max_buffer_bytes"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
}

type StreamConfig struct {
	MaxRawBytes  int           `mapstructure:"max_raw_bytes"`
	WallClock    time.Duration `mapstructure:"wall_clock"`
	MaxTurns     int           `mapstructure:"max_turns"`
	MaxToolCalls int           `mapstructure:"max_tool_calls"`
	// Checkpoint every N file closes in addition to turn boundaries.
	CheckpointFileEvery int `mapstructure:"checkpoint_file_every"`
	// LLM calls per second across the process.
	LLMRatePerSec float64 `mapstructure:"llm_rate_per_sec"`
}

type GateConfig struct {
	MaxConcurrentPerUser int           `mapstructure:"max_concurrent_per_user"`
	SlotTTL              time.Duration `mapstructure:"slot_ttl"`
}

type AuthConfig struct {
	JWTSecret string   `mapstructure:"jwt_secret"`
	APIKeys   []string `mapstructure:"api_keys"` // sha256 hex digests
	SkipAuth  bool     `mapstructure:"skip_auth"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SkillsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LLMConfig struct {
	// BaseURL of an OpenAI-compatible chat completions endpoint.
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	// Dir is the root of the on-disk object store for backups and previews.
	Dir string `mapstructure:"dir"`
}

type PreviewConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type SearchConfig struct {
	// BaseURL of a SearxNG instance. Empty disables web search.
	BaseURL string `mapstructure:"base_url"`
}

// Load reads configuration from CONFIG_PATH (default ./config/edward.yaml),
// applies defaults and EDWARD_* environment overrides. A missing file is not
// an error; defaults and env still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EDWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/edward.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if _, pathErr := os.Stat(path); pathErr == nil {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "edward")
	v.SetDefault("db.database", "edward")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "edward.db")

	v.SetDefault("sandbox.pool_size", 3)
	v.SetDefault("sandbox.workspace", "/home/node/edward")
	v.SetDefault("sandbox.image", "edward-sandbox:latest")
	v.SetDefault("sandbox.ttl", time.Hour)
	v.SetDefault("sandbox.flush_debounce", 100*time.Millisecond)
	v.SetDefault("sandbox.max_buffer_bytes", 5*1024*1024)
	v.SetDefault("sandbox.exec_timeout", 10*time.Second)
	v.SetDefault("sandbox.install_timeout", 120*time.Second)
	v.SetDefault("sandbox.build_timeout", 180*time.Second)

	v.SetDefault("stream.max_raw_bytes", 10*1024*1024)
	v.SetDefault("stream.wall_clock", 5*time.Minute)
	v.SetDefault("stream.max_turns", 8)
	v.SetDefault("stream.max_tool_calls", 24)
	v.SetDefault("stream.checkpoint_file_every", 5)
	v.SetDefault("stream.llm_rate_per_sec", 2.0)

	v.SetDefault("gate.max_concurrent_per_user", 2)
	v.SetDefault("gate.slot_ttl", 300*time.Second)

	v.SetDefault("auth.skip_auth", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "edward-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("skills.dir", "./config/skills")

	v.SetDefault("llm.base_url", "http://localhost:8000/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.max_tokens", 16384)
	v.SetDefault("llm.timeout", 5*time.Minute)

	v.SetDefault("storage.dir", "./data/objects")

	v.SetDefault("preview.base_url", "https://preview.edward.dev")

	v.SetDefault("search.base_url", "")
}
