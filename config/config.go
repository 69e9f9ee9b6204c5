package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SHELF_SECURITY_JWT_SECRET.
const EnvPrefix = "SHELF"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

type ServerConfig struct {
	Port     int      `mapstructure:"port"`
	Debug    bool     `mapstructure:"debug"`
	AdminKey string   `mapstructure:"admin_key"`
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode        string        `mapstructure:"mode"` // sqlite | mysql | postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	MySQLDSN    string        `mapstructure:"mysql_dsn"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLife     time.Duration `mapstructure:"max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ChatConfig bounds the real-time message path.
type ChatConfig struct {
	MaxContentLen       int     `mapstructure:"max_content_len"`
	HistoryDefaultLimit int     `mapstructure:"history_default_limit"`
	HistoryMaxLimit     int     `mapstructure:"history_max_limit"`
	SendRPS             float64 `mapstructure:"send_rps"`
	SendBurst           int     `mapstructure:"send_burst"`
	MaxInflight         int     `mapstructure:"max_inflight"`
	// BlockedWords rejects messages containing any of these terms.
	BlockedWords []string `mapstructure:"blocked_words"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/shelfmates.db")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("chat.max_content_len", 2000)
	v.SetDefault("chat.history_default_limit", 50)
	v.SetDefault("chat.history_max_limit", 100)
	v.SetDefault("chat.send_rps", 5)
	v.SetDefault("chat.send_burst", 10)
	v.SetDefault("chat.max_inflight", 16)
}

// Load reads config from the given YAML file path. A .env file in the working
// directory is loaded first so SHELF_* variables can override file values.
// A missing config file is tolerated; defaults and environment apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// AutomaticEnv only resolves keys viper already knows about.
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("server.admin_key", "")
	v.SetDefault("database.mysql_dsn", "")
	v.SetDefault("database.postgres_dsn", "")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return errors.New("config: security.jwt_secret is required")
	}
	if c.Chat.HistoryMaxLimit <= 0 || c.Chat.HistoryDefaultLimit <= 0 {
		return errors.New("config: chat history limits must be positive")
	}
	if c.Chat.HistoryDefaultLimit > c.Chat.HistoryMaxLimit {
		return errors.New("config: chat.history_default_limit exceeds chat.history_max_limit")
	}
	return nil
}
