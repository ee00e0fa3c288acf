package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MARKETCHAT_API_TOKEN
const EnvPrefix = "MARKETCHAT"

// Config holds all configuration
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Socket SocketConfig `mapstructure:"socket"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// APIConfig holds the conversation store REST configuration
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Token        string        `mapstructure:"token"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SocketConfig holds push channel configuration
type SocketConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteChannelSize int           `mapstructure:"write_channel_size"`
}

// ChatConfig holds sync engine configuration
type ChatConfig struct {
	// UserId overrides the user id derived from the API token
	UserId    string `mapstructure:"user_id"`
	PageSize  int    `mapstructure:"page_size"`
	MachineId uint16 `mapstructure:"machine_id"`
}

// RedisConfig holds Redis configuration for the pending read-receipt ledger.
// Leaving Host empty keeps the ledger in memory.
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis server is configured
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Global config instance
var GlobalConfig *Config

// Load loads configuration from file, with environment overrides
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

// applyDefaults fills zero values
func (cfg *Config) applyDefaults() {
	if cfg.API.DialTimeout == 0 {
		cfg.API.DialTimeout = 10 * time.Second
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 30 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 30 * time.Second
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.Socket.HandshakeTimeout == 0 {
		cfg.Socket.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Socket.MaxMessageSize == 0 {
		cfg.Socket.MaxMessageSize = 51200
	}
	if cfg.Socket.WriteWait == 0 {
		cfg.Socket.WriteWait = 10 * time.Second
	}
	if cfg.Socket.PongWait == 0 {
		cfg.Socket.PongWait = 60 * time.Second
	}
	if cfg.Socket.PingPeriod == 0 {
		cfg.Socket.PingPeriod = (cfg.Socket.PongWait * 9) / 10
	}
	if cfg.Socket.WriteChannelSize == 0 {
		cfg.Socket.WriteChannelSize = 256
	}
	if cfg.Chat.PageSize == 0 {
		cfg.Chat.PageSize = 10
	}
	if cfg.Chat.MachineId == 0 {
		cfg.Chat.MachineId = 1
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "marketchat:"
	}
}

// Validate checks required settings
func (cfg *Config) Validate() error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if cfg.Socket.URL == "" {
		return fmt.Errorf("socket.url is required")
	}
	if cfg.API.Token == "" && cfg.Chat.UserId == "" {
		return fmt.Errorf("api.token or chat.user_id is required")
	}
	if cfg.Chat.PageSize < 0 {
		return fmt.Errorf("chat.page_size must be positive, got %d", cfg.Chat.PageSize)
	}
	if cfg.Socket.PingPeriod >= cfg.Socket.PongWait {
		return fmt.Errorf("socket.ping_period (%s) must be less than socket.pong_wait (%s)", cfg.Socket.PingPeriod, cfg.Socket.PongWait)
	}
	return nil
}
