package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and decodes the TOML config at path.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

type Config struct {
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
	DB      DBConfig      `toml:"db"`
	Auction AuctionConfig `toml:"auction"`
	Redis   RedisConfig   `toml:"redis"`
}

type LogConfig struct {
	Level slog.Level `toml:"level"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type DBConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type AuctionConfig struct {
	TickIntervalSeconds int   `toml:"tick_interval_seconds"`
	DefaultMinIncrement int64 `toml:"default_min_increment"`
	BidRetries          int   `toml:"bid_retries"`
}

// TickInterval returns the scheduler interval as a duration.
func (c AuctionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Auction.TickIntervalSeconds <= 0 {
		c.Auction.TickIntervalSeconds = 15
	}
	if c.Auction.DefaultMinIncrement <= 0 {
		c.Auction.DefaultMinIncrement = 1
	}
	if c.Auction.BidRetries <= 0 {
		c.Auction.BidRetries = 3
	}
}
