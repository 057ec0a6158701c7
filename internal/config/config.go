package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	APIEndpoint    string `mapstructure:"API_ENDPOINT"`
	APIRegion      string `mapstructure:"API_REGION"`
	IdentityPoolID string `mapstructure:"IDENTITY_POOL_ID"`
	IdentityURL    string `mapstructure:"IDENTITY_URL"`
	Nickname       string `mapstructure:"NICKNAME"`
	DeviceIDFile   string `mapstructure:"DEVICE_ID_FILE"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`

	// Recorder tuning. Defaults follow the flush/suppression behavior the
	// backend expects; override only for testing.
	FlushIntervalFastMs int  `mapstructure:"FLUSH_INTERVAL_FAST_MS"`
	FlushIntervalSlowMs int  `mapstructure:"FLUSH_INTERVAL_SLOW_MS"`
	MinDistanceM        int  `mapstructure:"MIN_DISTANCE_M"`
	MinIntervalMs       int  `mapstructure:"MIN_INTERVAL_MS"`
	RecordAll           bool `mapstructure:"RECORD_ALL"`

	// Poller tuning.
	PollWindowMinutes  int `mapstructure:"POLL_WINDOW_MINUTES"`
	PollIntervalFastMs int `mapstructure:"POLL_INTERVAL_FAST_MS"`
	PollIntervalSlowMs int `mapstructure:"POLL_INTERVAL_SLOW_MS"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8080")
	viper.SetDefault("API_ENDPOINT", "http://localhost:4000/graphql")
	viper.SetDefault("API_REGION", "ap-northeast-1")
	viper.SetDefault("IDENTITY_POOL_ID", "")
	viper.SetDefault("IDENTITY_URL", "http://localhost:4000/identity")
	viper.SetDefault("NICKNAME", "anonymous")
	viper.SetDefault("DEVICE_ID_FILE", ".trackshare-device")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("FLUSH_INTERVAL_FAST_MS", 15000)
	viper.SetDefault("FLUSH_INTERVAL_SLOW_MS", 60000)
	viper.SetDefault("MIN_DISTANCE_M", 25)
	viper.SetDefault("MIN_INTERVAL_MS", 180000)
	viper.SetDefault("RECORD_ALL", false)
	viper.SetDefault("POLL_WINDOW_MINUTES", 30)
	viper.SetDefault("POLL_INTERVAL_FAST_MS", 20000)
	viper.SetDefault("POLL_INTERVAL_SLOW_MS", 60000)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}

func (c Config) FlushIntervalFast() time.Duration {
	return time.Duration(c.FlushIntervalFastMs) * time.Millisecond
}

func (c Config) FlushIntervalSlow() time.Duration {
	return time.Duration(c.FlushIntervalSlowMs) * time.Millisecond
}

func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

func (c Config) PollWindow() time.Duration {
	return time.Duration(c.PollWindowMinutes) * time.Minute
}

func (c Config) PollIntervalFast() time.Duration {
	return time.Duration(c.PollIntervalFastMs) * time.Millisecond
}

func (c Config) PollIntervalSlow() time.Duration {
	return time.Duration(c.PollIntervalSlowMs) * time.Millisecond
}
