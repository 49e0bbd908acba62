// Package config loads the platform configuration from YAML with
// environment expansion and sane defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Store     StoreConfig     `yaml:"store"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type IngestConfig struct {
	DeviceRatePerSecond int `yaml:"device_rate_per_second"`
}

type StoreConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type AnomalyConfig struct {
	ZScoreThreshold float64 `yaml:"zscore_threshold"`
	IQRMultiplier   float64 `yaml:"iqr_multiplier"`
	WindowSize      int     `yaml:"window_size"`
}

type ForecastConfig struct {
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables only, for
// container deployments without a mounted config file.
func LoadFromEnv() *Config {
	cfg := &Config{}
	setDefaults(cfg)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		cfg.MQTT.Broker = broker
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		cfg.MQTT.Username = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		cfg.MQTT.Password = pass
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3010
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 25
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 5
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "gridsense-ingest"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.Ingest.DeviceRatePerSecond == 0 {
		cfg.Ingest.DeviceRatePerSecond = 10
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = 30
	}
	if cfg.Store.BufferSize == 0 {
		cfg.Store.BufferSize = 512
	}
	if cfg.Store.FlushInterval == 0 {
		cfg.Store.FlushInterval = 5 * time.Minute
	}
	if cfg.Anomaly.ZScoreThreshold == 0 {
		cfg.Anomaly.ZScoreThreshold = 3.0
	}
	if cfg.Anomaly.IQRMultiplier == 0 {
		cfg.Anomaly.IQRMultiplier = 1.5
	}
	if cfg.Anomaly.WindowSize == 0 {
		cfg.Anomaly.WindowSize = 10
	}
	if cfg.Forecast.SmoothingAlpha == 0 {
		cfg.Forecast.SmoothingAlpha = 0.3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
