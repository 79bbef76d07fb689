package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr     string `mapstructure:"addr"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"server"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Store struct {
		Driver        string `mapstructure:"driver"` // memory | bolt | redis | postgres
		BoltPath      string `mapstructure:"bolt_path"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisPrefix   string `mapstructure:"redis_prefix"`
	} `mapstructure:"store"`

	Triggers struct {
		Source string `mapstructure:"source"` // file | postgres
		File   string `mapstructure:"file"`
	} `mapstructure:"triggers"`

	Artifacts struct {
		BaseURL            string `mapstructure:"base_url"`
		CacheSize          int    `mapstructure:"cache_size"`
		TimeoutMS          int    `mapstructure:"timeout_ms"`
		Preload            bool   `mapstructure:"preload"`
		PreloadConcurrency int    `mapstructure:"preload_concurrency"`
	} `mapstructure:"artifacts"`

	Presentation struct {
		DebugMode                  bool   `mapstructure:"debug_mode"`
		RetryOnPurchaseFailure     bool   `mapstructure:"retry_on_purchase_failure"`
		CountOccurrenceOnRetry     bool   `mapstructure:"count_occurrence_on_retry"`
		DefaultPaywall             string `mapstructure:"default_paywall"`
		ReportNoPresenterWhileBusy bool   `mapstructure:"report_no_presenter_while_busy"`
	} `mapstructure:"presentation"`

	Script struct {
		TimeoutMS int `mapstructure:"timeout_ms"`
	} `mapstructure:"script"`

	Device struct {
		Platform   string `mapstructure:"platform"`
		OSVersion  string `mapstructure:"os_version"`
		AppVersion string `mapstructure:"app_version"`
		Locale     string `mapstructure:"locale"`
	} `mapstructure:"device"`
}

func Load() Config {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	_ = v.ReadInConfig() // optional; env can fully configure

	// configs/<env>.yaml overlays the base file
	env := strings.ToLower(os.Getenv("ENV"))
	if env == "" {
		env = "dev"
	}
	v.SetConfigName(env)
	_ = v.MergeInConfig()

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	return cfg
}

// bindEnv registers every key so AutomaticEnv can fill keys absent from the file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.addr", "server.log_level",
		"postgres.host", "postgres.port", "postgres.user", "postgres.password", "postgres.db_name",
		"postgres.ssl_mode", "postgres.max_open_conns", "postgres.max_idle_conns",
		"listener.channel", "listener.reconnect_seconds",
		"store.driver", "store.bolt_path", "store.redis_addr", "store.redis_password", "store.redis_prefix",
		"triggers.source", "triggers.file",
		"artifacts.base_url", "artifacts.cache_size", "artifacts.timeout_ms", "artifacts.preload",
		"artifacts.preload_concurrency",
		"presentation.debug_mode", "presentation.retry_on_purchase_failure",
		"presentation.count_occurrence_on_retry", "presentation.default_paywall",
		"presentation.report_no_presenter_while_busy",
		"script.timeout_ms",
		"device.platform", "device.os_version", "device.app_version", "device.locale",
	} {
		_ = v.BindEnv(key)
	}
}

func validate(c *Config) {
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Postgres.Port == 0 { c.Postgres.Port = 5432 }
	if c.Postgres.SSLMode == "" { c.Postgres.SSLMode = "disable" }
	if c.Postgres.MaxOpenConns == 0 { c.Postgres.MaxOpenConns = 10 }
	if c.Postgres.MaxIdleConns == 0 { c.Postgres.MaxIdleConns = 10 }
	if c.Listener.ReconnectSeconds <= 0 { c.Listener.ReconnectSeconds = 5 }
	if c.Store.Driver == "" { c.Store.Driver = "bolt" }
	if c.Store.BoltPath == "" { c.Store.BoltPath = "data/paywall.db" }
	if c.Store.RedisPrefix == "" { c.Store.RedisPrefix = "paywall:" }
	if c.Triggers.Source == "" { c.Triggers.Source = "file" }
	if c.Triggers.File == "" { c.Triggers.File = "configs/triggers.yaml" }
	if c.Artifacts.CacheSize <= 0 { c.Artifacts.CacheSize = 64 }
	if c.Artifacts.TimeoutMS <= 0 { c.Artifacts.TimeoutMS = 10000 }
	if c.Artifacts.PreloadConcurrency <= 0 { c.Artifacts.PreloadConcurrency = 4 }
	if c.Script.TimeoutMS <= 0 { c.Script.TimeoutMS = 500 }
	if c.Device.Platform == "" { c.Device.Platform = "iOS" }
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }

func (c Config) ArtifactTimeout() time.Duration {
	return time.Duration(c.Artifacts.TimeoutMS) * time.Millisecond
}

func (c Config) ScriptTimeout() time.Duration { return time.Duration(c.Script.TimeoutMS) * time.Millisecond }
