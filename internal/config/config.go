package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/panelworks/fieldops/internal/pipeline"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// DispatchConfig configures the gap-fill engine: the business operating
// timezone, the filtering constants, and an optional outreach message
// template file.
type DispatchConfig struct {
	Timezone            string  `yaml:"timezone" mapstructure:"timezone"`
	JobDurationMinutes  float64 `yaml:"job_duration_minutes" mapstructure:"job_duration_minutes"`
	BufferMinutes       float64 `yaml:"buffer_minutes" mapstructure:"buffer_minutes"`
	HardCutoffHour      int     `yaml:"hard_cutoff_hour" mapstructure:"hard_cutoff_hour"`
	MaxContactsPerWeek  int     `yaml:"max_contacts_per_week" mapstructure:"max_contacts_per_week"`
	MaxContactsPerMonth int     `yaml:"max_contacts_per_month" mapstructure:"max_contacts_per_month"`
	CooldownMonths      float64 `yaml:"cooldown_months" mapstructure:"cooldown_months"`
	TemplatesPath       string  `yaml:"templates_path" mapstructure:"templates_path"`
}

// Params converts the dispatch settings into pipeline constants.
func (d DispatchConfig) Params() pipeline.Params {
	return pipeline.Params{
		JobDurationMinutes:  d.JobDurationMinutes,
		BufferMinutes:       d.BufferMinutes,
		HardCutoffHour:      d.HardCutoffHour,
		MaxContactsPerWeek:  d.MaxContactsPerWeek,
		MaxContactsPerMonth: d.MaxContactsPerMonth,
		CooldownMonths:      d.CooldownMonths,
	}
}

// Location resolves the configured business timezone.
func (d DispatchConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %s", d.Timezone)
	}
	return loc, nil
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FIELDOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("dispatch.timezone", "America/Chicago")
	v.SetDefault("dispatch.job_duration_minutes", 75)
	v.SetDefault("dispatch.buffer_minutes", 10)
	v.SetDefault("dispatch.hard_cutoff_hour", 18)
	v.SetDefault("dispatch.max_contacts_per_week", 1)
	v.SetDefault("dispatch.max_contacts_per_month", 3)
	v.SetDefault("dispatch.cooldown_months", 6)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
