package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	PayOS    PayOSConfig    `mapstructure:"payos"`
	Stream   StreamConfig   `mapstructure:"stream"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	LogLevel string         `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	PublicURL      string        `mapstructure:"public_url"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig is optional; an empty Addr means in-process locks are used.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	SecretKey       string        `mapstructure:"secret_key"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

type PayOSConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ClientID    string        `mapstructure:"client_id"`
	APIKey      string        `mapstructure:"api_key"`
	ChecksumKey string        `mapstructure:"checksum_key"`
	ReturnURL   string        `mapstructure:"return_url"`
	CancelURL   string        `mapstructure:"cancel_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

type SMTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
	From string `mapstructure:"from"`
}

type BillingConfig struct {
	BHYTEnabled    bool          `mapstructure:"bhyt_enabled"`
	DepositPercent int           `mapstructure:"deposit_percent"`
	HoldTTL        time.Duration `mapstructure:"hold_ttl"`
	SettlementDue  time.Duration `mapstructure:"settlement_due"`
	CancelCutoff   time.Duration `mapstructure:"cancel_cutoff"`
}

type SweepConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type UploadsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads .env, an optional config.yaml and MEDIBOOK_* environment variables.
func Load() (*Config, error) {
	// .env is optional outside of local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/medibook")

	setDefaults(v)

	v.SetEnvPrefix("MEDIBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// variable names used by earlier deployments
	_ = v.BindEnv("database.url", "MEDIBOOK_DATABASE_URL", "DB_URL")
	_ = v.BindEnv("jwt.secret_key", "MEDIBOOK_JWT_SECRET_KEY", "SECRET_KEY")
	_ = v.BindEnv("server.port", "MEDIBOOK_SERVER_PORT", "SERVER_PORT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.access_token_ttl", 2*time.Hour)
	v.SetDefault("jwt.refresh_token_ttl", 30*24*time.Hour)

	v.SetDefault("payos.base_url", "https://api-merchant.payos.vn")
	v.SetDefault("payos.client_id", "")
	v.SetDefault("payos.api_key", "")
	v.SetDefault("payos.checksum_key", "")
	v.SetDefault("payos.return_url", "http://localhost:3000/payment/success")
	v.SetDefault("payos.cancel_url", "http://localhost:8080/api/v1/payments/payos/cancel")
	v.SetDefault("payos.timeout", 15*time.Second)

	v.SetDefault("stream.api_key", "")
	v.SetDefault("stream.api_secret", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.pass", "")
	v.SetDefault("smtp.from", "no-reply@medibook.local")

	v.SetDefault("billing.bhyt_enabled", true)
	v.SetDefault("billing.deposit_percent", 100)
	v.SetDefault("billing.hold_ttl", 15*time.Minute)
	v.SetDefault("billing.settlement_due", 72*time.Hour)
	v.SetDefault("billing.cancel_cutoff", 2*time.Hour)

	v.SetDefault("sweep.interval", 60*time.Second)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.lock_ttl", 50*time.Second)

	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("log_level", "info")
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Billing.DepositPercent < 0 || c.Billing.DepositPercent > 100 {
		return fmt.Errorf("billing.deposit_percent must be between 0 and 100, got %d", c.Billing.DepositPercent)
	}
	if c.Billing.HoldTTL <= 0 {
		return fmt.Errorf("billing.hold_ttl must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 100
	}
	return nil
}
