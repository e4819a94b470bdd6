package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	SecretKey           string        `mapstructure:"secret_key"`
	AccessTokenDuration time.Duration `mapstructure:"access_token_duration"`
}

// ProviderConfig describes one upstream LLM provider credential set.
// api_key supports ${ENV_VAR} expansion, same convention as the teacher's
// model_list provider blocks.
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"` // openai | anthropic | google
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type BudgetConfig struct {
	DefaultAlertAt      float64       `mapstructure:"default_alert_at"`
	DefaultTenantPeriod string        `mapstructure:"default_tenant_period"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	DefaultPerMinute  int           `mapstructure:"default_per_minute"`
	LimitCacheTTL     time.Duration `mapstructure:"limit_cache_ttl"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BundlePath string `mapstructure:"bundle_path"`
	Query      string `mapstructure:"query"`
}

type WorkerConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	ProcessingInterval time.Duration `mapstructure:"processing_interval"`
	ClaimMinIdleTime   time.Duration `mapstructure:"claim_min_idle_time"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/llmguard")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	expandProviderAPIKeys()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

// expandProviderAPIKeys resolves ${ENV_VAR} references inside
// providers[].api_key before the struct is unmarshalled, the same trick
// the teacher applies to model_list provider blocks.
func expandProviderAPIKeys() {
	raw := viper.Get("providers")
	providers, ok := raw.([]interface{})
	if !ok {
		return
	}
	for i, entryRaw := range providers {
		entry, ok := entryRaw.(map[string]interface{})
		if !ok {
			continue
		}
		apiKey, ok := entry["api_key"].(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(apiKey, "${") && strings.HasSuffix(apiKey, "}") {
			envVar := apiKey[2 : len(apiKey)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				entry["api_key"] = envVal
			}
		}
		providers[i] = entry
	}
	viper.Set("providers", providers)
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 50)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 50)

	viper.SetDefault("jwt.access_token_duration", "15m")

	viper.SetDefault("budget.default_alert_at", 80.0)
	viper.SetDefault("budget.default_tenant_period", "monthly")
	viper.SetDefault("budget.cache_ttl", "5m")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.default_per_minute", 100)
	viper.SetDefault("rate_limit.limit_cache_ttl", "1m")

	viper.SetDefault("policy.enabled", false)
	viper.SetDefault("policy.query", "data.llmguard.authz.allow")

	viper.SetDefault("worker.batch_size", 100)
	viper.SetDefault("worker.processing_interval", "5s")
	viper.SetDefault("worker.claim_min_idle_time", "30s")

	viper.SetDefault("monitoring.enable_metrics", true)
	viper.SetDefault("monitoring.service_name", "llmguard")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("policy.bundle_path", "POLICY_BUNDLE_PATH")
	viper.BindEnv("policy.enabled", "POLICY_ENABLED")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}
