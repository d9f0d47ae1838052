package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	devJWTSecret   = "dev_secret"
	devResetSecret = "dev_reset_secret"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Password       PasswordConfig
	Throttle       ThrottleConfig
	SecurityEvents SecurityEventsConfig
	Reset          ResetConfig
	CORS           CORSConfig
	Log            LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig configures access token signing and refresh token lifetime.
type JWTConfig struct {
	Secret            string
	Issuer            string
	Audience          []string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

// PasswordConfig holds the Argon2id cost parameters shared by every hashing call site.
type PasswordConfig struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// ThrottleConfig tunes the sliding-window login throttle.
type ThrottleConfig struct {
	Window             time.Duration
	MaxFailures        int
	AccountMaxFailures int
}

// SecurityEventsConfig configures the asynchronous audit writer.
type SecurityEventsConfig struct {
	Async      bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// ResetConfig configures password reset tokens.
type ResetConfig struct {
	Secret string
	TTL    time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects development secrets outside development.
func (c *Config) validate() error {
	if c.Env != EnvProduction {
		return nil
	}
	if c.JWT.Secret == "" || c.JWT.Secret == devJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.Reset.Secret == "" || c.Reset.Secret == devResetSecret {
		return errors.New("RESET_TOKEN_SECRET must be set in production")
	}
	return nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Audience:          splitAndTrim(v.GetString("JWT_AUDIENCE")),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 30*24*time.Hour),
	}

	cfg.Password = PasswordConfig{
		Memory:      v.GetUint32("PASSWORD_ARGON2_MEMORY_KIB"),
		Iterations:  v.GetUint32("PASSWORD_ARGON2_ITERATIONS"),
		Parallelism: uint8(v.GetUint("PASSWORD_ARGON2_PARALLELISM")),
		SaltLength:  v.GetUint32("PASSWORD_ARGON2_SALT_LENGTH"),
		KeyLength:   v.GetUint32("PASSWORD_ARGON2_KEY_LENGTH"),
	}

	cfg.Throttle = ThrottleConfig{
		Window:             parseDuration(v.GetString("LOGIN_THROTTLE_WINDOW"), 15*time.Minute),
		MaxFailures:        v.GetInt("LOGIN_THROTTLE_MAX_FAILURES"),
		AccountMaxFailures: v.GetInt("LOGIN_THROTTLE_ACCOUNT_MAX_FAILURES"),
	}

	cfg.SecurityEvents = SecurityEventsConfig{
		Async:      v.GetBool("SECURITY_EVENTS_ASYNC"),
		Workers:    v.GetInt("SECURITY_EVENTS_WORKERS"),
		BufferSize: v.GetInt("SECURITY_EVENTS_BUFFER"),
		MaxRetries: v.GetInt("SECURITY_EVENTS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("SECURITY_EVENTS_RETRY_DELAY"), time.Second),
	}

	cfg.Reset = ResetConfig{
		Secret: v.GetString("RESET_TOKEN_SECRET"),
		TTL:    parseDuration(v.GetString("RESET_TOKEN_TTL"), 30*time.Minute),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "auth_core")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("JWT_ISSUER", "auth-core-api")
	v.SetDefault("JWT_AUDIENCE", "auth-core-clients")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "720h")

	v.SetDefault("PASSWORD_ARGON2_MEMORY_KIB", 64*1024)
	v.SetDefault("PASSWORD_ARGON2_ITERATIONS", 3)
	v.SetDefault("PASSWORD_ARGON2_PARALLELISM", 2)
	v.SetDefault("PASSWORD_ARGON2_SALT_LENGTH", 16)
	v.SetDefault("PASSWORD_ARGON2_KEY_LENGTH", 32)

	v.SetDefault("LOGIN_THROTTLE_WINDOW", "15m")
	v.SetDefault("LOGIN_THROTTLE_MAX_FAILURES", 5)
	v.SetDefault("LOGIN_THROTTLE_ACCOUNT_MAX_FAILURES", 0)

	v.SetDefault("SECURITY_EVENTS_ASYNC", true)
	v.SetDefault("SECURITY_EVENTS_WORKERS", 2)
	v.SetDefault("SECURITY_EVENTS_BUFFER", 256)
	v.SetDefault("SECURITY_EVENTS_MAX_RETRIES", 3)
	v.SetDefault("SECURITY_EVENTS_RETRY_DELAY", "1s")

	v.SetDefault("RESET_TOKEN_SECRET", devResetSecret)
	v.SetDefault("RESET_TOKEN_TTL", "30m")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// isMissingFile reports whether viper failed only because .env is absent.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
