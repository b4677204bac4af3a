package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/voting-queue-system/pkg/database"
	"github.com/voting-queue-system/pkg/logger"
)

// Change sources a server can reconcile sessions from.
const (
	SourceKafka  = "kafka"
	SourcePoll   = "poll"
	SourceMemory = "memory"
)

type Config struct {
	Server   ServerConfig
	Database database.Config
	Redis    RedisConfig
	Kafka    KafkaConfig
	Spotify  SpotifyConfig
	JWT      JWTConfig
	Log      logger.Config
	Session  SessionConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	FrontendURL string
	CORSOrigins []string
	StaticDir   string
}

func (s ServerConfig) Production() bool { return s.Env == "production" }

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	CacheTTL time.Duration
}

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	DeviceID     string
}

type JWTConfig struct {
	Secret   string
	TTL      time.Duration
	GuestTTL time.Duration
}

type SessionConfig struct {
	ChangeSource     string
	PollInterval     time.Duration
	SyncTimeout      time.Duration
	OrphanTTL        time.Duration
	TickInterval     time.Duration
	ResubscribeAfter time.Duration
	RetryMaxAttempts int
	AutoAdvance      bool
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the given .env files (".env" when none are named) without
// overriding variables that are already set, then builds the config from the
// environment. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Env:         getEnv("ENV", "development"),
			FrontendURL: getEnv("FRONTEND_URL", "/"),
			CORSOrigins: getEnvList("CORS_ORIGINS", "http://localhost:5173"),
			StaticDir:   getEnv("STATIC_DIR", "frontend/dist"),
		},
		Database: database.Config{
			Driver:   getEnv("DB_DRIVER", database.DriverMySQL),
			Host:     getEnv("DB_HOST", "127.0.0.1"),
			Port:     getEnv("DB_PORT", "3306"),
			User:     getEnv("DB_USER", "root"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "voting_queue"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "127.0.0.1"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			CacheTTL: getEnvDuration("REDIS_CACHE_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvList("KAFKA_BROKERS", "localhost:9092"),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "voting-queue"),
		},
		Spotify: SpotifyConfig{
			ClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
			ClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
			RedirectURI:  getEnv("SPOTIFY_REDIRECT_URI", "http://localhost:8080/api/v1/auth/callback"),
			DeviceID:     os.Getenv("SPOTIFY_DEVICE_ID"),
		},
		JWT: JWTConfig{
			Secret:   os.Getenv("JWT_SECRET"),
			TTL:      getEnvDuration("JWT_TTL", 24*time.Hour),
			GuestTTL: getEnvDuration("GUEST_SESSION_TTL", 12*time.Hour),
		},
		Log: logger.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			OutputPath: getEnv("LOG_FILE", ""),
			MaxSize:    getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAge:     getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Session: SessionConfig{
			ChangeSource:     getEnv("CHANGE_SOURCE", SourceMemory),
			PollInterval:     getEnvDuration("POLL_INTERVAL", 3*time.Second),
			SyncTimeout:      getEnvDuration("SYNC_TIMEOUT", 10*time.Second),
			OrphanTTL:        getEnvDuration("ORPHAN_TTL", 30*time.Second),
			TickInterval:     getEnvDuration("TICK_INTERVAL", time.Second),
			ResubscribeAfter: getEnvDuration("RESUBSCRIBE_AFTER", 30*time.Second),
			RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			AutoAdvance:      getEnvBool("AUTO_ADVANCE", false),
		},
	}
	cfg.Log.Dev = !cfg.Server.Production()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case database.DriverMySQL, database.DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be %s or %s, got %q", database.DriverMySQL, database.DriverPostgres, c.Database.Driver)
	}
	switch c.Session.ChangeSource {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when CHANGE_SOURCE=kafka")
		}
	case SourcePoll, SourceMemory:
	default:
		return fmt.Errorf("CHANGE_SOURCE must be kafka, poll or memory, got %q", c.Session.ChangeSource)
	}
	if c.Session.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Session.RetryMaxAttempts)
	}
	if c.Server.Production() && c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required in production")
	}
	return nil
}
