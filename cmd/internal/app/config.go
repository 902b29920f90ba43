package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTP        HTTPConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	S3          S3Config
	Attachments AttachmentConfig
	Chat        ChatConfig
	Delivery    DeliveryConfig
	WS          WSConfig
	Identity    IdentityConfig
	CORS        CORSConfig
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr              string        `env:"MARKETCHAT_HTTP_ADDR" env-default:"0.0.0.0:8080"`
	ReadHeaderTimeout time.Duration `env:"MARKETCHAT_HTTP_READ_HEADER_TIMEOUT" env-default:"5s"`
	ReadTimeout       time.Duration `env:"MARKETCHAT_HTTP_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout      time.Duration `env:"MARKETCHAT_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout       time.Duration `env:"MARKETCHAT_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxHeaderBytes    int           `env:"MARKETCHAT_HTTP_MAX_HEADER_BYTES" env-default:"1048576"`
	ShutdownTimeout   time.Duration `env:"MARKETCHAT_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes      int64         `env:"MARKETCHAT_HTTP_MAX_BODY_BYTES" env-default:"65536"`
}

// LogConfig selects the log level and format (json or pretty).
type LogConfig struct {
	Level  string `env:"MARKETCHAT_LOG_LEVEL" env-default:"info"`
	Format string `env:"MARKETCHAT_LOG_FORMAT" env-default:"json"`
	Color  bool   `env:"MARKETCHAT_LOG_COLOR" env-default:"false"`
}

// DatabaseConfig configures Postgres. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL         string `env:"MARKETCHAT_DATABASE_URL"`
	Schema      string `env:"MARKETCHAT_DB_SCHEMA" env-default:"marketchat"`
	MaxConns    int32  `env:"MARKETCHAT_DB_MAX_CONNS" env-default:"10"`
	MinConns    int32  `env:"MARKETCHAT_DB_MIN_CONNS" env-default:"0"`
	AutoMigrate bool   `env:"MARKETCHAT_DB_AUTO_MIGRATE" env-default:"false"`

	// If true, /readyz returns 503 unless a database is configured and reachable.
	RequireForReadiness bool `env:"MARKETCHAT_READINESS_REQUIRE_DB" env-default:"false"`
}

// RedisConfig enables the cross-process delivery relay when URL is set.
type RedisConfig struct {
	URL            string        `env:"MARKETCHAT_REDIS_URL"`
	Channel        string        `env:"MARKETCHAT_REDIS_CHANNEL" env-default:"marketchat:messages"`
	OutboxSize     int           `env:"MARKETCHAT_REDIS_OUTBOX" env-default:"1024"`
	PublishTimeout time.Duration `env:"MARKETCHAT_REDIS_PUBLISH_TIMEOUT" env-default:"2s"`
}

// S3Config holds S3/MinIO attachment storage settings.
type S3Config struct {
	Endpoint        string `env:"MARKETCHAT_S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `env:"MARKETCHAT_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"MARKETCHAT_S3_SECRET_ACCESS_KEY"`
	Bucket          string `env:"MARKETCHAT_S3_BUCKET" env-default:"attachments"`
	Region          string `env:"MARKETCHAT_S3_REGION" env-default:"us-east-1"`
	PublicURL       string `env:"MARKETCHAT_S3_PUBLIC_URL" env-default:"http://localhost:9000/attachments"`
}

// AttachmentConfig bounds uploads and selects the blob backend (memory or s3).
type AttachmentConfig struct {
	Backend      string        `env:"MARKETCHAT_ATTACHMENT_BACKEND" env-default:"memory"`
	MaxBytes     int64         `env:"MARKETCHAT_ATTACHMENT_MAX_BYTES" env-default:"5242880"`
	AllowedTypes []string      `env:"MARKETCHAT_ATTACHMENT_ALLOWED_TYPES" env-separator:","`
	Timeout      time.Duration `env:"MARKETCHAT_ATTACHMENT_TIMEOUT" env-default:"15s"`
	MemoryURL    string        `env:"MARKETCHAT_ATTACHMENT_MEMORY_URL" env-default:"memory://attachments"`
}

// ChatConfig tunes catch-up pages and timeouts.
type ChatConfig struct {
	PageLimit      int           `env:"MARKETCHAT_PAGE_LIMIT" env-default:"500"`
	MaxPageLimit   int           `env:"MARKETCHAT_MAX_PAGE_LIMIT" env-default:"1000"`
	CatchUpTimeout time.Duration `env:"MARKETCHAT_CATCHUP_TIMEOUT" env-default:"10s"`
}

// DeliveryConfig sizes the per-subscription push queues.
type DeliveryConfig struct {
	QueueSize int `env:"MARKETCHAT_DELIVERY_QUEUE" env-default:"64"`
}

// WSConfig mirrors realtime.GatewayConfig.
type WSConfig struct {
	DevInsecure       bool          `env:"MARKETCHAT_WS_DEV_INSECURE" env-default:"false"`
	OriginRequired    bool          `env:"MARKETCHAT_WS_ORIGIN_REQUIRED" env-default:"true"`
	AllowedOrigins    []string      `env:"MARKETCHAT_WS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost,http://127.0.0.1"`
	MaxFrameBytes     int64         `env:"MARKETCHAT_WS_MAX_FRAME_BYTES" env-default:"65536"`
	SendQueueSize     int           `env:"MARKETCHAT_WS_SEND_QUEUE" env-default:"256"`
	WriteTimeout      time.Duration `env:"MARKETCHAT_WS_WRITE_TIMEOUT" env-default:"5s"`
	ReadIdleTimeout   time.Duration `env:"MARKETCHAT_WS_READ_IDLE_TIMEOUT" env-default:"2m"`
	RequestTimeout    time.Duration `env:"MARKETCHAT_WS_REQUEST_TIMEOUT" env-default:"10s"`
	HeartbeatInterval time.Duration `env:"MARKETCHAT_WS_HEARTBEAT_INTERVAL" env-default:"25s"`
	HeartbeatTimeout  time.Duration `env:"MARKETCHAT_WS_HEARTBEAT_TIMEOUT" env-default:"5s"`
	RateEvents        int           `env:"MARKETCHAT_WS_RATE_EVENTS" env-default:"120"`
	RateWindow        time.Duration `env:"MARKETCHAT_WS_RATE_WINDOW" env-default:"10s"`
}

// IdentityConfig names the header carrying the verified participant id.
type IdentityConfig struct {
	Header string `env:"MARKETCHAT_IDENTITY_HEADER" env-default:"X-Participant-ID"`
}

// CORSConfig controls browser access to the REST API. An empty allow-list disables CORS.
type CORSConfig struct {
	AllowedOrigins   []string `env:"MARKETCHAT_CORS_ALLOWED_ORIGINS" env-separator:","`
	AllowCredentials bool     `env:"MARKETCHAT_CORS_ALLOW_CREDENTIALS" env-default:"false"`
	MaxAgeSeconds    int      `env:"MARKETCHAT_CORS_MAX_AGE" env-default:"600"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (Config, error) {
	// .env is a development convenience; its absence is fine.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("MARKETCHAT_HTTP_ADDR is empty"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("MARKETCHAT_LOG_FORMAT: unknown format %q", c.Log.Format))
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		errs = append(errs, errors.New("MARKETCHAT_DB_MIN_CONNS exceeds MARKETCHAT_DB_MAX_CONNS"))
	}
	switch strings.ToLower(c.Attachments.Backend) {
	case "memory":
	case "s3":
		if strings.TrimSpace(c.S3.Bucket) == "" {
			errs = append(errs, errors.New("MARKETCHAT_S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("MARKETCHAT_ATTACHMENT_BACKEND: unknown backend %q", c.Attachments.Backend))
	}
	if c.Attachments.MaxBytes <= 0 {
		errs = append(errs, errors.New("MARKETCHAT_ATTACHMENT_MAX_BYTES must be positive"))
	}
	if c.Chat.PageLimit <= 0 || c.Chat.MaxPageLimit < c.Chat.PageLimit {
		errs = append(errs, errors.New("page limits must satisfy 0 < MARKETCHAT_PAGE_LIMIT <= MARKETCHAT_MAX_PAGE_LIMIT"))
	}
	if c.WS.OriginRequired && len(c.WS.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("MARKETCHAT_WS_ORIGIN_REQUIRED is set but MARKETCHAT_WS_ALLOWED_ORIGINS is empty"))
	}
	if strings.TrimSpace(c.Identity.Header) == "" {
		errs = append(errs, errors.New("MARKETCHAT_IDENTITY_HEADER is empty"))
	}
	return errors.Join(errs...)
}
