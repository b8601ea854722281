package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/maheshrc27/postflow/internal/models"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type R2 struct {
	AccountID  string `env:"ACCOUNT_ID"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	BucketName string `env:"BUCKET_NAME"`
	// PublicURL is the public bucket base, e.g. https://pub-xxxx.r2.dev
	PublicURL string `env:"PUBLIC_URL"`
}

type Instagram struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	GraphURL     string `env:"GRAPH_URL" envDefault:"https://graph.instagram.com"`
	APIVersion   string `env:"API_VERSION" envDefault:"v21.0"`
	// Video containers are polled until they finish processing.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxPolls     int           `env:"MAX_POLLS" envDefault:"30"`
}

// PollBudget is the longest a publish waits on container processing.
func (i Instagram) PollBudget() time.Duration {
	return i.PollInterval * time.Duration(i.MaxPolls)
}

type Tiktok struct {
	ClientKey    string        `env:"CLIENT_KEY"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	APIURL       string        `env:"API_URL" envDefault:"https://open.tiktokapis.com"`
	PrivacyLevel string        `env:"PRIVACY_LEVEL" envDefault:"PUBLIC_TO_EVERYONE"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	MaxPolls     int           `env:"MAX_POLLS" envDefault:"20"`
}

func (t Tiktok) PollBudget() time.Duration {
	return t.PollInterval * time.Duration(t.MaxPolls)
}

type Google struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	// YoutubePrivacy is the privacyStatus of uploaded videos.
	YoutubePrivacy string `env:"YOUTUBE_PRIVACY" envDefault:"public"`
}

type Scheduler struct {
	Interval    time.Duration `env:"INTERVAL" envDefault:"60s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	MaxAge      time.Duration `env:"MAX_AGE" envDefault:"24h"`
	ClaimLease  time.Duration `env:"CLAIM_LEASE" envDefault:"10m"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"4"`
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"100"`
}

type Config struct {
	Port          string `env:"PORT" envDefault:"3000"`
	FrontendURL   string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	SecretKey     string `env:"SECRET_KEY"`
	CookieName    string `env:"COOKIE_NAME" envDefault:"postflow_session"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	PostgresURI   string `env:"POSTGRES_URI"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	RedisURI      string `env:"REDIS_URI"`

	R2        R2        `envPrefix:"R2_"`
	Instagram Instagram `envPrefix:"INSTAGRAM_"`
	Tiktok    Tiktok    `envPrefix:"TIKTOK_"`
	Google    Google    `envPrefix:"GOOGLE_"`
	Scheduler Scheduler `envPrefix:"SCHEDULER_"`

	// PlatformTimeout bounds each HTTP call to a platform.
	PlatformTimeout time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"30s"`
	// PublishTimeout bounds one publish to one platform, status polling
	// included.
	PublishTimeout       time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"90s"`
	UploadTimeout        time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"60s"`
	MaxUploadSize        int64         `env:"MAX_UPLOAD_SIZE" envDefault:"104857600"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"10m"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "error", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch len(c.SecretKey) {
	case 16, 24, 32:
	default:
		errs = append(errs, errors.New("SECRET_KEY must be 16, 24 or 32 bytes"))
	}

	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.PostgresURI == "" {
			errs = append(errs, errors.New("POSTGRES_URI is required for the postgres storage driver"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}
	if c.PlatformTimeout <= 0 || c.PlatformTimeout >= c.Scheduler.Interval {
		errs = append(errs, errors.New("PLATFORM_TIMEOUT must be positive and shorter than SCHEDULER_INTERVAL"))
	}
	if c.Scheduler.MaxAttempts <= 0 {
		errs = append(errs, errors.New("SCHEDULER_MAX_ATTEMPTS must be positive"))
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("SCHEDULER_CONCURRENCY must be positive"))
	}
	if c.PublishTimeout <= c.PlatformTimeout {
		errs = append(errs, errors.New("PUBLISH_TIMEOUT must exceed PLATFORM_TIMEOUT"))
	}
	if c.PublishTimeout <= c.Instagram.PollBudget() {
		errs = append(errs, fmt.Errorf("PUBLISH_TIMEOUT must exceed the instagram poll budget (%s)", c.Instagram.PollBudget()))
	}
	if c.PublishTimeout <= c.Tiktok.PollBudget() {
		errs = append(errs, fmt.Errorf("PUBLISH_TIMEOUT must exceed the tiktok poll budget (%s)", c.Tiktok.PollBudget()))
	}
	// A post is published to its platforms one after another under one claim.
	if dispatch := c.PublishTimeout * time.Duration(len(models.KnownPlatforms())); c.Scheduler.ClaimLease <= dispatch {
		errs = append(errs, fmt.Errorf("SCHEDULER_CLAIM_LEASE must exceed PUBLISH_TIMEOUT for every platform (%s)", dispatch))
	}
	if c.UploadTimeout <= 0 {
		errs = append(errs, errors.New("UPLOAD_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}
