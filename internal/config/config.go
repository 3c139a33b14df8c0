package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Core
	Port      string `env:"PORT" envDefault:"8080"`
	DBPath    string `env:"DB_PATH" envDefault:"starstore.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	BaseURL   string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// E-mail (Postmark); disabled when the token is empty
	PostmarkToken  string   `env:"POSTMARK_TOKEN"`
	FromEmail      string   `env:"FROM_EMAIL"`
	ApproverEmails []string `env:"APPROVER_EMAILS" envSeparator:","`

	// Object storage; local disk when the bucket is empty
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	UploadDir   string `env:"UPLOAD_DIR" envDefault:"uploads"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"5242880"`

	// Audit archives; disabled when the passphrase is empty
	ArchivePassphrase string        `env:"ARCHIVE_PASSPHRASE"`
	ArchiveInterval   time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"24h"`
	ArchiveRetention  time.Duration `env:"ARCHIVE_RETENTION" envDefault:"720h"`

	// WebSocket origins allowed to connect cross-origin
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// First admin, created only when the database has no users
	BootstrapAdminEmail    string `env:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string `env:"BOOTSTRAP_ADMIN_PASSWORD"`
}

const envPrefix = "STARSTORE_"

// Load parses the configuration from STARSTORE_* environment variables.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: envPrefix})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%sLOG_FORMAT must be text or json", envPrefix)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%sMAX_UPLOAD_BYTES must be positive", envPrefix)
	}
	if c.ArchivePassphrase != "" && c.ArchiveInterval < time.Minute {
		return fmt.Errorf("%sARCHIVE_INTERVAL must be at least 1m", envPrefix)
	}
	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		return fmt.Errorf("%sBOOTSTRAP_ADMIN_EMAIL and %sBOOTSTRAP_ADMIN_PASSWORD must be set together", envPrefix, envPrefix)
	}
	return nil
}

// EmailEnabled reports whether outgoing e-mail is configured.
func (c *Config) EmailEnabled() bool {
	return c.PostmarkToken != ""
}

// S3Enabled reports whether objects go to S3 instead of local disk.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

func (c *Config) ArchivesEnabled() bool {
	return c.ArchivePassphrase != ""
}
