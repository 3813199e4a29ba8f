// Package config reads service settings from the environment, an optional
// .env file and an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"

	UploadCloudinary = "cloudinary"
	UploadS3         = "s3"
	UploadNone       = "none"
)

type Config struct {
	Port     string
	GinMode  string
	LogLevel string

	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	JWTSecret string
	TokenTTL  time.Duration

	CORSOrigins []string

	UploadProvider  string
	CloudinaryURL   string
	S3Bucket        string
	AWSRegion       string
	S3PublicBaseURL string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	SignupBonus        int
	ListingBonus       int
	AutoApproveItems   bool
	AdminEmails        []string
	RateLimitPerMinute int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "debug")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StoreMongo)
	v.SetDefault("MONGODB_DATABASE", "rewear")
	v.SetDefault("SQLITE_PATH", "rewear.db")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("UPLOAD_PROVIDER", UploadCloudinary)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("VAPID_SUBJECT", "mailto:admin@rewear.app")
	v.SetDefault("SIGNUP_BONUS", 100)
	v.SetDefault("LISTING_BONUS", 10)
	v.SetDefault("AUTO_APPROVE_ITEMS", false)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
}

// Load reads the settings with Read and validates them.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads .env (when present) into the process environment and builds
// the Config from it and an optional config.yaml, without validating.
func Read() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return parse(v)
}

// FromViper builds and validates a Config from v, with environment
// variables taking precedence over anything v already holds.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg, err := parse(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	ttl, err := time.ParseDuration(v.GetString("TOKEN_TTL"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_TTL: %w", err)
	}

	cfg := &Config{
		Port:     v.GetString("PORT"),
		GinMode:  v.GetString("GIN_MODE"),
		LogLevel: v.GetString("LOG_LEVEL"),

		StoreDriver:   strings.ToLower(v.GetString("STORE_DRIVER")),
		MongoURI:      v.GetString("MONGODB_URI"),
		MongoDatabase: v.GetString("MONGODB_DATABASE"),
		SQLitePath:    v.GetString("SQLITE_PATH"),

		JWTSecret: v.GetString("JWT_SECRET"),
		TokenTTL:  ttl,

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		UploadProvider:  strings.ToLower(v.GetString("UPLOAD_PROVIDER")),
		CloudinaryURL:   v.GetString("CLOUDINARY_URL"),
		S3Bucket:        v.GetString("S3_BUCKET"),
		AWSRegion:       v.GetString("AWS_REGION"),
		S3PublicBaseURL: v.GetString("S3_PUBLIC_BASE_URL"),

		VAPIDPublicKey:  v.GetString("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: v.GetString("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    v.GetString("VAPID_SUBJECT"),

		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  v.GetString("GOOGLE_REDIRECT_URL"),

		SignupBonus:        v.GetInt("SIGNUP_BONUS"),
		ListingBonus:       v.GetInt("LISTING_BONUS"),
		AutoApproveItems:   v.GetBool("AUTO_APPROVE_ITEMS"),
		AdminEmails:        splitList(strings.ToLower(v.GetString("ADMIN_EMAILS"))),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI must be set when STORE_DRIVER=mongo")
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.UploadProvider {
	case UploadCloudinary, UploadS3, UploadNone:
	default:
		return fmt.Errorf("unknown UPLOAD_PROVIDER %q", c.UploadProvider)
	}
	if c.UploadProvider == UploadS3 && c.S3Bucket == "" {
		return errors.New("S3_BUCKET must be set when UPLOAD_PROVIDER=s3")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if c.SignupBonus < 0 || c.ListingBonus < 0 {
		return errors.New("bonuses cannot be negative")
	}
	return nil
}

func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, admin := range c.AdminEmails {
		if admin == email {
			return true
		}
	}
	return false
}

func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) Release() bool {
	return c.GinMode == "release"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
