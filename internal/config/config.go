package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName string `yaml:"app_name"`
	Env     string `yaml:"env"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	StoreDriver string   `yaml:"store_driver"`
	Postgres    Postgres `yaml:"postgres"`
	SQLitePath  string   `yaml:"sqlite_path"`
	PGListen    bool     `yaml:"pg_listen"`

	JWTSecret            string   `yaml:"jwt_secret"`
	AccessTokenMinutes   int      `yaml:"access_token_minutes"`
	EncryptKey           string   `yaml:"encryption_key"`
	EncryptionLegacyKeys []string `yaml:"encryption_legacy_keys"`

	UploadDir     string   `yaml:"upload_dir"`
	PublicBaseURL string   `yaml:"public_base_url"`
	CORSOrigins   []string `yaml:"cors_origins"`

	NATSURL   string `yaml:"nats_url"`
	RedisAddr string `yaml:"redis_addr"`

	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubject    string `yaml:"vapid_subject"`
	PushTTLSeconds  int    `yaml:"push_ttl_seconds"`

	RefreshDebounce            time.Duration `yaml:"refresh_debounce"`
	SummaryStaleAfter          time.Duration `yaml:"summary_stale_after"`
	PresenceTTL                time.Duration `yaml:"presence_ttl"`
	SendRatePerSecond          int           `yaml:"send_rate_per_second"`
	MaxMessagesPerConversation int           `yaml:"max_messages_per_conversation"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Debug     bool   `yaml:"debug"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
}

// DSN renders the Postgres connection URL.
func (p Postgres) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%s", p.Host, p.Port),
		Path:     p.DB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Defaults returns the configuration used when neither file nor env set a key.
func Defaults() *Config {
	return &Config{
		AppName:     "plantchat",
		Env:         "development",
		Host:        "0.0.0.0",
		Port:        8000,
		StoreDriver: "postgres",
		Postgres: Postgres{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			DB:       "plantchat",
		},
		SQLitePath:                 "plantchat.db",
		PGListen:                   true,
		AccessTokenMinutes:         60 * 24,
		UploadDir:                  "uploads",
		CORSOrigins:                []string{"http://localhost:3000", "http://localhost:5173"},
		VAPIDSubject:               "mailto:ops@plantchat.local",
		PushTTLSeconds:             24 * 60 * 60,
		RefreshDebounce:            250 * time.Millisecond,
		SummaryStaleAfter:          3 * time.Minute,
		PresenceTTL:                45 * time.Second,
		SendRatePerSecond:          5,
		MaxMessagesPerConversation: 500,
		LogLevel:                   "info",
		LogFormat:                  "text",
		Debug:                      false,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.AppName = getEnv("APP_NAME", c.AppName)
	c.Env = getEnv("APP_ENV", c.Env)
	c.Host = getEnv("HTTP_HOST", c.Host)
	c.Port = getEnvAsInt("HTTP_PORT", c.Port)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.Postgres.Host = getEnv("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnv("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = getEnv("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.DB = getEnv("POSTGRES_DB", c.Postgres.DB)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.PGListen = getEnvAsBool("PG_LISTEN", c.PGListen)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.AccessTokenMinutes = getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", c.AccessTokenMinutes)
	c.EncryptKey = getEnv("ENCRYPTION_KEY", c.EncryptKey)
	c.EncryptionLegacyKeys = getEnvAsList("ENCRYPTION_LEGACY_KEYS", c.EncryptionLegacyKeys)

	c.UploadDir = getEnv("UPLOAD_DIR", c.UploadDir)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.CORSOrigins = getEnvAsList("CORS_ORIGINS", c.CORSOrigins)

	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)

	c.VAPIDPublicKey = getEnv("VAPID_PUBLIC_KEY", c.VAPIDPublicKey)
	c.VAPIDPrivateKey = getEnv("VAPID_PRIVATE_KEY", c.VAPIDPrivateKey)
	c.VAPIDSubject = getEnv("VAPID_SUBJECT", c.VAPIDSubject)
	c.PushTTLSeconds = getEnvAsInt("PUSH_TTL_SECONDS", c.PushTTLSeconds)

	c.RefreshDebounce = getEnvAsDuration("REFRESH_DEBOUNCE", c.RefreshDebounce)
	c.SummaryStaleAfter = getEnvAsDuration("SUMMARY_STALE_AFTER", c.SummaryStaleAfter)
	c.PresenceTTL = getEnvAsDuration("PRESENCE_TTL", c.PresenceTTL)
	c.SendRatePerSecond = getEnvAsInt("SEND_RATE_PER_SECOND", c.SendRatePerSecond)
	c.MaxMessagesPerConversation = getEnvAsInt("MAX_MESSAGES_PER_CONVERSATION", c.MaxMessagesPerConversation)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.Debug = getEnvAsBool("DEBUG", c.Debug)
}

// Validate checks required secrets and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.EncryptKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver))
	}
	if c.RefreshDebounce <= 0 || c.SummaryStaleAfter <= 0 || c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("REFRESH_DEBOUNCE, SUMMARY_STALE_AFTER and PRESENCE_TTL must be positive"))
	}
	if c.SendRatePerSecond <= 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_SECOND must be positive"))
	}
	if c.MaxMessagesPerConversation <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGES_PER_CONVERSATION must be positive"))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
