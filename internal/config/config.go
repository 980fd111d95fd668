package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the OTP relay.
type Config struct {
	Environment string
	Server      ServerConfig
	Portal      PortalConfig
	Monitor     MonitorConfig
	Extractor   ExtractorConfig
	History     HistoryConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Telegram    TelegramConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
}

// PortalConfig covers the IVASMS account and request shaping.
type PortalConfig struct {
	BaseURL           string
	Email             string
	Password          string
	Cookies           string // optional "k=v; k2=v2" for cookie replay
	BrowserLoginURL   string // optional external browser-login service
	LiveFeed          bool   // also read /portal/live/my_sms after the tree walk
	RequestTimeout    time.Duration
	RefreshInterval   time.Duration
	RevalidateAfter   time.Duration
	MessageFetchDelay time.Duration
	JitterMin         time.Duration
	JitterMax         time.Duration
	UserAgent         string
}

type MonitorConfig struct {
	PollInterval     time.Duration
	FailureBackoff   time.Duration
	FailureThreshold int
}

type ExtractorConfig struct {
	JoinSeparated bool
}

type HistoryConfig struct {
	Backend string // "file" or "redis"
	File    string
}

type RedisConfig struct {
	URL            string
	Password       string
	DB             int
	PoolSize       int
	HistoryBuckets int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type TelegramConfig struct {
	BotToken    string
	GroupID     string
	APIBaseURL  string
	Timeout     time.Duration
	ChannelLink string
	DevLink     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// ConfigError reports mandatory settings that are missing or invalid.
// It is fatal: the monitor must not start.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required env vars: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid values: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds and validates the config from the process environment only.
func FromEnv() (*Config, error) {
	refresh := getDuration("SESSION_REFRESH_INTERVAL", 75*time.Minute)

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getInt("PORT", 5000),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getBool("ENABLE_TLS", false),
			AutoCert:     getBool("AUTO_CERT", false),
			Domain:       getEnv("DOMAIN", ""),
			Email:        getEnv("TLS_EMAIL", ""),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
		},
		Portal: PortalConfig{
			BaseURL:           strings.TrimRight(getEnv("IVASMS_BASE_URL", "https://www.ivasms.com"), "/"),
			Email:             getEnv("IVASMS_EMAIL", ""),
			Password:          getEnv("IVASMS_PASSWORD", ""),
			Cookies:           getEnv("IVASMS_COOKIES", ""),
			BrowserLoginURL:   getEnv("BROWSER_LOGIN_URL", ""),
			LiveFeed:          getBool("IVASMS_LIVE_FEED", false),
			RequestTimeout:    getDuration("REQUEST_TIMEOUT", 20*time.Second),
			RefreshInterval:   refresh,
			RevalidateAfter:   getDuration("SESSION_REVALIDATE_AFTER", refresh*4/5),
			MessageFetchDelay: getDuration("MESSAGE_FETCH_DELAY", 300*time.Millisecond),
			JitterMin:         getDuration("REQUEST_JITTER_MIN", 500*time.Millisecond),
			JitterMax:         getDuration("REQUEST_JITTER_MAX", 1500*time.Millisecond),
			UserAgent:         getEnv("IVASMS_USER_AGENT", defaultUserAgent),
		},
		Monitor: MonitorConfig{
			PollInterval:     getDuration("POLL_INTERVAL", 10*time.Second),
			FailureBackoff:   getDuration("FAILURE_BACKOFF", 30*time.Second),
			FailureThreshold: getInt("FAILURE_THRESHOLD", 5),
		},
		Extractor: ExtractorConfig{
			JoinSeparated: getBool("OTP_JOIN_SEPARATED", true),
		},
		History: HistoryConfig{
			Backend: strings.ToLower(getEnv("HISTORY_BACKEND", "file")),
			File:    getEnv("HISTORY_FILE", "otp_history.json"),
		},
		Redis: RedisConfig{
			URL:            getEnv("REDIS_URL", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getInt("REDIS_DB", 0),
			PoolSize:       getInt("REDIS_POOL_SIZE", 10),
			HistoryBuckets: getInt("REDIS_HISTORY_BUCKETS", 16),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "otp-events"),
		},
		Telegram: TelegramConfig{
			BotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
			GroupID:     getEnv("TELEGRAM_GROUP_ID", ""),
			APIBaseURL:  strings.TrimRight(getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"), "/"),
			Timeout:     getDuration("TELEGRAM_TIMEOUT", 15*time.Second),
			ChannelLink: getEnv("CHANNEL_LINK", "https://t.me/yourchannel"),
			DevLink:     getEnv("DEV_LINK", "https://t.me/yourdev"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks mandatory fields and value ranges.
func (c *Config) Validate() error {
	cfgErr := &ConfigError{}

	required := []struct {
		key   string
		value string
	}{
		{"TELEGRAM_BOT_TOKEN", c.Telegram.BotToken},
		{"TELEGRAM_GROUP_ID", c.Telegram.GroupID},
		{"IVASMS_EMAIL", c.Portal.Email},
		{"IVASMS_PASSWORD", c.Portal.Password},
	}
	for _, r := range required {
		if r.value == "" {
			cfgErr.Missing = append(cfgErr.Missing, r.key)
		}
	}

	if c.Monitor.PollInterval <= 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "POLL_INTERVAL")
	}
	if c.Monitor.FailureBackoff <= 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "FAILURE_BACKOFF")
	}
	if c.Monitor.FailureThreshold <= 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "FAILURE_THRESHOLD")
	}
	if c.Portal.RequestTimeout <= 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "REQUEST_TIMEOUT")
	}
	if c.Portal.RevalidateAfter <= 0 || c.Portal.RevalidateAfter > c.Portal.RefreshInterval {
		cfgErr.Invalid = append(cfgErr.Invalid, "SESSION_REVALIDATE_AFTER")
	}
	if c.Portal.JitterMax < c.Portal.JitterMin {
		cfgErr.Invalid = append(cfgErr.Invalid, "REQUEST_JITTER_MAX")
	}
	switch c.History.Backend {
	case "file":
		if c.History.File == "" {
			cfgErr.Missing = append(cfgErr.Missing, "HISTORY_FILE")
		}
	case "redis":
		if c.Redis.URL == "" {
			cfgErr.Missing = append(cfgErr.Missing, "REDIS_URL")
		}
		if c.Redis.HistoryBuckets <= 0 {
			cfgErr.Invalid = append(cfgErr.Invalid, "REDIS_HISTORY_BUCKETS")
		}
	default:
		cfgErr.Invalid = append(cfgErr.Invalid, "HISTORY_BACKEND")
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		cfgErr.Missing = append(cfgErr.Missing, "DOMAIN")
	}

	if len(cfgErr.Missing) > 0 || len(cfgErr.Invalid) > 0 {
		return cfgErr
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the listen address for the status server.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// KafkaEnabled reports whether a Kafka sink should be wired.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != ""
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
