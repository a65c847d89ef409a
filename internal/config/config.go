package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds every runtime setting of the service.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string
	AdminToken       string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisURL         string
	QueueName        string
	QueueConcurrency int

	Timezone           *time.Location
	BusinessStartHour  int
	BusinessEndHour    int
	MeetingDuration    time.Duration
	MeetingBuffer      time.Duration
	FirstFollowUpAfter time.Duration
	FollowUpInterval   time.Duration
	ManagerTimeout     time.Duration
	ManualInputWindow  time.Duration

	EmailEnabled      bool
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	EmailFromName     string
	EmailFromAddress  string
	EmailWebhookToken string

	WhatsAppEnabled     bool
	WhatsAppStorePath   string
	WhatsAppLogLevel    string
	WhatsAppDailyLimit  int
	WhatsAppHourlyLimit int
	WhatsAppSendRate    float64
	DefaultRegion       string

	TelegramBotToken string
	TelegramChatID   int64

	GoogleCredentialsPath string
	GoogleCalendarID      string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiTimeout time.Duration

	SchedulerInterval     time.Duration
	SchedulerErrorBackoff time.Duration
	DailySummaryAt        string
}

// Load reads configuration from the environment. Callers load .env files beforehand.
func Load() (Config, error) {
	var errs []error

	tzName := getEnv("TIMEZONE", "Europe/Amsterdam")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", tzName, err))
		loc = time.UTC
	}

	cfg := Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "leadflow"),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),
		SQLitePath:     getEnv("SQLITE_PATH", "data/leadflow.db"),

		RedisURL:         getEnv("REDIS_URL", ""),
		QueueName:        getEnv("QUEUE_NAME", "inbound"),
		QueueConcurrency: intEnv("QUEUE_CONCURRENCY", 4, &errs),

		Timezone:           loc,
		BusinessStartHour:  intEnv("BUSINESS_START_HOUR", 9, &errs),
		BusinessEndHour:    intEnv("BUSINESS_END_HOUR", 17, &errs),
		MeetingDuration:    durationEnv("MEETING_DURATION", 30*time.Minute, &errs),
		MeetingBuffer:      durationEnv("MEETING_BUFFER", 15*time.Minute, &errs),
		FirstFollowUpAfter: durationEnv("FIRST_FOLLOW_UP_AFTER", 48*time.Hour, &errs),
		FollowUpInterval:   durationEnv("FOLLOW_UP_INTERVAL", 7*24*time.Hour, &errs),
		ManagerTimeout:     durationEnv("MANAGER_RESPONSE_TIMEOUT", 24*time.Hour, &errs),
		ManualInputWindow:  durationEnv("MANUAL_INPUT_WINDOW", time.Hour, &errs),

		EmailEnabled:      boolEnv("EMAIL_ENABLED", true),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          intEnv("SMTP_PORT", 587, &errs),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		EmailFromName:     getEnv("EMAIL_FROM_NAME", ""),
		EmailFromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
		EmailWebhookToken: getEnv("EMAIL_WEBHOOK_TOKEN", ""),

		WhatsAppEnabled:     boolEnv("WHATSAPP_ENABLED", true),
		WhatsAppStorePath:   getEnv("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:    getEnv("WHATSAPP_LOG_LEVEL", "WARN"),
		WhatsAppDailyLimit:  intEnv("WHATSAPP_DAILY_LIMIT", 200, &errs),
		WhatsAppHourlyLimit: intEnv("WHATSAPP_HOURLY_LIMIT", 20, &errs),
		WhatsAppSendRate:    floatEnv("WHATSAPP_SEND_RATE", 0.2, &errs),
		DefaultRegion:       strings.ToUpper(getEnv("DEFAULT_PHONE_REGION", "NL")),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   int64Env("TELEGRAM_CHAT_ID", 0, &errs),

		GoogleCredentialsPath: getEnv("GOOGLE_CREDENTIALS_PATH", ""),
		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", "primary"),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTimeout: durationEnv("GEMINI_TIMEOUT", 20*time.Second, &errs),

		SchedulerInterval:     durationEnv("SCHEDULER_INTERVAL", 15*time.Minute, &errs),
		SchedulerErrorBackoff: durationEnv("SCHEDULER_ERROR_BACKOFF", time.Minute, &errs),
		DailySummaryAt:        getEnv("DAILY_SUMMARY_AT", "09:00"),
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	if c.BusinessStartHour < 0 || c.BusinessEndHour > 24 || c.BusinessStartHour >= c.BusinessEndHour {
		errs = append(errs, fmt.Errorf("business hours %d-%d are invalid", c.BusinessStartHour, c.BusinessEndHour))
	}
	if c.MeetingDuration <= 0 {
		errs = append(errs, errors.New("MEETING_DURATION must be positive"))
	}
	if c.WhatsAppDailyLimit <= 0 || c.WhatsAppHourlyLimit <= 0 {
		errs = append(errs, errors.New("whatsapp limits must be positive"))
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set"))
	}
	if _, _, err := ParseClock(c.DailySummaryAt); err != nil {
		errs = append(errs, fmt.Errorf("DAILY_SUMMARY_AT: %w", err))
	}
	return errs
}

// EmailConfigured reports whether outbound SMTP settings are present.
func (c Config) EmailConfigured() bool {
	return c.EmailEnabled && c.SMTPHost != "" && c.EmailFromAddress != ""
}

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("parse clock %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func intEnv(key string, fallback int, errs *[]error) int {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func int64Env(key string, fallback int64, errs *[]error) int64 {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64, errs *[]error) float64 {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func durationEnv(key string, fallback time.Duration, errs *[]error) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
