package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agendasync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
	Google        GoogleConfig        `yaml:"google"`
	CalendarQueue CalendarQueueConfig `yaml:"calendar_queue"`
	Alerts        AlertsConfig        `yaml:"alerts"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type GoogleConfig struct {
	CredentialsFile   string  `yaml:"credentials_file"`
	DefaultCalendarID string  `yaml:"default_calendar_id"`
	TimeZone          string  `yaml:"time_zone"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// ProfessionalCalendars maps professional id to its calendar id.
	ProfessionalCalendars map[string]string `yaml:"professional_calendars"`
}

// CalendarFor picks the professional's calendar, else the default one.
func (g GoogleConfig) CalendarFor(professionalID string) string {
	if id := g.ProfessionalCalendars[professionalID]; id != "" {
		return id
	}
	return g.DefaultCalendarID
}

// CalendarQueueConfig controls the background calendar sync worker.
//
// StaleAfterSeconds is a lease contract: a processing job whose heartbeat is
// older than this is considered orphaned at worker startup. It must exceed
// the longest expected gateway call when several worker processes share the
// database. Zero derives it as twice the poll interval.
type CalendarQueueConfig struct {
	Disabled            bool    `yaml:"disabled"`
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
	MaxIdleSeconds      float64 `yaml:"max_idle_seconds"`
	MaxAttempts         int     `yaml:"max_attempts"`
	RetryDelaySeconds   int     `yaml:"retry_delay_seconds"`
	StaleAfterSeconds   int     `yaml:"stale_after_seconds"`
	HeartbeatSeconds    float64 `yaml:"heartbeat_seconds"`
	StopTimeoutSeconds  int     `yaml:"stop_timeout_seconds"`
}

type AlertsConfig struct {
	TelegramBotToken string  `yaml:"telegram_bot_token"`
	TelegramChatIDs  []int64 `yaml:"telegram_chat_ids"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables may come from the environment directly
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	if err := config.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	q := c.CalendarQueue
	if q.PollIntervalSeconds <= 0 {
		return errors.New("calendar_queue.poll_interval_seconds must be positive")
	}
	if q.MaxAttempts < 1 {
		return errors.New("calendar_queue.max_attempts must be at least 1")
	}
	if q.RetryDelaySeconds < 0 || q.StaleAfterSeconds < 0 {
		return errors.New("calendar_queue delays must not be negative")
	}

	if c.API.Auth.Enabled && c.API.HTTP.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth enabled but no api_keys configured")
	}

	return nil
}

// applyEnvOverrides lets deployments tune the queue without editing YAML.
func (c *Config) applyEnvOverrides() error {
	if v, ok := lookupEnv("CALENDAR_QUEUE_POLL_SECONDS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CALENDAR_QUEUE_POLL_SECONDS: %w", err)
		}
		c.CalendarQueue.PollIntervalSeconds = f
	}
	if v, ok := lookupEnv("CALENDAR_QUEUE_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALENDAR_QUEUE_MAX_ATTEMPTS: %w", err)
		}
		c.CalendarQueue.MaxAttempts = n
	}
	if v, ok := lookupEnv("CALENDAR_QUEUE_RETRY_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALENDAR_QUEUE_RETRY_SECONDS: %w", err)
		}
		c.CalendarQueue.RetryDelaySeconds = n
	}
	if v, ok := lookupEnv("CALENDAR_QUEUE_STALE_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALENDAR_QUEUE_STALE_SECONDS: %w", err)
		}
		c.CalendarQueue.StaleAfterSeconds = n
	}
	if v, ok := lookupEnv("CALENDAR_QUEUE_DISABLED"); ok {
		c.CalendarQueue.Disabled = parseFlag(v)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "agendasync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Google.TimeZone == "" {
		c.Google.TimeZone = "Europe/Madrid"
	}
	if c.Google.TimeoutSeconds == 0 {
		c.Google.TimeoutSeconds = 15
	}

	q := &c.CalendarQueue
	if q.PollIntervalSeconds == 0 {
		q.PollIntervalSeconds = models.DefaultPollIntervalSeconds
	}
	if q.MaxIdleSeconds == 0 {
		q.MaxIdleSeconds = models.MaxIdleBackoffSeconds
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = models.DefaultMaxAttempts
	}
	if q.RetryDelaySeconds == 0 {
		q.RetryDelaySeconds = models.DefaultRetryDelaySeconds
	}
	if q.StopTimeoutSeconds == 0 {
		q.StopTimeoutSeconds = models.DefaultStopTimeoutSeconds
	}
}

// PollInterval returns the base idle wait of the worker.
func (q CalendarQueueConfig) PollInterval() time.Duration {
	return secondsToDuration(q.PollIntervalSeconds)
}

// StaleAfter returns the orphan threshold, derived from the poll interval when unset.
func (q CalendarQueueConfig) StaleAfter() time.Duration {
	if q.StaleAfterSeconds > 0 {
		return time.Duration(q.StaleAfterSeconds) * time.Second
	}
	return 2 * q.PollInterval()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "si", "sí":
		return true
	default:
		return false
	}
}
