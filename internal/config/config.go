package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api and worker
// processes. All values must come from env (or env-file loaded at
// startup). No business logic should depend on raw environment
// variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Twilio TwilioConfig
	Worker WorkerConfig
	Recon  ReconConfig
}

type AppConfig struct {
	Env  string
	Port int

	// InternalNumbers is the comma-separated set of numbers owned by
	// this deployment, used for direction derivation.
	InternalNumbers []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int

	// Channel is the Pub/Sub channel for change notifications.
	Channel string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// BaseURL is overridable for tests and regional endpoints.
	BaseURL string
}

type WorkerConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	StaleInterval time.Duration
}

type ReconConfig struct {
	HotInterval  time.Duration
	WarmInterval time.Duration

	HotWindow  time.Duration
	WarmWindow time.Duration

	StaleThreshold time.Duration
	FreezeCooldown time.Duration

	RateDelay       time.Duration
	BatchLimit      int
	ColdPageCeiling int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.InternalNumbers = splitList(os.Getenv("INTERNAL_NUMBERS"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Channel = strings.TrimSpace(os.Getenv("REDIS_CHANGE_CHANNEL"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.BaseURL = strings.TrimSpace(os.Getenv("TWILIO_BASE_URL"))

	// Worker/recon tuning is optional; defaults applied in Validate().
	c.Worker.BatchSize = optInt("WORKER_BATCH_SIZE")
	c.Worker.PollInterval = mustDuration("WORKER_POLL_INTERVAL")
	c.Worker.StaleInterval = mustDuration("WORKER_STALE_INTERVAL")

	c.Recon.HotInterval = mustDuration("RECON_HOT_INTERVAL")
	c.Recon.WarmInterval = mustDuration("RECON_WARM_INTERVAL")
	c.Recon.HotWindow = mustDuration("RECON_HOT_WINDOW")
	c.Recon.WarmWindow = mustDuration("RECON_WARM_WINDOW")
	c.Recon.StaleThreshold = mustDuration("RECON_STALE_THRESHOLD")
	c.Recon.FreezeCooldown = mustDuration("RECON_FREEZE_COOLDOWN")
	c.Recon.RateDelay = mustDuration("RECON_RATE_DELAY")
	c.Recon.BatchLimit = optInt("RECON_BATCH_LIMIT")
	c.Recon.ColdPageCeiling = optInt("RECON_COLD_PAGE_CEILING")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}

	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 25
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.StaleInterval <= 0 {
		c.Worker.StaleInterval = 5 * time.Minute
	}

	if c.Recon.HotInterval <= 0 {
		c.Recon.HotInterval = time.Minute
	}
	if c.Recon.WarmInterval <= 0 {
		c.Recon.WarmInterval = 15 * time.Minute
	}
	if c.Recon.HotWindow <= 0 {
		c.Recon.HotWindow = 24 * time.Hour
	}
	if c.Recon.WarmWindow <= 0 {
		c.Recon.WarmWindow = 6 * time.Hour
	}
	if c.Recon.StaleThreshold <= 0 {
		c.Recon.StaleThreshold = 10 * time.Minute
	}
	if c.Recon.FreezeCooldown <= 0 {
		c.Recon.FreezeCooldown = 6 * time.Hour
	}
	if c.Recon.RateDelay <= 0 {
		c.Recon.RateDelay = 250 * time.Millisecond
	}
	if c.Recon.BatchLimit <= 0 {
		c.Recon.BatchLimit = 100
	}
	if c.Recon.ColdPageCeiling <= 0 {
		c.Recon.ColdPageCeiling = 50
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
