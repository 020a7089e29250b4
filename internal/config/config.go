package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	MercadoPago    MercadoPagoConfig
	Polling        PollingConfig
	Reconciliation ReconciliationConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	CheckoutPerMin  int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Schema   string
	// MaxOpenConns also sets the point at which Health reports heavy load.
	MaxOpenConns int
	MaxIdleConns int
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.Schema,
	)
}

// MercadoPagoConfig holds the gateway credentials and the fixed parts of every
// preference. It lives as long as the gateway client built from it.
type MercadoPagoConfig struct {
	BaseURL             string
	AccessToken         string
	PublicKey           string
	AppURL              string
	NotificationURL     string
	StatementDescriptor string
	Currency            string
	Country             string
	MaxInstallments     int
	Sandbox             bool
	RequestTimeout      time.Duration
}

type BackURLs struct {
	Success string
	Failure string
	Pending string
}

// BackURLs returns the provider return addresses rooted at AppURL.
func (m MercadoPagoConfig) BackURLs() BackURLs {
	base := strings.TrimRight(m.AppURL, "/")
	return BackURLs{
		Success: base + "/payment/success",
		Failure: base + "/payment/failure",
		Pending: base + "/payment/pending",
	}
}

type PollingConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

type ReconciliationConfig struct {
	Interval   time.Duration
	StuckAfter time.Duration
	MaxAge     time.Duration
	BatchSize  int
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             getEnv("APP_ENV", "development"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			CheckoutPerMin:  getInt("CHECKOUT_RATE_PER_MIN", 30),
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     os.Getenv("BLUEPRINT_DB_HOST"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			Username: os.Getenv("BLUEPRINT_DB_USERNAME"),
			Password: os.Getenv("BLUEPRINT_DB_PASSWORD"),
			Database: os.Getenv("BLUEPRINT_DB_DATABASE"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

			MaxOpenConns: getInt("BLUEPRINT_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getInt("BLUEPRINT_DB_MAX_IDLE_CONNS", 5),
		},
		MercadoPago: MercadoPagoConfig{
			BaseURL:             getEnv("MP_BASE_URL", "https://api.mercadopago.com"),
			AccessToken:         os.Getenv("MERCADO_PAGO_ACCESS_TOKEN"),
			PublicKey:           os.Getenv("MERCADO_PAGO_PUBLIC_KEY"),
			AppURL:              getEnv("APP_URL", "http://localhost:8080"),
			NotificationURL:     os.Getenv("MP_NOTIFICATION_URL"),
			StatementDescriptor: getEnv("MP_STATEMENT_DESCRIPTOR", "PIZZARIA APP"),
			Currency:            "BRL",
			Country:             "BR",
			MaxInstallments:     12,
			Sandbox:             getBool("MP_SANDBOX", false),
			RequestTimeout:      getDuration("MP_REQUEST_TIMEOUT", 15*time.Second),
		},
		Polling: PollingConfig{
			Interval:    getDuration("POLL_INTERVAL", 5*time.Second),
			MaxAttempts: getInt("POLL_MAX_ATTEMPTS", 10),
		},
		Reconciliation: ReconciliationConfig{
			Interval:   getDuration("RECONCILE_INTERVAL", time.Minute),
			StuckAfter: getDuration("RECONCILE_STUCK_AFTER", 10*time.Minute),
			MaxAge:     getDuration("RECONCILE_MAX_AGE", 24*time.Hour),
			BatchSize:  getInt("RECONCILE_BATCH_SIZE", 50),
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.MercadoPago.AccessToken == "" {
		errs = append(errs, errors.New("MERCADO_PAGO_ACCESS_TOKEN is not set"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Polling.MaxAttempts <= 0 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS must be positive"))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("BLUEPRINT_DB_MAX_OPEN_CONNS must be positive"))
	}
	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, errors.New("BLUEPRINT_DB_MAX_IDLE_CONNS must be between 0 and BLUEPRINT_DB_MAX_OPEN_CONNS"))
	}
	if c.MercadoPago.RequestTimeout <= 0 {
		errs = append(errs, errors.New("MP_REQUEST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
