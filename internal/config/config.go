package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App             AppConfig
	Server          ServerConfig
	Database        DatabaseConfig
	JWT             JWTConfig
	Log             LogConfig
	Tracing         TracingConfig
	CORS            CORSConfig
	RateLimit       RateLimitConfig
	PharmacyNetwork PharmacyNetworkConfig
	Kafka           KafkaConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Version     string
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host               string
	Port               int
	Name               string
	User               string
	Password           string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	SlowQueryThreshold time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
}

type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	SampleRate  float64
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

type RateLimitConfig struct {
	// Inbound limit per client IP
	RequestsPerSecond float64
	BurstSize         int
}

// PharmacyNetworkConfig describes the external e-prescribing network.
type PharmacyNetworkConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration

	// Outbound pacing, shared by all calls of this process
	RequestsPerSecond float64
	BurstSize         int

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	// "self" checks the new medication alone, "patient" adds the patient's active medications.
	InteractionScope string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	// Upper bound on one publish; transitions wait on it while holding the prescription lock.
	PublishTimeout time.Duration
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	// A missing .env file is fine; the environment wins anyway.
	_ = v.ReadInConfig()

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("APP_NAME"),
			Environment: v.GetString("APP_ENV"),
			Version:     v.GetString("APP_VERSION"),
		},
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetInt("SERVER_PORT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Host:               v.GetString("DB_HOST"),
			Port:               v.GetInt("DB_PORT"),
			Name:               v.GetString("DB_NAME"),
			User:               v.GetString("DB_USER"),
			Password:           v.GetString("DB_PASSWORD"),
			SSLMode:            v.GetString("DB_SSLMODE"),
			MaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime:    v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime:    v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			SlowQueryThreshold: v.GetDuration("DB_SLOW_QUERY_THRESHOLD"),
		},
		JWT: JWTConfig{
			Secret:         v.GetString("JWT_SECRET"),
			AccessTokenTTL: v.GetDuration("JWT_ACCESS_TTL"),
			Issuer:         v.GetString("JWT_ISSUER"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			OutputPath: v.GetString("LOG_OUTPUT"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("TRACING_ENABLED"),
			ServiceName: v.GetString("TRACING_SERVICE_NAME"),
			Endpoint:    v.GetString("OTLP_ENDPOINT"),
			SampleRate:  v.GetFloat64("TRACING_SAMPLE_RATE"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getSlice(v, "CORS_ALLOWED_ORIGINS"),
			AllowedMethods: getSlice(v, "CORS_ALLOWED_METHODS"),
			AllowedHeaders: getSlice(v, "CORS_ALLOWED_HEADERS"),
			MaxAge:         v.GetDuration("CORS_MAX_AGE"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: v.GetFloat64("RATE_LIMIT_RPS"),
			BurstSize:         v.GetInt("RATE_LIMIT_BURST"),
		},
		PharmacyNetwork: PharmacyNetworkConfig{
			BaseURL:            v.GetString("PHARMACY_NETWORK_URL"),
			APIKey:             v.GetString("PHARMACY_NETWORK_API_KEY"),
			Timeout:            v.GetDuration("PHARMACY_NETWORK_TIMEOUT"),
			MaxRetries:         v.GetInt("PHARMACY_NETWORK_MAX_RETRIES"),
			BaseBackoff:        v.GetDuration("PHARMACY_NETWORK_BASE_BACKOFF"),
			RequestsPerSecond:  v.GetFloat64("PHARMACY_NETWORK_RPS"),
			BurstSize:          v.GetInt("PHARMACY_NETWORK_BURST"),
			BreakerMaxFailures: v.GetUint32("PHARMACY_NETWORK_BREAKER_MAX_FAILURES"),
			BreakerOpenTimeout: v.GetDuration("PHARMACY_NETWORK_BREAKER_OPEN_TIMEOUT"),
			InteractionScope:   strings.ToLower(v.GetString("ERX_INTERACTION_SCOPE")),
		},
		Kafka: KafkaConfig{
			Enabled:        v.GetBool("KAFKA_ENABLED"),
			Brokers:        getSlice(v, "KAFKA_BROKERS"),
			Topic:          v.GetString("KAFKA_PRESCRIPTION_TOPIC"),
			PublishTimeout: v.GetDuration("KAFKA_PUBLISH_TIMEOUT"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"APP_NAME":    "medflow-erx",
		"APP_ENV":     "development",
		"APP_VERSION": "0.0.0",

		"SERVER_HOST":             "0.0.0.0",
		"SERVER_PORT":             8080,
		"SERVER_READ_TIMEOUT":     15 * time.Second,
		"SERVER_WRITE_TIMEOUT":    30 * time.Second,
		"SERVER_IDLE_TIMEOUT":     60 * time.Second,
		"SERVER_SHUTDOWN_TIMEOUT": 30 * time.Second,

		"DB_HOST":                 "localhost",
		"DB_PORT":                 5432,
		"DB_NAME":                 "medflow",
		"DB_USER":                 "medflow",
		"DB_PASSWORD":             "",
		"DB_SSLMODE":              "require",
		"DB_MAX_OPEN_CONNS":       25,
		"DB_MAX_IDLE_CONNS":       10,
		"DB_CONN_MAX_LIFETIME":    30 * time.Minute,
		"DB_CONN_MAX_IDLE_TIME":   5 * time.Minute,
		"DB_SLOW_QUERY_THRESHOLD": 200 * time.Millisecond,

		"JWT_SECRET":     "",
		"JWT_ACCESS_TTL": 15 * time.Minute,
		"JWT_ISSUER":     "medflow-api",

		"LOG_LEVEL":  "info",
		"LOG_FORMAT": "json",
		"LOG_OUTPUT": "stdout",

		"TRACING_ENABLED":      false,
		"TRACING_SERVICE_NAME": "medflow-erx",
		"OTLP_ENDPOINT":        "otel-collector:4318",
		"TRACING_SAMPLE_RATE":  0.1,

		"CORS_ALLOWED_ORIGINS": "https://app.medflow.io",
		"CORS_ALLOWED_METHODS": "GET,POST,OPTIONS",
		"CORS_ALLOWED_HEADERS": "Authorization,Content-Type,X-Request-ID",
		"CORS_MAX_AGE":         12 * time.Hour,

		"RATE_LIMIT_RPS":   100.0,
		"RATE_LIMIT_BURST": 200,

		"PHARMACY_NETWORK_URL":                  "",
		"PHARMACY_NETWORK_API_KEY":              "",
		"PHARMACY_NETWORK_TIMEOUT":              5 * time.Second,
		"PHARMACY_NETWORK_MAX_RETRIES":          2,
		"PHARMACY_NETWORK_BASE_BACKOFF":         200 * time.Millisecond,
		"PHARMACY_NETWORK_RPS":                  20.0,
		"PHARMACY_NETWORK_BURST":                40,
		"PHARMACY_NETWORK_BREAKER_MAX_FAILURES": 5,
		"PHARMACY_NETWORK_BREAKER_OPEN_TIMEOUT": 30 * time.Second,
		"ERX_INTERACTION_SCOPE":                 "self",

		"KAFKA_ENABLED":            false,
		"KAFKA_BROKERS":            "localhost:9092",
		"KAFKA_PRESCRIPTION_TOPIC": "clinical.prescriptions.lifecycle",
		"KAFKA_PUBLISH_TIMEOUT":    time.Second,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// validate enforces production security requirements.
func validate(cfg *Config) error {
	var errs []string

	if cfg.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWT.Secret) < 32 && cfg.App.Environment == "production" {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	if cfg.Database.Password == "" && cfg.App.Environment != "development" {
		errs = append(errs, "DB_PASSWORD is required in non-development environments")
	}

	if cfg.Database.SSLMode == "disable" && cfg.App.Environment == "production" {
		errs = append(errs, "DB_SSLMODE=disable is not allowed in production")
	}

	if cfg.PharmacyNetwork.BaseURL == "" {
		errs = append(errs, "PHARMACY_NETWORK_URL is required")
	} else if !strings.HasPrefix(cfg.PharmacyNetwork.BaseURL, "https://") && cfg.App.Environment == "production" {
		errs = append(errs, "PHARMACY_NETWORK_URL must use https in production")
	}

	if cfg.PharmacyNetwork.MaxRetries < 0 {
		errs = append(errs, "PHARMACY_NETWORK_MAX_RETRIES cannot be negative")
	}

	switch cfg.PharmacyNetwork.InteractionScope {
	case "self", "patient":
	default:
		errs = append(errs, `ERX_INTERACTION_SCOPE must be "self" or "patient"`)
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, "KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func getSlice(v *viper.Viper, key string) []string {
	parts := strings.Split(v.GetString(key), ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
