package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OrdersEndpoint string
	OSRMEndpoint   string
	FCMEndpoint    string
	FCMKey         string

	DispatchInitialRadiusKm float64
	DispatchRadiusStepKm    float64
	DispatchMaxRadiusKm     float64
	DispatchBatchSize       int
	NotificationTTL         time.Duration
	RejectRetryDelay        time.Duration
	WidenRetryDelay         time.Duration
	SweepInterval           time.Duration
	StaleAfter              time.Duration
	RequestTTL              time.Duration
	DefaultSpeedMps         float64

	LivenessWindow time.Duration
	LivenessSweep  time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-state",

		DispatchInitialRadiusKm: 2,
		DispatchRadiusStepKm:    2,
		DispatchMaxRadiusKm:     10,
		DispatchBatchSize:       3,
		NotificationTTL:         60 * time.Second,
		RejectRetryDelay:        2 * time.Second,
		WidenRetryDelay:         3 * time.Second,
		SweepInterval:           30 * time.Second,
		StaleAfter:              2 * time.Minute,
		RequestTTL:              10 * time.Minute,
		DefaultSpeedMps:         10,

		LivenessWindow: 5 * time.Minute,
		LivenessSweep:  30 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OrdersEndpoint, "ORDERS_ENDPOINT")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")

	setFloatFromEnv(&cfg.DispatchInitialRadiusKm, "DISPATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusStepKm, "DISPATCH_RADIUS_STEP_KM", &errs)
	setFloatFromEnv(&cfg.DispatchMaxRadiusKm, "DISPATCH_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DispatchBatchSize, "DISPATCH_BATCH_SIZE", &errs)
	setDurationFromEnv(&cfg.NotificationTTL, "DISPATCH_NOTIFICATION_TTL", &errs)
	setDurationFromEnv(&cfg.RejectRetryDelay, "DISPATCH_REJECT_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.WidenRetryDelay, "DISPATCH_WIDEN_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "DISPATCH_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "DISPATCH_REQUEST_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DISPATCH_DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.LivenessWindow, "WS_LIVENESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.LivenessSweep, "WS_LIVENESS_SWEEP", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if cfg.DispatchInitialRadiusKm > cfg.DispatchMaxRadiusKm {
		errs = append(errs, fmt.Errorf("DISPATCH_INITIAL_RADIUS_KM must be <= DISPATCH_MAX_RADIUS_KM"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
