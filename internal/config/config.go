package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally on in-memory stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	RabbitMQURL      string
	RabbitMQExchange string

	PGDSN         string
	SQLitePath    string
	RunMigrations bool

	SearchRadiusKm float64
	MaxCandidates  int
	OfferTTL       time.Duration

	DefaultSpeedMps float64
	OSRMEndpoint    string
	ETACacheTTL     time.Duration

	PushProvider    string
	ExpoPushURL     string
	ExpoAccessToken string
	FCMEndpoint     string
	FCMKey          string

	StripeAPIKey    string
	CalloutFeeCents int64
	CalloutCurrency string

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "mechanics_geo",
		KafkaLocationTopic: "mechanic-locations",
		KafkaEventsTopic:   "towing-events",
		RabbitMQExchange:   "towing_topic",
		SearchRadiusKm:     50,
		MaxCandidates:      10,
		OfferTTL:           5 * time.Minute,
		DefaultSpeedMps:    11,
		ETACacheTTL:        time.Minute,
		PushProvider:       "log",
		CalloutFeeCents:    150000,
		CalloutCurrency:    "try",
		LogLevel:           "info",
		LogFormat:          "json",
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.RabbitMQURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	setStringFromEnv(&cfg.RabbitMQExchange, "RABBITMQ_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setFloatFromEnv(&cfg.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_ENDPOINT")), "/")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("PUSH_PROVIDER"); v != "" {
		cfg.PushProvider = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.ExpoPushURL, "EXPO_PUSH_URL")
	cfg.ExpoAccessToken = os.Getenv("EXPO_ACCESS_TOKEN")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.CalloutFeeCents, "CALLOUT_FEE_CENTS", &errs)
	if v := os.Getenv("CALLOUT_CURRENCY"); v != "" {
		cfg.CalloutCurrency = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CANDIDATES must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	switch cfg.PushProvider {
	case "expo", "log":
	case "fcm":
		if cfg.FCMEndpoint == "" {
			errs = append(errs, fmt.Errorf("FCM_ENDPOINT is required when PUSH_PROVIDER=fcm"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PUSH_PROVIDER %q", cfg.PushProvider))
	}
	if cfg.StripeAPIKey != "" && cfg.CalloutFeeCents <= 0 {
		errs = append(errs, fmt.Errorf("CALLOUT_FEE_CENTS must be > 0 when STRIPE_API_KEY is set"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the subset read by the location consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	Topic        string
	Group        string
	RedisAddr    string
	RedisGeoKey  string
	LogLevel     string
	LogFormat    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "mechanic-locations",
		Group:        "towing-location-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "mechanics_geo",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
