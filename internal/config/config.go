package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// StoreBackend is memory, mongo or postgres; GeoBackend is memory or redis.
	StoreBackend string
	GeoBackend   string
	OpTimeout    time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	RedisLedgerPrefix string

	MongoURI      string
	MongoDatabase string
	PGDSN         string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL      string
	AMQPExchange string

	JWTSecret string
	JWTIssuer string

	RideTTL           time.Duration
	DistanceTolerance float64
	SearchRadiiKm     []float64
	SearchRetryDelay  time.Duration
	SearchMaxAttempts int
	SearchWorkers     int
	SearchQueueSize   int

	SweepInterval time.Duration
	SweepBatch    int
	StaleAfter    time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int
	OSRMURL         string
	ETACacheTTL     time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		StoreBackend:      BackendMemory,
		GeoBackend:        BackendMemory,
		OpTimeout:         2 * time.Second,
		RedisGeoKey:       "drivers_geo",
		RedisLedgerPrefix: "ride:offers:",
		MongoDatabase:     "ride_dispatch",
		KafkaTopic:        "driver-locations",
		AMQPExchange:      "notifications",
		JWTIssuer:         "ride-dispatch",
		RideTTL:           2 * time.Minute,
		DistanceTolerance: 1.2,
		SearchRadiiKm:     []float64{5, 10, 20},
		SearchRetryDelay:  5 * time.Second,
		SearchMaxAttempts: 20,
		SearchWorkers:     4,
		SearchQueueSize:   1024,
		SweepInterval:     10 * time.Second,
		SweepBatch:        50,
		StaleAfter:        30 * time.Second,
		DefaultSpeedMps:   10,
		MatcherTopN:       8,
		ETACacheTTL:       time.Minute,
		LogLevel:          "info",
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

	setLowerFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	setLowerFromEnv(&cfg.GeoBackend, "GEO_BACKEND")
	setDurationFromEnv(&cfg.OpTimeout, "OP_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisLedgerPrefix, "REDIS_LEDGER_PREFIX")

	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")
	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setDurationFromEnv(&cfg.RideTTL, "RIDE_TTL", &errs)
	setFloatFromEnv(&cfg.DistanceTolerance, "DISTANCE_TOLERANCE", &errs)
	setFloatsFromEnv(&cfg.SearchRadiiKm, "SEARCH_RADII_KM", &errs)
	setDurationFromEnv(&cfg.SearchRetryDelay, "SEARCH_RETRY_DELAY", &errs)
	setIntFromEnv(&cfg.SearchMaxAttempts, "SEARCH_MAX_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.SearchWorkers, "SEARCH_WORKERS", &errs)
	setIntFromEnv(&cfg.SearchQueueSize, "SEARCH_QUEUE_SIZE", &errs)

	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.SweepBatch, "SWEEP_BATCH", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "DRIVER_STALE_AFTER", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.Validate()...)
	return cfg, errors.Join(errs...)
}

// Validate checks ranges and that every selected backend has its connection
// setting. Missing dependencies come back as *models.FatalConfigError.
func (c ServerConfig) Validate() []error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.RideTTL <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_TTL must be > 0"))
	}
	if c.DistanceTolerance < 1 {
		errs = append(errs, fmt.Errorf("DISTANCE_TOLERANCE must be >= 1"))
	}
	if len(c.SearchRadiiKm) == 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADII_KM must not be empty"))
	}
	for i, r := range c.SearchRadiiKm {
		if r <= 0 || (i > 0 && r <= c.SearchRadiiKm[i-1]) {
			errs = append(errs, fmt.Errorf("SEARCH_RADII_KM must be positive and increasing"))
			break
		}
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_BATCH must be > 0"))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, &models.FatalConfigError{Dependency: "mongo", Err: errors.New("MONGO_URI is required for STORE_BACKEND=mongo")})
		}
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, &models.FatalConfigError{Dependency: "postgres", Err: errors.New("PG_DSN is required for STORE_BACKEND=postgres")})
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.GeoBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, &models.FatalConfigError{Dependency: "redis", Err: errors.New("REDIS_ADDR is required for GEO_BACKEND=redis")})
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GEO_BACKEND %q", c.GeoBackend))
	}

	if c.JWTSecret == "" {
		errs = append(errs, &models.FatalConfigError{Dependency: "auth", Err: errors.New("JWT_SECRET is required")})
	}
	return errs
}

// ConsumerConfig configures the location history consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	MongoURI      string
	MongoDatabase string
	OpTimeout     time.Duration
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-history",
		MongoDatabase: "ride_dispatch",
		OpTimeout:     2 * time.Second,
		Attempts:      3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")
	setDurationFromEnv(&cfg.OpTimeout, "OP_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Attempts, "SINK_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "SINK_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.MongoURI == "" {
		errs = append(errs, &models.FatalConfigError{Dependency: "mongo", Err: errors.New("MONGO_URI is required")})
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

func setFloatsFromEnv(target *[]float64, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []float64
	for _, part := range splitAndTrim(v) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, f)
	}
	*target = out
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

func setLowerFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = strings.ToLower(v)
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
