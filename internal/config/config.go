package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/example/ride-dispatch/internal/search"
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

	Redis RedisConfig

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGeofenceTopic string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	RunMigrations bool

	Dispatch DispatchConfig
	Geofence GeofenceConfig

	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	GeoKey   string
}

type DispatchConfig struct {
	RadiiKm         []float64
	SearchDelay     time.Duration
	ExpandDelay     time.Duration
	MaxSearchTime   time.Duration
	ResponseTimeout time.Duration
	PoolLimit       int
	PushEndpoint    string
	DefaultSpeedMps float64
	OSRMEndpoint    string
}

type GeofenceConfig struct {
	File          string
	Timezone      string
	Workers       int
	QueueSize     int
	Refresh       time.Duration
	HistoryLimit  int
	MembershipTTL time.Duration
}

// Location resolves the geofence time zone.
func (g GeofenceConfig) Location() (*time.Location, error) {
	return time.LoadLocation(g.Timezone)
}

// ConsumerConfig is the location-ping consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr string

	Redis RedisConfig

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroup         string
	KafkaGeofenceTopic string

	AMQPURL      string
	AMQPExchange string

	PGDSN string

	Geofence GeofenceConfig

	LogLevel string
}

func defaultRedis() RedisConfig { return RedisConfig{GeoKey: "drivers_geo"} }

func defaultGeofence() GeofenceConfig {
	return GeofenceConfig{
		Timezone:      "America/Santo_Domingo",
		Workers:       8,
		QueueSize:     64,
		Refresh:       30 * time.Second,
		HistoryLimit:  500,
		MembershipTTL: 24 * time.Hour,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		Redis:              defaultRedis(),
		KafkaTopic:         "driver-locations",
		KafkaGeofenceTopic: "geofence-events",
		AMQPExchange:       "geofence_topic",
		Dispatch: DispatchConfig{
			RadiiKm:         []float64{1, 2, 3, 5, 8, 12},
			SearchDelay:     2 * time.Second,
			ExpandDelay:     3 * time.Second,
			MaxSearchTime:   2 * time.Minute,
			ResponseTimeout: 15 * time.Second,
			PoolLimit:       20,
			DefaultSpeedMps: 10,
		},
		Geofence: defaultGeofence(),
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

	loadRedis(&cfg.Redis)
	loadKafka(&cfg.KafkaBrokers, &cfg.KafkaTopic, &cfg.KafkaGeofenceTopic)
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	d := &cfg.Dispatch
	if v := os.Getenv("DISPATCH_RADII_KM"); v != "" {
		radii, err := parseRadii(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DISPATCH_RADII_KM: %w", err))
		} else {
			d.RadiiKm = radii
		}
	}
	setDurationFromEnv(&d.SearchDelay, "DISPATCH_SEARCH_DELAY", &errs)
	setDurationFromEnv(&d.ExpandDelay, "DISPATCH_EXPAND_DELAY", &errs)
	setDurationFromEnv(&d.MaxSearchTime, "DISPATCH_MAX_SEARCH_TIME", &errs)
	setDurationFromEnv(&d.ResponseTimeout, "DISPATCH_RESPONSE_TIMEOUT", &errs)
	setIntFromEnv(&d.PoolLimit, "DISPATCH_POOL_LIMIT", &errs)
	setStringFromEnv(&d.PushEndpoint, "DISPATCH_PUSH_ENDPOINT")
	setFloatFromEnv(&d.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&d.OSRMEndpoint, "OSRM_ENDPOINT")

	loadGeofence(&cfg.Geofence, &errs)
	loadLogLevel(&cfg.LogLevel)

	if d.PoolLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_POOL_LIMIT must be > 0"))
	}
	if d.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RESPONSE_TIMEOUT must be > 0"))
	}
	// the consumer evaluates Kafka-routed pings; both processes must read the
	// same geofence membership
	if len(cfg.KafkaBrokers) > 0 && cfg.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required when KAFKA_BROKERS is set"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		Redis:              defaultRedis(),
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaTopic:         "driver-locations",
		KafkaGroup:         "ride-dispatch-consumer",
		KafkaGeofenceTopic: "geofence-events",
		AMQPExchange:       "geofence_topic",
		Geofence:           defaultGeofence(),
		LogLevel:           "info",
	}
	cfg.Redis.Addr = "localhost:6379"
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.Redis.GeoKey, "REDIS_GEO_KEY")
	loadKafka(&cfg.KafkaBrokers, &cfg.KafkaTopic, &cfg.KafkaGeofenceTopic)
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.PGDSN = os.Getenv("PG_DSN")
	loadGeofence(&cfg.Geofence, &errs)
	loadLogLevel(&cfg.LogLevel)

	return cfg, errors.Join(errs...)
}

func loadRedis(r *RedisConfig) {
	r.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	r.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&r.GeoKey, "REDIS_GEO_KEY")
}

func loadKafka(brokers *[]string, topic, geofenceTopic *string) {
	v := os.Getenv("KAFKA_BROKERS")
	if v == "" {
		v = os.Getenv("KAFKA_BROKER")
	}
	if v != "" {
		*brokers = splitAndTrim(v)
	}
	setStringFromEnv(topic, "KAFKA_TOPIC")
	setStringFromEnv(geofenceTopic, "KAFKA_GEOFENCE_TOPIC")
}

func loadGeofence(g *GeofenceConfig, errs *[]error) {
	setStringFromEnv(&g.File, "GEOFENCE_FILE")
	setStringFromEnv(&g.Timezone, "GEOFENCE_TIMEZONE")
	setIntFromEnv(&g.Workers, "GEOFENCE_WORKERS", errs)
	setIntFromEnv(&g.QueueSize, "GEOFENCE_QUEUE_SIZE", errs)
	setDurationFromEnv(&g.Refresh, "GEOFENCE_REFRESH", errs)
	setIntFromEnv(&g.HistoryLimit, "GEOFENCE_HISTORY_LIMIT", errs)
	setDurationFromEnv(&g.MembershipTTL, "GEOFENCE_MEMBERSHIP_TTL", errs)

	if g.Workers <= 0 {
		*errs = append(*errs, fmt.Errorf("GEOFENCE_WORKERS must be > 0"))
	}
	if g.QueueSize < 0 {
		*errs = append(*errs, fmt.Errorf("GEOFENCE_QUEUE_SIZE must be >= 0"))
	}
	if g.HistoryLimit <= 0 {
		*errs = append(*errs, fmt.Errorf("GEOFENCE_HISTORY_LIMIT must be > 0"))
	}
	if _, err := g.Location(); err != nil {
		*errs = append(*errs, fmt.Errorf("invalid GEOFENCE_TIMEZONE: %w", err))
	}
}

func loadLogLevel(level *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*level = strings.ToLower(v)
	}
}

// parseRadii reads a comma separated radius list in km.
func parseRadii(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	radii := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		radii = append(radii, f)
	}
	if err := search.ValidateRadii(radii); err != nil {
		return nil, err
	}
	return radii, nil
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
