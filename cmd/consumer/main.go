package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rc.Close()

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	catalog, store, err := loadCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("load geofences failed", "error", err)
		os.Exit(1)
	}
	if store != nil && cfg.Geofence.Refresh > 0 {
		go refreshLoop(ctx, catalog, store, cfg.Geofence.Refresh, logger)
	}
	loc, err := cfg.Geofence.Location()
	if err != nil {
		logger.Error("invalid geofence timezone", "error", err)
		os.Exit(1)
	}
	eval := geofence.NewEvaluator(catalog, storage.NewRedisMembership(rc, cfg.Geofence.MembershipTTL), loc)

	kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaGeofenceTopic)
	defer kp.Close()
	sinks := events.Fanout{storage.NewRedisHistory(rc, cfg.Geofence.HistoryLimit), kp}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp unavailable", "error", err)
		} else {
			defer ap.Close()
			sinks = append(sinks, ap)
		}
	}
	router := geofence.NewRouter(eval, sinks, cfg.Geofence.Workers, cfg.Geofence.QueueSize, logger)
	router.Start(ctx)
	defer router.Close()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	h := &handler{redis: &redisAdapter{c: rc}, geoKey: cfg.Redis.GeoKey, router: router, eval: eval, logger: logger}
	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		h.handle(ctx, m.Value)
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// pinger is the part of the geofence router the consumer feeds.
type pinger interface {
	Submit(ctx context.Context, p geofence.Ping) error
}

type handler struct {
	redis  RedisUpdater
	geoKey string
	router pinger
	eval   *geofence.Evaluator
	logger *slog.Logger
}

// handle applies one location message: driver pings refresh the pool, and
// every ping is evaluated against the geofences. Drivers going offline are
// forgotten instead.
func (h *handler) handle(ctx context.Context, value []byte) {
	msgsConsumed.Inc()

	var u models.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "error", err)
		return
	}
	et := geofence.EntityType(u.EntityType)
	if u.EntityID == "" || !et.Valid() || !u.Loc.Valid() {
		msgsInvalid.Inc()
		h.logger.Warn("invalid location update", "entity_id", u.EntityID, "entity_type", u.EntityType)
		return
	}

	if u.Driver != nil {
		if err := updateRedisWithRetry(ctx, h.redis, h.geoKey, u.Driver, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			h.logger.Error("redis update failed", "driver_id", u.Driver.ID, "error", err)
		} else {
			redisUpdates.Inc()
		}
		if !u.Driver.Online {
			if err := h.eval.Forget(ctx, u.EntityID); err != nil {
				h.logger.Warn("forget geofence membership failed", "entity_id", u.EntityID, "error", err)
			}
			return
		}
	}

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := h.router.Submit(ctx, geofence.Ping{EntityID: u.EntityID, EntityType: et, Point: u.Loc, At: at}); err != nil {
		h.logger.Warn("geofence submit failed", "entity_id", u.EntityID, "error", err)
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// updateRedisWithRetry writes the driver's position and metadata, retrying
// each step with a doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, d *models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(d.ID), geo.MetaFields(*d)); err != nil {
			continue
		}
		return nil
	}
	return err
}

func loadCatalog(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) (*geofence.Catalog, geofence.ConfigStore, error) {
	var store geofence.ConfigStore
	switch {
	case cfg.Geofence.File != "":
		store = &storage.GeofenceFile{Path: cfg.Geofence.File}
	case cfg.PGDSN != "":
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		store = pg.Geofences()
	default:
		logger.Info("using built-in geofences")
		catalog, err := geofence.NewCatalog(geofence.DefaultZones())
		return catalog, nil, err
	}
	fences, err := store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := geofence.NewCatalog(fences)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("geofences loaded", "count", len(fences), "active", len(catalog.Active()))
	return catalog, store, nil
}

func refreshLoop(ctx context.Context, catalog *geofence.Catalog, store geofence.ConfigStore, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := catalog.Refresh(ctx, store); err != nil {
				logger.Warn("geofence refresh failed", "error", err)
			}
		}
	}
}
