package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geofence"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/search"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var pool geo.Pool = geo.NewIndex(cfg.Dispatch.PoolLimit)
	var blocklist storage.Blocklist = storage.NewMemoryBlocklist()
	var trips storage.TripStore = storage.NewMemoryStore()
	var history geofence.History = storage.NewMemoryHistory(cfg.Geofence.HistoryLimit)
	var members geofence.MembershipStore = geofence.NewMemoryMembership()
	var checks []func(context.Context) error

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rc.Close()
		pool = geo.NewRedisGeo(rc, cfg.Redis.GeoKey, cfg.Dispatch.PoolLimit, logger)
		blocklist = storage.NewRedisBlocklist(rc)
		history = storage.NewRedisHistory(rc, cfg.Geofence.HistoryLimit)
		members = storage.NewRedisMembership(rc, cfg.Geofence.MembershipTTL)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis", "addr", cfg.Redis.Addr, "geo_key", cfg.Redis.GeoKey)
	}

	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		var err error
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		trips = pg
		checks = append(checks, pg.Ping)
	}

	catalog, store, err := loadCatalog(ctx, cfg.Geofence, pg, logger)
	if err != nil {
		return err
	}
	loc, err := cfg.Geofence.Location()
	if err != nil {
		return err
	}
	eval := geofence.NewEvaluator(catalog, members, loc)

	sinks := events.Fanout{history}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaGeofenceTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			// geofencing keeps working; events reach the other sinks
			logger.Warn("amqp unavailable", "error", err)
		} else {
			defer ap.Close()
			sinks = append(sinks, ap)
			checks = append(checks, func(context.Context) error {
				if !ap.IsAlive() {
					return errors.New("rabbitmq connection closed")
				}
				return nil
			})
		}
	}
	router := geofence.NewRouter(eval, sinks, cfg.Geofence.Workers, cfg.Geofence.QueueSize, logger)
	router.Start(ctx)

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		lp := events.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer lp.Close()
		locations = lp
	}

	searcher, err := search.New(pool, cfg.Dispatch.RadiiKm, cfg.Dispatch.SearchDelay, cfg.Dispatch.MaxSearchTime, logger)
	if err != nil {
		return err
	}
	broker := dispatch.NewBroker()
	ws := dispatch.NewWSRegistry(broker, logger)
	var push *dispatch.PushDispatcher
	if cfg.Dispatch.PushEndpoint != "" {
		push = dispatch.NewPushDispatcher(cfg.Dispatch.PushEndpoint)
	}
	svc := matcher.NewService(searcher, blocklist, dispatch.NewGateway(broker, ws, push, logger), trips, logger)
	svc.ResponseTimeout = cfg.Dispatch.ResponseTimeout
	svc.ExpandDelay = cfg.Dispatch.ExpandDelay
	svc.ETA = &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.Dispatch.DefaultSpeedMps}
	if cfg.Dispatch.OSRMEndpoint != "" {
		svc.ETA.Client = eta.NewOSRMClient(cfg.Dispatch.OSRMEndpoint)
	}

	sessions := matcher.NewRegistry()
	api := httpapi.NewServer(ctx, httpapi.Deps{
		Pool:          pool,
		Matcher:       svc,
		Sessions:      sessions,
		Trips:         trips,
		Blocklist:     blocklist,
		Broker:        broker,
		WSReg:         ws,
		Locations:     locations,
		Geofences:     router,
		Evaluator:     eval,
		History:       history,
		GeofenceStore: store,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	if store != nil && cfg.Geofence.Refresh > 0 {
		go refreshLoop(ctx, catalog, store, cfg.Geofence.Refresh, logger)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	sessions.CancelAll()
	router.Close()
	return err
}

// geofenceStore is both the catalog source and where admin edits land.
type geofenceStore interface {
	geofence.ConfigStore
	geofence.ConfigWriter
}

// loadCatalog picks the configured geofence source: a JSON file, then
// Postgres, then the built-in zones. An empty Postgres table is seeded with
// the built-in zones.
func loadCatalog(ctx context.Context, cfg config.GeofenceConfig, pg *storage.PostgresStore, logger *slog.Logger) (*geofence.Catalog, geofenceStore, error) {
	var store geofenceStore
	switch {
	case cfg.File != "":
		store = &storage.GeofenceFile{Path: cfg.File}
	case pg != nil:
		store = pg.Geofences()
	default:
		catalog, err := geofence.NewCatalog(geofence.DefaultZones())
		logger.Info("using built-in geofences")
		return catalog, nil, err
	}

	fences, err := store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(fences) == 0 && pg != nil && cfg.File == "" {
		fences = geofence.DefaultZones()
		for _, g := range fences {
			if err := store.Save(ctx, g); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("seeded built-in geofences", "count", len(fences))
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
