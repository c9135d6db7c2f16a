package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"garage/backend/internal/config"
	"garage/backend/internal/domain"
	"garage/backend/internal/integrations/invoicing"
	"garage/backend/internal/integrations/snapshotcache"
	"garage/backend/internal/metrics"
	"garage/backend/internal/notify"
	"garage/backend/internal/scheduling"
	"garage/backend/internal/service/appointments"
	"garage/backend/internal/settings"
	"garage/backend/internal/store/memory"
	"garage/backend/internal/store/postgres"
	grpcTransport "garage/backend/internal/transport/grpc"
	"garage/backend/internal/transport/rest"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "garage-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "garage-server"),
	)
	slog.SetDefault(log)

	log.Info(
		"starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	loc, err := cfg.Location()
	if err != nil {
		log.Error("timezone load failed", slog.Any("err", err), slog.String("timezone", cfg.Timezone))
		os.Exit(1)
	}
	garage, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		log.Error("garage settings load failed", slog.Any("err", err), slog.String("path", cfg.SettingsFile))
		os.Exit(1)
	}
	scope, err := scheduling.ParseScope(cfg.ConflictScope)
	if err != nil {
		log.Error("invalid conflict scope", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := notify.NewBroker[domain.Change](log)
	defer broker.Close()

	st := memory.New(memory.WithPublisher(broker))
	if err := seedReference(ctx, st, garage); err != nil {
		log.Error("reference data seed failed", slog.Any("err", err))
		os.Exit(1)
	}

	m := metrics.New()
	broker.Subscribe("metrics", func(c domain.Change) {
		m.Snapshot(c.Snapshot)
	})

	svc := appointments.NewService(st, st,
		appointments.WithSettings(garage),
		appointments.WithLocation(loc),
		appointments.WithConflictScope(scope),
		appointments.WithCapacityEnforcement(cfg.EnforceCapacity),
		appointments.WithTrailingSlotsTruncated(cfg.TruncateTrailingSlots),
		appointments.WithChanges(broker),
		appointments.WithMetrics(m),
		appointments.WithLogger(log),
	)

	var cache *snapshotcache.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		cache = snapshotcache.New(rdb, cfg.RedisKeyPrefix, log)
		log.Info("snapshot cache enabled", slog.String("redis_addr", cfg.RedisAddr))
	}

	if cfg.DatabaseURL != "" {
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			os.Exit(1)
		}
		defer func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}()

		if err := postgres.Migrate(ctx, db); err != nil {
			log.Error("database migration failed", slog.Any("err", err))
			os.Exit(1)
		}
		mirror := postgres.NewMirror(db, log)
		appts, err := mirror.LoadAll(ctx)
		if err != nil {
			log.Error("appointment restore failed", slog.Any("err", err))
			os.Exit(1)
		}
		if err := st.Restore(ctx, appts); err != nil {
			log.Error("appointment restore failed", slog.Any("err", err))
			os.Exit(1)
		}
		log.Info("appointments restored from database", slog.Int("count", len(appts)))
		broker.Subscribe("postgres.mirror", mirror.Handle)
	} else if cache != nil {
		restoreFromCache(ctx, log, st, cache)
	} else {
		log.Info("no database configured; appointments live in memory only")
	}

	if cache != nil {
		broker.Subscribe("redis.snapshot", cache.Handle)
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := invoicing.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("kafka writer close failed", slog.Any("err", err))
			}
		}()
		broker.Subscribe("kafka.invoicing", pub.Handle)
		log.Info("invoicing hand-off enabled", slog.String("topic", cfg.KafkaTopic), slog.Any("brokers", cfg.KafkaBrokers))
	}

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(grpcTransport.Codec()),
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.Register(grpcServer, grpcTransport.NewAppointmentsServer(svc, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: rest.NewServer(svc, log,
			rest.WithLocation(loc),
			rest.WithMetrics(m, m.Handler()),
			rest.WithRateLimit(cfg.HTTPRateLimit, cfg.HTTPRateBurst),
			rest.WithTrustedProxies(cfg.HTTPTrustedProxies),
		).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))

	if cfg.HTTPAddr != "" {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
		// Drain queued changes while the mirror and publishers are still open.
		log.Info("draining change subscribers")
		broker.Close()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func seedReference(ctx context.Context, st *memory.Store, s settings.Settings) error {
	for _, m := range s.Mechanics {
		if err := st.PutMechanic(ctx, m); err != nil {
			return err
		}
	}
	for _, c := range s.Customers {
		if err := st.PutCustomer(ctx, c); err != nil {
			return err
		}
	}
	for _, c := range s.Cars {
		if err := st.PutCar(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// restoreFromCache warms the store from the last snapshot in redis when no
// database is configured. A missing or unreadable snapshot starts empty.
func restoreFromCache(ctx context.Context, log *slog.Logger, st *memory.Store, cache *snapshotcache.Cache) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	seq, appts, ok, err := cache.Latest(ctx)
	switch {
	case err != nil:
		log.Warn("snapshot cache read failed; starting empty", slog.Any("err", err))
		return
	case !ok:
		log.Info("no cached snapshot; starting empty")
		return
	}
	if err := st.Restore(ctx, appts); err != nil {
		log.Warn("snapshot restore failed; starting empty", slog.Any("err", err))
		return
	}
	log.Info("appointments restored from snapshot cache", slog.Int("count", len(appts)), slog.Uint64("seq", seq))
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, h *http.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
