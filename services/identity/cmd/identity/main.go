package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/AfshinJalili/identity/libs/health"
	"github.com/AfshinJalili/identity/libs/httpmiddleware"
	"github.com/AfshinJalili/identity/libs/kafka"
	"github.com/AfshinJalili/identity/libs/logging"
	"github.com/AfshinJalili/identity/libs/metrics"
	"github.com/AfshinJalili/identity/libs/trace"
	"github.com/AfshinJalili/identity/services/identity/internal/config"
	"github.com/AfshinJalili/identity/services/identity/internal/grpcapi"
	"github.com/AfshinJalili/identity/services/identity/internal/handlers"
	"github.com/AfshinJalili/identity/services/identity/internal/rate"
	"github.com/AfshinJalili/identity/services/identity/internal/relay"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/AfshinJalili/identity/services/identity/internal/service"
	"github.com/AfshinJalili/identity/services/identity/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if err := run(cfg, logger); err != nil {
		logger.Error("identity service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := trace.InitTracer(ctx, cfg.App.ServiceName, cfg.App.Env, cfg.TraceEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()
	store := storage.New(pool)

	tokens, err := security.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer, store,
		security.WithAccessRevocation(cfg.CheckAccessRevocation))
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	hasher, err := security.NewHasher(security.Argon2Params(cfg.Argon2))
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Relay.PublishTimeout, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	defer func() {
		_ = producer.Close()
	}()

	outbox := relay.New(store, producer, relay.Config{
		Topic:           cfg.Kafka.Topic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		PollInterval:    cfg.Relay.PollInterval,
		BatchSize:       cfg.Relay.BatchSize,
		MaxAttempts:     cfg.Relay.MaxAttempts,
		ParkedRetry:     cfg.Relay.ParkedRetry,
		PublishTimeout:  cfg.Relay.PublishTimeout,
		PublishRetries:  cfg.Relay.PublishRetries,
		Retention:       cfg.Relay.Retention,
	}, logger, relay.NewMetrics(registry), ready)

	limiter, limiterClose, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("rate limiter init failed: %w", err)
	}
	defer func() {
		_ = limiterClose()
	}()

	svc := service.New(store, tokens, hasher, service.Config{
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		MaxConflictRetries: cfg.MaxConflictRetries,
	}, logger).
		WithNotifier(outbox).
		WithLimiter(limiter).
		WithMetrics(service.NewMetrics(registry))

	admins, err := apikey.NewKeyRing(cfg.Admin.APIKeyHashes, cfg.Admin.IPWhitelist)
	if err != nil {
		return fmt.Errorf("admin keys: %w", err)
	}
	if admins.Empty() {
		logger.Warn("no admin api keys configured, admin routes will reject every request")
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))
	if len(cfg.CORS.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders:  []string{"Authorization", "Content-Type", httpmiddleware.RequestIDHeader},
			ExposeHeaders: []string{httpmiddleware.RequestIDHeader, "Retry-After"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.NewIdentityHandler(svc, admins, logger).RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         cfg.App.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer(
		trace.GRPCServerOption(),
		grpc.ChainUnaryInterceptor(
			metrics.UnaryServerInterceptor(),
			grpcapi.RequestMetadataInterceptor(),
			grpcapi.AuthInterceptor(svc, admins),
		),
	)
	grpcapi.Register(grpcServer, grpcapi.NewServer(svc, logger))
	grpcHealth := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr())
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("identity http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("identity grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return outbox.Run(gctx)
	})
	g.Go(func() error {
		return outbox.RunGC(gctx, cfg.Relay.GCInterval)
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)
		grpcHealth.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	})

	ready.SetReady(true)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcHealth.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return g.Wait()
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func buildLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rate.Limiter, func() error, error) {
	noClose := func() error { return nil }
	limits := rate.Limits{Handle: cfg.RateLimit.LoginLimit, IP: cfg.RateLimit.IPLimit}
	if !limits.Enabled() {
		logger.Warn("login rate limiting disabled")
		return rate.Noop{}, noClose, nil
	}

	if cfg.RateLimit.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.IsLocal() {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewMemory(limits, cfg.RateLimit.Window), noClose, nil
			}
			return nil, nil, err
		}

		return rate.NewRedisLimiter(client, limits, cfg.RateLimit.Window, cfg.RateLimit.Redis.Prefix), client.Close, nil
	}

	if cfg.App.IsLocal() {
		return rate.NewMemory(limits, cfg.RateLimit.Window), noClose, nil
	}

	return nil, nil, fmt.Errorf("rate limiter redis not configured")
}
