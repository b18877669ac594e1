// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "gocloud.dev/blob/fileblob"

	"github.com/rastermaps/tileserv/storage"
	"github.com/rastermaps/tileserv/tiler"
)

const appName = "tile-service"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpTileServer    *http.Server

	grpcMetrics = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))

	tilesRendered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileserv_tiles_rendered_total",
		Help: "Number of tiles rendered, by outcome.",
	}, []string{"status"})

	renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileserv_render_duration_seconds",
		Help:    "Time spent rendering a single tile.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3},
	})
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort      int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int           `env:"METRICS_PORT" envDefault:"8888"`
	SourceURL       string        `env:"SOURCE_URL" envDefault:"file:///var/lib/tileserv/rasters"`
	MaxSourceBytes  int64         `env:"MAX_SOURCE_BYTES" envDefault:"536870912"`
	DefaultTileSize int           `env:"DEFAULT_TILE_SIZE" envDefault:"256"`
	MaxTileSize     int           `env:"MAX_TILE_SIZE" envDefault:"1024"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	Resampling      string        `env:"RESAMPLING" envDefault:"bilinear"`
}

func main() {
	os.Exit(run())
}

// run carries the whole service lifecycle so deferred cleanup still executes
// on the error exits.
func run() int {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		return 1
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	if _, err := tiler.ParseResampling(cfg.Resampling); err != nil {
		logger.Error("invalid configuration, shutting down", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open raster source, shutting down", "error", err, "source", cfg.SourceURL)
		return 1
	}
	defer closeStore()

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP Tile API Server
	g.Go(func() error {
		return startTileServer(logger, cfg, store)
	})

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpTileServer != nil {
		if err := httpTileServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP tile server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		return 2
	}
	return 0
}

// openStore selects the raster source backend from the URL: plain HTTP(S)
// servers by prefix, everything else through the blob bucket drivers.
func openStore(ctx context.Context, cfg Config) (storage.Store, func() error, error) {
	if strings.HasPrefix(cfg.SourceURL, "http://") || strings.HasPrefix(cfg.SourceURL, "https://") {
		return storage.NewHTTPStore(cfg.SourceURL, nil, cfg.MaxSourceBytes), func() error { return nil }, nil
	}
	store, err := storage.OpenBlobStore(ctx, cfg.SourceURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics, tilesRendered, renderDuration)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startTileServer(logger *slog.Logger, cfg Config, store storage.Store) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	s := &tileServer{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}

	httpTileServer = &http.Server{Addr: addr, Handler: s.routes()}
	logger.Info("HTTP tile server listening", "address", addr)

	if err := httpTileServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP tile server failed: %w", err)
	}
	return nil
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
