package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vqlapi/docs"
	"vqlapi/internal/config"
	"vqlapi/internal/database"
	"vqlapi/internal/definition"
	"vqlapi/internal/hooks"
	handlers "vqlapi/internal/http/handler"
	"vqlapi/internal/http/middleware"
	"vqlapi/internal/logging"
	"vqlapi/internal/metrics"
	"vqlapi/internal/otel"
	"vqlapi/internal/repository"
	"vqlapi/internal/repository/filesystem"
	"vqlapi/internal/repository/objectstore"
	"vqlapi/internal/service"
	"vqlapi/internal/storage"
)

// @title Query API
// @version 1.0
// @BasePath /
func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()

	logger := logging.New(os.Stdout, cfg.Location())
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, logger)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	// Default connection; definitions without a "connection" key use it
	conn, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	conns := database.NewRegistry()
	conns.Register(database.DefaultConnection, conn)
	defer conns.Close()

	// Object storage is optional: it backs exports and QUERY_SOURCE=s3
	var objStore storage.Storage
	if cfg.MinIO.Enabled() {
		objStore, err = storage.NewMinIO(cfg.MinIO)
		if err != nil {
			log.Fatalf("failed to initialize object storage: %v", err)
		}
	}

	var repo repository.DefinitionRepository
	switch cfg.Queries.Source {
	case "s3":
		if objStore == nil {
			log.Fatalf("QUERY_SOURCE=s3 requires MINIO_ENDPOINT")
		}
		repo = objectstore.NewDefinitionStore(objStore, cfg.Queries.Prefix)
	case "fs", "":
		repo = filesystem.NewDefinitionFS(cfg.Queries.Dir)
	default:
		log.Fatalf("unsupported QUERY_SOURCE %q", cfg.Queries.Source)
	}

	hookRegistry := definition.NewHooks()
	hooks.Register(hookRegistry)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	queryMetrics, err := metrics.NewQueryMetrics(reg)
	if err != nil {
		log.Fatalf("failed to register query metrics: %v", err)
	}
	promMiddleware, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		log.Fatalf("failed to register http metrics: %v", err)
	}

	querySvc := service.NewQueryService(repo, conns, hookRegistry, service.Options{
		Store:        objStore,
		ExportExpiry: cfg.Export.URLExpiry(),
		Metrics:      queryMetrics,
		Logger:       logger,
	})

	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(),
	})

	// Tracing first so the request ID middleware can tag the server span
	app.Use(otelfiber.Middleware())
	// RequestID middleware adds/propagates X-Request-ID and stores it in context
	app.Use(middleware.RequestID())
	// JSON Logger middleware for structured request logs
	app.Use(middleware.Logger())
	app.Use(promMiddleware.Handler())

	handlers.RegisterRoutes(app, conn.DB(), querySvc)
	app.Get("/metrics", handlers.MetricsHandler(reg))

	// Swagger UI with dynamic host and scheme
	app.Get("/swagger/*", func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.Split(proto, ",")[0]
		}

		docs.SwaggerInfo.Host = c.Get("Host")
		docs.SwaggerInfo.Schemes = []string{scheme}

		return swagger.HandlerDefault(c)
	})

	addr := ":" + cfg.Port
	go func() {
		if err := app.Listen(addr); err != nil {
			logger.Error("server_stopped", err, nil)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", err, nil)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing_shutdown_failed", err, nil)
	}
}
