package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-lims-workflow/internal/handler"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/config"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/telemetry"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
	"github.com/pesio-ai/be-lims-workflow/internal/repository/migrations"
	"github.com/pesio-ai/be-lims-workflow/internal/service"
)

const healthProbeInterval = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting LIMS Workflow Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Endpoint:    cfg.Telemetry.Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize database
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("Database connection established")

	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	// Initialize repositories
	flowRepo := repository.NewApprovalFlowRepository(db)
	instanceRepo := repository.NewApprovalInstanceRepository(db)
	recordRepo := repository.NewApprovalRecordRepository(db)
	logRepo := repository.NewApprovalLogRepository(db)
	bizStatusRepo := repository.NewBizStatusRepository(db)
	requestRepo := repository.NewAssessmentRequestRepository(db)
	verdictRepo := repository.NewAssessmentVerdictRepository(db)

	// Initialize services
	resolver := service.NewPermissionResolver(cfg.Workflow.AdminRole, cfg.Workflow.ManagerRoles)
	projector := service.NewStoreProjector(bizStatusRepo, service.DefaultStatusLabels())

	flowService := service.NewFlowService(flowRepo, log.Component("flows"))
	approvalService := service.NewApprovalService(db, flowRepo, instanceRepo, recordRepo, logRepo,
		resolver, projector, log.Component("approvals"))
	assessmentService := service.NewAssessmentService(db, requestRepo, verdictRepo, log.Component("assessments"))

	if cfg.Workflow.FlowSeedFile != "" {
		n, err := flowService.LoadSeedFile(ctx, cfg.Workflow.FlowSeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Workflow.FlowSeedFile).Msg("Failed to load flow seed file")
		}
		log.Info().Int("flows", n).Str("path", cfg.Workflow.FlowSeedFile).Msg("Flow seed file loaded")
	}

	// Idempotency store
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, idempotency keys degrade to pass-through")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
		}
	}

	// Setup HTTP routes
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpHandler := handler.NewHTTPHandler(
		flowService,
		approvalService,
		assessmentService,
		handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		handler.NewIdempotency(redisClient, cfg.Redis.IdempotencyTTL, log.Component("idempotency")),
		db,
		log.Component("http"),
	)
	router := httpHandler.SetupRoutes(handler.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: 30 * time.Second,
		AdminRole:      cfg.Workflow.AdminRole,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	healthReporter := handler.NewHealthReporter(db, log.Component("health"))
	grpcServer := handler.NewGRPCServer(healthReporter)
	go healthReporter.Run(ctx, healthProbeInterval)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracing shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// openDatabase connects to the configured backend.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	if cfg.Driver == config.DriverSQLite {
		return database.OpenSQLite(cfg.SQLitePath)
	}
	return database.New(ctx, database.Config{
		URL:         cfg.URL,
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Database:    cfg.Database,
		SSLMode:     cfg.SSLMode,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
}
