package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
)

// ServiceName is the name reported to gRPC health checks alongside "".
const ServiceName = "lims.workflow.v1.WorkflowService"

const healthProbeTimeout = 3 * time.Second

// HealthReporter publishes store health over the standard gRPC health
// protocol. Status follows the last probe.
type HealthReporter struct {
	server *health.Server
	store  Pinger
	log    *logger.Logger
}

// NewHealthReporter creates a reporter that starts NOT_SERVING until the
// first probe succeeds.
func NewHealthReporter(store Pinger, log *logger.Logger) *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: hs, store: store, log: log}
}

// NewGRPCServer creates a gRPC server exposing health and reflection.
func NewGRPCServer(reporter *HealthReporter) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(reporter.log)))
	grpc_health_v1.RegisterHealthServer(srv, reporter.server)
	reflection.Register(srv)
	return srv
}

// Probe pings the store once and updates the serving status.
func (r *HealthReporter) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := r.store.Ping(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Store health probe failed")
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	return status
}

// Run probes every interval until ctx is done, then marks the service as
// shutting down.
func (r *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	r.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}
