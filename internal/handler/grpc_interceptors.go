package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
)

// unaryLogger logs every unary call and turns handler panics into
// codes.Internal.
func unaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("gRPC handler panicked")
				err = status.Error(codes.Internal, "internal server error")
			}

			event := log.Debug()
			if err != nil {
				event = log.Warn().Err(err)
			}
			event.
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Str("request_id", incomingRequestID(ctx)).
				Dur("latency", time.Since(start)).
				Msg("gRPC request")
		}()
		return next(ctx, req)
	}
}

func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("x-request-id"); len(v) > 0 {
		return v[0]
	}
	return ""
}
