package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/collab-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultCallTimeout = 10 * time.Second

// UnaryServerInterceptor: logging, panic recovery and a deadline for calls that came without one.
func UnaryServerInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	tracer := otel.Tracer("github.com/cwrk-planet/collab-service/internal/transport/grpc")
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		ctx, span := tracer.Start(ctx, info.FullMethod)
		defer span.End()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		log := logger.FromContext(ctx)

		defer func() {
			if r := recover(); r != nil {
				log.Error("grpc unary panic",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = status.Error(codes.Internal, "internal server error")
			}
			level := slog.LevelInfo
			if status.Code(err) == codes.Internal {
				level = slog.LevelError
			}
			log.LogAttrs(ctx, level, "grpc unary",
				slog.String("method", info.FullMethod),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
				slog.String("code", status.Code(err).String()))
		}()

		return handler(ctx, req)
	}
}
