// Package interceptors holds the gRPC server middleware shared by every
// service.
package interceptors

import (
	"context"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/aegis-agents/chatbot/internal/metrics"
)

// RequestIDHeader carries a caller supplied request id.
const RequestIDHeader = "x-request-id"

// StreamRecovery converts a handler panic into codes.Internal.
func StreamRecovery(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in stream handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

// StreamObserver logs and records metrics for each stream.
func StreamObserver(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		code := status.Code(err)

		service, method := splitMethod(info.FullMethod)
		metrics.RecordGRPCMetrics(service, method, code.String(), time.Since(start).Seconds())

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if id := RequestID(ss.Context()); id != "" {
			fields = append(fields, zap.String("req_id", id))
		}
		if err != nil && code != codes.ResourceExhausted && code != codes.Aborted {
			logger.Warn("Stream finished with error", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("Stream finished", fields...)
		}
		return err
	}
}

// RequestID returns the caller supplied request id, if any.
func RequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(RequestIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

func splitMethod(full string) (string, string) {
	full = strings.TrimPrefix(full, "/")
	service, method := path.Split(full)
	return strings.TrimSuffix(service, "/"), method
}
