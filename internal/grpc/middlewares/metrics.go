package middleware

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
)

func NewMetricsInterceptor(m *metrics.Collector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ObserveRequest(path.Base(info.FullMethod), time.Since(start))

		return resp, err
	}
}
