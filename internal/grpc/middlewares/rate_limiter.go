package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewRateLimitingInterceptor rejects requests above limit per second with
// ResourceExhausted. A limit of 0 disables limiting.
func NewRateLimitingInterceptor(limit float64, burst int) grpc.UnaryServerInterceptor {
	r := rate.Inf
	if limit > 0 {
		r = rate.Limit(limit)
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(r, burst)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
