package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// registerHealth serves the standard health protocol, reporting SERVING for
// the server as a whole and for the Epidata service. Call Shutdown on the
// returned server before stopping to flip both to NOT_SERVING.
func registerHealth(srv *grpc.Server) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	return hs
}
