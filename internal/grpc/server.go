package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/epidata"
	middleware "github.com/cmu-delphi/flusight-helper-snippets/internal/grpc/middlewares"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

const (
	ServiceName = "epidata.v1.EpidataService"
	QueryMethod = "/" + ServiceName + "/Query"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second, 0 for unlimited
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// Querier runs logical queries. *epidata.Context implements it.
type Querier interface {
	Query(ctx context.Context, p epidata.Params) (*epidata.Table, error)
}

// EpidataServer is the server API for the Epidata proxy service.
type EpidataServer interface {
	Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the proxy service. Requests and responses are
// google.protobuf.Struct messages, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EpidataServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler:    queryHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "epidata/v1/epidata.proto",
}

func RegisterEpidataServer(s grpc.ServiceRegistrar, srv EpidataServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpidataServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: QueryMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EpidataServer).Query(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// EpidataService answers proxy requests through a Querier.
type EpidataService struct {
	querier   Querier
	validator *RequestValidator
	logger    *logrus.Logger
}

func NewEpidataService(q Querier, logger *logrus.Logger) *EpidataService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EpidataService{
		querier:   q,
		validator: NewRequestValidator(),
		logger:    logger,
	}
}

// Query implements EpidataServer.
func (s *EpidataService) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, cols, err := s.validator.Validate(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	tbl, err := s.querier.Query(ctx, params)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.RequestID(ctx),
			"error":      err,
		}).Debug("Query rejected")
		return nil, toStatus(err)
	}

	resp, err := encodeTable(tbl, cols)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// toStatus maps the client error taxonomy onto gRPC codes.
func toStatus(err error) error {
	var (
		rangeErr     *models.InvalidRangeError
		transientErr *models.TransientError
		backendErr   *models.BackendError
	)
	switch {
	case errors.Is(err, models.ErrInvalidQuery), errors.As(err, &rangeErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrCancelled):
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, models.ErrPaginationLimitExceeded):
		return status.Error(codes.Internal, err.Error())
	case errors.As(err, &transientErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &backendErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Errorf(codes.Internal, "query failed: %v", err)
}

// encodeTable renders rows as JSON-shaped structs: every advertised and
// extra field, or only cols when given.
func encodeTable(tbl *epidata.Table, cols []string) (*structpb.Struct, error) {
	rows := tbl.Rows()
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		fields, err := rowFields(r, cols)
		if err != nil {
			return nil, err
		}
		out[i] = fields
	}

	sources := make([]interface{}, 0, len(tbl.Specs()))
	for _, src := range tbl.Sources() {
		sources = append(sources, string(src))
	}

	return structpb.NewStruct(map[string]interface{}{
		"rows":    out,
		"sources": sources,
		"count":   len(rows),
	})
}

func rowFields(r models.Row, cols []string) (map[string]interface{}, error) {
	if len(cols) > 0 {
		m := make(map[string]interface{}, len(cols))
		for _, c := range cols {
			m[c] = r.Field(c)
		}
		return m, nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ConfigureGRPCServer builds a server with no interceptors, only the query
// and health services. Used by `serve --no-middleware` for debugging.
func ConfigureGRPCServer(q Querier, logger *logrus.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	srv := grpc.NewServer(opts...)
	RegisterEpidataServer(srv, NewEpidataService(q, logger))
	return srv, registerHealth(srv)
}

// SetupServer initializes and configures the gRPC server with all middleware
// and the standard health service.
func SetupServer(q Querier, config ServerConfig, logger *logrus.Logger, m *metrics.Collector) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.ContextMiddleware,                                                   // Add request ID first
				middleware.NewRateLimitingInterceptor(config.RateLimit, config.RateLimitBurst), // Rate limit early
				middleware.NewLoggingInterceptor(logger),                                       // Log all requests (with request ID)
				middleware.NewMetricsInterceptor(m),                                            // Collect metrics
			),
		),
	)

	RegisterEpidataServer(server, NewEpidataService(q, logger))
	hs := registerHealth(server)

	return server, hs
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			chainedInterceptor := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, chainedInterceptor)
			}
		}
		return chain(ctx, req)
	}
}
