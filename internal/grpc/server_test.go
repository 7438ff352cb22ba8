package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/api"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/api/mocks"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/epidata"
	server "github.com/cmu-delphi/flusight-helper-snippets/internal/grpc"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

const flu = "confirmed_admissions_influenza_1d"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newQuerier(t *testing.T, transport api.Transport) *epidata.Context {
	t.Helper()
	opts := epidata.DefaultOptions()
	opts.Transport = transport
	opts.Fetch = api.Config{MaxRetries: 1, RetryBackoffBase: time.Millisecond, MaxPages: 5, Timeout: time.Second}
	opts.Logger = quietLogger()

	q, err := epidata.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// dial serves srv over an in-memory listener and returns a client connection.
func dial(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func request(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	base := map[string]interface{}{
		"source":      "hhs",
		"signals":     flu,
		"geo_type":    "nation",
		"geo_values":  "*",
		"time_type":   "day",
		"time_values": "20220401-20220430",
	}
	for k, v := range fields {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	s, err := structpb.NewStruct(base)
	require.NoError(t, err)
	return s
}

func usPage() *models.Page {
	v := 412.0
	return &models.Page{Status: models.StatusSuccess, Rows: []models.Row{
		{Source: "hhs", Signal: flu, GeoType: "nation", GeoValue: "us", TimeType: "day", TimeValue: 20220401, Value: &v, Issue: 20220510, Lag: 39},
	}}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name          string
		request       map[string]interface{}
		setupMock     func(*mocks.MockTransport)
		expectedCode  codes.Code
		expectedError string
	}{
		{
			name:    "Success case",
			request: map[string]interface{}{"as_of": float64(20220510)},
			setupMock: func(m *mocks.MockTransport) {
				m.EXPECT().Call(gomock.Any(), asOf("20220510")).Return(usPage(), nil)
			},
			expectedCode: codes.OK,
		},
		{
			name:          "Missing signals",
			request:       map[string]interface{}{"signals": nil},
			setupMock:     func(*mocks.MockTransport) {},
			expectedCode:  codes.InvalidArgument,
			expectedError: "missing signals",
		},
		{
			name:          "Reversed time range",
			request:       map[string]interface{}{"time_values": "20220430-20220401"},
			setupMock:     func(*mocks.MockTransport) {},
			expectedCode:  codes.InvalidArgument,
			expectedError: "invalid range",
		},
		{
			name:    "Backend rejection",
			request: map[string]interface{}{},
			setupMock: func(m *mocks.MockTransport) {
				m.EXPECT().Call(gomock.Any(), gomock.Any()).
					Return(nil, &models.BackendError{Status: 400, Message: "unknown signal"})
			},
			expectedCode:  codes.FailedPrecondition,
			expectedError: "unknown signal",
		},
		{
			name:    "Backend unavailable",
			request: map[string]interface{}{},
			setupMock: func(m *mocks.MockTransport) {
				m.EXPECT().Call(gomock.Any(), gomock.Any()).
					Return(nil, &models.TransientError{Status: 503, Err: errors.New("maintenance")}).
					Times(2)
			},
			expectedCode: codes.Unavailable,
		},
		{
			name:    "Pagination runaway",
			request: map[string]interface{}{},
			setupMock: func(m *mocks.MockTransport) {
				m.EXPECT().Call(gomock.Any(), gomock.Any()).
					Return(&models.Page{Status: models.StatusSuccess, Cursor: "again"}, nil).
					Times(5)
			},
			expectedCode:  codes.Internal,
			expectedError: "pagination limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			transport := mocks.NewMockTransport(ctrl)
			tt.setupMock(transport)
			svc := server.NewEpidataService(newQuerier(t, transport), quietLogger())

			resp, err := svc.Query(context.Background(), request(t, tt.request))

			if tt.expectedCode == codes.OK {
				require.NoError(t, err)
				rows := resp.GetFields()["rows"].GetListValue().GetValues()
				require.Len(t, rows, 1)
				row := rows[0].GetStructValue().GetFields()
				assert.Equal(t, "us", row["geo_value"].GetStringValue())
				assert.Equal(t, float64(412), row["value"].GetNumberValue())
				assert.Equal(t, float64(20220510), row["issue"].GetNumberValue())
				return
			}

			require.Error(t, err)
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.expectedCode, st.Code())
			if tt.expectedError != "" {
				assert.Contains(t, st.Message(), tt.expectedError)
			}
		})
	}
}

func TestServerEndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Call(gomock.Any(), gomock.Any()).Return(usPage(), nil).Times(1)

	srv, _ := server.SetupServer(newQuerier(t, transport), server.DefaultServerConfig(), quietLogger(), nil)
	client := server.NewClient(dial(t, srv))

	req := request(t, map[string]interface{}{
		"columns": []interface{}{"geo_value", "time_value", "value", "signal"},
	})

	first, err := client.Query(context.Background(), req)
	require.NoError(t, err)
	rows := first.GetFields()["rows"].GetListValue().GetValues()
	require.Len(t, rows, 1)

	row := rows[0].GetStructValue().GetFields()
	assert.Len(t, row, 4)
	assert.Equal(t, "20220401", row["time_value"].GetStringValue())
	assert.Equal(t, "412", row["value"].GetStringValue())
	assert.Equal(t, "MISS", first.GetFields()["sources"].GetListValue().GetValues()[0].GetStringValue())

	// The second call is answered by the cache behind the proxy.
	second, err := client.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "HIT", second.GetFields()["sources"].GetListValue().GetValues()[0].GetStringValue())
}

func TestServerRateLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Call(gomock.Any(), gomock.Any()).Return(usPage(), nil).Times(1)

	cfg := server.ServerConfig{RateLimit: 0.001, RateLimitBurst: 1}
	srv, _ := server.SetupServer(newQuerier(t, transport), cfg, quietLogger(), nil)
	client := server.NewClient(dial(t, srv))

	_, err := client.Query(context.Background(), request(t, nil))
	require.NoError(t, err)

	_, err = client.Query(context.Background(), request(t, nil))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestServerHealth(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	srv, hs := server.SetupServer(newQuerier(t, mocks.NewMockTransport(ctrl)), server.DefaultServerConfig(), quietLogger(), nil)
	health := grpc_health_v1.NewHealthClient(dial(t, srv))

	resp, err := health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	hs.Shutdown()
	resp, err = health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestConfigureGRPCServerSkipsMiddleware(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Call(gomock.Any(), gomock.Any()).Return(usPage(), nil).Times(1)

	srv, hs := server.ConfigureGRPCServer(newQuerier(t, transport), quietLogger())
	conn := dial(t, srv)
	client := server.NewClient(conn)

	// No rate limiter: repeated calls are answered from the cache.
	for i := 0; i < 20; i++ {
		resp, err := client.Query(context.Background(), request(t, nil))
		require.NoError(t, err)
		assert.Equal(t, float64(1), resp.Fields["count"].GetNumberValue())
	}

	_, err := client.Query(context.Background(), request(t, map[string]interface{}{"signals": nil}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
	hs.Shutdown()
}

// asOf matches backend params carrying the given as_of.
type asOf string

func (a asOf) Matches(x interface{}) bool {
	v, ok := x.(url.Values)
	return ok && v.Get("as_of") == string(a)
}

func (a asOf) String() string { return "as_of=" + string(a) }
