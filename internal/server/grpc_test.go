package server

import (
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/state"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeCore drains submissions the way the core loop does and answers with
// outcome(evt).
type fakeCore struct {
	mu      sync.Mutex
	seen    []event.Event
	outcome func(event.Event) error
}

func (f *fakeCore) run(ctx context.Context, ch <-chan ingestion.Submission) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-ch:
			f.mu.Lock()
			f.seen = append(f.seen, sub.Event)
			f.mu.Unlock()
			var err error
			if f.outcome != nil {
				err = f.outcome(sub.Event)
			}
			sub.Result <- err
		}
	}
}

func (f *fakeCore) events() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.seen...)
}

type testServer struct {
	srv     *GRPCServer
	conn    *grpc.ClientConn
	core    *fakeCore
	metrics *observability.Metrics
	health  *observability.HealthChecker
}

func newTestServer(t *testing.T, rl RateLimitConfig) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	subs := make(chan ingestion.Submission)
	fc := &fakeCore{}
	go fc.run(ctx, subs)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker()

	srv := NewGRPCServer("", "", &ServerDeps{
		IngestService: ingestion.NewGRPCIngestService(subs),
		StartTime:     time.Now(),
		HealthChecker: health,
		Metrics:       metrics,
		Auth:          AuthConfig{HMACSecret: testSecret},
		RateLimit:     rl,
	})

	lis := bufconn.Listen(1 << 20)
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testServer{srv: srv, conn: conn, core: fc, metrics: metrics, health: health}
}

func withToken(t *testing.T, scope string) context.Context {
	tok := signToken(t, testSecret, jwt.MapClaims{"sub": "tester", "scope": scope})
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

// ============================================================================
// Test: gRPC surface over the JSON codec
// ============================================================================

func TestGRPC_ProvideDepositAccepted(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	id := uuid.New()
	depositor := uuid.New()
	var resp SubmitResponse
	err := ts.conn.Invoke(withToken(t, ScopeDepositsWrite), provideMethod, &ProvideDepositRequest{
		DepositID: id.String(),
		Depositor: depositor.String(),
		Amount:    "12.5",
		Sequence:  7,
	}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, id.String(), resp.IdempotencyKey)

	seen := ts.core.events()
	require.Len(t, seen, 1)
	dp, ok := seen[0].(*event.DepositProvided)
	require.True(t, ok)
	assert.Equal(t, depositor, dp.Depositor)
	assert.Equal(t, "12.5", dp.Amount.UnitsString())
	assert.Equal(t, int64(7), dp.SourceSequence())

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.QueryRequests.WithLabelValues("ProvideDeposit", "ok")))
}

func TestGRPC_RequiresJSONContentSubtype(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	req := &ProvideDepositRequest{
		DepositID: uuid.New().String(),
		Depositor: uuid.New().String(),
		Amount:    "1",
		Sequence:  1,
	}
	var resp SubmitResponse
	err := ts.conn.Invoke(withToken(t, ScopeDepositsWrite), provideMethod, req, &resp, grpc.CallContentSubtype("proto"))
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Empty(t, ts.core.events())

	err = ts.conn.Invoke(withToken(t, ScopeDepositsWrite), provideMethod, req, &resp)
	require.NoError(t, err)
	assert.Len(t, ts.core.events(), 1)
}

func TestGRPC_RequiresToken(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	var resp SubmitResponse
	err := ts.conn.Invoke(context.Background(), provideMethod, &ProvideDepositRequest{
		Depositor: uuid.NewString(),
		Amount:    "1",
	}, &resp)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Empty(t, ts.core.events())
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.AuthFailures.WithLabelValues("missing_token")))
}

func TestGRPC_WrongScopeIsPermissionDenied(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	var resp SubmitResponse
	err := ts.conn.Invoke(withToken(t, ScopeDepositsWrite), offsetMethod, &OffsetLiquidationRequest{
		Borrower: uuid.NewString(),
		Debt:     "10",
	}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestGRPC_DomainErrorsMapToCodes(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	ts.core.outcome = func(event.Event) error { return state.ErrInsufficientBalance }

	var resp SubmitResponse
	err := ts.conn.Invoke(withToken(t, ScopeDepositsWrite), "/"+ingestServiceName+"/WithdrawDeposit", &WithdrawDepositRequest{
		Depositor: uuid.NewString(),
		Amount:    "5",
	}, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_InvalidArguments(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	ctx := withToken(t, ScopeDepositsWrite)

	var resp SubmitResponse
	err := ts.conn.Invoke(ctx, provideMethod, &ProvideDepositRequest{Depositor: "not-a-uuid", Amount: "1"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.conn.Invoke(ctx, provideMethod, &ProvideDepositRequest{Depositor: uuid.NewString(), Amount: "abc"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.conn.Invoke(ctx, provideMethod, &ProvideDepositRequest{Depositor: uuid.NewString(), Amount: "0"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Empty(t, ts.core.events())
}

func TestGRPC_ClaimWithReinvest(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	var resp SubmitResponse
	err := ts.conn.Invoke(withToken(t, ScopeDepositsWrite), "/"+ingestServiceName+"/ClaimGain", &ClaimGainRequest{
		Depositor: uuid.NewString(),
		Reinvest:  true,
	}, &resp)
	require.NoError(t, err)

	seen := ts.core.events()
	require.Len(t, seen, 1)
	_, ok := seen[0].(*event.GainReinvested)
	assert.True(t, ok)
}

func TestGRPC_RateLimitedWrites(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	ctx := withToken(t, ScopeDepositsWrite)
	req := &ProvideDepositRequest{Depositor: uuid.NewString(), Amount: "1"}

	var resp SubmitResponse
	require.NoError(t, ts.conn.Invoke(ctx, provideMethod, req, &resp))
	err := ts.conn.Invoke(ctx, provideMethod, req, &resp)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPC_QueryWithoutBackendIsUnavailable(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	var resp map[string]any
	err := ts.conn.Invoke(context.Background(), poolMethod, &GetPoolStateRequest{}, &resp)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPC_HealthService(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	client := healthpb.NewHealthClient(ts.conn)

	// The health service speaks protobuf, not the JSON subtype.
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ingestServiceName},
		grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	ts.srv.syncHealth(context.Background())
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	ts.health.SetReady(true)
	ts.srv.syncHealth(context.Background())
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ============================================================================
// Test: HTTP gateway shares the guard and the services
// ============================================================================

func TestGateway_Routes(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	h, err := ts.srv.HTTPHandler()
	require.NoError(t, err)

	tok := signToken(t, testSecret, jwt.MapClaims{"sub": "tester", "scope": "deposits:write issuer"})
	body := `{"depositor":"` + uuid.NewString() + `","amount":"3"}`

	t.Run("write without token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/deposits/provide", strings.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		var e httpError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
		assert.Equal(t, "Unauthenticated", e.Code)
	})

	t.Run("write with token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/deposits/provide", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Accepted)
		assert.NotEmpty(t, resp.IdempotencyKey)
	})

	t.Run("reward issue", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/rewards/issue", strings.NewReader(`{"amount":"100"}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/deposits/provide", strings.NewReader(`{`))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("query without backend", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("bad query parameter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/deposits/"+uuid.NewString()+"/journals?page_size=x", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.Len(t, ts.core.events(), 2)
}

func TestHTTPClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", httpClientID(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", httpClientID(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", httpClientID(r))
}
