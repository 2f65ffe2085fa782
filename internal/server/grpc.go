package server

import (
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/persistence"
	"StabilityLedger/internal/query"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway. Both share
// one auth and rate-limit path.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker

	query  *queryServiceImpl
	ingest *ingestServiceImpl
	admin  *adminServiceImpl

	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshots     SnapshotTaker
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Auth          AuthConfig
	RateLimit     RateLimitConfig
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		query:         &queryServiceImpl{qs: deps.QueryService},
		ingest:        &ingestServiceImpl{svc: deps.IngestService},
		admin: &adminServiceImpl{
			db:           deps.DB,
			snapMgr:      deps.SnapshotMgr,
			snapshots:    deps.Snapshots,
			queryService: deps.QueryService,
			startTime:    deps.StartTime,
		},
		auth:    NewAuthenticator(deps.Auth, deps.Metrics),
		limiter: NewRateLimiter(deps.RateLimit, deps.Metrics),
		metrics: deps.Metrics,
		logger:  observability.NewLogger("server"),
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.recoveryUnaryInterceptor,
		s.observeUnaryInterceptor,
		s.guardUnaryInterceptor,
	))

	s.grpcServer.RegisterService(&QueryServiceDesc, s.query)
	if deps.IngestService != nil {
		s.grpcServer.RegisterService(&IngestServiceDesc, s.ingest)
	}
	s.grpcServer.RegisterService(&AdminServiceDesc, s.admin)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range []string{queryServiceName, ingestServiceName, adminServiceName} {
		s.healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	return s
}

// Server exposes the underlying grpc.Server, e.g. to serve on a custom
// listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go s.watchHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// watchHealth mirrors the health checker into the gRPC health service.
func (s *GRPCServer) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		s.syncHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) syncHealth(ctx context.Context) {
	if s.healthChecker == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.healthChecker.Healthy(ctx) {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartHTTPGateway serves the HTTP/JSON routes and health endpoints
// (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Interceptors
// ============================================================================

func (s *GRPCServer) recoveryUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
			err = status.Error(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

func (s *GRPCServer) observeUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *GRPCServer) guardUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var authorization string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			authorization = vals[0]
		}
	}
	ctx, err := s.admit(ctx, info.FullMethod, authorization, peerClientID(ctx))
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// admit runs authorization and rate limiting for one call.
func (s *GRPCServer) admit(ctx context.Context, fullMethod, authorization, client string) (context.Context, error) {
	ctx, err := s.auth.Authorize(ctx, fullMethod, authorization)
	if err != nil {
		if errors.Is(err, errInsufficientScope) {
			return ctx, status.Error(codes.PermissionDenied, err.Error())
		}
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	if p, ok := PrincipalFromContext(ctx); ok && p.Subject != "" {
		client = "sub:" + p.Subject
	}
	if !s.limiter.Allow(fullMethod, client) {
		return ctx, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return ctx, nil
}

func (s *GRPCServer) observe(fullMethod string, start time.Time, err error) {
	code := status.Code(err)
	endpoint := path.Base(fullMethod)

	ev := s.logger.Debug()
	if code != codes.OK {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("method", fullMethod).Str("code", code.String()).Dur("duration", time.Since(start)).Msg("rpc")

	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if code != codes.OK {
		outcome = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, outcome).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func peerClientID(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return hostOnly(p.Addr.String())
}

func httpClientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
