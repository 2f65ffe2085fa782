package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxRequestBody = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// HTTPHandler returns the HTTP/JSON surface: gateway routes for every RPC
// plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	for _, r := range s.routes() {
		if err := gw.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

func (s *GRPCServer) routes() []route {
	q, in, adm := s.query, s.ingest, s.admin
	qm := func(name string) string { return "/" + queryServiceName + "/" + name }
	im := func(name string) string { return "/" + ingestServiceName + "/" + name }
	am := func(name string) string { return "/" + adminServiceName + "/" + name }

	return []route{
		{"GET", "/v1/pool", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.serveHTTP(w, r, qm("GetPoolState"), func(ctx context.Context) (any, error) {
				return q.GetPoolState(ctx, &GetPoolStateRequest{})
			})
		}},
		{"GET", "/v1/pool/offsets", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.serveHTTP(w, r, qm("ListOffsets"), func(ctx context.Context) (any, error) {
				limit, err := queryInt(r, "limit")
				if err != nil {
					return nil, err
				}
				return q.ListOffsets(ctx, &ListOffsetsRequest{Limit: int32(limit)})
			})
		}},
		{"GET", "/v1/deposits/{depositor}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			s.serveHTTP(w, r, qm("GetDeposit"), func(ctx context.Context) (any, error) {
				return q.GetDeposit(ctx, &GetDepositRequest{Depositor: p["depositor"]})
			})
		}},
		{"GET", "/v1/deposits/{depositor}/balances", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			s.serveHTTP(w, r, qm("GetBalances"), func(ctx context.Context) (any, error) {
				return q.GetBalances(ctx, &GetBalancesRequest{Depositor: p["depositor"]})
			})
		}},
		{"GET", "/v1/deposits/{depositor}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			s.serveHTTP(w, r, qm("ListJournals"), func(ctx context.Context) (any, error) {
				size, err := queryInt(r, "page_size")
				if err != nil {
					return nil, err
				}
				before, err := queryInt(r, "before_sequence")
				if err != nil {
					return nil, err
				}
				return q.ListJournals(ctx, &ListJournalsRequest{
					Depositor:      p["depositor"],
					PageSize:       int32(size),
					BeforeSequence: before,
				})
			})
		}},

		{"POST", "/v1/deposits/provide", bodyRoute(s, im("ProvideDeposit"), in.ProvideDeposit)},
		{"POST", "/v1/deposits/withdraw", bodyRoute(s, im("WithdrawDeposit"), in.WithdrawDeposit)},
		{"POST", "/v1/gains/claim", bodyRoute(s, im("ClaimGain"), in.ClaimGain)},
		{"POST", "/v1/liquidations/offset", bodyRoute(s, im("OffsetLiquidation"), in.OffsetLiquidation)},
		{"POST", "/v1/rewards/issue", bodyRoute(s, im("IssueReward"), in.IssueReward)},

		{"POST", "/v1/admin/snapshot", bodyRoute(s, am("TakeSnapshot"), adm.TakeSnapshot)},
		{"POST", "/v1/admin/projections/rebuild", bodyRoute(s, am("RebuildProjections"), adm.RebuildProjections)},
		{"GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.serveHTTP(w, r, am("VerifyIntegrity"), func(ctx context.Context) (any, error) {
				replay, err := queryBool(r, "replay")
				if err != nil {
					return nil, err
				}
				return adm.VerifyIntegrity(ctx, &VerifyIntegrityRequest{Replay: replay})
			})
		}},
		{"GET", "/v1/admin/event-log", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.serveHTTP(w, r, am("GetEventLogInfo"), func(ctx context.Context) (any, error) {
				return adm.GetEventLogInfo(ctx, &GetEventLogInfoRequest{})
			})
		}},
	}
}

// bodyRoute decodes a JSON body into Req and calls the service method.
// An empty body is an empty request.
func bodyRoute[Req any, Resp any](s *GRPCServer, fullMethod string, call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.serveHTTP(w, r, fullMethod, func(ctx context.Context) (any, error) {
			req := new(Req)
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			if len(body) > 0 {
				if err := json.Unmarshal(body, req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
				}
			}
			return call(ctx, req)
		})
	}
}

// serveHTTP runs one gateway call through the same guard, recovery and
// metrics as the gRPC interceptors.
func (s *GRPCServer) serveHTTP(w http.ResponseWriter, r *http.Request, fullMethod string, call func(context.Context) (any, error)) {
	start := time.Now()

	resp, err := func() (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Str("method", fullMethod).Interface("panic", rec).Msg("panic in gateway handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		ctx, err := s.admit(r.Context(), fullMethod, r.Header.Get("Authorization"), httpClientID(r))
		if err != nil {
			return nil, err
		}
		return call(ctx)
	}()
	s.observe(fullMethod, start, err)

	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeHTTPError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), httpError{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", key, raw)
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, status.Errorf(codes.InvalidArgument, "invalid %s: %q", key, raw)
	}
	return v, nil
}
