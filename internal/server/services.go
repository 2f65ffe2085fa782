package server

import (
	"StabilityLedger/internal/ingestion"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/persistence"
	"StabilityLedger/internal/projection"
	"StabilityLedger/internal/query"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	queryServiceName  = "stabilityledger.v1.QueryService"
	ingestServiceName = "stabilityledger.v1.IngestService"
	adminServiceName  = "stabilityledger.v1.AdminService"
)

// ============================================================================
// Service interfaces
// ============================================================================

type QueryServiceServer interface {
	GetDeposit(context.Context, *GetDepositRequest) (*query.DepositResponse, error)
	GetPoolState(context.Context, *GetPoolStateRequest) (*query.PoolStateResponse, error)
	GetBalances(context.Context, *GetBalancesRequest) (*query.BalancesResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*query.JournalHistoryResponse, error)
	ListOffsets(context.Context, *ListOffsetsRequest) (*query.OffsetsResponse, error)
}

type IngestServiceServer interface {
	ProvideDeposit(context.Context, *ProvideDepositRequest) (*SubmitResponse, error)
	WithdrawDeposit(context.Context, *WithdrawDepositRequest) (*SubmitResponse, error)
	ClaimGain(context.Context, *ClaimGainRequest) (*SubmitResponse, error)
	OffsetLiquidation(context.Context, *OffsetLiquidationRequest) (*SubmitResponse, error)
	IssueReward(context.Context, *IssueRewardRequest) (*SubmitResponse, error)
}

type AdminServiceServer interface {
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error)
}

// unaryMethod builds the MethodDesc protoc-gen-go-grpc would generate for
// one unary RPC.
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// QueryServiceDesc serves read-only pool queries over the json content-subtype (see codecName).
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(queryServiceName, "GetDeposit", QueryServiceServer.GetDeposit),
		unaryMethod(queryServiceName, "GetPoolState", QueryServiceServer.GetPoolState),
		unaryMethod(queryServiceName, "GetBalances", QueryServiceServer.GetBalances),
		unaryMethod(queryServiceName, "ListJournals", QueryServiceServer.ListJournals),
		unaryMethod(queryServiceName, "ListOffsets", QueryServiceServer.ListOffsets),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stabilityledger/v1/query.proto",
}

// IngestServiceDesc serves event submission over the json content-subtype (see codecName).
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(ingestServiceName, "ProvideDeposit", IngestServiceServer.ProvideDeposit),
		unaryMethod(ingestServiceName, "WithdrawDeposit", IngestServiceServer.WithdrawDeposit),
		unaryMethod(ingestServiceName, "ClaimGain", IngestServiceServer.ClaimGain),
		unaryMethod(ingestServiceName, "OffsetLiquidation", IngestServiceServer.OffsetLiquidation),
		unaryMethod(ingestServiceName, "IssueReward", IngestServiceServer.IssueReward),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stabilityledger/v1/ingest.proto",
}

// AdminServiceDesc serves operator RPCs over the json content-subtype (see codecName).
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(adminServiceName, "TakeSnapshot", AdminServiceServer.TakeSnapshot),
		unaryMethod(adminServiceName, "RebuildProjections", AdminServiceServer.RebuildProjections),
		unaryMethod(adminServiceName, "VerifyIntegrity", AdminServiceServer.VerifyIntegrity),
		unaryMethod(adminServiceName, "GetEventLogInfo", AdminServiceServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stabilityledger/v1/admin.proto",
}

// ============================================================================
// QueryService gRPC implementation
// ============================================================================

type queryServiceImpl struct {
	qs *query.QueryService
}

func (s *queryServiceImpl) ready() error {
	if s.qs == nil {
		return status.Error(codes.Unavailable, "query service not configured")
	}
	return nil
}

func (s *queryServiceImpl) GetDeposit(ctx context.Context, req *GetDepositRequest) (*query.DepositResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetDeposit(ctx, depositor)
	if err != nil {
		return nil, toStatus("get deposit", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetPoolState(ctx context.Context, _ *GetPoolStateRequest) (*query.PoolStateResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	resp, err := s.qs.GetPoolState(ctx)
	if err != nil {
		return nil, toStatus("get pool state", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetBalances(ctx context.Context, req *GetBalancesRequest) (*query.BalancesResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetBalances(ctx, depositor)
	if err != nil {
		return nil, toStatus("get balances", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListJournals(ctx context.Context, req *ListJournalsRequest) (*query.JournalHistoryResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}

	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	resp, err := s.qs.GetJournalHistory(ctx, depositor, int(req.PageSize), before)
	if err != nil {
		return nil, toStatus("get journals", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListOffsets(ctx context.Context, req *ListOffsetsRequest) (*query.OffsetsResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	resp, err := s.qs.GetRecentOffsets(ctx, int(req.Limit))
	if err != nil {
		return nil, toStatus("get offsets", err)
	}
	return resp, nil
}

// ============================================================================
// IngestService gRPC implementation
// ============================================================================

type ingestServiceImpl struct {
	svc *ingestion.GRPCIngestService
}

func (s *ingestServiceImpl) ready() error {
	if s.svc == nil {
		return status.Error(codes.Unavailable, "ingest service not configured")
	}
	return nil
}

func submitted(key string, err error) (*SubmitResponse, error) {
	if err != nil {
		return nil, toStatus("submit", err)
	}
	return &SubmitResponse{Accepted: true, IdempotencyKey: key}, nil
}

func (s *ingestServiceImpl) ProvideDeposit(ctx context.Context, req *ProvideDepositRequest) (*SubmitResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := optionalUUID("deposit_id", req.DepositID)
	if err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return submitted(s.svc.ProvideDeposit(ctx, id, depositor, amount, req.Sequence))
}

func (s *ingestServiceImpl) WithdrawDeposit(ctx context.Context, req *WithdrawDepositRequest) (*SubmitResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := optionalUUID("withdrawal_id", req.WithdrawalID)
	if err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return submitted(s.svc.WithdrawDeposit(ctx, id, depositor, amount, req.Sequence))
}

func (s *ingestServiceImpl) ClaimGain(ctx context.Context, req *ClaimGainRequest) (*SubmitResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := optionalUUID("claim_id", req.ClaimID)
	if err != nil {
		return nil, err
	}
	depositor, err := requireUUID("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	if req.Reinvest {
		return submitted(s.svc.ReinvestGain(ctx, id, depositor, req.Sequence))
	}
	return submitted(s.svc.ClaimGain(ctx, id, depositor, req.Sequence))
}

func (s *ingestServiceImpl) OffsetLiquidation(ctx context.Context, req *OffsetLiquidationRequest) (*SubmitResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := optionalUUID("liquidation_id", req.LiquidationID)
	if err != nil {
		return nil, err
	}
	borrower, err := requireUUID("borrower", req.Borrower)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt", req.Debt)
	if err != nil {
		return nil, err
	}
	coll := fpmath.Zero
	if req.Collateral != "" {
		if coll, err = parseAmount("collateral", req.Collateral); err != nil {
			return nil, err
		}
	}
	return submitted(s.svc.OffsetLiquidation(ctx, id, borrower, debt, coll, req.Sequence))
}

func (s *ingestServiceImpl) IssueReward(ctx context.Context, req *IssueRewardRequest) (*SubmitResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := optionalUUID("issuance_id", req.IssuanceID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return submitted(s.svc.IssueReward(ctx, id, amount, req.Sequence))
}

// ============================================================================
// AdminService gRPC implementation
// ============================================================================

// SnapshotTaker captures a snapshot on the core loop and stores it.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context) (*persistence.SnapshotData, int, error)
}

type adminServiceImpl struct {
	db           *sql.DB
	snapMgr      *persistence.SnapshotManager
	snapshots    SnapshotTaker
	queryService *query.QueryService
	startTime    time.Time
}

func (s *adminServiceImpl) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not configured")
	}
	snap, size, err := s.snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus("take snapshot", err)
	}
	return &TakeSnapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: fmt.Sprintf("%x", snap.StateHash),
		SizeBytes: size,
	}, nil
}

func (s *adminServiceImpl) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.db == nil || s.snapMgr == nil {
		return nil, status.Error(codes.Unavailable, "database not configured")
	}
	res, err := projection.RebuildProjections(ctx, s.db, s.snapMgr)
	if err != nil {
		return nil, toStatus("rebuild projections", err)
	}
	return &RebuildProjectionsResponse{
		SnapshotSequence: res.SnapshotSequence,
		Replayed:         res.Replayed,
		Watermark:        res.Watermark,
		Accounts:         res.Accounts,
		Depositors:       res.Depositors,
	}, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.queryService == nil {
		return nil, status.Error(codes.Unavailable, "query service not configured")
	}
	report, err := s.queryService.VerifyIntegrity(ctx, req.Replay)
	if err != nil {
		return nil, toStatus("verify integrity", err)
	}
	return report, nil
}

func (s *adminServiceImpl) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error) {
	if s.db == nil || s.snapMgr == nil {
		return nil, status.Error(codes.Unavailable, "database not configured")
	}
	latestSeq, err := s.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, toStatus("get latest sequence", err)
	}
	watermark, err := projection.Watermark(ctx, s.db)
	if err != nil {
		return nil, toStatus("get watermark", err)
	}

	resp := &GetEventLogInfoResponse{
		LastSequence:           latestSeq,
		ProjectionWatermark:    watermark,
		LatestSnapshotSequence: -1,
		Uptime:                 time.Since(s.startTime).Truncate(time.Second).String(),
	}
	snap, err := s.snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, toStatus("load snapshot", err)
	}
	if snap != nil {
		resp.LatestSnapshotSequence = snap.Sequence
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

func requireUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

func optionalUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return requireUUID(field, s)
}

func parseAmount(field, s string) (fpmath.Decimal18, error) {
	if s == "" {
		return fpmath.Zero, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	v, err := fpmath.ParseUnits(s)
	if err != nil {
		return fpmath.Zero, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return v, nil
}
