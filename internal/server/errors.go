package server

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/query"
	"StabilityLedger/internal/state"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorCodes maps domain errors to gRPC codes. The first match wins.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{ingestion.ErrInvalidArgument, codes.InvalidArgument},
	{query.ErrInvalidArgument, codes.InvalidArgument},
	{state.ErrInvalidAmount, codes.InvalidArgument},
	{core.ErrInvalidOrigin, codes.InvalidArgument},
	{core.ErrUnknownEvent, codes.InvalidArgument},
	{state.ErrInsufficientBalance, codes.FailedPrecondition},
	{state.ErrNoGainAvailable, codes.FailedPrecondition},
	{state.ErrNoDeposit, codes.FailedPrecondition},
	{state.ErrOffsetRejected, codes.FailedPrecondition},
	{core.ErrSequenceGap, codes.FailedPrecondition},
	{core.ErrOutOfOrder, codes.Aborted},
	{state.ErrArithmetic, codes.OutOfRange},
	{query.ErrProjectionInconsistent, codes.Unavailable},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus converts an error from the domain packages into a gRPC status.
// Errors that already carry a status pass through.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return status.Errorf(m.code, "%s: %v", op, err)
		}
	}
	return status.Errorf(codes.Internal, "%s: %v", op, err)
}
