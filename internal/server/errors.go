package server

import (
	"context"

	"PerpSettle/internal/core"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a core error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, core.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(Code(err), err.Error())
}

// Code classifies err the way the core labels rejections.
func Code(err error) codes.Code {
	switch core.Reason(err) {
	case "not_found":
		return codes.NotFound
	case "invalid_argument":
		return codes.InvalidArgument
	case "already_exists":
		return codes.AlreadyExists
	case "sequence":
		return codes.Aborted
	case "queue_full":
		return codes.ResourceExhausted
	case "precondition":
		return codes.FailedPrecondition
	case "invariant":
		return codes.Internal
	default:
		return codes.Unknown
	}
}
