package api

import (
	"context"
	"errors"

	"github.com/solatis/attributor/internal/scheduler"
	"github.com/solatis/attributor/internal/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Auth errors are mapped in the auth package interceptor.
// Validation errors map to INVALID_ARGUMENT.
// Datastore and delivery errors map to UNAVAILABLE (retryable).
// Overlapping sweeps map to ABORTED.
// Context timeouts map to DEADLINE_EXCEEDED.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, scheduler.ErrSweepRunning):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}

	switch types.CategoryOf(err) {
	case types.CategoryValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case types.CategoryDatastore, types.CategoryDelivery:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
