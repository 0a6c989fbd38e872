package dispatch

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/seantiz/sandbox/internal/store"
)

var (
	// ErrInvalidArgument is returned when a request fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthenticated is returned when a worker call carries a missing or
	// wrong access token.
	ErrUnauthenticated = errors.New("missing or invalid access token")
)

// Code maps an error from the service layer to its gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	var storageErr *store.StorageError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.As(err, &storageErr):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error, leaving existing status
// errors untouched.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// IsPermanent reports whether retrying a call that failed with err cannot
// succeed. ResourceExhausted is what a peer returns for an oversized
// message, which fails the same way on every attempt.
func IsPermanent(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.FailedPrecondition,
		codes.NotFound, codes.InvalidArgument, codes.Unimplemented, codes.ResourceExhausted:
		return true
	}
	return false
}
