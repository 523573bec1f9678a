package rpcapi

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/emunet-dev/emunetd/services"
	"github.com/emunet-dev/emunetd/session"
)

// toStatusError maps engine errors onto gRPC status codes.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrNodeNotFound),
		errors.Is(err, session.ErrInterfaceNotFound),
		errors.Is(err, session.ErrLinkNotFound),
		errors.Is(err, session.ErrModelNotFound),
		errors.Is(err, services.ErrServiceNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrNodeExists),
		errors.Is(err, session.ErrInterfaceExists),
		errors.Is(err, session.ErrLinkExists),
		errors.Is(err, services.ErrServiceExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, session.ErrStateBackward),
		errors.Is(err, session.ErrSessionShutdown):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, session.ErrUnknownState),
		errors.Is(err, services.ErrDependencyCycle):
		return status.Error(codes.InvalidArgument, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
