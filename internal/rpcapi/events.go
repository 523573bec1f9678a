package rpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Events streams session events to the client until the session's broker
// closes the subscription or the client goes away.
func (s *Server) Events(req *EventsRequest, stream grpc.ServerStream) error {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return toStatusError(err)
	}
	id, ch := sess.Events().Subscribe()
	defer sess.Events().Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

// Throughputs streams periodic device throughput samples across all
// sessions.
func (s *Server) Throughputs(_ *ThroughputsRequest, stream grpc.ServerStream) error {
	if s.sampler == nil {
		return status.Error(codes.Unimplemented, "throughput sampling is disabled")
	}
	id, ch := s.sampler.Subscribe()
	defer s.sampler.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&sample); err != nil {
				return err
			}
		}
	}
}
