package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryInterceptors returns the interceptor chain for the admin gRPC server:
// request logging first, then the admin key check.
func (s *Server) UnaryInterceptors() []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{s.logUnary, s.authUnary}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	switch code {
	case codes.OK:
		s.log.Info("grpc request", attrs...)
	case codes.Internal, codes.Unavailable, codes.Unknown:
		s.log.Error("grpc request failed", append(attrs, "err", err)...)
	default:
		s.log.Warn("grpc request rejected", append(attrs, "err", err)...)
	}
	return resp, err
}

func (s *Server) authUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var got string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(adminKeyMetadata); len(v) > 0 {
			got = v[0]
		}
	}
	if !s.keyMatches(got) {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid admin key")
	}
	return handler(ctx, req)
}
