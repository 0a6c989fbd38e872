package dispatch

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenHeader is the metadata key (and HTTP header) carrying the worker
// access token.
const TokenHeader = "x-access-token"

// ValidToken reports whether presented matches the configured token. An empty
// configured token matches nothing.
func ValidToken(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// requiresToken reports whether fullMethod belongs to the worker-facing service.
func requiresToken(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+WorkerServiceName+"/")
}

// AuthInterceptor rejects WorkerService calls that do not carry token in the
// x-access-token metadata. The check runs before the handler, so a rejected
// call never reaches the store.
func AuthInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !requiresToken(info.FullMethod) {
			return handler(ctx, req)
		}

		var presented string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(TokenHeader); len(vals) > 0 {
				presented = vals[0]
			}
		}
		if !ValidToken(token, presented) {
			return nil, status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
		}
		return handler(ctx, req)
	}
}

// TokenInterceptor attaches token to every outgoing call.
func TokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, TokenHeader, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
