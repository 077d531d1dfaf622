package grpcapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
)

// authorizationHeader is the metadata entry carrying the bearer token.
const authorizationHeader = "authorization"

// authenticate extracts and verifies the bearer token from incoming
// metadata and returns a context carrying the principal.
func authenticate(ctx context.Context, verifier *auth.Verifier) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "Missing request metadata")
	}

	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "Missing authorization metadata")
	}

	token := values[0]
	if after, found := strings.CutPrefix(token, "Bearer "); found {
		token = after
	}
	token = strings.TrimSpace(token)

	principal, err := verifier.VerifyBearerToken(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return auth.WithPrincipal(ctx, principal), nil
}

// UnaryAuthInterceptor verifies the bearer token before every unary call.
func UnaryAuthInterceptor(verifier *auth.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authedCtx, err := authenticate(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(authedCtx, req)
	}
}

// StreamAuthInterceptor verifies the bearer token before every streaming
// call, wrapping the stream so handlers observe the principal context.
func StreamAuthInterceptor(verifier *auth.Verifier) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authedCtx, err := authenticate(ss.Context(), verifier)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: authedCtx})
	}
}

// wrappedStream overrides Context so downstream handlers see the
// authenticated principal.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
