package testutil

import (
	"context"
	"net/http"

	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/middleware"
)

// WithClaims attaches session claims to the request context.
// This simulates what the auth middleware would do for authenticated requests.
func WithClaims(req *http.Request, role, address string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyClaims, &middleware.Claims{
		Address: address,
		Role:    role,
	})
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
