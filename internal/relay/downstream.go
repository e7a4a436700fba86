package relay

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type contextKey string

const identityContextKey contextKey = "internal-identity"

// RequireIdentity rejects requests without a valid internal assertion
// and puts the asserted Identity in the request context.
func RequireIdentity(signer *Signer, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := signer.Verify(r.Header)
			if err != nil {
				logger.Debug("rejecting internal identity", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the asserted identity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}
