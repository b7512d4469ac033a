package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/auth"
	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys from other packages.
type contextKey int

const (
	// contextKeyClaims holds the authenticated *auth.Claims after
	// successful JWT validation.
	contextKeyClaims contextKey = iota
)

// Authenticate validates the Bearer token in the Authorization header (or,
// for WebSocket upgrades that cannot set headers, the "token" query
// parameter). On success the parsed claims are stored in the request
// context; on failure the chain stops with a 401.
func Authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				ErrUnauthorized(w)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RequireRole allows the request through only when the authenticated user's
// role grants at least the given level. Must run after Authenticate.
//
//	r.With(RequireRole(db.RoleOperator)).Post("/agents", h.Create)
func RequireRole(role db.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromCtx(r.Context())
			if claims == nil {
				ErrUnauthorized(w)
				return
			}
			if !claims.Role.AtLeast(role) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status and size. Chi's
// middleware.RequestID is expected to run first so the request ID is
// available.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the claims stored by Authenticate, or nil when
// the request is unauthenticated.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*auth.Claims)
	return claims
}

// principalFromCtx converts the request claims into a controller principal.
// The second return is false when the request is unauthenticated.
func principalFromCtx(ctx context.Context) (controller.Principal, bool) {
	claims := claimsFromCtx(ctx)
	if claims == nil {
		return controller.Principal{}, false
	}
	return controller.Principal{UserID: claims.UserID, Role: claims.Role}, true
}
