package authstub

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jrsteele09/go-learn-session/internal/authstub/token"
	"github.com/jrsteele09/go-learn-session/internal/errors"
	"github.com/jrsteele09/go-learn-session/users"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyIntrospection stores the verified access token
	ContextKeyIntrospection ContextKey = "introspection"
)

var (
	rolesAdmin          = []users.Role{users.RoleAdmin}
	rolesTeacherOrAdmin = []users.Role{users.RoleTeacher, users.RoleAdmin}
)

func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	// Apply middleware in reverse order
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

func (s *Server) APIMiddleware(mw ...func(http.HandlerFunc) http.HandlerFunc) []func(http.HandlerFunc) http.HandlerFunc {
	chainedMiddleWare := []func(http.HandlerFunc) http.HandlerFunc{
		s.LoggingMiddleware,
		s.RecoverMiddleware,
		s.NoStoreMiddleware,
	}
	return append(chainedMiddleWare, mw...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("authstub request")
	}
}

func (s *Server) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("authstub handler panicked")
				writeJSONError(w, "server_error", "internal error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (s *Server) NoStoreMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next(w, r)
	}
}

// RequireAuth validates the Bearer access token and stores its
// introspection in the request context.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, "unauthorized", "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeJSONError(w, "unauthorized", "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			raw := strings.TrimSpace(parts[1])
			if raw == "" {
				writeJSONError(w, "unauthorized", "Empty token", http.StatusUnauthorized)
				return
			}

			info, err := s.tokens.Introspection(raw)
			if err != nil || !info.Active {
				description := "Invalid token"
				switch {
				case errors.Is(err, errors.ErrTokenExpired):
					description = "Token expired"
				case errors.Is(err, errors.ErrTokenRevoked):
					description = "Token revoked"
				}
				writeJSONError(w, "unauthorized", description, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIntrospection, info)
			next(w, r.WithContext(ctx))
		}
	}
}

// RequireRole rejects callers whose token carries none of allowed.
func (s *Server) RequireRole(allowed ...users.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			info := introspectionFrom(r.Context())
			if info == nil {
				writeJSONError(w, "unauthorized", "Missing token", http.StatusUnauthorized)
				return
			}
			role := users.HighestRole(info.Roles...)
			for _, a := range allowed {
				if role == a {
					next(w, r)
					return
				}
			}
			writeJSONError(w, "forbidden", "Role "+string(role)+" may not access this resource", http.StatusForbidden)
		}
	}
}

func introspectionFrom(ctx context.Context) *token.TokenIntrospection {
	info, _ := ctx.Value(ContextKeyIntrospection).(*token.TokenIntrospection)
	return info
}
