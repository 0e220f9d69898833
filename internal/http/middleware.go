package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type principalKey struct{}

var errInvalidToken = errors.New("invalid token")

// AuthMiddleware accepts HS256 bearer tokens whose "sub" claim is the user id and
// whose optional "role" claim is the user role.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			principal, err := parseToken(raw, key)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			ctx = zerolog.Ctx(ctx).With().Str("user_id", principal.UserID).Logger().WithContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseToken(raw string, key []byte) (domain.Principal, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return domain.Principal{}, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, errInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.Principal{}, errInvalidToken
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.Principal{UserID: sub, Role: role}, nil
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		if !principal.IsAdmin() {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// RequestLogger attaches a request scoped zerolog logger and logs every response.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := log.Logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		ctx := l.WithContext(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := l.Info()
		if status >= http.StatusInternalServerError {
			event = l.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}
