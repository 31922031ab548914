/**
 * @description
 * Custom middleware for the HTTP router: admin JWT authentication and per-route
 * request metrics.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HMAC token validation for the admin API.
 * - github.com/go-chi/chi/v5: route patterns and the response writer wrapper.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hima/hima-service/internal/metrics"
)

// AdminContextKey is a custom type for the context key to avoid collisions.
type AdminContextKey string

const adminSubjectKey AdminContextKey = "adminSubject"

// AdminRole is the value the "role" claim must carry on admin tokens.
const AdminRole = "admin"

// AdminAuthMiddleware validates HS256 bearer tokens signed with secret. The token must carry
// a subject and role "admin". An empty secret disables the admin API.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Admin API is not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(subject) == "" {
				http.Error(w, "Token subject required", http.StatusUnauthorized)
				return
			}
			if role, _ := claims["role"].(string); role != AdminRole {
				http.Error(w, "Admin role required", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminSubject returns the authenticated admin's subject claim.
func GetAdminSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(adminSubjectKey).(string)
	return subject, ok
}

// RequestMetrics records request counts and latency by chi route pattern.
func RequestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(r.Method, route, status, time.Since(start))
		})
	}
}
