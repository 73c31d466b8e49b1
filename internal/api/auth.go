package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/callpipe/callpipe/internal/storage"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// TenantLookup resolves webhook credentials to a tenant.
type TenantLookup interface {
	GetTenantByWebhookUser(user string) (storage.Tenant, error)
}

// TenantBasicAuth authenticates webhook requests with tenant-scoped HTTP
// Basic credentials and puts the tenant on the request context. Both the
// unknown-user and bad-secret paths go through the constant-time compare so
// response timing does not leak which part failed.
func TenantBasicAuth(tenants TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="callpipe"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing credentials")
				return
			}

			tenant, err := tenants.GetTenantByWebhookUser(user)
			secret := tenant.WebhookSecret
			if errors.Is(err, storage.ErrNotFound) {
				secret = ""
			} else if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "tenant lookup failed")
				return
			}

			if subtle.ConstantTimeCompare([]byte(pass), []byte(secret)) != 1 || secret == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid credentials")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantContextKey, tenant)))
		})
	}
}

func tenantFromContext(ctx context.Context) (storage.Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(storage.Tenant)
	return t, ok
}

// BearerAuth guards the admin surface with a static operator token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
