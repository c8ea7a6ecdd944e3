package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

type ctxKey struct{}

// PrincipalHeader names the caller in development mode.
const PrincipalHeader = "X-Principal"

// WithPrincipal returns a context carrying the verified caller identity.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ctxKey{}, principal)
}

// Principal returns the verified caller identity, or "" for an anonymous
// request.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(ctxKey{}).(string)
	return p
}

// Middleware attaches the identity of a verified bearer token to the
// request context. Requests without a token proceed anonymously so that
// permissionless routes stay reachable; a present but invalid token is
// rejected.
func Middleware(j JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				unauthorized(w, "authorization header must be a bearer token")
				return
			}
			claims, err := j.Verify(token)
			if err != nil {
				log.WithError(err).Debug("rejected bearer token")
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.Subject)))
		})
	}
}

// HeaderMiddleware trusts the X-Principal header. Development only.
func HeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.Header.Get(PrincipalHeader); p != "" {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// ErrNoAuthenticator is returned by Select when neither a signing secret
// nor the development header is configured.
var ErrNoAuthenticator = errors.New("auth: JWT_SECRET is required unless DEV_TRUST_HEADER=true")

// Select returns the request authenticator: bearer tokens when j carries a
// secret, the X-Principal header only when trustHeader is set.
func Select(j JWT, trustHeader bool) (func(http.Handler) http.Handler, error) {
	switch {
	case len(j.Secret) > 0:
		return Middleware(j), nil
	case trustHeader:
		return HeaderMiddleware, nil
	}
	return nil, ErrNoAuthenticator
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "Unauthenticated"})
}
