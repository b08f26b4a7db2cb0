package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/engine/auth"
)

type agentKey struct{}
type tokenKey struct{}

func withAgent(ctx context.Context, agentID, token string) context.Context {
	ctx = context.WithValue(ctx, agentKey{}, agentID)
	return context.WithValue(ctx, tokenKey{}, token)
}

func agentFromContext(ctx context.Context) (string, huma.StatusError) {
	if id, ok := ctx.Value(agentKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the bearer session token to an agent id. Login
// and health stay open; everything else under the base path is 401 without
// a live session.
func newAuthMiddleware(basePath string, svc *auth.Service) func(http.Handler) http.Handler {
	open := map[string]struct{}{
		path.Join(basePath, "health"):     {},
		path.Join(basePath, "auth/login"): {},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := open[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			agentID, err := svc.ValidateSession(req.Context(), token)
			if err != nil {
				var expired auth.SessionExpiredError
				if errors.As(err, &expired) {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "session_expired", "session expired", nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withAgent(req.Context(), agentID, token)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
