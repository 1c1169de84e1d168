package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/pantry-backend/api/responses"
	pkgAuth "github.com/angelmondragon/pantry-backend/pkg/auth"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// AdminAuth requires an operator bearer token on the admin surface. With no
// signing secret configured every request is refused.
func AdminAuth(cfg config.AdminConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "admin surface disabled"))
				return
			}

			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAdminToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := withAdmin(r.Context(), claims.Subject, claims.Email)
			if logg != nil {
				ctx = logg.WithField(ctx, "admin_subject", claims.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) string {
	token := strings.TrimSpace(header)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
