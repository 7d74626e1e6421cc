package middleware

import (
	stderrors "errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/pkg/auth"
	"github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

const (
	ContextSubject = "subject"
	ContextClaims  = "claims"
)

var (
	errMissingAuth = stderrors.New("missing authorization header")
	errAuthFormat  = stderrors.New("invalid authorization format")
)

// Route is one (method, path) pair, with the path in gin pattern syntax.
type Route struct {
	Method string
	Path   string
}

// RouteTable maps routes to the capability they require. Routes that are
// not in the table are public.
type RouteTable map[Route]string

type AuthMiddleware struct {
	jwt    auth.JWTService
	routes RouteTable
}

func NewAuthMiddleware(jwt auth.JWTService, routes RouteTable) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt, routes: routes}
}

// Authorize looks the matched route up in the table and, when it requires a
// capability, checks the bearer token for it.
func (m *AuthMiddleware) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		capability, protected := m.routes[Route{Method: c.Request.Method, Path: c.FullPath()}]
		if !protected {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, errors.Unauthorized(errMissingAuth))
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.RespondWithError(c, errors.Unauthorized(errAuthFormat))
			c.Abort()
			return
		}

		claims, err := m.jwt.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			httputil.RespondWithError(c, errors.Unauthorized(err))
			c.Abort()
			return
		}
		if !claims.Has(capability) {
			httputil.RespondWithError(c, errors.Forbidden("missing capability "+capability))
			c.Abort()
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}
