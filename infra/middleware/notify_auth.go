package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"notify_server/pkg/apperr"
	"notify_server/pkg/logger"
	"notify_server/pkg/response"
)

// ServiceIssuer is the issuer management API callers must sign with.
const ServiceIssuer = "notify-dashboard"

// ServiceAuth guards the management API with an HS256 bearer token shared
// with the dashboard and chat layer. An empty secret disables the check.
func ServiceAuth(secret string) fiber.Handler {
	if secret == "" {
		logger.Warn("[ServiceAuth] API_JWT_SECRET not set, management API is unauthenticated")
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ServiceIssuer),
		jwt.WithExpirationRequired(),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}
		scheme, raw, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			return response.Fail(c, apperr.Unauthorized("missing authorization"))
		}

		var claims jwt.RegisteredClaims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			logger.WithContext(c.UserContext()).WithError(err).Warn("[ServiceAuth] token rejected")
			return response.Fail(c, apperr.Unauthorized("invalid token"))
		}
		c.Locals("caller", claims.Subject)
		return c.Next()
	}
}
