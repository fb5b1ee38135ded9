package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"notify_server/core/domain"
	"notify_server/pkg/apperr"
	"notify_server/pkg/logger"
	"notify_server/pkg/response"
)

// OAuthFlow is the consent flow behind /oauth.
type OAuthFlow interface {
	AuthorizeURL(ctx context.Context, accountID string) (string, error)
	Callback(ctx context.Context, code, state string) (*domain.MailboxBinding, error)
}

type OAuthHandler struct {
	flow OAuthFlow
}

func NewOAuthHandler(flow OAuthFlow) *OAuthHandler {
	return &OAuthHandler{flow: flow}
}

func (h *OAuthHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	oauth := router.Group("/oauth", guards...)
	oauth.Get("/authorize", h.Authorize)
	oauth.Get("/callback", h.Callback)
}

// Authorize redirects the user agent to the provider's consent screen.
func (h *OAuthHandler) Authorize(c *fiber.Ctx) error {
	url, err := h.flow.AuthorizeURL(c.UserContext(), c.Query("account_id"))
	if err != nil {
		return err
	}
	return c.Redirect(url, fiber.StatusFound)
}

// Callback finishes consent. A provider-side error such as access_denied
// arrives as the error query parameter.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if providerErr := c.Query("error"); providerErr != "" {
		logger.WithContext(c.UserContext()).WithField("error", providerErr).Warn("[OAuthHandler] consent refused")
		return apperr.InvalidRequestData("authorization was not granted").WithDetail("reason", providerErr)
	}
	binding, err := h.flow.Callback(c.UserContext(), c.Query("code"), c.Query("state"))
	if err != nil {
		return err
	}
	return response.OK(c, binding)
}
