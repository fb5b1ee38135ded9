package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"notify_server/core/domain"
	"notify_server/core/service/account"
	"notify_server/pkg/apperr"
	"notify_server/pkg/response"
)

type FilterManager interface {
	Settings(ctx context.Context, accountID, mailbox string) (*domain.FilterSettings, error)
	AddAllowed(ctx context.Context, accountID, mailbox, sender string) (bool, error)
	RemoveAllowed(ctx context.Context, accountID, mailbox, sender string) (bool, error)
	AddDenied(ctx context.Context, accountID, mailbox, sender string) (bool, error)
	RemoveDenied(ctx context.Context, accountID, mailbox, sender string) (bool, error)
	SetAllowListEnabled(ctx context.Context, accountID, mailbox string, enabled bool) (*domain.FilterSettings, error)
}

type AccountManager interface {
	Delete(ctx context.Context, accountID string) (*account.DeletionReport, error)
	SetBlacklisted(ctx context.Context, accountID string, blacklisted bool) (*domain.Account, error)
	ListBindings(ctx context.Context, accountID string) ([]*domain.MailboxBinding, error)
	Unbind(ctx context.Context, accountID, mailbox string) error
}

type WatchLister interface {
	List(ctx context.Context) ([]*domain.WatchRegistration, error)
}

// ManagementHandler serves /api/v1 for the dashboard and chat layer.
type ManagementHandler struct {
	filters  FilterManager
	accounts AccountManager
	watches  WatchLister
}

func NewManagementHandler(filters FilterManager, accounts AccountManager, watches WatchLister) *ManagementHandler {
	return &ManagementHandler{filters: filters, accounts: accounts, watches: watches}
}

func (h *ManagementHandler) Register(router fiber.Router) {
	filters := router.Group("/filters")
	filters.Get("/", h.GetFilters)
	filters.Post("/allow", h.senderChange(h.filters.AddAllowed))
	filters.Delete("/allow", h.senderChange(h.filters.RemoveAllowed))
	filters.Post("/deny", h.senderChange(h.filters.AddDenied))
	filters.Delete("/deny", h.senderChange(h.filters.RemoveDenied))
	filters.Put("/allow-list", h.SetAllowList)

	router.Get("/bindings", h.ListBindings)
	router.Delete("/bindings", h.Unbind)

	router.Delete("/accounts/:id", h.DeleteAccount)
	router.Put("/accounts/:id/blacklist", h.SetBlacklist)

	router.Get("/watches", h.ListWatches)
}

type senderRequest struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
	Sender    string `json:"sender"`
}

type allowListRequest struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
	Enabled   *bool  `json:"enabled"`
}

type bindingRequest struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
}

type blacklistRequest struct {
	Blacklisted *bool `json:"blacklisted"`
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperr.InvalidRequestData("invalid request body")
	}
	return nil
}

func (h *ManagementHandler) GetFilters(c *fiber.Ctx) error {
	settings, err := h.filters.Settings(c.UserContext(), c.Query("account_id"), c.Query("mailbox"))
	if err != nil {
		return err
	}
	return response.OK(c, settings.View())
}

// senderChange adapts one of the four list mutations to a handler. The
// response says whether the list changed.
func (h *ManagementHandler) senderChange(op func(ctx context.Context, accountID, mailbox, sender string) (bool, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req senderRequest
		if err := parseBody(c, &req); err != nil {
			return err
		}
		if req.Sender == "" {
			return apperr.MissingField("sender")
		}
		changed, err := op(c.UserContext(), req.AccountID, req.Mailbox, req.Sender)
		if err != nil {
			return err
		}
		return response.OK(c, fiber.Map{"changed": changed})
	}
}

func (h *ManagementHandler) SetAllowList(c *fiber.Ctx) error {
	var req allowListRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Enabled == nil {
		return apperr.MissingField("enabled")
	}
	settings, err := h.filters.SetAllowListEnabled(c.UserContext(), req.AccountID, req.Mailbox, *req.Enabled)
	if err != nil {
		return err
	}
	return response.OK(c, settings.View())
}

func (h *ManagementHandler) ListBindings(c *fiber.Ctx) error {
	bindings, err := h.accounts.ListBindings(c.UserContext(), c.Query("account_id"))
	if err != nil {
		return err
	}
	return response.OK(c, bindings)
}

func (h *ManagementHandler) Unbind(c *fiber.Ctx) error {
	var req bindingRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Mailbox == "" {
		return apperr.MissingField("mailbox")
	}
	if err := h.accounts.Unbind(c.UserContext(), req.AccountID, req.Mailbox); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"unbound": true})
}

func (h *ManagementHandler) DeleteAccount(c *fiber.Ctx) error {
	report, err := h.accounts.Delete(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, report)
}

func (h *ManagementHandler) SetBlacklist(c *fiber.Ctx) error {
	var req blacklistRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Blacklisted == nil {
		return apperr.MissingField("blacklisted")
	}
	acct, err := h.accounts.SetBlacklisted(c.UserContext(), c.Params("id"), *req.Blacklisted)
	if err != nil {
		return err
	}
	return response.OK(c, acct)
}

func (h *ManagementHandler) ListWatches(c *fiber.Ctx) error {
	regs, err := h.watches.List(c.UserContext())
	if err != nil {
		return err
	}
	return response.OK(c, regs)
}
