// Package http exposes the push endpoint, the OAuth boundary and the
// management API over fiber.
package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"notify_server/core/service/push"
	"notify_server/pkg/response"
)

// PushIntake is the push validation entry point.
type PushIntake interface {
	HandlePush(ctx context.Context, req *push.Request) push.Result
}

type PushHandler struct {
	intake PushIntake
}

func NewPushHandler(intake PushIntake) *PushHandler {
	return &PushHandler{intake: intake}
}

func (h *PushHandler) Register(app fiber.Router) {
	app.Post("/push", h.Push)
}

// Push answers 200 for accepted and rejected deliveries alike, so the
// publisher only retries the 500 of a failed hand-off.
func (h *PushHandler) Push(c *fiber.Ctx) error {
	requestID, _ := c.Locals("request_id").(string)
	res := h.intake.HandlePush(c.UserContext(), &push.Request{
		Token:         c.Query("token"),
		Authorization: c.Get(fiber.HeaderAuthorization),
		Body:          c.Body(),
		RequestID:     requestID,
	})
	if res.Err != nil {
		return response.PushFailure(c, "Failed to queue push notification.")
	}
	return response.Push(c, res.Accepted, res.Reason)
}
