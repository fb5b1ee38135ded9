// Package response renders the JSON envelopes returned by the HTTP boundary.
package response

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"notify_server/pkg/apperr"
)

// Response is the standard API response structure.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data})
}

// Created returns a 201 created response.
func Created(c *fiber.Ctx, data any) error {
	return c.Status(http.StatusCreated).JSON(Response{Success: true, Data: data})
}

// Fail renders err with its vocabulary code. Unstructured errors become
// internal_error without leaking their text.
func Fail(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	return c.Status(appErr.Status).JSON(Response{
		Success: false,
		Code:    appErr.Code,
		Message: appErr.Message,
	})
}

// Push writes the push intake outcome. Rejections are 200 with a reason so
// the publisher does not retry them.
func Push(c *fiber.Ctx, success bool, reason string) error {
	return c.Status(http.StatusOK).JSON(Response{Success: success, Reason: reason})
}

// PushFailure is returned when an accepted push could not be handed off.
func PushFailure(c *fiber.Ctx, reason string) error {
	return c.Status(http.StatusInternalServerError).JSON(Response{Success: false, Reason: reason})
}

// FiberStatus maps fiber's own errors (404 routes, 405, body limit) to the
// vocabulary.
func FiberStatus(err error) *apperr.AppError {
	var fe *fiber.Error
	if !errors.As(err, &fe) {
		return apperr.AsAppError(err)
	}
	switch fe.Code {
	case http.StatusNotFound:
		return apperr.NotFound("route")
	case http.StatusUnauthorized:
		return apperr.Unauthorized(fe.Message)
	case http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	}
	if fe.Code >= 400 && fe.Code < 500 {
		return apperr.New(apperr.CodeInvalidRequestData, fe.Message, fe.Code)
	}
	return apperr.Internal(err)
}
