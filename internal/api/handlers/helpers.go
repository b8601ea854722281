package handlers

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
)

func GetUserID(c *fiber.Ctx) int64 {
	raw, _ := c.Locals("user_id").(string)
	userID, _ := strconv.ParseInt(raw, 10, 64)
	return userID
}

func StatusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidRequest, models.KindAccountNotConnected, models.KindUnsupportedPostType:
		return fiber.StatusBadRequest
	case models.KindAuthExpired:
		return fiber.StatusUnauthorized
	case models.KindNotFound:
		return fiber.StatusNotFound
	case models.KindConflict:
		return fiber.StatusConflict
	case models.KindInvalidMedia, models.KindPermanentRejection:
		return fiber.StatusUnprocessableEntity
	case models.KindTransient:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// respondError writes err as a structured error. Internal errors are logged
// with their cause and answered without it.
func respondError(c *fiber.Ctx, err error, post *models.Post) error {
	e := models.AsError(err)
	msg := e.Message

	switch e.Kind {
	case models.KindInternal:
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		msg = "internal error"
	case models.KindTransient:
		slog.Warn("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}

	return c.Status(StatusFor(e.Kind)).JSON(transfer.ErrorResponse{
		Message: msg,
		Error: transfer.ErrorDetail{
			Kind:     string(e.Kind),
			Platform: string(e.Platform),
			Phase:    e.Phase,
		},
		Post: post,
	})
}
