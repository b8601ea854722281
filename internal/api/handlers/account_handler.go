package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type AccountHandler struct {
	s service.AccountService
}

func NewAccountHandler(s service.AccountService) *AccountHandler {
	return &AccountHandler{s: s}
}

func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	tokens, err := h.s.List(c.Context(), GetUserID(c))
	if err != nil {
		return respondError(c, err, nil)
	}

	accounts := make([]transfer.AccountResponse, 0, len(tokens))
	for _, t := range tokens {
		accounts = append(accounts, transfer.NewAccountResponse(t))
	}
	return c.Status(fiber.StatusOK).JSON(accounts)
}

func (h *AccountHandler) ConnectAccount(c *fiber.Ctx) error {
	p, err := models.ParsePlatform(c.Params("platform"))
	if err != nil {
		return respondError(c, err, nil)
	}

	var req transfer.ConnectAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewInvalidRequest("unable to parse body"), nil)
	}

	token, err := h.s.Connect(c.Context(), GetUserID(c), p, &req)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(transfer.NewAccountResponse(token))
}

func (h *AccountHandler) DisconnectAccount(c *fiber.Ctx) error {
	p, err := models.ParsePlatform(c.Params("platform"))
	if err != nil {
		return respondError(c, err, nil)
	}
	if err := h.s.Disconnect(c.Context(), GetUserID(c), p); err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Account disconnected",
	})
}
