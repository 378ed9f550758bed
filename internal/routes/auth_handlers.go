package routes

import (
	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string       `json:"accessToken"`
	TokenType   string       `json:"tokenType"`
	ExpiresAt   int64        `json:"expiresAt"`
	User        *agenda.User `json:"user"`
}

type meResponse struct {
	User  *agenda.User          `json:"user"`
	Admin *agenda.Administrator `json:"administrator,omitempty"`
}

func (h *Handler) register(c *fiber.Ctx) error {
	var in agenda.UserInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.Register(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(u)
}

func (h *Handler) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.Authenticate(c.UserContext(), principal(c), req.Email, req.Password)
	if err != nil {
		return err
	}

	token, cl, err := h.tokens.GenerateAccessToken(p.User.ID, p.User.Email, string(p.User.Role))
	if err != nil {
		return err
	}
	return c.JSON(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   cl.ExpiresAt.Unix(),
		User:        p.User,
	})
}

func (h *Handler) logout(c *fiber.Ctx) error {
	cl := claims(c)
	if cl == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}
	if err := h.svc.Logout(c.UserContext(), principal(c), cl.ID, cl.ExpiresAt.Time); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) me(c *fiber.Ctx) error {
	p := principal(c)
	return c.JSON(meResponse{User: p.User, Admin: p.Admin})
}
