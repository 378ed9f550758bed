package routes

import (
	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

func (h *Handler) listUsers(c *fiber.Ctx) error {
	page, err := h.svc.ListUsers(c.UserContext(), principal(c), agenda.UserFilter{
		Role:   agenda.Role(c.Query("role")),
		Status: agenda.UserStatus(c.Query("status")),
		Search: c.Query("search"),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handler) createUser(c *fiber.Ctx) error {
	var in agenda.UserInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.CreateUser(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(u)
}

func (h *Handler) getUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(u)
}

func (h *Handler) updateUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var patch agenda.UserPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	u, err := h.svc.UpdateUser(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(u)
}

func (h *Handler) deleteUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUser(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
