package routes

import (
	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

type grantRequest struct {
	UserID     uint              `json:"userId"`
	Permission agenda.GrantLevel `json:"permission"`
}

type bulkGrantRequest struct {
	Grants []grantRequest `json:"grants"`
}

type changeGrantRequest struct {
	Permission agenda.GrantLevel `json:"permission"`
}

func (h *Handler) listCalendars(c *fiber.Ctx) error {
	cals, err := h.svc.ListCalendars(c.UserContext(), principal(c))
	if err != nil {
		return err
	}
	return c.JSON(cals)
}

func (h *Handler) createCalendar(c *fiber.Ctx) error {
	var in agenda.CalendarInput
	if err := bind(c, &in); err != nil {
		return err
	}
	cal, err := h.svc.CreateCalendar(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(cal)
}

func (h *Handler) getCalendar(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	cal, err := h.svc.GetCalendar(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(cal)
}

func (h *Handler) updateCalendar(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var patch agenda.CalendarPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	cal, err := h.svc.UpdateCalendar(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(cal)
}

func (h *Handler) deleteCalendar(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCalendar(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) listPermissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	grants, err := h.svc.ListPermissions(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(grants)
}

func (h *Handler) grantPermission(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req grantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	grant, err := h.svc.GrantPermission(c.UserContext(), principal(c), id, req.UserID, req.Permission)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(grant)
}

func (h *Handler) bulkGrant(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req bulkGrantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	grants := make(map[uint]agenda.GrantLevel, len(req.Grants))
	for _, g := range req.Grants {
		if _, dup := grants[g.UserID]; dup {
			return fiber.NewError(fiber.StatusBadRequest, "duplicate userId in grants")
		}
		grants[g.UserID] = g.Permission
	}
	created, err := h.svc.BulkGrant(c.UserContext(), principal(c), id, grants)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *Handler) getPermission(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return err
	}
	grant, err := h.svc.GetPermission(c.UserContext(), principal(c), id, userID)
	if err != nil {
		return err
	}
	return c.JSON(grant)
}

func (h *Handler) changePermission(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return err
	}
	var req changeGrantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	grant, err := h.svc.ChangePermission(c.UserContext(), principal(c), id, userID, req.Permission)
	if err != nil {
		return err
	}
	return c.JSON(grant)
}

func (h *Handler) revokePermission(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return err
	}
	if err := h.svc.RevokePermission(c.UserContext(), principal(c), id, userID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
