package routes

import (
	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

type promoteRequest struct {
	UserID uint `json:"userId"`
	agenda.AdminGrant
}

func (h *Handler) listAdministrators(c *fiber.Ctx) error {
	admins, err := h.svc.ListAdministrators(c.UserContext(), principal(c))
	if err != nil {
		return err
	}
	return c.JSON(admins)
}

func (h *Handler) promote(c *fiber.Ctx) error {
	var req promoteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.UserID == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	admin, err := h.svc.Promote(c.UserContext(), principal(c), req.UserID, req.AdminGrant)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(admin)
}

func (h *Handler) changeAdminPermissions(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return err
	}
	var patch agenda.AdminPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	admin, err := h.svc.ChangeAdminPermissions(c.UserContext(), principal(c), userID, patch)
	if err != nil {
		return err
	}
	return c.JSON(admin)
}

func (h *Handler) demote(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return err
	}
	if err := h.svc.Demote(c.UserContext(), principal(c), userID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) listAuditLogs(c *fiber.Ctx) error {
	adminID, err := queryUintPtr(c, "adminId")
	if err != nil {
		return err
	}
	entityID, err := queryUintPtr(c, "entityId")
	if err != nil {
		return err
	}
	from, err := queryTime(c, "from")
	if err != nil {
		return err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return err
	}

	page, err := h.svc.ListAuditLogs(c.UserContext(), principal(c), agenda.AuditFilter{
		Action:     agenda.AuditAction(c.Query("action")),
		EntityType: agenda.EntityType(c.Query("entityType")),
		AdminID:    adminID,
		EntityID:   entityID,
		From:       from,
		To:         to,
		Page:       c.QueryInt("page", 1),
		Limit:      c.QueryInt("limit", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handler) recentAuditLogs(c *fiber.Ctx) error {
	logs, err := h.svc.RecentAuditLogs(c.UserContext(), principal(c), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(logs)
}

func (h *Handler) auditStats(c *fiber.Ctx) error {
	stats, err := h.svc.AuditStats(c.UserContext(), principal(c))
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (h *Handler) getAuditLog(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	entry, err := h.svc.GetAuditLog(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

// purgeAuditLogs deletes entries created before ?before=RFC3339.
func (h *Handler) purgeAuditLogs(c *fiber.Ctx) error {
	before, err := queryTime(c, "before")
	if err != nil {
		return err
	}
	if before == nil {
		return fiber.NewError(fiber.StatusBadRequest, "before is required")
	}
	n, err := h.svc.DeleteAuditLogsOlderThan(c.UserContext(), principal(c), *before)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (h *Handler) undo(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.Undo(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
