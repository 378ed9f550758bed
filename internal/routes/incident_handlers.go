package routes

import (
	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

type statusRequest struct {
	Status agenda.IncidentStatus `json:"status"`
}

type commentRequest struct {
	Body string `json:"body"`
}

func (h *Handler) listIncidents(c *fiber.Ctx) error {
	categoryID, err := queryUintPtr(c, "categoryId")
	if err != nil {
		return err
	}
	page, err := h.svc.ListIncidents(c.UserContext(), principal(c), agenda.IncidentFilter{
		Status:     agenda.IncidentStatus(c.Query("status")),
		Priority:   agenda.IncidentPriority(c.Query("priority")),
		CategoryID: categoryID,
		Page:       c.QueryInt("page", 1),
		Limit:      c.QueryInt("limit", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handler) createIncident(c *fiber.Ctx) error {
	var in agenda.IncidentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	inc, err := h.svc.CreateIncident(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(inc)
}

func (h *Handler) getIncident(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	inc, err := h.svc.GetIncident(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(inc)
}

func (h *Handler) updateIncident(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var patch agenda.IncidentPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	inc, err := h.svc.UpdateIncident(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(inc)
}

func (h *Handler) deleteIncident(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteIncident(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) changeIncidentStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inc, err := h.svc.ChangeIncidentStatus(c.UserContext(), principal(c), id, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(inc)
}

func (h *Handler) assignIncident(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req agenda.IncidentAssignment
	if err := bind(c, &req); err != nil {
		return err
	}
	inc, err := h.svc.AssignIncident(c.UserContext(), principal(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(inc)
}

func (h *Handler) listComments(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	comments, err := h.svc.ListComments(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(comments)
}

func (h *Handler) addComment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req commentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	comment, err := h.svc.AddComment(c.UserContext(), principal(c), id, req.Body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}

func (h *Handler) listCategories(c *fiber.Ctx) error {
	cats, err := h.svc.ListCategories(c.UserContext(), principal(c))
	if err != nil {
		return err
	}
	return c.JSON(cats)
}

func (h *Handler) createCategory(c *fiber.Ctx) error {
	var in agenda.CategoryInput
	if err := bind(c, &in); err != nil {
		return err
	}
	cat, err := h.svc.CreateCategory(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(cat)
}

func (h *Handler) updateCategory(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var patch agenda.CategoryPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	cat, err := h.svc.UpdateCategory(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(cat)
}

func (h *Handler) deleteCategory(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCategory(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
