package routes

import (
	"time"

	"github.com/bohemiyan/agenda"
	"github.com/gofiber/fiber/v2"
)

func queryTime(c *fiber.Ctx, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, name+" must be RFC3339")
	}
	return &t, nil
}

func (h *Handler) listEvents(c *fiber.Ctx) error {
	from, err := queryTime(c, "from")
	if err != nil {
		return err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return err
	}
	if from == nil || to == nil {
		return fiber.NewError(fiber.StatusBadRequest, "from and to are required")
	}
	calendarID, err := queryUintPtr(c, "calendarId")
	if err != nil {
		return err
	}

	events, err := h.svc.ListEvents(c.UserContext(), principal(c), agenda.EventFilter{
		From:       *from,
		To:         *to,
		CalendarID: calendarID,
		Type:       agenda.EventType(c.Query("type")),
	})
	if err != nil {
		return err
	}
	return c.JSON(events)
}

func (h *Handler) createEvent(c *fiber.Ctx) error {
	var in agenda.EventInput
	if err := bind(c, &in); err != nil {
		return err
	}
	ev, err := h.svc.CreateEvent(c.UserContext(), principal(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

func (h *Handler) getEvent(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ev, err := h.svc.GetEvent(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(ev)
}

func (h *Handler) updateEvent(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var patch agenda.EventPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	ev, err := h.svc.UpdateEvent(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(ev)
}

func (h *Handler) deleteEvent(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteEvent(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
