package routes

import (
	"errors"
	"os"

	"github.com/bohemiyan/agenda"
	"github.com/bohemiyan/agenda/internal/auth"
	"github.com/bohemiyan/agenda/zapLogger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

// Handler binds the HTTP API to the service.
type Handler struct {
	svc    *agenda.Service
	tokens *auth.TokenService
	log    *zap.SugaredLogger
}

// Options configures NewApp. LogAccess turns on request logging to stdout
// and, when set, AccessLog.
type Options struct {
	Service   *agenda.Service
	Tokens    *auth.TokenService
	Logger    *zap.SugaredLogger
	AccessLog *os.File
	LogAccess bool
}

// NewApp builds the fiber application with middleware and every route.
func NewApp(opts Options) *fiber.App {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{svc: opts.Service, tokens: opts.Tokens, log: log}

	app := fiber.New(fiber.Config{
		AppName:               "agenda",
		ErrorHandler:          h.errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	if opts.LogAccess {
		app.Use(zapLogger.FiberLoggingMiddleware(opts.AccessLog))
	}

	Setup(app, h)
	return app
}

func Setup(app *fiber.App, h *Handler) {
	app.Get("/healthz", h.health)

	api := app.Group("/api/v1", h.authenticate)

	authGroup := api.Group("/auth")
	authGroup.Post("/register", h.register)
	authGroup.Post("/login", h.login)
	authGroup.Post("/logout", requireUser, h.logout)
	authGroup.Get("/me", requireUser, h.me)

	users := api.Group("/users", requireUser)
	users.Get("/", h.listUsers)
	users.Post("/", h.createUser)
	users.Get("/:id", h.getUser)
	users.Patch("/:id", h.updateUser)
	users.Delete("/:id", h.deleteUser)

	calendars := api.Group("/calendars")
	calendars.Get("/", h.listCalendars)
	calendars.Post("/", requireUser, h.createCalendar)
	calendars.Get("/:id", h.getCalendar)
	calendars.Patch("/:id", requireUser, h.updateCalendar)
	calendars.Delete("/:id", requireUser, h.deleteCalendar)
	calendars.Get("/:id/permissions", requireUser, h.listPermissions)
	calendars.Post("/:id/permissions", requireUser, h.grantPermission)
	calendars.Post("/:id/permissions/bulk", requireUser, h.bulkGrant)
	calendars.Get("/:id/permissions/:userId", requireUser, h.getPermission)
	calendars.Patch("/:id/permissions/:userId", requireUser, h.changePermission)
	calendars.Delete("/:id/permissions/:userId", requireUser, h.revokePermission)

	events := api.Group("/events")
	events.Get("/", h.listEvents)
	events.Post("/", requireUser, h.createEvent)
	events.Get("/:id", h.getEvent)
	events.Patch("/:id", requireUser, h.updateEvent)
	events.Delete("/:id", requireUser, h.deleteEvent)

	incidents := api.Group("/incidents", requireUser)
	incidents.Get("/", h.listIncidents)
	incidents.Post("/", h.createIncident)
	incidents.Get("/:id", h.getIncident)
	incidents.Patch("/:id", h.updateIncident)
	incidents.Delete("/:id", h.deleteIncident)
	incidents.Post("/:id/status", h.changeIncidentStatus)
	incidents.Post("/:id/assign", h.assignIncident)
	incidents.Get("/:id/comments", h.listComments)
	incidents.Post("/:id/comments", h.addComment)

	categories := api.Group("/incident-categories", requireUser)
	categories.Get("/", h.listCategories)
	categories.Post("/", h.createCategory)
	categories.Patch("/:id", h.updateCategory)
	categories.Delete("/:id", h.deleteCategory)

	admin := api.Group("/admin", requireUser)
	admin.Get("/administrators", h.listAdministrators)
	admin.Post("/administrators", h.promote)
	admin.Patch("/administrators/:userId", h.changeAdminPermissions)
	admin.Delete("/administrators/:userId", h.demote)

	admin.Get("/audit-logs", h.listAuditLogs)
	admin.Delete("/audit-logs", h.purgeAuditLogs)
	admin.Get("/audit-logs/recent", h.recentAuditLogs)
	admin.Get("/audit-logs/stats", h.auditStats)
	admin.Get("/audit-logs/:id", h.getAuditLog)
	admin.Post("/audit-logs/:id/undo", h.undo)
}

func (h *Handler) health(c *fiber.Ctx) error {
	sqlDB, err := h.svc.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		h.log.Errorw("health check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// statusFor maps service errors onto HTTP statuses. ok is false for
// unexpected errors, whose message must not leak.
func statusFor(err error) (status int, ok bool) {
	switch {
	case errors.Is(err, agenda.ErrInvalidInput):
		return fiber.StatusBadRequest, true
	case errors.Is(err, agenda.ErrUnsupportedAction):
		return fiber.StatusBadRequest, true
	case errors.Is(err, agenda.ErrUnauthenticated):
		return fiber.StatusUnauthorized, true
	case errors.Is(err, agenda.ErrPermissionDenied):
		return fiber.StatusForbidden, true
	case errors.Is(err, agenda.ErrNotFound):
		return fiber.StatusNotFound, true
	case errors.Is(err, agenda.ErrConflict):
		return fiber.StatusConflict, true
	}
	return fiber.StatusInternalServerError, false
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	status, ok := statusFor(err)
	if !ok {
		h.log.Errorw("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"request_id", c.Locals("requestid"),
			"error", err,
		)
		return c.Status(status).JSON(fiber.Map{"error": "internal server error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
