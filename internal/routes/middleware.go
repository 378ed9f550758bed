package routes

import (
	"errors"
	"strconv"

	"github.com/bohemiyan/agenda"
	"github.com/bohemiyan/agenda/internal/auth"
	"github.com/gofiber/fiber/v2"
)

const (
	localPrincipal = "principal"
	localClaims    = "claims"
)

// authenticate resolves the caller. Requests without a bearer token proceed
// as anonymous; a bad or revoked token is rejected.
func (h *Handler) authenticate(c *fiber.Ctx) error {
	ip, ua := c.IP(), c.Get(fiber.HeaderUserAgent)

	raw := auth.ExtractBearerToken(c.Get(fiber.HeaderAuthorization))
	if raw == "" {
		c.Locals(localPrincipal, agenda.Anonymous(ip, ua))
		return c.Next()
	}

	claims, err := h.tokens.ValidateAccessToken(raw)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return fiber.NewError(fiber.StatusUnauthorized, "token expired")
		}
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	revoked, err := h.svc.IsTokenRevoked(c.UserContext(), claims.ID)
	if err != nil {
		h.log.Warnw("token denylist lookup failed", "jti", claims.ID, "error", err)
	}
	if revoked {
		return fiber.NewError(fiber.StatusUnauthorized, "token revoked")
	}

	p, err := h.svc.LoadPrincipal(c.UserContext(), claims.UserID, ip, ua)
	if err != nil {
		return err
	}
	c.Locals(localPrincipal, p)
	c.Locals(localClaims, claims)
	return c.Next()
}

// requireUser rejects anonymous callers.
func requireUser(c *fiber.Ctx) error {
	if !principal(c).Authenticated() {
		return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}
	return c.Next()
}

func principal(c *fiber.Ctx) *agenda.Principal {
	if p, ok := c.Locals(localPrincipal).(*agenda.Principal); ok {
		return p
	}
	return agenda.Anonymous(c.IP(), c.Get(fiber.HeaderUserAgent))
}

func claims(c *fiber.Ctx) *auth.Claims {
	cl, _ := c.Locals(localClaims).(*auth.Claims)
	return cl
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return uint(id), nil
}

func queryUintPtr(c *fiber.Ctx, name string) (*uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	v := uint(id)
	return &v, nil
}

func bind(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}
