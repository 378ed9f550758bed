package agenda

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Principal is the caller of a service operation. It is passed explicitly to
// every mutation; a Principal with a nil User is anonymous but still carries
// client metadata for the audit log.
type Principal struct {
	User      *User
	Admin     *Administrator
	IPAddress string
	UserAgent string
}

// Capability is one of the four administrator flags.
type Capability int

const (
	CapManageUsers Capability = iota
	CapManageCalendars
	CapManagePermissions
	CapViewAuditLogs
)

func (c Capability) String() string {
	switch c {
	case CapManageUsers:
		return "manage users"
	case CapManageCalendars:
		return "manage calendars"
	case CapManagePermissions:
		return "manage permissions"
	case CapViewAuditLogs:
		return "view audit logs"
	}
	return "unknown capability"
}

// Anonymous returns a principal without identity.
func Anonymous(ip, userAgent string) *Principal {
	return &Principal{IPAddress: ip, UserAgent: userAgent}
}

func (p *Principal) Authenticated() bool {
	return p != nil && p.User != nil
}

func (p *Principal) UserID() uint {
	if !p.Authenticated() {
		return 0
	}
	return p.User.ID
}

func (p *Principal) IsAdmin() bool {
	return p.Authenticated() && p.Admin != nil
}

func (p *Principal) IsSuperAdmin() bool {
	return p.IsAdmin() && p.Admin.IsSuperAdmin()
}

func (p *Principal) HasRole(role Role) bool {
	return p.Authenticated() && p.User.Role == role
}

// Can reports whether the principal holds an admin capability. Super
// administrators hold all of them.
func (p *Principal) Can(c Capability) bool {
	if !p.IsAdmin() {
		return false
	}
	if p.Admin.IsSuperAdmin() {
		return true
	}
	switch c {
	case CapManageUsers:
		return p.Admin.CanManageUsers
	case CapManageCalendars:
		return p.Admin.CanManageCalendars
	case CapManagePermissions:
		return p.Admin.CanManagePermissions
	case CapViewAuditLogs:
		return p.Admin.CanViewAuditLogs
	}
	return false
}

// LoadPrincipal builds the principal for an authenticated user id. Unknown and
// inactive users are rejected.
func (s *Service) LoadPrincipal(ctx context.Context, userID uint, ip, userAgent string) (*Principal, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}

	var user User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Status != UserActive {
		return nil, fmt.Errorf("%w: account is inactive", ErrUnauthenticated)
	}

	admin, err := s.findAdministrator(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	return &Principal{User: &user, Admin: admin, IPAddress: ip, UserAgent: userAgent}, nil
}

func requireAuthenticated(p *Principal) error {
	if !p.Authenticated() {
		return ErrUnauthenticated
	}
	return nil
}

func requireCapability(p *Principal, c Capability) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}
	if !p.Can(c) {
		return fmt.Errorf("%w: administrators with %s capability only", ErrPermissionDenied, c)
	}
	return nil
}
