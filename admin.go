package agenda

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// AdminGrant describes the administrator row created by Promote.
type AdminGrant struct {
	PermissionLevel      AdminLevel `json:"permissionLevel"`
	CanManageUsers       bool       `json:"canManageUsers"`
	CanManageCalendars   bool       `json:"canManageCalendars"`
	CanManagePermissions bool       `json:"canManagePermissions"`
	CanViewAuditLogs     bool       `json:"canViewAuditLogs"`
}

// AdminPatch changes any of the five administrator fields.
type AdminPatch struct {
	PermissionLevel      *AdminLevel `json:"permissionLevel"`
	CanManageUsers       *bool       `json:"canManageUsers"`
	CanManageCalendars   *bool       `json:"canManageCalendars"`
	CanManagePermissions *bool       `json:"canManagePermissions"`
	CanViewAuditLogs     *bool       `json:"canViewAuditLogs"`
}

// AdministratorView pairs an administrator row with its user.
type AdministratorView struct {
	Administrator
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// findAdministrator returns the administrator row of a user, or nil when the
// user is not an administrator.
func (s *Service) findAdministrator(ctx context.Context, db *gorm.DB, userID uint) (*Administrator, error) {
	var admin Administrator
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load administrator: %w", err)
	}
	return &admin, nil
}

// requireSuperForUser rejects non-super callers acting on a super
// administrator's account.
func (s *Service) requireSuperForUser(ctx context.Context, tx *gorm.DB, p *Principal, userID uint) error {
	admin, err := s.findAdministrator(ctx, tx, userID)
	if err != nil {
		return err
	}
	if admin.IsSuperAdmin() && !p.IsSuperAdmin() {
		return fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
	}
	return nil
}

// requireAnotherSuperAdmin fails when adminID is the only super
// administrator left.
func requireAnotherSuperAdmin(tx *gorm.DB, adminID uint) error {
	var others int64
	if err := tx.Model(&Administrator{}).
		Where("permission_level = ? AND id <> ?", LevelSuperAdmin, adminID).
		Count(&others).Error; err != nil {
		return fmt.Errorf("failed to count super administrators: %w", err)
	}
	if others == 0 {
		return fmt.Errorf("%w: cannot remove the last super administrator", ErrConflict)
	}
	return nil
}

// diffAdminFields fills updates with the columns where target differs from
// current.
func diffAdminFields(current, target *Administrator, updates map[string]interface{}) {
	if target.PermissionLevel != current.PermissionLevel {
		updates["permission_level"] = target.PermissionLevel
	}
	if target.CanManageUsers != current.CanManageUsers {
		updates["can_manage_users"] = target.CanManageUsers
	}
	if target.CanManageCalendars != current.CanManageCalendars {
		updates["can_manage_calendars"] = target.CanManageCalendars
	}
	if target.CanManagePermissions != current.CanManagePermissions {
		updates["can_manage_permissions"] = target.CanManagePermissions
	}
	if target.CanViewAuditLogs != current.CanViewAuditLogs {
		updates["can_view_audit_logs"] = target.CanViewAuditLogs
	}
}

// Promote makes a user an administrator.
func (s *Service) Promote(ctx context.Context, p *Principal, userID uint, grant AdminGrant) (*Administrator, error) {
	if err := requireCapability(p, CapManagePermissions); err != nil {
		return nil, err
	}
	if grant.PermissionLevel == "" {
		grant.PermissionLevel = LevelAdmin
	}
	if !grant.PermissionLevel.Valid() {
		return nil, fmt.Errorf("%w: unknown permission level %q", ErrInvalidInput, grant.PermissionLevel)
	}
	if grant.PermissionLevel == LevelSuperAdmin && !p.IsSuperAdmin() {
		return nil, fmt.Errorf("%w: only super administrators may create super administrators", ErrPermissionDenied)
	}

	admin := &Administrator{
		UserID:               userID,
		PermissionLevel:      grant.PermissionLevel,
		CanManageUsers:       grant.CanManageUsers,
		CanManageCalendars:   grant.CanManageCalendars,
		CanManagePermissions: grant.CanManagePermissions,
		CanViewAuditLogs:     grant.CanViewAuditLogs,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUserExists(tx, userID); err != nil {
			return err
		}
		existing, err := s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: user %d is already an administrator", ErrConflict, userID)
		}
		if err := tx.Create(admin).Error; err != nil {
			return translateWriteError(err, "administrator")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionPromote,
		EntityType: EntityAdministrator,
		EntityID:   uintPtr(userID),
		NewValue:   adminSnapshot(admin),
		Actor:      p,
	})
	return admin, nil
}

// Demote removes a user's administrator row.
func (s *Service) Demote(ctx context.Context, p *Principal, userID uint) error {
	if err := requireCapability(p, CapManagePermissions); err != nil {
		return err
	}
	if userID == p.UserID() {
		return fmt.Errorf("%w: cannot demote yourself", ErrConflict)
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		admin, err := s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if admin == nil {
			return fmt.Errorf("%w: user %d is not an administrator", ErrNotFound, userID)
		}
		if admin.IsSuperAdmin() {
			if !p.IsSuperAdmin() {
				return fmt.Errorf("%w: only super administrators may demote super administrators", ErrPermissionDenied)
			}
			if err := requireAnotherSuperAdmin(tx, admin.ID); err != nil {
				return err
			}
		}
		before = adminSnapshot(admin)
		return tx.Delete(admin).Error
	})
	if err != nil {
		return err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDemote,
		EntityType: EntityAdministrator,
		EntityID:   uintPtr(userID),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

// ChangeAdminPermissions edits the level and capability flags of another
// administrator. Nobody edits their own row.
func (s *Service) ChangeAdminPermissions(ctx context.Context, p *Principal, userID uint, patch AdminPatch) (*Administrator, error) {
	if err := requireCapability(p, CapManagePermissions); err != nil {
		return nil, err
	}
	if userID == p.UserID() {
		return nil, fmt.Errorf("%w: cannot change your own administrator permissions", ErrConflict)
	}
	if patch.PermissionLevel != nil {
		if !patch.PermissionLevel.Valid() {
			return nil, fmt.Errorf("%w: unknown permission level %q", ErrInvalidInput, *patch.PermissionLevel)
		}
		if *patch.PermissionLevel == LevelSuperAdmin && !p.IsSuperAdmin() {
			return nil, fmt.Errorf("%w: only super administrators may grant super_admin", ErrPermissionDenied)
		}
	}

	var before Snapshot
	var admin *Administrator
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		admin, err = s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if admin == nil {
			return fmt.Errorf("%w: user %d is not an administrator", ErrNotFound, userID)
		}
		if admin.IsSuperAdmin() && !p.IsSuperAdmin() {
			return fmt.Errorf("%w: only super administrators may edit super administrators", ErrPermissionDenied)
		}
		before = adminSnapshot(admin)

		target := *admin
		if patch.PermissionLevel != nil {
			target.PermissionLevel = *patch.PermissionLevel
		}
		if patch.CanManageUsers != nil {
			target.CanManageUsers = *patch.CanManageUsers
		}
		if patch.CanManageCalendars != nil {
			target.CanManageCalendars = *patch.CanManageCalendars
		}
		if patch.CanManagePermissions != nil {
			target.CanManagePermissions = *patch.CanManagePermissions
		}
		if patch.CanViewAuditLogs != nil {
			target.CanViewAuditLogs = *patch.CanViewAuditLogs
		}

		updates := map[string]interface{}{}
		diffAdminFields(admin, &target, updates)
		if len(updates) == 0 {
			return nil
		}
		if admin.IsSuperAdmin() && !target.IsSuperAdmin() {
			if err := requireAnotherSuperAdmin(tx, admin.ID); err != nil {
				return err
			}
		}
		if err := tx.Model(admin).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update administrator: %w", err)
		}
		*admin = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionPermissionChange,
		EntityType: EntityAdministrator,
		EntityID:   uintPtr(userID),
		OldValue:   before,
		NewValue:   adminSnapshot(admin),
		Actor:      p,
	})
	return admin, nil
}

// ListAdministrators lists administrator rows with their users.
func (s *Service) ListAdministrators(ctx context.Context, p *Principal) ([]AdministratorView, error) {
	if err := requireCapability(p, CapManagePermissions); err != nil {
		return nil, err
	}

	var admins []Administrator
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&admins).Error; err != nil {
		return nil, fmt.Errorf("failed to list administrators: %w", err)
	}
	if len(admins) == 0 {
		return []AdministratorView{}, nil
	}

	ids := make([]uint, len(admins))
	for i, a := range admins {
		ids[i] = a.UserID
	}
	var users []User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load administrator users: %w", err)
	}
	byID := make(map[uint]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	views := make([]AdministratorView, len(admins))
	for i, a := range admins {
		u := byID[a.UserID]
		views[i] = AdministratorView{Administrator: a, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
	}
	return views, nil
}

// BootstrapSuperAdmin promotes an existing user to super administrator when
// none exists yet. It has no actor and is meant for the CLI.
func (s *Service) BootstrapSuperAdmin(ctx context.Context, email string) (*Administrator, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}

	var admin *Administrator
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var supers int64
		if err := tx.Model(&Administrator{}).Where("permission_level = ?", LevelSuperAdmin).Count(&supers).Error; err != nil {
			return fmt.Errorf("failed to count super administrators: %w", err)
		}
		if supers > 0 {
			return fmt.Errorf("%w: a super administrator already exists", ErrConflict)
		}

		var user User
		if err := tx.Where("email = ?", email).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no user with email %s", ErrNotFound, email)
			}
			return fmt.Errorf("failed to load user: %w", err)
		}

		existing, err := s.findAdministrator(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		admin = &Administrator{UserID: user.ID}
		if existing != nil {
			admin = existing
		}
		admin.PermissionLevel = LevelSuperAdmin
		admin.CanManageUsers = true
		admin.CanManageCalendars = true
		admin.CanManagePermissions = true
		admin.CanViewAuditLogs = true
		return tx.Save(admin).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionPromote,
		EntityType: EntityAdministrator,
		EntityID:   uintPtr(admin.UserID),
		NewValue:   adminSnapshot(admin),
	})
	s.log.Infow("super administrator bootstrapped", "user_id", admin.UserID, "email", email)
	return admin, nil
}
