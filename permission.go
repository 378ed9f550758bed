package agenda

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GrantView is a grant with the grantee's identity.
type GrantView struct {
	CalendarPermission
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (s *Service) loadGrant(ctx context.Context, db *gorm.DB, calendarID, userID uint) (*CalendarPermission, error) {
	var grant CalendarPermission
	err := db.WithContext(ctx).Where("calendar_id = ? AND user_id = ?", calendarID, userID).First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no grant for user %d on calendar %d", ErrNotFound, userID, calendarID)
		}
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	return &grant, nil
}

// GrantPermission gives a user a tier on a calendar. A second grant for the
// same pair is a conflict, never an overwrite.
func (s *Service) GrantPermission(ctx context.Context, p *Principal, calendarID, userID uint, level GrantLevel) (*CalendarPermission, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	if calendarID == 0 || userID == 0 {
		return nil, ErrInvalidInput
	}
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, level)
	}

	grant := &CalendarPermission{CalendarID: calendarID, UserID: userID, Permission: level}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cal, err := s.loadCalendar(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessAdmin); err != nil {
			return err
		}
		return insertGrantTx(tx, cal, grant)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateAccess(ctx, calendarID, userID)

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityPermission,
		EntityID:   uintPtr(grant.ID),
		NewValue:   grantSnapshot(grant),
		Actor:      p,
	})
	return grant, nil
}

func insertGrantTx(tx *gorm.DB, cal *Calendar, grant *CalendarPermission) error {
	if grant.UserID == cal.OwnerID {
		return fmt.Errorf("%w: the owner of calendar %d already has full access", ErrInvalidInput, cal.ID)
	}
	if err := requireUserExists(tx, grant.UserID); err != nil {
		return err
	}

	var count int64
	if err := tx.Model(&CalendarPermission{}).
		Where("calendar_id = ? AND user_id = ?", cal.ID, grant.UserID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check grant: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: user %d already has a grant on calendar %d", ErrConflict, grant.UserID, cal.ID)
	}
	if err := tx.Create(grant).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: user %d already has a grant on calendar %d", ErrConflict, grant.UserID, cal.ID)
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// ChangePermission moves an existing grant to another tier.
func (s *Service) ChangePermission(ctx context.Context, p *Principal, calendarID, userID uint, level GrantLevel) (*CalendarPermission, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, level)
	}

	var before Snapshot
	var grant *CalendarPermission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cal, err := s.loadCalendar(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessAdmin); err != nil {
			return err
		}
		grant, err = s.loadGrant(ctx, tx, calendarID, userID)
		if err != nil {
			return err
		}
		before = grantSnapshot(grant)
		grant.Permission = level
		if err := tx.Save(grant).Error; err != nil {
			return fmt.Errorf("failed to update grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateAccess(ctx, calendarID, userID)

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityPermission,
		EntityID:   uintPtr(grant.ID),
		OldValue:   before,
		NewValue:   grantSnapshot(grant),
		Actor:      p,
	})
	return grant, nil
}

// RevokePermission removes a grant.
func (s *Service) RevokePermission(ctx context.Context, p *Principal, calendarID, userID uint) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}

	var before Snapshot
	var grantID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cal, err := s.loadCalendar(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessAdmin); err != nil {
			return err
		}
		grant, err := s.loadGrant(ctx, tx, calendarID, userID)
		if err != nil {
			return err
		}
		before, grantID = grantSnapshot(grant), grant.ID
		return tx.Delete(grant).Error
	})
	if err != nil {
		return err
	}
	s.invalidateAccess(ctx, calendarID, userID)

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityPermission,
		EntityID:   uintPtr(grantID),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

// GetPermission returns the grant of one user on a calendar.
func (s *Service) GetPermission(ctx context.Context, p *Principal, calendarID, userID uint) (*CalendarPermission, error) {
	cal, err := s.loadCalendar(ctx, s.db, calendarID)
	if err != nil {
		return nil, err
	}
	if userID != p.UserID() {
		if err := s.requireCalendarAccess(ctx, s.db, p, cal, AccessAdmin); err != nil {
			return nil, err
		}
	}
	return s.loadGrant(ctx, s.db, calendarID, userID)
}

// ListPermissions lists the grants of a calendar.
func (s *Service) ListPermissions(ctx context.Context, p *Principal, calendarID uint) ([]GrantView, error) {
	cal, err := s.loadCalendar(ctx, s.db, calendarID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCalendarAccess(ctx, s.db, p, cal, AccessAdmin); err != nil {
		return nil, err
	}

	var views []GrantView
	if err := s.db.WithContext(ctx).Model(&CalendarPermission{}).
		Select("calendar_permissions.*, users.email, users.first_name, users.last_name").
		Joins("JOIN users ON users.id = calendar_permissions.user_id").
		Where("calendar_permissions.calendar_id = ?", calendarID).
		Order("calendar_permissions.id ASC").
		Scan(&views).Error; err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	if views == nil {
		views = []GrantView{}
	}
	return views, nil
}

// HasPermission reports whether userID holds at least level on calendarID
// through an explicit grant.
func (s *Service) HasPermission(ctx context.Context, calendarID, userID uint, level GrantLevel) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, level)
	}
	grant, err := s.loadGrant(ctx, s.db, calendarID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return grant.Permission.Access() >= level.Access(), nil
}
