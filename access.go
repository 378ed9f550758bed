package agenda

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// AccessLevel is the effective capability of a principal on a calendar,
// ordered none < view < edit < admin.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessView
	AccessEdit
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessView:
		return "view"
	case AccessEdit:
		return "edit"
	case AccessAdmin:
		return "admin"
	}
	return "none"
}

func (a AccessLevel) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a AccessLevel) CanView() bool  { return a >= AccessView }
func (a AccessLevel) CanEdit() bool  { return a >= AccessEdit }
func (a AccessLevel) CanAdmin() bool { return a >= AccessAdmin }

func publicAccess(cal *Calendar) AccessLevel {
	if cal.Type == CalendarPublic {
		return AccessView
	}
	return AccessNone
}

// ResolveAccess determines the effective level of p on cal from ownership,
// an explicit grant, or the calendar's public type. A nil or anonymous
// principal only ever sees public calendars.
func (s *Service) ResolveAccess(ctx context.Context, cal *Calendar, p *Principal) (AccessLevel, error) {
	return s.resolveAccess(ctx, s.db, cal, p)
}

// resolveAccess runs on db so callers inside a transaction read through it.
func (s *Service) resolveAccess(ctx context.Context, db *gorm.DB, cal *Calendar, p *Principal) (AccessLevel, error) {
	if cal == nil {
		return AccessNone, ErrInvalidInput
	}
	if !p.Authenticated() {
		return publicAccess(cal), nil
	}
	if cal.OwnerID == p.User.ID {
		return AccessAdmin, nil
	}

	if level, ok := s.checkCache(ctx, cal.ID, p.User.ID); ok {
		return level, nil
	}

	level := publicAccess(cal)
	var grant CalendarPermission
	err := db.WithContext(ctx).
		Where("calendar_id = ? AND user_id = ?", cal.ID, p.User.ID).
		First(&grant).Error
	switch {
	case err == nil:
		if granted := grant.Permission.Access(); granted > level {
			level = granted
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return AccessNone, fmt.Errorf("failed to load calendar permission: %w", err)
	}

	// A level read inside a transaction may still be rolled back.
	if _, inTx := db.Statement.ConnPool.(gorm.TxCommitter); !inTx {
		s.setCache(ctx, cal.ID, p.User.ID, level)
	}
	return level, nil
}

// requireCalendarAccess is the write-path check. Administrators holding the
// manage-calendars capability pass regardless of the resolved level.
func (s *Service) requireCalendarAccess(ctx context.Context, db *gorm.DB, p *Principal, cal *Calendar, need AccessLevel) error {
	if !p.Authenticated() && need > AccessView {
		return ErrUnauthenticated
	}
	level, err := s.resolveAccess(ctx, db, cal, p)
	if err != nil {
		return err
	}
	if level >= need || p.Can(CapManageCalendars) {
		return nil
	}
	if !p.Authenticated() {
		return ErrUnauthenticated
	}
	return fmt.Errorf("%w: %s access required on calendar %d", ErrPermissionDenied, need, cal.ID)
}

// accessibleCalendarIDs returns the calendars p may list: owned, granted and
// public ones.
func (s *Service) accessibleCalendarIDs(ctx context.Context, p *Principal) ([]uint, error) {
	db := s.db.WithContext(ctx).Model(&Calendar{})
	if p.Can(CapManageCalendars) {
		db = db.Where("1 = 1")
	} else if p.Authenticated() {
		granted := s.db.Model(&CalendarPermission{}).Select("calendar_id").Where("user_id = ?", p.User.ID)
		db = db.Where("owner_id = ? OR type = ? OR id IN (?)", p.User.ID, CalendarPublic, granted)
	} else {
		db = db.Where("type = ?", CalendarPublic)
	}

	var ids []uint
	if err := db.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list accessible calendars: %w", err)
	}
	return ids, nil
}
