package agenda

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func validColor(c string) bool {
	return colorPattern.MatchString(c)
}

type CalendarInput struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Color       string       `json:"color"`
	Type        CalendarType `json:"type"`
}

type CalendarPatch struct {
	Name        *string       `json:"name"`
	Description *string       `json:"description"`
	Color       *string       `json:"color"`
	Type        *CalendarType `json:"type"`
	OwnerID     *uint         `json:"ownerId"`
}

// CalendarView is a calendar annotated with the caller's access level.
type CalendarView struct {
	Calendar
	Access AccessLevel `json:"access"`
}

func validCalendarName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: calendar name is required", ErrInvalidInput)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: calendar name is too long", ErrInvalidInput)
	}
	return nil
}

func (s *Service) loadCalendar(ctx context.Context, db *gorm.DB, id uint) (*Calendar, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	var cal Calendar
	if err := db.WithContext(ctx).First(&cal, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("calendar", id)
		}
		return nil, fmt.Errorf("failed to load calendar: %w", err)
	}
	return &cal, nil
}

func requireCalendarExists(tx *gorm.DB, id uint) error {
	var count int64
	if err := tx.Model(&Calendar{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check calendar: %w", err)
	}
	if count == 0 {
		return notFound("calendar", id)
	}
	return nil
}

// CreateCalendar creates a calendar owned by the caller.
func (s *Service) CreateCalendar(ctx context.Context, p *Principal, in CalendarInput) (*Calendar, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}

	cal := &Calendar{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Color:       in.Color,
		Type:        in.Type,
		OwnerID:     p.UserID(),
	}
	if err := validCalendarName(cal.Name); err != nil {
		return nil, err
	}
	if cal.Color == "" {
		cal.Color = DefaultCalendarColor
	}
	if !validColor(cal.Color) {
		return nil, fmt.Errorf("%w: color must be #rrggbb", ErrInvalidInput)
	}
	if cal.Type == "" {
		cal.Type = CalendarPersonal
	}
	if !cal.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown calendar type %q", ErrInvalidInput, cal.Type)
	}

	if err := s.db.WithContext(ctx).Create(cal).Error; err != nil {
		return nil, fmt.Errorf("failed to create calendar: %w", err)
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityCalendar,
		EntityID:   uintPtr(cal.ID),
		NewValue:   calendarSnapshot(cal),
		Actor:      p,
	})
	return cal, nil
}

// GetCalendar retrieves a calendar the caller can view.
func (s *Service) GetCalendar(ctx context.Context, p *Principal, id uint) (*CalendarView, error) {
	cal, err := s.loadCalendar(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	level, err := s.ResolveAccess(ctx, cal, p)
	if err != nil {
		return nil, err
	}
	if !level.CanView() && !p.Can(CapManageCalendars) {
		if !p.Authenticated() {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: view access required on calendar %d", ErrPermissionDenied, id)
	}
	return &CalendarView{Calendar: *cal, Access: level}, nil
}

// ListCalendars lists owned, granted and public calendars, each annotated
// with the caller's level.
func (s *Service) ListCalendars(ctx context.Context, p *Principal) ([]CalendarView, error) {
	ids, err := s.accessibleCalendarIDs(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []CalendarView{}, nil
	}

	var cals []Calendar
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&cals).Error; err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	levels, err := s.ResolveAccessBulk(ctx, p, cals)
	if err != nil {
		return nil, err
	}

	views := make([]CalendarView, len(cals))
	for i := range cals {
		views[i] = CalendarView{Calendar: cals[i], Access: levels[i]}
	}
	return views, nil
}

// UpdateCalendar applies a patch. Requires admin access on the calendar.
func (s *Service) UpdateCalendar(ctx context.Context, p *Principal, id uint, patch CalendarPatch) (*Calendar, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}

	var before Snapshot
	var cal *Calendar
	var visibilityChanged bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cal, err = s.loadCalendar(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessAdmin); err != nil {
			return err
		}
		before = calendarSnapshot(cal)

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if err := validCalendarName(name); err != nil {
				return err
			}
			cal.Name = name
		}
		if patch.Description != nil {
			cal.Description = *patch.Description
		}
		if patch.Color != nil {
			if !validColor(*patch.Color) {
				return fmt.Errorf("%w: color must be #rrggbb", ErrInvalidInput)
			}
			cal.Color = *patch.Color
		}
		if patch.Type != nil {
			if !patch.Type.Valid() {
				return fmt.Errorf("%w: unknown calendar type %q", ErrInvalidInput, *patch.Type)
			}
			visibilityChanged = visibilityChanged || *patch.Type != cal.Type
			cal.Type = *patch.Type
		}
		if patch.OwnerID != nil && *patch.OwnerID != cal.OwnerID {
			if err := requireUserExists(tx, *patch.OwnerID); err != nil {
				return err
			}
			visibilityChanged = true
			cal.OwnerID = *patch.OwnerID
		}

		if err := tx.Save(cal).Error; err != nil {
			return fmt.Errorf("failed to update calendar: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if visibilityChanged {
		s.invalidateCalendarAccess(ctx, id)
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityCalendar,
		EntityID:   uintPtr(id),
		OldValue:   before,
		NewValue:   calendarSnapshot(cal),
		Actor:      p,
	})
	return cal, nil
}

// DeleteCalendar removes a calendar with its events and grants. Only the
// owner or a calendar-manager administrator may delete.
func (s *Service) DeleteCalendar(ctx context.Context, p *Principal, id uint) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cal, err := s.loadCalendar(ctx, tx, id)
		if err != nil {
			return err
		}
		if cal.OwnerID != p.UserID() && !p.Can(CapManageCalendars) {
			return fmt.Errorf("%w: only the owner may delete calendar %d", ErrPermissionDenied, id)
		}
		before = calendarSnapshot(cal)
		return deleteCalendarTx(tx, cal)
	})
	if err != nil {
		return err
	}
	s.invalidateCalendarAccess(ctx, id)

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityCalendar,
		EntityID:   uintPtr(id),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

func deleteCalendarTx(tx *gorm.DB, cal *Calendar) error {
	masters := tx.Model(&Event{}).Select("id").Where("calendar_id = ?", cal.ID)
	if err := tx.Model(&Event{}).Where("parent_event_id IN (?)", masters).
		Update("parent_event_id", nil).Error; err != nil {
		return fmt.Errorf("failed to detach occurrences of calendar %d: %w", cal.ID, err)
	}
	if err := tx.Where("calendar_id = ?", cal.ID).Delete(&Event{}).Error; err != nil {
		return fmt.Errorf("failed to delete events of calendar %d: %w", cal.ID, err)
	}
	if err := tx.Where("calendar_id = ?", cal.ID).Delete(&CalendarPermission{}).Error; err != nil {
		return fmt.Errorf("failed to delete grants of calendar %d: %w", cal.ID, err)
	}
	if err := tx.Delete(cal).Error; err != nil {
		return fmt.Errorf("failed to delete calendar %d: %w", cal.ID, err)
	}
	return nil
}
