package agenda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type EventInput struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Location       string     `json:"location"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	AllDay         bool       `json:"allDay"`
	Type           EventType  `json:"type"`
	CalendarID     *uint      `json:"calendarId"`
	RecurrenceRule string     `json:"recurrenceRule"`
	RecurrenceEnd  *time.Time `json:"recurrenceEnd"`
	ParentEventID  *uint      `json:"parentEventId"`
}

type EventPatch struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Location       *string    `json:"location"`
	Start          *time.Time `json:"start"`
	End            *time.Time `json:"end"`
	AllDay         *bool      `json:"allDay"`
	Type           *EventType `json:"type"`
	CalendarID     *uint      `json:"calendarId"`
	RecurrenceRule *string    `json:"recurrenceRule"`
	RecurrenceEnd  *time.Time `json:"recurrenceEnd"`
}

// EventFilter selects events overlapping [From, To).
type EventFilter struct {
	From       time.Time
	To         time.Time
	CalendarID *uint
	Type       EventType
}

func sameUintPtr(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func validateEvent(e *Event) error {
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return fmt.Errorf("%w: event title is required", ErrInvalidInput)
	}
	if len(e.Title) > 255 {
		return fmt.Errorf("%w: event title is too long", ErrInvalidInput)
	}
	if e.StartAt.IsZero() || e.EndAt.IsZero() {
		return fmt.Errorf("%w: event start and end are required", ErrInvalidInput)
	}
	if e.EndAt.Before(e.StartAt) {
		return fmt.Errorf("%w: event end precedes start", ErrInvalidInput)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	if e.RecurrenceEnd != nil && e.RecurrenceEnd.Before(e.StartAt) {
		return fmt.Errorf("%w: recurrence ends before the event starts", ErrInvalidInput)
	}
	return nil
}

func (s *Service) loadEvent(ctx context.Context, db *gorm.DB, id uint) (*Event, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	var event Event
	if err := db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("event", id)
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &event, nil
}

// requireEventWrite checks edit access on the event's calendar. General
// events are modified by their creator or a calendar-manager administrator.
func (s *Service) requireEventWrite(ctx context.Context, tx *gorm.DB, p *Principal, event *Event) error {
	if event.CalendarID == nil {
		if p.Can(CapManageCalendars) {
			return nil
		}
		if event.CreatedByID != nil && *event.CreatedByID == p.UserID() {
			return nil
		}
		return fmt.Errorf("%w: only the creator may modify general event %d", ErrPermissionDenied, event.ID)
	}
	cal, err := s.loadCalendar(ctx, tx, *event.CalendarID)
	if err != nil {
		return err
	}
	return s.requireCalendarAccess(ctx, tx, p, cal, AccessEdit)
}

// CreateEvent creates an event on a calendar the caller can edit, or a
// general event when no calendar is given.
func (s *Service) CreateEvent(ctx context.Context, p *Principal, in EventInput) (*Event, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}

	event := &Event{
		Title:          in.Title,
		Description:    in.Description,
		Location:       strings.TrimSpace(in.Location),
		StartAt:        in.Start.UTC(),
		EndAt:          in.End.UTC(),
		AllDay:         in.AllDay,
		Type:           in.Type,
		CalendarID:     in.CalendarID,
		CreatedByID:    uintPtr(p.UserID()),
		RecurrenceRule: strings.TrimSpace(in.RecurrenceRule),
		RecurrenceEnd:  in.RecurrenceEnd,
		ParentEventID:  in.ParentEventID,
	}
	if event.Type == "" {
		event.Type = EventOther
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	if event.CalendarID == nil && p.HasRole(RoleStudent) && !p.IsAdmin() {
		return nil, fmt.Errorf("%w: students cannot create general events", ErrPermissionDenied)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event.CalendarID != nil {
			cal, err := s.loadCalendar(ctx, tx, *event.CalendarID)
			if err != nil {
				return err
			}
			if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessEdit); err != nil {
				return err
			}
		}
		if event.ParentEventID != nil {
			if _, err := s.loadEvent(ctx, tx, *event.ParentEventID); err != nil {
				return err
			}
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityEvent,
		EntityID:   uintPtr(event.ID),
		NewValue:   eventSnapshot(event),
		Actor:      p,
	})
	return event, nil
}

// GetEvent retrieves an event. Calendar events need view access; general
// events are visible to everyone.
func (s *Service) GetEvent(ctx context.Context, p *Principal, id uint) (*Event, error) {
	event, err := s.loadEvent(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if event.CalendarID != nil {
		cal, err := s.loadCalendar(ctx, s.db, *event.CalendarID)
		if err != nil {
			return nil, err
		}
		if err := s.requireCalendarAccess(ctx, s.db, p, cal, AccessView); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// ListEvents returns events overlapping [From, To) on the caller's accessible
// calendars, plus general events, ordered by start.
func (s *Service) ListEvents(ctx context.Context, p *Principal, filter EventFilter) ([]Event, error) {
	if filter.From.IsZero() || filter.To.IsZero() || !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: a range with from before to is required", ErrInvalidInput)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, filter.Type)
	}

	ids, err := s.accessibleCalendarIDs(ctx, p)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Model(&Event{}).
		Where("start_at < ? AND (end_at > ? OR start_at >= ?)", filter.To.UTC(), filter.From.UTC(), filter.From.UTC())
	if filter.CalendarID != nil {
		allowed := false
		for _, id := range ids {
			if id == *filter.CalendarID {
				allowed = true
				break
			}
		}
		if !allowed {
			return []Event{}, nil
		}
		query = query.Where("calendar_id = ?", *filter.CalendarID)
	} else if len(ids) > 0 {
		query = query.Where("calendar_id IN ? OR calendar_id IS NULL", ids)
	} else {
		query = query.Where("calendar_id IS NULL")
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var events []Event
	if err := query.Order("start_at ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// UpdateEvent applies a patch. Moving an event needs edit access on both
// calendars.
func (s *Service) UpdateEvent(ctx context.Context, p *Principal, id uint, patch EventPatch) (*Event, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}

	var before Snapshot
	var event *Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		event, err = s.loadEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.requireEventWrite(ctx, tx, p, event); err != nil {
			return err
		}
		before = eventSnapshot(event)

		if patch.Title != nil {
			event.Title = *patch.Title
		}
		if patch.Description != nil {
			event.Description = *patch.Description
		}
		if patch.Location != nil {
			event.Location = strings.TrimSpace(*patch.Location)
		}
		if patch.Start != nil {
			event.StartAt = patch.Start.UTC()
		}
		if patch.End != nil {
			event.EndAt = patch.End.UTC()
		}
		if patch.AllDay != nil {
			event.AllDay = *patch.AllDay
		}
		if patch.Type != nil {
			event.Type = *patch.Type
		}
		if patch.RecurrenceRule != nil {
			event.RecurrenceRule = strings.TrimSpace(*patch.RecurrenceRule)
		}
		if patch.RecurrenceEnd != nil {
			event.RecurrenceEnd = patch.RecurrenceEnd
		}
		if patch.CalendarID != nil && !sameUintPtr(patch.CalendarID, event.CalendarID) {
			target, err := s.loadCalendar(ctx, tx, *patch.CalendarID)
			if err != nil {
				return err
			}
			if err := s.requireCalendarAccess(ctx, tx, p, target, AccessEdit); err != nil {
				return err
			}
			event.CalendarID = patch.CalendarID
		}
		if err := validateEvent(event); err != nil {
			return err
		}

		if err := tx.Save(event).Error; err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityEvent,
		EntityID:   uintPtr(id),
		OldValue:   before,
		NewValue:   eventSnapshot(event),
		Actor:      p,
	})
	return event, nil
}

// DeleteEvent removes an event. Occurrences pointing at it as their series
// master are detached.
func (s *Service) DeleteEvent(ctx context.Context, p *Principal, id uint) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.requireEventWrite(ctx, tx, p, event); err != nil {
			return err
		}
		before = eventSnapshot(event)
		return deleteEventTx(tx, event)
	})
	if err != nil {
		return err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityEvent,
		EntityID:   uintPtr(id),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

func deleteEventTx(tx *gorm.DB, event *Event) error {
	if err := tx.Model(&Event{}).Where("parent_event_id = ?", event.ID).
		Update("parent_event_id", nil).Error; err != nil {
		return fmt.Errorf("failed to detach occurrences of event %d: %w", event.ID, err)
	}
	if err := tx.Delete(event).Error; err != nil {
		return fmt.Errorf("failed to delete event %d: %w", event.ID, err)
	}
	return nil
}
