package agenda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

const (
	// TemporaryPassword is assigned to users recreated from a delete entry.
	// Snapshots never carry password hashes.
	TemporaryPassword = "ChangeMe123!"

	placeholderEmailFormat = "restored_user_%d@agenda.local"
)

type UndoOperation string

const (
	UndoDeleted    UndoOperation = "deleted"
	UndoRestored   UndoOperation = "restored"
	UndoRecreated  UndoOperation = "recreated"
	UndoRevoked    UndoOperation = "revoked"
	UndoReinstated UndoOperation = "reinstated"
	UndoReverted   UndoOperation = "reverted"
)

// UndoResult describes what an undo did. TemporaryPassword is set only when a
// user was recreated and must be handed to them out of band.
type UndoResult struct {
	EntityType        EntityType    `json:"entityType"`
	EntityID          uint          `json:"entityId"`
	Operation         UndoOperation `json:"operation"`
	Description       string        `json:"description"`
	TemporaryPassword string        `json:"temporaryPassword,omitempty"`
}

func (r *UndoResult) snapshot() Snapshot {
	out := Snapshot{
		"entityType":  string(r.EntityType),
		"entityId":    r.EntityID,
		"operation":   string(r.Operation),
		"description": r.Description,
	}
	if r.TemporaryPassword != "" {
		out["temporaryPasswordIssued"] = true
	}
	return out
}

// Undo applies the inverse of the audited action logID and records an undo
// entry referencing it. Undoing the same entry twice is not prevented; the
// second attempt usually fails because the target state no longer matches.
func (s *Service) Undo(ctx context.Context, p *Principal, logID uint) (*UndoResult, error) {
	if err := requireCapability(p, CapViewAuditLogs); err != nil {
		return nil, err
	}

	entry, err := s.loadAuditLog(ctx, logID)
	if err != nil {
		return nil, err
	}

	var result *UndoResult
	switch entry.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
		result, err = s.undoEntityChange(ctx, p, entry)
	case ActionPromote:
		result, err = s.undoPromote(ctx, p, entry)
	case ActionDemote:
		result, err = s.undoDemote(ctx, p, entry)
	case ActionPermissionChange:
		result, err = s.undoPermissionChange(ctx, p, entry)
	case ActionLogin, ActionLogout, ActionLoginFailed, ActionUndo:
		err = fmt.Errorf("%w: cannot undo action %q", ErrUnsupportedAction, entry.Action)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrUnsupportedAction, entry.Action)
	}
	if err != nil {
		return nil, err
	}

	payload := result.snapshot()
	payload["originalLogId"] = entry.ID
	payload["originalAction"] = string(entry.Action)
	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUndo,
		EntityType: entry.EntityType,
		EntityID:   uintPtr(result.EntityID),
		NewValue:   payload,
		Actor:      p,
	})

	s.log.Infow("audit entry undone",
		"log_id", entry.ID,
		"action", entry.Action,
		"entity_type", entry.EntityType,
		"entity_id", result.EntityID,
		"operation", result.Operation,
	)
	return result, nil
}

func (s *Service) undoEntityChange(ctx context.Context, p *Principal, entry *AuditLog) (*UndoResult, error) {
	switch entry.EntityType {
	case EntityUser:
		if err := requireCapability(p, CapManageUsers); err != nil {
			return nil, err
		}
	case EntityCalendar, EntityEvent:
		if err := requireCapability(p, CapManageCalendars); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot undo %s of entity type %q", ErrUnsupportedAction, entry.Action, entry.EntityType)
	}

	id, err := undoEntityID(entry)
	if err != nil {
		return nil, err
	}
	old := snapshotOf(entry.OldValue)
	if entry.Action != ActionCreate && old.Empty() {
		return nil, fmt.Errorf("%w: old values unavailable for audit log %d", ErrInvalidInput, entry.ID)
	}

	switch entry.EntityType {
	case EntityUser:
		switch entry.Action {
		case ActionCreate:
			return s.undoUserCreate(ctx, p, id)
		case ActionUpdate:
			return s.undoUserUpdate(ctx, p, id, old)
		default:
			return s.undoUserDelete(ctx, p, id, old)
		}
	case EntityCalendar:
		switch entry.Action {
		case ActionCreate:
			return s.undoCalendarCreate(ctx, id)
		case ActionUpdate:
			return s.undoCalendarUpdate(ctx, id, old)
		default:
			return s.undoCalendarDelete(ctx, id, old)
		}
	default:
		switch entry.Action {
		case ActionCreate:
			return s.undoEventCreate(ctx, id)
		case ActionUpdate:
			return s.undoEventUpdate(ctx, id, old)
		default:
			return s.undoEventDelete(ctx, id, old)
		}
	}
}

func undoEntityID(entry *AuditLog) (uint, error) {
	if entry.EntityID == nil || *entry.EntityID == 0 {
		return 0, fmt.Errorf("%w: audit log %d has no entity id", ErrInvalidInput, entry.ID)
	}
	return *entry.EntityID, nil
}

func alreadyInTargetState(kind string, id uint) error {
	return fmt.Errorf("%w: %s %d already in target state", ErrConflict, kind, id)
}

func notFound(kind string, id uint) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
}

// sortedKeys keeps descriptions stable regardless of map order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func translateWriteError(err error, what string) error {
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

// ---- users ----

func (s *Service) undoUserCreate(ctx context.Context, p *Principal, id uint) (*UndoResult, error) {
	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("user", id)
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		if err := s.checkUserDeletable(ctx, tx, p, &user); err != nil {
			return err
		}
		return s.deleteUserTx(tx, &user)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateUserAccess(ctx, id)

	return &UndoResult{
		EntityType:  EntityUser,
		EntityID:    id,
		Operation:   UndoDeleted,
		Description: fmt.Sprintf("deleted user %s created by the original action", user.Email),
	}, nil
}

func (s *Service) undoUserUpdate(ctx context.Context, p *Principal, id uint, old Snapshot) (*UndoResult, error) {
	updates := map[string]interface{}{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("user", id)
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		if err := s.requireSuperForUser(ctx, tx, p, id); err != nil {
			return err
		}

		recognized := 0
		if v, ok := old.String("email"); ok {
			recognized++
			email := normalizeEmail(v)
			if !validEmail(email) {
				return fmt.Errorf("%w: stored email %q is not valid", ErrInvalidInput, v)
			}
			if email != user.Email {
				updates["email"] = email
			}
		}
		if v, ok := old.String("firstName"); ok {
			recognized++
			if v != user.FirstName {
				updates["first_name"] = v
			}
		}
		if v, ok := old.String("lastName"); ok {
			recognized++
			if v != user.LastName {
				updates["last_name"] = v
			}
		}
		if v, ok := old.String("role"); ok {
			recognized++
			if !Role(v).Valid() {
				return fmt.Errorf("%w: stored role %q is not valid", ErrInvalidInput, v)
			}
			if Role(v) != user.Role {
				updates["role"] = v
			}
		}
		if v, ok := old.String("status"); ok {
			recognized++
			if !UserStatus(v).Valid() {
				return fmt.Errorf("%w: stored status %q is not valid", ErrInvalidInput, v)
			}
			if UserStatus(v) != user.Status {
				updates["status"] = v
			}
		}
		if recognized == 0 {
			return fmt.Errorf("%w: old values unavailable for user %d", ErrInvalidInput, id)
		}
		if len(updates) == 0 {
			return alreadyInTargetState("user", id)
		}

		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return translateWriteError(err, "email")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityUser,
		EntityID:    id,
		Operation:   UndoRestored,
		Description: fmt.Sprintf("restored user %d fields: %s", id, strings.Join(sortedKeys(updates), ", ")),
	}, nil
}

func (s *Service) undoUserDelete(ctx context.Context, p *Principal, id uint, old Snapshot) (*UndoResult, error) {
	hash, err := s.hasher.Hash(TemporaryPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash temporary password: %w", err)
	}

	email, ok := old.String("email")
	email = normalizeEmail(email)
	if !ok || !validEmail(email) {
		email = fmt.Sprintf(placeholderEmailFormat, s.clock.Now().Unix())
	}
	user := User{
		Email:        email,
		PasswordHash: hash,
		Role:         RoleStudent,
		Status:       UserActive,
	}
	user.FirstName, _ = old.String("firstName")
	user.LastName, _ = old.String("lastName")
	if v, ok := old.String("role"); ok && Role(v).Valid() {
		user.Role = Role(v)
	}
	if v, ok := old.String("status"); ok && UserStatus(v).Valid() {
		user.Status = UserStatus(v)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: email %s is already in use", ErrConflict, user.Email)
		}
		if err := reuseID(tx, &User{}, "user", id, &user.ID); err != nil {
			return err
		}
		if err := tx.Create(&user).Error; err != nil {
			return translateWriteError(err, "user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:        EntityUser,
		EntityID:          user.ID,
		Operation:         UndoRecreated,
		Description:       fmt.Sprintf("recreated user %s with a temporary password", user.Email),
		TemporaryPassword: TemporaryPassword,
	}, nil
}

// reuseID gives a recreated entity the id earlier audit entries refer to.
// An occupied id means the entity was already restored.
func reuseID(tx *gorm.DB, model interface{}, kind string, id uint, dst *uint) error {
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check id: %w", err)
	}
	if count > 0 {
		return alreadyInTargetState(kind, id)
	}
	*dst = id
	return nil
}

// ---- calendars ----

func (s *Service) undoCalendarCreate(ctx context.Context, id uint) (*UndoResult, error) {
	var cal Calendar
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cal, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("calendar", id)
			}
			return fmt.Errorf("failed to load calendar: %w", err)
		}
		return deleteCalendarTx(tx, &cal)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCalendarAccess(ctx, id)

	return &UndoResult{
		EntityType:  EntityCalendar,
		EntityID:    id,
		Operation:   UndoDeleted,
		Description: fmt.Sprintf("deleted calendar %q created by the original action", cal.Name),
	}, nil
}

func (s *Service) undoCalendarUpdate(ctx context.Context, id uint, old Snapshot) (*UndoResult, error) {
	updates := map[string]interface{}{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cal Calendar
		if err := tx.First(&cal, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("calendar", id)
			}
			return fmt.Errorf("failed to load calendar: %w", err)
		}

		recognized := 0
		if v, ok := old.String("name"); ok {
			recognized++
			if v != cal.Name {
				updates["name"] = v
			}
		}
		if v, ok := old.String("description"); ok {
			recognized++
			if v != cal.Description {
				updates["description"] = v
			}
		}
		if v, ok := old.String("color"); ok {
			recognized++
			if !validColor(v) {
				return fmt.Errorf("%w: stored color %q is not valid", ErrInvalidInput, v)
			}
			if v != cal.Color {
				updates["color"] = v
			}
		}
		if v, ok := old.String("type"); ok {
			recognized++
			if !CalendarType(v).Valid() {
				return fmt.Errorf("%w: stored type %q is not valid", ErrInvalidInput, v)
			}
			if CalendarType(v) != cal.Type {
				updates["type"] = v
			}
		}
		if v, ok := old.Uint("ownerId"); ok {
			recognized++
			if v != cal.OwnerID {
				if err := requireUserExists(tx, v); err != nil {
					return err
				}
				updates["owner_id"] = v
			}
		}
		if recognized == 0 {
			return fmt.Errorf("%w: old values unavailable for calendar %d", ErrInvalidInput, id)
		}
		if len(updates) == 0 {
			return alreadyInTargetState("calendar", id)
		}
		return tx.Model(&cal).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCalendarAccess(ctx, id)

	return &UndoResult{
		EntityType:  EntityCalendar,
		EntityID:    id,
		Operation:   UndoRestored,
		Description: fmt.Sprintf("restored calendar %d fields: %s", id, strings.Join(sortedKeys(updates), ", ")),
	}, nil
}

func (s *Service) undoCalendarDelete(ctx context.Context, id uint, old Snapshot) (*UndoResult, error) {
	ownerID, ok := old.Uint("ownerId")
	if !ok || ownerID == 0 {
		return nil, fmt.Errorf("%w: old values lack the calendar owner", ErrInvalidInput)
	}
	cal := Calendar{
		Name:    "Restored calendar",
		Color:   DefaultCalendarColor,
		Type:    CalendarPersonal,
		OwnerID: ownerID,
	}
	if v, ok := old.String("name"); ok && strings.TrimSpace(v) != "" {
		cal.Name = v
	}
	cal.Description, _ = old.String("description")
	if v, ok := old.String("color"); ok && validColor(v) {
		cal.Color = v
	}
	if v, ok := old.String("type"); ok && CalendarType(v).Valid() {
		cal.Type = CalendarType(v)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUserExists(tx, ownerID); err != nil {
			return err
		}
		if err := reuseID(tx, &Calendar{}, "calendar", id, &cal.ID); err != nil {
			return err
		}
		return tx.Create(&cal).Error
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityCalendar,
		EntityID:    cal.ID,
		Operation:   UndoRecreated,
		Description: fmt.Sprintf("recreated calendar %q without its events and grants", cal.Name),
	}, nil
}

// ---- events ----

func (s *Service) undoEventCreate(ctx context.Context, id uint) (*UndoResult, error) {
	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&event, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("event", id)
			}
			return fmt.Errorf("failed to load event: %w", err)
		}
		return deleteEventTx(tx, &event)
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityEvent,
		EntityID:    id,
		Operation:   UndoDeleted,
		Description: fmt.Sprintf("deleted event %q created by the original action", event.Title),
	}, nil
}

func (s *Service) undoEventUpdate(ctx context.Context, id uint, old Snapshot) (*UndoResult, error) {
	updates := map[string]interface{}{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event Event
		if err := tx.First(&event, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("event", id)
			}
			return fmt.Errorf("failed to load event: %w", err)
		}

		recognized := 0
		target := event
		if v, ok := old.String("title"); ok {
			recognized++
			if v != event.Title {
				updates["title"] = v
			}
		}
		if v, ok := old.String("description"); ok {
			recognized++
			if v != event.Description {
				updates["description"] = v
			}
		}
		if v, ok := old.String("location"); ok {
			recognized++
			if v != event.Location {
				updates["location"] = v
			}
		}
		if v, ok := old.Time("start"); ok {
			recognized++
			target.StartAt = v
			if !v.Equal(event.StartAt) {
				updates["start_at"] = v
			}
		}
		if v, ok := old.Time("end"); ok {
			recognized++
			target.EndAt = v
			if !v.Equal(event.EndAt) {
				updates["end_at"] = v
			}
		}
		if target.EndAt.Before(target.StartAt) {
			return fmt.Errorf("%w: restored end precedes start", ErrInvalidInput)
		}
		if v, ok := old.Bool("allDay"); ok {
			recognized++
			if v != event.AllDay {
				updates["all_day"] = v
			}
		}
		if v, ok := old.String("type"); ok {
			recognized++
			if !EventType(v).Valid() {
				return fmt.Errorf("%w: stored type %q is not valid", ErrInvalidInput, v)
			}
			if EventType(v) != event.Type {
				updates["type"] = v
			}
		}
		if v, ok := old.NullableUint("calendarId"); ok {
			recognized++
			if !sameUintPtr(v, event.CalendarID) {
				if v != nil {
					if err := requireCalendarExists(tx, *v); err != nil {
						return err
					}
				}
				updates["calendar_id"] = v
			}
		}
		if v, ok := old.String("recurrenceRule"); ok {
			recognized++
			if v != event.RecurrenceRule {
				updates["recurrence_rule"] = v
			}
		}
		if v, ok := old.NullableTime("recurrenceEnd"); ok {
			recognized++
			if !sameTimePtr(v, event.RecurrenceEnd) {
				updates["recurrence_end"] = v
			}
		}
		if v, ok := old.NullableUint("parentEventId"); ok {
			recognized++
			if !sameUintPtr(v, event.ParentEventID) {
				updates["parent_event_id"] = v
			}
		}
		if recognized == 0 {
			return fmt.Errorf("%w: old values unavailable for event %d", ErrInvalidInput, id)
		}
		if len(updates) == 0 {
			return alreadyInTargetState("event", id)
		}
		return tx.Model(&event).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityEvent,
		EntityID:    id,
		Operation:   UndoRestored,
		Description: fmt.Sprintf("restored event %d fields: %s", id, strings.Join(sortedKeys(updates), ", ")),
	}, nil
}

func (s *Service) undoEventDelete(ctx context.Context, id uint, old Snapshot) (*UndoResult, error) {
	start, okStart := old.Time("start")
	end, okEnd := old.Time("end")
	if !okStart || !okEnd {
		return nil, fmt.Errorf("%w: old values lack the event time range", ErrInvalidInput)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: stored end precedes start", ErrInvalidInput)
	}
	event := Event{
		Title:   "Restored event",
		StartAt: start,
		EndAt:   end,
		Type:    EventOther,
	}
	if v, ok := old.String("title"); ok && strings.TrimSpace(v) != "" {
		event.Title = v
	}
	event.Description, _ = old.String("description")
	event.Location, _ = old.String("location")
	event.AllDay, _ = old.Bool("allDay")
	if v, ok := old.String("type"); ok && EventType(v).Valid() {
		event.Type = EventType(v)
	}
	event.CalendarID, _ = old.NullableUint("calendarId")
	event.CreatedByID, _ = old.NullableUint("createdById")
	event.RecurrenceRule, _ = old.String("recurrenceRule")
	event.RecurrenceEnd, _ = old.NullableTime("recurrenceEnd")
	event.ParentEventID, _ = old.NullableUint("parentEventId")

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event.CalendarID != nil {
			if err := requireCalendarExists(tx, *event.CalendarID); err != nil {
				return err
			}
		}
		if event.CreatedByID != nil {
			if err := requireUserExists(tx, *event.CreatedByID); errors.Is(err, ErrNotFound) {
				event.CreatedByID = nil
			} else if err != nil {
				return err
			}
		}
		if event.ParentEventID != nil {
			var count int64
			if err := tx.Model(&Event{}).Where("id = ?", *event.ParentEventID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check parent event: %w", err)
			}
			if count == 0 {
				event.ParentEventID = nil
			}
		}
		if err := reuseID(tx, &Event{}, "event", id, &event.ID); err != nil {
			return err
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityEvent,
		EntityID:    event.ID,
		Operation:   UndoRecreated,
		Description: fmt.Sprintf("recreated event %q", event.Title),
	}, nil
}

// ---- administrators ----

func (s *Service) requireAdminUndo(p *Principal, entry *AuditLog) (uint, error) {
	if err := requireCapability(p, CapManagePermissions); err != nil {
		return 0, err
	}
	if entry.EntityType != EntityAdministrator {
		return 0, fmt.Errorf("%w: cannot undo %s of entity type %q", ErrUnsupportedAction, entry.Action, entry.EntityType)
	}
	return undoEntityID(entry)
}

func (s *Service) undoPromote(ctx context.Context, p *Principal, entry *AuditLog) (*UndoResult, error) {
	userID, err := s.requireAdminUndo(p, entry)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		admin, err := s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if admin == nil {
			return fmt.Errorf("%w: user %d is not an administrator", ErrNotFound, userID)
		}
		if userID == p.UserID() {
			return fmt.Errorf("%w: cannot revoke your own administrator row", ErrConflict)
		}
		if admin.IsSuperAdmin() {
			if !p.IsSuperAdmin() {
				return fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
			}
			if err := requireAnotherSuperAdmin(tx, admin.ID); err != nil {
				return err
			}
		}
		return tx.Delete(admin).Error
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityAdministrator,
		EntityID:    userID,
		Operation:   UndoRevoked,
		Description: fmt.Sprintf("revoked administrator rights of user %d", userID),
	}, nil
}

func (s *Service) undoDemote(ctx context.Context, p *Principal, entry *AuditLog) (*UndoResult, error) {
	userID, err := s.requireAdminUndo(p, entry)
	if err != nil {
		return nil, err
	}
	old := snapshotOf(entry.OldValue)

	admin := Administrator{UserID: userID, PermissionLevel: LevelAdmin}
	if v, ok := old.String("permissionLevel"); ok && AdminLevel(v).Valid() {
		admin.PermissionLevel = AdminLevel(v)
	}
	admin.CanManageUsers, _ = old.Bool("canManageUsers")
	admin.CanManageCalendars, _ = old.Bool("canManageCalendars")
	admin.CanManagePermissions, _ = old.Bool("canManagePermissions")
	admin.CanViewAuditLogs, _ = old.Bool("canViewAuditLogs")
	if admin.IsSuperAdmin() && !p.IsSuperAdmin() {
		return nil, fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: user %d is already an administrator", ErrConflict, userID)
		}
		if err := requireUserExists(tx, userID); err != nil {
			return err
		}
		if err := tx.Create(&admin).Error; err != nil {
			return translateWriteError(err, "administrator")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityAdministrator,
		EntityID:    userID,
		Operation:   UndoReinstated,
		Description: fmt.Sprintf("reinstated user %d as %s", userID, admin.PermissionLevel),
	}, nil
}

func (s *Service) undoPermissionChange(ctx context.Context, p *Principal, entry *AuditLog) (*UndoResult, error) {
	userID, err := s.requireAdminUndo(p, entry)
	if err != nil {
		return nil, err
	}
	if userID == p.UserID() {
		return nil, fmt.Errorf("%w: cannot restore your own administrator permissions", ErrConflict)
	}
	old := snapshotOf(entry.OldValue)
	if old.Empty() {
		return nil, fmt.Errorf("%w: old values unavailable for audit log %d", ErrInvalidInput, entry.ID)
	}

	updates := map[string]interface{}{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		admin, err := s.findAdministrator(ctx, tx, userID)
		if err != nil {
			return err
		}
		if admin == nil {
			return fmt.Errorf("%w: user %d is not an administrator", ErrNotFound, userID)
		}

		target := *admin
		if v, ok := old.String("permissionLevel"); ok {
			if !AdminLevel(v).Valid() {
				return fmt.Errorf("%w: stored level %q is not valid", ErrInvalidInput, v)
			}
			target.PermissionLevel = AdminLevel(v)
		}
		for key, field := range map[string]*bool{
			"canManageUsers":       &target.CanManageUsers,
			"canManageCalendars":   &target.CanManageCalendars,
			"canManagePermissions": &target.CanManagePermissions,
			"canViewAuditLogs":     &target.CanViewAuditLogs,
		} {
			if v, ok := old.Bool(key); ok {
				*field = v
			}
		}

		if (admin.IsSuperAdmin() || target.IsSuperAdmin()) && !p.IsSuperAdmin() {
			return fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
		}
		diffAdminFields(admin, &target, updates)
		if len(updates) == 0 {
			return alreadyInTargetState("administrator of user", userID)
		}
		if admin.IsSuperAdmin() && !target.IsSuperAdmin() {
			if err := requireAnotherSuperAdmin(tx, admin.ID); err != nil {
				return err
			}
		}
		return tx.Model(admin).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	return &UndoResult{
		EntityType:  EntityAdministrator,
		EntityID:    userID,
		Operation:   UndoReverted,
		Description: fmt.Sprintf("reverted administrator permissions of user %d: %s", userID, strings.Join(sortedKeys(updates), ", ")),
	}, nil
}
