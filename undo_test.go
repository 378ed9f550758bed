package agenda_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bohemiyan/agenda"
)

func TestUndo_CreateRoundTrip(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Mistake"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityCalendar)

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if res.EntityType != agenda.EntityCalendar || res.EntityID != cal.ID || res.Operation != agenda.UndoDeleted {
		t.Errorf("Undo() = %+v", res)
	}
	if _, err := f.svc.GetCalendar(f.ctx, owner, cal.ID); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("GetCalendar() after undo error = %v, want ErrNotFound", err)
	}

	undoEntry := f.lastLog(t, super, agenda.ActionUndo, agenda.EntityCalendar)
	if undoEntry.EntityID == nil || *undoEntry.EntityID != cal.ID {
		t.Errorf("undo entry entity = %v, want %d", undoEntry.EntityID, cal.ID)
	}
	if undoEntry.NewValue["originalAction"] != string(agenda.ActionCreate) {
		t.Errorf("originalAction = %v", undoEntry.NewValue["originalAction"])
	}
	if id, ok := undoEntry.NewValue["originalLogId"].(float64); !ok || uint(id) != entry.ID {
		t.Errorf("originalLogId = %v, want %d", undoEntry.NewValue["originalLogId"], entry.ID)
	}

	if _, err := f.svc.Undo(f.ctx, super, entry.ID); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("second Undo() error = %v, want ErrNotFound", err)
	}
}

func TestUndo_PartialUpdate(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")

	start := baseTime.Add(24 * time.Hour)
	ev, err := f.svc.CreateEvent(f.ctx, super, agenda.EventInput{
		Title:    "B",
		Location: "Room 1",
		Start:    start,
		End:      start.Add(time.Hour),
		Type:     agenda.EventMeeting,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	entry, err := f.svc.Record(f.ctx, agenda.AuditEntry{
		Action:     agenda.ActionUpdate,
		EntityType: agenda.EntityEvent,
		EntityID:   uintPtr(ev.ID),
		OldValue:   agenda.Snapshot{"title": "A"},
		NewValue:   agenda.Snapshot{"title": "B", "location": "Room 1"},
		Actor:      super,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if res.Operation != agenda.UndoRestored {
		t.Errorf("Operation = %s, want restored", res.Operation)
	}

	got, err := f.svc.GetEvent(f.ctx, super, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got.Title != "A" {
		t.Errorf("Title = %q, want A", got.Title)
	}
	if got.Location != "Room 1" || got.Type != agenda.EventMeeting || !got.StartAt.Equal(start) {
		t.Errorf("untouched fields changed: %+v", got)
	}

	if _, err := f.svc.Undo(f.ctx, super, entry.ID); !errors.Is(err, agenda.ErrConflict) {
		t.Errorf("second Undo() error = %v, want ErrConflict", err)
	}
}

func TestUndo_UpdateThroughService(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Before", Color: "#112233"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.UpdateCalendar(f.ctx, owner, cal.ID, agenda.CalendarPatch{
		Name:  strPtr("After"),
		Color: strPtr("#445566"),
	}); err != nil {
		t.Fatalf("UpdateCalendar() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionUpdate, agenda.EntityCalendar)

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if !strings.Contains(res.Description, "color") || !strings.Contains(res.Description, "name") {
		t.Errorf("Description = %q, want restored fields listed", res.Description)
	}

	view, err := f.svc.GetCalendar(f.ctx, owner, cal.ID)
	if err != nil {
		t.Fatalf("GetCalendar() error = %v", err)
	}
	if view.Name != "Before" || view.Color != "#112233" {
		t.Errorf("calendar = %q %s, want Before #112233", view.Name, view.Color)
	}
}

func TestUndo_DeleteRecreatesUser(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")

	u, err := f.svc.CreateUser(f.ctx, super, agenda.UserInput{
		Email:     "gone@example.com",
		Password:  "password123",
		FirstName: "Gone",
		LastName:  "Soon",
		Role:      agenda.RoleTeacher,
	})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := f.svc.DeleteUser(f.ctx, super, u.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionDelete, agenda.EntityUser)

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if res.Operation != agenda.UndoRecreated || res.EntityID != u.ID {
		t.Errorf("Undo() = %+v, want recreated with id %d", res, u.ID)
	}
	if res.TemporaryPassword != agenda.TemporaryPassword {
		t.Errorf("TemporaryPassword = %q", res.TemporaryPassword)
	}

	p, err := f.svc.Authenticate(f.ctx, agenda.Anonymous("", ""), "gone@example.com", agenda.TemporaryPassword)
	if err != nil {
		t.Fatalf("Authenticate() with temporary password error = %v", err)
	}
	if p.User.FirstName != "Gone" || p.User.Role != agenda.RoleTeacher {
		t.Errorf("recreated user = %+v", p.User)
	}

	undoEntry := f.lastLog(t, super, agenda.ActionUndo, agenda.EntityUser)
	if _, leaked := undoEntry.NewValue["temporaryPassword"]; leaked {
		t.Error("undo entry stores the temporary password")
	}
	if undoEntry.NewValue["temporaryPasswordIssued"] != true {
		t.Errorf("undo entry = %v, want temporaryPasswordIssued", undoEntry.NewValue)
	}
}

func TestUndo_DeleteWithoutEmailUsesPlaceholder(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")

	entry, err := f.svc.Record(f.ctx, agenda.AuditEntry{
		Action:     agenda.ActionDelete,
		EntityType: agenda.EntityUser,
		EntityID:   uintPtr(4242),
		OldValue:   agenda.Snapshot{"firstName": "Nameless"},
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	got, err := f.svc.GetUser(f.ctx, super, res.EntityID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !strings.HasPrefix(got.Email, "restored_user_") || got.Role != agenda.RoleStudent {
		t.Errorf("recreated user = %s (%s)", got.Email, got.Role)
	}
}

func TestUndo_DeleteNeedsSnapshot(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")

	entry, err := f.svc.Record(f.ctx, agenda.AuditEntry{
		Action:     agenda.ActionDelete,
		EntityType: agenda.EntityCalendar,
		EntityID:   uintPtr(3),
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := f.svc.Undo(f.ctx, super, entry.ID); !errors.Is(err, agenda.ErrInvalidInput) {
		t.Errorf("Undo() error = %v, want ErrInvalidInput", err)
	}
}

func TestUndo_DeleteRecreatesEvent(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Exams"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	start := baseTime.Add(48 * time.Hour)
	ev, err := f.svc.CreateEvent(f.ctx, owner, agenda.EventInput{
		Title: "Final", Start: start, End: start.Add(2 * time.Hour), Type: agenda.EventExam, CalendarID: &cal.ID,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if err := f.svc.DeleteEvent(f.ctx, owner, ev.ID); err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionDelete, agenda.EntityEvent)

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	got, err := f.svc.GetEvent(f.ctx, owner, res.EntityID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got.ID != ev.ID || got.Title != "Final" || got.Type != agenda.EventExam {
		t.Errorf("recreated event = %+v", got)
	}
	if !got.StartAt.Equal(start) || got.CalendarID == nil || *got.CalendarID != cal.ID {
		t.Errorf("recreated range/calendar = %v %v", got.StartAt, got.CalendarID)
	}
}

func TestUndo_PromoteScenario(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	u := f.user(t, "u@example.com", agenda.RoleStaff)

	if _, err := f.svc.Promote(f.ctx, super, u.UserID(), agenda.AdminGrant{
		PermissionLevel: agenda.LevelAdmin,
		CanManageUsers:  true,
	}); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionPromote, agenda.EntityAdministrator)
	if entry.EntityID == nil || *entry.EntityID != u.UserID() {
		t.Fatalf("promote entry entity = %v, want %d", entry.EntityID, u.UserID())
	}
	for _, key := range []string{"permissionLevel", "canManageUsers", "canManageCalendars", "canManagePermissions", "canViewAuditLogs"} {
		if _, ok := entry.NewValue[key]; !ok {
			t.Errorf("promote snapshot lacks %s", key)
		}
	}

	res, err := f.svc.Undo(f.ctx, super, entry.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if res.Operation != agenda.UndoRevoked {
		t.Errorf("Operation = %s, want revoked", res.Operation)
	}
	if p := f.principal(t, u.UserID()); p.IsAdmin() {
		t.Error("user is still an administrator after undo")
	}
	f.lastLog(t, super, agenda.ActionUndo, agenda.EntityAdministrator)

	if _, err := f.svc.Undo(f.ctx, super, entry.ID); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("second Undo() error = %v, want ErrNotFound", err)
	}
}

func TestUndo_DemoteAndPermissionChange(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	a := f.admin(t, super, "a@example.com", agenda.AdminGrant{CanManageCalendars: true, CanViewAuditLogs: true})

	if _, err := f.svc.ChangeAdminPermissions(f.ctx, super, a.UserID(), agenda.AdminPatch{
		CanManageCalendars: boolPtr(false),
		CanManageUsers:     boolPtr(true),
	}); err != nil {
		t.Fatalf("ChangeAdminPermissions() error = %v", err)
	}
	change := f.lastLog(t, super, agenda.ActionPermissionChange, agenda.EntityAdministrator)
	if _, err := f.svc.Undo(f.ctx, super, change.ID); err != nil {
		t.Fatalf("Undo(permission_change) error = %v", err)
	}
	p := f.principal(t, a.UserID())
	if !p.Admin.CanManageCalendars || p.Admin.CanManageUsers || !p.Admin.CanViewAuditLogs {
		t.Errorf("flags after undo = %+v", p.Admin)
	}
	if _, err := f.svc.Undo(f.ctx, super, change.ID); !errors.Is(err, agenda.ErrConflict) {
		t.Errorf("second Undo(permission_change) error = %v, want ErrConflict", err)
	}

	if err := f.svc.Demote(f.ctx, super, a.UserID()); err != nil {
		t.Fatalf("Demote() error = %v", err)
	}
	demote := f.lastLog(t, super, agenda.ActionDemote, agenda.EntityAdministrator)
	res, err := f.svc.Undo(f.ctx, super, demote.ID)
	if err != nil {
		t.Fatalf("Undo(demote) error = %v", err)
	}
	if res.Operation != agenda.UndoReinstated {
		t.Errorf("Operation = %s, want reinstated", res.Operation)
	}
	p = f.principal(t, a.UserID())
	if !p.IsAdmin() || !p.Admin.CanManageCalendars || !p.Admin.CanViewAuditLogs || p.Admin.CanManageUsers {
		t.Errorf("reinstated admin = %+v", p.Admin)
	}
	if _, err := f.svc.Undo(f.ctx, super, demote.ID); !errors.Is(err, agenda.ErrConflict) {
		t.Errorf("second Undo(demote) error = %v, want ErrConflict", err)
	}
}

func TestUndo_CannotRevokeOwnPromotion(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	entry := f.lastLog(t, super, agenda.ActionPromote, agenda.EntityAdministrator)

	if _, err := f.svc.Undo(f.ctx, super, entry.ID); !errors.Is(err, agenda.ErrConflict) {
		t.Errorf("Undo() error = %v, want ErrConflict", err)
	}
}

func TestUndo_Unsupported(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	teacher := f.user(t, "teacher@example.com", agenda.RoleTeacher)

	if _, err := f.svc.Authenticate(f.ctx, agenda.Anonymous("", ""), "teacher@example.com", "password123"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	login := f.lastLog(t, super, agenda.ActionLogin, agenda.EntityUser)
	_, err := f.svc.Undo(f.ctx, super, login.ID)
	if !errors.Is(err, agenda.ErrUnsupportedAction) || !strings.Contains(err.Error(), "login") {
		t.Errorf("Undo(login) error = %v, want ErrUnsupportedAction naming login", err)
	}

	if _, err := f.svc.CreateIncident(f.ctx, teacher, agenda.IncidentInput{Title: "Broken projector"}); err != nil {
		t.Fatalf("CreateIncident() error = %v", err)
	}
	incident := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityIncident)
	_, err = f.svc.Undo(f.ctx, super, incident.ID)
	if !errors.Is(err, agenda.ErrUnsupportedAction) || !strings.Contains(err.Error(), "incident") {
		t.Errorf("Undo(incident create) error = %v, want ErrUnsupportedAction naming incident", err)
	}
}

func TestUndo_RequiresAuditCapability(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	calendars := f.admin(t, super, "cal@example.com", agenda.AdminGrant{CanManageCalendars: true})
	auditor := f.admin(t, super, "audit@example.com", agenda.AdminGrant{CanViewAuditLogs: true})

	if _, err := f.svc.CreateCalendar(f.ctx, calendars, agenda.CalendarInput{Name: "X"}); err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	entry := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityCalendar)

	if _, err := f.svc.Undo(f.ctx, calendars, entry.ID); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("Undo() without audit flag error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.Undo(f.ctx, auditor, entry.ID); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("Undo() without calendar flag error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.Undo(f.ctx, super, 99999); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("Undo(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUndo_EntityBranches(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, f *fixture, super *agenda.Principal) (uint, func(t *testing.T))
		wantAgain error
	}{
		{
			name: "calendar delete comes back without grants",
			setup: func(t *testing.T, f *fixture, super *agenda.Principal) (uint, func(t *testing.T)) {
				owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
				guest := f.user(t, "guest@example.com", agenda.RoleTeacher)
				cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{
					Name: "Labs", Description: "lab slots", Color: "#0a0b0c", Type: agenda.CalendarShared,
				})
				if err != nil {
					t.Fatalf("CreateCalendar() error = %v", err)
				}
				if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantModification); err != nil {
					t.Fatalf("GrantPermission() error = %v", err)
				}
				if err := f.svc.DeleteCalendar(f.ctx, owner, cal.ID); err != nil {
					t.Fatalf("DeleteCalendar() error = %v", err)
				}
				entry := f.lastLog(t, super, agenda.ActionDelete, agenda.EntityCalendar)
				return entry.ID, func(t *testing.T) {
					var got agenda.Calendar
					if err := f.db.First(&got, cal.ID).Error; err != nil {
						t.Fatalf("recreated calendar %d: %v", cal.ID, err)
					}
					if got.Name != "Labs" || got.Description != "lab slots" || got.Color != "#0a0b0c" ||
						got.Type != agenda.CalendarShared || got.OwnerID != owner.UserID() {
						t.Errorf("recreated calendar = %+v", got)
					}
					ok, err := f.svc.HasPermission(f.ctx, cal.ID, guest.UserID(), agenda.GrantConsultation)
					if err != nil {
						t.Fatalf("HasPermission() error = %v", err)
					}
					if ok {
						t.Error("recreated calendar kept the guest grant")
					}
				}
			},
			wantAgain: agenda.ErrConflict,
		},
		{
			name: "user create removes the account",
			setup: func(t *testing.T, f *fixture, super *agenda.Principal) (uint, func(t *testing.T)) {
				u, err := f.svc.CreateUser(f.ctx, super, agenda.UserInput{
					Email: "temp@example.com", Password: "password123", FirstName: "Temp", LastName: "User", Role: agenda.RoleStaff,
				})
				if err != nil {
					t.Fatalf("CreateUser() error = %v", err)
				}
				entry := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityUser)
				return entry.ID, func(t *testing.T) {
					if _, err := f.svc.GetUser(f.ctx, super, u.ID); !errors.Is(err, agenda.ErrNotFound) {
						t.Errorf("GetUser() after undo error = %v, want ErrNotFound", err)
					}
				}
			},
			wantAgain: agenda.ErrNotFound,
		},
		{
			name: "user update restores fields",
			setup: func(t *testing.T, f *fixture, super *agenda.Principal) (uint, func(t *testing.T)) {
				u := f.user(t, "teacher@example.com", agenda.RoleTeacher)
				if _, err := f.svc.UpdateUser(f.ctx, super, u.UserID(), agenda.UserPatch{
					FirstName: strPtr("Renamed"),
					Role:      rolePtr(agenda.RoleStaff),
				}); err != nil {
					t.Fatalf("UpdateUser() error = %v", err)
				}
				entry := f.lastLog(t, super, agenda.ActionUpdate, agenda.EntityUser)
				return entry.ID, func(t *testing.T) {
					got, err := f.svc.GetUser(f.ctx, super, u.UserID())
					if err != nil {
						t.Fatalf("GetUser() error = %v", err)
					}
					if got.FirstName != "teacher" || got.Role != agenda.RoleTeacher || got.Email != "teacher@example.com" {
						t.Errorf("restored user = %s %s (%s)", got.FirstName, got.Email, got.Role)
					}
				}
			},
			wantAgain: agenda.ErrConflict,
		},
		{
			name: "event create removes the event",
			setup: func(t *testing.T, f *fixture, super *agenda.Principal) (uint, func(t *testing.T)) {
				start := baseTime.Add(24 * time.Hour)
				ev, err := f.svc.CreateEvent(f.ctx, super, agenda.EventInput{
					Title: "Assembly", Start: start, End: start.Add(time.Hour), Type: agenda.EventMeeting,
				})
				if err != nil {
					t.Fatalf("CreateEvent() error = %v", err)
				}
				entry := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityEvent)
				return entry.ID, func(t *testing.T) {
					if _, err := f.svc.GetEvent(f.ctx, super, ev.ID); !errors.Is(err, agenda.ErrNotFound) {
						t.Errorf("GetEvent() after undo error = %v, want ErrNotFound", err)
					}
				}
			},
			wantAgain: agenda.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			super := f.superAdmin(t, "root@example.com")
			logID, verify := tt.setup(t, f, super)

			if _, err := f.svc.Undo(f.ctx, super, logID); err != nil {
				t.Fatalf("Undo() error = %v", err)
			}
			verify(t)
			if _, err := f.svc.Undo(f.ctx, super, logID); !errors.Is(err, tt.wantAgain) {
				t.Errorf("second Undo() error = %v, want %v", err, tt.wantAgain)
			}
		})
	}
}

func TestUndo_UserCreateGuardsSuperAdmins(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	own := f.lastLog(t, super, agenda.ActionCreate, agenda.EntityUser)
	if own.EntityID == nil || *own.EntityID != super.UserID() {
		t.Fatalf("registration entry = %v, want %d", own.EntityID, super.UserID())
	}
	manager := f.admin(t, super, "users@example.com", agenda.AdminGrant{CanManageUsers: true, CanViewAuditLogs: true})

	if _, err := f.svc.Undo(f.ctx, super, own.ID); !errors.Is(err, agenda.ErrConflict) {
		t.Errorf("Undo(own registration) error = %v, want ErrConflict", err)
	}
	if _, err := f.svc.Undo(f.ctx, manager, own.ID); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("Undo(super registration) by manager error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.GetUser(f.ctx, super, super.UserID()); err != nil {
		t.Errorf("super administrator was removed: %v", err)
	}
}

func boolPtr(v bool) *bool { return &v }
