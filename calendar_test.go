package agenda_test

import (
	"errors"
	"testing"

	"github.com/bohemiyan/agenda"
)

func TestCreateCalendar(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "  Math  "})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if cal.Name != "Math" || cal.Color != agenda.DefaultCalendarColor || cal.Type != agenda.CalendarPersonal {
		t.Errorf("calendar = %+v, want defaults applied", cal)
	}
	if cal.OwnerID != owner.UserID() {
		t.Errorf("OwnerID = %d, want %d", cal.OwnerID, owner.UserID())
	}

	tests := []struct {
		name string
		by   *agenda.Principal
		in   agenda.CalendarInput
		want error
	}{
		{"anonymous", agenda.Anonymous("", ""), agenda.CalendarInput{Name: "x"}, agenda.ErrUnauthenticated},
		{"no name", owner, agenda.CalendarInput{Name: " "}, agenda.ErrInvalidInput},
		{"bad color", owner, agenda.CalendarInput{Name: "x", Color: "red"}, agenda.ErrInvalidInput},
		{"short color", owner, agenda.CalendarInput{Name: "x", Color: "#fff"}, agenda.ErrInvalidInput},
		{"bad type", owner, agenda.CalendarInput{Name: "x", Type: "secret"}, agenda.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateCalendar(f.ctx, tt.by, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateCalendar() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListCalendars_Visibility(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	viewer := f.user(t, "viewer@example.com", agenda.RoleStudent)

	private, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Private"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	public, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Public", Type: agenda.CalendarPublic})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	shared, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Shared", Type: agenda.CalendarShared})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, shared.ID, viewer.UserID(), agenda.GrantModification); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	views, err := f.svc.ListCalendars(f.ctx, viewer)
	if err != nil {
		t.Fatalf("ListCalendars() error = %v", err)
	}
	got := map[uint]agenda.AccessLevel{}
	for _, v := range views {
		got[v.ID] = v.Access
	}
	want := map[uint]agenda.AccessLevel{public.ID: agenda.AccessView, shared.ID: agenda.AccessEdit}
	if len(got) != len(want) {
		t.Fatalf("ListCalendars() = %v, want %v", got, want)
	}
	for id, level := range want {
		if got[id] != level {
			t.Errorf("calendar %d access = %s, want %s", id, got[id], level)
		}
	}

	anon, err := f.svc.ListCalendars(f.ctx, agenda.Anonymous("", ""))
	if err != nil {
		t.Fatalf("ListCalendars(anonymous) error = %v", err)
	}
	if len(anon) != 1 || anon[0].ID != public.ID {
		t.Errorf("anonymous sees %+v, want only the public calendar", anon)
	}

	if _, err := f.svc.GetCalendar(f.ctx, viewer, private.ID); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("GetCalendar(private) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.GetCalendar(f.ctx, agenda.Anonymous("", ""), private.ID); !errors.Is(err, agenda.ErrUnauthenticated) {
		t.Errorf("anonymous GetCalendar(private) error = %v, want ErrUnauthenticated", err)
	}
}

func TestUpdateCalendar(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	editor := f.user(t, "editor@example.com", agenda.RoleTeacher)
	heir := f.user(t, "heir@example.com", agenda.RoleTeacher)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Dept"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, editor.UserID(), agenda.GrantModification); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	if _, err := f.svc.UpdateCalendar(f.ctx, editor, cal.ID, agenda.CalendarPatch{Name: strPtr("Mine")}); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("editor UpdateCalendar() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.UpdateCalendar(f.ctx, owner, cal.ID, agenda.CalendarPatch{Color: strPtr("#12345g")}); !errors.Is(err, agenda.ErrInvalidInput) {
		t.Errorf("bad color error = %v, want ErrInvalidInput", err)
	}
	if _, err := f.svc.UpdateCalendar(f.ctx, owner, cal.ID, agenda.CalendarPatch{OwnerID: uintPtr(999)}); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("unknown owner error = %v, want ErrNotFound", err)
	}

	updated, err := f.svc.UpdateCalendar(f.ctx, owner, cal.ID, agenda.CalendarPatch{
		Color:   strPtr("#AABBCC"),
		OwnerID: uintPtr(heir.UserID()),
	})
	if err != nil {
		t.Fatalf("UpdateCalendar() error = %v", err)
	}
	if updated.OwnerID != heir.UserID() || updated.Color != "#AABBCC" {
		t.Errorf("calendar = %+v", updated)
	}

	level, err := f.svc.ResolveAccess(f.ctx, updated, owner)
	if err != nil {
		t.Fatalf("ResolveAccess() error = %v", err)
	}
	if level != agenda.AccessNone {
		t.Errorf("former owner access = %s, want none", level)
	}
	if err := f.svc.DeleteCalendar(f.ctx, owner, cal.ID); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("former owner DeleteCalendar() error = %v, want ErrPermissionDenied", err)
	}
}

func TestDeleteCalendar_ByCalendarManager(t *testing.T) {
	f := newFixture(t)
	super := f.superAdmin(t, "root@example.com")
	manager := f.admin(t, super, "cm@example.com", agenda.AdminGrant{CanManageCalendars: true})
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	guest := f.user(t, "guest@example.com", agenda.RoleStudent)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Dept"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantConsultation); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	if err := f.svc.DeleteCalendar(f.ctx, manager, cal.ID); err != nil {
		t.Fatalf("DeleteCalendar() error = %v", err)
	}
	ok, err := f.svc.HasPermission(f.ctx, cal.ID, guest.UserID(), agenda.GrantConsultation)
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if ok {
		t.Error("grant survived calendar deletion")
	}
	entry := f.lastLog(t, super, agenda.ActionDelete, agenda.EntityCalendar)
	if entry.OldValue["name"] != "Dept" {
		t.Errorf("delete snapshot = %v", entry.OldValue)
	}
}

func TestGetPermission(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	guest := f.user(t, "guest@example.com", agenda.RoleStudent)
	other := f.user(t, "other@example.com", agenda.RoleStudent)

	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Club"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantConsultation); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	own, err := f.svc.GetPermission(f.ctx, guest, cal.ID, guest.UserID())
	if err != nil {
		t.Fatalf("GetPermission(self) error = %v", err)
	}
	if own.Permission != agenda.GrantConsultation {
		t.Errorf("Permission = %s, want consultation", own.Permission)
	}
	if _, err := f.svc.GetPermission(f.ctx, other, cal.ID, guest.UserID()); !errors.Is(err, agenda.ErrPermissionDenied) {
		t.Errorf("GetPermission(other) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.svc.GetPermission(f.ctx, owner, cal.ID, other.UserID()); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("GetPermission(no grant) error = %v, want ErrNotFound", err)
	}
}
