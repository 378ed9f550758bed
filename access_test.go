package agenda_test

import (
	"errors"
	"testing"

	"github.com/bohemiyan/agenda"
)

func TestResolveAccess(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	viewer := f.user(t, "viewer@example.com", agenda.RoleStudent)
	editor := f.user(t, "editor@example.com", agenda.RoleStudent)
	stranger := f.user(t, "stranger@example.com", agenda.RoleStudent)

	private, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Private"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	public, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Public", Type: agenda.CalendarPublic})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, private.ID, viewer.UserID(), agenda.GrantConsultation); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, private.ID, editor.UserID(), agenda.GrantModification); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, public.ID, editor.UserID(), agenda.GrantAdministration); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	tests := []struct {
		name string
		cal  *agenda.Calendar
		p    *agenda.Principal
		want agenda.AccessLevel
	}{
		{"owner", private, owner, agenda.AccessAdmin},
		{"consultation grant", private, viewer, agenda.AccessView},
		{"modification grant", private, editor, agenda.AccessEdit},
		{"no grant on private", private, stranger, agenda.AccessNone},
		{"anonymous on private", private, agenda.Anonymous("", ""), agenda.AccessNone},
		{"nil principal on public", public, nil, agenda.AccessView},
		{"stranger on public", public, stranger, agenda.AccessView},
		{"grant above public", public, editor, agenda.AccessAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.ResolveAccess(f.ctx, tt.cal, tt.p)
			if err != nil {
				t.Fatalf("ResolveAccess() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveAccess() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveAccessBulk_MatchesSingle(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	other := f.user(t, "other@example.com", agenda.RoleTeacher)

	var cals []agenda.Calendar
	for i, typ := range []agenda.CalendarType{agenda.CalendarPersonal, agenda.CalendarShared, agenda.CalendarPublic} {
		cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: string(typ), Type: typ})
		if err != nil {
			t.Fatalf("CreateCalendar(%d) error = %v", i, err)
		}
		cals = append(cals, *cal)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, cals[1].ID, other.UserID(), agenda.GrantModification); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	levels, err := f.svc.ResolveAccessBulk(f.ctx, other, cals)
	if err != nil {
		t.Fatalf("ResolveAccessBulk() error = %v", err)
	}
	want := []agenda.AccessLevel{agenda.AccessNone, agenda.AccessEdit, agenda.AccessView}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("levels[%d] = %s, want %s", i, levels[i], want[i])
		}
	}
}

func TestGrantPermission(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	guest := f.user(t, "guest@example.com", agenda.RoleStudent)
	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Team"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}

	if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantConsultation); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	t.Run("duplicate pair conflicts", func(t *testing.T) {
		_, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantModification)
		if !errors.Is(err, agenda.ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})
	t.Run("owner cannot be granted", func(t *testing.T) {
		_, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, owner.UserID(), agenda.GrantConsultation)
		if !errors.Is(err, agenda.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
	t.Run("unknown level", func(t *testing.T) {
		other := f.user(t, "other@example.com", agenda.RoleStudent)
		_, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, other.UserID(), agenda.GrantLevel("root"))
		if !errors.Is(err, agenda.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
	t.Run("viewer cannot share", func(t *testing.T) {
		third := f.user(t, "third@example.com", agenda.RoleStudent)
		_, err := f.svc.GrantPermission(f.ctx, guest, cal.ID, third.UserID(), agenda.GrantConsultation)
		if !errors.Is(err, agenda.ErrPermissionDenied) {
			t.Errorf("error = %v, want ErrPermissionDenied", err)
		}
	})
	t.Run("unknown user", func(t *testing.T) {
		_, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, 9999, agenda.GrantConsultation)
		if !errors.Is(err, agenda.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestChangeAndRevokePermission(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	guest := f.user(t, "guest@example.com", agenda.RoleStudent)
	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Team"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}
	if _, err := f.svc.GrantPermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantConsultation); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	ok, err := f.svc.HasPermission(f.ctx, cal.ID, guest.UserID(), agenda.GrantModification)
	if err != nil || ok {
		t.Fatalf("HasPermission(modification) = %v, %v; want false", ok, err)
	}

	if _, err := f.svc.ChangePermission(f.ctx, owner, cal.ID, guest.UserID(), agenda.GrantAdministration); err != nil {
		t.Fatalf("ChangePermission() error = %v", err)
	}
	ok, err = f.svc.HasPermission(f.ctx, cal.ID, guest.UserID(), agenda.GrantModification)
	if err != nil || !ok {
		t.Fatalf("HasPermission(modification) after upgrade = %v, %v; want true", ok, err)
	}

	grants, err := f.svc.ListPermissions(f.ctx, owner, cal.ID)
	if err != nil {
		t.Fatalf("ListPermissions() error = %v", err)
	}
	if len(grants) != 1 || grants[0].Email != "guest@example.com" {
		t.Fatalf("ListPermissions() = %+v", grants)
	}

	if err := f.svc.RevokePermission(f.ctx, owner, cal.ID, guest.UserID()); err != nil {
		t.Fatalf("RevokePermission() error = %v", err)
	}
	level, err := f.svc.ResolveAccess(f.ctx, cal, guest)
	if err != nil {
		t.Fatalf("ResolveAccess() error = %v", err)
	}
	if level != agenda.AccessNone {
		t.Errorf("level after revoke = %s, want none", level)
	}
	if err := f.svc.RevokePermission(f.ctx, owner, cal.ID, guest.UserID()); !errors.Is(err, agenda.ErrNotFound) {
		t.Errorf("second RevokePermission() error = %v, want ErrNotFound", err)
	}
}

func TestBulkGrant(t *testing.T) {
	f := newFixture(t, withRedis())
	owner := f.user(t, "owner@example.com", agenda.RoleTeacher)
	a := f.user(t, "a@example.com", agenda.RoleStudent)
	b := f.user(t, "b@example.com", agenda.RoleStudent)
	cal, err := f.svc.CreateCalendar(f.ctx, owner, agenda.CalendarInput{Name: "Course"})
	if err != nil {
		t.Fatalf("CreateCalendar() error = %v", err)
	}

	grants, err := f.svc.BulkGrant(f.ctx, owner, cal.ID, map[uint]agenda.GrantLevel{
		a.UserID(): agenda.GrantConsultation,
		b.UserID(): agenda.GrantModification,
	})
	if err != nil {
		t.Fatalf("BulkGrant() error = %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("BulkGrant() returned %d grants, want 2", len(grants))
	}

	level, err := f.svc.ResolveAccess(f.ctx, cal, b)
	if err != nil || level != agenda.AccessEdit {
		t.Errorf("ResolveAccess(b) = %s, %v; want edit", level, err)
	}

	// One duplicate aborts the whole batch.
	c := f.user(t, "c@example.com", agenda.RoleStudent)
	_, err = f.svc.BulkGrant(f.ctx, owner, cal.ID, map[uint]agenda.GrantLevel{
		a.UserID(): agenda.GrantAdministration,
		c.UserID(): agenda.GrantConsultation,
	})
	if !errors.Is(err, agenda.ErrConflict) {
		t.Fatalf("BulkGrant() error = %v, want ErrConflict", err)
	}
	ok, err := f.svc.HasPermission(f.ctx, cal.ID, c.UserID(), agenda.GrantConsultation)
	if err != nil || ok {
		t.Errorf("HasPermission(c) = %v, %v; want false after rollback", ok, err)
	}
}
