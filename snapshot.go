package agenda

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Snapshot is a flat copy of an entity's fields at one point in time. It has
// no schema version: readers must tolerate any key being absent, and numbers
// may come back as float64, json.Number or string after a storage round trip.
type Snapshot map[string]any

func snapshotOf(m datatypes.JSONMap) Snapshot {
	if len(m) == 0 {
		return nil
	}
	return Snapshot(m).Clone()
}

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s Snapshot) Empty() bool {
	return len(s) == 0
}

func (s Snapshot) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s Snapshot) jsonMap() datatypes.JSONMap {
	if s == nil {
		return nil
	}
	return datatypes.JSONMap(s.Clone())
}

// String returns the value for key when it is a string.
func (s Snapshot) String(key string) (string, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Uint decodes a non-negative integer stored under key.
func (s Snapshot) Uint(key string) (uint, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false
	}
	return toUint(v)
}

// NullableUint distinguishes an explicit null (nil, true) from an absent or
// undecodable key (nil, false).
func (s Snapshot) NullableUint(key string) (*uint, bool) {
	v, ok := s[key]
	if !ok {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	n, ok := toUint(v)
	if !ok {
		return nil, false
	}
	return &n, true
}

func (s Snapshot) Bool(key string) (bool, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	if n, ok := toUint(v); ok {
		return n != 0, true
	}
	return false, false
}

func (s Snapshot) Time(key string) (time.Time, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return time.Time{}, false
	}
	return toTime(v)
}

func (s Snapshot) NullableTime(key string) (*time.Time, bool) {
	v, ok := s[key]
	if !ok {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	t, ok := toTime(v)
	if !ok {
		return nil, false
	}
	return &t, true
}

func toUint(v any) (uint, bool) {
	switch n := v.(type) {
	case uint:
		return n, true
	case uint32:
		return uint(n), true
	case uint64:
		return uint(n), true
	case int:
		return uint(n), n >= 0
	case int32:
		return uint(n), n >= 0
	case int64:
		return uint(n), n >= 0
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}
		return uint(n), true
	case json.Number:
		parsed, err := strconv.ParseUint(n.String(), 10, 64)
		return uint(parsed), err == nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		return uint(parsed), err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableUint(v *uint) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableRole(r *Role) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func userSnapshot(u *User) Snapshot {
	return Snapshot{
		"id":        u.ID,
		"email":     u.Email,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"role":      string(u.Role),
		"status":    string(u.Status),
	}
}

func adminSnapshot(a *Administrator) Snapshot {
	return Snapshot{
		"userId":               a.UserID,
		"permissionLevel":      string(a.PermissionLevel),
		"canManageUsers":       a.CanManageUsers,
		"canManageCalendars":   a.CanManageCalendars,
		"canManagePermissions": a.CanManagePermissions,
		"canViewAuditLogs":     a.CanViewAuditLogs,
	}
}

func calendarSnapshot(c *Calendar) Snapshot {
	return Snapshot{
		"id":          c.ID,
		"name":        c.Name,
		"description": c.Description,
		"color":       c.Color,
		"type":        string(c.Type),
		"ownerId":     c.OwnerID,
	}
}

func grantSnapshot(g *CalendarPermission) Snapshot {
	return Snapshot{
		"id":         g.ID,
		"calendarId": g.CalendarID,
		"userId":     g.UserID,
		"permission": string(g.Permission),
	}
}

func eventSnapshot(e *Event) Snapshot {
	return Snapshot{
		"id":             e.ID,
		"title":          e.Title,
		"description":    e.Description,
		"location":       e.Location,
		"start":          formatTime(e.StartAt),
		"end":            formatTime(e.EndAt),
		"allDay":         e.AllDay,
		"type":           string(e.Type),
		"calendarId":     nullableUint(e.CalendarID),
		"createdById":    nullableUint(e.CreatedByID),
		"recurrenceRule": e.RecurrenceRule,
		"recurrenceEnd":  nullableTime(e.RecurrenceEnd),
		"parentEventId":  nullableUint(e.ParentEventID),
	}
}

func incidentSnapshot(i *Incident) Snapshot {
	return Snapshot{
		"id":           i.ID,
		"title":        i.Title,
		"description":  i.Description,
		"location":     i.Location,
		"categoryId":   nullableUint(i.CategoryID),
		"reporterId":   i.ReporterID,
		"assigneeId":   nullableUint(i.AssigneeID),
		"assigneeRole": nullableRole(i.AssigneeRole),
		"priority":     string(i.Priority),
		"status":       string(i.Status),
		"resolvedAt":   nullableTime(i.ResolvedAt),
	}
}

func categorySnapshot(c *IncidentCategory) Snapshot {
	return Snapshot{
		"id":                  c.ID,
		"name":                c.Name,
		"code":                c.Code,
		"description":         c.Description,
		"defaultAssigneeRole": nullableRole(c.DefaultAssigneeRole),
		"active":              c.Active,
	}
}

func commentSnapshot(c *IncidentComment) Snapshot {
	return Snapshot{
		"id":         c.ID,
		"incidentId": c.IncidentID,
		"authorId":   c.AuthorID,
		"body":       c.Body,
	}
}
