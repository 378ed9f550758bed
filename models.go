package agenda

import (
	"time"

	"gorm.io/datatypes"
)

// Role is the fixed set of user roles. Roles gate capabilities such as
// incident access.
type Role string

const (
	RoleStudent  Role = "student"
	RoleTeacher  Role = "teacher"
	RoleStaff    Role = "staff"
	RoleExternal Role = "external"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleStaff, RoleExternal:
		return true
	}
	return false
}

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

func (s UserStatus) Valid() bool {
	return s == UserActive || s == UserInactive
}

// User is an authenticated identity.
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Email        string     `gorm:"uniqueIndex;size:180;not null" json:"email"`
	PasswordHash string     `gorm:"not null" json:"-"`
	FirstName    string     `gorm:"size:100" json:"firstName"`
	LastName     string     `gorm:"size:100" json:"lastName"`
	Role         Role       `gorm:"size:20;not null;index" json:"role"`
	Status       UserStatus `gorm:"size:20;not null;default:active" json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// AdminLevel distinguishes ordinary administrators from super administrators.
type AdminLevel string

const (
	LevelAdmin      AdminLevel = "admin"
	LevelSuperAdmin AdminLevel = "super_admin"
)

func (l AdminLevel) Valid() bool {
	return l == LevelAdmin || l == LevelSuperAdmin
}

// Administrator augments exactly one user with admin-console capabilities.
type Administrator struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"uniqueIndex;not null" json:"userId"`
	PermissionLevel      AdminLevel `gorm:"size:20;not null" json:"permissionLevel"`
	CanManageUsers       bool       `gorm:"not null;default:false" json:"canManageUsers"`
	CanManageCalendars   bool       `gorm:"not null;default:false" json:"canManageCalendars"`
	CanManagePermissions bool       `gorm:"not null;default:false" json:"canManagePermissions"`
	CanViewAuditLogs     bool       `gorm:"not null;default:false" json:"canViewAuditLogs"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func (a *Administrator) IsSuperAdmin() bool {
	return a != nil && a.PermissionLevel == LevelSuperAdmin
}

type CalendarType string

const (
	CalendarPersonal CalendarType = "personal"
	CalendarShared   CalendarType = "shared"
	CalendarPublic   CalendarType = "public"
)

func (t CalendarType) Valid() bool {
	switch t {
	case CalendarPersonal, CalendarShared, CalendarPublic:
		return true
	}
	return false
}

const DefaultCalendarColor = "#3788d8"

// Calendar owns events and permission grants.
type Calendar struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"size:255;not null" json:"name"`
	Description string       `gorm:"type:text" json:"description"`
	Color       string       `gorm:"size:7;not null" json:"color"`
	Type        CalendarType `gorm:"size:20;not null;index" json:"type"`
	OwnerID     uint         `gorm:"index;not null" json:"ownerId"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// GrantLevel is the stored permission tier of a calendar grant.
type GrantLevel string

const (
	GrantConsultation   GrantLevel = "consultation"
	GrantModification   GrantLevel = "modification"
	GrantAdministration GrantLevel = "administration"
)

func (g GrantLevel) Valid() bool {
	return g.Access() != AccessNone
}

// Access maps a grant tier onto the ordered access levels.
func (g GrantLevel) Access() AccessLevel {
	switch g {
	case GrantConsultation:
		return AccessView
	case GrantModification:
		return AccessEdit
	case GrantAdministration:
		return AccessAdmin
	}
	return AccessNone
}

// CalendarPermission grants one user a tier on one calendar. The pair is
// unique.
type CalendarPermission struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	CalendarID uint       `gorm:"uniqueIndex:idx_calendar_user;not null" json:"calendarId"`
	UserID     uint       `gorm:"uniqueIndex:idx_calendar_user;not null" json:"userId"`
	Permission GrantLevel `gorm:"size:20;not null" json:"permission"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (p *CalendarPermission) CanView() bool  { return p.Permission.Access() >= AccessView }
func (p *CalendarPermission) CanEdit() bool  { return p.Permission.Access() >= AccessEdit }
func (p *CalendarPermission) CanAdmin() bool { return p.Permission.Access() >= AccessAdmin }

type EventType string

const (
	EventMeeting  EventType = "meeting"
	EventCourse   EventType = "course"
	EventExam     EventType = "exam"
	EventDeadline EventType = "deadline"
	EventHoliday  EventType = "holiday"
	EventOther    EventType = "other"
)

func (t EventType) Valid() bool {
	switch t {
	case EventMeeting, EventCourse, EventExam, EventDeadline, EventHoliday, EventOther:
		return true
	}
	return false
}

// Event belongs to a calendar, or to no calendar for general events.
// Recurrence fields are stored as metadata only.
type Event struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Title          string     `gorm:"size:255;not null" json:"title"`
	Description    string     `gorm:"type:text" json:"description"`
	Location       string     `gorm:"size:255" json:"location"`
	StartAt        time.Time  `gorm:"not null;index" json:"start"`
	EndAt          time.Time  `gorm:"not null;index" json:"end"`
	AllDay         bool       `gorm:"not null;default:false" json:"allDay"`
	Type           EventType  `gorm:"size:20;not null" json:"type"`
	CalendarID     *uint      `gorm:"index" json:"calendarId"`
	CreatedByID    *uint      `gorm:"index" json:"createdById"`
	RecurrenceRule string     `gorm:"size:255" json:"recurrenceRule,omitempty"`
	RecurrenceEnd  *time.Time `json:"recurrenceEnd,omitempty"`
	ParentEventID  *uint      `gorm:"index" json:"parentEventId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type AuditAction string

const (
	ActionCreate           AuditAction = "create"
	ActionUpdate           AuditAction = "update"
	ActionDelete           AuditAction = "delete"
	ActionPromote          AuditAction = "promote"
	ActionDemote           AuditAction = "demote"
	ActionPermissionChange AuditAction = "permission_change"
	ActionLogin            AuditAction = "login"
	ActionLogout           AuditAction = "logout"
	ActionLoginFailed      AuditAction = "login_failed"
	ActionUndo             AuditAction = "undo"
)

func (a AuditAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionPromote, ActionDemote,
		ActionPermissionChange, ActionLogin, ActionLogout, ActionLoginFailed, ActionUndo:
		return true
	}
	return false
}

type EntityType string

const (
	EntityUser             EntityType = "user"
	EntityCalendar         EntityType = "calendar"
	EntityEvent            EntityType = "event"
	EntityAdministrator    EntityType = "administrator"
	EntityPermission       EntityType = "permission"
	EntityIncident         EntityType = "incident"
	EntityIncidentCategory EntityType = "incident_category"
	EntityIncidentComment  EntityType = "incident_comment"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityUser, EntityCalendar, EntityEvent, EntityAdministrator, EntityPermission,
		EntityIncident, EntityIncidentCategory, EntityIncidentComment:
		return true
	}
	return false
}

// AuditLog is an append-only record of one state change. Rows are never
// updated; only age-based retention removes them.
type AuditLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	AdminID    *uint             `gorm:"index" json:"adminId"`
	ActorID    *uint             `gorm:"index" json:"actorId"`
	Action     AuditAction       `gorm:"size:32;not null;index" json:"action"`
	EntityType EntityType        `gorm:"size:32;not null;index" json:"entityType"`
	EntityID   *uint             `gorm:"index" json:"entityId"`
	OldValue   datatypes.JSONMap `json:"oldValue"`
	NewValue   datatypes.JSONMap `json:"newValue"`
	IPAddress  string            `gorm:"size:45" json:"ipAddress"`
	UserAgent  string            `gorm:"size:512" json:"userAgent"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"createdAt"`
}

type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentInProgress IncidentStatus = "in_progress"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentClosed     IncidentStatus = "closed"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentInProgress, IncidentResolved, IncidentClosed:
		return true
	}
	return false
}

// Terminal reports whether entering the status stamps ResolvedAt.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentClosed
}

type IncidentPriority string

const (
	PriorityLow      IncidentPriority = "low"
	PriorityMedium   IncidentPriority = "medium"
	PriorityHigh     IncidentPriority = "high"
	PriorityCritical IncidentPriority = "critical"
)

func (p IncidentPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// IncidentCategory groups incidents and may route them to a role by default.
type IncidentCategory struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Name                string    `gorm:"size:120;not null" json:"name"`
	Code                string    `gorm:"uniqueIndex;size:40;not null" json:"code"`
	Description         string    `gorm:"type:text" json:"description"`
	DefaultAssigneeRole *Role     `gorm:"size:20" json:"defaultAssigneeRole"`
	Active              bool      `gorm:"not null" json:"active"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Incident targets either a single assignee or a role, never both.
type Incident struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	Title        string           `gorm:"size:255;not null" json:"title"`
	Description  string           `gorm:"type:text" json:"description"`
	Location     string           `gorm:"size:255" json:"location"`
	CategoryID   *uint            `gorm:"index" json:"categoryId"`
	ReporterID   uint             `gorm:"index;not null" json:"reporterId"`
	AssigneeID   *uint            `gorm:"index" json:"assigneeId"`
	AssigneeRole *Role            `gorm:"size:20;index" json:"assigneeRole"`
	Priority     IncidentPriority `gorm:"size:20;not null" json:"priority"`
	Status       IncidentStatus   `gorm:"size:20;not null;index" json:"status"`
	ResolvedAt   *time.Time       `json:"resolvedAt"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

type IncidentComment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	IncidentID uint      `gorm:"index;not null" json:"incidentId"`
	AuthorID   uint      `gorm:"index;not null" json:"authorId"`
	Body       string    `gorm:"type:text;not null" json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}
